package monitor

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
)

const DEFAULT_RECONCILE_SCHEDULE = "@every 1m"

// Reconciler refreshes cached account state against the network.
type Reconciler interface {
	Name() string
	Reconcile(ctx context.Context)
}

var _ services.Service = &ReconcileScheduler{}

// ReconcileScheduler runs Reconcile on every target on a cron schedule. A run still in progress
// when the next one is due causes that run to be skipped.
type ReconcileScheduler struct {
	services.StateMachine
	lggr     logger.SugaredLogger
	schedule string
	targets  []Reconciler
	cron     *cron.Cron

	stop services.StopChan
}

func NewReconcileScheduler(lggr logger.Logger, schedule string, targets ...Reconciler) (*ReconcileScheduler, error) {
	if schedule == "" {
		schedule = DEFAULT_RECONCILE_SCHEDULE
	}
	s := &ReconcileScheduler{
		lggr:     logger.Sugared(logger.Named(lggr, "ReconcileScheduler")),
		schedule: schedule,
		targets:  targets,
		stop:     make(services.StopChan),
	}
	cl := cronLogger{s.lggr}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *ReconcileScheduler) Name() string {
	return s.lggr.Name()
}

func (s *ReconcileScheduler) Start(context.Context) error {
	return s.StartOnce("ReconcileScheduler", func() error {
		s.cron.Start()
		s.lggr.Infow("reconcile scheduled", "schedule", s.schedule, "targets", len(s.targets))
		return nil
	})
}

func (s *ReconcileScheduler) Close() error {
	return s.StopOnce("ReconcileScheduler", func() error {
		close(s.stop)
		// waits for a running job
		<-s.cron.Stop().Done()
		return nil
	})
}

func (s *ReconcileScheduler) HealthReport() map[string]error {
	return map[string]error{s.Name(): s.Healthy()}
}

func (s *ReconcileScheduler) run() {
	ctx, cancel := s.stop.NewCtx()
	defer cancel()
	s.RunNow(ctx)
}

// RunNow reconciles every target once, in order.
func (s *ReconcileScheduler) RunNow(ctx context.Context) {
	for _, t := range s.targets {
		if ctx.Err() != nil {
			return
		}
		s.lggr.Debugw("reconciling", "target", t.Name())
		t.Reconcile(ctx)
	}
}

// cronLogger adapts a SugaredLogger to cron.Logger.
type cronLogger struct {
	lggr logger.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.lggr.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.lggr.Errorw(msg, append(keysAndValues, "err", err)...)
}
