package txm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
	"github.com/smartcontractkit/chainlink-common/pkg/utils"

	"github.com/DERACHAIN/bundler/sdk"
)

const (
	DEFAULT_RESUBMIT_POLL_PERIOD = 30 * time.Second
	DEFAULT_PENDING_THRESHOLD    = 2 * time.Minute
	DEFAULT_MAX_RESUBMISSIONS    = 10
	DEFAULT_RESUBMIT_BATCH_SIZE  = 100
)

// AccountSource resolves the signing account of a stored record.
type AccountSource interface {
	Account(managerName string, addr common.Address) (Account, error)
}

// NonceGuard assigns fresh nonces to an account whose nonces are also spent by other processes.
// done ends the exclusive section and is called once the transaction is sent or abandoned.
type NonceGuard interface {
	AssignExclusive(ctx context.Context, addr common.Address) (nonce uint64, done func(), err error)
}

type ResubmitterConfig struct {
	PollPeriod time.Duration
	// PendingThreshold is how long a record stays PENDING without an update before it is checked.
	PendingThreshold time.Duration
	FeeBumpPercent   uint64
	MaxGasPrice      *big.Int
	MaxResubmissions int
	BatchSize        int
}

var _ services.Service = &Resubmitter{}

// Resubmitter revisits stale PENDING records. It settles them when a receipt exists and otherwise
// replaces them with a higher fee at the same nonce, or at a fresh nonce once theirs was consumed.
type Resubmitter struct {
	services.StateMachine
	lggr      logger.Logger
	chainID   uint64
	client    sdk.Client
	store     TxStore
	submitter *Submitter
	listener  *Listener
	oracle    GasOracle
	sequencer *Sequencer
	accounts  AccountSource
	cfg       ResubmitterConfig

	lock     sync.Mutex
	inflight map[string]struct{}
	guards   map[common.Address]NonceGuard

	chStop services.StopChan
	done   sync.WaitGroup
}

func NewResubmitter(lggr logger.Logger, chainID uint64, client sdk.Client, store TxStore, submitter *Submitter, listener *Listener, oracle GasOracle, sequencer *Sequencer, accounts AccountSource, cfg ResubmitterConfig) *Resubmitter {
	if cfg.PollPeriod == 0 {
		cfg.PollPeriod = DEFAULT_RESUBMIT_POLL_PERIOD
	}
	if cfg.PendingThreshold == 0 {
		cfg.PendingThreshold = DEFAULT_PENDING_THRESHOLD
	}
	if cfg.FeeBumpPercent == 0 {
		cfg.FeeBumpPercent = DEFAULT_FEE_BUMP_PERCENT
	}
	if cfg.MaxResubmissions == 0 {
		cfg.MaxResubmissions = DEFAULT_MAX_RESUBMISSIONS
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DEFAULT_RESUBMIT_BATCH_SIZE
	}
	return &Resubmitter{
		lggr:      logger.Named(lggr, "Resubmitter"),
		chainID:   chainID,
		client:    client,
		store:     store,
		submitter: submitter,
		listener:  listener,
		oracle:    oracle,
		sequencer: sequencer,
		accounts:  accounts,
		cfg:       cfg,
		inflight:  map[string]struct{}{},
		guards:    map[common.Address]NonceGuard{},
		chStop:    make(services.StopChan),
	}
}

// RegisterNonceGuard routes fresh nonce assignments of addr through g.
func (r *Resubmitter) RegisterNonceGuard(addr common.Address, g NonceGuard) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.guards[addr] = g
}

func (r *Resubmitter) Name() string {
	return r.lggr.Name()
}

func (r *Resubmitter) Start(context.Context) error {
	return r.StartOnce("Resubmitter", func() error {
		r.done.Add(1)
		go r.runLoop()
		return nil
	})
}

func (r *Resubmitter) Close() error {
	return r.StopOnce("Resubmitter", func() error {
		close(r.chStop)
		r.done.Wait()
		return nil
	})
}

func (r *Resubmitter) HealthReport() map[string]error {
	return map[string]error{r.Name(): r.Healthy()}
}

func (r *Resubmitter) runLoop() {
	defer r.done.Done()

	ctx, cancel := r.chStop.NewCtx()
	defer cancel()

	tick := time.After(utils.WithJitter(r.cfg.PollPeriod))

	r.lggr.Debugw("runLoop: started")

	for {
		select {
		case <-tick:
			start := time.Now()

			r.CheckPending(ctx)

			remaining := r.cfg.PollPeriod - time.Since(start)
			tick = time.After(utils.WithJitter(remaining.Abs()))

		case <-ctx.Done():
			r.lggr.Debugw("runLoop: stopped")
			return
		}
	}
}

// CheckPending processes one batch of stale PENDING records.
func (r *Resubmitter) CheckPending(ctx context.Context) {
	records, err := r.store.ListPending(ctx, r.chainID, time.Now().Add(-r.cfg.PendingThreshold), r.cfg.BatchSize)
	if err != nil {
		r.lggr.Errorw("failed to list pending transactions", "error", err)
		return
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if !r.claim(rec.TransactionID) {
			continue
		}
		if err := r.process(ctx, rec); err != nil {
			r.lggr.Errorw("failed to process pending transaction", "transactionId", rec.TransactionID, "txHash", rec.TransactionHash, "retryCount", rec.RetryCount, "error", err)
		}
		r.unclaim(rec.TransactionID)
	}
}

// claim guards against handling the same transactionId twice at once.
func (r *Resubmitter) claim(transactionID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, busy := r.inflight[transactionID]; busy {
		return false
	}
	r.inflight[transactionID] = struct{}{}
	return true
}

func (r *Resubmitter) unclaim(transactionID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.inflight, transactionID)
}

func (r *Resubmitter) process(ctx context.Context, rec *TxRecord) error {
	attempts, err := r.store.ListByTransactionID(ctx, r.chainID, rec.TransactionID)
	if err != nil {
		return err
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if a.Status.IsTerminal() {
			return nil
		}
		receipt, err := r.client.TransactionReceipt(ctx, a.TransactionHash)
		if err == nil {
			return r.ignoreResolving(r.listener.Resolve(ctx, a.TransactionID, a.TransactionHash, receipt))
		}
		if !sdk.IsNotFound(err) {
			return fmt.Errorf("failed to get receipt of %s: %w", a.TransactionHash, err)
		}
	}

	if rec.RetryCount >= r.cfg.MaxResubmissions {
		return r.ignoreResolving(r.listener.Fail(ctx, rec, fmt.Errorf("not mined after %d resubmissions", rec.RetryCount)))
	}

	from := rec.RelayerAddress
	latest, err := r.client.NonceAt(ctx, from, false)
	if err != nil {
		return fmt.Errorf("failed to get nonce of %s: %w", from, err)
	}

	nonce := rec.Nonce
	advanced := false
	if latest > rec.Nonce {
		err := r.listener.ResolveFrontRun(ctx, rec)
		if !errors.Is(err, ErrNoCompetingTransaction) {
			return r.ignoreResolving(err)
		}
		var done func()
		if nonce, done, err = r.freshNonce(ctx, from); err != nil {
			return err
		}
		defer done()
		advanced = true
		r.lggr.Warnw("nonce consumed by an unknown transaction, moving to a fresh nonce", "transactionId", rec.TransactionID, "oldNonce", rec.Nonce, "nonce", nonce)
	}

	recommended, err := r.oracle.Fee(ctx)
	if err != nil {
		r.lggr.Warnw("gas oracle unavailable, bumping previous fee only", "error", err)
	}
	fee, err := BumpFee(rec.Fee(), recommended, r.cfg.FeeBumpPercent, r.cfg.MaxGasPrice)
	if err != nil && !advanced {
		// a same-nonce replacement must outbid the previous attempt
		return r.ignoreResolving(r.listener.Fail(ctx, rec, err))
	}

	account, err := r.accounts.Account(rec.RelayerManagerName, from)
	if err != nil {
		if advanced {
			r.sequencer.Reset(from)
		}
		return fmt.Errorf("no signing account for %s: %w", from, err)
	}

	req := rec.Request()
	req.Fee = &fee
	h, err := r.submitter.Prepare(ctx, req, account, nonce)
	if err != nil {
		if advanced {
			r.sequencer.Reset(from)
		}
		return err
	}

	replacement, err := r.listener.Supersede(ctx, rec, h)
	if err != nil {
		if advanced {
			r.sequencer.Reset(from)
		}
		return r.ignoreResolving(err)
	}

	if err := r.submitter.Broadcast(ctx, h); err != nil {
		if rbErr := r.listener.RollbackSupersede(ctx, rec, replacement); rbErr != nil {
			r.lggr.Errorw("failed to roll back resubmission", "transactionId", rec.TransactionID, "txHash", replacement.TransactionHash, "error", rbErr)
		}
		if advanced || sdk.IsNonceTooLow(err) {
			r.sequencer.Reset(from)
		}
		return err
	}

	promResubmissions.WithLabelValues(chainLabel(r.chainID)).Inc()
	r.lggr.Infow("transaction resubmitted", "transactionId", rec.TransactionID, "previousTxHash", rec.TransactionHash, "txHash", replacement.TransactionHash, "nonce", nonce, "fee", fee, "retryCount", replacement.RetryCount)
	return nil
}

// freshNonce moves from past a nonce consumed elsewhere.
func (r *Resubmitter) freshNonce(ctx context.Context, from common.Address) (uint64, func(), error) {
	r.lock.Lock()
	g, ok := r.guards[from]
	r.lock.Unlock()
	if ok {
		return g.AssignExclusive(ctx, from)
	}
	if err := r.sequencer.Reconcile(ctx, from); err != nil {
		return 0, nil, err
	}
	nonce, err := r.sequencer.Assign(ctx, from)
	if err != nil {
		return 0, nil, err
	}
	return nonce, func() {}, nil
}

func (r *Resubmitter) ignoreResolving(err error) error {
	if errors.Is(err, errResolving) {
		return nil
	}
	return err
}
