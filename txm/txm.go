package txm

import (
	"context"
	"math/big"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/DERACHAIN/bundler/notify"
	"github.com/DERACHAIN/bundler/sdk"
)

var _ services.Service = &Txm{}

// Txm is the transaction manager of one chain: nonce sequencing, pricing, submission,
// confirmation tracking and resubmission.
type Txm struct {
	services.StateMachine
	lggr    logger.Logger
	chainID *big.Int

	Sequencer   *Sequencer
	GasOracle   GasOracle
	Listener    *Listener
	Submitter   *Submitter
	Resubmitter *Resubmitter
}

func New(lggr logger.Logger, chainID *big.Int, client sdk.Client, store TxStore, sink notify.Sink, accounts AccountSource, cfg Config) *Txm {
	lggr = logger.Named(lggr, "Txm")
	sequencer := NewSequencer(lggr, client)
	oracle := NewGasOracle(lggr, client, cfg.gasOracle())
	listener := NewListener(lggr, chainID, client, store, sink, cfg.listener())
	submitter := NewSubmitter(lggr, chainID, client, sequencer, oracle, listener, cfg.submitter())
	resubmitter := NewResubmitter(lggr, chainID.Uint64(), client, store, submitter, listener, oracle, sequencer, accounts, cfg.resubmitter())
	return &Txm{
		lggr:        lggr,
		chainID:     chainID,
		Sequencer:   sequencer,
		GasOracle:   oracle,
		Listener:    listener,
		Submitter:   submitter,
		Resubmitter: resubmitter,
	}
}

func (t *Txm) Name() string {
	return t.lggr.Name()
}

func (t *Txm) Start(ctx context.Context) error {
	return t.StartOnce("Txm", func() error {
		var ms services.MultiStart
		return ms.Start(ctx, t.GasOracle, t.Listener, t.Resubmitter)
	})
}

func (t *Txm) Close() error {
	return t.StopOnce("Txm", func() error {
		return services.CloseAll(t.Resubmitter, t.Listener, t.GasOracle)
	})
}

func (t *Txm) HealthReport() map[string]error {
	report := map[string]error{t.Name(): t.Healthy()}
	services.CopyHealth(report, t.GasOracle.HealthReport())
	services.CopyHealth(report, t.Listener.HealthReport())
	services.CopyHealth(report, t.Resubmitter.HealthReport())
	return report
}

// Submit relays req from account. See Submitter.Submit.
func (t *Txm) Submit(ctx context.Context, req TxRequest, account Account) (*Handle, error) {
	return t.Submitter.Submit(ctx, req, account)
}

// SubmitAt relays req at a nonce already taken from t.Sequencer.
func (t *Txm) SubmitAt(ctx context.Context, req TxRequest, account Account, nonce uint64) (*Handle, error) {
	return t.Submitter.SubmitAt(ctx, req, account, nonce)
}
