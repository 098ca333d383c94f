package txm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	bundler "github.com/DERACHAIN/bundler"
	"github.com/DERACHAIN/bundler/notify"
	"github.com/DERACHAIN/bundler/sdk"
)

const (
	DEFAULT_MAX_WAIT_WINDOW      = 5 * time.Minute
	DEFAULT_FRONT_RUN_SCAN_DEPTH = 128
	RESOLVE_TIMEOUT              = 30 * time.Second
)

var (
	// ErrNoCompetingTransaction means no transaction from the same sender at the same nonce was found.
	ErrNoCompetingTransaction = errors.New("no competing transaction found")
	errResolving              = errors.New("transaction is being resolved")
)

// Releaser returns a relayer to its pool once its transaction is resolved. holder is the
// transactionId the relayer was leased for.
type Releaser interface {
	Release(ctx context.Context, addr common.Address, holder string)
	PostConfirmation(ctx context.Context, addr common.Address)
}

// OperationTracker links a transaction to the higher level operation it carries, such as a
// user operation inside a bundle.
type OperationTracker interface {
	// CompetingTransaction returns the hash of another transaction that executed the same operation
	// when rec reverted on chain.
	CompetingTransaction(ctx context.Context, rec *TxRecord, receipt *types.Receipt) (common.Hash, bool, error)
	// OnMined receives the receipt that settled the operation.
	OnMined(ctx context.Context, rec *TxRecord, receipt *types.Receipt) error
}

type noopTracker struct{}

func (noopTracker) CompetingTransaction(context.Context, *TxRecord, *types.Receipt) (common.Hash, bool, error) {
	return common.Hash{}, false, nil
}

func (noopTracker) OnMined(context.Context, *TxRecord, *types.Receipt) error { return nil }

type ListenerConfig struct {
	// MaxWaitWindow bounds each confirmation wait. Afterwards the record is left to the resubmitter.
	MaxWaitWindow     time.Duration
	FrontRunScanDepth uint64
	Tracker           OperationTracker
}

var (
	_ services.Service = &Listener{}
	_ Recorder         = &Listener{}
)

// Listener records transactions, waits for their receipts and settles their final status.
// Every wait runs as a supervised task owned by the Listener; Close cancels and joins them.
type Listener struct {
	services.StateMachine
	lggr    logger.Logger
	chainID uint64
	signer  types.Signer
	client  sdk.Client
	store   TxStore
	sink    notify.Sink
	cfg     ListenerConfig

	lock       sync.Mutex
	releasers  map[string]Releaser
	lifecycles map[string]*lifecycle

	chStop services.StopChan
	done   sync.WaitGroup
}

// lifecycle is the in-memory state of one transactionId: a cancel func per watched attempt hash.
type lifecycle struct {
	watches   map[common.Hash]context.CancelFunc
	resolving bool
}

func NewListener(lggr logger.Logger, chainID *big.Int, client sdk.Client, store TxStore, sink notify.Sink, cfg ListenerConfig) *Listener {
	if cfg.MaxWaitWindow == 0 {
		cfg.MaxWaitWindow = DEFAULT_MAX_WAIT_WINDOW
	}
	if cfg.FrontRunScanDepth == 0 {
		cfg.FrontRunScanDepth = DEFAULT_FRONT_RUN_SCAN_DEPTH
	}
	if cfg.Tracker == nil {
		cfg.Tracker = noopTracker{}
	}
	return &Listener{
		lggr:       logger.Named(lggr, "Listener"),
		chainID:    chainID.Uint64(),
		signer:     types.LatestSignerForChainID(chainID),
		client:     client,
		store:      store,
		sink:       sink,
		cfg:        cfg,
		releasers:  map[string]Releaser{},
		lifecycles: map[string]*lifecycle{},
		chStop:     make(services.StopChan),
	}
}

func (l *Listener) Name() string {
	return l.lggr.Name()
}

func (l *Listener) Start(context.Context) error {
	return l.StartOnce("Listener", func() error { return nil })
}

func (l *Listener) Close() error {
	return l.StopOnce("Listener", func() error {
		l.lock.Lock()
		close(l.chStop)
		l.lock.Unlock()
		l.done.Wait()
		return nil
	})
}

func (l *Listener) HealthReport() map[string]error {
	return map[string]error{l.Name(): l.Healthy()}
}

// RegisterReleaser binds a relayer manager name to the pool that owns its accounts.
func (l *Listener) RegisterReleaser(managerName string, r Releaser) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.releasers[managerName] = r
}

// InFlight returns the number of transactions with an active confirmation wait.
func (l *Listener) InFlight() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	n := 0
	for _, lc := range l.lifecycles {
		if len(lc.watches) > 0 {
			n++
		}
	}
	return n
}

// Track persists a new PENDING record for h and starts waiting for its receipt.
func (l *Listener) Track(ctx context.Context, h *Handle) error {
	rec, err := newRecord(l.chainID, h)
	if err != nil {
		return err
	}
	if err := l.store.Save(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			return err
		}
		return fmt.Errorf("%w: %w", bundler.ErrStoreUnavailable, err)
	}
	l.publish(ctx, rec, notify.EventHashGenerated, func(e *notify.Event) {
		hash := rec.TransactionHash
		e.TransactionHash = &hash
	})
	l.watch(rec.TransactionID, rec.TransactionHash)
	return nil
}

// Supersede records h as the replacement of the PENDING attempt old. Waits on earlier attempts keep
// running since any of them may still be mined.
func (l *Listener) Supersede(ctx context.Context, old *TxRecord, h *Handle) (*TxRecord, error) {
	if l.isResolving(old.TransactionID) {
		return nil, errResolving
	}
	rec, err := newRecord(l.chainID, h)
	if err != nil {
		return nil, err
	}
	prev := old.TransactionHash
	rec.RelayerManagerName = old.RelayerManagerName
	rec.PreviousTransactionHash = &prev
	rec.Resubmitted = true
	rec.RetryCount = old.RetryCount + 1
	if err := l.store.Supersede(ctx, old.TransactionHash, rec); err != nil {
		return nil, err
	}
	l.publish(ctx, rec, notify.EventHashChanged, func(e *notify.Event) {
		hash := rec.TransactionHash
		e.TransactionHash = &hash
		e.PreviousTransactionHash = &prev
	})
	l.watch(rec.TransactionID, rec.TransactionHash)
	return rec, nil
}

// RollbackSupersede removes a replacement that could not be broadcast and restores old as PENDING.
func (l *Listener) RollbackSupersede(ctx context.Context, old *TxRecord, replacement *TxRecord) error {
	l.stopWatch(replacement.TransactionID, replacement.TransactionHash)
	return l.store.RollbackSupersede(ctx, old.TransactionHash, replacement)
}

func (l *Listener) watch(transactionID string, hash common.Hash) {
	l.lock.Lock()
	select {
	case <-l.chStop:
		l.lock.Unlock()
		return
	default:
	}
	lc := l.lifecycleLocked(transactionID)
	if _, watching := lc.watches[hash]; lc.resolving || watching {
		l.lock.Unlock()
		return
	}
	stopCtx, stopCancel := l.chStop.NewCtx()
	ctx, cancel := context.WithTimeout(stopCtx, l.cfg.MaxWaitWindow)
	lc.watches[hash] = func() {
		cancel()
		stopCancel()
	}
	l.done.Add(1)
	l.lock.Unlock()

	go func() {
		defer l.done.Done()
		defer l.stopWatch(transactionID, hash)

		receipt, err := l.client.WaitForTransaction(ctx, hash)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				l.lggr.Warnw("confirmation wait window elapsed, leaving transaction to resubmitter", "transactionId", transactionID, "txHash", hash, "window", l.cfg.MaxWaitWindow)
			}
			return
		}

		rctx, rcancel := l.chStop.NewCtx()
		defer rcancel()
		rctx, tcancel := context.WithTimeout(rctx, RESOLVE_TIMEOUT)
		defer tcancel()
		if err := l.Resolve(rctx, transactionID, hash, receipt); err != nil && !errors.Is(err, errResolving) {
			l.lggr.Errorw("failed to resolve transaction", "transactionId", transactionID, "txHash", hash, "error", err)
		}
	}()
}

func (l *Listener) lifecycleLocked(transactionID string) *lifecycle {
	lc, ok := l.lifecycles[transactionID]
	if !ok {
		lc = &lifecycle{watches: map[common.Hash]context.CancelFunc{}}
		l.lifecycles[transactionID] = lc
	}
	return lc
}

func (l *Listener) stopWatch(transactionID string, hash common.Hash) {
	l.lock.Lock()
	defer l.lock.Unlock()
	lc, ok := l.lifecycles[transactionID]
	if !ok {
		return
	}
	if cancel, ok := lc.watches[hash]; ok {
		cancel()
		delete(lc.watches, hash)
	}
	if len(lc.watches) == 0 && !lc.resolving {
		delete(l.lifecycles, transactionID)
	}
}

func (l *Listener) isResolving(transactionID string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	lc, ok := l.lifecycles[transactionID]
	return ok && lc.resolving
}

// beginResolve claims the right to settle transactionID and cancels its remaining waits.
func (l *Listener) beginResolve(transactionID string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	lc := l.lifecycleLocked(transactionID)
	if lc.resolving {
		return false
	}
	lc.resolving = true
	for hash, cancel := range lc.watches {
		cancel()
		delete(lc.watches, hash)
	}
	return true
}

func (l *Listener) endResolve(transactionID string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.lifecycles, transactionID)
}

// Resolve settles a transaction from the receipt of one of its attempts.
func (l *Listener) Resolve(ctx context.Context, transactionID string, hash common.Hash, receipt *types.Receipt) error {
	if !l.beginResolve(transactionID) {
		return errResolving
	}
	defer l.endResolve(transactionID)

	attempts, rec, err := l.attempt(ctx, transactionID, hash)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	l.settle(ctx, attempts, rec, receipt)
	return nil
}

// ResolveFrontRun settles rec when its nonce was consumed but none of its attempts has a receipt.
// It returns ErrNoCompetingTransaction when the consuming transaction cannot be found.
func (l *Listener) ResolveFrontRun(ctx context.Context, rec *TxRecord) error {
	if !l.beginResolve(rec.TransactionID) {
		return errResolving
	}
	defer l.endResolve(rec.TransactionID)

	attempts, current, err := l.attempt(ctx, rec.TransactionID, rec.TransactionHash)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return nil
	}

	competing, err := l.findCompetingTransaction(ctx, current.RelayerAddress, current.Nonce)
	if err != nil {
		return err
	}
	if competing == nil {
		return ErrNoCompetingTransaction
	}

	// One of our own attempts may have been mined since the caller last looked.
	for _, a := range attempts {
		if a.TransactionHash == *competing {
			receipt, err := l.client.TransactionReceipt(ctx, a.TransactionHash)
			if err != nil {
				return fmt.Errorf("failed to get receipt of %s: %w", a.TransactionHash, err)
			}
			l.settle(ctx, attempts, a, receipt)
			return nil
		}
	}

	l.settleFrontRun(ctx, attempts, current, *competing)
	return nil
}

// Fail marks rec FAILED without a receipt.
func (l *Listener) Fail(ctx context.Context, rec *TxRecord, reason error) error {
	if !l.beginResolve(rec.TransactionID) {
		return errResolving
	}
	defer l.endResolve(rec.TransactionID)

	attempts, current, err := l.attempt(ctx, rec.TransactionID, rec.TransactionHash)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return nil
	}
	l.update(ctx, current, statusPatch(StatusFailed))
	l.dropOthers(ctx, attempts, current)
	l.lggr.Errorw("transaction failed", "transactionId", current.TransactionID, "txHash", current.TransactionHash, "reason", reason)
	l.publish(ctx, current, notify.EventError, func(e *notify.Event) {
		hash := current.TransactionHash
		e.TransactionHash = &hash
		e.Error = reason.Error()
	})
	l.release(ctx, current)
	return nil
}

func (l *Listener) attempt(ctx context.Context, transactionID string, hash common.Hash) ([]*TxRecord, *TxRecord, error) {
	attempts, err := l.store.ListByTransactionID(ctx, l.chainID, transactionID)
	if err != nil {
		return nil, nil, err
	}
	for _, a := range attempts {
		if a.TransactionHash == hash {
			return attempts, a, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, transactionID, hash)
}

func (l *Listener) settle(ctx context.Context, attempts []*TxRecord, rec *TxRecord, receipt *types.Receipt) {
	if receipt.Status == types.ReceiptStatusSuccessful {
		l.markSucceeded(ctx, attempts, rec, receipt)
		return
	}

	competing, ok, err := l.cfg.Tracker.CompetingTransaction(ctx, rec, receipt)
	if err != nil {
		l.lggr.Errorw("failed to look up competing transaction", "transactionId", rec.TransactionID, "txHash", rec.TransactionHash, "error", err)
	}
	if ok && competing != rec.TransactionHash {
		l.settleFrontRun(ctx, attempts, rec, competing)
		return
	}
	l.markReverted(ctx, attempts, rec, receipt)
}

func (l *Listener) markSucceeded(ctx context.Context, attempts []*TxRecord, rec *TxRecord, receipt *types.Receipt) {
	patch, err := receiptPatch(StatusSuccess, receipt)
	if err != nil {
		l.lggr.Errorw("failed to encode receipt", "txHash", rec.TransactionHash, "error", err)
	}
	l.update(ctx, rec, patch)
	l.dropOthers(ctx, attempts, rec)
	if err := l.cfg.Tracker.OnMined(ctx, rec, receipt); err != nil {
		l.lggr.Errorw("failed to record mined operation", "transactionId", rec.TransactionID, "error", err)
	}
	l.lggr.Infow("transaction mined", "transactionId", rec.TransactionID, "txHash", rec.TransactionHash, "blockNumber", receipt.BlockNumber, "gasUsed", receipt.GasUsed)
	l.publish(ctx, rec, notify.EventMined, func(e *notify.Event) {
		hash := rec.TransactionHash
		e.TransactionHash = &hash
		e.Receipt = receipt
	})
	l.release(ctx, rec)
}

func (l *Listener) markReverted(ctx context.Context, attempts []*TxRecord, rec *TxRecord, receipt *types.Receipt) {
	patch, err := receiptPatch(StatusFailed, receipt)
	if err != nil {
		l.lggr.Errorw("failed to encode receipt", "txHash", rec.TransactionHash, "error", err)
	}
	l.update(ctx, rec, patch)
	l.dropOthers(ctx, attempts, rec)
	l.lggr.Errorw("transaction reverted", "transactionId", rec.TransactionID, "txHash", rec.TransactionHash, "blockNumber", receipt.BlockNumber)
	l.publish(ctx, rec, notify.EventError, func(e *notify.Event) {
		hash := rec.TransactionHash
		e.TransactionHash = &hash
		e.Receipt = receipt
		e.Error = "transaction reverted"
	})
	l.release(ctx, rec)
}

// settleFrontRun marks rec FAILED and reports the competing transaction as the one that was mined.
func (l *Listener) settleFrontRun(ctx context.Context, attempts []*TxRecord, rec *TxRecord, competing common.Hash) {
	receipt, err := l.client.TransactionReceipt(ctx, competing)
	if err != nil {
		l.lggr.Errorw("front-run detected but competing receipt unavailable", "transactionId", rec.TransactionID, "txHash", rec.TransactionHash, "competingTxHash", competing, "error", err)
		patch := statusPatch(StatusFailed)
		patch.FrontRunTransactionHash = &competing
		l.update(ctx, rec, patch)
		l.dropOthers(ctx, attempts, rec)
		l.publish(ctx, rec, notify.EventError, func(e *notify.Event) {
			hash := rec.TransactionHash
			e.TransactionHash = &hash
			e.Error = fmt.Errorf("%w: %s", bundler.ErrReceiptUnavailable, competing).Error()
		})
		l.release(ctx, rec)
		return
	}

	patch, err := receiptPatch(StatusFailed, receipt)
	if err != nil {
		l.lggr.Errorw("failed to encode receipt", "txHash", competing, "error", err)
	}
	patch.FrontRunTransactionHash = &competing
	l.update(ctx, rec, patch)
	l.dropOthers(ctx, attempts, rec)
	if err := l.cfg.Tracker.OnMined(ctx, rec, receipt); err != nil {
		l.lggr.Errorw("failed to record mined operation", "transactionId", rec.TransactionID, "error", err)
	}
	l.lggr.Warnw("transaction front-run", "transactionId", rec.TransactionID, "txHash", rec.TransactionHash, "competingTxHash", competing, "blockNumber", receipt.BlockNumber)
	l.publish(ctx, rec, notify.EventMined, func(e *notify.Event) {
		e.TransactionHash = &competing
		e.Receipt = receipt
	})
	l.release(ctx, rec)
}

// findCompetingTransaction scans recent blocks, newest first, for a transaction from sender at nonce.
func (l *Listener) findCompetingTransaction(ctx context.Context, sender common.Address, nonce uint64) (*common.Hash, error) {
	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	for i := uint64(0); i < l.cfg.FrontRunScanDepth && i <= head; i++ {
		block, err := l.client.BlockByNumber(ctx, new(big.Int).SetUint64(head-i))
		if err != nil {
			return nil, fmt.Errorf("failed to get block %d: %w", head-i, err)
		}
		for _, tx := range block.Transactions() {
			if tx.Nonce() != nonce {
				continue
			}
			from, err := types.Sender(l.signer, tx)
			if err != nil || from != sender {
				continue
			}
			hash := tx.Hash()
			return &hash, nil
		}
	}
	return nil, nil
}

// update persists a patch. Failures are logged and the in-memory lifecycle carries on.
func (l *Listener) update(ctx context.Context, rec *TxRecord, patch TxPatch) {
	if err := l.store.UpdateByTransactionIDAndHash(ctx, l.chainID, rec.TransactionID, rec.TransactionHash, patch); err != nil {
		l.lggr.Errorw("failed to persist transaction update", "transactionId", rec.TransactionID, "txHash", rec.TransactionHash, "error", err)
		return
	}
	if patch.Status != nil && patch.Status.IsTerminal() {
		promTxStatus.WithLabelValues(chainLabel(l.chainID), patch.Status.String()).Inc()
	}
}

// dropOthers marks every other PENDING attempt of the transaction DROPPED.
func (l *Listener) dropOthers(ctx context.Context, attempts []*TxRecord, settled *TxRecord) {
	for _, a := range attempts {
		if a.TransactionHash != settled.TransactionHash && a.Status == StatusPending {
			l.update(ctx, a, statusPatch(StatusDropped))
		}
	}
}

func (l *Listener) release(ctx context.Context, rec *TxRecord) {
	if rec.RelayerManagerName == "" {
		return
	}
	l.lock.Lock()
	r, ok := l.releasers[rec.RelayerManagerName]
	l.lock.Unlock()
	if !ok {
		l.lggr.Warnw("no relayer manager registered", "manager", rec.RelayerManagerName, "relayer", rec.RelayerAddress)
		return
	}
	r.Release(ctx, rec.RelayerAddress, rec.TransactionID)
	r.PostConfirmation(ctx, rec.RelayerAddress)
}

func (l *Listener) publish(ctx context.Context, rec *TxRecord, event notify.EventType, fill func(e *notify.Event)) {
	if l.sink == nil {
		return
	}
	relayer := rec.RelayerAddress
	e := notify.Event{
		TransactionID:  rec.TransactionID,
		ChainID:        l.chainID,
		Event:          event,
		RelayerAddress: &relayer,
	}
	fill(&e)
	l.sink.Publish(ctx, e)
}
