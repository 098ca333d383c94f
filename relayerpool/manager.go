// Package relayerpool owns the relayer accounts of one relayer manager on one chain and leases
// them out to transactions one at a time.
package relayerpool

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/prque"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	bundler "github.com/DERACHAIN/bundler"
	"github.com/DERACHAIN/bundler/keystore"
	"github.com/DERACHAIN/bundler/lock"
	"github.com/DERACHAIN/bundler/txm"
)

const (
	// A warning is logged once a relayer's pending count is within this margin of the threshold.
	PENDING_WARNING_MARGIN = 5
	CREATE_CONCURRENCY     = 8
	DEFAULT_LOCK_TTL       = time.Minute
	DEFAULT_LEASE_TIMEOUT  = 10 * time.Minute
	// LOCK_TTL_MARGIN is the time left for preparing and recording a funding transaction on top of
	// its broadcast retries while the funding lock is held.
	LOCK_TTL_MARGIN = 10 * time.Second
)

type Config struct {
	Name                             string
	MinRelayerCount                  int
	MaxRelayerCount                  int
	InactiveRelayerCountThreshold    int
	PendingTransactionCountThreshold int
	NewRelayerInstanceCount          int
	FundingRelayerAmount             *big.Int
	FundingBalanceThreshold          *big.Int
	FundingGasLimit                  uint64
	// LockTTL bounds how long a crashed process can hold the owner's funding lock. It must cover the
	// broadcast retries of a funding transaction.
	LockTTL time.Duration
	// LeaseTimeout is how long a lease may stay open before reconciliation takes the relayer back.
	LeaseTimeout time.Duration
}

// BalanceReader is the part of the chain client the pool reads.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// Sequencer is the part of txm.Sequencer the pool drives.
type Sequencer interface {
	AssignFromNetwork(ctx context.Context, addr common.Address) (uint64, error)
	Reconcile(ctx context.Context, addr common.Address) error
	Peek(addr common.Address) (uint64, bool)
}

// PendingLookup counts the PENDING transactions of a relayer in the transaction store.
type PendingLookup interface {
	CountPending(ctx context.Context, chainID uint64, relayer common.Address) (int, error)
}

// Submitter sends funding transactions from the owner account.
type Submitter interface {
	SubmitAt(ctx context.Context, req txm.TxRequest, account txm.Account, nonce uint64) (*txm.Handle, error)
}

// Relayer is the pool's view of one account.
type Relayer struct {
	Address      common.Address
	Balance      *big.Int
	Nonce        uint64
	PendingCount int
	LeasedAt     time.Time
	// LeaseHolder is the transaction the current lease was taken for.
	LeaseHolder string

	seq   int64
	index int
}

var (
	_ services.Service = &Manager{}
	_ txm.Releaser     = &Manager{}
	_ txm.NonceGuard   = &Manager{}
)

// Manager is a pool of relayer accounts. Every known relayer is either available or leased.
//
// Two locks with different scopes are involved. createMu is process local and serializes
// derivation index allocation in CreateAccounts. The Locker is shared between processes and
// serializes funding transactions, which all spend nonces of the owner account. Neither is
// taken while holding the other.
type Manager struct {
	services.StateMachine
	lggr      logger.SugaredLogger
	chainID   *big.Int
	cfg       Config
	client    BalanceReader
	deriver   keystore.KeyDeriver
	ks        *keystore.Keystore
	sequencer Sequencer
	submitter Submitter
	pending   PendingLookup
	locker    lock.Locker
	owner     txm.Account

	createMu  sync.Mutex
	nextIndex uint32

	lock      sync.Mutex
	relayers  map[common.Address]*Relayer
	available *prque.Prque[int64, *Relayer]
	leased    map[common.Address]*Relayer
	seq       int64
	scaling   bool

	chStop services.StopChan
	done   sync.WaitGroup
}

func NewManager(lggr logger.Logger, chainID *big.Int, cfg Config, client BalanceReader, deriver keystore.KeyDeriver, ks *keystore.Keystore, sequencer Sequencer, submitter Submitter, pending PendingLookup, locker lock.Locker, owner txm.Account) *Manager {
	if cfg.FundingGasLimit == 0 {
		cfg.FundingGasLimit = txm.TRANSFER_GAS_LIMIT
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = DEFAULT_LOCK_TTL
	}
	if cfg.LeaseTimeout == 0 {
		cfg.LeaseTimeout = DEFAULT_LEASE_TIMEOUT
	}
	lggr = logger.With(logger.Named(lggr, "RelayerManager"), "manager", cfg.Name, "chainID", chainID)
	return &Manager{
		lggr:      logger.Sugared(lggr),
		chainID:   chainID,
		cfg:       cfg,
		client:    client,
		deriver:   deriver,
		ks:        ks,
		sequencer: sequencer,
		submitter: submitter,
		pending:   pending,
		locker:    locker,
		owner:     owner,
		relayers:  map[common.Address]*Relayer{},
		available: prque.New[int64, *Relayer](func(r *Relayer, i int) { r.index = i }),
		leased:    map[common.Address]*Relayer{},
		chStop:    make(services.StopChan),
	}
}

func (m *Manager) Name() string {
	return m.lggr.Name()
}

// Start creates the minimum number of relayers and funds those below the threshold.
func (m *Manager) Start(ctx context.Context) error {
	return m.StartOnce("RelayerManager", func() error {
		created := m.CreateAccounts(ctx, m.cfg.MinRelayerCount)
		if len(created) == 0 && m.cfg.MinRelayerCount > 0 {
			return fmt.Errorf("no relayer could be created for manager %s", m.cfg.Name)
		}
		if balance, err := m.client.BalanceAt(ctx, m.owner.Address()); err != nil {
			m.lggr.Warnw("failed to get owner balance", "owner", m.owner.Address(), "error", err)
		} else {
			m.lggr.Infow("owner balance", "owner", m.owner.Address(), "balance", bundler.WeiToEther(balance))
		}
		m.FundAccounts(ctx, created)
		m.lggr.Infow("relayer manager started", "relayers", len(created))
		return nil
	})
}

func (m *Manager) Close() error {
	return m.StopOnce("RelayerManager", func() error {
		m.lock.Lock()
		close(m.chStop)
		m.lock.Unlock()
		m.done.Wait()
		return nil
	})
}

func (m *Manager) HealthReport() map[string]error {
	return map[string]error{m.Name(): m.Healthy()}
}

// spawn runs fn in a goroutine that Close waits for. It returns false once the manager is closing.
func (m *Manager) spawn(fn func(ctx context.Context)) bool {
	m.lock.Lock()
	select {
	case <-m.chStop:
		m.lock.Unlock()
		return false
	default:
	}
	m.done.Add(1)
	m.lock.Unlock()

	go func() {
		defer m.done.Done()
		ctx, cancel := m.chStop.NewCtx()
		defer cancel()
		fn(ctx)
	}()
	return true
}

// pushLocked queues r behind every relayer with fewer pending transactions and, among equals,
// behind those queued earlier.
func (m *Manager) pushLocked(r *Relayer) {
	m.seq++
	r.seq = m.seq
	m.available.Push(r, -(int64(r.PendingCount)<<40 | r.seq))
}

// Lease hands out the available relayer with the fewest pending transactions to holder. It never
// blocks: an empty pool returns bundler.ErrNoActiveRelayer.
func (m *Manager) Lease(ctx context.Context, holder string) (*keystore.Account, error) {
	m.lock.Lock()
	if m.available.Empty() {
		leased := len(m.leased)
		m.lock.Unlock()
		promPoolExhausted.WithLabelValues(m.chainID.String(), m.cfg.Name).Inc()
		m.lggr.Criticalw("relayer pool exhausted", "leased", leased)
		return nil, bundler.ErrNoActiveRelayer
	}
	r := m.available.PopItem()
	r.PendingCount++
	r.LeasedAt = time.Now()
	r.LeaseHolder = holder
	m.leased[r.Address] = r
	pending := r.PendingCount
	scale := m.shouldScaleUpLocked()
	m.updateGaugesLocked()
	m.lock.Unlock()

	if m.cfg.PendingTransactionCountThreshold > 0 && pending > m.cfg.PendingTransactionCountThreshold-PENDING_WARNING_MARGIN {
		m.lggr.Warnw("relayer pending count approaching threshold", "relayer", r.Address, "pendingCount", pending, "threshold", m.cfg.PendingTransactionCountThreshold)
	}
	if scale {
		m.scaleUp()
	}
	return m.ks.Account(r.Address)
}

// Release returns a relayer leased to holder to the available queue. Releasing a relayer that is
// not leased, or is leased to another holder, does nothing.
func (m *Manager) Release(_ context.Context, addr common.Address, holder string) {
	m.lock.Lock()
	r, ok := m.leased[addr]
	if !ok {
		m.lock.Unlock()
		m.lggr.Debugw("release of relayer that is not leased", "relayer", addr, "holder", holder)
		return
	}
	if r.LeaseHolder != holder {
		current := r.LeaseHolder
		m.lock.Unlock()
		m.lggr.Debugw("ignoring release from earlier lease", "relayer", addr, "holder", holder, "leaseHolder", current)
		return
	}
	delete(m.leased, addr)
	r.LeaseHolder = ""
	m.pushLocked(r)
	scale := m.shouldScaleUpLocked()
	m.updateGaugesLocked()
	m.lock.Unlock()

	m.lggr.Debugw("relayer released", "relayer", addr, "pendingCount", r.PendingCount)
	if scale {
		m.scaleUp()
	}
}

// PostConfirmation accounts for a resolved transaction of addr and tops the relayer up if its
// balance fell below the funding threshold.
func (m *Manager) PostConfirmation(ctx context.Context, addr common.Address) {
	m.lock.Lock()
	r, ok := m.relayers[addr]
	if !ok {
		m.lock.Unlock()
		m.lggr.Warnw("confirmation for unknown relayer", "relayer", addr)
		return
	}
	if r.PendingCount > 0 {
		r.PendingCount--
		if r.index >= 0 {
			m.available.Remove(r.index)
			m.pushLocked(r)
		}
	}
	pending := r.PendingCount
	m.lock.Unlock()

	balance, err := m.client.BalanceAt(ctx, addr)
	if err != nil {
		m.lggr.Warnw("failed to get relayer balance", "relayer", addr, "error", err)
		return
	}
	m.setBalance(addr, balance)
	m.lggr.Debugw("relayer confirmation processed", "relayer", addr, "pendingCount", pending, "balance", bundler.WeiToEther(balance))

	if balance.Cmp(m.cfg.FundingBalanceThreshold) < 0 {
		m.spawn(func(ctx context.Context) {
			m.FundAccounts(ctx, []common.Address{addr})
		})
	}
}

func (m *Manager) setBalance(addr common.Address, balance *big.Int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if r, ok := m.relayers[addr]; ok {
		r.Balance = balance
	}
}

// shouldScaleUpLocked claims the single scale-up slot when the available queue has shrunk by
// at least InactiveRelayerCountThreshold below the minimum.
func (m *Manager) shouldScaleUpLocked() bool {
	if m.scaling {
		return false
	}
	if m.cfg.MinRelayerCount-m.available.Size() < m.cfg.InactiveRelayerCountThreshold {
		return false
	}
	if m.cfg.MaxRelayerCount > 0 && len(m.relayers) >= m.cfg.MaxRelayerCount {
		return false
	}
	m.scaling = true
	return true
}

func (m *Manager) scaleUp() {
	started := m.spawn(func(ctx context.Context) {
		defer func() {
			m.lock.Lock()
			m.scaling = false
			m.lock.Unlock()
		}()
		m.lggr.Infow("scaling up relayers", "count", m.cfg.NewRelayerInstanceCount)
		created := m.CreateAccounts(ctx, m.cfg.NewRelayerInstanceCount)
		m.FundAccounts(ctx, created)
	})
	if !started {
		m.lock.Lock()
		m.scaling = false
		m.lock.Unlock()
	}
}

type derivedRelayer struct {
	index   uint32
	key     *ecdsa.PrivateKey
	address common.Address
	balance *big.Int
	nonce   uint64
	err     error
}

// CreateAccounts derives up to n new relayers, reads their balance and nonce and queues them.
// A relayer whose lookups fail is left out of the pool. The returned addresses are all in the pool.
func (m *Manager) CreateAccounts(ctx context.Context, n int) []common.Address {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	m.lock.Lock()
	if m.cfg.MaxRelayerCount > 0 {
		n = min(n, m.cfg.MaxRelayerCount-len(m.relayers))
	}
	m.lock.Unlock()
	if n <= 0 {
		return nil
	}

	start := m.nextIndex
	m.nextIndex += uint32(n)

	results := make([]derivedRelayer, n)
	for i := range results {
		d := &results[i]
		d.index = start + uint32(i)
		d.key, d.err = m.deriver.DeriveKey(d.index)
		if d.err == nil {
			d.address = crypto.PubkeyToAddress(d.key.PublicKey)
		}
	}

	// Lookup errors are kept per relayer so one failure does not abort the batch.
	var g errgroup.Group
	g.SetLimit(CREATE_CONCURRENCY)
	for i := range results {
		d := &results[i]
		if d.err != nil {
			continue
		}
		g.Go(func() error {
			if d.balance, d.err = m.client.BalanceAt(ctx, d.address); d.err != nil {
				return nil
			}
			if d.err = m.sequencer.Reconcile(ctx, d.address); d.err != nil {
				return nil
			}
			d.nonce, _ = m.sequencer.Peek(d.address)
			return nil
		})
	}
	_ = g.Wait()

	var created []common.Address
	m.lock.Lock()
	for _, d := range results {
		if d.err != nil {
			m.lggr.Errorw("failed to create relayer", "index", d.index, "relayer", d.address, "error", d.err)
			continue
		}
		m.ks.Add(d.key)
		r := &Relayer{Address: d.address, Balance: d.balance, Nonce: d.nonce, index: -1}
		m.relayers[d.address] = r
		m.pushLocked(r)
		created = append(created, d.address)
	}
	total := len(m.relayers)
	m.updateGaugesLocked()
	m.lock.Unlock()

	m.lggr.Infow("relayers created", "created", len(created), "requested", n, "total", total)
	return created
}

// Reconcile refreshes balance and nonce of every relayer, takes back leases held longer than
// LeaseTimeout whose relayer has no PENDING transaction left and funds relayers below the threshold.
func (m *Manager) Reconcile(ctx context.Context) {
	m.lock.Lock()
	addrs := maps.Keys(m.relayers)
	expired := map[common.Address]string{}
	for addr, r := range m.leased {
		if time.Since(r.LeasedAt) > m.cfg.LeaseTimeout {
			expired[addr] = r.LeaseHolder
		}
	}
	m.lock.Unlock()

	for addr, holder := range expired {
		m.reclaim(ctx, addr, holder)
	}

	var low []common.Address
	for _, addr := range addrs {
		if ctx.Err() != nil {
			return
		}
		balance, err := m.client.BalanceAt(ctx, addr)
		if err != nil {
			m.lggr.Warnw("failed to get relayer balance", "relayer", addr, "error", err)
			continue
		}
		if err := m.sequencer.Reconcile(ctx, addr); err != nil {
			m.lggr.Warnw("failed to reconcile relayer nonce", "relayer", addr, "error", err)
		}
		nonce, _ := m.sequencer.Peek(addr)

		m.lock.Lock()
		r := m.relayers[addr]
		r.Balance = balance
		r.Nonce = nonce
		m.lock.Unlock()

		if balance.Cmp(m.cfg.FundingBalanceThreshold) < 0 {
			low = append(low, addr)
		}
	}
	if len(low) > 0 {
		m.FundAccounts(ctx, low)
	}
}

// reclaim takes back an expired lease of holder unless the relayer still has a PENDING transaction,
// which the listener releases once it resolves.
func (m *Manager) reclaim(ctx context.Context, addr common.Address, holder string) {
	pending, err := m.pending.CountPending(ctx, m.chainID.Uint64(), addr)
	if err != nil {
		m.lggr.Warnw("failed to count pending transactions, keeping expired lease", "relayer", addr, "holder", holder, "error", err)
		return
	}
	if pending > 0 {
		m.lggr.Warnw("lease expired but relayer has pending transactions", "relayer", addr, "holder", holder, "pending", pending)
		return
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	r, ok := m.leased[addr]
	if !ok || r.LeaseHolder != holder {
		return
	}
	m.lggr.Warnw("requeueing relayer with expired lease", "relayer", addr, "holder", holder, "leasedAt", r.LeasedAt, "pendingCount", r.PendingCount)
	delete(m.leased, addr)
	r.LeaseHolder = ""
	r.PendingCount = 0
	m.pushLocked(r)
	m.updateGaugesLocked()
}

// Account returns the signing account of a relayer in this pool.
func (m *Manager) Account(addr common.Address) (*keystore.Account, error) {
	m.lock.Lock()
	_, ok := m.relayers[addr]
	m.lock.Unlock()
	if !ok {
		return nil, fmt.Errorf("relayer %s not in manager %s", addr, m.cfg.Name)
	}
	return m.ks.Account(addr)
}

// Relayer returns a snapshot of one relayer.
func (m *Manager) Relayer(addr common.Address) (Relayer, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	r, ok := m.relayers[addr]
	if !ok {
		return Relayer{}, false
	}
	return *r, true
}

// Addresses returns every relayer of the pool.
func (m *Manager) Addresses() []common.Address {
	m.lock.Lock()
	defer m.lock.Unlock()
	return maps.Keys(m.relayers)
}

func (m *Manager) AvailableCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.available.Size()
}

func (m *Manager) LeasedCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.leased)
}

func (m *Manager) Config() Config {
	return m.cfg
}
