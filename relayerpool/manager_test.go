package relayerpool_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"

	bundler "github.com/DERACHAIN/bundler"
	"github.com/DERACHAIN/bundler/keystore"
	"github.com/DERACHAIN/bundler/lock"
	"github.com/DERACHAIN/bundler/relayerpool"
	"github.com/DERACHAIN/bundler/testutils"
	"github.com/DERACHAIN/bundler/txm"
)

const (
	testChainID = 1337
	testManager = "test-manager"
)

var (
	oneEther   = big.NewInt(1_000_000_000_000_000_000)
	tenthEther = big.NewInt(100_000_000_000_000_000)
	recipient  = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
)

type ownerAccounts struct {
	owner txm.Account
	ks    *keystore.Keystore
}

func (s ownerAccounts) Account(managerName string, addr common.Address) (txm.Account, error) {
	if managerName == "" && addr == s.owner.Address() {
		return s.owner, nil
	}
	return s.ks.Account(addr)
}

type poolEnv struct {
	chain    *testutils.SimulatedChain
	deriver  *testutils.StaticDeriver
	ks       *keystore.Keystore
	ownerKey *ecdsa.PrivateKey
	owner    *keystore.Account
	locker   *lock.InMemoryLocker
	store    *txm.InMemoryTxStore
	tm       *txm.Txm
	manager  *relayerpool.Manager
	observed *observer.ObservedLogs
}

func testPoolConfig() relayerpool.Config {
	return relayerpool.Config{
		Name:                             testManager,
		MinRelayerCount:                  3,
		MaxRelayerCount:                  10,
		InactiveRelayerCountThreshold:    100,
		PendingTransactionCountThreshold: 15,
		NewRelayerInstanceCount:          2,
		FundingRelayerAmount:             oneEther,
		FundingBalanceThreshold:          tenthEther,
	}
}

func newPool(t *testing.T, cfg relayerpool.Config, keys int) *poolEnv {
	lggr, observed := logger.TestObserved(t, zapcore.DebugLevel)
	ownerKey := testutils.CreateKey(rand.Reader)
	owner := testutils.NewAccount(ownerKey)
	env := &poolEnv{
		chain:    testutils.NewSimulatedChain(testChainID),
		deriver:  testutils.NewStaticDeriver(rand.Reader, keys),
		ks:       keystore.New(),
		ownerKey: ownerKey,
		owner:    owner,
		locker:   lock.NewInMemoryLocker(lock.Config{AcquireTimeout: 50 * time.Millisecond, RetryDelay: 5 * time.Millisecond}),
		store:    txm.NewInMemoryTxStore(),
		observed: observed,
	}
	env.chain.Fund(owner.Address(), new(big.Int).Mul(oneEther, big.NewInt(100)))

	txmCfg := txm.Config{
		ResubmitPollPeriod:  time.Hour,
		GasPricePollPeriod:  time.Hour,
		PendingThreshold:    time.Millisecond,
		FrontRunScanDepth:   1,
		BroadcastRetryDelay: 10 * time.Millisecond,
	}
	env.tm = txm.New(lggr, big.NewInt(testChainID), env.chain, env.store, nil, ownerAccounts{owner: owner, ks: env.ks}, txmCfg)
	require.NoError(t, env.tm.Start(tests.Context(t)))
	t.Cleanup(func() { require.NoError(t, env.tm.Close()) })

	env.manager = relayerpool.NewManager(lggr, big.NewInt(testChainID), cfg, env.chain, env.deriver, env.ks, env.tm.Sequencer, env.tm, env.store, env.locker, owner)
	env.tm.Listener.RegisterReleaser(cfg.Name, env.manager)
	env.tm.Resubmitter.RegisterNonceGuard(owner.Address(), env.manager)
	return env
}

func setupPool(t *testing.T, cfg relayerpool.Config, keys int, opts ...func(*poolEnv)) *poolEnv {
	env := newPool(t, cfg, keys)
	for _, opt := range opts {
		opt(env)
	}
	require.NoError(t, env.manager.Start(tests.Context(t)))
	t.Cleanup(func() { require.NoError(t, env.manager.Close()) })
	return env
}

func (env *poolEnv) keyAddress(i int) common.Address {
	return crypto.PubkeyToAddress(env.deriver.Keys[i].PublicKey)
}

func (env *poolEnv) fundingTxs() []*types.Transaction {
	signer := types.LatestSignerForChainID(big.NewInt(testChainID))
	var out []*types.Transaction
	for _, tx := range env.chain.Sent() {
		if from, err := types.Sender(signer, tx); err == nil && from == env.owner.Address() {
			out = append(out, tx)
		}
	}
	return out
}

func (env *poolEnv) waitForFunding(t *testing.T, n int) {
	require.Eventually(t, func() bool {
		return len(env.fundingTxs()) == n
	}, tests.WaitTimeout(t), 10*time.Millisecond)
}

func TestManager_StartCreatesAndFunds(t *testing.T) {
	env := setupPool(t, testPoolConfig(), 5)

	addrs := env.manager.Addresses()
	require.ElementsMatch(t, []common.Address{env.keyAddress(0), env.keyAddress(1), env.keyAddress(2)}, addrs)
	require.Equal(t, 3, env.manager.AvailableCount())
	require.Zero(t, env.manager.LeasedCount())
	for _, addr := range addrs {
		require.True(t, env.ks.Has(addr))
	}

	funding := env.fundingTxs()
	require.Len(t, funding, 3)
	var funded []common.Address
	for i, tx := range funding {
		require.Equal(t, uint64(i), tx.Nonce())
		require.Equal(t, oneEther, tx.Value())
		require.Equal(t, txm.TRANSFER_GAS_LIMIT, tx.Gas())
		funded = append(funded, *tx.To())
	}
	require.ElementsMatch(t, addrs, funded)

	env.chain.Mine()
	for _, addr := range addrs {
		balance, err := env.chain.BalanceAt(tests.Context(t), addr)
		require.NoError(t, err)
		require.Equal(t, oneEther, balance)
	}

	// the funding lock is free once the transactions are sent
	lease, err := env.locker.TryAcquire(tests.Context(t), time.Second, relayerpool.FundingLockKey(env.owner.Address(), big.NewInt(testChainID)))
	require.NoError(t, err)
	require.NoError(t, lease.Release(tests.Context(t)))
}

func TestManager_StartFailsWithoutRelayers(t *testing.T) {
	env := newPool(t, testPoolConfig(), 0)
	require.Error(t, env.manager.Start(tests.Context(t)))
}

func TestManager_LeaseIsExclusive(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinRelayerCount = 5
	cfg.MaxRelayerCount = 5
	env := setupPool(t, cfg, 5)
	ctx := tests.Context(t)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leased = map[common.Address]int{}
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, err := env.manager.Lease(ctx, fmt.Sprintf("tx-%d", i))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			leased[acc.Address()]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, leased, 5)
	for addr, n := range leased {
		require.Equal(t, 1, n, addr)
	}

	_, err := env.manager.Lease(ctx, "tx-5")
	require.ErrorIs(t, err, bundler.ErrNoActiveRelayer)
	require.Equal(t, 1, env.observed.FilterMessageSnippet("relayer pool exhausted").Len())
	require.Equal(t, 5, env.manager.LeasedCount())
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	env := setupPool(t, testPoolConfig(), 3)
	ctx := tests.Context(t)

	acc, err := env.manager.Lease(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, 2, env.manager.AvailableCount())

	env.manager.Release(ctx, acc.Address(), "tx-2")
	require.Equal(t, 2, env.manager.AvailableCount())
	env.manager.Release(ctx, acc.Address(), "tx-1")
	env.manager.Release(ctx, acc.Address(), "tx-1")
	env.manager.Release(ctx, recipient, "tx-1")
	require.Equal(t, 3, env.manager.AvailableCount())
	require.Zero(t, env.manager.LeasedCount())

	seen := map[common.Address]bool{}
	for i := 0; i < 3; i++ {
		acc, err := env.manager.Lease(ctx, fmt.Sprintf("tx-%d", i+2))
		require.NoError(t, err)
		require.False(t, seen[acc.Address()])
		seen[acc.Address()] = true
	}
}

func TestManager_LeasePrefersFewestPending(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinRelayerCount = 2
	env := setupPool(t, cfg, 2)
	ctx := tests.Context(t)

	first, err := env.manager.Lease(ctx, "tx-1")
	require.NoError(t, err)
	env.manager.Release(ctx, first.Address(), "tx-1")

	second, err := env.manager.Lease(ctx, "tx-2")
	require.NoError(t, err)
	require.NotEqual(t, first.Address(), second.Address())
	env.manager.Release(ctx, second.Address(), "tx-2")

	// both have one pending transaction; the earlier release goes first
	third, err := env.manager.Lease(ctx, "tx-3")
	require.NoError(t, err)
	require.Equal(t, first.Address(), third.Address())
}

func TestManager_PendingCountWarning(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinRelayerCount = 1
	cfg.PendingTransactionCountThreshold = 6
	env := setupPool(t, cfg, 1)
	ctx := tests.Context(t)

	acc, err := env.manager.Lease(ctx, "tx-1")
	require.NoError(t, err)
	require.Zero(t, env.observed.FilterMessage("relayer pending count approaching threshold").Len())
	env.manager.Release(ctx, acc.Address(), "tx-1")

	_, err = env.manager.Lease(ctx, "tx-2")
	require.NoError(t, err)
	require.Equal(t, 1, env.observed.FilterMessage("relayer pending count approaching threshold").Len())

	r, ok := env.manager.Relayer(acc.Address())
	require.True(t, ok)
	require.Equal(t, 2, r.PendingCount)
}

func TestManager_ScalesUpWhenPoolDrains(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinRelayerCount = 5
	cfg.InactiveRelayerCountThreshold = 2
	cfg.NewRelayerInstanceCount = 2
	env := setupPool(t, cfg, 10)
	ctx := tests.Context(t)
	env.waitForFunding(t, 5)

	_, err := env.manager.Lease(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, env.manager.Addresses(), 5)

	_, err = env.manager.Lease(ctx, "tx-2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(env.manager.Addresses()) == 7
	}, tests.WaitTimeout(t), 10*time.Millisecond)
	env.waitForFunding(t, 7)
	require.Contains(t, env.manager.Addresses(), env.keyAddress(5))
	require.Contains(t, env.manager.Addresses(), env.keyAddress(6))
}

func TestManager_ScaleUpRespectsMax(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinRelayerCount = 3
	cfg.MaxRelayerCount = 3
	env := setupPool(t, cfg, 5)

	require.Empty(t, env.manager.CreateAccounts(tests.Context(t), 2))
	require.Len(t, env.manager.Addresses(), 3)
}

func TestManager_CreateAccountsSkipsFailedLookups(t *testing.T) {
	var failed common.Address
	env := setupPool(t, testPoolConfig(), 5, func(env *poolEnv) {
		failed = env.keyAddress(1)
		env.chain.FailBalance(failed, errors.New("rpc unavailable"))
	})
	ctx := tests.Context(t)

	addrs := env.manager.Addresses()
	require.ElementsMatch(t, []common.Address{env.keyAddress(0), env.keyAddress(2)}, addrs)
	require.False(t, env.ks.Has(failed))
	require.Equal(t, 1, env.observed.FilterMessage("failed to create relayer").Len())

	// the failed index is not handed out again
	env.chain.FailBalance(failed, nil)
	created := env.manager.CreateAccounts(ctx, 1)
	require.Equal(t, []common.Address{env.keyAddress(3)}, created)
	require.Equal(t, 3, env.manager.AvailableCount())
}

func TestManager_FundAccountsSkipsFundedRelayers(t *testing.T) {
	env := setupPool(t, testPoolConfig(), 3)
	env.chain.Mine()
	before := len(env.fundingTxs())

	funded := env.manager.FundAccounts(tests.Context(t), env.manager.Addresses())
	require.Empty(t, funded)
	require.Len(t, env.fundingTxs(), before)
}

func TestManager_FundingWaitsForLock(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinRelayerCount = 1
	env := setupPool(t, cfg, 1)
	ctx := tests.Context(t)
	addr := env.keyAddress(0)
	require.Len(t, env.fundingTxs(), 1)

	key := relayerpool.FundingLockKey(env.owner.Address(), big.NewInt(testChainID))
	held, err := env.locker.TryAcquire(ctx, time.Minute, key)
	require.NoError(t, err)

	require.Empty(t, env.manager.FundAccounts(ctx, []common.Address{addr}))
	require.Len(t, env.fundingTxs(), 1)
	require.Equal(t, 1, env.observed.FilterMessage("funding deferred").Len())

	require.NoError(t, held.Release(ctx))
	require.Equal(t, []common.Address{addr}, env.manager.FundAccounts(ctx, []common.Address{addr}))

	funding := env.fundingTxs()
	require.Len(t, funding, 2)
	require.Equal(t, uint64(1), funding[1].Nonce())
	require.Equal(t, addr, *funding[1].To())
}

func TestManager_FundingResubmissionTakesLock(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinRelayerCount = 1
	env := setupPool(t, cfg, 1)
	ctx := tests.Context(t)
	require.Len(t, env.fundingTxs(), 1)

	// another process spends owner nonce 0 outside the scanned blocks
	to := common.HexToAddress("0x000000000000000000000000000000000000bEEF")
	foreign, err := types.SignTx(types.NewTx(&types.LegacyTx{Nonce: 0, GasPrice: big.NewInt(50_000_000_000), Gas: 21000, To: &to, Value: big.NewInt(1)}),
		types.LatestSignerForChainID(big.NewInt(testChainID)), env.ownerKey)
	require.NoError(t, err)
	require.NoError(t, env.chain.Inject(foreign))
	env.chain.Mine()
	env.chain.Mine()

	pending, err := env.store.ListPending(ctx, testChainID, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	funding := pending[0]
	require.Equal(t, env.owner.Address(), funding.RelayerAddress)

	key := relayerpool.FundingLockKey(env.owner.Address(), big.NewInt(testChainID))
	held, err := env.locker.TryAcquire(ctx, time.Minute, key)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	env.tm.Resubmitter.CheckPending(ctx)
	attempts, err := env.store.ListByTransactionID(ctx, testChainID, funding.TransactionID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Len(t, env.fundingTxs(), 1)

	require.NoError(t, held.Release(ctx))
	env.tm.Resubmitter.CheckPending(ctx)
	attempts, err = env.store.ListByTransactionID(ctx, testChainID, funding.TransactionID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, uint64(1), attempts[1].Nonce)
	require.Equal(t, txm.StatusPending, attempts[1].Status)

	sent := env.fundingTxs()
	require.Len(t, sent, 2)
	require.Equal(t, uint64(1), sent[1].Nonce())
	require.Equal(t, env.keyAddress(0), *sent[1].To())

	// the lock is free again once the replacement is sent
	again, err := env.locker.TryAcquire(ctx, time.Minute, key)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestManager_AssignExclusiveOnlyForOwner(t *testing.T) {
	env := setupPool(t, testPoolConfig(), 3)
	_, _, err := env.manager.AssignExclusive(tests.Context(t), env.keyAddress(0))
	require.ErrorContains(t, err, "is not the owner")
}

func TestManager_PostConfirmationFundsLowRelayer(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinRelayerCount = 2
	env := setupPool(t, cfg, 2)
	ctx := tests.Context(t)
	env.waitForFunding(t, 2)

	acc, err := env.manager.Lease(ctx, "tx-1")
	require.NoError(t, err)
	env.manager.Release(ctx, acc.Address(), "tx-1")

	// the funding transactions are not mined yet, so the relayer is still empty
	env.manager.PostConfirmation(ctx, acc.Address())
	r, ok := env.manager.Relayer(acc.Address())
	require.True(t, ok)
	require.Zero(t, r.PendingCount)

	env.waitForFunding(t, 3)
	funding := env.fundingTxs()
	require.Equal(t, acc.Address(), *funding[2].To())
}

func TestManager_ReconcileRequeuesExpiredLeases(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinRelayerCount = 2
	cfg.LeaseTimeout = time.Millisecond
	env := setupPool(t, cfg, 2)
	ctx := tests.Context(t)
	env.chain.Mine()

	acc, err := env.manager.Lease(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, 1, env.manager.AvailableCount())
	time.Sleep(5 * time.Millisecond)

	env.manager.Reconcile(ctx)
	require.Equal(t, 2, env.manager.AvailableCount())
	require.Zero(t, env.manager.LeasedCount())

	r, ok := env.manager.Relayer(acc.Address())
	require.True(t, ok)
	require.Zero(t, r.PendingCount)
	require.Equal(t, oneEther, r.Balance)
	require.Len(t, env.fundingTxs(), 2)

	// a late release of the requeued relayer does nothing
	env.manager.Release(ctx, acc.Address(), "tx-1")
	require.Equal(t, 2, env.manager.AvailableCount())
}

func TestManager_ReconcileKeepsLeaseWithPendingTransaction(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinRelayerCount = 1
	cfg.LeaseTimeout = time.Millisecond
	env := setupPool(t, cfg, 1)
	ctx := tests.Context(t)
	env.chain.Mine()

	first, err := env.manager.Lease(ctx, "tx-1")
	require.NoError(t, err)
	_, err = env.tm.Submit(ctx, txm.TxRequest{
		TransactionID:      "tx-1",
		RelayerManagerName: testManager,
		To:                 recipient,
		Value:              big.NewInt(1),
	}, first)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	env.manager.Reconcile(ctx)
	require.Equal(t, 1, env.manager.LeasedCount())
	require.Zero(t, env.manager.AvailableCount())
	require.Equal(t, 1, env.observed.FilterMessage("lease expired but relayer has pending transactions").Len())
	_, err = env.manager.Lease(ctx, "tx-2")
	require.ErrorIs(t, err, bundler.ErrNoActiveRelayer)

	// the listener releases the relayer once tx-1 is mined
	env.chain.Mine()
	require.Eventually(t, func() bool {
		return env.manager.LeasedCount() == 0
	}, tests.WaitTimeout(t), 10*time.Millisecond)

	second, err := env.manager.Lease(ctx, "tx-2")
	require.NoError(t, err)
	require.Equal(t, first.Address(), second.Address())

	// a repeated release for tx-1 does not free the lease of tx-2
	env.manager.Release(ctx, first.Address(), "tx-1")
	require.Equal(t, 1, env.manager.LeasedCount())
	_, err = env.manager.Lease(ctx, "tx-3")
	require.ErrorIs(t, err, bundler.ErrNoActiveRelayer)

	r, ok := env.manager.Relayer(second.Address())
	require.True(t, ok)
	require.Equal(t, "tx-2", r.LeaseHolder)
}

func TestManager_ReconcileReclaimedLeaseIgnoresStaleRelease(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinRelayerCount = 1
	cfg.LeaseTimeout = time.Millisecond
	env := setupPool(t, cfg, 1)
	ctx := tests.Context(t)
	env.chain.Mine()

	first, err := env.manager.Lease(ctx, "tx-1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// no transaction was recorded for tx-1, so the lease is taken back
	env.manager.Reconcile(ctx)
	require.Zero(t, env.manager.LeasedCount())

	second, err := env.manager.Lease(ctx, "tx-2")
	require.NoError(t, err)
	require.Equal(t, first.Address(), second.Address())

	env.manager.Release(ctx, first.Address(), "tx-1")
	require.Equal(t, 1, env.manager.LeasedCount())
	_, err = env.manager.Lease(ctx, "tx-3")
	require.ErrorIs(t, err, bundler.ErrNoActiveRelayer)

	env.manager.Release(ctx, second.Address(), "tx-2")
	require.Zero(t, env.manager.LeasedCount())
}

func TestManager_RelayedTransactionReturnsRelayer(t *testing.T) {
	env := setupPool(t, testPoolConfig(), 3)
	ctx := tests.Context(t)
	env.chain.Mine()

	acc, err := env.manager.Lease(ctx, "relayed-1")
	require.NoError(t, err)
	require.Equal(t, 1, env.manager.LeasedCount())

	_, err = env.tm.Submit(ctx, txm.TxRequest{
		TransactionID:      "relayed-1",
		RelayerManagerName: testManager,
		To:                 recipient,
		Value:              big.NewInt(1),
	}, acc)
	require.NoError(t, err)
	env.chain.Mine()

	require.Eventually(t, func() bool {
		r, _ := env.manager.Relayer(acc.Address())
		return env.manager.LeasedCount() == 0 && r.PendingCount == 0
	}, tests.WaitTimeout(t), 10*time.Millisecond)
	require.Equal(t, 3, env.manager.AvailableCount())
	require.Len(t, env.fundingTxs(), 3)
}

func TestManager_CloseStopsBackgroundFunding(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinRelayerCount = 1
	env := newPool(t, cfg, 1)
	require.NoError(t, env.manager.Start(tests.Context(t)))
	require.NoError(t, env.manager.Close())

	before := len(env.fundingTxs())
	env.manager.PostConfirmation(context.Background(), env.keyAddress(0))
	time.Sleep(20 * time.Millisecond)
	require.Len(t, env.fundingTxs(), before)
}
