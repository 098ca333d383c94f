package chain_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"

	"github.com/DERACHAIN/bundler/chain"
	"github.com/DERACHAIN/bundler/config"
	"github.com/DERACHAIN/bundler/lock"
	"github.com/DERACHAIN/bundler/notify"
	"github.com/DERACHAIN/bundler/queue"
	"github.com/DERACHAIN/bundler/testutils"
	"github.com/DERACHAIN/bundler/txm"
)

const testChainID = 1337

var oneEther = big.NewInt(1e18)

const chainTOML = `
[[Chains]]
ChainID = '1337'
EntryPointAddress = '0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789'
ResubmitPollPeriod = '1h'
GasPricePollPeriod = '1h'
BalancePollPeriod = '1h'
ReconcileSchedule = '@every 1h'
BroadcastRetryDelay = '10ms'
[[Chains.Nodes]]
Name = 'sim'
URL = 'http://localhost:8545'
[[Chains.Managers]]
Name = 'RM1'
Categories = ['SCW', 'AA']
MinRelayerCount = 2
MaxRelayerCount = 4
FundingRelayerAmount = '0.5'
FundingBalanceThreshold = '0.1'
[[Chains.Managers]]
Name = 'RM2'
Categories = ['CROSS_CHAIN']
MinRelayerCount = 1
MaxRelayerCount = 1
`

type fakeSecrets struct {
	seeds  map[string][]byte
	owners map[string]*ecdsa.PrivateKey
}

func (s fakeSecrets) RelayerSeed(manager string) ([]byte, error) {
	seed, ok := s.seeds[manager]
	if !ok {
		return nil, fmt.Errorf("no seed for %s", manager)
	}
	return seed, nil
}

func (s fakeSecrets) OwnerKey(manager string) (*ecdsa.PrivateKey, error) {
	key, ok := s.owners[manager]
	if !ok {
		return nil, fmt.Errorf("no owner for %s", manager)
	}
	return key, nil
}

type queues struct {
	mu sync.Mutex
	qs map[string]*queue.InMemoryQueue
}

func (q *queues) get(name string) *queue.InMemoryQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.qs == nil {
		q.qs = map[string]*queue.InMemoryQueue{}
	}
	if _, ok := q.qs[name]; !ok {
		q.qs[name] = queue.NewInMemoryQueue(name)
	}
	return q.qs[name]
}

type chainEnv struct {
	sim     *testutils.SimulatedChain
	store   *txm.InMemoryTxStore
	queues  *queues
	secrets fakeSecrets
	chain   *chain.Chain
}

func chainConfig(t *testing.T, doc string) *config.TOMLConfig {
	c, err := config.Decode(strings.NewReader(doc))
	require.NoError(t, err)
	require.NoError(t, c.ValidateConfig())
	return c.Chains[0]
}

func newChainEnv(t *testing.T, simID int64) *chainEnv {
	env := &chainEnv{
		sim:    testutils.NewSimulatedChain(simID),
		store:  txm.NewInMemoryTxStore(),
		queues: &queues{},
		secrets: fakeSecrets{
			seeds: map[string][]byte{
				"RM1": common.FromHex("0x000102030405060708090a0b0c0d0e0f"),
				"RM2": common.FromHex("0x0f0e0d0c0b0a09080706050403020100"),
			},
			owners: map[string]*ecdsa.PrivateKey{
				"RM1": testutils.CreateKey(rand.Reader),
				"RM2": testutils.CreateKey(rand.Reader),
			},
		},
	}
	env.sim.SetAutoMine(true)
	for _, key := range env.secrets.owners {
		env.sim.Fund(crypto.PubkeyToAddress(key.PublicKey), new(big.Int).Mul(oneEther, big.NewInt(100)))
	}
	return env
}

func (env *chainEnv) opts() chain.Opts {
	return chain.Opts{
		Client:   env.sim,
		Store:    env.store,
		Locker:   lock.NewInMemoryLocker(lock.Config{AcquireTimeout: time.Second, RetryDelay: 5 * time.Millisecond}),
		NewQueue: func(name string) queue.Queue { return env.queues.get(name) },
		Secrets:  env.secrets,
	}
}

func (env *chainEnv) owner(manager string) common.Address {
	return crypto.PubkeyToAddress(env.secrets.owners[manager].PublicKey)
}

func startChain(t *testing.T) *chainEnv {
	env := newChainEnv(t, testChainID)
	c, err := chain.New(tests.Context(t), logger.Test(t), chainConfig(t, chainTOML), env.opts())
	require.NoError(t, err)
	require.NoError(t, c.Start(tests.Context(t)))
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	env.chain = c
	return env
}

func TestChain_StartCreatesPools(t *testing.T) {
	env := startChain(t)
	ctx := tests.Context(t)

	require.Len(t, env.chain.Managers(), 2)
	rm1, err := env.chain.Manager("RM1")
	require.NoError(t, err)
	require.Len(t, rm1.Addresses(), 2)
	rm2, err := env.chain.Manager("RM2")
	require.NoError(t, err)
	require.Len(t, rm2.Addresses(), 1)

	halfEther := new(big.Int).Div(oneEther, big.NewInt(2))
	for _, addr := range rm1.Addresses() {
		require.Eventually(t, func() bool {
			bal, err := env.sim.BalanceAt(ctx, addr)
			return err == nil && bal.Cmp(halfEther) == 0
		}, tests.WaitTimeout(t), 10*time.Millisecond)
	}
	assert.NotContains(t, rm2.Addresses(), rm1.Addresses()[0])

	require.NoError(t, env.chain.Ready())
	report := env.chain.HealthReport()
	for name, err := range report {
		assert.NoError(t, err, name)
	}
}

func TestChain_RelaysQueuedTransaction(t *testing.T) {
	env := startChain(t)
	ctx := tests.Context(t)

	to := testutils.NewAccount(testutils.CreateKey(rand.Reader)).Address()
	body, err := json.Marshal(map[string]any{
		"type":          "AA",
		"to":            to.Hex(),
		"data":          "0x",
		"gasLimit":      "21000",
		"value":         "0x2710",
		"chainId":       testChainID,
		"transactionId": "relay-1",
	})
	require.NoError(t, err)
	require.NoError(t, env.queues.get(queue.TransactionQueueName(testChainID, "AA")).Publish(ctx, body))

	require.Eventually(t, func() bool {
		rec, err := env.store.GetByTransactionID(ctx, testChainID, "relay-1")
		return err == nil && rec.Status == txm.StatusSuccess
	}, tests.WaitTimeout(t), 10*time.Millisecond)

	rec, err := env.store.GetByTransactionID(ctx, testChainID, "relay-1")
	require.NoError(t, err)
	assert.Equal(t, "RM1", rec.RelayerManagerName)
	bal, err := env.sim.BalanceAt(ctx, to)
	require.NoError(t, err)
	assert.Zero(t, bal.Cmp(big.NewInt(10_000)), "recipient balance %s", bal)

	events := env.queues.get(queue.EventQueueName(testChainID))
	var (
		mu  sync.Mutex
		got []notify.EventType
	)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		d, err := events.Receive(ctx, 10*time.Millisecond)
		if err != nil {
			return false
		}
		_ = d.Ack(ctx)
		var e struct {
			TransactionID string           `json:"transactionId"`
			Event         notify.EventType `json:"event"`
		}
		if json.Unmarshal(d.Body, &e) == nil && e.TransactionID == "relay-1" {
			got = append(got, e.Event)
		}
		return len(got) == 2
	}, tests.WaitTimeout(t), 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []notify.EventType{notify.EventHashGenerated, notify.EventMined}, got)
	mu.Unlock()

	// the relayer is back in the pool
	rm1, err := env.chain.Manager("RM1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rm1.LeasedCount() == 0 }, tests.WaitTimeout(t), 10*time.Millisecond)
}

func TestChain_AccountSource(t *testing.T) {
	env := startChain(t)

	owner := env.owner("RM1")
	acc, err := env.chain.Account("", owner)
	require.NoError(t, err)
	assert.Equal(t, owner, acc.Address())

	_, err = env.chain.Account("", common.HexToAddress("0x01"))
	require.Error(t, err)

	rm1, err := env.chain.Manager("RM1")
	require.NoError(t, err)
	relayer := rm1.Addresses()[0]
	acc, err = env.chain.Account("RM1", relayer)
	require.NoError(t, err)
	assert.Equal(t, relayer, acc.Address())

	_, err = env.chain.Account("RM9", relayer)
	require.ErrorContains(t, err, `unknown relayer manager "RM9"`)
}

func TestChain_Status(t *testing.T) {
	env := startChain(t)
	ctx := tests.Context(t)

	s, err := env.chain.GetChainStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1337", s.ID)
	assert.True(t, s.Enabled)
	assert.Contains(t, s.Config, "1337")
	require.Len(t, s.Managers, 2)
	assert.Equal(t, "RM1", s.Managers[0].Name)
	assert.Equal(t, 2, s.Managers[0].Available)
	assert.Len(t, s.Managers[0].Relayers, 2)

	nodes, _, total, err := env.chain.ListNodeStatuses(ctx, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, nodes, 1)
	assert.Equal(t, "sim", nodes[0].Name)
	assert.Equal(t, "1337", nodes[0].ChainID)
}

func TestChain_StartRejectsWrongNetwork(t *testing.T) {
	env := newChainEnv(t, 1)
	c, err := chain.New(tests.Context(t), logger.Test(t), chainConfig(t, chainTOML), env.opts())
	require.NoError(t, err)
	err = c.Start(tests.Context(t))
	require.ErrorContains(t, err, "nodes serve chain 1, configured chain is 1337")
}

func TestChain_NewRejectsSharedSeed(t *testing.T) {
	env := newChainEnv(t, testChainID)
	env.secrets.seeds["RM2"] = env.secrets.seeds["RM1"]
	_, err := chain.New(tests.Context(t), logger.Test(t), chainConfig(t, chainTOML), env.opts())
	require.ErrorContains(t, err, "manager RM2 shares its relayer seed")
}

func TestRegistry(t *testing.T) {
	env := newChainEnv(t, testChainID)
	c, err := chain.New(context.Background(), logger.Test(t), chainConfig(t, chainTOML), env.opts())
	require.NoError(t, err)

	r, err := chain.NewRegistry(logger.Test(t), c)
	require.NoError(t, err)
	_, err = chain.NewRegistry(logger.Test(t), c, c)
	require.ErrorContains(t, err, "duplicate chain 1337")

	require.NoError(t, r.Start(tests.Context(t)))
	t.Cleanup(func() { require.NoError(t, r.Close()) })

	got, err := r.Get("1337")
	require.NoError(t, err)
	assert.Same(t, c, got)
	_, err = r.Get("1")
	require.Error(t, err)
	assert.Len(t, r.List(), 1)
	require.NoError(t, r.Ready())
}
