package consumer_test

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-redis/redis/v8"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	bundler "github.com/DERACHAIN/bundler"
	"github.com/DERACHAIN/bundler/consumer"
	"github.com/DERACHAIN/bundler/keystore"
	"github.com/DERACHAIN/bundler/notify"
	"github.com/DERACHAIN/bundler/queue"
	"github.com/DERACHAIN/bundler/testutils"
	"github.com/DERACHAIN/bundler/txm"
)

const testChainID = 1337

var recipient = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

type fakePool struct {
	lock      sync.Mutex
	accounts  []*keystore.Account
	leased    []common.Address
	released  []common.Address
	holders   []string
	confirmed []common.Address
}

func (p *fakePool) Lease(context.Context, string) (*keystore.Account, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if len(p.accounts) == 0 {
		return nil, bundler.ErrNoActiveRelayer
	}
	acc := p.accounts[0]
	p.leased = append(p.leased, acc.Address())
	return acc, nil
}

func (p *fakePool) Release(_ context.Context, addr common.Address, holder string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.released = append(p.released, addr)
	p.holders = append(p.holders, holder)
}

func (p *fakePool) PostConfirmation(_ context.Context, addr common.Address) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.confirmed = append(p.confirmed, addr)
}

func (p *fakePool) Leased() []common.Address {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]common.Address(nil), p.leased...)
}

func (p *fakePool) Released() []common.Address {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]common.Address(nil), p.released...)
}

type submitResult struct {
	recorded bool
	err      error
}

type fakeSubmitter struct {
	lock    sync.Mutex
	results []submitResult
	reqs    []txm.TxRequest
}

func (s *fakeSubmitter) Submit(_ context.Context, req txm.TxRequest, account txm.Account) (*txm.Handle, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.reqs = append(s.reqs, req)
	res := submitResult{recorded: true}
	if len(s.results) > 0 {
		res, s.results = s.results[0], s.results[1:]
	}
	if !res.recorded {
		return nil, res.err
	}
	tx := types.NewTx(&types.LegacyTx{Nonce: uint64(len(s.reqs)), To: &req.To, Value: req.Value, Gas: 21000})
	return &txm.Handle{Request: req, From: account.Address(), Tx: tx}, res.err
}

func (s *fakeSubmitter) Requests() []txm.TxRequest {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]txm.TxRequest(nil), s.reqs...)
}

type memSink struct {
	lock   sync.Mutex
	events []notify.Event
}

func (s *memSink) Publish(_ context.Context, e notify.Event) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.events = append(s.events, e)
}

func (s *memSink) Events() []notify.Event {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]notify.Event(nil), s.events...)
}

type failingLookup struct{}

func (failingLookup) GetByTransactionID(context.Context, uint64, string) (*txm.TxRecord, error) {
	return nil, errors.New("connection refused")
}

type consumerEnv struct {
	pool      *fakePool
	submitter *fakeSubmitter
	store     *txm.InMemoryTxStore
	sink      *memSink
	account   *keystore.Account
	observed  *observer.ObservedLogs
	consumer  *consumer.Consumer
}

func newConsumer(t *testing.T, cfg consumer.Config, q queue.Queue, lookup consumer.Lookup) *consumerEnv {
	lggr, observed := logger.TestObserved(t, zapcore.DebugLevel)
	account := testutils.NewAccount(testutils.CreateKey(rand.Reader))
	env := &consumerEnv{
		pool:      &fakePool{accounts: []*keystore.Account{account}},
		submitter: &fakeSubmitter{},
		store:     txm.NewInMemoryTxStore(),
		sink:      &memSink{},
		account:   account,
		observed:  observed,
	}
	if lookup == nil {
		lookup = env.store
	}
	if q == nil {
		q = queue.NewInMemoryQueue("test")
	}
	env.consumer = consumer.New(lggr, big.NewInt(testChainID), cfg, q, env.pool, env.submitter, lookup, env.sink)
	return env
}

func testConsumerConfig() consumer.Config {
	return consumer.Config{
		Category:       "scw",
		ManagerName:    "RM1",
		ReceiveTimeout: 20 * time.Millisecond,
	}
}

const validMessage = `{"type":"SCW","to":"0x000000000000000000000000000000000000dEaD","data":"0xcafe","gasLimit":"0x5208","value":"1000","chainId":1337,"transactionId":"tx-1"}`

func TestDecode(t *testing.T) {
	req, err := consumer.Decode([]byte(validMessage))
	require.NoError(t, err)
	require.Equal(t, "SCW", req.Type)
	require.Equal(t, "tx-1", req.TransactionID)
	require.Equal(t, big.NewInt(testChainID), req.ChainID)
	require.Equal(t, recipient, req.To)
	require.Equal(t, []byte{0xca, 0xfe}, req.Data)
	require.Equal(t, uint64(21000), req.GasLimit)
	require.Equal(t, big.NewInt(1000), req.Value)

	req, err = consumer.Decode([]byte(`{"to":"0x000000000000000000000000000000000000dEaD","chainId":"0x539","gasLimit":50000,"transactionId":"tx-2"}`))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(testChainID), req.ChainID)
	require.Equal(t, uint64(50000), req.GasLimit)
	require.Zero(t, req.Value.Sign())
	require.Nil(t, req.Data)

	for name, body := range map[string]string{
		"empty":            ``,
		"not json":         `relay this`,
		"missing id":       `{"to":"0x000000000000000000000000000000000000dEaD","chainId":1337}`,
		"bad to":           `{"to":"0x1234","chainId":1337,"transactionId":"tx-3"}`,
		"missing chain id": `{"to":"0x000000000000000000000000000000000000dEaD","transactionId":"tx-3"}`,
		"bad data":         `{"to":"0x000000000000000000000000000000000000dEaD","chainId":1337,"transactionId":"tx-3","data":"0xzz"}`,
		"bad value":        `{"to":"0x000000000000000000000000000000000000dEaD","chainId":1337,"transactionId":"tx-3","value":"ten"}`,
		"negative value":   `{"to":"0x000000000000000000000000000000000000dEaD","chainId":1337,"transactionId":"tx-3","value":"-1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := consumer.Decode([]byte(body))
			require.ErrorIs(t, err, bundler.ErrNoMessage)
		})
	}
}

func TestConsumer_ProcessSubmits(t *testing.T) {
	env := newConsumer(t, testConsumerConfig(), nil, nil)

	require.NoError(t, env.consumer.Process(tests.Context(t), []byte(validMessage)))
	reqs := env.submitter.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, txm.TxRequest{
		TransactionID:      "tx-1",
		RelayerManagerName: "RM1",
		To:                 recipient,
		Value:              big.NewInt(1000),
		Data:               []byte{0xca, 0xfe},
		GasLimit:           21000,
	}, reqs[0])
	require.Equal(t, []common.Address{env.account.Address()}, env.pool.Leased())
	// released by the listener once the transaction resolves
	require.Empty(t, env.pool.Released())
	require.Empty(t, env.sink.Events())
}

func TestConsumer_ProcessSkipsRecordedTransaction(t *testing.T) {
	env := newConsumer(t, testConsumerConfig(), nil, nil)
	require.NoError(t, env.store.Save(tests.Context(t), &txm.TxRecord{
		TransactionID:   "tx-1",
		ChainID:         testChainID,
		TransactionHash: common.HexToHash("0xaaa"),
		Status:          txm.StatusPending,
	}))

	require.NoError(t, env.consumer.Process(tests.Context(t), []byte(validMessage)))
	require.Empty(t, env.submitter.Requests())
	require.Empty(t, env.pool.Leased())
}

func TestConsumer_ProcessRejectsForeignMessages(t *testing.T) {
	env := newConsumer(t, testConsumerConfig(), nil, nil)
	ctx := tests.Context(t)

	err := env.consumer.Process(ctx, []byte(`{"type":"SCW","to":"0x000000000000000000000000000000000000dEaD","chainId":1,"transactionId":"tx-1"}`))
	require.ErrorIs(t, err, bundler.ErrNoMessage)

	err = env.consumer.Process(ctx, []byte(`{"type":"AA","to":"0x000000000000000000000000000000000000dEaD","chainId":1337,"transactionId":"tx-1"}`))
	require.ErrorIs(t, err, bundler.ErrNoMessage)

	require.Empty(t, env.pool.Leased())
	require.Equal(t, 2, env.observed.FilterMessage("rejected message").Len())
}

func TestConsumer_ProcessWithoutRelayer(t *testing.T) {
	env := newConsumer(t, testConsumerConfig(), nil, nil)
	env.pool.accounts = nil

	err := env.consumer.Process(tests.Context(t), []byte(validMessage))
	require.ErrorIs(t, err, bundler.ErrNoActiveRelayer)
	require.Empty(t, env.submitter.Requests())

	events := env.sink.Events()
	require.Len(t, events, 1)
	require.Equal(t, notify.EventError, events[0].Event)
	require.Equal(t, "tx-1", events[0].TransactionID)
	require.Nil(t, events[0].RelayerAddress)
}

func TestConsumer_ProcessSubmitFailureReleasesRelayer(t *testing.T) {
	env := newConsumer(t, testConsumerConfig(), nil, nil)
	env.submitter.results = []submitResult{{err: errors.New("execution reverted")}}

	err := env.consumer.Process(tests.Context(t), []byte(validMessage))
	require.Error(t, err)
	require.Equal(t, []common.Address{env.account.Address()}, env.pool.Released())
	require.Equal(t, []string{"tx-1"}, env.pool.holders)

	events := env.sink.Events()
	require.Len(t, events, 1)
	require.Equal(t, notify.EventError, events[0].Event)
	require.Equal(t, env.account.Address(), *events[0].RelayerAddress)
	require.Contains(t, events[0].Error, "execution reverted")
}

func TestConsumer_ProcessSequencerUnavailable(t *testing.T) {
	env := newConsumer(t, testConsumerConfig(), nil, nil)
	env.submitter.results = []submitResult{{err: fmt.Errorf("%w: dial tcp: timeout", bundler.ErrSequencerUnavailable)}}

	err := env.consumer.Process(tests.Context(t), []byte(validMessage))
	require.ErrorIs(t, err, bundler.ErrSequencerUnavailable)
	require.Equal(t, []common.Address{env.account.Address()}, env.pool.Released())
	require.Empty(t, env.sink.Events())
}

func TestConsumer_ProcessBroadcastFailureKeepsLease(t *testing.T) {
	env := newConsumer(t, testConsumerConfig(), nil, nil)
	env.submitter.results = []submitResult{{recorded: true, err: &bundler.SubmissionError{Err: errors.New("connection reset")}}}

	require.NoError(t, env.consumer.Process(tests.Context(t), []byte(validMessage)))
	require.Empty(t, env.pool.Released())
	require.Empty(t, env.sink.Events())
	require.Equal(t, 1, env.observed.FilterMessage("transaction recorded but not broadcast, leaving it to the resubmitter").Len())
}

func TestConsumer_ProcessStoreUnavailable(t *testing.T) {
	env := newConsumer(t, testConsumerConfig(), nil, failingLookup{})

	err := env.consumer.Process(tests.Context(t), []byte(validMessage))
	require.Error(t, err)
	require.Empty(t, env.pool.Leased())
}

func TestConsumer_ProcessConcurrentDuplicate(t *testing.T) {
	env := newConsumer(t, testConsumerConfig(), nil, nil)
	env.submitter.results = []submitResult{{err: fmt.Errorf("failed to record transaction: %w: tx-1 already has pending attempt", txm.ErrDuplicateRecord)}}

	require.NoError(t, env.consumer.Process(tests.Context(t), []byte(validMessage)))
	require.Equal(t, []common.Address{env.account.Address()}, env.pool.Released())
	require.Empty(t, env.sink.Events())
	require.Equal(t, 1, env.observed.FilterMessage("transaction recorded by a concurrent delivery, skipping").Len())
}

// outageStore fails the first saves the way a lost database connection does.
type outageStore struct {
	*txm.InMemoryTxStore
	lock     sync.Mutex
	failures int
	saves    int
}

func (s *outageStore) Save(ctx context.Context, rec *txm.TxRecord) error {
	s.lock.Lock()
	s.saves++
	if s.failures > 0 {
		s.failures--
		s.lock.Unlock()
		return errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	}
	s.lock.Unlock()
	return s.InMemoryTxStore.Save(ctx, rec)
}

func (s *outageStore) Saves() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.saves
}

func TestConsumer_StoreOutageRequeuesMessage(t *testing.T) {
	lggr := logger.Test(t)
	ctx := tests.Context(t)
	chain := testutils.NewSimulatedChain(testChainID)
	account := testutils.NewAccount(testutils.CreateKey(rand.Reader))
	chain.Fund(account.Address(), big.NewInt(1_000_000_000_000_000_000))

	store := &outageStore{InMemoryTxStore: txm.NewInMemoryTxStore(), failures: 2}
	sink := &memSink{}
	tm := txm.New(lggr, big.NewInt(testChainID), chain, store, sink, nil, txm.Config{
		ResubmitPollPeriod: time.Hour,
		GasPricePollPeriod: time.Hour,
	})
	require.NoError(t, tm.Start(ctx))
	t.Cleanup(func() { require.NoError(t, tm.Close()) })

	pool := &fakePool{accounts: []*keystore.Account{account}}
	q := queue.NewInMemoryQueue("test")
	env := &consumerEnv{
		pool:     pool,
		store:    store.InMemoryTxStore,
		sink:     sink,
		account:  account,
		consumer: consumer.New(lggr, big.NewInt(testChainID), testConsumerConfig(), q, pool, tm, store, sink),
	}
	startConsumer(t, env)

	require.NoError(t, q.Publish(ctx, []byte(validMessage)))
	require.Eventually(t, func() bool {
		rec, err := store.GetByTransactionID(ctx, testChainID, "tx-1")
		return err == nil && rec.Status == txm.StatusPending
	}, tests.WaitTimeout(t), 10*time.Millisecond)

	require.Equal(t, 3, store.Saves())
	require.Eventually(t, func() bool {
		return len(chain.Sent()) == 1
	}, tests.WaitTimeout(t), 10*time.Millisecond)
	// the failed attempts gave their relayer back
	require.Len(t, pool.Released(), 2)
	for _, e := range sink.Events() {
		require.NotEqual(t, notify.EventError, e.Event)
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func newRedisQueue(t *testing.T) (*queue.RedisQueue, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueue(logger.Test(t), client, queue.TransactionQueueName(testChainID, "scw")), mr
}

func startConsumer(t *testing.T, env *consumerEnv) {
	require.NoError(t, env.consumer.Start(tests.Context(t)))
	t.Cleanup(func() { require.NoError(t, env.consumer.Close()) })
}

func TestConsumer_AcksProcessedMessages(t *testing.T) {
	q, mr := newRedisQueue(t)
	env := newConsumer(t, testConsumerConfig(), q, nil)
	startConsumer(t, env)
	ctx := tests.Context(t)

	require.NoError(t, q.Publish(ctx, []byte(validMessage)))
	require.NoError(t, q.Publish(ctx, []byte(`garbage`)))

	require.Eventually(t, func() bool {
		n, err := q.Len(ctx)
		return err == nil && n == 0 && !mr.Exists(q.Name()+":processing")
	}, tests.WaitTimeout(t), 10*time.Millisecond)
	require.Len(t, env.submitter.Requests(), 1)
}

func TestConsumer_RequeuesRetryableFailures(t *testing.T) {
	q, mr := newRedisQueue(t)
	env := newConsumer(t, testConsumerConfig(), q, nil)
	env.submitter.results = []submitResult{{err: bundler.ErrSequencerUnavailable}}
	startConsumer(t, env)
	ctx := tests.Context(t)

	require.NoError(t, q.Publish(ctx, []byte(validMessage)))
	require.Eventually(t, func() bool {
		return len(env.submitter.Requests()) == 2
	}, tests.WaitTimeout(t), 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !mr.Exists(q.Name() + ":processing")
	}, tests.WaitTimeout(t), 10*time.Millisecond)
}

func TestConsumer_AckOnReceiveDropsFailedMessages(t *testing.T) {
	cfg := testConsumerConfig()
	cfg.AckOnReceive = true
	q := queue.NewInMemoryQueue("test")
	env := newConsumer(t, cfg, q, nil)
	env.submitter.results = []submitResult{{err: bundler.ErrSequencerUnavailable}}
	startConsumer(t, env)
	ctx := tests.Context(t)

	require.NoError(t, q.Publish(ctx, []byte(validMessage)))
	require.Eventually(t, func() bool {
		return len(env.submitter.Requests()) == 1
	}, tests.WaitTimeout(t), 10*time.Millisecond)
	assert.Never(t, func() bool {
		return len(env.submitter.Requests()) > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestConsumer_StartRecoversInFlightMessages(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx := tests.Context(t)
	require.NoError(t, q.Publish(ctx, []byte(validMessage)))
	// delivered to a previous run that never acknowledged it
	_, err := q.Receive(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	env := newConsumer(t, testConsumerConfig(), q, nil)
	startConsumer(t, env)

	require.Eventually(t, func() bool {
		return len(env.submitter.Requests()) == 1 && !mr.Exists(q.Name()+":processing")
	}, tests.WaitTimeout(t), 10*time.Millisecond)
}
