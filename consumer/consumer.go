// Package consumer turns queue messages into relayed transactions.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
	"github.com/smartcontractkit/chainlink-common/pkg/utils"

	bundler "github.com/DERACHAIN/bundler"
	"github.com/DERACHAIN/bundler/keystore"
	"github.com/DERACHAIN/bundler/notify"
	"github.com/DERACHAIN/bundler/queue"
	"github.com/DERACHAIN/bundler/txm"
)

const (
	DEFAULT_WORKERS         = 1
	DEFAULT_RECEIVE_TIMEOUT = 5 * time.Second
	RECEIVE_RETRY_DELAY     = time.Second
)

// Pool leases relayer accounts to a transactionId. Releasing is done through the txm.Releaser methods.
type Pool interface {
	txm.Releaser
	Lease(ctx context.Context, holder string) (*keystore.Account, error)
}

type Submitter interface {
	Submit(ctx context.Context, req txm.TxRequest, account txm.Account) (*txm.Handle, error)
}

// Lookup finds an earlier attempt of a transaction.
type Lookup interface {
	GetByTransactionID(ctx context.Context, chainID uint64, transactionID string) (*txm.TxRecord, error)
}

type Config struct {
	// Category is the transaction type this consumer accepts, e.g. SCW.
	Category       string
	ManagerName    string
	Workers        int
	ReceiveTimeout time.Duration
	// AckOnReceive acknowledges a message before it is processed. A crash during processing
	// then loses the message.
	AckOnReceive bool
}

var _ services.Service = &Consumer{}

// Consumer reads one transaction queue of one chain and submits every message through a
// leased relayer.
type Consumer struct {
	services.StateMachine
	lggr      logger.Logger
	chainID   *big.Int
	cfg       Config
	queue     queue.Queue
	pool      Pool
	submitter Submitter
	store     Lookup
	sink      notify.Sink

	chStop services.StopChan
	done   sync.WaitGroup
}

func New(lggr logger.Logger, chainID *big.Int, cfg Config, q queue.Queue, pool Pool, submitter Submitter, store Lookup, sink notify.Sink) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = DEFAULT_WORKERS
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DEFAULT_RECEIVE_TIMEOUT
	}
	cfg.Category = strings.ToUpper(cfg.Category)
	return &Consumer{
		lggr:      logger.With(logger.Named(lggr, "Consumer."+cfg.Category), "chainID", chainID, "queue", q.Name()),
		chainID:   chainID,
		cfg:       cfg,
		queue:     q,
		pool:      pool,
		submitter: submitter,
		store:     store,
		sink:      sink,
		chStop:    make(services.StopChan),
	}
}

func (c *Consumer) Name() string {
	return c.lggr.Name()
}

// Start requeues deliveries left unacknowledged by a previous run and starts the workers.
func (c *Consumer) Start(ctx context.Context) error {
	return c.StartOnce("Consumer", func() error {
		recovered, err := c.queue.Recover(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover queue %s: %w", c.queue.Name(), err)
		}
		c.lggr.Infow("consumer started", "workers", c.cfg.Workers, "recovered", recovered, "ackOnReceive", c.cfg.AckOnReceive)
		for i := 0; i < c.cfg.Workers; i++ {
			c.done.Add(1)
			go c.runLoop(i)
		}
		return nil
	})
}

func (c *Consumer) Close() error {
	return c.StopOnce("Consumer", func() error {
		close(c.chStop)
		c.done.Wait()
		return nil
	})
}

func (c *Consumer) HealthReport() map[string]error {
	return map[string]error{c.Name(): c.Healthy()}
}

func (c *Consumer) runLoop(worker int) {
	defer c.done.Done()

	ctx, cancel := c.chStop.NewCtx()
	defer cancel()

	for {
		d, err := c.queue.Receive(ctx, c.cfg.ReceiveTimeout)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, bundler.ErrNoMessage):
			continue
		case err != nil:
			c.lggr.Warnw("failed to receive message", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(utils.WithJitter(RECEIVE_RETRY_DELAY)):
			}
			continue
		}
		c.handle(ctx, d)
	}
}

func (c *Consumer) handle(ctx context.Context, d *queue.Delivery) {
	if c.cfg.AckOnReceive {
		c.ack(ctx, d)
	}
	err := c.Process(ctx, d.Body)
	if c.cfg.AckOnReceive {
		return
	}
	if err != nil && retryable(err) {
		if nerr := d.Nack(ctx); nerr != nil {
			c.lggr.Errorw("failed to requeue message", "error", nerr)
		}
		return
	}
	c.ack(ctx, d)
}

func (c *Consumer) ack(ctx context.Context, d *queue.Delivery) {
	if err := d.Ack(ctx); err != nil {
		c.lggr.Errorw("failed to acknowledge message", "error", err)
	}
}

func retryable(err error) bool {
	return errors.Is(err, bundler.ErrSequencerUnavailable) || errors.Is(err, bundler.ErrStoreUnavailable)
}

// Process relays one message. A nil error means the transaction is recorded as PENDING or was
// recorded by an earlier delivery. Errors for which retryable is false are final for the message.
func (c *Consumer) Process(ctx context.Context, body []byte) error {
	req, err := Decode(body)
	if err != nil {
		c.count("rejected")
		c.lggr.Warnw("rejected message", "error", err)
		return err
	}
	lggr := logger.With(c.lggr, "transactionId", req.TransactionID)
	if req.ChainID.Cmp(c.chainID) != 0 {
		c.count("rejected")
		err = fmt.Errorf("%w: chainId %s on queue of chain %s (transactionId %s)", bundler.ErrNoMessage, req.ChainID, c.chainID, req.TransactionID)
		lggr.Warnw("rejected message", "error", err)
		return err
	}
	if req.Type != "" && req.Type != c.cfg.Category {
		c.count("rejected")
		err = fmt.Errorf("%w: type %s on %s queue (transactionId %s)", bundler.ErrNoMessage, req.Type, c.cfg.Category, req.TransactionID)
		lggr.Warnw("rejected message", "error", err)
		return err
	}

	existing, err := c.store.GetByTransactionID(ctx, c.chainID.Uint64(), req.TransactionID)
	switch {
	case err == nil:
		c.count("duplicate")
		lggr.Infow("transaction already recorded, skipping redelivery", "txHash", existing.TransactionHash, "status", existing.Status)
		return nil
	case !errors.Is(err, txm.ErrRecordNotFound):
		c.count("retry")
		lggr.Warnw("failed to look up transaction", "error", err)
		return fmt.Errorf("%w: %w", bundler.ErrStoreUnavailable, err)
	}

	account, err := c.pool.Lease(ctx, req.TransactionID)
	if err != nil {
		c.count("no_relayer")
		lggr.Errorw("no relayer for transaction", "error", err)
		c.publishError(ctx, req.TransactionID, nil, err)
		return err
	}
	from := account.Address()

	h, err := c.submitter.Submit(ctx, txm.TxRequest{
		TransactionID:      req.TransactionID,
		RelayerManagerName: c.cfg.ManagerName,
		To:                 req.To,
		Value:              req.Value,
		Data:               req.Data,
		GasLimit:           req.GasLimit,
	}, account)
	if h != nil {
		// recorded as PENDING; the listener releases the relayer once the transaction resolves
		if err != nil {
			c.count("broadcast_failed")
			lggr.Warnw("transaction recorded but not broadcast, leaving it to the resubmitter", "relayer", from, "txHash", h.Hash(), "error", err)
			return nil
		}
		c.count("submitted")
		lggr.Debugw("transaction submitted", "relayer", from, "txHash", h.Hash(), "nonce", h.Nonce())
		return nil
	}

	c.pool.Release(ctx, from, req.TransactionID)
	c.pool.PostConfirmation(ctx, from)
	switch {
	case errors.Is(err, txm.ErrDuplicateRecord):
		// another delivery of the same message recorded it first
		c.count("duplicate")
		lggr.Infow("transaction recorded by a concurrent delivery, skipping", "relayer", from, "error", err)
		return nil
	case retryable(err):
		c.count("retry")
		lggr.Warnw("transaction not submitted, requeueing", "relayer", from, "error", err)
		return err
	}
	c.count("failed")
	lggr.Errorw("transaction not submitted", "relayer", from, "error", err)
	c.publishError(ctx, req.TransactionID, &from, err)
	return err
}

func (c *Consumer) publishError(ctx context.Context, transactionID string, relayer *common.Address, err error) {
	if c.sink == nil {
		return
	}
	c.sink.Publish(ctx, notify.Event{
		TransactionID:  transactionID,
		ChainID:        c.chainID.Uint64(),
		Event:          notify.EventError,
		RelayerAddress: relayer,
		Error:          err.Error(),
	})
}

func (c *Consumer) count(outcome string) {
	promMessages.WithLabelValues(c.chainID.String(), c.cfg.Category, outcome).Inc()
}
