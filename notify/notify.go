package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
)

const drainTimeout = 5 * time.Second

type EventType string

const (
	EventHashGenerated EventType = "hash-generated"
	EventHashChanged   EventType = "hash-changed"
	EventMined         EventType = "mined"
	EventError         EventType = "error"
)

// Event is a transaction lifecycle change, published for downstream socket and notification consumers.
type Event struct {
	TransactionID           string          `json:"transactionId"`
	ChainID                 uint64          `json:"chainId"`
	Event                   EventType       `json:"event"`
	TransactionHash         *common.Hash    `json:"transactionHash,omitempty"`
	PreviousTransactionHash *common.Hash    `json:"previousTransactionHash,omitempty"`
	RelayerAddress          *common.Address `json:"relayerAddress,omitempty"`
	Receipt                 *types.Receipt  `json:"receipt,omitempty"`
	Error                   string          `json:"error,omitempty"`
}

// Sink receives lifecycle events. Publish must not block on delivery.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// Publisher is the queue side a QueueSink writes to.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

type logSink struct {
	lggr logger.Logger
}

func NewLogSink(lggr logger.Logger) Sink {
	return &logSink{lggr: logger.Named(lggr, "Events")}
}

func (s *logSink) Publish(_ context.Context, e Event) {
	kv := []any{"transactionId", e.TransactionID, "chainID", e.ChainID, "event", e.Event}
	if e.TransactionHash != nil {
		kv = append(kv, "txHash", e.TransactionHash)
	}
	if e.PreviousTransactionHash != nil {
		kv = append(kv, "previousTxHash", e.PreviousTransactionHash)
	}
	if e.Error != "" {
		kv = append(kv, "error", e.Error)
		s.lggr.Warnw("transaction event", kv...)
		return
	}
	s.lggr.Infow("transaction event", kv...)
}

type multiSink []Sink

// NewMultiSink fans each event out to every sink in order.
func NewMultiSink(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (m multiSink) Publish(ctx context.Context, e Event) {
	for _, s := range m {
		s.Publish(ctx, e)
	}
}

var _ services.Service = &QueueSink{}

// QueueSink encodes events as JSON and publishes them from a background worker.
// Events are dropped with an error log when the buffer is full.
type QueueSink struct {
	services.StateMachine
	lggr      logger.Logger
	publisher Publisher

	events chan Event
	chStop services.StopChan
	done   sync.WaitGroup
}

func NewQueueSink(lggr logger.Logger, publisher Publisher, bufferSize int) *QueueSink {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &QueueSink{
		lggr:      logger.Named(lggr, "QueueSink"),
		publisher: publisher,
		events:    make(chan Event, bufferSize),
		chStop:    make(services.StopChan),
	}
}

func (s *QueueSink) Name() string {
	return s.lggr.Name()
}

func (s *QueueSink) Start(context.Context) error {
	return s.StartOnce("QueueSink", func() error {
		s.done.Add(1)
		go s.run()
		return nil
	})
}

func (s *QueueSink) Close() error {
	return s.StopOnce("QueueSink", func() error {
		close(s.chStop)
		s.done.Wait()
		return nil
	})
}

func (s *QueueSink) HealthReport() map[string]error {
	return map[string]error{s.Name(): s.Healthy()}
}

func (s *QueueSink) Publish(_ context.Context, e Event) {
	select {
	case s.events <- e:
	default:
		s.lggr.Errorw("event buffer full, dropping event", "transactionId", e.TransactionID, "event", e.Event)
	}
}

func (s *QueueSink) run() {
	defer s.done.Done()
	ctx, cancel := s.chStop.NewCtx()
	defer cancel()

	for {
		select {
		case e := <-s.events:
			s.send(ctx, e)
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

// drain flushes buffered events on shutdown with a fresh context.
func (s *QueueSink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case e := <-s.events:
			s.send(ctx, e)
		default:
			return
		}
	}
}

func (s *QueueSink) send(ctx context.Context, e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		s.lggr.Errorw("failed to encode event", "transactionId", e.TransactionID, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, body); err != nil {
		s.lggr.Errorw("failed to publish event", "transactionId", e.TransactionID, "event", e.Event, "error", err)
	}
}
