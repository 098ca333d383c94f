// Package queue carries relay requests into the service and lifecycle events out of it.
package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Queue is a work queue with explicit acknowledgement. A delivery that is neither acked nor
// nacked stays in flight until Recover returns it to the queue.
type Queue interface {
	Name() string
	Publish(ctx context.Context, body []byte) error
	// Receive waits up to wait for a message and returns bundler.ErrNoMessage if none arrives.
	Receive(ctx context.Context, wait time.Duration) (*Delivery, error)
	// Recover moves every in-flight delivery back to the queue. It returns how many were moved.
	Recover(ctx context.Context) (int, error)
	Len(ctx context.Context) (int64, error)
}

// Delivery is one received message.
type Delivery struct {
	Body []byte

	once sync.Once
	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// Ack removes the message for good.
func (d *Delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() { err = d.ack(ctx) })
	return err
}

// Nack returns the message to the front of the queue.
func (d *Delivery) Nack(ctx context.Context) error {
	var err error
	d.once.Do(func() { err = d.nack(ctx) })
	return err
}

// TransactionQueueName is the queue of relay requests of one category on one chain.
func TransactionQueueName(chainID uint64, category string) string {
	return fmt.Sprintf("relayer_queue_%d_type_%s", chainID, strings.ToUpper(category))
}

// EventQueueName is the queue lifecycle events of one chain are published to.
func EventQueueName(chainID uint64) string {
	return fmt.Sprintf("transaction-events_%d", chainID)
}

func processingKey(name string) string {
	return name + ":processing"
}
