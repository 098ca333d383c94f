package queue

import (
	"context"
	"sync"
	"time"

	bundler "github.com/DERACHAIN/bundler"
)

var _ Queue = &InMemoryQueue{}

type InMemoryQueue struct {
	name   string
	signal chan struct{}

	lock     sync.Mutex
	items    [][]byte
	inflight map[*Delivery][]byte
}

func NewInMemoryQueue(name string) *InMemoryQueue {
	return &InMemoryQueue{
		name:     name,
		signal:   make(chan struct{}, 1),
		inflight: map[*Delivery][]byte{},
	}
}

func (q *InMemoryQueue) Name() string {
	return q.name
}

func (q *InMemoryQueue) Publish(_ context.Context, body []byte) error {
	q.lock.Lock()
	q.items = append(q.items, append([]byte(nil), body...))
	q.lock.Unlock()
	q.wake()
	return nil
}

func (q *InMemoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) pop() *Delivery {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	body := q.items[0]
	q.items = q.items[1:]
	d := &Delivery{Body: body}
	d.ack = func(context.Context) error {
		q.lock.Lock()
		defer q.lock.Unlock()
		delete(q.inflight, d)
		return nil
	}
	d.nack = func(context.Context) error {
		q.lock.Lock()
		delete(q.inflight, d)
		q.items = append([][]byte{body}, q.items...)
		q.lock.Unlock()
		q.wake()
		return nil
	}
	q.inflight[d] = body
	return d
}

func (q *InMemoryQueue) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if d := q.pop(); d != nil {
			return d, nil
		}
		select {
		case <-q.signal:
		case <-timer.C:
			return nil, bundler.ErrNoMessage
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *InMemoryQueue) Recover(context.Context) (int, error) {
	q.lock.Lock()
	moved := len(q.inflight)
	for d, body := range q.inflight {
		q.items = append([][]byte{body}, q.items...)
		delete(q.inflight, d)
	}
	q.lock.Unlock()
	if moved > 0 {
		q.wake()
	}
	return moved, nil
}

func (q *InMemoryQueue) Len(context.Context) (int64, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return int64(len(q.items)), nil
}
