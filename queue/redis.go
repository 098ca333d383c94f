package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	bundler "github.com/DERACHAIN/bundler"
)

var _ Queue = &RedisQueue{}

// RedisQueue is a reliable list queue. Producers LPUSH, consumers BRPOPLPUSH into a processing
// list and remove the entry from it on Ack.
type RedisQueue struct {
	lggr       logger.Logger
	client     redis.UniversalClient
	name       string
	processing string
}

func NewRedisQueue(lggr logger.Logger, client redis.UniversalClient, name string) *RedisQueue {
	return &RedisQueue{
		lggr:       logger.Named(lggr, "RedisQueue"),
		client:     client,
		name:       name,
		processing: processingKey(name),
	}
}

func (q *RedisQueue) Name() string {
	return q.name
}

func (q *RedisQueue) Publish(ctx context.Context, body []byte) error {
	if err := q.client.LPush(ctx, q.name, body).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", q.name, err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	raw, err := q.client.BRPopLPush(ctx, q.name, q.processing, wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, bundler.ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", q.name, err)
	}
	return &Delivery{
		Body: []byte(raw),
		ack: func(ctx context.Context) error {
			return q.client.LRem(ctx, q.processing, 1, raw).Err()
		},
		nack: func(ctx context.Context) error {
			_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, q.processing, 1, raw)
				pipe.RPush(ctx, q.name, raw)
				return nil
			})
			return err
		},
	}, nil
}

func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.name).Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover %s: %w", q.processing, err)
		}
		moved++
	}
	if moved > 0 {
		q.lggr.Warnw("requeued in-flight messages", "queue", q.name, "count", moved)
	}
	return moved, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}
