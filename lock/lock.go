// Package lock provides leases over named keys shared between relayer processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smartcontractkit/chainlink-common/pkg/utils"
)

const (
	DEFAULT_ACQUIRE_TIMEOUT = 30 * time.Second
	DEFAULT_RETRY_DELAY     = 200 * time.Millisecond
)

var ErrNotAcquired = errors.New("lock not acquired")

// Locker hands out leases over sets of keys. A lease holds all of its keys or none of them and
// expires on its own after its ttl.
type Locker interface {
	// Acquire blocks until every key is free, the acquire timeout elapses or ctx is done.
	Acquire(ctx context.Context, ttl time.Duration, keys ...string) (*Lease, error)
	// TryAcquire makes a single attempt and returns ErrNotAcquired if any key is held.
	TryAcquire(ctx context.Context, ttl time.Duration, keys ...string) (*Lease, error)
}

type Config struct {
	AcquireTimeout time.Duration
	RetryDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = DEFAULT_ACQUIRE_TIMEOUT
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DEFAULT_RETRY_DELAY
	}
	return c
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	Keys  []string
	Token string

	once    sync.Once
	release func(ctx context.Context) error
}

func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = l.release(ctx)
	})
	return err
}

// acquireLoop retries try until it succeeds, fails hard, or the timeout elapses.
func acquireLoop(ctx context.Context, cfg Config, keys []string, try func(ctx context.Context) (*Lease, error)) (*Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	for {
		lease, err := try(ctx)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v after %s", ErrNotAcquired, keys, cfg.AcquireTimeout)
		case <-time.After(utils.WithJitter(cfg.RetryDelay)):
		}
	}
}
