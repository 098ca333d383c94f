package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Locker = &InMemoryLocker{}

// InMemoryLocker is a Locker for a single process.
type InMemoryLocker struct {
	cfg Config

	lock    sync.Mutex
	holders map[string]holder
}

type holder struct {
	token   string
	expires time.Time
}

func NewInMemoryLocker(cfg Config) *InMemoryLocker {
	return &InMemoryLocker{
		cfg:     cfg.withDefaults(),
		holders: map[string]holder{},
	}
}

func (m *InMemoryLocker) Acquire(ctx context.Context, ttl time.Duration, keys ...string) (*Lease, error) {
	return acquireLoop(ctx, m.cfg, keys, func(ctx context.Context) (*Lease, error) {
		return m.TryAcquire(ctx, ttl, keys...)
	})
}

func (m *InMemoryLocker) TryAcquire(_ context.Context, ttl time.Duration, keys ...string) (*Lease, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys to lock")
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	for _, key := range keys {
		if h, ok := m.holders[key]; ok && now.Before(h.expires) {
			return nil, ErrNotAcquired
		}
	}
	token := uuid.NewString()
	for _, key := range keys {
		m.holders[key] = holder{token: token, expires: now.Add(ttl)}
	}
	return &Lease{
		Keys:  keys,
		Token: token,
		release: func(context.Context) error {
			m.lock.Lock()
			defer m.lock.Unlock()
			for _, key := range keys {
				if h, ok := m.holders[key]; ok && h.token == token {
					delete(m.holders, key)
				}
			}
			return nil
		},
	}, nil
}
