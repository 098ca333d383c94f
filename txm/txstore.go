package txm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/exp/maps"
)

var (
	ErrRecordNotFound    = errors.New("transaction record not found")
	ErrDuplicateRecord   = errors.New("transaction record already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TxStore persists transaction attempts. Records are keyed by (chainID, transactionID, transactionHash);
// at most one attempt per transactionID is PENDING at a time.
type TxStore interface {
	Save(ctx context.Context, rec *TxRecord) error
	// UpdateByTransactionID patches the latest attempt of a transaction.
	UpdateByTransactionID(ctx context.Context, chainID uint64, transactionID string, patch TxPatch) error
	UpdateByTransactionIDAndHash(ctx context.Context, chainID uint64, transactionID string, hash common.Hash, patch TxPatch) error
	// GetByTransactionID returns the latest attempt, or ErrRecordNotFound.
	GetByTransactionID(ctx context.Context, chainID uint64, transactionID string) (*TxRecord, error)
	// ListByTransactionID returns every attempt, oldest first.
	ListByTransactionID(ctx context.Context, chainID uint64, transactionID string) ([]*TxRecord, error)
	// ListPending returns PENDING attempts last updated before olderThan, oldest first.
	ListPending(ctx context.Context, chainID uint64, olderThan time.Time, limit int) ([]*TxRecord, error)
	// CountPending returns the number of PENDING attempts sent from relayer.
	CountPending(ctx context.Context, chainID uint64, relayer common.Address) (int, error)
	// Supersede marks the PENDING attempt oldHash as DROPPED and inserts replacement in one step.
	Supersede(ctx context.Context, oldHash common.Hash, replacement *TxRecord) error
	// RollbackSupersede undoes Supersede after the replacement could not be sent.
	RollbackSupersede(ctx context.Context, oldHash common.Hash, replacement *TxRecord) error
}

type recordKey struct {
	chainID       uint64
	transactionID string
}

var _ TxStore = &InMemoryTxStore{}

type InMemoryTxStore struct {
	// attempts per transaction, oldest first
	attempts map[recordKey][]*TxRecord

	lock sync.RWMutex
}

func NewInMemoryTxStore() *InMemoryTxStore {
	return &InMemoryTxStore{
		attempts: make(map[recordKey][]*TxRecord),
	}
}

// Should be called for any read-only operations on the tx store
func (s *InMemoryTxStore) withReadLock(fn func() error) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return fn()
}

// Should be called for any write operations on the tx store
func (s *InMemoryTxStore) withWriteLock(fn func() error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return fn()
}

func (s *InMemoryTxStore) _unsafeFind(key recordKey, hash common.Hash) (*TxRecord, bool) {
	for _, rec := range s.attempts[key] {
		if rec.TransactionHash == hash {
			return rec, true
		}
	}
	return nil, false
}

func (s *InMemoryTxStore) _unsafePending(key recordKey) (*TxRecord, bool) {
	for _, rec := range s.attempts[key] {
		if rec.Status == StatusPending {
			return rec, true
		}
	}
	return nil, false
}

func (s *InMemoryTxStore) _unsafeInsert(rec *TxRecord) error {
	key := recordKey{rec.ChainID, rec.TransactionID}
	if _, exists := s._unsafeFind(key, rec.TransactionHash); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.TransactionHash)
	}
	if rec.Status == StatusPending {
		if pending, exists := s._unsafePending(key); exists {
			return fmt.Errorf("%w: %s already has pending attempt %s", ErrDuplicateRecord, rec.TransactionID, pending.TransactionHash)
		}
	}
	s.attempts[key] = append(s.attempts[key], rec.clone())
	return nil
}

func (s *InMemoryTxStore) Save(ctx context.Context, rec *TxRecord) error {
	return s.withWriteLock(func() error {
		return s._unsafeInsert(rec)
	})
}

func (s *InMemoryTxStore) UpdateByTransactionID(ctx context.Context, chainID uint64, transactionID string, patch TxPatch) error {
	return s.withWriteLock(func() error {
		attempts := s.attempts[recordKey{chainID, transactionID}]
		if len(attempts) == 0 {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, transactionID)
		}
		return patch.Apply(attempts[len(attempts)-1])
	})
}

func (s *InMemoryTxStore) UpdateByTransactionIDAndHash(ctx context.Context, chainID uint64, transactionID string, hash common.Hash, patch TxPatch) error {
	return s.withWriteLock(func() error {
		rec, ok := s._unsafeFind(recordKey{chainID, transactionID}, hash)
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, transactionID, hash)
		}
		return patch.Apply(rec)
	})
}

func (s *InMemoryTxStore) GetByTransactionID(ctx context.Context, chainID uint64, transactionID string) (*TxRecord, error) {
	var rec *TxRecord
	err := s.withReadLock(func() error {
		attempts := s.attempts[recordKey{chainID, transactionID}]
		if len(attempts) == 0 {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, transactionID)
		}
		rec = attempts[len(attempts)-1].clone()
		return nil
	})
	return rec, err
}

func (s *InMemoryTxStore) ListByTransactionID(ctx context.Context, chainID uint64, transactionID string) ([]*TxRecord, error) {
	var out []*TxRecord
	err := s.withReadLock(func() error {
		for _, rec := range s.attempts[recordKey{chainID, transactionID}] {
			out = append(out, rec.clone())
		}
		return nil
	})
	return out, err
}

func (s *InMemoryTxStore) ListPending(ctx context.Context, chainID uint64, olderThan time.Time, limit int) ([]*TxRecord, error) {
	var out []*TxRecord
	err := s.withReadLock(func() error {
		for _, attempts := range maps.Values(s.attempts) {
			for _, rec := range attempts {
				if rec.ChainID == chainID && rec.Status == StatusPending && rec.UpdatedAt.Before(olderThan) {
					out = append(out, rec.clone())
				}
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (s *InMemoryTxStore) CountPending(ctx context.Context, chainID uint64, relayer common.Address) (int, error) {
	var n int
	err := s.withReadLock(func() error {
		for _, attempts := range s.attempts {
			for _, rec := range attempts {
				if rec.ChainID == chainID && rec.Status == StatusPending && rec.RelayerAddress == relayer {
					n++
				}
			}
		}
		return nil
	})
	return n, err
}

func (s *InMemoryTxStore) Supersede(ctx context.Context, oldHash common.Hash, replacement *TxRecord) error {
	return s.withWriteLock(func() error {
		key := recordKey{replacement.ChainID, replacement.TransactionID}
		old, ok := s._unsafeFind(key, oldHash)
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, replacement.TransactionID, oldHash)
		}
		if old.Status != StatusPending {
			return fmt.Errorf("%w: %s -> %s (tx: %s)", ErrInvalidTransition, old.Status, StatusDropped, oldHash)
		}
		old.Status = StatusDropped
		old.UpdatedAt = time.Now()
		if err := s._unsafeInsert(replacement); err != nil {
			old.Status = StatusPending
			return err
		}
		return nil
	})
}

func (s *InMemoryTxStore) RollbackSupersede(ctx context.Context, oldHash common.Hash, replacement *TxRecord) error {
	return s.withWriteLock(func() error {
		key := recordKey{replacement.ChainID, replacement.TransactionID}
		attempts := s.attempts[key]
		kept := attempts[:0]
		var removed bool
		for _, rec := range attempts {
			if rec.TransactionHash == replacement.TransactionHash && rec.Status == StatusPending {
				removed = true
				continue
			}
			kept = append(kept, rec)
		}
		if !removed {
			return fmt.Errorf("%w: pending replacement %s", ErrRecordNotFound, replacement.TransactionHash)
		}
		s.attempts[key] = kept
		old, ok := s._unsafeFind(key, oldHash)
		if !ok {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, oldHash)
		}
		if old.Status == StatusDropped {
			old.Status = StatusPending
			old.UpdatedAt = time.Now()
		}
		return nil
	})
}
