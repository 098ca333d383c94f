package txm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	bundler "github.com/DERACHAIN/bundler"
)

// NonceReader is the part of the chain client the Sequencer needs.
type NonceReader interface {
	NonceAt(ctx context.Context, account common.Address, pending bool) (uint64, error)
}

// Sequencer hands out nonces per account. The first use of an account reads the pending nonce
// from the network; after that assignments are served locally and increase by one each time.
type Sequencer struct {
	lggr   logger.Logger
	client NonceReader

	lock     sync.Mutex
	accounts map[common.Address]*accountNonce
}

type accountNonce struct {
	sync.Mutex
	next        uint64
	initialized bool
}

func NewSequencer(lggr logger.Logger, client NonceReader) *Sequencer {
	return &Sequencer{
		lggr:     logger.Named(lggr, "Sequencer"),
		client:   client,
		accounts: map[common.Address]*accountNonce{},
	}
}

func (s *Sequencer) account(addr common.Address) *accountNonce {
	s.lock.Lock()
	defer s.lock.Unlock()
	a, ok := s.accounts[addr]
	if !ok {
		a = &accountNonce{}
		s.accounts[addr] = a
	}
	return a
}

func (s *Sequencer) fetch(ctx context.Context, addr common.Address) (uint64, error) {
	n, err := s.client.NonceAt(ctx, addr, true)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", bundler.ErrSequencerUnavailable, addr, err)
	}
	return n, nil
}

// Assign returns the next nonce for addr and advances the counter.
func (s *Sequencer) Assign(ctx context.Context, addr common.Address) (uint64, error) {
	a := s.account(addr)
	a.Lock()
	defer a.Unlock()
	if !a.initialized {
		n, err := s.fetch(ctx, addr)
		if err != nil {
			return 0, err
		}
		a.next = n
		a.initialized = true
	}
	n := a.next
	a.next++
	return n, nil
}

// AssignFromNetwork re-reads the pending nonce before assigning. Callers holding an external
// lock on addr use it so that assignments made by other processes are observed.
func (s *Sequencer) AssignFromNetwork(ctx context.Context, addr common.Address) (uint64, error) {
	a := s.account(addr)
	a.Lock()
	defer a.Unlock()
	n, err := s.fetch(ctx, addr)
	if err != nil {
		return 0, err
	}
	if a.initialized && a.next != n {
		s.lggr.Infow("nonce resynced from network", "address", addr, "local", a.next, "network", n)
	}
	a.next = n + 1
	a.initialized = true
	return n, nil
}

// Reconcile moves the local counter forward if the network is ahead of it. It never moves backwards.
func (s *Sequencer) Reconcile(ctx context.Context, addr common.Address) error {
	a := s.account(addr)
	a.Lock()
	defer a.Unlock()
	n, err := s.fetch(ctx, addr)
	if err != nil {
		return err
	}
	if !a.initialized || n > a.next {
		if a.initialized {
			s.lggr.Warnw("local nonce behind network", "address", addr, "local", a.next, "network", n)
		}
		a.next = n
		a.initialized = true
	}
	return nil
}

// Reset forgets the local counter. The next Assign reads from the network again.
func (s *Sequencer) Reset(addr common.Address) {
	a := s.account(addr)
	a.Lock()
	defer a.Unlock()
	a.initialized = false
}

// Peek returns the nonce the next Assign would hand out, if known.
func (s *Sequencer) Peek(addr common.Address) (uint64, bool) {
	a := s.account(addr)
	a.Lock()
	defer a.Unlock()
	return a.next, a.initialized
}
