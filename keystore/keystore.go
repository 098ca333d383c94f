package keystore

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions on behalf of an account it holds.
type Signer interface {
	SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

var _ Signer = &Keystore{}

// Keystore keeps private keys in memory, keyed by address. Key material never leaves it.
type Keystore struct {
	lock sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

func New() *Keystore {
	return &Keystore{keys: map[common.Address]*ecdsa.PrivateKey{}}
}

// Add stores a key and returns its address.
func (k *Keystore) Add(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k.lock.Lock()
	defer k.lock.Unlock()
	k.keys[addr] = key
	return addr
}

// Remove drops a key. Used when a freshly derived account could not be registered.
func (k *Keystore) Remove(addr common.Address) {
	k.lock.Lock()
	defer k.lock.Unlock()
	delete(k.keys, addr)
}

func (k *Keystore) Has(addr common.Address) bool {
	k.lock.RLock()
	defer k.lock.RUnlock()
	_, ok := k.keys[addr]
	return ok
}

// Accounts returns the hex addresses of all held keys.
func (k *Keystore) Accounts(ctx context.Context) ([]string, error) {
	k.lock.RLock()
	defer k.lock.RUnlock()
	accounts := make([]string, 0, len(k.keys))
	for addr := range k.keys {
		accounts = append(accounts, addr.Hex())
	}
	return accounts, nil
}

func (k *Keystore) SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	k.lock.RLock()
	key, ok := k.keys[from]
	k.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no such key: %s", from)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// Account signs with a single key held by a Keystore.
type Account struct {
	addr common.Address
	ks   *Keystore
}

// Account returns a signing handle for addr.
func (k *Keystore) Account(addr common.Address) (*Account, error) {
	if !k.Has(addr) {
		return nil, fmt.Errorf("no such key: %s", addr)
	}
	return &Account{addr: addr, ks: k}, nil
}

func (a *Account) Address() common.Address {
	return a.addr
}

func (a *Account) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return a.ks.SignTx(ctx, a.addr, tx, chainID)
}
