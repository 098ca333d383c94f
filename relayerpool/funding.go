package relayerpool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	bundler "github.com/DERACHAIN/bundler"
	"github.com/DERACHAIN/bundler/txm"
)

// FundingLockKey is the lock shared by every process funding from owner on chainID.
func FundingLockKey(owner common.Address, chainID *big.Int) string {
	return fmt.Sprintf("locks:%s_%s", strings.ToLower(owner.Hex()), chainID)
}

// FundAccounts sends FundingRelayerAmount from the owner to every address whose balance is below
// FundingBalanceThreshold. Failures are logged per address and do not stop the batch. It returns
// the addresses a funding transaction was sent to.
func (m *Manager) FundAccounts(ctx context.Context, addrs []common.Address) []common.Address {
	var funded []common.Address
	for _, addr := range addrs {
		if ctx.Err() != nil {
			break
		}
		sent, err := m.fund(ctx, addr)
		switch {
		case errors.Is(err, bundler.ErrFundingLockTimeout):
			promFunding.WithLabelValues(m.chainID.String(), m.cfg.Name, "deferred").Inc()
			m.lggr.Warnw("funding deferred", "relayer", addr, "error", err)
		case err != nil:
			promFunding.WithLabelValues(m.chainID.String(), m.cfg.Name, "failed").Inc()
			m.lggr.Errorw("failed to fund relayer", "relayer", addr, "error", err)
		case sent:
			promFunding.WithLabelValues(m.chainID.String(), m.cfg.Name, "sent").Inc()
			funded = append(funded, addr)
		}
	}
	return funded
}

// AssignExclusive takes the owner's funding lock and assigns the owner's next nonce from the
// network. The lock is held until done is called.
func (m *Manager) AssignExclusive(ctx context.Context, addr common.Address) (uint64, func(), error) {
	if addr != m.owner.Address() {
		return 0, nil, fmt.Errorf("%s is not the owner of manager %s", addr, m.cfg.Name)
	}
	key := FundingLockKey(addr, m.chainID)
	lease, err := m.locker.Acquire(ctx, m.cfg.LockTTL, key)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s: %w", bundler.ErrFundingLockTimeout, key, err)
	}
	done := func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			m.lggr.Errorw("failed to release funding lock", "key", key, "error", err)
		}
	}

	// other processes may have spent owner nonces since the last assignment here
	nonce, err := m.sequencer.AssignFromNetwork(ctx, addr)
	if err != nil {
		done()
		return 0, nil, err
	}
	return nonce, done, nil
}

func (m *Manager) fund(ctx context.Context, addr common.Address) (bool, error) {
	balance, err := m.client.BalanceAt(ctx, addr)
	if err != nil {
		return false, fmt.Errorf("failed to get balance: %w", err)
	}
	m.setBalance(addr, balance)
	if balance.Cmp(m.cfg.FundingBalanceThreshold) >= 0 {
		m.lggr.Debugw("relayer has sufficient funds", "relayer", addr, "balance", bundler.WeiToEther(balance))
		return false, nil
	}

	// released once the transaction is sent; confirmation is tracked like any other transaction
	nonce, done, err := m.AssignExclusive(ctx, m.owner.Address())
	if err != nil {
		return false, err
	}
	defer done()

	req := txm.TxRequest{
		TransactionID: uuid.NewString(),
		To:            addr,
		Value:         m.cfg.FundingRelayerAmount,
		GasLimit:      m.cfg.FundingGasLimit,
	}
	h, err := m.submitter.SubmitAt(ctx, req, m.owner, nonce)
	if err != nil {
		return false, err
	}
	m.lggr.Infow("relayer funding sent", "relayer", addr, "balance", bundler.WeiToEther(balance), "amount", bundler.WeiToEther(m.cfg.FundingRelayerAmount), "txHash", h.Hash(), "nonce", nonce)
	return true, nil
}
