package sdk

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"
)

type rpcError struct {
	msg  string
	code int
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

type stubBackend struct {
	Backend
	balance      *big.Int
	balanceErr   error
	pendingNonce uint64
	latestNonce  uint64
	sendErr      error
	sends        atomic.Int32
	receiptAfter int32
	receiptCalls atomic.Int32
}

func (s *stubBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return s.balance, s.balanceErr
}

func (s *stubBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return s.pendingNonce, nil
}

func (s *stubBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return s.latestNonce, nil
}

func (s *stubBackend) SendTransaction(context.Context, *types.Transaction) error {
	s.sends.Add(1)
	return s.sendErr
}

func (s *stubBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if s.receiptCalls.Add(1) <= s.receiptAfter {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}, nil
}

func (s *stubBackend) Close() {}

func TestEthClient_ReadFailover(t *testing.T) {
	lggr, observed := logger.TestObserved(t, zapcore.DebugLevel)
	primary := &stubBackend{balanceErr: errors.New("dial tcp: connection refused")}
	secondary := &stubBackend{balance: big.NewInt(42)}

	c, err := NewEthClient(lggr, time.Millisecond, NewNode("primary", primary, 0, 0), NewNode("secondary", secondary, 0, 0))
	require.NoError(t, err)

	bal, err := c.BalanceAt(tests.Context(t), common.HexToAddress("0xabc"))
	require.NoError(t, err)
	require.Equal(t, int64(42), bal.Int64())
	require.Equal(t, 1, observed.FilterMessageSnippet("trying next node").Len())
}

func TestEthClient_RPCErrorDoesNotFailover(t *testing.T) {
	primary := &stubBackend{sendErr: rpcError{msg: "nonce too low", code: -32000}}
	secondary := &stubBackend{}

	c, err := NewEthClient(logger.Test(t), time.Millisecond, NewNode("primary", primary, 0, 0), NewNode("secondary", secondary, 0, 0))
	require.NoError(t, err)

	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000})
	err = c.SendTransaction(tests.Context(t), tx)
	require.Error(t, err)
	require.True(t, IsNonceTooLow(err))
	require.Equal(t, int32(0), secondary.sends.Load())
}

func TestEthClient_SendAlreadyKnown(t *testing.T) {
	primary := &stubBackend{sendErr: rpcError{msg: "already known", code: -32000}}
	c, err := NewEthClient(logger.Test(t), time.Millisecond, NewNode("primary", primary, 0, 0))
	require.NoError(t, err)

	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000})
	require.NoError(t, c.SendTransaction(tests.Context(t), tx))
}

func TestEthClient_NonceAt(t *testing.T) {
	b := &stubBackend{pendingNonce: 9, latestNonce: 7}
	c, err := NewEthClient(logger.Test(t), time.Millisecond, NewNode("n", b, 0, 0))
	require.NoError(t, err)

	pending, err := c.NonceAt(tests.Context(t), common.Address{}, true)
	require.NoError(t, err)
	require.Equal(t, uint64(9), pending)

	latest, err := c.NonceAt(tests.Context(t), common.Address{}, false)
	require.NoError(t, err)
	require.Equal(t, uint64(7), latest)
}

func TestEthClient_WaitForTransaction(t *testing.T) {
	b := &stubBackend{receiptAfter: 3}
	c, err := NewEthClient(logger.Test(t), time.Millisecond, NewNode("n", b, 0, 0))
	require.NoError(t, err)

	receipt, err := c.WaitForTransaction(tests.Context(t), common.HexToHash("0x01"))
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	require.Equal(t, int32(4), b.receiptCalls.Load())

	b2 := &stubBackend{receiptAfter: 1 << 30}
	c2, err := NewEthClient(logger.Test(t), time.Millisecond, NewNode("n", b2, 0, 0))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(tests.Context(t), 20*time.Millisecond)
	defer cancel()
	_, err = c2.WaitForTransaction(ctx, common.HexToHash("0x01"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewEthClient_NoNodes(t *testing.T) {
	_, err := NewEthClient(logger.Test(t), time.Second)
	require.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	require.True(t, IsNotFound(ethereum.NotFound))
	require.True(t, IsNonceTooLow(errors.New("Nonce too low: next nonce 5")))
	require.True(t, IsReplacementUnderpriced(errors.New("replacement transaction underpriced")))
	require.True(t, IsInsufficientFunds(errors.New("insufficient funds for gas * price + value")))
	require.False(t, IsAlreadyKnown(nil))

	require.False(t, isTransportError(rpcError{msg: "execution reverted", code: 3}))
	require.False(t, isTransportError(context.Canceled))
	require.True(t, isTransportError(errors.New("EOF")))
}
