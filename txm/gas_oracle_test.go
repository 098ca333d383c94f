package txm_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/DERACHAIN/bundler/mocks"
	"github.com/DERACHAIN/bundler/testutils"
	"github.com/DERACHAIN/bundler/txm"
)

func TestGasOracle_Legacy(t *testing.T) {
	ctx := tests.Context(t)
	client := mocks.NewClient(t)
	client.On("HeaderByNumber", mock.Anything, (*big.Int)(nil)).Return(&types.Header{Number: big.NewInt(1)}, nil).Once()
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(50), nil).Once()

	oracle := txm.NewGasOracle(logger.Test(t), client, txm.GasOracleConfig{})

	fee, err := oracle.Fee(ctx)
	require.NoError(t, err)
	require.False(t, fee.IsDynamic())
	require.Equal(t, int64(50), fee.GasPrice.Int64())

	// served from cache
	fee, err = oracle.Fee(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(50), fee.GasPrice.Int64())
}

func TestGasOracle_Dynamic(t *testing.T) {
	ctx := tests.Context(t)
	client := mocks.NewClient(t)
	client.On("HeaderByNumber", mock.Anything, (*big.Int)(nil)).Return(&types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(100)}, nil).Once()
	client.On("SuggestGasTipCap", mock.Anything).Return(big.NewInt(2), nil).Once()

	oracle := txm.NewGasOracle(logger.Test(t), client, txm.GasOracleConfig{})

	fee, err := oracle.Fee(ctx)
	require.NoError(t, err)
	require.True(t, fee.IsDynamic())
	require.Equal(t, int64(202), fee.GasFeeCap.Int64())
	require.Equal(t, int64(2), fee.GasTipCap.Int64())
}

func TestGasOracle_ForcedLegacyAndCap(t *testing.T) {
	ctx := tests.Context(t)
	client := mocks.NewClient(t)
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(500), nil).Once()

	oracle := txm.NewGasOracle(logger.Test(t), client, txm.GasOracleConfig{
		EIP1559:     testutils.BoolPtr(false),
		MaxGasPrice: big.NewInt(300),
	})

	fee, err := oracle.Fee(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(300), fee.GasPrice.Int64())
}

func TestGasOracle_DynamicWithoutBaseFee(t *testing.T) {
	ctx := tests.Context(t)
	client := mocks.NewClient(t)
	client.On("HeaderByNumber", mock.Anything, (*big.Int)(nil)).Return(&types.Header{Number: big.NewInt(1)}, nil).Once()

	oracle := txm.NewGasOracle(logger.Test(t), client, txm.GasOracleConfig{EIP1559: testutils.BoolPtr(true)})

	_, err := oracle.Fee(ctx)
	require.Error(t, err)
}

func TestGasOracle_FetchError(t *testing.T) {
	ctx := tests.Context(t)
	client := mocks.NewClient(t)
	client.On("HeaderByNumber", mock.Anything, (*big.Int)(nil)).Return(nil, errors.New("rpc down")).Once()
	client.On("HeaderByNumber", mock.Anything, (*big.Int)(nil)).Return(&types.Header{Number: big.NewInt(1)}, nil).Once()
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(7), nil).Once()

	oracle := txm.NewGasOracle(logger.Test(t), client, txm.GasOracleConfig{})

	_, err := oracle.Fee(ctx)
	require.ErrorContains(t, err, "rpc down")

	// errors are not cached
	fee, err := oracle.Fee(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), fee.GasPrice.Int64())
}

func TestGasOracle_StartClose(t *testing.T) {
	chain := testutils.NewSimulatedChain(1)
	oracle := txm.NewGasOracle(logger.Test(t), chain, txm.GasOracleConfig{})
	require.NoError(t, oracle.Start(tests.Context(t)))
	require.NoError(t, oracle.Ready())
	require.NoError(t, oracle.Close())
}
