package bundler_test

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DERACHAIN/bundler"
)

func TestParseChainID(t *testing.T) {
	id, err := bundler.ParseChainID("80001")
	require.NoError(t, err)
	require.Equal(t, int64(80001), id.Int64())

	id, err = bundler.ParseChainID("0x13881")
	require.NoError(t, err)
	require.Equal(t, int64(80001), id.Int64())

	_, err = bundler.ParseChainID("chain")
	require.Error(t, err)
}

func TestParseQuantity(t *testing.T) {
	testCases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0x", 0, false},
		{"21000", 21000, false},
		{"0x5208", 21000, false},
		{"-1", 0, true},
		{"0xzz", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			v, err := bundler.ParseQuantity(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, v.Int64())
		})
	}
}

func TestEtherConversions(t *testing.T) {
	wei := bundler.EtherToWei(decimal.RequireFromString("0.1"))
	require.Equal(t, big.NewInt(100_000_000_000_000_000), wei)
	assert.InDelta(t, 0.1, bundler.WeiToEther(wei), 1e-12)
	assert.Zero(t, bundler.WeiToEther(nil))
}

func TestSubmissionError(t *testing.T) {
	cause := errors.New("replacement transaction underpriced")
	err := fmt.Errorf("resubmit: %w", &bundler.SubmissionError{TransactionHash: common.HexToHash("0x01"), Nonce: 7, Err: cause})

	require.True(t, bundler.IsSubmissionError(err))
	require.ErrorIs(t, err, cause)
	require.False(t, bundler.IsSubmissionError(bundler.ErrNoActiveRelayer))
}
