package monitor

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBalanceMonitorUpdateProm(t *testing.T) {
	b := &balanceMonitor{
		chainID: "testChainID",
	}

	testAddr := common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94")

	testCases := []struct {
		name     string
		wei      *big.Int
		expected float64
	}{
		{"Zero balance", big.NewInt(0), 0},
		{"1 ETH", big.NewInt(1e18), 1},
		{"1.5 ETH", big.NewInt(15e17), 1.5},
		{"Large balance", new(big.Int).Mul(big.NewInt(1e18), big.NewInt(1_000_000)), 1_000_000},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			promRelayerBalance.Reset()
			b.updateProm(testAddr, tc.wei)

			actual := testutil.ToFloat64(promRelayerBalance.WithLabelValues(testAddr.Hex(), b.chainID, DENOMINATION))
			assert.Equal(t, tc.expected, actual, "Unexpected metric value")
		})
	}
}
