package monitor

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	bundler "github.com/DERACHAIN/bundler"
)

const DENOMINATION = "ETH"

var promRelayerBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{Name: "relayer_balance", Help: "Native balance of relayer and owner accounts"},
	[]string{"account", "chainID", "denomination"},
)

func (b *balanceMonitor) updateProm(acc common.Address, wei *big.Int) {
	promRelayerBalance.WithLabelValues(acc.Hex(), b.chainID, DENOMINATION).Set(bundler.WeiToEther(wei))
}
