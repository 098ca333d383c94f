package txm

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promTxStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "relayer_tx_status_total", Help: "Resolved relayer transactions by final status"},
		[]string{"chainID", "status"},
	)
	promResubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "relayer_resubmissions_total", Help: "Relayer transactions resubmitted with a new fee or nonce"},
		[]string{"chainID"},
	)
)

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}
