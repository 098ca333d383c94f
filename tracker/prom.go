package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var promUserOperations = promauto.NewCounterVec(
	prometheus.CounterOpts{Name: "relayer_user_operations_total", Help: "User operations executed in relayed bundles"},
	[]string{"chainID", "outcome"},
)

func (t *EntryPointTracker) count(success bool) {
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	promUserOperations.WithLabelValues(t.chainID.String(), outcome).Inc()
}
