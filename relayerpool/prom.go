package relayerpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promPoolAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relayer_pool_available", Help: "Relayer accounts ready to be leased"},
		[]string{"chainID", "manager"},
	)
	promPoolLeased = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relayer_pool_leased", Help: "Relayer accounts with a transaction in flight"},
		[]string{"chainID", "manager"},
	)
	promPoolExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "relayer_pool_exhausted_total", Help: "Lease attempts that found no available relayer"},
		[]string{"chainID", "manager"},
	)
	promFunding = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "relayer_funding_total", Help: "Funding transactions by outcome"},
		[]string{"chainID", "manager", "status"},
	)
)

func (m *Manager) updateGaugesLocked() {
	promPoolAvailable.WithLabelValues(m.chainID.String(), m.cfg.Name).Set(float64(m.available.Size()))
	promPoolLeased.WithLabelValues(m.chainID.String(), m.cfg.Name).Set(float64(len(m.leased)))
}
