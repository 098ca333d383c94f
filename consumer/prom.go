package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var promMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{Name: "relayer_queue_messages_total", Help: "Queue messages by outcome"},
	[]string{"chainID", "category", "outcome"},
)
