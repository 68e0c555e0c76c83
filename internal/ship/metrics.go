package ship

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "statehistory_sessions",
		Help: "Currently connected state history sessions.",
	})
	sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statehistory_sessions_total",
		Help: "Sessions accepted since start.",
	})
	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statehistory_frames_sent_total",
		Help: "Frames written to sessions.",
	})
	protocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statehistory_protocol_errors_total",
		Help: "Requests that failed to decode.",
	})
)
