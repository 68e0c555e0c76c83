package amqptrace

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var published = promauto.NewCounter(prometheus.CounterOpts{
	Name: "statehistory_amqp_traces_published_total",
	Help: "Traces relayed to the AMQP broker.",
})
