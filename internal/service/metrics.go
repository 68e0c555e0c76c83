package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statehistory_blocks_stored_total",
		Help: "Block entries appended, per log.",
	}, []string{"log"})
	entriesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statehistory_transactions_pruned_total",
		Help: "Transactions whose prunable data was removed.",
	})
	headGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "statehistory_head_block",
		Help: "Most recently stored block number.",
	})
)
