package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_executions_total",
		Help: "Finished workflow executions by terminal status.",
	}, []string{"status"})

	nodeExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_node_executions_total",
		Help: "Node runs by status. Reused results count as cached.",
	}, []string{"status"})

	nodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blockflow_node_duration_seconds",
		Help:    "Wall time of node runs against the session.",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
	})
)
