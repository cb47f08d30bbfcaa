package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sessionsActive tracks sessions currently registered across managers
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blockflow_sessions_active",
		Help: "Number of live execution sessions",
	})

	// sessionsReaped counts sessions reclaimed by the idle reaper
	sessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blockflow_sessions_reaped_total",
		Help: "Total sessions terminated for being idle",
	})

	// sessionExecutions counts block runs by outcome
	sessionExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_session_executions_total",
		Help: "Total block executions by outcome",
	}, []string{"outcome"})
)
