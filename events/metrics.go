package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_events_dropped_total",
		Help: "Events dropped because the dispatch queue was full.",
	}, []string{"event"})

	handlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_event_handler_errors_total",
		Help: "Event handler failures by event type.",
	}, []string{"event"})
)
