package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "forged",
		Subsystem: "session",
		Name:      "open",
		Help:      "Sessions currently registered and not yet closed",
	})

	sessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forged",
		Subsystem: "session",
		Name:      "closed_total",
		Help:      "Sessions closed, by reason",
	}, []string{"reason"})

	sessionsRetained = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "forged",
		Subsystem: "session",
		Name:      "retained_unpersisted",
		Help:      "Closed sessions kept in memory because persistence has not succeeded yet",
	})

	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forged",
		Subsystem: "session",
		Name:      "persistence_failures_total",
		Help:      "Failed attempts to save a terminal session snapshot",
	})

	subagentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "forged",
		Subsystem: "session",
		Name:      "subagents_active",
		Help:      "Subagent tasks currently holding a session slot",
	})
)
