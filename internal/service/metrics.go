package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	interbankEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankops_interbank_events_total",
		Help: "Inbound interbank messages by outcome",
	}, []string{"outcome"})

	sagaTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankops_saga_transitions_total",
		Help: "Saga stage transitions, labeled by the stage entered",
	}, []string{"stage"})

	sweeperRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bankops_saga_sweeper_rollbacks_total",
		Help: "Sagas rolled back because their acknowledgement never arrived",
	})

	outboundAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankops_outbound_delivery_attempts_total",
		Help: "Outbound interbank delivery attempts by status",
	}, []string{"status"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bankops_interbank_dispatch_duration_seconds",
		Help:    "Time spent handling a newly claimed interbank message",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"message_type"})
)
