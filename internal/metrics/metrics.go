// Package metrics holds the prometheus instruments shared across the
// delivery and queue subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SendsTotal counts physical send outcomes by mode and result
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_sends_total",
			Help: "Outbound sends by delivery mode and result",
		},
		[]string{"mode", "result"},
	)

	// SendsDenied counts sends refused before reaching the provider
	SendsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_sends_denied_total",
			Help: "Sends denied by a guard before the provider call",
		},
		[]string{"reason"},
	)

	// QueueTransitions counts queued-message status transitions
	QueueTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_queue_transitions_total",
			Help: "Queued message status transitions",
		},
		[]string{"status"},
	)

	// QueueDepth tracks messages currently awaiting delivery
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_queue_depth",
			Help: "Messages in queued or template_sent status",
		},
	)

	// SweepExpired counts messages expired by the periodic sweep
	SweepExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_sweep_expired_total",
			Help: "Messages marked expired by the sweep",
		},
	)
)
