// Package metrics exposes the Prometheus collectors of the execution manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "execmgr"

// Label values.
const (
	StateAvailable = "available"
	StateBusy      = "busy"

	OutcomeHandled = "handled"
	OutcomeIgnored = "ignored"
	OutcomeFailed  = "failed"
	OutcomeOK      = "ok"

	DirectionIn  = "in"
	DirectionOut = "out"

	TargetWorker  = "worker"
	TargetSpawner = "spawner"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	poolWorkers      *prometheus.GaugeVec
	dispatchAttempts *prometheus.CounterVec
	controlMessages  *prometheus.CounterVec
	swapOperations   *prometheus.CounterVec
	shutdownStops    *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		poolWorkers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_workers",
			Help:      "Registered worker instances per function topic and state",
		}, []string{"topic", "state"}),

		dispatchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Publish attempts of worker commands by outcome",
		}, []string{"outcome"}),

		controlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Control messages read from the manager topic by key and outcome",
		}, []string{"key", "outcome"}),

		swapOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swap_operations_total",
			Help:      "Swap-in and swap-out operations by outcome",
		}, []string{"direction", "outcome"}),

		shutdownStops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shutdown_stops_total",
			Help:      "Stop commands delivered during shutdown",
		}, []string{"target"}),
	}
}

// SetPoolSize records the current available and busy counts of topic.
func (m *Metrics) SetPoolSize(topic string, available, busy int) {
	if m == nil {
		return
	}
	m.poolWorkers.WithLabelValues(topic, StateAvailable).Set(float64(available))
	m.poolWorkers.WithLabelValues(topic, StateBusy).Set(float64(busy))
}

// ObserveDispatchAttempt counts one publish attempt.
func (m *Metrics) ObserveDispatchAttempt(outcome string) {
	if m == nil {
		return
	}
	m.dispatchAttempts.WithLabelValues(outcome).Inc()
}

// ObserveControlMessage counts one message read by the control loop.
func (m *Metrics) ObserveControlMessage(key, outcome string) {
	if m == nil {
		return
	}
	m.controlMessages.WithLabelValues(key, outcome).Inc()
}

// ObserveSwap counts one swap operation.
func (m *Metrics) ObserveSwap(direction string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFailed
	}
	m.swapOperations.WithLabelValues(direction, outcome).Inc()
}

// ObserveShutdownStop counts one stop delivered to a worker or spawner.
func (m *Metrics) ObserveShutdownStop(target string) {
	if m == nil {
		return
	}
	m.shutdownStops.WithLabelValues(target).Inc()
}

// ShutdownStops returns the stop counter of target. On a nil *Metrics it
// returns an unregistered counter that stays at zero.
func (m *Metrics) ShutdownStops(target string) prometheus.Counter {
	if m == nil {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shutdown_stops_total",
			Help:      "Stop commands delivered during shutdown.",
		})
	}
	return m.shutdownStops.WithLabelValues(target)
}
