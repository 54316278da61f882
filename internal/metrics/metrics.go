package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for the compute orchestration layer.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Checkpoints       *prometheus.CounterVec
	Terminations      *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudlet",
			Name:      "operations_total",
			Help:      "Lifecycle operations by name and result.",
		}, []string{"operation", "result"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cloudlet",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of lifecycle operations, driver time included.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"operation"}),
		Checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudlet",
			Name:      "checkpoints_total",
			Help:      "Task state checkpoint writes by result.",
		}, []string{"result"}),
		Terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudlet",
			Name:      "terminations_total",
			Help:      "Instance teardowns by result.",
		}, []string{"result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudlet",
			Name:      "notifications_total",
			Help:      "Published notifications by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.OperationDuration, m.Checkpoints, m.Terminations, m.Notifications)
	}
	return m
}

// ObserveOperation records one finished operation.
func (m *Metrics) ObserveOperation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, result(err)).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Checkpoint records a checkpoint write outcome.
func (m *Metrics) Checkpoint(res string) {
	if m == nil {
		return
	}
	m.Checkpoints.WithLabelValues(res).Inc()
}

// Termination records a teardown outcome.
func (m *Metrics) Termination(res string) {
	if m == nil {
		return
	}
	m.Terminations.WithLabelValues(res).Inc()
}

// Notification records a publish outcome.
func (m *Metrics) Notification(err error) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
