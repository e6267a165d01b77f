package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register.
var (
	regOK atomic.Bool

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studyflow",
			Subsystem: "task",
			Name:      "runs_total",
			Help:      "Task attempts by task type and result.",
		}, []string{"task", "result"},
	)
	eventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "studyflow",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Envelopes written to the event bus.",
		},
	)
	eventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "studyflow",
			Subsystem: "bus",
			Name:      "events_delivered_total",
			Help:      "Envelopes forwarded to a locally connected user.",
		},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "studyflow",
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Envelopes with no local connection for the target user.",
		},
	)
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "studyflow",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Live WebSocket connections on this instance.",
		},
	)
	wsEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studyflow",
			Subsystem: "ws",
			Name:      "evictions_total",
			Help:      "Connections closed by the registry, by reason.",
		}, []string{"reason"},
	)
)

// Register registers all metrics with the provided registerer. Safe to call
// multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{tasksTotal, eventsPublished, eventsDelivered, eventsDropped, wsConnections, wsEvictions}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer; the caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op if Register hasn't been called.

func IncTaskRun(task, result string) {
	if regOK.Load() {
		tasksTotal.WithLabelValues(task, result).Inc()
	}
}

func IncEventPublished() {
	if regOK.Load() {
		eventsPublished.Inc()
	}
}

func IncEventDelivered() {
	if regOK.Load() {
		eventsDelivered.Inc()
	}
}

func IncEventDropped() {
	if regOK.Load() {
		eventsDropped.Inc()
	}
}

func SetWSConnections(n int) {
	if regOK.Load() {
		wsConnections.Set(float64(n))
	}
}

func IncWSEviction(reason string) {
	if regOK.Load() {
		wsEvictions.WithLabelValues(reason).Inc()
	}
}
