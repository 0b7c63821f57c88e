// Package metrics exposes Prometheus collectors for the command store, the
// event bus and the ingest adapters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensorhub/internal/datastore"
)

const namespace = "sensorhub"

// Collectors is safe to use as a nil pointer; every method is then a no-op.
type Collectors struct {
	registry *prometheus.Registry

	published     *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	subFailures   *prometheus.CounterVec
	subscriptions prometheus.Gauge

	operations *prometheus.CounterVec
	opDuration *prometheus.HistogramVec

	ingested *prometheus.CounterVec
	relayed  *prometheus.CounterVec
}

func New() *Collectors {
	m := &Collectors{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published on the bus, by topic group.",
		}, []string{"group"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "deliveries_total",
			Help:      "Events enqueued for subscribers, by topic group.",
		}, []string{"group"}),
		subFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "subscriber_failures_total",
			Help:      "Subscriptions cancelled because the subscriber panicked.",
		}, []string{"group"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "subscriptions",
			Help:      "Active subscriptions.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Transactional store operations, by operation and outcome.",
		}, []string{"op", "result"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of transactional store operations.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"op"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Messages handled by ingest adapters, by transport and outcome.",
		}, []string{"transport", "result"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "records_total",
			Help:      "Bus events forwarded to Kafka, by topic group and outcome.",
		}, []string{"group", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.published, m.deliveries, m.subFailures, m.subscriptions,
		m.operations, m.opDuration, m.ingested, m.relayed,
	)
	return m
}

func (m *Collectors) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Collectors) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Collectors) Published(group string, deliveries int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(group).Inc()
	m.deliveries.WithLabelValues(group).Add(float64(deliveries))
}

func (m *Collectors) SubscriberFailed(group string) {
	if m == nil {
		return
	}
	m.subFailures.WithLabelValues(group).Inc()
}

func (m *Collectors) SubscriptionsChanged(delta int) {
	if m == nil {
		return
	}
	m.subscriptions.Add(float64(delta))
}

// ObserveOperation records one transactional operation that began at
// started and ended with err.
func (m *Collectors) ObserveOperation(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, Outcome(err)).Inc()
	m.opDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Collectors) Ingested(transport string, err error) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(transport, Outcome(err)).Inc()
}

func (m *Collectors) Relayed(group string, err error) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(group, Outcome(err)).Inc()
}

// Outcome buckets an error into a low-cardinality label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case datastore.IsConflict(err):
		return "conflict"
	case datastore.IsValidation(err):
		return "invalid"
	}
	return "error"
}
