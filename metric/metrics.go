// Package metric exposes Prometheus collectors for the houseagent pipeline.
//
// The collectors live on a semstreams MetricsRegistry, which also carries the
// framework's NATS, health and Go runtime metrics. All recording methods are
// safe to call on a nil *Metrics so components can run without
// instrumentation in tests.
package metric

import (
	"errors"
	"time"

	semmetric "github.com/c360studio/semstreams/metric"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "houseagent"

	// service is the name the collectors are registered under.
	service = "houseagent"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	registry *semmetric.MetricsRegistry

	MessagesReceived   prometheus.Counter
	MessagesFiltered   prometheus.Counter
	BundlesEmitted     *prometheus.CounterVec
	BundleMessages     prometheus.Histogram
	FlushRejected      prometheus.Counter
	BundlesConsumed    *prometheus.CounterVec
	ListenerQueueDepth prometheus.Gauge
	Generations        *prometheus.CounterVec
	GenerationDuration prometheus.Histogram
	SinkErrors         *prometheus.CounterVec
	LLMAttempts        *prometheus.CounterVec
	LifecycleState     prometheus.Gauge
}

// New creates the collectors and registers them on a fresh semstreams registry.
func New() *Metrics {
	m := &Metrics{
		registry: semmetric.NewMetricsRegistry(),

		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "messages_received_total",
			Help:      "Messages appended to the current bundle window",
		}),
		MessagesFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "messages_filtered_total",
			Help:      "Messages dropped by the topic filter",
		}),
		BundlesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "bundles_emitted_total",
			Help:      "Bundles flushed, by publish outcome (ok, error, suppressed)",
		}, []string{"status"}),
		BundleMessages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "bundle_messages",
			Help:      "Number of messages per flushed bundle",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
		FlushRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "flush_rejected_total",
			Help:      "Flush attempts rejected because another flush was in progress",
		}),
		BundlesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "bundles_consumed_total",
			Help:      "Bundles received by the agent, by outcome (accepted, invalid, rejected, discarded)",
		}, []string{"status"}),
		ListenerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "queue_depth",
			Help:      "Bundles waiting for the reasoning worker",
		}),
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "generations_total",
			Help:      "Reasoning calls, by outcome (ok, error)",
		}, []string{"status"}),
		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "generation_duration_seconds",
			Help:      "Latency of reasoning calls",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "sink_errors_total",
			Help:      "Failed deliveries to output sinks",
		}, []string{"sink"}),
		LLMAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "attempts_total",
			Help:      "HTTP requests to model endpoints, by endpoint and outcome (ok, transient, fatal)",
		}, []string{"endpoint", "outcome"}),
		LifecycleState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_state",
			Help:      "Lifecycle state (0=running, 1=stop_requested, 2=stopped)",
		}),
	}

	r := m.registry
	err := errors.Join(
		r.RegisterCounter(service, "messages_received", m.MessagesReceived),
		r.RegisterCounter(service, "messages_filtered", m.MessagesFiltered),
		r.RegisterCounterVec(service, "bundles_emitted", m.BundlesEmitted),
		r.RegisterHistogram(service, "bundle_messages", m.BundleMessages),
		r.RegisterCounter(service, "flush_rejected", m.FlushRejected),
		r.RegisterCounterVec(service, "bundles_consumed", m.BundlesConsumed),
		r.RegisterGauge(service, "queue_depth", m.ListenerQueueDepth),
		r.RegisterCounterVec(service, "generations", m.Generations),
		r.RegisterHistogram(service, "generation_duration", m.GenerationDuration),
		r.RegisterCounterVec(service, "sink_errors", m.SinkErrors),
		r.RegisterCounterVec(service, "llm_attempts", m.LLMAttempts),
		r.RegisterGauge(service, "lifecycle_state", m.LifecycleState),
	)
	if err != nil {
		// A fresh registry cannot hold these names already.
		panic(err)
	}

	return m
}

// Registry returns the Prometheus registry served on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry.PrometheusRegistry()
}

// Framework returns the semstreams registry, for the NATS client and the
// listener's worker pool to register their own collectors on.
func (m *Metrics) Framework() *semmetric.MetricsRegistry {
	if m == nil {
		return nil
	}
	return m.registry
}

// MessageReceived counts one appended message.
func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// MessageFiltered counts one message dropped by the topic filter.
func (m *Metrics) MessageFiltered() {
	if m == nil {
		return
	}
	m.MessagesFiltered.Inc()
}

// BundleFlushed records a flushed bundle and its publish outcome.
func (m *Metrics) BundleFlushed(status string, size int) {
	if m == nil {
		return
	}
	m.BundlesEmitted.WithLabelValues(status).Inc()
	m.BundleMessages.Observe(float64(size))
}

// FlushRejectedInc counts a rejected concurrent flush.
func (m *Metrics) FlushRejectedInc() {
	if m == nil {
		return
	}
	m.FlushRejected.Inc()
}

// BundleConsumed records a bundle delivery outcome on the agent side.
func (m *Metrics) BundleConsumed(status string) {
	if m == nil {
		return
	}
	m.BundlesConsumed.WithLabelValues(status).Inc()
}

// QueueDepth sets the current listener queue depth.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.ListenerQueueDepth.Set(float64(n))
}

// Generation records one reasoning call.
func (m *Metrics) Generation(status string, seconds float64) {
	if m == nil {
		return
	}
	m.Generations.WithLabelValues(status).Inc()
	m.GenerationDuration.Observe(seconds)
}

// SinkError counts a failed sink delivery.
func (m *Metrics) SinkError(sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// LLMAttempt counts one request to a model endpoint.
func (m *Metrics) LLMAttempt(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.LLMAttempts.WithLabelValues(endpoint, outcome).Inc()
}

// Lifecycle records the lifecycle state value.
func (m *Metrics) Lifecycle(state int) {
	if m == nil {
		return
	}
	m.LifecycleState.Set(float64(state))
}

// NATSConnected records the broker connection state.
func (m *Metrics) NATSConnected(connected bool) {
	if m == nil {
		return
	}
	m.registry.CoreMetrics().RecordNATSStatus(connected)
}

// NATSReconnected counts one reconnect to the broker.
func (m *Metrics) NATSReconnected() {
	if m == nil {
		return
	}
	m.registry.CoreMetrics().RecordNATSReconnect()
}

// NATSRTT records the broker round trip time.
func (m *Metrics) NATSRTT(rtt time.Duration) {
	if m == nil {
		return
	}
	m.registry.CoreMetrics().RecordNATSRTT(rtt)
}

// Health records the health reported on /healthz.
func (m *Metrics) Health(healthy bool) {
	if m == nil {
		return
	}
	m.registry.CoreMetrics().RecordHealthStatus(service, healthy)
}
