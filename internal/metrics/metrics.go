// Package metrics exposes guardian counters to Prometheus.
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation in tests and tools.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guardian"

// Metrics holds the guardian collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	packetsProcessed *prometheus.CounterVec
	packetsRejected  *prometheus.CounterVec
	detections       *prometheus.CounterVec
	recoveries       *prometheus.CounterVec
	capacityExceeded *prometheus.CounterVec
	eventsDropped    prometheus.Counter
	responses        *prometheus.CounterVec
	handlerErrors    *prometheus.CounterVec
	directives       *prometheus.CounterVec
	ingestRecords    *prometheus.CounterVec
	trackers         prometheus.Gauge
	evictions        prometheus.Counter
	queueDepth       prometheus.Gauge
}

// New creates a Metrics with its own registry, including the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		packetsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_processed_total",
			Help:      "Packets accepted by the detection engine.",
		}, []string{"type"}),
		packetsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_rejected_total",
			Help:      "Packets rejected as malformed.",
		}, []string{"reason"}),
		detections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "NORMAL to ALERTING transitions.",
		}, []string{"attack_type", "scope"}),
		recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "ALERTING to NORMAL transitions.",
		}, []string{"attack_type", "scope"}),
		capacityExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_exceeded_total",
			Help:      "Window records that overflowed window capacity.",
		}, []string{"type"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Detection events dropped because the dispatch queue was full or stopped.",
		}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Detection events handled by the response pipeline.",
		}, []string{"status"}),
		handlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Mitigation handler failures.",
		}, []string{"handler"}),
		directives: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_total",
			Help:      "Mitigation directives applied to sinks.",
		}, []string{"kind", "sink", "result"}),
		ingestRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_records_total",
			Help:      "Raw records seen at the ingest boundary.",
		}, []string{"result"}),
		trackers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trackers",
			Help:      "Live per-source trackers.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Per-source trackers evicted after the idle TTL.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Detection events waiting for the response pipeline.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) PacketProcessed(packetType string) {
	if m == nil {
		return
	}
	m.packetsProcessed.WithLabelValues(packetType).Inc()
}

func (m *Metrics) PacketRejected(reason string) {
	if m == nil {
		return
	}
	m.packetsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Detection(attackType, scope string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(attackType, scope).Inc()
}

func (m *Metrics) Recovery(attackType, scope string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(attackType, scope).Inc()
}

func (m *Metrics) CapacityExceeded(packetType string) {
	if m == nil {
		return
	}
	m.capacityExceeded.WithLabelValues(packetType).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) Response(status string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(status).Inc()
}

func (m *Metrics) HandlerError(handler string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(handler).Inc()
}

func (m *Metrics) Directive(kind, sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.directives.WithLabelValues(kind, sink, result).Inc()
}

func (m *Metrics) IngestRecord(result string) {
	if m == nil {
		return
	}
	m.ingestRecords.WithLabelValues(result).Inc()
}

func (m *Metrics) SetTrackers(n int) {
	if m == nil {
		return
	}
	m.trackers.Set(float64(n))
}

func (m *Metrics) Evicted(n int) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
