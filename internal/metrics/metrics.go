// Package metrics holds the Prometheus collectors of the calendar engine.
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "groupcal"

// Metrics groups every collector exported by the engine.
type Metrics struct {
	registry *prometheus.Registry

	refreshes          *prometheus.CounterVec
	refreshDuration    prometheus.Histogram
	snapshotEvents     prometheus.Gauge
	snapshotGeneration prometheus.Gauge
	mutations          *prometheus.CounterVec
	decodeDegradations prometheus.Counter
	readDegradations   prometheus.Counter
	directoryMisses    prometheus.Counter
	subscribers        prometheus.Gauge
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Aggregation passes by result.",
		}, []string{"result"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of aggregation passes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		snapshotEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_events",
			Help:      "Number of events in the published snapshot.",
		}),
		snapshotGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_generation",
			Help:      "Generation number of the published snapshot.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Create and delete operations by kind and result.",
		}, []string{"kind", "result"}),
		decodeDegradations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_degradations_total",
			Help:      "Group payloads that failed to decode and were treated as empty.",
		}),
		readDegradations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_degradations_total",
			Help:      "Group reads that failed in the backend and were treated as empty.",
		}),
		directoryMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_misses_total",
			Help:      "Group name lookups the directory could not answer.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Active snapshot subscribers.",
		}),
	}

	reg.MustRegister(
		m.refreshes,
		m.refreshDuration,
		m.snapshotEvents,
		m.snapshotGeneration,
		m.mutations,
		m.decodeDegradations,
		m.readDegradations,
		m.directoryMisses,
		m.subscribers,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRefresh(d time.Duration, events int, generation uint64, err error) {
	if m == nil {
		return
	}
	m.refreshDuration.Observe(d.Seconds())
	if err != nil {
		m.refreshes.WithLabelValues("error").Inc()
		return
	}
	m.refreshes.WithLabelValues("ok").Inc()
	m.snapshotEvents.Set(float64(events))
	m.snapshotGeneration.Set(float64(generation))
}

func (m *Metrics) ObserveMutation(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mutations.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) DecodeDegraded() {
	if m == nil {
		return
	}
	m.decodeDegradations.Inc()
}

func (m *Metrics) ReadDegraded() {
	if m == nil {
		return
	}
	m.readDegradations.Inc()
}

func (m *Metrics) DirectoryMiss() {
	if m == nil {
		return
	}
	m.directoryMisses.Inc()
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}
