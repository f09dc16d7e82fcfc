package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aretw0/orchestra/pkg/arbitration"
	"github.com/aretw0/orchestra/pkg/artifact"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/lifecycle"
	"github.com/aretw0/orchestra/pkg/pool"
)

const namespace = "orchestra"

// Metrics is a Prometheus sink for orchestra telemetry. It owns its registry
// so several engines in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	workflows    *prometheus.CounterVec
	nodes        *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	running      prometheus.Gauge

	allocations *prometheus.CounterVec
	allocLat    prometheus.Histogram
	evictions   *prometheus.CounterVec
	resident    prometheus.Gauge

	queueDepth  *prometheus.GaugeVec
	resolutions *prometheus.CounterVec

	cleanups   prometheus.Counter
	demoted    prometheus.Counter
	reclaimed  prometheus.Counter
	bytesFreed prometheus.Counter
}

// NewMetrics creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_events_total",
			Help:      "Workflow lifecycle transitions by event type.",
		}, []string{"event"}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_events_total",
			Help:      "Node transitions by event type and error kind.",
		}, []string{"event", "kind"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Wall time of node execution including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"outcome"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_running",
			Help:      "Workflows currently scheduling nodes.",
		}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "allocations_total",
			Help:      "Resource allocations by cache outcome.",
		}, []string{"result"}),
		allocLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "allocation_seconds",
			Help:      "Time to obtain a ready handle.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Resources unloaded to make room.",
		}, []string{"spec"}),
		resident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "resident",
			Help:      "Handles holding a constructed resource.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arbitration",
			Name:      "queue_depth",
			Help:      "Requests waiting per resource class.",
		}, []string{"class"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbitration",
			Name:      "resolutions_total",
			Help:      "Arbitration answers per class and outcome.",
		}, []string{"class", "outcome"}),
		cleanups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "passes_total",
			Help:      "Artifact lifecycle passes run.",
		}),
		demoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "demoted_total",
			Help:      "Artifacts moved to a colder tier.",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "reclaimed_total",
			Help:      "Artifacts deleted.",
		}),
		bytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "bytes_freed_total",
			Help:      "Payload bytes released by reclamation.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.workflows, m.nodes, m.nodeDuration, m.running,
		m.allocations, m.allocLat, m.evictions, m.resident,
		m.queueDepth, m.resolutions,
		m.cleanups, m.demoted, m.reclaimed, m.bytesFreed,
	)
	return m
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Hooks returns lifecycle hooks that count transitions.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnWorkflow: m.observeWorkflow,
		OnNode:     m.observeNode,
	}
}

func (m *Metrics) observeWorkflow(_ context.Context, ev domain.Event) {
	m.workflows.WithLabelValues(string(ev.Type)).Inc()
	switch ev.Type {
	case domain.EventWorkflowStarted, domain.EventWorkflowResumed:
		m.running.Inc()
	case domain.EventWorkflowCompleted, domain.EventWorkflowFailed, domain.EventWorkflowPaused:
		m.running.Dec()
	case domain.EventWorkflowCancelled:
		// A Pending or Paused workflow is cancelled without ever running.
		if ev.Duration > 0 {
			m.running.Dec()
		}
	}
}

func (m *Metrics) observeNode(_ context.Context, ev domain.Event) {
	m.nodes.WithLabelValues(string(ev.Type), string(ev.Kind)).Inc()
	switch ev.Type {
	case domain.EventNodeCompleted, domain.EventNodeFailed:
		m.nodeDuration.WithLabelValues(string(ev.Type)).Observe(ev.Duration.Seconds())
	}
}

// ObserveAllocation implements pool.Metrics.
func (m *Metrics) ObserveAllocation(_ string, hit bool, d time.Duration) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.allocations.WithLabelValues(result).Inc()
	m.allocLat.Observe(d.Seconds())
}

// ObserveEviction implements pool.Metrics.
func (m *Metrics) ObserveEviction(spec string) {
	m.evictions.WithLabelValues(spec).Inc()
}

// ObserveResident implements pool.Metrics.
func (m *Metrics) ObserveResident(n int) {
	m.resident.Set(float64(n))
}

// ObserveQueue implements arbitration.Observer.
func (m *Metrics) ObserveQueue(class string, depth int) {
	m.queueDepth.WithLabelValues(class).Set(float64(depth))
}

// ObserveResolution implements arbitration.Observer.
func (m *Metrics) ObserveResolution(class string, outcome arbitration.Outcome) {
	m.resolutions.WithLabelValues(class, outcome.String()).Inc()
}

// ObserveCleanup records a lifecycle pass. Pass it to lifecycle.WithReportHook.
func (m *Metrics) ObserveCleanup(rep lifecycle.CleanupReport) {
	m.cleanups.Inc()
	m.demoted.Add(float64(rep.Demoted))
	m.reclaimed.Add(float64(rep.Reclaimed))
	m.bytesFreed.Add(float64(rep.BytesFreed))
}

// WatchPool exports the pool hit rate and latency percentiles as gauges.
func (m *Metrics) WatchPool(p *pool.Manager) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "hit_rate",
			Help:      "Fraction of allocations served by a resident handle.",
		}, func() float64 { return p.Stats().HitRate() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "allocation_p99_seconds",
			Help:      "99th percentile allocation latency.",
		}, func() float64 { return p.Stats().LatencyP99.Seconds() }),
	)
}

// WatchArtifacts exports per-tier artifact counts and bytes.
func (m *Metrics) WatchArtifacts(s *artifact.Store) {
	m.registry.MustRegister(&artifactCollector{store: s})
}

var (
	artifactCountDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "artifacts", "count"),
		"Artifacts stored per tier.", []string{"tier"}, nil)
	artifactBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "artifacts", "bytes"),
		"Payload bytes stored per tier.", []string{"tier"}, nil)
)

type artifactCollector struct {
	store *artifact.Store
}

func (c *artifactCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- artifactCountDesc
	ch <- artifactBytesDesc
}

func (c *artifactCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.store.Stats()
	for _, t := range []domain.Tier{domain.TierHot, domain.TierWarm, domain.TierCold} {
		ch <- prometheus.MustNewConstMetric(artifactCountDesc, prometheus.GaugeValue, float64(st.Count[t]), t.String())
		ch <- prometheus.MustNewConstMetric(artifactBytesDesc, prometheus.GaugeValue, float64(st.Bytes[t]), t.String())
	}
}
