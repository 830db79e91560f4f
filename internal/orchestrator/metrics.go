package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the scheduler's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	nodesStarted   prometheus.Counter
	nodesFinished  *prometheus.CounterVec
	approvals      *prometheus.CounterVec
	conflicts      prometheus.Counter
	artifacts      *prometheus.CounterVec
	ticks          prometheus.Counter
	tickErrors     prometheus.Counter
	tickDuration   prometheus.Histogram
	eventsDropped  prometheus.Counter
	runningNodes   prometheus.Gauge
	activeSessions prometheus.Gauge
	paused         prometheus.Gauge
	pausedSeconds  prometheus.Counter
}

// NewMetrics creates collectors on a fresh registry that also carries the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		nodesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orcha", Name: "nodes_started_total",
			Help: "Nodes dispatched to a runner, including re-dispatches after recovery.",
		}),
		nodesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orcha", Name: "nodes_finished_total",
			Help: "Nodes that left the running state, by resulting state.",
		}, []string{"state"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orcha", Name: "approvals_total",
			Help: "Recorded approval decisions.",
		}, []string{"decision"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orcha", Name: "approval_conflicts_total",
			Help: "Decisions that contradicted a recorded decision.",
		}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orcha", Name: "artifacts_created_total",
			Help: "Artifacts persisted, by kind.",
		}, []string{"kind"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orcha", Name: "ticks_total",
			Help: "Scheduler ticks run.",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orcha", Name: "tick_errors_total",
			Help: "Scheduler ticks that failed.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orcha", Name: "tick_duration_seconds",
			Help:    "Wall time of a scheduler tick.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orcha", Name: "events_dropped_total",
			Help: "Events dropped because a subscriber was full.",
		}),
		runningNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orcha", Name: "running_nodes",
			Help: "Nodes with a live runner execution.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orcha", Name: "active_sessions",
			Help: "Sessions that are not yet terminal.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orcha", Subsystem: "scheduler", Name: "paused",
			Help: "1 while the scheduler loop is paused.",
		}),
		pausedSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orcha", Subsystem: "scheduler", Name: "paused_seconds_total",
			Help: "Time the scheduler loop spent paused.",
		}),
	}
	reg.MustRegister(
		m.nodesStarted, m.nodesFinished, m.approvals, m.conflicts, m.artifacts,
		m.ticks, m.tickErrors, m.tickDuration, m.eventsDropped,
		m.runningNodes, m.activeSessions, m.paused, m.pausedSeconds,
	)
	return m
}

// Registry returns the registry to expose over HTTP.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) nodeStarted() {
	if m != nil {
		m.nodesStarted.Inc()
	}
}

func (m *Metrics) nodeFinished(state string) {
	if m != nil {
		m.nodesFinished.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) approval(decision bool) {
	if m == nil {
		return
	}
	label := "reject"
	if decision {
		label = "approve"
	}
	m.approvals.WithLabelValues(label).Inc()
}

func (m *Metrics) conflict() {
	if m != nil {
		m.conflicts.Inc()
	}
}

func (m *Metrics) artifactCreated(kind string) {
	if m != nil {
		m.artifacts.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) tick(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
	if err != nil {
		m.tickErrors.Inc()
	}
}

func (m *Metrics) eventDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}

func (m *Metrics) setGauges(running, active int) {
	if m == nil {
		return
	}
	m.runningNodes.Set(float64(running))
	m.activeSessions.Set(float64(active))
}

// setPaused records a pause transition. held is how long the pause that
// just ended lasted.
func (m *Metrics) setPaused(paused bool, held time.Duration) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
	m.pausedSeconds.Add(held.Seconds())
}
