// Package metrics exposes the Prometheus collectors shared by the tgagent
// core: aggregation windows, reply-context lookups, routing outcomes, tracked
// tasks and isolated executions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tgagent"

// Metrics groups every collector used by the core. A nil *Metrics is valid
// and turns every method into a no-op, so components can be built without
// a registry in tests.
type Metrics struct {
	windowsActive  prometheus.Gauge
	flushes        *prometheus.CounterVec
	flushedEvents  prometheus.Histogram
	replyLookups   *prometheus.CounterVec
	replyEntries   prometheus.Gauge
	routed         *prometheus.CounterVec
	unhandled      prometheus.Counter
	tasksActive    prometheus.Gauge
	tasksFinished  *prometheus.CounterVec
	tasksAbandoned prometheus.Counter
	execDuration   *prometheus.HistogramVec
	execFailures   *prometheus.CounterVec
}

// MustNew constructs Metrics registered on reg. Registration errors other
// than AlreadyRegistered panic, surfacing wiring bugs early.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		windowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "windows_active",
			Help: "Number of aggregation windows currently collecting events.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "flushes_total",
			Help: "Aggregation windows closed, by outcome (quiet, command, explicit, full, stop, cancelled).",
		}, []string{"reason"}),
		flushedEvents: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "submission_events",
			Help:    "Number of events per combined submission.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 50},
		}),
		replyLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replyctx", Name: "lookups_total",
			Help: "Reply-context lookups by result (hit, miss, expired, synthesized).",
		}, []string{"result"}),
		replyEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "replyctx", Name: "entries",
			Help: "Entries currently held by the reply-context cache.",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "submissions_total",
			Help: "Combined submissions dispatched, by route.",
		}, []string{"route"}),
		unhandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "unhandled_submissions_total",
			Help: "Combined submissions no handler matched.",
		}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "tasks_active",
			Help: "Tracked tasks currently running.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "tasks_finished_total",
			Help: "Tracked tasks finished, by status (ok, error, panic, cancelled).",
		}, []string{"status"}),
		tasksAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "tasks_abandoned_total",
			Help: "Tracked tasks still running when the shutdown grace period expired.",
		}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "isolator", Name: "execution_duration_seconds",
			Help:    "Duration of isolated executions, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		execFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "isolator", Name: "failures_total",
			Help: "Isolated executions that failed, by operation and failure kind.",
		}, []string{"op", "kind"}),
	}

	m.windowsActive = register(reg, m.windowsActive)
	m.flushes = register(reg, m.flushes)
	m.flushedEvents = register(reg, m.flushedEvents)
	m.replyLookups = register(reg, m.replyLookups)
	m.replyEntries = register(reg, m.replyEntries)
	m.routed = register(reg, m.routed)
	m.unhandled = register(reg, m.unhandled)
	m.tasksActive = register(reg, m.tasksActive)
	m.tasksFinished = register(reg, m.tasksFinished)
	m.tasksAbandoned = register(reg, m.tasksAbandoned)
	m.execDuration = register(reg, m.execDuration)
	m.execFailures = register(reg, m.execFailures)
	return m
}

// register adds c to reg, reusing an already registered collector of the
// same type.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// WindowOpened records a new aggregation window.
func (m *Metrics) WindowOpened() {
	if m == nil {
		return
	}
	m.windowsActive.Inc()
}

// WindowClosed records a closed window and, for flushes, its size.
func (m *Metrics) WindowClosed(reason string, events int) {
	if m == nil {
		return
	}
	m.windowsActive.Dec()
	m.flushes.WithLabelValues(reason).Inc()
	if events > 0 {
		m.flushedEvents.Observe(float64(events))
	}
}

// ReplyLookup records the outcome of a reply-context lookup.
func (m *Metrics) ReplyLookup(result string) {
	if m == nil {
		return
	}
	m.replyLookups.WithLabelValues(result).Inc()
}

// ReplyEntries sets the current cache size.
func (m *Metrics) ReplyEntries(n int) {
	if m == nil {
		return
	}
	m.replyEntries.Set(float64(n))
}

// Routed records a dispatched submission.
func (m *Metrics) Routed(route string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(route).Inc()
}

// Unhandled records a submission with no matching handler.
func (m *Metrics) Unhandled() {
	if m == nil {
		return
	}
	m.unhandled.Inc()
}

// TaskStarted records a newly spawned tracked task.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

// TaskFinished records a finished tracked task.
func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
	m.tasksFinished.WithLabelValues(status).Inc()
}

// TasksAbandoned records stragglers left after shutdown.
func (m *Metrics) TasksAbandoned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tasksAbandoned.Add(float64(n))
}

// Execution records an isolated execution; kind is empty on success.
func (m *Metrics) Execution(op, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.execDuration.WithLabelValues(op).Observe(seconds)
	if kind != "" {
		m.execFailures.WithLabelValues(op, kind).Inc()
	}
}
