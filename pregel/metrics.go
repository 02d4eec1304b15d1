package pregel

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus-backed observability surface for Engine
// execution, adapted from the teacher's PrometheusMetrics
// (graph/metrics.go) to the Pregel vocabulary: nodes become actors, and two
// metrics (an interrupts counter and a checkpoint-write latency histogram)
// are added since this
// engine's superstep loop has no teacher equivalent for them.
//
// Metrics (namespace "pregel"):
//   - inflight_tasks (gauge): actors executing concurrently right now.
//   - queue_depth (gauge): tasks waiting in the frontier.
//   - step_latency_ms (histogram): superstep duration.
//   - retries_total (counter): actor retry attempts.
//   - backpressure_events_total (counter): frontier saturation events.
//   - interrupts_total (counter): GraphInterrupt suspensions.
//   - checkpoint_write_latency_ms (histogram): checkpointer.Put duration.
type Metrics struct {
	inflightTasks *prometheus.GaugeVec
	queueDepth    *prometheus.GaugeVec

	stepLatency       *prometheus.HistogramVec
	checkpointLatency *prometheus.HistogramVec

	retries      *prometheus.CounterVec
	backpressure *prometheus.CounterVec
	interrupts   *prometheus.CounterVec

	registry prometheus.Registerer
	mu       sync.RWMutex
	enabled  bool
}

// NewMetrics registers all engine metrics with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	m := &Metrics{registry: registry, enabled: true}

	m.inflightTasks = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pregel", Name: "inflight_tasks",
		Help: "Actors currently executing within the active superstep",
	}, []string{"thread_id"})

	m.queueDepth = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pregel", Name: "queue_depth",
		Help: "Tasks waiting in the scheduler frontier",
	}, []string{"thread_id"})

	m.stepLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pregel", Name: "step_latency_ms",
		Help:    "Superstep duration in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"thread_id", "status"})

	m.checkpointLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pregel", Name: "checkpoint_write_latency_ms",
		Help:    "Checkpointer Put duration in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
	}, []string{"thread_id"})

	m.retries = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pregel", Name: "retries_total",
		Help: "Cumulative actor retry attempts",
	}, []string{"thread_id", "actor_id", "reason"})

	m.backpressure = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pregel", Name: "backpressure_events_total",
		Help: "Frontier saturation events",
	}, []string{"thread_id", "reason"})

	m.interrupts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pregel", Name: "interrupts_total",
		Help: "GraphInterrupt suspensions",
	}, []string{"thread_id", "actor_id"})

	return m
}

func (m *Metrics) RecordStepLatency(threadID string, latency time.Duration, status string) {
	if !m.enabled {
		return
	}
	m.stepLatency.WithLabelValues(threadID, status).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) RecordCheckpointLatency(threadID string, latency time.Duration) {
	if !m.enabled {
		return
	}
	m.checkpointLatency.WithLabelValues(threadID).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) IncrementRetries(threadID, actorID, reason string) {
	if !m.enabled {
		return
	}
	m.retries.WithLabelValues(threadID, actorID, reason).Inc()
}

func (m *Metrics) UpdateQueueDepth(threadID string, depth int) {
	if !m.enabled {
		return
	}
	m.queueDepth.WithLabelValues(threadID).Set(float64(depth))
}

func (m *Metrics) UpdateInflightTasks(threadID string, count int) {
	if !m.enabled {
		return
	}
	m.inflightTasks.WithLabelValues(threadID).Set(float64(count))
}

func (m *Metrics) IncrementBackpressure(threadID, reason string) {
	if !m.enabled {
		return
	}
	m.backpressure.WithLabelValues(threadID, reason).Inc()
}

func (m *Metrics) IncrementInterrupts(threadID, actorID string) {
	if !m.enabled {
		return
	}
	m.interrupts.WithLabelValues(threadID, actorID).Inc()
}

func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
