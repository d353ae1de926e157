// Package observability centralizes the runtime's Prometheus metrics.
//
// One Metrics value is created at startup and threaded through the
// components; every record method tolerates a nil receiver so tests can
// pass nil instead of wiring a registry.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the runtime's operational signals:
//   - capacity pool admission (active, waiters, wait time, rejections)
//   - turn outcomes, iteration counts, and durations
//   - job lifecycle transitions
//   - sandbox pool churn (created, reaped, invalidated)
//   - subagent fan-out outcomes and retry behavior
//   - LLM and tool call volume and latency
//   - event-store appends and head conflicts
type Metrics struct {
	PoolActive     *prometheus.GaugeVec
	PoolWaiters    *prometheus.GaugeVec
	PoolWaitTime   *prometheus.HistogramVec
	PoolRejections *prometheus.CounterVec

	TurnsTotal     *prometheus.CounterVec
	TurnIterations prometheus.Histogram
	TurnDuration   prometheus.Histogram

	JobTransitions *prometheus.CounterVec
	JobsRunning    prometheus.Gauge

	SandboxesActive     prometheus.Gauge
	SandboxesCreated    prometheus.Counter
	SandboxesReaped     prometheus.Counter
	SandboxesInvalid    prometheus.Counter
	SandboxExecDuration prometheus.Histogram

	SubagentTasks     *prometheus.CounterVec
	SubagentRetries   prometheus.Counter
	SubagentRecovered prometheus.Counter
	FanoutDuration    prometheus.Histogram

	LLMRequests *prometheus.CounterVec
	LLMDuration *prometheus.HistogramVec

	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec

	EventAppends  *prometheus.CounterVec
	HeadConflicts prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide Metrics registered on the default
// Prometheus registry. Safe for concurrent use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewForTesting returns Metrics bound to a throwaway registry.
func NewForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}

// New creates and registers all metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PoolActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loom_pool_active",
			Help: "Leases currently held per capacity pool",
		}, []string{"pool"}),
		PoolWaiters: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loom_pool_waiters",
			Help: "Callers currently queued per capacity pool",
		}, []string{"pool"}),
		PoolWaitTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_pool_wait_seconds",
			Help:    "Time spent waiting for a capacity lease",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"pool"}),
		PoolRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_pool_rejections_total",
			Help: "Admissions refused because the pool queue was full",
		}, []string{"pool"}),

		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_turns_total",
			Help: "Completed turns by outcome",
		}, []string{"outcome"}),
		TurnIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_turn_iterations",
			Help:    "Tool-loop iterations per turn",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_turn_duration_seconds",
			Help:    "Wall time per turn",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 180, 600},
		}),

		JobTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_job_transitions_total",
			Help: "Chat turn job lifecycle transitions by target status",
		}, []string{"status"}),
		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_jobs_running",
			Help: "Jobs currently in the running state",
		}),

		SandboxesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_sandboxes_active",
			Help: "Sandboxes currently held in the pool",
		}),
		SandboxesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_sandboxes_created_total",
			Help: "Sandboxes started",
		}),
		SandboxesReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_sandboxes_reaped_total",
			Help: "Sandboxes removed by the idle reaper",
		}),
		SandboxesInvalid: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_sandboxes_invalidated_total",
			Help: "Sandboxes torn down after a fatal execution error",
		}),
		SandboxExecDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_sandbox_exec_duration_seconds",
			Help:    "Python execution wall time in the sandbox",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120, 300},
		}),

		SubagentTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_subagent_tasks_total",
			Help: "Subagent tasks by terminal status",
		}, []string{"status"}),
		SubagentRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_subagent_retries_total",
			Help: "Subagent task retry attempts",
		}),
		SubagentRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_subagent_recovered_total",
			Help: "Subagent tasks recovered by a synthesis-only retry",
		}),
		FanoutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_fanout_duration_seconds",
			Help:    "Wall time of a full subagent fan-out",
			Buckets: []float64{1, 5, 15, 60, 180, 600, 1800},
		}),

		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_llm_requests_total",
			Help: "LLM completions by provider and status",
		}, []string{"provider", "status"}),
		LLMDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_llm_request_duration_seconds",
			Help:    "LLM completion latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_calls_total",
			Help: "Tool dispatches by tool name and status",
		}, []string{"tool", "status"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_tool_duration_seconds",
			Help:    "Tool execution latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 120},
		}, []string{"tool"}),

		EventAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_event_appends_total",
			Help: "Events appended to the timeline by type",
		}, []string{"type"}),
		HeadConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_head_conflicts_total",
			Help: "Optimistic head-advance conflicts",
		}),
	}
}

// RecordPoolWait observes a successful lease acquisition.
func (m *Metrics) RecordPoolWait(pool string, wait time.Duration) {
	if m == nil {
		return
	}
	m.PoolWaitTime.WithLabelValues(pool).Observe(wait.Seconds())
}

// RecordPoolRejection counts a queue-full rejection.
func (m *Metrics) RecordPoolRejection(pool string) {
	if m == nil {
		return
	}
	m.PoolRejections.WithLabelValues(pool).Inc()
}

// SetPoolGauges updates the active and waiting gauges for a pool.
func (m *Metrics) SetPoolGauges(pool string, active, waiters int) {
	if m == nil {
		return
	}
	m.PoolActive.WithLabelValues(pool).Set(float64(active))
	m.PoolWaiters.WithLabelValues(pool).Set(float64(waiters))
}

// RecordTurn observes a finished turn.
func (m *Metrics) RecordTurn(outcome string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnIterations.Observe(float64(iterations))
	m.TurnDuration.Observe(d.Seconds())
}

// RecordJobTransition counts a job reaching a status; running also moves
// the running gauge.
func (m *Metrics) RecordJobTransition(status string) {
	if m == nil {
		return
	}
	m.JobTransitions.WithLabelValues(status).Inc()
	// Cancellation only happens from queued, so it never moves the
	// running gauge.
	switch status {
	case "running":
		m.JobsRunning.Inc()
	case "completed", "failed":
		m.JobsRunning.Dec()
	}
}

// SandboxCreated counts a sandbox start and moves the active gauge.
func (m *Metrics) SandboxCreated() {
	if m == nil {
		return
	}
	m.SandboxesCreated.Inc()
	m.SandboxesActive.Inc()
}

// SandboxRemoved moves the active gauge and attributes the removal.
func (m *Metrics) SandboxRemoved(reason string) {
	if m == nil {
		return
	}
	m.SandboxesActive.Dec()
	switch reason {
	case "idle":
		m.SandboxesReaped.Inc()
	case "fatal", "exec_error":
		m.SandboxesInvalid.Inc()
	}
}

// RecordSandboxExec observes one sandbox execution.
func (m *Metrics) RecordSandboxExec(d time.Duration) {
	if m == nil {
		return
	}
	m.SandboxExecDuration.Observe(d.Seconds())
}

// RecordSubagentTask counts a task terminal status.
func (m *Metrics) RecordSubagentTask(status string) {
	if m == nil {
		return
	}
	m.SubagentTasks.WithLabelValues(status).Inc()
}

// RecordSubagentRetry counts one retry attempt, flagging recoveries.
func (m *Metrics) RecordSubagentRetry(recovered bool) {
	if m == nil {
		return
	}
	m.SubagentRetries.Inc()
	if recovered {
		m.SubagentRecovered.Inc()
	}
}

// RecordFanout observes a completed fan-out.
func (m *Metrics) RecordFanout(d time.Duration) {
	if m == nil {
		return
	}
	m.FanoutDuration.Observe(d.Seconds())
}

// RecordLLMRequest observes one LLM completion.
func (m *Metrics) RecordLLMRequest(provider, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(provider, status).Inc()
	m.LLMDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordToolCall observes one tool dispatch.
func (m *Metrics) RecordToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordEventAppend counts a timeline append by event type.
func (m *Metrics) RecordEventAppend(eventType string) {
	if m == nil {
		return
	}
	m.EventAppends.WithLabelValues(eventType).Inc()
}

// RecordHeadConflict counts an optimistic-concurrency conflict.
func (m *Metrics) RecordHeadConflict() {
	if m == nil {
		return
	}
	m.HeadConflicts.Inc()
}
