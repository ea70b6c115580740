package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Classification metrics
	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_classifications_total",
			Help: "Total number of workflow classifications",
		},
		[]string{"category", "confidence"},
	)

	ClassificationFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_classification_fallbacks_total",
			Help: "Classifications that fell back to the default decision",
		},
		[]string{"reason"},
	)

	ClassificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shannon_classification_duration_seconds",
			Help:    "Time spent classifying a request",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_agent_executions_total",
			Help: "Total number of agent executions",
		},
		[]string{"agent_id", "status"},
	)

	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shannon_agent_execution_duration_ms",
			Help:    "Agent execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000, 120000},
		},
		[]string{"agent_id"},
	)

	AgentSuccessRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shannon_agent_success_rate",
			Help: "Exponential moving average of agent success",
		},
		[]string{"agent_id"},
	)

	AgentAvgLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shannon_agent_avg_latency_ms",
			Help: "Exponential moving average of agent latency in milliseconds",
		},
		[]string{"agent_id"},
	)

	// Collaboration metrics
	CollaborationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_collaboration_runs_total",
			Help: "Total number of collaboration runs by strategy",
		},
		[]string{"strategy", "status"},
	)

	CollaborationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shannon_collaboration_duration_seconds",
			Help:    "Collaboration run duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"strategy"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_sessions_created_total",
			Help: "Total number of sessions created",
		},
		[]string{"type"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shannon_sessions_active",
			Help: "Number of sessions held in the local cache",
		},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_session_transitions_total",
			Help: "Session state transitions",
		},
		[]string{"from", "to"},
	)

	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shannon_sessions_expired_total",
			Help: "Long-running sessions force-completed after expiry",
		},
	)

	SessionsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shannon_sessions_purged_total",
			Help: "Sessions removed by the retention sweep",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shannon_session_cache_hits_total",
			Help: "Total number of session cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shannon_session_cache_misses_total",
			Help: "Total number of session cache misses",
		},
	)

	CheckpointsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_checkpoints_created_total",
			Help: "Checkpoints written by trigger",
		},
		[]string{"trigger"},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_persistence_failures_total",
			Help: "Durable store operations that failed",
		},
		[]string{"operation"},
	)

	CorruptRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shannon_corrupt_records_total",
			Help: "Durable records skipped because they could not be decoded",
		},
	)

	// Autonomous task metrics
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shannon_tasks_submitted_total",
			Help: "Total number of autonomous tasks submitted",
		},
	)

	TasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shannon_tasks_active",
			Help: "Autonomous tasks in a non-terminal state",
		},
	)

	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_task_transitions_total",
			Help: "Autonomous task state transitions",
		},
		[]string{"to"},
	)

	TaskAdaptations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_task_adaptations_total",
			Help: "Supervisor adaptations by kind",
		},
		[]string{"kind"},
	)

	RecoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_task_recovery_attempts_total",
			Help: "Auto-recovery attempts by attempt number",
		},
		[]string{"attempt"},
	)

	SupervisorTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shannon_supervisor_tick_duration_seconds",
			Help:    "Duration of one supervisor tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Language model metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shannon_llm_requests_total",
			Help: "Language model requests by provider and status",
		},
		[]string{"provider", "model", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shannon_llm_latency_seconds",
			Help:    "Language model request latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)
)

// RecordAgentMetrics records metrics for an agent execution
func RecordAgentMetrics(agentID string, success bool, durationMs float64) {
	status := "success"
	if !success {
		status = "error"
	}
	AgentExecutions.WithLabelValues(agentID, status).Inc()
	AgentExecutionDuration.WithLabelValues(agentID).Observe(durationMs)
}

// RecordCollaboration records a finished collaboration run
func RecordCollaboration(strategy string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	CollaborationRuns.WithLabelValues(strategy, status).Inc()
	CollaborationDuration.WithLabelValues(strategy).Observe(durationSeconds)
}

// RecordLLMRequest records a provider call
func RecordLLMRequest(provider, model string, err error, durationSeconds float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	LLMRequests.WithLabelValues(provider, model, status).Inc()
	LLMLatency.WithLabelValues(provider).Observe(durationSeconds)
}
