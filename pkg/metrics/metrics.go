// Package metrics exposes the scheduling core's Prometheus metrics,
// keeping Warren's MustRegister-in-init + Timer/ObserveDuration
// pattern (_examples/cuemby-warren/pkg/metrics/metrics.go) but
// retargeted from Warren's node/service/container/ingress/deployment
// metrics to the scheduling tick's own concerns: pending queue depth,
// per-stage latency, allocator commit outcomes, termination fan-out
// results, and lock contention.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster state
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sokovan_agents_total",
			Help: "Total number of agents by scaling group and status",
		},
		[]string{"scaling_group", "status"},
	)

	PendingSessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sokovan_pending_sessions_total",
			Help: "Number of sessions awaiting scheduling by scaling group",
		},
		[]string{"scaling_group"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sokovan_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sokovan_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sokovan_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_api_requests_total",
			Help: "Total number of control-plane API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sokovan_api_request_duration_seconds",
			Help:    "Control-plane API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Scheduling tick metrics (C6)
	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sokovan_tick_duration_seconds",
			Help:    "Time taken to run one scheduling tick for a scaling group, by stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scaling_group", "stage"},
	)

	SessionsScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_sessions_scheduled_total",
			Help: "Total number of sessions successfully allocated and committed",
		},
		[]string{"scaling_group"},
	)

	SessionsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_sessions_rejected_total",
			Help: "Total number of sessions rejected by the validator, by reason code",
		},
		[]string{"scaling_group", "code"},
	)

	SessionsUnschedulableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_sessions_unschedulable_total",
			Help: "Total number of sessions the selector could not place this tick",
		},
		[]string{"scaling_group"},
	)

	AllocationCommitFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_allocation_commit_failures_total",
			Help: "Total number of allocation batches that failed to commit",
		},
		[]string{"scaling_group"},
	)

	LockContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_lock_contention_total",
			Help: "Total number of times a scheduling tick could not acquire its lock",
		},
		[]string{"scaling_group"},
	)

	InferenceSpreadingPrechecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_inference_spreading_prechecks_total",
			Help: "Total number of admitted inference replica sessions checked against endpoint-replica spreading",
		},
		[]string{"scaling_group"},
	)

	// Termination controller metrics (C7)
	TerminationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sokovan_termination_duration_seconds",
			Help:    "Time taken for one termination batch's RPC fan-out to complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	KernelsTerminatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_kernels_terminated_total",
			Help: "Total number of kernel termination RPCs, by outcome",
		},
		[]string{"outcome"},
	)

	// Agent RPC pool metrics (C9)
	AgentRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sokovan_agent_rpc_duration_seconds",
			Help:    "Agent RPC duration in seconds, by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	AgentRPCCircuitOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_agent_rpc_circuit_open_total",
			Help: "Total number of times an agent's circuit breaker tripped open",
		},
		[]string{"agent_id"},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(PendingSessionsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)

	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(SessionsScheduledTotal)
	prometheus.MustRegister(SessionsRejectedTotal)
	prometheus.MustRegister(SessionsUnschedulableTotal)
	prometheus.MustRegister(AllocationCommitFailuresTotal)
	prometheus.MustRegister(LockContentionTotal)
	prometheus.MustRegister(InferenceSpreadingPrechecksTotal)

	prometheus.MustRegister(TerminationDuration)
	prometheus.MustRegister(KernelsTerminatedTotal)

	prometheus.MustRegister(AgentRPCDuration)
	prometheus.MustRegister(AgentRPCCircuitOpenTotal)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and reports it to a histogram on Observe.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
