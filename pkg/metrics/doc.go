/*
Package metrics provides Prometheus metrics collection and exposition
for the scheduling core.

Metrics are defined and registered at package init using the
Prometheus client library, instrumenting cluster state (agents,
pending sessions), the Raft consensus group, the control-plane API,
and each of the scheduling tick's stages. Metrics are exposed via the
HTTP handler returned by Handler for scraping by a Prometheus server.

# Categories

	Cluster:     agents by scaling group/status, pending sessions by scaling group
	Raft:        leader status, applied index, apply duration
	API:         request count and duration by method
	Tick (C6):   per-stage duration, scheduled/rejected/unschedulable counts,
	             allocation commit failures, lock contention
	Termination (C7): batch duration, terminated-kernel outcome counts
	Agent RPC (C9):   per-method duration, circuit-breaker trips

# Usage

Timer wraps the common time-an-operation-then-observe pattern:

	timer := metrics.NewTimer()
	// ... do the work ...
	timer.ObserveDuration(metrics.RaftApplyDuration)

ObserveDurationVec does the same for a label-carrying histogram:

	timer.ObserveDurationVec(metrics.TickDuration, string(scalingGroup), "select")

# Dashboards

A few metrics are worth a panel on any operational dashboard for this
service:

  - sokovan_tick_duration_seconds, by stage: which stage of a tick is
    slow (snapshot build, prioritize, validate, select, commit).
  - sokovan_sessions_unschedulable_total: a sustained climb means the
    scaling group is out of capacity, not that the scheduler is broken.
  - sokovan_raft_is_leader: exactly one node per cluster should report 1.
  - sokovan_agent_rpc_circuit_open_total: an agent whose breaker keeps
    tripping is probably unreachable, not just slow.

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
