// Package metrics defines and registers every Prometheus metric the
// scheduler exposes, plus a small process health-status tracker used by the
// HTTP front-end's /health, /ready, and /live endpoints.
//
// The metric catalog follows the component breakdown of the system:
// handler/registry gauges, schedule-store and misfire counters, raft
// consensus and event-broker leadership gauges, API request counters and
// latency histograms, and the dispatch engine's per-attempt counters and
// queue-depth gauge. Timer is the shared ObserveDuration helper used at
// every call site that wraps a histogram observation around an operation:
//
//	timer := metrics.NewTimer()
//	err := dispatchOne(job)
//	timer.ObserveDurationVec(metrics.JobDispatchDuration, job.HandlerID)
//
// RegisterComponent/UpdateComponent feed the same in-memory HealthChecker
// GetHealth and GetReadiness read from; GetReadiness additionally gates on
// a fixed critical-component list (store, registry, api) so the front-end
// can refuse traffic before its dependencies are ready rather than serving
// requests that are certain to fail.
package metrics
