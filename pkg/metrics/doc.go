// Package metrics exposes the engine's Prometheus metrics (scan
// lifecycle, event bus throughput, plug-in invocation outcomes, queue
// depth and rejections, retry/DLQ counts, error telemetry, and
// coordinator/Raft state) plus a small HTTP health/readiness/liveness
// surface for process supervision. Metrics are registered at package
// init and served by Handler(); health state is reported through
// RegisterComponent/UpdateComponent and exposed via HealthHandler,
// ReadyHandler, and LivenessHandler.
package metrics
