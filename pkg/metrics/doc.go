// Package metrics provides Prometheus metrics and health checking for the
// controller engine.
//
// All metrics are registered on the default registry at init time and
// exposed through Handler(). The Collector periodically scans the resource
// store to publish fleet gauges, including the above-SLA counts derived
// from each kind's static SLA table; per-invocation metrics (outcomes,
// durations, panics, conflicts) are written inline by the controller.
//
// The health checker tracks named components ("store", "queue", "api",
// one per controller) and serves liveness and readiness verdicts for
// orchestration probes.
package metrics
