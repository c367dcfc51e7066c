/*
Package metrics provides Prometheus metrics for both Foundry services.

All collectors are package-level variables registered in init and
served by Handler on each service's /metrics endpoint. Deploy-side
metrics cover build outcomes, event appends, webhook deliveries and
provider uploads; observability-side metrics cover evaluator ticks,
notifications, cooldown suppressions and telemetry ingest volume.
*/
package metrics
