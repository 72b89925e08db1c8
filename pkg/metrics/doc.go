/*
Package metrics exposes Prometheus instrumentation and process health
for the engine.

Counters and histograms are package-level and registered in init, so
any package can instrument without wiring. Gauges that mirror stored
state (tasks by status, jobs by queue state) are sampled by the
Collector on a fixed interval rather than maintained incrementally,
which keeps them correct across restarts.

The health checker tracks per-component liveness; readiness requires
the store, the queue and the worker pool to have reported healthy.
*/
package metrics
