// Package server is quartz's front door: the TCP accept loop, the
// per-connection RESP tokenizer driving, and the command executor with its
// gates and instrumentation.
//
// Commands execute in arrival order per connection. Each one passes the auth
// gate (NOAUTH until authenticated, implicit admin without a configured
// password), the loading gate (only AUTH while a restore is in flight), the
// arity and parse checks, and the read-only gate on slaves, before the
// command body runs against the storage engine.
//
// Every execution is instrumented: per-command call and latency counters
// (exact counts plus VictoriaMetrics series), a slowlog for executions over
// the configured threshold, sampled perf contexts per the profiling policy,
// and the monitor feed.
//
// The executor holds no state across invocations; everything per-client
// (namespace, role, flags, current command) lives on the Connection.
package server
