// Package health provides composable health check probes and the HTTP
// handlers serving them on the ops listener.
//
// Probes combine with [All] (AND) and [Fixed] (static).
// [CheckFunc] adapts a plain function into a [Probe]; [Timeout] bounds a
// slow one.
//
// [ShutdownGate] coordinates graceful shutdown: once set, readiness fails
// immediately so load balancers stop routing to the gateway before
// in-flight requests drain.
package health
