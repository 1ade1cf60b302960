// Package httpmw provides HTTP middleware for the gateway listener.
//
// httpserver.NewHandler composes it outermost first: security header
// defaults, panic recovery, request ID, client IP extraction, rate
// limiting, OTEL tracing, trace response headers, metrics, and the
// request-scoped logger. Inside the chi router come compression, route
// annotation, the access log, and the body limit; the router's NotFound
// handler is the gate in front of the upstream proxy.
//
// Request query strings, cookies, and user agents are kept out of logs
// since session tokens and tenant data travel in them.
package httpmw
