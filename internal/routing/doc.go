// Package routing decides what happens to a single inbound request.
//
// Evaluation is linear: classify the path against the public prefixes,
// resolve a tenant from the Host header when multitenancy is on, read the
// roles claim from the session token when RBAC is on, and compose one
// [Decision]. Every function here is pure; nothing is cached between
// requests and nothing blocks, so a [Config] can be shared by any number of
// goroutines.
//
// Session tokens are decoded, never verified. The roles claim is read from
// the payload segment as-is and must only be used for routing hints that a
// downstream service re-checks. Adding verification here would change which
// requests get redirected to the login page.
package routing
