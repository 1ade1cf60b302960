// Package ratelimit provides per-client rate limiting with background
// eviction of stale entries and a cap on tracked clients.
//
// It is a single-instance, in-memory limiter for basic abuse prevention in
// front of the upstream. It does not protect against distributed attacks or
// traffic that stays under the limit; use an upstream WAF or CDN for those.
package ratelimit
