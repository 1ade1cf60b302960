// Package routecfg builds the routing.Config the gate evaluates against.
//
// A config comes either from command line flags (FromApp) or from a YAML
// document kept in a local file, an S3 object or an SSM parameter (Load).
// Document keys can be overridden from the environment with the
// TENANTGATE_ROUTES_ prefix, e.g. TENANTGATE_ROUTES_PUBLIC_ROUTES=/login,/api.
//
// The active config lives in a Manager and is swapped atomically. A Watcher
// polls the source and swaps in new documents once they parse and validate,
// so in-flight requests always see one complete config.
package routecfg
