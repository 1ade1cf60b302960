// Package gate applies routing decisions to live HTTP requests.
//
// The engine in package routing only decides; a [Gate] turns each
// [routing.Decision] into an action on the request: forward it, forward a
// rewritten copy, redirect the client, or forward a copy carrying identity
// headers for the upstream.
//
// Identity headers are trusted by the upstream, so the gate strips any
// inbound copies before evaluating. Each request is evaluated once; a tenant
// rewrite is forwarded as decided, and the application behind the rewritten
// path owns any authorization for it.
//
// The gate reads its config through a [Source] on every request, which lets
// a hot-reloaded config take effect without rebuilding the handler chain.
package gate
