package httpmw

import "net/http"

// Middleware wraps a handler.
type Middleware = func(http.Handler) http.Handler

// Chain wraps h so mws[0] sees the request first. Nil entries are skipped
// so optional layers can be passed unset.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := range mws {
		if mw := mws[len(mws)-1-i]; mw != nil {
			h = mw(h)
		}
	}
	return h
}
