package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// TraceResponseHeaders echoes the gateway's trace and span IDs on the
// response, replacing any the upstream returned so clients always see the
// root of the trace.
func TraceResponseHeaders(traceHeader, spanHeader string) func(http.Handler) http.Handler {
	if traceHeader == "" {
		traceHeader = "X-Trace-Id"
	}
	if spanHeader == "" {
		spanHeader = "X-Span-Id"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := trace.SpanFromContext(r.Context()).SpanContext()
			if !sc.IsValid() {
				next.ServeHTTP(w, r)
				return
			}
			hw := &beforeHeaderWriter{ResponseWriter: w, hook: func(h http.Header) {
				h.Set(traceHeader, sc.TraceID().String())
				h.Set(spanHeader, sc.SpanID().String())
			}}
			next.ServeHTTP(hw, r)
			hw.fire()
		})
	}
}
