package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

const unmatchedRoute = "unmatched"

type statusWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

// Flush keeps streaming upstream responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

type routeLabelKey struct{}

// SetRouteLabel names the route for handlers chi cannot see into, such as
// the gate behind the catch-all. Labels must come from a small fixed set.
func SetRouteLabel(ctx context.Context, label string) {
	if p, ok := ctx.Value(routeLabelKey{}).(*string); ok && label != "" {
		*p = label
	}
}

// resolveRoute picks the route label: the chi pattern when chi matched a
// named route, else the label a handler set, else "unmatched". The raw path
// is never used.
func resolveRoute(ctx context.Context, label string) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" && p != "/*" {
			return p
		}
	}
	if label != "" {
		return label
	}
	return unmatchedRoute
}

// Middleware records inflight, totals, latency and size per method and
// route. It must run inside the router so the pattern is known afterwards.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := r.Context()
		if chi.RouteContext(ctx) == nil {
			ctx = context.WithValue(ctx, chi.RouteCtxKey, chi.NewRouteContext())
		}
		label := new(string)
		ctx = context.WithValue(ctx, routeLabelKey{}, label)

		m.inflight.Inc()
		defer m.inflight.Dec()

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r.WithContext(ctx))

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		route := resolveRoute(ctx, *label)

		m.reqTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if status >= 500 {
			m.errorsTotal.WithLabelValues(r.Method, route).Inc()
		}
		observe(m.reqDur.WithLabelValues(r.Method, route), time.Since(start).Seconds(), traceExemplar(ctx))
		m.respBytes.WithLabelValues(r.Method, route).Observe(float64(sw.n))
	})
}

// observe records v, linking the trace when the histogram supports it.
func observe(obs prometheus.Observer, v float64, ex prometheus.Labels) {
	if eo, ok := obs.(prometheus.ExemplarObserver); ok && ex != nil {
		eo.ObserveWithExemplar(v, ex)
		return
	}
	obs.Observe(v)
}

// traceExemplar is the trace_id of a sampled span, or nil.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
