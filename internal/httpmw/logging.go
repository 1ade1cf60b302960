package httpmw

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/tenantgate/internal/log"
)

// responseWriter wraps http.ResponseWriter to capture status and bytes written
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64

	// response.write span (starts on first WriteHeader/Write)
	ctx      context.Context
	reqStart time.Time

	writeSpan        trace.Span
	writeSpanStarted bool
	firstWriteAt     time.Duration
	writeBlocked     time.Duration
	writeErr         error
}

func (rw *responseWriter) ensureWriteSpan() {
	if rw.writeSpanStarted {
		return
	}
	rw.writeSpanStarted = true
	rw.firstWriteAt = time.Since(rw.reqStart)

	parent := trace.SpanFromContext(rw.ctx)
	if !parent.IsRecording() {
		return
	}

	tracer := otel.Tracer("tenantgate/httpmw")
	rw.ctx, rw.writeSpan = tracer.Start(rw.ctx, "response.write",
		trace.WithAttributes(
			attribute.Float64("http.server.ttfb_seconds", rw.firstWriteAt.Seconds()),
		),
	)
}

func (rw *responseWriter) finishWriteSpan() {
	if rw.writeSpan == nil {
		return
	}

	rw.writeSpan.SetAttributes(
		attribute.Int("http.response.status_code", rw.statusOrOK()),
		attribute.Int64("http.response.body.size", rw.bytes),
		attribute.Float64("http.server.write.block_seconds", rw.writeBlocked.Seconds()),
	)
	if rw.writeErr != nil {
		rw.writeSpan.RecordError(rw.writeErr)
		rw.writeSpan.SetStatus(codes.Error, rw.writeErr.Error())
	}
	rw.writeSpan.End()
}

func (rw *responseWriter) statusOrOK() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.ensureWriteSpan()
	rw.status = code
	start := time.Now()
	rw.ResponseWriter.WriteHeader(code)
	rw.writeBlocked += time.Since(start)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.ensureWriteSpan()
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	start := time.Now()
	n, err := rw.ResponseWriter.Write(b)
	rw.writeBlocked += time.Since(start)
	rw.bytes += int64(n)
	if err != nil && rw.writeErr == nil {
		rw.writeErr = err
	}
	return n, err
}

// support Flush if the underlying writer does; streamed upstream responses need it.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// support Hijack (websocket upgrades through the proxy).
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// WithLogger installs a request-scoped logger carrying connection fields.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			reqID := RequestIDFromContext(ctx)

			// Normalize peer address to IP only (no port)
			peerAddr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peerAddr); err == nil {
				peerAddr = host
			}
			// ClientIP middleware (outer) already decided how far to trust XFF
			clientAddr := ClientIPFromContext(ctx)
			if clientAddr == "" {
				clientAddr = peerAddr
			}

			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("server.address", r.Host),
					attribute.String("client.address", clientAddr),
					attribute.String("network.peer.address", peerAddr),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", clientAddr,
				"network.peer.address", peerAddr,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			ctx = log.WithContext(ctx, L)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type annotationsKey struct{}

type annotations struct {
	kv []any
}

// Annotate adds fields to the access log line of the current request.
// Inner handlers use it for facts only they know, such as the gate decision.
// Without AccessLog upstream it does nothing.
func Annotate(ctx context.Context, kv ...any) {
	if a, ok := ctx.Value(annotationsKey{}).(*annotations); ok {
		a.kv = append(a.kv, kv...)
	}
}

// AccessLog writes one line per request through the request-scoped logger.
// Paths in skip (exact match) are not logged.
func AccessLog(skip ...string) func(http.Handler) http.Handler {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var reqBodySize int64
			if r.ContentLength > 0 {
				reqBodySize = r.ContentLength
			}

			notes := &annotations{}
			r = r.WithContext(context.WithValue(r.Context(), annotationsKey{}, notes))

			rw := &responseWriter{
				ResponseWriter: w,
				ctx:            r.Context(),
				reqStart:       start,
			}

			next.ServeHTTP(rw, r)

			// child span that captures time blocked on writing the response to the client
			rw.finishWriteSpan()

			if _, ok := skipped[r.URL.Path]; ok {
				return
			}

			ctx := r.Context()
			routePat := routePattern(r)
			if routePat == "" {
				routePat = "unmatched"
			}

			fields := []any{
				"http.response.status_code", rw.statusOrOK(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", rw.bytes,
				"http.request.body.size", reqBodySize,
				"http.route", routePat,
			}
			fields = append(fields, notes.kv...)

			log.FromContext(ctx).Info(ctx, "http request", fields...)
		})
	}
}

var validSchemes = map[string]bool{"http": true, "https": true}

// schemeFromRequest trusts X-Forwarded-Proto only as far as ClientIP left
// it in place, and only for http/https.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); validSchemes[s] {
			return s
		}
	}

	if r.URL != nil && validSchemes[r.URL.Scheme] {
		return r.URL.Scheme
	}

	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the handler serving it.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			L := log.FromContext(ctx).With("handler", handler)
			ctx = log.WithContext(ctx, L)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
