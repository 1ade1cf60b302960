package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/tenantgate/internal/health"
	"github.com/keithlinneman/tenantgate/internal/httpmw"
	"github.com/keithlinneman/tenantgate/internal/log"
	"github.com/keithlinneman/tenantgate/internal/xerrors"
)

const (
	healthyPath = "/-/healthy"
	readyPath   = "/-/ready"

	// DefaultMaxBodyBytes caps request bodies forwarded upstream.
	DefaultMaxBodyBytes = 10 << 20
)

// compressTypes are recompressed when the upstream sent them plain.
var compressTypes = []string{
	"text/html",
	"text/css",
	"text/plain",
	"application/javascript",
	"text/javascript",
	"application/json",
	"image/svg+xml",
}

func isHealthPath(p string) bool { return p == healthyPath || p == readyPath }

// newRouter mounts the local health routes and hands every other request
// to the gate in front of the upstream.
func newRouter(opts *Options) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, compressTypes...))
	r.Use(httpmw.AnnotateHTTPRoute)
	// health checks are too chatty to log
	r.Use(httpmw.AccessLog(healthyPath, readyPath))

	maxBody := opts.MaxBodyBytes
	if maxBody == 0 {
		maxBody = DefaultMaxBodyBytes
	}
	r.Use(httpmw.MaxBody(maxBody))

	if opts.Health != nil {
		r.With(httpmw.Scope("health")).Get(healthyPath, health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.With(httpmw.Scope("health")).Get(readyPath, health.ReadyzHandler(opts.Readiness))
	}

	var gate http.Handler = http.NotFoundHandler()
	if opts.Upstream != nil {
		gate = opts.Upstream
	}
	if opts.Gate != nil {
		gate = opts.Gate(gate)
	}
	gate = httpmw.Scope("gate")(gate)

	// mounted as a route so the r.Use stack runs even when no health
	// routes are registered; chi skips it for a bare NotFound
	r.Handle("/*", gate)
	r.NotFound(gate.ServeHTTP)
	r.MethodNotAllowed(gate.ServeHTTP)
	return r
}

// NewHandler builds the gateway handler. The outer stack runs first to
// last: security headers (so a recovered panic still gets them), panic
// recovery, request id, client ip, rate limit, tracing, metrics, request
// logger, then the router. main() owns *http.Server for graceful shutdown.
func NewHandler(opts *Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}

	var recoverMW httpmw.Middleware
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(logger, opts.OnPanic)
	}

	tracing := otelhttp.NewMiddleware("http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return !isHealthPath(r.URL.Path) }),
		// AnnotateHTTPRoute or the gate renames it once the route is known
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.Method }),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	return httpmw.Chain(newRouter(opts),
		httpmw.SecurityHeaders,
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		opts.RateLimitMW,
		tracing,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		httpmw.WithLogger(logger),
	)
}

// Server timeout defaults. WriteTimeout covers the whole upstream round trip.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start gateway HTTP server
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}

	go func() {
		logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 10*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
