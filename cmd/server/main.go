package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/tenantgate/internal/cfg"
	"github.com/keithlinneman/tenantgate/internal/gate"
	"github.com/keithlinneman/tenantgate/internal/health"
	"github.com/keithlinneman/tenantgate/internal/httpmw"
	"github.com/keithlinneman/tenantgate/internal/httpserver"
	"github.com/keithlinneman/tenantgate/internal/log"
	"github.com/keithlinneman/tenantgate/internal/metrics"
	"github.com/keithlinneman/tenantgate/internal/opshttp"
	"github.com/keithlinneman/tenantgate/internal/otelx"
	"github.com/keithlinneman/tenantgate/internal/prof"
	"github.com/keithlinneman/tenantgate/internal/ratelimit"
	"github.com/keithlinneman/tenantgate/internal/routecfg"
	"github.com/keithlinneman/tenantgate/internal/routing"
	"github.com/keithlinneman/tenantgate/internal/upstream"
	v "github.com/keithlinneman/tenantgate/internal/version"
)

const (
	appName   = "tenantgate"
	component = "gateway"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	stderrf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}

	// .env files first so real environment variables still win
	if err := cfg.LoadDotEnv(stderrf, ".env", ".env.local"); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix TENANTGATE_ and validate
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, stderrf)

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lg, err := log.New(conf.LogOptions(appName, vi.Version))
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream_url", conf.UpstreamURL,
		"routes_source", conf.RoutesSource,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"rate_limit_rps", conf.RateLimitRPS,
		"trusted_hops", conf.TrustedHops,
	)

	// Metrics first so profiling and routing can report into it
	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, component, vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Routing config: a watched document when -routes-source is set, the flags otherwise
	routes := routecfg.NewManager()
	if conf.RoutesSource != "" {
		watcher, err := loadRoutesSource(ctx, L, conf.RoutesSource, routes, m)
		if err != nil {
			// no safe default exists for a gate, refuse to start
			L.Error(ctx, err, "failed to load routing config")
			os.Exit(1)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				L.Error(ctx, err, "routing watcher stopped")
			}
		}()
	} else {
		rc, err := routecfg.FromApp(conf)
		if err != nil {
			L.Error(ctx, err, "invalid routing flags")
			os.Exit(1)
		}
		snap := routecfg.Snapshot{Config: rc, Source: routecfg.Source{Kind: routecfg.SourceFlags}}
		routes.Set(snap)
		m.SetRoutesConfig(snap.Source.String(), "", routes.LoadedAt())
		L.Info(ctx, "routing config from flags",
			"rbac", rc.RBACEnabled,
			"multitenant", rc.MultitenantEnabled,
			"public_routes", len(rc.PublicRoutePrefixes),
			"protected_routes", len(rc.ProtectedRoutePrefixes),
		)
	}

	// setup the gate and the upstream it guards
	g := gate.New(routes,
		gate.WithOnDecision(func(ev routing.Evaluation, rc routing.Config) {
			m.ObserveEvaluation(ev, rc.MultitenantEnabled)
		}),
	)
	proxy, err := upstream.New(upstream.Options{
		Target:       conf.UpstreamURL,
		PreserveHost: true,
		OnError:      m.IncUpstreamError,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create upstream proxy")
		os.Exit(1)
	}

	// setup toggle for server shutdown
	var drain health.ShutdownGate

	// ready once draining has not started and a routing config is active
	readiness := health.Timeout(health.All(
		drain.Probe(),
		health.CheckFunc(func(ctx context.Context) error {
			return routes.ReadyErr()
		}),
	), 2*time.Second)

	// Setup rate limiter middleware, keyed by the resolved client IP
	var rateLimitMW func(next http.Handler) http.Handler
	if conf.RateLimitRPS > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			// increment prometheus counter on each denied request
			ratelimit.WithOnDenied(func(ip string) {
				m.IncRateLimitDenied()
			}),
			// only log the first time an ip is denied each time it is cleaned from the bucket
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
			}),
		)
		rateLimitMW = limiter.Middleware
	}

	// start gateway http server
	gatewayStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  rateLimitMW,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Gate:         g.Middleware,
		Upstream:     proxy,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start gateway http listener")
		os.Exit(1)
	}
	defer func() { _ = gatewayStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks and pprof
	// it rejects peers outside private networks in case it is ever exposed
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Routes:       routes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	drain.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain", conf.ShutdownDrain)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.ShutdownDrain):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 15*time.Second)
	defer cancel()

	if err := gatewayStop(shutdownCtx); err != nil {
		L.Error(bg, err, "gateway http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

// loadRoutesSource loads the first routing document into routes and returns
// a watcher that keeps it current.
func loadRoutesSource(ctx context.Context, L log.Logger, raw string, routes *routecfg.Manager, m *metrics.ServerMetrics) (*routecfg.Watcher, error) {
	src, err := routecfg.ParseSource(raw)
	if err != nil {
		return nil, err
	}
	loader, err := routecfg.NewLoader(ctx, src, routecfg.LoaderOptions{Logger: L})
	if err != nil {
		return nil, err
	}
	snap, err := loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	routes.Set(*snap)
	m.SetRoutesConfig(src.String(), snap.Hash, routes.LoadedAt())
	L.Info(ctx, "routing config loaded",
		"source", src.String(),
		"rbac", snap.Config.RBACEnabled,
		"multitenant", snap.Config.MultitenantEnabled,
	)

	return routecfg.NewWatcher(routecfg.WatcherOptions{
		Logger:  L,
		Fetcher: loader,
		Manager: routes,
		Metrics: m,
		OnSwap: func(s routecfg.Snapshot) {
			m.SetRoutesConfig(s.Source.String(), s.Hash, s.LoadedAt)
		},
	}), nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
