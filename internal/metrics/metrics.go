package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/tenantgate/internal/routing"
	"github.com/keithlinneman/tenantgate/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter
	profilingActive        prometheus.Gauge

	// gate
	decisionsTotal          *prometheus.CounterVec
	tenantResolutionsTotal  *prometheus.CounterVec
	roleDecodeFailuresTotal *prometheus.CounterVec
	upstreamErrorsTotal     prometheus.Counter

	// routing config
	routesInfo           *prometheus.GaugeVec
	routesLoadedTs       prometheus.Gauge
	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	watcherLastSuccessTs prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Routing decisions by kind and reason",
		}, []string{"kind", "reason"}),
		tenantResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_tenant_resolutions_total",
			Help: "Tenant lookups on non-public requests by result (resolved, absent)",
		}, []string{"result"}),
		roleDecodeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_role_decode_failures_total",
			Help: "Session tokens whose payload could not be read, by reason",
		}, []string{"reason"}),
		upstreamErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gate_upstream_errors_total",
			Help: "Requests answered with 502 because the upstream failed",
		}),
		routesInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "routes_config_info",
			Help: "Active routing config (labels carry identity, value is always 1)",
		}, []string{"source", "sha256"}),
		routesLoadedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routes_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active routing config was loaded",
		}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routes_watcher_polls_total",
			Help: "Total number of routing watcher poll cycles",
		}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routes_watcher_swaps_total",
			Help: "Total number of routing config swaps",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routes_watcher_errors_total",
			Help: "Total routing watcher errors by type (fetch, invalid)",
		}, []string{"type"}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routes_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful routing source fetch",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.profilingActive,
		m.decisionsTotal,
		m.tenantResolutionsTotal,
		m.roleDecodeFailuresTotal,
		m.upstreamErrorsTotal,
		m.routesInfo,
		m.routesLoadedTs,
		m.watcherPollsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.watcherLastSuccessTs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// ObserveEvaluation records one engine pass. Tenant lookups are only
// counted when multitenancy ran, i.e. the request was not public.
func (m *ServerMetrics) ObserveEvaluation(ev routing.Evaluation, multitenant bool) {
	m.decisionsTotal.WithLabelValues(ev.Decision.Kind.String(), ev.Decision.Reason).Inc()

	if multitenant && ev.Class != routing.Public {
		result := "absent"
		if ev.TenantResolved {
			result = "resolved"
		}
		m.tenantResolutionsTotal.WithLabelValues(result).Inc()
	}
	if reason := ev.DecodeFailure(); reason != "" {
		m.roleDecodeFailuresTotal.WithLabelValues(reason).Inc()
	}
}

func (m *ServerMetrics) IncUpstreamError() {
	m.upstreamErrorsTotal.Inc()
}

// SetRoutesConfig marks the active routing config, replacing the previous one.
func (m *ServerMetrics) SetRoutesConfig(source, sha256 string, loadedAt time.Time) {
	m.routesInfo.Reset()
	m.routesInfo.WithLabelValues(source, sha256).Set(1)
	m.routesLoadedTs.Set(float64(loadedAt.Unix()))
}

func (m *ServerMetrics) IncRoutesPoll() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncRoutesSwap() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncRoutesError(kind string) {
	m.watcherErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) SetRoutesLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}
