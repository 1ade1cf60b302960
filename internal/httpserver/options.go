package httpserver

import (
	"net/http"

	"github.com/keithlinneman/tenantgate/internal/health"
	"github.com/keithlinneman/tenantgate/internal/httpmw"
	"github.com/keithlinneman/tenantgate/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic, e.g. to bump http_panic_total
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions

	// served locally at /-/healthy and /-/ready when set
	Health    health.Probe
	Readiness health.Probe

	// Gate wraps Upstream for every request no local route matches.
	Gate     func(http.Handler) http.Handler
	Upstream http.Handler

	// 0 uses DefaultMaxBodyBytes, negative disables the limit
	MaxBodyBytes int64
}
