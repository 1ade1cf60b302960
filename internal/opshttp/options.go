package opshttp

import (
	"net/http"
	"time"

	"github.com/keithlinneman/tenantgate/internal/health"
)

// RoutesStatus reports the active routing config. routecfg.Manager
// satisfies it.
type RoutesStatus interface {
	Hash() string
	LoadedAt() time.Time
	ReadyErr() error
}

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	Routes       RoutesStatus // served at /-/routes when set
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic, e.g. to bump http_panic_total
}
