package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/keithlinneman/tenantgate/internal/health"
	"github.com/keithlinneman/tenantgate/internal/httpmw"
	"github.com/keithlinneman/tenantgate/internal/log"
	"github.com/keithlinneman/tenantgate/internal/xerrors"
)

const defaultPort = 9000

// newHandler builds the ops mux behind the network guard.
func newHandler(L log.Logger, opts *Options) http.Handler {
	mux := http.NewServeMux()

	// the /-/ aliases match what load balancers in front of the gateway
	// listener already check
	healthz := health.HealthzHandler(opts.Health)
	readyz := health.ReadyzHandler(opts.Readiness)
	for _, p := range []string{"/healthz", "/-/healthy"} {
		mux.Handle(p, healthz)
	}
	for _, p := range []string{"/readyz", "/-/ready"} {
		mux.Handle(p, readyz)
	}

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.Routes != nil {
		mux.Handle("/-/routes", routesHandler(opts.Routes))
	}

	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		// shadow the prefix so a stray registration elsewhere cannot expose it
		mux.Handle("/debug/pprof/", http.NotFoundHandler())
	}

	var recoverMW httpmw.Middleware
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(L, opts.OnPanic)
	}
	return httpmw.Chain(mux,
		recoverMW,
		func(h http.Handler) http.Handler { return requireNonPublicNetwork(L, h) },
	)
}

type routesView struct {
	Active   bool   `json:"active"`
	Hash     string `json:"hash,omitempty"`
	LoadedAt string `json:"loaded_at,omitempty"`
}

// routesHandler reports which routing config the gate is enforcing. It
// answers 503 until a config is active, like /readyz.
func routesHandler(rs RoutesStatus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := routesView{Active: rs.ReadyErr() == nil, Hash: rs.Hash()}
		if at := rs.LoadedAt(); !at.IsZero() {
			v.LoadedAt = at.UTC().Format(time.RFC3339)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if !v.Active {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(v)
	})
}

// Start serves the ops endpoints (health, readiness, metrics, routing
// status, optional pprof) on their own port and returns stop(ctx).
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if opts == nil {
		opts = &Options{}
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           newHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on ops addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	var stopErr error
	return func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}
