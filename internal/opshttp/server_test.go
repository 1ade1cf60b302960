package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/tenantgate/internal/health"
	"github.com/keithlinneman/tenantgate/internal/log"
)

// routesStub is a fixed RoutesStatus.
type routesStub struct {
	hash string
	at   time.Time
	err  error
}

func (s routesStub) Hash() string        { return s.hash }
func (s routesStub) LoadedAt() time.Time { return s.at }
func (s routesStub) ReadyErr() error     { return s.err }

// serveOps runs one request through the ops handler from a VPC peer.
func serveOps(t *testing.T, opts *Options, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req.RemoteAddr = "10.0.3.17:51812"
	rec := httptest.NewRecorder()
	newHandler(log.Nop(), opts).ServeHTTP(rec, req)
	return rec
}

func TestHandler_Endpoints(t *testing.T) {
	var drain health.ShutdownGate
	loaded := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("gate_decisions_total 3\n"))
	})

	tests := []struct {
		name     string
		opts     Options
		draining bool
		path     string
		wantCode int
		wantBody string
	}{
		{"liveness", Options{Health: health.Fixed(true, "")}, false, "/healthz", 200, "ok"},
		{"liveness alias", Options{Health: health.Fixed(true, "")}, false, "/-/healthy", 200, "ok"},
		{"unhealthy", Options{Health: health.Fixed(false, "upstream pool empty")}, false, "/healthz", 503, "upstream pool empty"},
		{"nil checks pass", Options{}, false, "/readyz", 200, "ready"},
		{"ready", Options{Readiness: drain.Probe()}, false, "/readyz", 200, "ready"},
		{"draining", Options{Readiness: drain.Probe()}, true, "/-/ready", 503, "draining"},
		{"metrics", Options{Metrics: metrics}, false, "/metrics", 200, "gate_decisions_total"},
		{"metrics unset", Options{}, false, "/metrics", 404, ""},
		{"pprof off", Options{}, false, "/debug/pprof/", 404, ""},
		{"pprof on", Options{EnablePprof: true}, false, "/debug/pprof/cmdline", 200, ""},
		{
			name:     "active routes",
			opts:     Options{Routes: routesStub{hash: "ab12cd34", at: loaded}},
			path:     "/-/routes",
			wantCode: 200,
			wantBody: `"loaded_at":"2026-03-04T05:06:07Z"`,
		},
		{
			name:     "no routes yet",
			opts:     Options{Routes: routesStub{err: errors.New("no active routing config")}},
			path:     "/-/routes",
			wantCode: 503,
			wantBody: `{"active":false}`,
		},
		{"routes unset", Options{}, false, "/-/routes", 404, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drain.Clear()
			if tt.draining {
				drain.Set("draining")
			}
			rec := serveOps(t, &tt.opts, tt.path)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandler_RoutesJSON(t *testing.T) {
	rec := serveOps(t, &Options{Routes: routesStub{hash: "ab12cd34", at: time.Unix(0, 0)}}, "/-/routes")

	var got routesView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := routesView{Active: true, Hash: "ab12cd34", LoadedAt: "1970-01-01T00:00:00Z"}
	if got != want {
		t.Fatalf("routes = %+v, want %+v", got, want)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}
}

func TestHandler_RecoversPanics(t *testing.T) {
	panics := 0
	opts := &Options{
		Metrics:      http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("collector exploded") }),
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
	}
	if rec := serveOps(t, opts, "/metrics"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic calls = %d, want 1", panics)
	}
}

func TestRequireNonPublicNetwork(t *testing.T) {
	tests := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:4000", http.StatusOK},
		{"[::1]:4000", http.StatusOK},
		{"10.0.3.17:4000", http.StatusOK},
		{"172.16.5.5:4000", http.StatusOK},
		{"192.168.1.10:4000", http.StatusOK},
		{"[fd00::1]:4000", http.StatusOK},
		{"169.254.169.254:4000", http.StatusOK},
		{"[::ffff:10.0.0.1]:4000", http.StatusOK},
		{"198.51.100.7:4000", http.StatusForbidden},
		{"[2001:db8::1]:4000", http.StatusForbidden},
		{"[::ffff:8.8.8.8]:4000", http.StatusForbidden},
		{"10.0.3.17", http.StatusForbidden}, // no port
		{"", http.StatusForbidden},
		{"gateway:4000", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			h := requireNonPublicNetwork(log.Nop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
			req.RemoteAddr = tt.remote
			// forwarding headers never widen access
			req.Header.Set("X-Forwarded-For", "127.0.0.1")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStart_Lifecycle(t *testing.T) {
	ctx := context.Background()
	port := freePort(t)

	stop, err := Start(ctx, log.Nop(), &Options{Port: port, Health: health.Fixed(true, "")})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if _, err := Start(ctx, log.Nop(), &Options{Port: port}); err == nil {
		t.Fatal("second Start on the same port succeeded")
	}

	for i := 0; i < 2; i++ {
		if err := stop(ctx); err != nil {
			t.Fatalf("stop #%d: %v", i+1, err)
		}
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("listener still accepting after stop")
	}
}
