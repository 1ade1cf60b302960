package httpserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/tenantgate/internal/health"
	"github.com/keithlinneman/tenantgate/internal/httpmw"
	"github.com/keithlinneman/tenantgate/internal/log"
)

// appUpstream echoes what it was asked for, the way the tests read it.
func appUpstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "app:"+r.Method+" "+r.URL.Path)
	})
}

// markingGate tags requests it saw and forwards them unchanged.
func markingGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Gate", "seen")
		next.ServeHTTP(w, r)
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_Routing(t *testing.T) {
	withHealth := &Options{
		Health:    health.Fixed(true, ""),
		Readiness: health.Fixed(false, "routecfg: no active routing config"),
		Gate:      markingGate,
		Upstream:  appUpstream(),
	}
	bare := &Options{Gate: markingGate, Upstream: appUpstream()}
	noUpstream := &Options{Gate: markingGate}

	tests := []struct {
		name     string
		opts     *Options
		method   string
		path     string
		wantCode int
		wantBody string
		wantGate bool
	}{
		{"healthy is local", withHealth, http.MethodGet, "/-/healthy", 200, "ok\n", false},
		{"ready is local", withHealth, http.MethodGet, "/-/ready", 503, "routecfg: no active routing config\n", false},
		{"page goes through gate", withHealth, http.MethodGet, "/dashboard", 200, "app:GET /dashboard", true},
		{"root goes through gate", withHealth, http.MethodGet, "/", 200, "app:GET /", true},
		{"non-GET on health path is the app's", withHealth, http.MethodPost, "/-/ready", 200, "app:POST /-/ready", true},
		{"any method reaches the app", withHealth, http.MethodPatch, "/api/items/7", 200, "app:PATCH /api/items/7", true},
		{"no health checks configured", bare, http.MethodGet, "/-/healthy", 200, "app:GET /-/healthy", true},
		{"no upstream", noUpstream, http.MethodGet, "/dashboard", 404, "404 page not found\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(NewHandler(tt.opts), httptest.NewRequest(tt.method, tt.path, http.NoBody))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if got := rec.Header().Get("X-Gate") == "seen"; got != tt.wantGate {
				t.Errorf("gate saw request = %v, want %v", got, tt.wantGate)
			}
			// security defaults land on every response, local or proxied
			if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Error("security headers missing")
			}
		})
	}
}

func TestNewHandler_UpstreamSecurityHeadersKept(t *testing.T) {
	opts := &Options{Upstream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.WriteHeader(http.StatusOK)
	})}
	rec := serve(NewHandler(opts), httptest.NewRequest(http.MethodGet, "/embed", http.NoBody))
	if got := rec.Header().Get("X-Frame-Options"); got != "SAMEORIGIN" {
		t.Fatalf("X-Frame-Options = %q, want the upstream's", got)
	}
}

func TestNewHandler_RequestContext(t *testing.T) {
	var upstreamID, clientIP string
	opts := &Options{
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: 1},
		Upstream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			upstreamID = r.Header.Get("X-Request-Id")
			clientIP = httpmw.ClientIPFromContext(r.Context())
		}),
	}
	h := NewHandler(opts)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", http.NoBody)
	req.RemoteAddr = "10.0.0.5:41000"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	rec := serve(h, req)

	id := rec.Header().Get("X-Request-Id")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("X-Request-Id = %q, want a generated UUID", id)
	}
	if upstreamID != id {
		t.Errorf("upstream saw request id %q, response has %q", upstreamID, id)
	}
	if clientIP != "198.51.100.7" {
		t.Errorf("client ip = %q", clientIP)
	}

	req = httptest.NewRequest(http.MethodGet, "/dashboard", http.NoBody)
	req.Header.Set("X-Request-Id", "edge-1234")
	if got := serve(h, req).Header().Get("X-Request-Id"); got != "edge-1234" {
		t.Errorf("inbound request id replaced with %q", got)
	}
}

// counting returns a middleware that counts the requests it wraps.
func counting(n *int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*n++
			next.ServeHTTP(w, r)
		})
	}
}

func TestNewHandler_OptionalMiddleware(t *testing.T) {
	var limited, measured int
	opts := &Options{
		Health:      health.Fixed(true, ""),
		Upstream:    appUpstream(),
		RateLimitMW: counting(&limited),
		MetricsMW:   counting(&measured),
	}
	h := NewHandler(opts)
	for _, p := range []string{"/-/healthy", "/dashboard"} {
		serve(h, httptest.NewRequest(http.MethodGet, p, http.NoBody))
	}
	if limited != 2 || measured != 2 {
		t.Fatalf("rate limit saw %d, metrics saw %d, want both 2", limited, measured)
	}
}

func TestNewHandler_Recover(t *testing.T) {
	boom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("upstream handler bug") })

	panics := 0
	h := NewHandler(&Options{Upstream: boom, UseRecoverMW: true, OnPanic: func() { panics++ }})
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/dashboard", http.NoBody))
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status = %d, panics = %d", rec.Code, panics)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("recovered response lost security headers")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("panic swallowed with recovery disabled")
		}
	}()
	serve(NewHandler(&Options{Upstream: boom}), httptest.NewRequest(http.MethodGet, "/dashboard", http.NoBody))
}

// The router stack applies to gate traffic whether or not health routes
// are registered.
func TestNewHandler_RouterStackOnGateTraffic(t *testing.T) {
	large := `{"items":"` + strings.Repeat("abcdefghij", 200) + `"}`
	jsonApp := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, "too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, large)
	})

	for _, healthRoutes := range []bool{false, true} {
		t.Run(fmt.Sprintf("withHealth=%v", healthRoutes), func(t *testing.T) {
			opts := &Options{Upstream: jsonApp, MaxBodyBytes: 8}
			if healthRoutes {
				opts.Health = health.Fixed(true, "")
				opts.Readiness = health.Fixed(true, "")
			}
			h := NewHandler(opts)

			post := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(strings.Repeat("x", 64)))
			if rec := serve(h, post); rec.Code != http.StatusRequestEntityTooLarge {
				t.Errorf("oversized body status = %d, want 413", rec.Code)
			}

			get := httptest.NewRequest(http.MethodGet, "/api/items", http.NoBody)
			get.Header.Set("Accept-Encoding", "gzip")
			if ce := serve(h, get).Header().Get("Content-Encoding"); ce != "gzip" {
				t.Errorf("Content-Encoding = %q, want gzip", ce)
			}

			plain := serve(h, httptest.NewRequest(http.MethodGet, "/api/items", http.NoBody))
			if plain.Header().Get("Content-Encoding") != "" || plain.Body.String() != large {
				t.Error("response compressed without Accept-Encoding")
			}
		})
	}
}

func TestNewHandler_NilLogger(t *testing.T) {
	rec := serve(NewHandler(&Options{Upstream: appUpstream()}), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestNewServer(t *testing.T) {
	srv := NewServer(":8080", http.NotFoundHandler())
	if srv.Addr != ":8080" || srv.Handler == nil {
		t.Fatalf("server = %+v", srv)
	}
	for name, got := range map[string]time.Duration{
		"ReadHeaderTimeout": srv.ReadHeaderTimeout,
		"ReadTimeout":       srv.ReadTimeout,
		"IdleTimeout":       srv.IdleTimeout,
	} {
		if got <= 0 {
			t.Errorf("%s unset", name)
		}
	}
	// the whole upstream round trip must fit
	if srv.WriteTimeout < srv.ReadTimeout {
		t.Errorf("WriteTimeout %s shorter than ReadTimeout %s", srv.WriteTimeout, srv.ReadTimeout)
	}
	if srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Errorf("MaxHeaderBytes = %d", srv.MaxHeaderBytes)
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

	stop, err := Start(ctx, &Options{Logger: log.Nop(), Port: port, Upstream: appUpstream()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/dashboard", port)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "app:GET /dashboard" || resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("body = %q, headers = %v", body, resp.Header)
	}

	if _, err := Start(ctx, &Options{Port: port}); err == nil {
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
