package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type ctxKey struct{}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		handler  func(Probe) http.HandlerFunc
		check    Probe
		wantCode int
		wantBody string
	}{
		{"healthy", HealthzHandler, Fixed(true, ""), 200, "ok\n"},
		{"healthy without check", HealthzHandler, nil, 200, "ok\n"},
		{"unhealthy", HealthzHandler, Fixed(false, "listener closed"), 503, "listener closed\n"},
		{"ready", ReadyzHandler, Fixed(true, ""), 200, "ready\n"},
		{"ready without check", ReadyzHandler, nil, 200, "ready\n"},
		{"no routing config", ReadyzHandler, Fixed(false, "routecfg: no active routing config"), 503, "routecfg: no active routing config\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(tt.check).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if got := rec.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %q", got)
			}
			if got := rec.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
				t.Errorf("Content-Type = %q", got)
			}
		})
	}
}

func TestHandlers_CheckEachRequest(t *testing.T) {
	var drain ShutdownGate
	h := ReadyzHandler(drain.Probe())

	codes := make([]int, 0, 3)
	for _, step := range []func(){func() {}, func() { drain.Set("") }, drain.Clear} {
		step()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))
		codes = append(codes, rec.Code)
	}
	if codes[0] != 200 || codes[1] != 503 || codes[2] != 200 {
		t.Fatalf("codes = %v, want [200 503 200]", codes)
	}
}

func TestHandlers_PassRequestContext(t *testing.T) {
	var seen any
	h := HealthzHandler(CheckFunc(func(ctx context.Context) error {
		seen = ctx.Value(ctxKey{})
		return nil
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, "lb"))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "lb" {
		t.Fatalf("check saw %v, want the request context", seen)
	}
}
