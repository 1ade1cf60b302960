package prof

import (
	"context"
	"slices"
	"testing"

	"github.com/keithlinneman/tenantgate/internal/log"
)

func TestStart_NotRunning(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"disabled", Options{}, false},
		{"disabled ignores settings", Options{ServerAddress: "http://pyroscope:4040", AppName: "tenantgate", ProfileMutexFraction: 5}, false},
		{"enabled without address", Options{Enabled: true, AppName: "tenantgate"}, true},
		{"enabled with tags but no address", Options{Enabled: true, Tags: map[string]string{"component": "gateway"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var states []bool
			tt.opts.OnActive = func(on bool) { states = append(states, on) }

			ctx := log.WithContext(context.Background(), log.Nop())
			stop, err := Start(ctx, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if stop == nil {
				t.Fatal("stop func is nil")
			}
			stop()
			stop()
			if !slices.Equal(states, []bool{false}) {
				t.Fatalf("OnActive = %v, want [false]", states)
			}
		})
	}
}

func TestOptionsConfig(t *testing.T) {
	opts := Options{
		AppName:       "tenantgate",
		ServerAddress: "http://pyroscope:4040",
		AuthToken:     "tok",
		TenantID:      "ops",
		Tags:          map[string]string{"component": "gateway", "version": "1.4.0"},
	}
	cfg, err := opts.config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.ApplicationName != "tenantgate" || cfg.ServerAddress != "http://pyroscope:4040" ||
		cfg.AuthToken != "tok" || cfg.TenantID != "ops" || cfg.Tags["component"] != "gateway" {
		t.Fatalf("config = %+v", cfg)
	}
	if len(cfg.ProfileTypes) != len(profileTypes) {
		t.Fatalf("profile types = %d, want %d", len(cfg.ProfileTypes), len(profileTypes))
	}

	if _, err := (Options{}).config(); err == nil {
		t.Fatal("empty address accepted")
	}
}

// The agent uploads lazily, so an unreachable server may or may not fail
// Start; either way stop must be safe and the gauge must end at false.
func TestStart_UnreachableServer(t *testing.T) {
	var last bool
	stop, _ := Start(context.Background(), Options{
		Enabled:       true,
		AppName:       "tenantgate",
		ServerAddress: "http://127.0.0.1:1",
		OnActive:      func(on bool) { last = on },
	})
	if stop == nil {
		t.Fatal("stop func is nil")
	}
	stop()
	stop()
	if last {
		t.Fatal("profiling still reported active after stop")
	}
}
