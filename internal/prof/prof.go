// Package prof runs continuous profiling with Pyroscope.
package prof

import (
	"context"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/tenantgate/internal/log"
	"github.com/keithlinneman/tenantgate/internal/xerrors"
)

type Options struct {
	Enabled              bool
	AppName              string
	ServerAddress        string
	AuthToken            string
	TenantID             string
	Tags                 map[string]string
	ProfileMutexFraction int
	BlockProfileRate     int
	// OnActive reports whether the profiler is running (metrics gauge).
	OnActive func(bool)
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// config validates opts and maps them onto the agent config.
func (o Options) config() (pyroscope.Config, error) {
	if o.ServerAddress == "" {
		return pyroscope.Config{}, xerrors.New("pyroscope server address is empty")
	}
	return pyroscope.Config{
		ApplicationName: o.AppName,
		ServerAddress:   o.ServerAddress,
		AuthToken:       o.AuthToken,
		TenantID:        o.TenantID,
		Tags:            o.Tags,
		ProfileTypes:    profileTypes,
	}, nil
}

// Start launches the profiler. The returned stop func is always non-nil
// and safe to call more than once, even when err != nil.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	report := func(on bool) {
		if opts.OnActive != nil {
			opts.OnActive(on)
		}
	}
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		report(false)
		return noop, nil
	}

	cfg, err := opts.config()
	if err != nil {
		report(false)
		return noop, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		report(false)
		return noop, xerrors.Wrapf(err, "pyroscope start server_address=%s", opts.ServerAddress)
	}

	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)
	report(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = profiler.Stop()
			report(false)
			L.Info(context.Background(), "pyroscope stopped", "server_address", opts.ServerAddress)
		})
	}, nil
}
