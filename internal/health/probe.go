package health

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/tenantgate/internal/xerrors"
)

// Probe is checked on every health request; a non-nil error is the reason
// it fails.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason ("unhealthy" when empty).
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes when every non-nil probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Timeout fails p when it does not answer within d. The probe gets a
// context with the deadline; a probe ignoring it still runs to completion
// in the background.
func Timeout(p Probe, d time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- p.Check(ctx) }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return xerrors.Newf("health check timed out after %s", d)
			}
			return ctx.Err()
		}
	}
}

// ShutdownGate fails readiness while the process drains. The zero value
// is open.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate; an empty reason reports "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
