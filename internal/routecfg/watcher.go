package routecfg

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/keithlinneman/tenantgate/internal/log"
)

const (
	DefaultPollInterval = 30 * time.Second

	// caps exponential backoff on consecutive fetch errors
	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollSwapped
	pollFetchError
	pollInvalid
)

// Fetcher is what the Watcher needs from a Loader.
type Fetcher interface {
	Source() Source
	Fetch(ctx context.Context) (data []byte, hash string, err error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncRoutesPoll()
	IncRoutesSwap()
	IncRoutesError(kind string)
	SetRoutesLastSuccess(unixSeconds float64)
}

type WatcherOptions struct {
	Logger       log.Logger
	Fetcher      Fetcher
	Manager      *Manager
	PollInterval time.Duration
	// "" uses DefaultEnvPrefix, "-" disables overrides
	EnvPrefix string
	Metrics   WatcherMetrics
	// called on the poll goroutine after each swap
	OnSwap func(s Snapshot)
}

// Watcher polls the routing source and swaps new documents into the manager.
// A document that fails to parse or validate is logged and the current
// config stays active.
type Watcher struct {
	fetcher   Fetcher
	manager   *Manager
	logger    log.Logger
	interval  time.Duration
	envPrefix string
	metrics   WatcherMetrics
	onSwap    func(s Snapshot)

	currentHash string
	// hash of the last document rejected, so it is only reported once
	rejectedHash string

	consecutiveErrs int
	pollCount       int64
	swapCount       int64
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	envPrefix := opts.EnvPrefix
	switch envPrefix {
	case "":
		envPrefix = DefaultEnvPrefix
	case "-":
		envPrefix = ""
	}
	return &Watcher{
		fetcher:     opts.Fetcher,
		manager:     opts.Manager,
		logger:      opts.Logger,
		interval:    interval,
		envPrefix:   envPrefix,
		metrics:     opts.Metrics,
		onSwap:      opts.OnSwap,
		currentHash: opts.Manager.Hash(),
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "routing watcher starting",
		"source", w.fetcher.Source().String(),
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "routing watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			if w.checkOnce(ctx) == pollFetchError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "routing watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "routing watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
		}
	}
}

func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncRoutesPoll()
	}

	data, hash, err := w.fetcher.Fetch(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "routing watcher: fetch failed")
		if w.metrics != nil {
			w.metrics.IncRoutesError("fetch")
		}
		return pollFetchError
	}
	if w.metrics != nil {
		w.metrics.SetRoutesLastSuccess(float64(time.Now().Unix()))
	}

	if hashEqual(hash, w.currentHash) {
		return pollNoChange
	}
	if hashEqual(hash, w.rejectedHash) {
		return pollInvalid
	}

	cfg, err := Parse(data, w.envPrefix)
	if err != nil {
		w.logger.Error(ctx, err, "routing watcher: new document rejected, keeping current config",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.currentHash),
		)
		w.rejectedHash = hash
		if w.metrics != nil {
			w.metrics.IncRoutesError("invalid")
		}
		return pollInvalid
	}

	snap := Snapshot{Config: cfg, Source: w.fetcher.Source(), Hash: hash, LoadedAt: time.Now().UTC()}
	old := w.currentHash
	w.manager.Set(snap)
	w.currentHash = hash
	w.rejectedHash = ""
	w.swapCount++

	w.logger.Info(ctx, "routing watcher: config swapped",
		"old_hash", truncHash(old),
		"new_hash", truncHash(hash),
		"total_swaps", w.swapCount,
	)
	if w.metrics != nil {
		w.metrics.IncRoutesSwap()
	}

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"routing watcher: OnSwap callback panicked, continuing",
						"hash", truncHash(hash),
					)
				}
			}()
			w.onSwap(snap)
		}()
	}
	return pollSwapped
}

// backoffDuration doubles the interval per consecutive error, capped at
// maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	d := w.interval
	for i := 0; i < w.consecutiveErrs && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
