package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/tenantgate/internal/httpmw"
)

// bucket is one client's token bucket.
type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
	// warned is set on the first denial and cleared by eviction
	warned bool
}

// Limiter keeps a token bucket per client key and evicts idle ones.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	full    bool // capacity hook already ran for the current fill

	limit      rate.Limit
	burst      int
	idleTTL    time.Duration
	maxClients int // 0 means unbounded
	key        func(*http.Request) string
	retryAfter string
	now        func() time.Time

	onFirstDenied func(key string)
	onDenied      func(key string)
	onCapacity    func()
}

type Option func(*Limiter)

// WithRate sets the refill rate and bucket size.
// WithRate(10, 50) allows 50 requests at once, then refills at 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		l.limit = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle client is remembered.
func WithTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

// WithMaxVisitors caps the number of tracked clients. While the cap is
// reached, clients without a bucket are denied. 0 disables the cap.
func WithMaxVisitors(n int) Option {
	return func(l *Limiter) { l.maxClients = n }
}

// WithKeyFunc changes what requests are bucketed by. The default is the
// client IP resolved by httpmw.ClientIP.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.key = fn
		}
	}
}

// WithOnFirstDenied runs once per bucket lifetime on its first denial (logging).
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.onFirstDenied = fn }
}

// WithOnDenied runs on every denied request (metrics).
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// WithOnCapacity runs once each time the client cap is reached.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) { l.onCapacity = fn }
}

func clientIPKey(r *http.Request) string {
	return httpmw.ClientIPFromContext(r.Context())
}

// New builds a Limiter and starts its eviction loop, which runs every half
// TTL until ctx is done.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:    make(map[string]*bucket),
		limit:      10,
		burst:      30,
		idleTTL:    5 * time.Minute,
		maxClients: 100000,
		key:        clientIPKey,
		retryAfter: "30",
		now:        time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	go l.evictLoop(ctx)
	return l
}

// verdict is what allow decided, with the hooks it owes. Hooks run outside
// the lock so they may log or touch metrics freely.
type verdict struct {
	allowed, first, capacity bool
}

func (l *Limiter) decide(key string) verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if l.maxClients > 0 && len(l.buckets) >= l.maxClients {
			v := verdict{capacity: !l.full}
			l.full = true
			return v
		}
		b = &bucket{tokens: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}

	now := l.now()
	b.lastSeen = now
	if b.tokens.AllowN(now, 1) {
		return verdict{allowed: true}
	}
	v := verdict{first: !b.warned}
	b.warned = true
	return v
}

// allow reports whether key may proceed and runs the denial hooks.
func (l *Limiter) allow(key string) bool {
	v := l.decide(key)
	if v.capacity && l.onCapacity != nil {
		l.onCapacity()
	}
	if v.first && l.onFirstDenied != nil {
		l.onFirstDenied(key)
	}
	if !v.allowed && l.onDenied != nil {
		l.onDenied(key)
	}
	return v.allowed
}

// evict drops buckets idle longer than the TTL as of now and re-arms the
// capacity hook once there is room again.
func (l *Limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
		}
	}
	if l.maxClients <= 0 || len(l.buckets) < l.maxClients {
		l.full = false
	}
}

func (l *Limiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(l.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict(l.now())
		}
	}
}

// tracked is the number of live buckets.
func (l *Limiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware rejects requests over the limit with 429 before they reach
// the gate, so throttled clients never cost a routing evaluation.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.allow(l.key(r)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Retry-After", l.retryAfter)
		w.WriteHeader(http.StatusTooManyRequests)
		// no detail about limits or refill timing
		_, _ = w.Write([]byte(`{"error":"too many requests"}`))
	})
}
