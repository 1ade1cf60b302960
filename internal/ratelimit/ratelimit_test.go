package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/tenantgate/internal/httpmw"
)

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// hooks counts limiter callbacks.
type hooks struct {
	mu       sync.Mutex
	first    []string
	denied   []string
	capacity int
}

func (h *hooks) options() []Option {
	return []Option{
		WithOnFirstDenied(func(key string) { h.mu.Lock(); h.first = append(h.first, key); h.mu.Unlock() }),
		WithOnDenied(func(key string) { h.mu.Lock(); h.denied = append(h.denied, key); h.mu.Unlock() }),
		WithOnCapacity(func() { h.mu.Lock(); h.capacity++; h.mu.Unlock() }),
	}
}

// newLimiter builds a limiter on a fake clock. The TTL is long enough that
// the background loop never runs during a test; eviction is driven by
// calling evict directly.
func newLimiter(t *testing.T, opts ...Option) (*Limiter, *clock) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	all := append([]Option{
		WithRate(1, 3),
		WithTTL(time.Hour),
		func(l *Limiter) { l.now = c.Now },
	}, opts...)
	return New(ctx, all...), c
}

func TestAllow_TokenBucket(t *testing.T) {
	l, c := newLimiter(t)

	type step struct {
		key   string
		after time.Duration
		want  bool
	}
	steps := []step{
		{"198.51.100.7", 0, true},
		{"198.51.100.7", 0, true},
		{"198.51.100.7", 0, true},
		{"198.51.100.7", 0, false}, // burst spent
		{"203.0.113.9", 0, true},   // separate bucket
		{"198.51.100.7", time.Second, true},
		{"198.51.100.7", 0, false},
	}
	for i, s := range steps {
		c.advance(s.after)
		if got := l.allow(s.key); got != s.want {
			t.Fatalf("step %d: allow(%s) = %v, want %v", i, s.key, got, s.want)
		}
	}
}

func TestAllow_DenialHooks(t *testing.T) {
	var h hooks
	l, c := newLimiter(t, append(h.options(), WithRate(1, 1))...)

	l.allow("198.51.100.7")
	l.allow("198.51.100.7")
	l.allow("198.51.100.7")
	l.allow("203.0.113.9")
	l.allow("203.0.113.9")

	if want := []string{"198.51.100.7", "203.0.113.9"}; fmt.Sprint(h.first) != fmt.Sprint(want) {
		t.Errorf("first denied = %v, want %v", h.first, want)
	}
	if len(h.denied) != 3 {
		t.Errorf("denied = %v, want 3 calls", h.denied)
	}

	// eviction forgets the warning so the next burst is logged again
	c.advance(2 * time.Hour)
	l.evict(c.Now())
	l.allow("198.51.100.7")
	l.allow("198.51.100.7")
	if len(h.first) != 3 {
		t.Errorf("first denied after eviction = %v, want a third entry", h.first)
	}
}

func TestEvict(t *testing.T) {
	l, c := newLimiter(t)

	l.allow("198.51.100.7")
	c.advance(40 * time.Minute)
	l.allow("203.0.113.9")
	c.advance(30 * time.Minute)
	l.evict(c.Now())

	if got := l.tracked(); got != 1 {
		t.Fatalf("tracked = %d, want only the recently active client", got)
	}
	l.mu.Lock()
	_, kept := l.buckets["203.0.113.9"]
	l.mu.Unlock()
	if !kept {
		t.Fatal("active client was evicted")
	}
}

func TestMaxVisitors(t *testing.T) {
	var h hooks
	l, c := newLimiter(t, append(h.options(), WithMaxVisitors(2))...)

	l.allow("10.0.0.1")
	l.allow("10.0.0.2")
	if l.allow("10.0.0.3") {
		t.Fatal("new client admitted at capacity")
	}
	if l.allow("10.0.0.4") {
		t.Fatal("new client admitted at capacity")
	}
	if !l.allow("10.0.0.1") {
		t.Fatal("known client denied at capacity")
	}
	if h.capacity != 1 {
		t.Fatalf("capacity hook = %d, want once per fill", h.capacity)
	}
	if len(h.denied) != 2 || len(h.first) != 0 {
		t.Fatalf("denied = %v, first = %v", h.denied, h.first)
	}

	c.advance(2 * time.Hour)
	l.evict(c.Now())
	l.allow("10.0.0.5")
	l.allow("10.0.0.6")
	l.allow("10.0.0.7")
	if h.capacity != 2 {
		t.Fatalf("capacity hook = %d, want re-armed after eviction", h.capacity)
	}
}

func TestMaxVisitors_ZeroIsUnbounded(t *testing.T) {
	l, _ := newLimiter(t, WithMaxVisitors(0))
	for i := 0; i < 500; i++ {
		if !l.allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256)) {
			t.Fatalf("client %d denied without a cap", i)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	l := New(t.Context())
	if l.limit != 10 || l.burst != 30 || l.idleTTL != 5*time.Minute || l.maxClients != 100000 {
		t.Fatalf("defaults = %v/%d ttl=%s max=%d", l.limit, l.burst, l.idleTTL, l.maxClients)
	}
	// nil hooks are allowed
	for i := 0; i < 40; i++ {
		l.allow("198.51.100.7")
	}
}

func TestAllow_Concurrent(t *testing.T) {
	l, _ := newLimiter(t, WithRate(1000, 1000), WithMaxVisitors(20))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.allow(fmt.Sprintf("10.0.%d.%d", g, i%10))
			}
		}(g)
	}
	wg.Wait()
	if got := l.tracked(); got > 20 {
		t.Fatalf("tracked = %d, exceeds cap", got)
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newLimiter(t, WithRate(1, 1))

	reached := 0
	h := httpmw.ClientIP(l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached++
	})))
	hit := func(host, peer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "http://"+host+"/dashboard", http.NoBody)
		req.RemoteAddr = peer + ":443"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := hit("acme.example.com", "198.51.100.7"); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d", rec.Code)
	}

	// the bucket is per client, not per tenant
	rec := hit("globex.example.com", "198.51.100.7")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Body.String(); got != `{"error":"too many requests"}` {
		t.Errorf("body = %q", got)
	}

	if rec := hit("acme.example.com", "203.0.113.9"); rec.Code != http.StatusOK {
		t.Fatalf("other client = %d", rec.Code)
	}
	if reached != 2 {
		t.Fatalf("handler reached %d times, want 2", reached)
	}
}

func TestWithKeyFunc(t *testing.T) {
	l, _ := newLimiter(t, WithRate(1, 1), WithKeyFunc(func(r *http.Request) string { return r.Host }))
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	for _, host := range []string{"acme.example.com", "acme.example.com", "globex.example.com"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://"+host+"/", http.NoBody))
		codes = append(codes, rec.Code)
	}
	if want := []int{200, 429, 200}; fmt.Sprint(codes) != fmt.Sprint(want) {
		t.Fatalf("codes = %v, want %v", codes, want)
	}
}

func TestEvictLoop_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Limiter{buckets: map[string]*bucket{}, idleTTL: 10 * time.Millisecond, now: time.Now}
	done := make(chan struct{})
	go func() {
		l.evictLoop(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("evict loop did not stop")
	}
}
