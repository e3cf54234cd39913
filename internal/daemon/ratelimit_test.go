package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func TestTokenBucketAllow(t *testing.T) {
	now := time.Now()
	bucket := newTokenBucket(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5}, now)

	for i := 0; i < 5; i++ {
		if !bucket.allow(now) {
			t.Errorf("request %d should be allowed (within burst)", i)
		}
	}
	if bucket.allow(now) {
		t.Error("request 6 should be denied (burst exhausted)")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	clk := newStepClock()
	bucket := newTokenBucket(RateLimitConfig{RequestsPerSecond: 100, BurstSize: 1}, clk.Now())

	if !bucket.allow(clk.Now()) {
		t.Fatal("first request should be allowed")
	}
	if bucket.allow(clk.Now()) {
		t.Fatal("second request should be denied")
	}

	clk.Advance(10 * time.Millisecond)
	if !bucket.allow(clk.Now()) {
		t.Error("request after refill should be allowed")
	}

	// Refill never exceeds the burst.
	clk.Advance(time.Hour)
	available, _, _ := bucket.stats(clk.Now())
	if available != 1 {
		t.Errorf("available = %.2f, want 1", available)
	}
}

func TestTokenBucketStats(t *testing.T) {
	now := time.Now()
	bucket := newTokenBucket(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5}, now)

	for i := 0; i < 6; i++ {
		bucket.allow(now)
	}

	available, total, denied := bucket.stats(now)
	if total != 6 {
		t.Errorf("total = %d, want 6", total)
	}
	if denied != 1 {
		t.Errorf("denied = %d, want 1", denied)
	}
	if available >= 1 {
		t.Errorf("available = %.2f, expected < 1", available)
	}
}

func TestRateLimiterDefaultLimits(t *testing.T) {
	rl := NewRateLimiter()
	if !rl.IsEnabled() {
		t.Error("rate limiter should be enabled by default")
	}
	for method := range DefaultRateLimits {
		if !rl.Allow(method) {
			t.Errorf("first request to %s should be allowed", method)
		}
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(WithEnabled(false))
	if rl.IsEnabled() {
		t.Error("rate limiter should be disabled")
	}
	for i := 0; i < 100; i++ {
		if !rl.Allow(FullMethod(MethodTick)) {
			t.Fatalf("request %d should be allowed when rate limiting is disabled", i)
		}
	}
}

func TestRateLimiterTickLimit(t *testing.T) {
	clk := newStepClock()
	rl := NewRateLimiter(WithNow(clk.Now))
	method := FullMethod(MethodTick)
	burst := DefaultRateLimits[method].BurstSize

	for i := 0; i < burst; i++ {
		if !rl.Allow(method) {
			t.Fatalf("tick %d should be allowed", i)
		}
	}
	if rl.Allow(method) {
		t.Fatal("tick over burst should be denied")
	}

	clk.Advance(time.Second)
	if !rl.Allow(method) {
		t.Error("tick after one second should be allowed")
	}
}

func TestRateLimiterCustomLimits(t *testing.T) {
	rl := NewRateLimiter(
		WithNow(newStepClock().Now),
		WithMethodLimits(map[string]RateLimitConfig{
			FullMethod(MethodEnrollLead): {RequestsPerSecond: 1, BurstSize: 2},
		}),
	)

	method := FullMethod(MethodEnrollLead)
	if !rl.Allow(method) || !rl.Allow(method) {
		t.Fatal("requests within burst should be allowed")
	}
	if rl.Allow(method) {
		t.Error("request 3 should be denied")
	}
}

func TestRateLimiterGlobalLimit(t *testing.T) {
	rl := NewRateLimiter(
		WithNow(newStepClock().Now),
		WithGlobalLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 3}),
	)

	if !rl.Allow("/method1") || !rl.Allow("/method2") || !rl.Allow("/method3") {
		t.Fatal("requests within global burst should be allowed")
	}
	if rl.Allow("/method4") {
		t.Error("request over global burst should be denied")
	}

	stats := rl.GlobalStats()
	if stats == nil {
		t.Fatal("GlobalStats() = nil")
	}
	if stats.TotalRequests != 4 || stats.DeniedRequests != 1 {
		t.Errorf("global stats = %+v, want 4 total and 1 denied", stats)
	}
	if stats.DeniedPercentage != 25 {
		t.Errorf("denied percentage = %.1f, want 25", stats.DeniedPercentage)
	}
}

func TestRateLimiterUnknownMethod(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 1000; i++ {
		if !rl.Allow("/unknown/method") {
			t.Fatalf("request %d to an unlimited method should be allowed", i)
		}
	}
	if rl.GlobalStats() != nil {
		t.Error("GlobalStats() should be nil without a global limit")
	}
}

func TestRateLimiterStats(t *testing.T) {
	rl := NewRateLimiter(WithNow(newStepClock().Now))
	rl.Allow(FullMethod(MethodStatus))
	rl.Allow(FullMethod(MethodPing))
	rl.Allow(FullMethod(MethodPing))

	stats := rl.Stats()
	if len(stats) != 2 {
		t.Fatalf("len(Stats()) = %d, want 2", len(stats))
	}
	if stats[0].Method != FullMethod(MethodPing) || stats[0].TotalRequests != 2 {
		t.Errorf("stats[0] = %+v, want Ping with 2 requests", stats[0])
	}
	if stats[1].Method != FullMethod(MethodStatus) || stats[1].TotalRequests != 1 {
		t.Errorf("stats[1] = %+v, want Status with 1 request", stats[1])
	}
}

func TestRateLimiterSetEnabled(t *testing.T) {
	rl := NewRateLimiter(
		WithNow(newStepClock().Now),
		WithMethodLimits(map[string]RateLimitConfig{"/m": {RequestsPerSecond: 1, BurstSize: 1}}),
	)
	rl.Allow("/m")
	if rl.Allow("/m") {
		t.Fatal("second request should be denied")
	}

	rl.SetEnabled(false)
	if !rl.Allow("/m") {
		t.Error("disabled limiter should allow")
	}
	rl.SetEnabled(true)
	if rl.Allow("/m") {
		t.Error("re-enabled limiter should deny")
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	rl := NewRateLimiter(
		WithNow(newStepClock().Now),
		WithMethodLimits(map[string]RateLimitConfig{"/m": {RequestsPerSecond: 1, BurstSize: 50}}),
	)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if rl.Allow("/m") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want exactly the burst of 50", allowed)
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	rl := NewRateLimiter(
		WithNow(newStepClock().Now),
		WithMethodLimits(map[string]RateLimitConfig{"/test/Method": {RequestsPerSecond: 1, BurstSize: 1}}),
	)
	interceptor := rl.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/test/Method"}
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	resp, err := interceptor(context.Background(), nil, info, handler)
	if err != nil || resp != "ok" {
		t.Fatalf("first call = (%v, %v), want (ok, nil)", resp, err)
	}

	_, err = interceptor(context.Background(), nil, info, handler)
	if status.Code(err) != codes.ResourceExhausted {
		t.Errorf("second call code = %v, want ResourceExhausted", status.Code(err))
	}
}

func TestDefaultRateLimitsCoverEveryMethod(t *testing.T) {
	for _, name := range methodNames {
		cfg, ok := DefaultRateLimits[FullMethod(name)]
		if !ok {
			t.Errorf("no default limit for %s", name)
			continue
		}
		if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 {
			t.Errorf("limit for %s = %+v, want positive values", name, cfg)
		}
		if float64(cfg.BurstSize) < cfg.RequestsPerSecond {
			t.Errorf("burst for %s is below its rate", name)
		}
	}
}
