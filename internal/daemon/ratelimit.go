package daemon

import (
	"context"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RateLimitConfig is a token bucket: RequestsPerSecond tokens are added per
// second up to BurstSize.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

var (
	writeLimit   = RateLimitConfig{RequestsPerSecond: 20, BurstSize: 40}
	readLimit    = RateLimitConfig{RequestsPerSecond: 100, BurstSize: 200}
	outcomeLimit = RateLimitConfig{RequestsPerSecond: 200, BurstSize: 400}
	healthLimit  = RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 1000}
)

// DefaultRateLimits holds the per-method limits, keyed by full method.
var DefaultRateLimits = map[string]RateLimitConfig{
	FullMethod(MethodPing):   healthLimit,
	FullMethod(MethodStatus): healthLimit,

	// A manual tick walks a whole batch.
	FullMethod(MethodTick): {RequestsPerSecond: 1, BurstSize: 5},

	FullMethod(MethodCreateSequence):        writeLimit,
	FullMethod(MethodCreateSequenceVersion): writeLimit,
	FullMethod(MethodSetSequenceStatus):     writeLimit,
	FullMethod(MethodRegisterTemplate):      writeLimit,
	FullMethod(MethodCreateTemplateTest):    writeLimit,
	FullMethod(MethodCreateExperiment):      writeLimit,
	FullMethod(MethodStartExperiment):       writeLimit,
	FullMethod(MethodPauseExperiment):       writeLimit,
	FullMethod(MethodResumeExperiment):      writeLimit,
	FullMethod(MethodCompleteExperiment):    writeLimit,
	FullMethod(MethodAdvanceEnrollment):     writeLimit,
	FullMethod(MethodStopEnrollment):        writeLimit,

	FullMethod(MethodGetSequence):          readLimit,
	FullMethod(MethodListSequences):        readLimit,
	FullMethod(MethodGetTemplate):          readLimit,
	FullMethod(MethodListTemplates):        readLimit,
	FullMethod(MethodRenderTemplate):       readLimit,
	FullMethod(MethodGetTemplateForUser):   readLimit,
	FullMethod(MethodGetEnrollment):        readLimit,
	FullMethod(MethodListEnrollments):      readLimit,
	FullMethod(MethodGetExperimentResults): readLimit,
	FullMethod(MethodListExperiments):      readLimit,
	FullMethod(MethodAssignVariant):        readLimit,

	// Enrollment and outcome ingestion come from upstream systems in bulk.
	FullMethod(MethodEnrollLead):    outcomeLimit,
	FullMethod(MethodRecordOutcome): outcomeLimit,
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
	ratePerSec float64
	maxTokens  float64
	requests   int64
	denied     int64
}

func newTokenBucket(cfg RateLimitConfig, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(cfg.BurstSize),
		lastUpdate: now,
		ratePerSec: cfg.RequestsPerSecond,
		maxTokens:  float64(cfg.BurstSize),
	}
}

// refill must be called with mu held.
func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastUpdate).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.ratePerSec
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastUpdate = now
}

func (tb *tokenBucket) allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.requests++
	tb.refill(now)
	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	tb.denied++
	return false
}

func (tb *tokenBucket) stats(now time.Time) (available float64, requests, denied int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return tb.tokens, tb.requests, tb.denied
}

// RateLimiter applies token buckets per method and optionally globally.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	configs map[string]RateLimitConfig

	globalBucket *tokenBucket
	globalConfig *RateLimitConfig

	enabled bool
	now     func() time.Time
}

// RateLimiterOption configures the RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMethodLimits overrides limits for specific methods.
func WithMethodLimits(limits map[string]RateLimitConfig) RateLimiterOption {
	return func(rl *RateLimiter) {
		for method, cfg := range limits {
			rl.configs[method] = cfg
		}
	}
}

// WithGlobalLimit adds a limit shared by all methods.
func WithGlobalLimit(cfg RateLimitConfig) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.globalConfig = &cfg
	}
}

// WithEnabled enables or disables rate limiting.
func WithEnabled(enabled bool) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.enabled = enabled
	}
}

// WithNow sets the time source used to refill buckets.
func WithNow(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.now = now
	}
}

// NewRateLimiter creates a limiter seeded with DefaultRateLimits.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		configs: make(map[string]RateLimitConfig, len(DefaultRateLimits)),
		enabled: true,
		now:     time.Now,
	}
	for method, cfg := range DefaultRateLimits {
		rl.configs[method] = cfg
	}
	for _, opt := range opts {
		opt(rl)
	}
	if rl.globalConfig != nil {
		rl.globalBucket = newTokenBucket(*rl.globalConfig, rl.now())
	}
	return rl
}

// Allow reports whether a call to method may proceed and consumes a token.
// Methods without a configured limit are only subject to the global limit.
func (rl *RateLimiter) Allow(method string) bool {
	if !rl.IsEnabled() {
		return true
	}
	now := rl.now()
	if rl.globalBucket != nil && !rl.globalBucket.allow(now) {
		return false
	}
	bucket := rl.getBucket(method, now)
	if bucket == nil {
		return true
	}
	return bucket.allow(now)
}

func (rl *RateLimiter) getBucket(method string, now time.Time) *tokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[method]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, exists = rl.buckets[method]; exists {
		return bucket
	}
	cfg, ok := rl.configs[method]
	if !ok {
		return nil
	}
	bucket = newTokenBucket(cfg, now)
	rl.buckets[method] = bucket
	return bucket
}

// MethodStats reports one bucket.
type MethodStats struct {
	Method           string  `json:"method"`
	Available        float64 `json:"available"`
	RequestsPerSec   float64 `json:"requests_per_sec"`
	BurstSize        int     `json:"burst_size"`
	TotalRequests    int64   `json:"total_requests"`
	DeniedRequests   int64   `json:"denied_requests"`
	DeniedPercentage float64 `json:"denied_percentage"`
}

// Stats returns statistics for every method that has been called, sorted
// by method.
func (rl *RateLimiter) Stats() []MethodStats {
	now := rl.now()

	rl.mu.RLock()
	stats := make([]MethodStats, 0, len(rl.buckets))
	for method, bucket := range rl.buckets {
		cfg := rl.configs[method]
		stats = append(stats, bucketStats(method, cfg, bucket, now))
	}
	rl.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Method < stats[j].Method })
	return stats
}

// GlobalStats returns statistics for the global limit, or nil.
func (rl *RateLimiter) GlobalStats() *MethodStats {
	if rl.globalBucket == nil || rl.globalConfig == nil {
		return nil
	}
	ms := bucketStats("global", *rl.globalConfig, rl.globalBucket, rl.now())
	return &ms
}

func bucketStats(method string, cfg RateLimitConfig, bucket *tokenBucket, now time.Time) MethodStats {
	ms := MethodStats{
		Method:         method,
		RequestsPerSec: cfg.RequestsPerSecond,
		BurstSize:      cfg.BurstSize,
	}
	ms.Available, ms.TotalRequests, ms.DeniedRequests = bucket.stats(now)
	if ms.TotalRequests > 0 {
		ms.DeniedPercentage = float64(ms.DeniedRequests) / float64(ms.TotalRequests) * 100
	}
	return ms
}

// SetEnabled enables or disables rate limiting at runtime.
func (rl *RateLimiter) SetEnabled(enabled bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.enabled = enabled
}

// IsEnabled reports whether rate limiting is on.
func (rl *RateLimiter) IsEnabled() bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.enabled
}

// UnaryServerInterceptor rejects calls over the limit with ResourceExhausted.
func (rl *RateLimiter) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !rl.Allow(info.FullMethod) {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for method %s", info.FullMethod)
		}
		return handler(ctx, req)
	}
}
