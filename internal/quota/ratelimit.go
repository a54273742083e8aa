package quota

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/filora/filora/internal/auth"
	"github.com/filora/filora/internal/metrics"
	"github.com/filora/filora/internal/protocol"
)

// RateLimiter implements per-owner token bucket rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	rpm     int
	now     func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// owner. rpm=0 means unlimited.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		rpm:     rpm,
		now:     time.Now,
	}
}

func (rl *RateLimiter) refillRate() float64 { return float64(rl.rpm) / 60.0 }

// refill must be called with mu held.
func (rl *RateLimiter) refill(owner string) *tokenBucket {
	now := rl.now()
	bucket, ok := rl.buckets[owner]
	if !ok {
		bucket = &tokenBucket{tokens: float64(rl.rpm), lastRefill: now}
		rl.buckets[owner] = bucket
		return bucket
	}
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	bucket.tokens = math.Min(bucket.tokens+elapsed*rl.refillRate(), float64(rl.rpm))
	bucket.lastRefill = now
	return bucket
}

// Allow reports whether a request from owner may proceed and takes a token
// if so.
func (rl *RateLimiter) Allow(owner string) bool {
	if rl.rpm <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket := rl.refill(owner)
	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

// RetryAfter returns the number of seconds until the next token is available.
func (rl *RateLimiter) RetryAfter(owner string) int {
	if rl.rpm <= 0 {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[owner]
	if !ok || bucket.tokens >= 1 {
		return 0
	}
	needed := 1.0 - bucket.tokens
	return max(int(math.Ceil(needed/rl.refillRate())), 1)
}

// Cleanup removes buckets of owners not seen for maxAge and returns how
// many were dropped.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	n := 0
	for owner, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, owner)
			n++
		}
	}
	return n
}

// Middleware rejects requests over the owner's rate with 429. It must run
// behind the auth middleware; a nil limiter passes everything through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil || rl.rpm <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := auth.GetClaims(r.Context())
		if claims == nil {
			next.ServeHTTP(w, r)
			return
		}

		owner := claims.Owner()
		if !rl.Allow(owner) {
			metrics.RecordRateLimitHit()
			w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter(owner)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(protocol.ErrorResponse{
				Error: "rate limit exceeded",
				Code:  http.StatusTooManyRequests,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
