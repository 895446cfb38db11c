package gateway

import (
	"net/http"
	"sync"
	"time"
)

const maxBuckets = 1024

// bucket is a token bucket refilled continuously at rate tokens per second.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimiter keeps one token bucket per caller, keyed by token or remote
// address. A nil or zero-rate limiter lets everything through.
type RateLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		rate:    float64(requestsPerMinute) / 60.0,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for key if available.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= maxBuckets {
			rl.evictIdleLocked(now)
		}
		b = &bucket{tokens: rl.burst, lastRefill: now}
		rl.buckets[key] = b
	}
	b.tokens += now.Sub(b.lastRefill).Seconds() * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.lastRefill = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// EvictIdle drops buckets that have refilled completely, which carry no state.
func (rl *RateLimiter) EvictIdle() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.evictIdleLocked(rl.now())
}

func (rl *RateLimiter) evictIdleLocked(now time.Time) int {
	full := time.Duration(rl.burst / rl.rate * float64(time.Second))
	n := 0
	for key, b := range rl.buckets {
		if now.Sub(b.lastRefill) >= full {
			delete(rl.buckets, key)
			n++
		}
	}
	return n
}

func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractToken(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
