package middleware

import (
	"net/http"
	"sync"
	"time"
)

// sweepEvery controls how often stale buckets are evicted. It is coarser
// than the request windows so a sweep never races an active window.
const sweepEvery = 5 * time.Minute

type bucket struct {
	count       int
	windowStart time.Time
}

// RateLimiter is a fixed-window per-IP limiter. Each route group gets its
// own instance with its own limit and window, so auth and generate traffic
// are throttled independently.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
	now     func() time.Time // overridable in tests
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
	go rl.sweep()
	return rl
}

// allow counts a request against ip's current window, opening a fresh
// window when the previous one has elapsed.
func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok || now.Sub(b.windowStart) >= rl.window {
		rl.buckets[ip] = &bucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= rl.limit
}

// sweep drops buckets whose window has long expired, bounding memory on
// churny anonymous traffic.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := rl.now()
		for ip, b := range rl.buckets {
			if now.Sub(b.windowStart) >= rl.window {
				delete(rl.buckets, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(r.RemoteAddr) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.", r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
