package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func testLimiter(limit int, window time.Duration, now *time.Time) *RateLimiter {
	// Built directly so no sweep goroutine outlives the test.
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		now:     func() time.Time { return *now },
	}
}

func TestRateLimiter_EnforcesLimit(t *testing.T) {
	now := time.Now()
	rl := testLimiter(3, time.Minute, &now)

	for i := 0; i < 3; i++ {
		if !rl.allow("10.0.0.1:1234") {
			t.Fatalf("Request %d should be allowed", i+1)
		}
	}
	if rl.allow("10.0.0.1:1234") {
		t.Error("Request over the limit should be rejected")
	}
}

func TestRateLimiter_PerIPIndependence(t *testing.T) {
	now := time.Now()
	rl := testLimiter(1, time.Minute, &now)

	if !rl.allow("10.0.0.1:1234") {
		t.Fatal("First IP should be allowed")
	}
	if rl.allow("10.0.0.1:1234") {
		t.Error("First IP should be over its limit")
	}
	if !rl.allow("10.0.0.2:1234") {
		t.Error("Second IP should have its own window")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	now := time.Now()
	rl := testLimiter(1, time.Minute, &now)

	rl.allow("10.0.0.1:1234")
	if rl.allow("10.0.0.1:1234") {
		t.Fatal("Second request in window should be rejected")
	}

	now = now.Add(time.Minute)
	if !rl.allow("10.0.0.1:1234") {
		t.Error("Request after window elapsed should open a fresh window")
	}
}

func TestRateLimiter_Middleware429(t *testing.T) {
	now := time.Now()
	rl := testLimiter(1, time.Minute, &now)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/generate", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("First request: got %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Second request: got %d, want 429", rec.Code)
	}
}

func TestRateLimiter_ConcurrentRequests(t *testing.T) {
	now := time.Now()
	rl := testLimiter(50, time.Minute, &now)

	var wg sync.WaitGroup
	allowed := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- rl.allow("10.0.0.1:1234")
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 50 {
		t.Errorf("Allowed %d requests, want exactly 50", count)
	}
}
