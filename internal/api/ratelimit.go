package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cashbridge/internal/logging"
)

const (
	// staleLimiterTTL is how long a per-user limiter can be idle before cleanup.
	staleLimiterTTL = 10 * time.Minute

	// cleanupInterval is how often the background goroutine sweeps stale entries.
	cleanupInterval = time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserRateLimiter limits requests per authenticated user. Unauthenticated
// requests are keyed by remote address.
type UserRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	logger   *zap.Logger
	nowFunc  func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewUserRateLimiter allows perMinute requests per user with the given burst.
// Call Stop to release the cleanup goroutine.
func NewUserRateLimiter(perMinute, burst int, logger *zap.Logger) *UserRateLimiter {
	if perMinute <= 0 {
		perMinute = 6
	}
	if burst <= 0 {
		burst = 1
	}
	rl := &UserRateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		logger:   logging.OrNop(logger).Named("ratelimit"),
		nowFunc:  time.Now,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop shuts down the cleanup goroutine. Safe to call multiple times.
func (rl *UserRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

func (rl *UserRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *UserRateLimiter) evictStale() {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > staleLimiterTTL {
			delete(rl.limiters, key)
		}
	}
}

// LimiterCount returns the number of active limiter entries.
func (rl *UserRateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Wrap applies the limit before delegating to next.
func (rl *UserRateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if id, ok := IdentityFrom(r.Context()); ok {
			key = "user:" + id.UserID
		}

		lim := rl.get(key)
		if !lim.AllowN(rl.nowFunc(), 1) {
			wait := time.Duration(float64(time.Second) / float64(rl.limit))
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			rl.logger.Warn("rate limit exceeded",
				zap.String("key", key),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *UserRateLimiter) get(key string) *rate.Limiter {
	now := rl.nowFunc()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, ok := rl.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	lim := rate.NewLimiter(rl.limit, rl.burst)
	rl.limiters[key] = &limiterEntry{limiter: lim, lastSeen: now}
	return lim
}
