package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/nooterra/substrate/internal/core"
)

// RateLimiter enforces per-tenant, per-agent call budgets with a sliding
// one-minute window. Expired windows are garbage-collected in the background.
type RateLimiter struct {
	mu       sync.RWMutex
	windows  map[string]*rateLimitWindow
	defaults RateLimitConfig
	clock    core.Clock
	logger   *log.Logger
}

// RateLimitConfig defines the thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int // temporary headroom above the limit
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter(cfg RateLimitConfig, clock core.Clock, logger *log.Logger) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RateLimit] ", log.LstdFlags)
	}
	return &RateLimiter{
		windows:  make(map[string]*rateLimitWindow),
		defaults: cfg,
		clock:    clock,
		logger:   logger,
	}
}

// Allow reports whether a request under key (tenantId:agentId) fits the
// current window. The count increment under RLock is a benign race; the
// limit is soft.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clock.Now()

	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.defaults.BurstSize {
			rl.logger.Printf("rate limit exceeded (burst): key=%s count=%d limit=%d",
				key, count, rl.defaults.BurstSize)
			return false
		}
		if count > rl.defaults.MaxCallsPerMinute {
			rl.logger.Printf("rate limit exceeded: key=%s count=%d limit=%d",
				key, count, rl.defaults.MaxCallsPerMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Re-check: another goroutine may have opened the window.
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.defaults.BurstSize
	}
	rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
	return true
}

// Middleware keys requests on the resolved tenant plus the x-agent-id header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := TenantID(r.Context())
		if tenantID == "" {
			tenantID = "default"
		}
		agentID := r.Header.Get("x-agent-id")
		if agentID == "" {
			agentID = "anonymous"
		}

		if !rl.Allow(tenantID + ":" + agentID) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, core.NewError(core.CodeRateLimited,
				"rate limit exceeded, retry after 60s"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartCleanup evicts expired windows every interval until stop is closed.
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rl.mu.Lock()
				now := rl.clock.Now()
				for key, window := range rl.windows {
					if now.Sub(window.windowStart) > 2*time.Minute {
						delete(rl.windows, key)
					}
				}
				rl.mu.Unlock()
			}
		}
	}()
}

// Stats exposes limiter counters for the ops surface.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return map[string]interface{}{
		"activeWindows":     len(rl.windows),
		"maxCallsPerMinute": rl.defaults.MaxCallsPerMinute,
		"burstSize":         rl.defaults.BurstSize,
	}
}
