package auth

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/spec-kit/entitlement-service/pkg/util/errorutil"
)

type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter throttles credential attempts per caller address.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu       sync.Mutex
	limiters map[string]*keyedLimiter
	now      func() time.Time
	logger   *zap.Logger
}

// NewRateLimiter allows perMinute attempts with the given burst. Entries idle
// longer than ttl are dropped by Cleanup.
func NewRateLimiter(perMinute float64, burst int, ttl time.Duration, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perMinute / 60.0),
		burst:    burst,
		ttl:      ttl,
		limiters: make(map[string]*keyedLimiter),
		now:      time.Now,
		logger:   logger,
	}
}

// Allow consumes one attempt for key.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, ok := rl.limiters[key]
	if !ok {
		entry = &keyedLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastAccess = now
	return entry.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the limit with RATE_LIMITED.
func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()
		if rl.Allow(key) {
			return c.Next()
		}
		rl.logger.Warn("rate limit exceeded", zap.String("ip", key), zap.String("path", c.Path()))
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(rl.retryAfterSeconds()))
		return apperrors.NewRateLimited()
	}
}

// AllowEmail throttles attempts against one account regardless of address.
func (rl *RateLimiter) AllowEmail(email string) bool {
	return rl.Allow("email:" + strings.ToLower(strings.TrimSpace(email)))
}

// Cleanup drops idle entries and returns how many were removed.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastAccess) > rl.ttl {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Run drops idle entries every interval until ctx ends.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := rl.Cleanup(); removed > 0 {
				rl.logger.Debug("rate limiter entries dropped", zap.Int("removed", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.limit <= 0 {
		return 60
	}
	return max(1, int(math.Ceil(1.0/float64(rl.limit))))
}
