package ratelimit

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const sweepEvery = 5 * time.Minute

// RateLimiter holds a token bucket per client guarding the pipeline
// triggers, which each start a full scoring run.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	limit     rate.Limit
	burst     int
	logger    *zap.Logger
	now       func() time.Time
	lastSweep time.Time
}

type Config struct {
	MaxRequestsPerMinute int
	WindowDuration       time.Duration
	Logger               *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func New(cfg Config) *RateLimiter {
	if cfg.MaxRequestsPerMinute == 0 {
		cfg.MaxRequestsPerMinute = 6
	}
	if cfg.WindowDuration == 0 {
		cfg.WindowDuration = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     rate.Every(cfg.WindowDuration / time.Duration(cfg.MaxRequestsPerMinute)),
		burst:     cfg.MaxRequestsPerMinute,
		logger:    cfg.Logger,
		now:       cfg.Now,
		lastSweep: cfg.Now(),
	}
}

func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()
		if clientID := c.Get("X-Client-ID"); clientID != "" {
			key = clientID
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))
		wait, ok := rl.take(key)
		if !ok {
			rl.logger.Warn("Trigger rate limit exceeded",
				zap.String("key", key),
				zap.String("path", c.Path()),
				zap.Duration("retry_after", wait),
			)
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.Set("X-RateLimit-Remaining", "0")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return c.Next()
	}
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	_, ok := rl.take(key)
	return ok
}

// take takes one token, or reports how long until one is available and
// takes nothing.
func (rl *RateLimiter) take(key string) (time.Duration, bool) {
	now := rl.now()
	r := rl.limiter(key, now).ReserveN(now, 1)
	if !r.OK() {
		return time.Duration(float64(time.Second) / float64(rl.limit)), false
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return wait, false
	}
	return 0, true
}

func (rl *RateLimiter) limiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= sweepEvery {
		rl.sweep(now)
		rl.lastSweep = now
	}

	lim, ok := rl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = lim
	}
	return lim
}

// sweep drops limiters whose bucket has refilled. A new limiter starts full,
// so dropping one loses nothing.
func (rl *RateLimiter) sweep(now time.Time) {
	for key, lim := range rl.limiters {
		if lim.TokensAt(now) >= float64(rl.burst) {
			delete(rl.limiters, key)
		}
	}
}
