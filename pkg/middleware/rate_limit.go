// Package middleware holds the gin middleware applied ahead of auth and
// dispatch: request sanitation and per-client rate limiting.
package middleware

import (
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/models"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

// CodeRateLimitExceeded is the envelope code for depleted buckets
const CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

// rateLimitKeyContextKey memoizes the composite bucket key per request
const rateLimitKeyContextKey = "rate_limit_key"

// RateLimitConfig configures one limiter instance
type RateLimitConfig struct {
	MaxRequests    int           // bucket capacity per window
	Window         time.Duration // refill window
	SkipSuccessful bool          // responses below 400 do not consume a token
	SkipFailed     bool          // responses 400 and above do not consume a token
}

// Presets matching the routes they guard
func SearchRateLimit() RateLimitConfig {
	return RateLimitConfig{MaxRequests: 100, Window: time.Minute}
}

func AdminRateLimit() RateLimitConfig {
	return RateLimitConfig{MaxRequests: 50, Window: time.Minute}
}

func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{MaxRequests: 1000, Window: time.Hour}
}

func StrictRateLimit() RateLimitConfig {
	return RateLimitConfig{MaxRequests: 10, Window: time.Minute}
}

// bucket is one token bucket. Refill is floor-based: tokens only come
// back once a whole share of the window has elapsed.
type bucket struct {
	tokens     int
	capacity   int
	window     time.Duration
	lastRefill time.Time
	lastAccess time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	refilled := int(math.Floor(float64(elapsed) / float64(b.window) * float64(b.capacity)))
	if refilled <= 0 {
		return
	}
	b.tokens += refilled
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// retryAfter reports the whole seconds until the next refill
func (b *bucket) retryAfter(now time.Time) int {
	wait := b.lastRefill.Add(b.window).Sub(now)
	if wait <= 0 {
		return 1
	}
	return int(math.Ceil(wait.Seconds()))
}

// RateLimiter owns the shared bucket store. Each call to Middleware
// creates one limiter instance with its own configuration, but all
// instances share the store and its sweeper.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	sweepInterval time.Duration
	maxIdle       time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRateLimiter creates the bucket store and starts its sweeper
func NewRateLimiter(logger observability.Logger, metrics observability.MetricsClient) *RateLimiter {
	rl := &RateLimiter{
		buckets:       make(map[string]*bucket),
		sweepInterval: 5 * time.Minute,
		maxIdle:       time.Hour,
		stopSweep:     make(chan struct{}),
		logger:        logger,
		metrics:       metrics,
	}
	go rl.sweepRoutine()
	return rl
}

// Stop halts the background sweeper
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopSweep) })
}

// Middleware builds a gin handler enforcing the given configuration.
// Buckets are keyed by (ip, user-agent, method, path) so distinct
// clients and distinct routes deplete independently.
func (rl *RateLimiter) Middleware(config RateLimitConfig) gin.HandlerFunc {
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultRateLimit().MaxRequests
	}
	if config.Window <= 0 {
		config.Window = DefaultRateLimit().Window
	}

	return func(c *gin.Context) {
		key := rl.requestKey(c)
		now := time.Now()

		rl.mu.Lock()
		b, exists := rl.buckets[key]
		if !exists {
			b = &bucket{
				tokens:     config.MaxRequests,
				capacity:   config.MaxRequests,
				window:     config.Window,
				lastRefill: now,
			}
			rl.buckets[key] = b
		}
		b.lastAccess = now
		b.refill(now)

		if b.tokens <= 0 {
			retryAfter := b.retryAfter(now)
			reset := b.lastRefill.Add(b.window).Unix()
			rl.mu.Unlock()

			rl.recordHit(c.Request.URL.Path)
			c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", config.MaxRequests))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", reset))
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))

			requestID := c.GetString("request_id")
			envelope := models.NewErrorEnvelope(requestID, CodeRateLimitExceeded, "Too many requests").
				WithDetail(fmt.Sprintf("limit of %d requests per %s exceeded", config.MaxRequests, config.Window)).
				WithRemediation(fmt.Sprintf("retry after %d seconds", retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, envelope)
			return
		}

		b.tokens--
		remaining := b.tokens
		reset := b.lastRefill.Add(b.window).Unix()
		rl.mu.Unlock()

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", config.MaxRequests))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", reset))

		c.Next()

		// Refund the token when the configuration exempts this outcome
		status := c.Writer.Status()
		refund := (config.SkipSuccessful && status < http.StatusBadRequest) ||
			(config.SkipFailed && status >= http.StatusBadRequest)
		if refund {
			rl.mu.Lock()
			if b, ok := rl.buckets[key]; ok && b.tokens < b.capacity {
				b.tokens++
			}
			rl.mu.Unlock()
		}
	}
}

// requestKey memoizes the composite key on the gin context so chained
// limiters agree on the bucket identity.
func (rl *RateLimiter) requestKey(c *gin.Context) string {
	if key := c.GetString(rateLimitKeyContextKey); key != "" {
		return key
	}
	key := fmt.Sprintf("%s|%s|%s|%s", c.ClientIP(), c.Request.UserAgent(), c.Request.Method, c.Request.URL.Path)
	c.Set(rateLimitKeyContextKey, key)
	return key
}

func (rl *RateLimiter) sweepRoutine() {
	ticker := time.NewTicker(rl.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep(time.Now())
		case <-rl.stopSweep:
			return
		}
	}
}

// sweep drops buckets idle longer than maxIdle
func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	before := len(rl.buckets)
	for key, b := range rl.buckets {
		if now.Sub(b.lastAccess) > rl.maxIdle {
			delete(rl.buckets, key)
		}
	}

	rl.logger.Debug("Rate limit sweep completed", map[string]interface{}{
		"swept":     before - len(rl.buckets),
		"remaining": len(rl.buckets),
	})
}

func (rl *RateLimiter) recordHit(path string) {
	if rl.metrics != nil {
		rl.metrics.IncrementCounterWithLabels("rate_limit_hits", 1.0, map[string]string{
			"path": path,
		})
	}
}

// BucketCount reports the live bucket count for stats endpoints
func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Stats summarizes the store for the diagnostics surface
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	depleted := 0
	for _, b := range rl.buckets {
		if b.tokens <= 0 {
			depleted++
		}
	}
	return map[string]interface{}{
		"total_buckets":    len(rl.buckets),
		"depleted_buckets": depleted,
		"sweep_interval":   rl.sweepInterval.String(),
		"max_idle":         rl.maxIdle.String(),
	}
}
