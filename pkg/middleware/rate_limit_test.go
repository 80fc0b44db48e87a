package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/models"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

func newLimitedRouter(t *testing.T, config RateLimitConfig, status int) (*gin.Engine, *RateLimiter) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	t.Cleanup(rl.Stop)

	r := gin.New()
	r.GET("/limited", rl.Middleware(config), func(c *gin.Context) {
		c.JSON(status, gin.H{"ok": status < 400})
	})
	return r, rl
}

func doLimited(router *gin.Engine, ua string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/limited", nil)
	r.Header.Set("User-Agent", ua)
	router.ServeHTTP(w, r)
	return w
}

func TestRateLimitDepletion(t *testing.T) {
	router, _ := newLimitedRouter(t, RateLimitConfig{MaxRequests: 3, Window: time.Hour}, http.StatusOK)

	for i := 0; i < 3; i++ {
		w := doLimited(router, "agent-a")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(2-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	w := doLimited(router, "agent-a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)

	var envelope models.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.False(t, envelope.Success)
	assert.Equal(t, CodeRateLimitExceeded, envelope.Error.Code)
	assert.NotEmpty(t, envelope.Error.Remediation)
}

func TestRateLimitKeyIncludesUserAgent(t *testing.T) {
	router, rl := newLimitedRouter(t, RateLimitConfig{MaxRequests: 1, Window: time.Hour}, http.StatusOK)

	assert.Equal(t, http.StatusOK, doLimited(router, "agent-a").Code)
	assert.Equal(t, http.StatusTooManyRequests, doLimited(router, "agent-a").Code)

	// A different user agent gets its own bucket
	assert.Equal(t, http.StatusOK, doLimited(router, "agent-b").Code)
	assert.Equal(t, 2, rl.BucketCount())
}

func TestRateLimitFloorRefill(t *testing.T) {
	b := &bucket{tokens: 0, capacity: 10, window: time.Minute, lastRefill: time.Now().Add(-time.Second)}

	// One second of a one-minute window is not a whole token share yet
	// for a small capacity, but 10 tokens/minute yields one per 6s.
	b.refill(time.Now())
	assert.Equal(t, 0, b.tokens)

	b.lastRefill = time.Now().Add(-7 * time.Second)
	b.refill(time.Now())
	assert.Equal(t, 1, b.tokens)

	// A full window restores capacity and never overflows
	b.lastRefill = time.Now().Add(-2 * time.Minute)
	b.refill(time.Now())
	assert.Equal(t, 10, b.tokens)
}

func TestRateLimitSkipSuccessfulRefunds(t *testing.T) {
	router, _ := newLimitedRouter(t, RateLimitConfig{
		MaxRequests:    1,
		Window:         time.Hour,
		SkipSuccessful: true,
	}, http.StatusOK)

	// Each 200 refunds its token, so the single-token bucket never runs dry
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, doLimited(router, "agent-a").Code)
	}
}

func TestRateLimitSkipFailedRefunds(t *testing.T) {
	router, _ := newLimitedRouter(t, RateLimitConfig{
		MaxRequests: 1,
		Window:      time.Hour,
		SkipFailed:  true,
	}, http.StatusBadGateway)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusBadGateway, doLimited(router, "agent-a").Code)
	}
}

func TestRateLimitSweepDropsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	defer rl.Stop()

	now := time.Now()
	rl.mu.Lock()
	rl.buckets["stale"] = &bucket{lastAccess: now.Add(-2 * time.Hour)}
	rl.buckets["fresh"] = &bucket{lastAccess: now}
	rl.mu.Unlock()

	rl.sweep(now)
	assert.Equal(t, 1, rl.BucketCount())
}

func TestRateLimitPresets(t *testing.T) {
	assert.Equal(t, RateLimitConfig{MaxRequests: 100, Window: time.Minute}, SearchRateLimit())
	assert.Equal(t, RateLimitConfig{MaxRequests: 50, Window: time.Minute}, AdminRateLimit())
	assert.Equal(t, RateLimitConfig{MaxRequests: 1000, Window: time.Hour}, DefaultRateLimit())
	assert.Equal(t, RateLimitConfig{MaxRequests: 10, Window: time.Minute}, StrictRateLimit())
}
