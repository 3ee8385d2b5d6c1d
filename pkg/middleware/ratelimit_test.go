package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/wyfcoding/margintrading/pkg/config"
	"github.com/wyfcoding/margintrading/pkg/ratelimit"
)

type countingLimiter struct {
	allowed  int
	subjects []string
	err      error
}

func (l *countingLimiter) AllowOrder(_ context.Context, subject string) (*ratelimit.Decision, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.subjects = append(l.subjects, subject)
	if len(l.subjects) > l.allowed {
		return &ratelimit.Decision{Allowed: false, Limit: l.allowed, RetryAfter: 300 * time.Millisecond}, nil
	}
	return &ratelimit.Decision{Allowed: true, Limit: l.allowed, Remaining: l.allowed - len(l.subjects)}, nil
}

func newLimitedRouter(limiter ratelimit.OrderLimiter, cfg config.RateLimitConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/orders", RateLimitMiddleware(limiter, cfg), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func postOrder(r http.Handler, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddlewareBlocksAfterBurst(t *testing.T) {
	limiter := &countingLimiter{allowed: 2}
	r := newLimitedRouter(limiter, config.RateLimitConfig{Enabled: true, QPS: 2, Burst: 2})

	assert.Equal(t, http.StatusOK, postOrder(r, "u1").Code)
	assert.Equal(t, http.StatusOK, postOrder(r, "u1").Code)
	w := postOrder(r, "u1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, []string{"u1", "u1", "u1"}, limiter.subjects)
}

func TestRateLimitMiddlewareFallsBackToClientIP(t *testing.T) {
	limiter := &countingLimiter{allowed: 1}
	r := newLimitedRouter(limiter, config.RateLimitConfig{Enabled: true, QPS: 1, Burst: 1})
	assert.Equal(t, http.StatusOK, postOrder(r, "").Code)
	assert.Equal(t, []string{"192.0.2.1"}, limiter.subjects)
}

func TestRateLimitMiddlewareFailsOpen(t *testing.T) {
	r := newLimitedRouter(&countingLimiter{err: errors.New("redis down")}, config.RateLimitConfig{Enabled: true, QPS: 1, Burst: 1})
	assert.Equal(t, http.StatusOK, postOrder(r, "u1").Code)
}

func TestRateLimitMiddlewareDisabled(t *testing.T) {
	limiter := &countingLimiter{}
	r := newLimitedRouter(limiter, config.RateLimitConfig{Enabled: false})
	assert.Equal(t, http.StatusOK, postOrder(r, "").Code)
	assert.Empty(t, limiter.subjects)
}
