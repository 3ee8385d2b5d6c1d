package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/margintrading/pkg/config"
	"github.com/wyfcoding/margintrading/pkg/logger"
	"github.com/wyfcoding/margintrading/pkg/ratelimit"
)

// UserIDHeader 调用方用户标识请求头，鉴权由网关完成
const UserIDHeader = "X-User-ID"

// RateLimitMiddleware 按用户限流，没有用户标识时按客户端 IP
func RateLimitMiddleware(limiter ratelimit.OrderLimiter, cfg config.RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled || limiter == nil {
			c.Next()
			return
		}

		subject := c.GetHeader(UserIDHeader)
		if subject == "" {
			subject = c.ClientIP()
		}

		res, err := limiter.AllowOrder(c.Request.Context(), subject)
		if err != nil {
			// 限流器不可用时放行
			logger.Warn(c.Request.Context(), "rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if !res.Allowed {
			c.Header("Retry-After", strconv.FormatInt(int64(res.RetryAfter/time.Second)+1, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": res.RetryAfter.String(),
			})
			return
		}
		c.Next()
	}
}
