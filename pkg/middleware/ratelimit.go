package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/troikatech/callbridge/pkg/errors"
	"go.uber.org/zap"
)

// RateLimiter is a fixed-window limiter shared across instances through Redis.
type RateLimiter struct {
	client      *redis.Client
	maxRequests int
	window      time.Duration
	logger      *zap.Logger
}

func NewRateLimiter(client *redis.Client, maxRequestsPerMinute int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		client:      client,
		maxRequests: maxRequestsPerMinute,
		window:      time.Minute,
		logger:      logger,
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.GetString("operator")
		if subject == "" || subject == "anonymous" {
			subject = c.ClientIP()
		}

		key := fmt.Sprintf("callbridge:ratelimit:%s", subject)
		ctx := c.Request.Context()

		pipe := rl.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rl.window)
		if _, err := pipe.Exec(ctx); err != nil {
			// Fail open: the limiter must not take the dashboard down with Redis.
			rl.logger.Warn("Rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		count := incr.Val()
		remaining := int64(rl.maxRequests) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(rl.maxRequests) {
			c.Header("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			errors.TooManyRequests(c, "rate limit exceeded")
			return
		}

		c.Next()
	}
}
