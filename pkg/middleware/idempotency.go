package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const idempotencyKeyHeader = "Idempotency-Key"
const idempotencyTTL = 24 * time.Hour

type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the stored 2xx response for a repeated
// Idempotency-Key so a retried call initiation does not dial twice.
func IdempotencyMiddleware(redisClient *redis.Client, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		key := c.GetHeader(idempotencyKeyHeader)
		if key == "" {
			c.Next()
			return
		}

		cacheKey := "callbridge:idempotency:" + hashIdempotencyKey(c.FullPath()+"|"+key)
		ctx := c.Request.Context()

		val, err := redisClient.Get(ctx, cacheKey).Bytes()
		if err == nil && len(val) > 0 {
			c.Header("X-Idempotency-Key-Used", "true")
			c.Data(http.StatusOK, "application/json", val)
			c.Abort()
			return
		}
		if err != nil && err != redis.Nil {
			logger.Warn("Idempotency lookup failed", zap.Error(err))
		}

		writer := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		status := writer.Status()
		if status < 200 || status >= 300 || writer.body.Len() == 0 {
			return
		}
		if err := redisClient.Set(ctx, cacheKey, writer.body.Bytes(), idempotencyTTL).Err(); err != nil {
			logger.Warn("Failed to store idempotent response", zap.Error(err))
		}
	}
}

func hashIdempotencyKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
