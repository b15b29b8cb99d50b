package server

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/songforge/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	keyGenerationCreateRate = "http:generations:create:%d"

	// generationCreatePerSecond caps how fast one user can open requests.
	generationCreatePerSecond = 0.5
)

// GenerationCreateRateLimit throttles request creation per user. Without a
// limiter every request passes.
func (s *Server) GenerationCreateRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		userID, ok := userIDFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		allowed, retryAfter := s.limiter.Allow(c.Request.Context(), fmt.Sprintf(keyGenerationCreateRate, userID), generationCreatePerSecond)
		if !allowed {
			denyRateLimit(c, userID, retryAfter)
			return
		}
		c.Next()
	}
}

func denyRateLimit(c *gin.Context, userID int64, retryAfter time.Duration) {
	log := logger.FromContext(c.Request.Context())
	log.Warn("generation create rate limit exceeded",
		zap.Int64("user_id", userID),
		zap.String("endpoint", normalizeRateLimitEndpoint(c)),
	)

	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	AbortWithError(c, ErrRateLimited)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
