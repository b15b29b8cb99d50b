package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// KeyTaskTypeRate is the bucket key format for per task type dispatch rates.
const KeyTaskTypeRate = "queue:rate:%s"

// Limiter enforces a per-key events-per-second ceiling. It uses the shared
// redis bucket when configured and falls back to a process-local limiter
// when redis is absent or failing.
type Limiter struct {
	bucket *TokenBucket
	log    *zap.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func NewLimiter(bucket *TokenBucket, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{
		bucket: bucket,
		log:    log.Named("ratelimit"),
		local:  map[string]*rate.Limiter{},
	}
}

// Allow reports whether one event under key may proceed now. When it may
// not, the returned duration is a hint for when to try again.
func (l *Limiter) Allow(ctx context.Context, key string, perSecond float64) (bool, time.Duration) {
	if perSecond <= 0 {
		return true, 0
	}
	burst := int(math.Max(1, math.Ceil(perSecond)))

	if l.bucket != nil {
		res, err := l.bucket.Allow(ctx, key, perSecond, burst)
		if err == nil {
			return res.Allowed, res.RetryAfter
		}
		l.log.Warn("redis rate limit unavailable, using local limiter",
			zap.String("key", key),
			zap.Error(err),
		)
	}

	lim := l.localLimiter(key, perSecond, burst)
	if lim.Allow() {
		return true, 0
	}
	return false, time.Duration(float64(time.Second) / perSecond)
}

func (l *Limiter) localLimiter(key string, perSecond float64, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.local[key]
	if !ok || lim.Limit() != rate.Limit(perSecond) || lim.Burst() != burst {
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
		l.local[key] = lim
	}
	return lim
}
