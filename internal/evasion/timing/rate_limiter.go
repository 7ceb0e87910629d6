package timing

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter paces requests against a single target. When the target signals
// throttling the limit is halved, and it recovers step by step after a run of
// successful responses. A nil RateLimiter never blocks.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.Mutex
	logger  *logrus.Logger

	baseRate       rate.Limit
	minRate        rate.Limit
	adjustmentStep float64
	recoverAfter   int

	requestCount   int64
	throttledCount int64
	streak         int
	lastThrottled  time.Time
}

func NewRateLimiter(requestsPerSecond float64, burst int, logger *logrus.Logger) *RateLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	if logger == nil {
		logger = logrus.New()
	}
	if burst <= 0 {
		burst = 1
	}
	base := rate.Limit(requestsPerSecond)
	return &RateLimiter{
		limiter:        rate.NewLimiter(base, burst),
		logger:         logger,
		baseRate:       base,
		minRate:        base / 8,
		adjustmentStep: 0.25,
		recoverAfter:   10,
	}
}

func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return ctx.Err()
	}
	rl.mu.Lock()
	rl.requestCount++
	rl.mu.Unlock()
	return rl.limiter.Wait(ctx)
}

func (rl *RateLimiter) RecordSuccess() {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.streak++
	if rl.streak < rl.recoverAfter {
		return
	}
	rl.streak = 0
	current := rl.limiter.Limit()
	if current >= rl.baseRate {
		return
	}
	next := current * rate.Limit(1+rl.adjustmentStep)
	if next > rl.baseRate {
		next = rl.baseRate
	}
	rl.limiter.SetLimit(next)
	rl.logger.Debugf("raised request rate from %.2f to %.2f", current, next)
}

// RecordThrottled is called on 429/503 responses.
func (rl *RateLimiter) RecordThrottled() {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.streak = 0
	rl.throttledCount++
	rl.lastThrottled = time.Now()
	current := rl.limiter.Limit()
	next := current / 2
	if next < rl.minRate {
		next = rl.minRate
	}
	if next != current {
		rl.limiter.SetLimit(next)
		rl.logger.Infof("target is throttling, lowered request rate from %.2f to %.2f", current, next)
	}
}

func (rl *RateLimiter) Limit() rate.Limit {
	if rl == nil {
		return rate.Inf
	}
	return rl.limiter.Limit()
}

func (rl *RateLimiter) GetStats() map[string]interface{} {
	if rl == nil {
		return map[string]interface{}{"enabled": false}
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return map[string]interface{}{
		"enabled":         true,
		"current_rate":    float64(rl.limiter.Limit()),
		"base_rate":       float64(rl.baseRate),
		"request_count":   rl.requestCount,
		"throttled_count": rl.throttledCount,
		"last_throttled":  rl.lastThrottled,
	}
}
