package dns

import (
	"context"
	"errors"
	"math/rand"
	"time"
	mdns "github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

type RetryHandler struct {
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
	logger       *logrus.Logger
}

func NewRetryHandler(maxRetries int, baseDelay time.Duration, logger *logrus.Logger) *RetryHandler {
	if logger == nil {
		logger = logrus.New()
	}
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryHandler{
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     baseDelay * 8,
		jitterFactor: 0.3,
		logger:       logger,
	}
}

func (r *RetryHandler) DoWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsPermanentDNSError(lastErr) || attempt == r.maxRetries {
			break
		}

		backoff := r.backoff(attempt + 1)
		r.logger.Debugf("dns attempt %d/%d failed, retrying in %v: %v", attempt+1, r.maxRetries+1, backoff, lastErr)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (r *RetryHandler) backoff(attempt int) time.Duration {
	d := r.baseDelay * time.Duration(1<<(attempt-1))
	if d > r.maxDelay {
		d = r.maxDelay
	}
	scale := 1 + r.jitterFactor*(2*rand.Float64()-1)
	return time.Duration(float64(d) * scale)
}

// IsPermanentDNSError reports answers that will not change on retry.
func IsPermanentDNSError(err error) bool {
	var rc *RcodeError
	if !errors.As(err, &rc) {
		return false
	}
	switch rc.Rcode {
	case mdns.RcodeNameError, mdns.RcodeRefused, mdns.RcodeNotZone, mdns.RcodeNotAuth, mdns.RcodeFormatError:
		return true
	}
	return false
}
