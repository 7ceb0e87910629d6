package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/bl4ck0w1/lynxscan/internal/orchestration"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	valkey "github.com/valkey-io/valkey-go"
)

const (
	lockKeyPrefix  = "lynxscan:scan-lock:"
	defaultLockTTL = 2 * time.Minute
)

// releaseScript deletes the key only while it still holds our token, so an expired
// lock taken over by another instance is left alone.
var releaseScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// ValkeyScanLock shares the one-scan-per-user rule across API instances. The TTL
// bounds how long a crashed instance can keep a user locked out.
type ValkeyScanLock struct {
	client valkey.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewValkeyScanLock(address string, ttl time.Duration, logger *logrus.Logger) (*ValkeyScanLock, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{address}})
	if err != nil {
		return nil, fmt.Errorf("connect to valkey %s: %w", address, err)
	}
	return &ValkeyScanLock{client: client, ttl: ttl, logger: logger}, nil
}

func (l *ValkeyScanLock) Acquire(ctx context.Context, userID string) (func(), error) {
	key := lockKeyPrefix + userID
	token := uuid.NewString()

	cmd := l.client.B().Set().Key(key).Value(token).Nx().Px(l.ttl).Build()
	if err := l.client.Do(ctx, cmd).Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, orchestration.ErrScanInProgress
		}
		return nil, fmt.Errorf("valkey SET for key '%s' failed: %w", key, err)
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Exec(rctx, l.client, []string{key}, []string{token}).Error(); err != nil {
			l.logger.Warnf("releasing scan lock for %s: %v", userID, err)
		}
	}, nil
}

func (l *ValkeyScanLock) Close() error {
	l.client.Close()
	return nil
}

// NewScanLock returns a valkey lock when an address is configured and an
// in-process lock otherwise. The close func is never nil.
func NewScanLock(cfg models.LockConfig, logger *logrus.Logger) (orchestration.ScanLock, func() error, error) {
	if cfg.ValkeyAddress == "" {
		return orchestration.NewLocalScanLock(), func() error { return nil }, nil
	}
	l, err := NewValkeyScanLock(cfg.ValkeyAddress, cfg.TTL, logger)
	if err != nil {
		return nil, nil, err
	}
	return l, l.Close, nil
}
