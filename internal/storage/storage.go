package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/bl4ck0w1/lynxscan/internal/orchestration"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("record not found")

// Backend is a Store that can also list past runs.
type Backend interface {
	orchestration.Store
	History(ctx context.Context, userID string, limit int) ([]models.ScanHistory, error)
	GetStorageStats() (map[string]interface{}, error)
	Close() error
}

var (
	_ Backend = (*LocalStore)(nil)
	_ Backend = (*PostgresStore)(nil)
)

// Open builds the backend selected by cfg.Type. Postgres schemas are migrated
// before the store is returned.
func Open(ctx context.Context, cfg models.StorageConfig, logger *logrus.Logger) (Backend, error) {
	switch cfg.Type {
	case "", models.StorageTypeLocal:
		return NewLocalStore(cfg.Path, false, logger)
	case models.StorageTypePostgres:
		return OpenPostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
