package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/bl4ck0w1/lynxscan/internal/orchestration"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore persists scans through gorm. Every InTransaction call maps to one
// database transaction.
type PostgresStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func OpenPostgres(ctx context.Context, cfg models.StorageConfig, logger *logrus.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.DSN == "" {
		return nil, errors.New("postgres storage requires storage.dsn")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.New(logger, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	if err := Migrate(ctx, sqlDB, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return NewPostgresStore(db, logger), nil
}

func NewPostgresStore(db *gorm.DB, logger *logrus.Logger) *PostgresStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB, logger *logrus.Logger) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Infof("applied migration %d in %s", r.Source.Version, r.Duration)
	}
	return nil
}

func (s *PostgresStore) InTransaction(ctx context.Context, fn func(tx orchestration.UnitOfWork) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (s *PostgresStore) Usage(ctx context.Context, userID string, day time.Time) (int, error) {
	var usage models.UserUsage
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", userID, models.UsageDay(day)).
		Limit(1).
		Find(&usage).Error
	if err != nil {
		return 0, err
	}
	return usage.RequestCount, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]models.ScanHistory, error) {
	q := s.db.WithContext(ctx).
		Preload("Findings").
		Preload("Technologies").
		Where("user_id = ?", userID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.ScanHistory
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetStorageStats() (map[string]interface{}, error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, err
	}
	st := sqlDB.Stats()
	return map[string]interface{}{
		"type":             models.StorageTypePostgres,
		"open_connections": st.OpenConnections,
		"in_use":           st.InUse,
		"idle":             st.Idle,
		"wait_count":       st.WaitCount,
	}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) AddScanHistory(ctx context.Context, h *models.ScanHistory) error {
	return t.db.WithContext(ctx).Omit(clause.Associations).Create(h).Error
}

func (t *gormTx) AddFindings(ctx context.Context, findings []models.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	return t.db.WithContext(ctx).Create(&findings).Error
}

func (t *gormTx) AddTechnologies(ctx context.Context, techs []models.Technology) error {
	if len(techs) == 0 {
		return nil
	}
	return t.db.WithContext(ctx).Create(&techs).Error
}

func (t *gormTx) AddSummary(ctx context.Context, s *models.IASummary) error {
	return t.db.WithContext(ctx).Create(s).Error
}

// IncrementUsage upserts the (user, day) row so concurrent first scans of a day
// cannot create duplicates.
func (t *gormTx) IncrementUsage(ctx context.Context, userID string, day time.Time) error {
	now := time.Now().UTC()
	usage := models.UserUsage{
		UserID:       userID,
		Date:         models.UsageDay(day),
		RequestCount: 1,
		UpdatedAt:    now,
	}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"request_count": gorm.Expr("user_usages.request_count + 1"),
			"updated_at":    now,
		}),
	}).Create(&usage).Error
}

func (t *gormTx) AddAuditLog(ctx context.Context, entry *models.AuditLog) error {
	return t.db.WithContext(ctx).Create(entry).Error
}
