// internal/storage/postgres/postgres.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rovshanmuradov/solana-copybot/internal/storage"
	"github.com/rovshanmuradov/solana-copybot/internal/storage/models"
)

const migrationLockID = 7341

// postgresStorage реализует журнал исполнений поверх GORM.
type postgresStorage struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStorage открывает подключение к Postgres.
func NewStorage(dsn string, zapLogger *zap.Logger) (storage.Storage, error) {
	return open(postgres.Open(dsn), zapLogger)
}

func open(dialector gorm.Dialector, zapLogger *zap.Logger) (*postgresStorage, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(zapLogger.Named("gorm")),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &postgresStorage{db: db, logger: zapLogger}, nil
}

// RunMigrations применяет AutoMigrate под advisory lock.
func (p *postgresStorage) RunMigrations() error {
	var locked bool
	if err := p.db.Raw("SELECT pg_try_advisory_lock(?)", migrationLockID).Scan(&locked).Error; err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another migration is in progress")
	}
	defer p.db.Exec("SELECT pg_advisory_unlock(?)", migrationLockID)

	if err := p.db.AutoMigrate(&models.Execution{}); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SaveExecution upserts by execution id.
func (p *postgresStorage) SaveExecution(ctx context.Context, exec *models.Execution) error {
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "execution_id"}},
			UpdateAll: true,
		}).
		Create(exec).Error
	if err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ExecutionID, err)
	}
	return nil
}

func (p *postgresStorage) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	var exec models.Execution
	err := p.db.WithContext(ctx).Where("execution_id = ?", executionID).First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (p *postgresStorage) ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]*models.Execution, error) {
	q := p.db.WithContext(ctx).Model(&models.Execution{})
	if filter.AssetID != "" {
		q = q.Where("asset_id = ?", filter.AssetID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []*models.Execution
	if err := q.Order("finished_at desc").Order("id desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (p *postgresStorage) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
