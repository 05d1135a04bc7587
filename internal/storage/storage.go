// internal/storage/storage.go
package storage

import (
	"context"
	"errors"

	"github.com/rovshanmuradov/solana-copybot/internal/storage/models"
)

// ErrNotFound is returned when a journal entry does not exist.
var ErrNotFound = errors.New("execution not found")

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	AssetID string
	Status  string
	Kind    string
	Limit   int
}

// Storage определяет интерфейс журнала исполнений
type Storage interface {
	SaveExecution(ctx context.Context, exec *models.Execution) error
	GetExecution(ctx context.Context, executionID string) (*models.Execution, error)
	// ListExecutions returns newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.Execution, error)

	RunMigrations() error
	Close() error
}
