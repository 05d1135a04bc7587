// internal/storage/memory/memory.go
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/rovshanmuradov/solana-copybot/internal/storage"
	"github.com/rovshanmuradov/solana-copybot/internal/storage/models"
)

// Storage keeps the journal in process memory. Used when no database is
// configured.
type Storage struct {
	mu     sync.RWMutex
	nextID uint
	rows   []*models.Execution
	byID   map[string]*models.Execution
}

var _ storage.Storage = (*Storage)(nil)

func NewStorage() *Storage {
	return &Storage{byID: make(map[string]*models.Execution)}
}

func (s *Storage) SaveExecution(_ context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := *exec
	if existing, ok := s.byID[row.ExecutionID]; ok {
		row.ID = existing.ID
		*existing = row
		return nil
	}
	s.nextID++
	row.ID = s.nextID
	s.rows = append(s.rows, &row)
	s.byID[row.ExecutionID] = &row
	exec.ID = row.ID
	return nil
}

func (s *Storage) GetExecution(_ context.Context, executionID string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.byID[executionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *row
	return &out, nil
}

func (s *Storage) ListExecutions(_ context.Context, filter storage.ExecutionFilter) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Execution
	for _, row := range s.rows {
		if filter.AssetID != "" && row.AssetID != filter.AssetID {
			continue
		}
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && row.Kind != filter.Kind {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Storage) RunMigrations() error { return nil }

func (s *Storage) Close() error { return nil }
