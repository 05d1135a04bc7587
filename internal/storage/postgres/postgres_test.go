package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rovshanmuradov/solana-copybot/internal/storage"
	"github.com/rovshanmuradov/solana-copybot/internal/storage/models"
)

func TestGormLogger_Trace(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := newGormLogger(zap.New(core))
	sql := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(context.Background(), time.Now(), sql, nil)
	assert.Equal(t, 0, logs.Len(), "fast queries are quiet at warn level")

	l.Trace(context.Background(), time.Now(), sql, gorm.ErrRecordNotFound)
	assert.Equal(t, 0, logs.Len(), "not found is not an error")

	l.Trace(context.Background(), time.Now(), sql, errors.New("connection reset"))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Query failed", logs.All()[0].Message)

	l.Trace(context.Background(), time.Now().Add(-time.Second), sql, nil)
	assert.Equal(t, "Slow query", logs.All()[1].Message)

	l.LogMode(logger.Silent).Trace(context.Background(), time.Now(), sql, errors.New("ignored"))
	assert.Equal(t, 2, logs.Len())
}

// Runs against a real database only when COPYBOT_TEST_POSTGRES_URL is set.
func TestPostgresStorage_RoundTrip(t *testing.T) {
	dsn := os.Getenv("COPYBOT_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("COPYBOT_TEST_POSTGRES_URL not set")
	}

	s, err := NewStorage(dsn, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.RunMigrations())

	ctx := context.Background()
	asset := "Mint" + uuid.NewString()[:8]
	now := time.Now().UTC().Truncate(time.Millisecond)
	exec := &models.Execution{
		ExecutionID:  uuid.NewString(),
		Kind:         "buy",
		Status:       models.StatusFailed,
		AssetID:      asset,
		Stage:        "SUBMITTED",
		Signature:    "5sig",
		InAmountRaw:  "1000000000",
		OutAmountRaw: "340282366920938463463374607431768211457",
		StartedAt:    now.Add(-time.Second),
		FinishedAt:   now,
	}
	require.NoError(t, s.SaveExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, exec.OutAmountRaw, got.OutAmountRaw)
	assert.Equal(t, "5sig", got.Signature)

	rows, err := s.ListExecutions(ctx, storage.ExecutionFilter{AssetID: asset})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = s.GetExecution(ctx, uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
