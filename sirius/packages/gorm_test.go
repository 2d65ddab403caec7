package packages

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/postgres"
	"github.com/SiriusScan/pypi-gate/sirius/status"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := postgres.Open(context.Background(), postgres.Options{
		Driver:     postgres.DriverSQLite,
		DSN:        filepath.Join(t.TempDir(), "gate.db"),
		MaxElapsed: time.Second,
		LogLevel:   logger.Silent,
	})
	require.NoError(t, err)
	require.NoError(t, postgres.Migrate(db))
	t.Cleanup(func() { _ = postgres.Close(db) })
	return db
}

func TestGormRepository(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T, clock *testClock) Repository {
		return NewGormRepository(openSQLite(t), clock.Now)
	})
}

func TestGormRepositoryWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	repo := NewGormRepository(openSQLite(t), clock.Now)
	seed(t, repo, "requests", status.Pending, base)

	boom := errors.New("boom")
	err := repo.WithinTx(ctx, func(tx Repository) error {
		ok, err := tx.CompareAndSetStatus(ctx, "requests", status.Pending, status.Scanning)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	require.ErrorIs(t, err, boom)

	rec, err := repo.GetByName(ctx, "requests")
	require.NoError(t, err)
	require.Equal(t, status.Pending, rec.Status)
}

func TestGormRepositoryWithoutDatabase(t *testing.T) {
	repo := NewGormRepository(nil, nil)
	_, err := repo.CountByStatus(context.Background(), status.Pending)
	require.Error(t, err)
}
