package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/postgres"
	"github.com/SiriusScan/pypi-gate/sirius/postgres/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := postgres.Open(context.Background(), postgres.Options{
		Driver:     postgres.DriverSQLite,
		DSN:        filepath.Join(t.TempDir(), "events.db"),
		MaxElapsed: time.Second,
		LogLevel:   logger.Silent,
	})
	require.NoError(t, err)
	require.NoError(t, postgres.Migrate(db))
	t.Cleanup(func() { _ = postgres.Close(db) })
	return db
}

func TestRecorderBuffersUntilFull(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(openSQLite(t), 2)

	require.NoError(t, rec.Record(ctx, Entry{Type: models.EventTypeScanAdmitted, Package: "requests", Title: "admitted"}))
	_, total, err := rec.Query(ctx, Filters{})
	require.NoError(t, err)
	require.Equal(t, 0, total)

	require.NoError(t, rec.Record(ctx, Entry{Type: models.EventTypeLaunchFailed, Severity: models.SeverityError, Package: "flask", Title: "launch failed"}))
	_, total, err = rec.Query(ctx, Filters{})
	require.NoError(t, err)
	require.Equal(t, 2, total)
}

func TestRecorderQueries(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(openSQLite(t), 10)

	require.NoError(t, rec.Record(ctx, Entry{Type: models.EventTypeScanAdmitted, Package: "requests", Title: "admitted"}))
	require.NoError(t, rec.Record(ctx, Entry{Type: models.EventTypeScanCompleted, Package: "requests", Title: "safe", Metadata: map[string]interface{}{"verdict": "safe"}}))
	require.NoError(t, rec.Record(ctx, Entry{Type: models.EventTypeAdmissionCycle, Severity: "bogus", Title: "cycle"}))
	require.NoError(t, rec.Flush(ctx))

	byPkg, err := rec.ByPackage(ctx, "requests", 0)
	require.NoError(t, err)
	require.Len(t, byPkg, 2)
	require.Equal(t, models.EntityTypePackage, byPkg[0].EntityType)

	stats, err := rec.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 3, stats.BySeverity[models.SeverityInfo])
	require.Equal(t, 1, stats.ByType[models.EventTypeAdmissionCycle])
}

func TestRecorderPrune(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(openSQLite(t), 1)
	rec.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, rec.Record(ctx, Entry{Type: models.EventTypeScanAdmitted, Package: "old", Title: "old"}))

	rec.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, rec.Record(ctx, Entry{Type: models.EventTypeScanAdmitted, Package: "new", Title: "new"}))

	n, err := rec.Prune(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestRecorderStaysBoundedWhileDatabaseFails(t *testing.T) {
	ctx := context.Background()
	db, err := postgres.Open(ctx, postgres.Options{
		Driver:     postgres.DriverSQLite,
		DSN:        filepath.Join(t.TempDir(), "unmigrated.db"),
		MaxElapsed: time.Second,
		LogLevel:   logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = postgres.Close(db) })

	rec := NewRecorder(db, 10)
	for i := 0; i < 9; i++ {
		require.NoError(t, rec.Record(ctx, Entry{Type: models.EventTypeScanAdmitted, Package: "requests", Title: "admitted"}))
	}
	require.Error(t, rec.Record(ctx, Entry{Type: models.EventTypeScanAdmitted, Package: "requests", Title: "admitted"}))

	for i := 0; i < 2000; i++ {
		require.NoError(t, rec.Record(ctx, Entry{Type: models.EventTypeScanAdmitted, Package: "requests", Title: "admitted"}))
	}
	require.Equal(t, 100, rec.Buffered())
	require.Error(t, rec.Flush(ctx))

	require.NoError(t, postgres.Migrate(db))
	require.NoError(t, rec.Flush(ctx))
	require.Equal(t, 0, rec.Buffered())

	_, total, err := rec.Query(ctx, Filters{})
	require.NoError(t, err)
	require.Equal(t, 100, total)

	require.NoError(t, rec.Record(ctx, Entry{Type: models.EventTypeScanAdmitted, Package: "flask", Title: "admitted"}))
	require.Equal(t, 1, rec.Buffered())
}

func TestRecorderWithoutDatabase(t *testing.T) {
	require.Error(t, NewRecorder(nil, 1).Record(context.Background(), Entry{Title: "x"}))
}
