package packages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/postgres"
	"github.com/SiriusScan/pypi-gate/sirius/postgres/models"
	"github.com/SiriusScan/pypi-gate/sirius/status"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormRepository stores records in PostgreSQL (or SQLite) through gorm.
type GormRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormRepository creates a repository on db. now may be nil.
func NewGormRepository(db *gorm.DB, now func() time.Time) *GormRepository {
	if now == nil {
		now = time.Now
	}
	return &GormRepository{db: db, now: now}
}

func (r *GormRepository) conn(ctx context.Context) (*gorm.DB, error) {
	if r.db == nil {
		return nil, fmt.Errorf("database connection not available")
	}
	return r.db.WithContext(ctx), nil
}

func (r *GormRepository) GetByName(ctx context.Context, name string) (*models.Package, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rec models.Package
	if err := db.Where("name = ?", name).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get package %s: %w", name, err)
	}
	return &rec, nil
}

func (r *GormRepository) InsertIfAbsent(ctx context.Context, rec *models.Package) (bool, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return false, err
	}
	if rec.Status == "" {
		rec.Status = status.Pending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(rec)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert package %s: %w", rec.Name, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *GormRepository) CountByStatus(ctx context.Context, s status.Status) (int, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := db.Model(&models.Package{}).Where("status = ?", s).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s packages: %w", s, err)
	}
	return int(n), nil
}

func (r *GormRepository) SelectOldestPending(ctx context.Context, limit int) ([]models.Package, error) {
	if limit <= 0 {
		return nil, nil
	}
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var recs []models.Package
	err = db.Where("status = ?", status.Pending).
		Order("created_at ASC").
		Order("name ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select pending packages: %w", err)
	}
	return recs, nil
}

func (r *GormRepository) CompareAndSetStatus(ctx context.Context, name string, expected, next status.Status) (bool, error) {
	if !status.CanTransition(expected, next) {
		return false, fmt.Errorf("%w: %s -> %s", status.ErrIllegalTransition, expected, next)
	}
	db, err := r.conn(ctx)
	if err != nil {
		return false, err
	}

	result := db.Model(&models.Package{}).
		Where("name = ? AND status = ?", name, expected).
		Updates(map[string]interface{}{
			"status":     next,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to move package %s to %s: %w", name, next, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *GormRepository) CompleteScan(ctx context.Context, name string, verdict status.Status, info models.JSONB, errMsg string) (bool, error) {
	if !verdict.IsTerminal() {
		return false, fmt.Errorf("%w: %q is not a scan verdict", status.ErrIllegalTransition, verdict)
	}
	db, err := r.conn(ctx)
	if err != nil {
		return false, err
	}

	info, errMsg = completionFields(verdict, info, errMsg)
	result := db.Model(&models.Package{}).
		Where("name = ? AND status = ?", name, status.Scanning).
		Updates(map[string]interface{}{
			"status":             verdict,
			"vulnerability_info": info,
			"error_message":      errMsg,
			"updated_at":         r.now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to complete scan of %s: %w", name, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *GormRepository) ListRecent(ctx context.Context, limit int) ([]models.Package, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var recs []models.Package
	err = db.Order("created_at DESC").Order("name ASC").Limit(clampLimit(limit)).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	return recs, nil
}

func (r *GormRepository) ListByStatus(ctx context.Context, s status.Status, limit int) ([]models.Package, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var recs []models.Package
	err = db.Where("status = ?", s).
		Order("created_at ASC").
		Order("name ASC").
		Limit(clampLimit(limit)).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list %s packages: %w", s, err)
	}
	return recs, nil
}

func (r *GormRepository) StatusStats(ctx context.Context) (Stats, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return Stats{}, err
	}

	var rows []struct {
		Status string
		Count  int64
	}
	err = db.Model(&models.Package{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate package statuses: %w", err)
	}

	stats := newStats()
	for _, row := range rows {
		stats.ByStatus[status.Status(row.Status)] = int(row.Count)
		stats.Total += int(row.Count)
	}
	return stats, nil
}

func (r *GormRepository) FindStuck(ctx context.Context, cutoff time.Time) ([]models.Package, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var recs []models.Package
	err = db.Where("status = ? AND updated_at < ?", status.Scanning, cutoff.UTC()).
		Order("updated_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck scans: %w", err)
	}
	return recs, nil
}

// WithinTx runs fn in a single transaction. On PostgreSQL the transaction is
// serializable; SQLite transactions already are.
func (r *GormRepository) WithinTx(ctx context.Context, fn func(repo Repository) error) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	var opts []*sql.TxOptions
	if postgres.IsPostgres(db) {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	return db.Transaction(func(tx *gorm.DB) error {
		return fn(&GormRepository{db: tx, now: r.now})
	}, opts...)
}
