// Package packages persists package scan records and is the only place that
// moves a record between statuses.
package packages

import (
	"context"
	"errors"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/postgres/models"
	"github.com/SiriusScan/pypi-gate/sirius/status"
)

// ErrNotFound is returned when no record exists for a name.
var ErrNotFound = errors.New("package not found")

// Repository is the package record store. Conditional writes report whether
// they applied instead of failing, so callers racing for the same record can
// tell a lost race from a broken store.
type Repository interface {
	// GetByName returns the record for a normalized name or ErrNotFound.
	GetByName(ctx context.Context, name string) (*models.Package, error)
	// InsertIfAbsent creates rec unless a record with the same name exists.
	// It reports whether this call created it.
	InsertIfAbsent(ctx context.Context, rec *models.Package) (bool, error)
	// CountByStatus counts records in the given status.
	CountByStatus(ctx context.Context, s status.Status) (int, error)
	// SelectOldestPending returns up to limit pending records, oldest first,
	// ties broken by name.
	SelectOldestPending(ctx context.Context, limit int) ([]models.Package, error)
	// CompareAndSetStatus moves name from expected to next if it is still in
	// expected. It reports whether the write applied.
	CompareAndSetStatus(ctx context.Context, name string, expected, next status.Status) (bool, error)
	// CompleteScan records a verdict on a scanning record along with its
	// vulnerability details or error message.
	CompleteScan(ctx context.Context, name string, verdict status.Status, info models.JSONB, errMsg string) (bool, error)
	// ListRecent returns the most recently created records.
	ListRecent(ctx context.Context, limit int) ([]models.Package, error)
	// ListByStatus returns records in a status, oldest first.
	ListByStatus(ctx context.Context, s status.Status, limit int) ([]models.Package, error)
	// StatusStats counts records per status.
	StatusStats(ctx context.Context) (Stats, error)
	// FindStuck returns scanning records whose last update is before cutoff.
	FindStuck(ctx context.Context, cutoff time.Time) ([]models.Package, error)
}

// Transactor is implemented by repositories that can run several operations
// as one serializable unit.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(repo Repository) error) error
}

// Stats is the per status record count.
type Stats struct {
	Total    int                   `json:"total"`
	ByStatus map[status.Status]int `json:"by_status"`
}

func newStats() Stats {
	s := Stats{ByStatus: make(map[status.Status]int, len(status.All))}
	for _, st := range status.All {
		s.ByStatus[st] = 0
	}
	return s
}

// completionFields returns the detail columns stored with a verdict. A safe
// verdict clears both; vulnerable keeps only the findings.
func completionFields(verdict status.Status, info models.JSONB, errMsg string) (models.JSONB, string) {
	switch verdict {
	case status.Vulnerable:
		return info, ""
	case status.Error:
		return info, errMsg
	default:
		return nil, ""
	}
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
