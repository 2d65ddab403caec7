package packages

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/postgres/models"
	"github.com/SiriusScan/pypi-gate/sirius/status"
)

// MemoryRepository keeps records in a map. It is used by tests and by the
// diagnose command when no database is configured.
type MemoryRepository struct {
	mu     sync.Mutex
	recs   map[string]*models.Package
	nextID uint
	now    func() time.Time
}

// NewMemoryRepository creates an empty repository. now may be nil.
func NewMemoryRepository(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{recs: make(map[string]*models.Package), now: now}
}

func clonePackage(p *models.Package) models.Package {
	out := *p
	if p.VulnerabilityInfo != nil {
		out.VulnerabilityInfo = make(models.JSONB, len(p.VulnerabilityInfo))
		for k, v := range p.VulnerabilityInfo {
			out.VulnerabilityInfo[k] = v
		}
	}
	return out
}

func (m *MemoryRepository) GetByName(_ context.Context, name string) (*models.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[name]
	if !ok {
		return nil, ErrNotFound
	}
	out := clonePackage(rec)
	return &out, nil
}

func (m *MemoryRepository) InsertIfAbsent(_ context.Context, rec *models.Package) (bool, error) {
	if rec.Status == "" {
		rec.Status = status.Pending
	}
	if !rec.Status.Valid() {
		return false, fmt.Errorf("failed to insert package %s: unknown status %q", rec.Name, rec.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.recs[rec.Name]; ok {
		return false, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	m.nextID++
	rec.ID = m.nextID

	stored := clonePackage(rec)
	m.recs[rec.Name] = &stored
	return true, nil
}

func (m *MemoryRepository) CountByStatus(_ context.Context, s status.Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, rec := range m.recs {
		if rec.Status == s {
			n++
		}
	}
	return n, nil
}

// filter returns copies of matching records sorted by createdAt then name.
func (m *MemoryRepository) filter(keep func(*models.Package) bool) []models.Package {
	var out []models.Package
	for _, rec := range m.recs {
		if keep(rec) {
			out = append(out, clonePackage(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (m *MemoryRepository) SelectOldestPending(_ context.Context, limit int) ([]models.Package, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.filter(func(p *models.Package) bool { return p.Status == status.Pending })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) CompareAndSetStatus(_ context.Context, name string, expected, next status.Status) (bool, error) {
	if !status.CanTransition(expected, next) {
		return false, fmt.Errorf("%w: %s -> %s", status.ErrIllegalTransition, expected, next)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[name]
	if !ok || rec.Status != expected {
		return false, nil
	}
	rec.Status = next
	rec.UpdatedAt = m.now().UTC()
	return true, nil
}

func (m *MemoryRepository) CompleteScan(_ context.Context, name string, verdict status.Status, info models.JSONB, errMsg string) (bool, error) {
	if !verdict.IsTerminal() {
		return false, fmt.Errorf("%w: %q is not a scan verdict", status.ErrIllegalTransition, verdict)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[name]
	if !ok || rec.Status != status.Scanning {
		return false, nil
	}
	info, errMsg = completionFields(verdict, info, errMsg)
	rec.Status = verdict
	rec.VulnerabilityInfo = info
	rec.ErrorMessage = errMsg
	rec.UpdatedAt = m.now().UTC()
	return true, nil
}

func (m *MemoryRepository) ListRecent(_ context.Context, limit int) ([]models.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.filter(func(*models.Package) bool { return true })
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListByStatus(_ context.Context, s status.Status, limit int) ([]models.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.filter(func(p *models.Package) bool { return p.Status == s })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) StatusStats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := newStats()
	for _, rec := range m.recs {
		stats.ByStatus[rec.Status]++
		stats.Total++
	}
	return stats, nil
}

func (m *MemoryRepository) FindStuck(_ context.Context, cutoff time.Time) ([]models.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.filter(func(p *models.Package) bool {
		return p.Status == status.Scanning && p.UpdatedAt.Before(cutoff)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
