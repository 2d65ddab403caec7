// Package events records an audit trail of what the gate did to each
// package. Entries are buffered and written to the events table in batches.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/postgres/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Service is stamped on every event this process writes.
const Service = "pypi-gate"

// Entry is one event to record.
type Entry struct {
	Type        string
	Severity    string
	Package     string
	Title       string
	Description string
	Metadata    map[string]interface{}
}

// Sink accepts events. The admission controller and the completion
// consumer only depend on this.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Filters narrows Query.
type Filters struct {
	Limit     int
	Offset    int
	Severity  string
	EventType string
	Package   string
	Since     *time.Time
}

// Stats is the aggregated event count.
type Stats struct {
	Total      int            `json:"total_events"`
	BySeverity map[string]int `json:"by_severity"`
	ByType     map[string]int `json:"by_type"`
}

// flushChunk is the number of rows per INSERT. Eleven columns per event keep
// a chunk under SQLite's 999 bound parameters.
const flushChunk = 50

// Recorder buffers events and writes them in batches.
type Recorder struct {
	db         *gorm.DB
	mu         sync.Mutex
	buffer     []models.Event
	bufferSize int
	maxBuffer  int

	// failing is set after a failed flush; Record then only buffers and
	// retries are left to Flush.
	failing bool
	dropped int
	now     func() time.Time
}

// NewRecorder creates a recorder that flushes every bufferSize events, or
// when Run's ticker fires. A bufferSize of 1 writes synchronously. While the
// database is failing at most ten buffers are kept; older events are dropped.
func NewRecorder(db *gorm.DB, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	maxBuffer := bufferSize * 10
	if maxBuffer < flushChunk {
		maxBuffer = flushChunk
	}
	return &Recorder{
		db:         db,
		buffer:     make([]models.Event, 0, bufferSize),
		bufferSize: bufferSize,
		maxBuffer:  maxBuffer,
		now:        time.Now,
	}
}

// Buffered returns the number of events waiting to be written.
func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

func (r *Recorder) toEvent(e Entry) models.Event {
	now := r.now().UTC()

	severity := e.Severity
	if !models.IsValidSeverity(severity) {
		severity = models.SeverityInfo
	}
	title := e.Title
	if len(title) > 255 {
		title = title[:252] + "..."
	}

	var metadata models.JSONB
	if len(e.Metadata) > 0 {
		metadata = make(models.JSONB, len(e.Metadata))
		for k, v := range e.Metadata {
			metadata[k] = v
		}
	}

	ev := models.Event{
		EventID:     "evt_" + uuid.NewString(),
		Timestamp:   now,
		Service:     Service,
		EventType:   e.Type,
		Severity:    severity,
		Title:       title,
		Description: e.Description,
		Metadata:    metadata,
		CreatedAt:   now,
	}
	if e.Package != "" {
		ev.EntityType = models.EntityTypePackage
		ev.EntityID = e.Package
	} else {
		ev.EntityType = models.EntityTypeAdmission
	}
	return ev
}

// Record buffers an event, flushing when the buffer is full.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if r.db == nil {
		return fmt.Errorf("database connection not available")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buffer) >= r.maxBuffer {
		drop := len(r.buffer) - r.maxBuffer + 1
		r.buffer = append(r.buffer[:0], r.buffer[drop:]...)
		if r.dropped == 0 {
			slog.Warn("Event buffer full, dropping oldest events", "max_buffered", r.maxBuffer)
		}
		r.dropped += drop
	}
	r.buffer = append(r.buffer, r.toEvent(e))
	if len(r.buffer) >= r.bufferSize && !r.failing {
		return r.flushLocked(ctx)
	}
	return nil
}

// Flush writes all buffered events.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(ctx)
}

// flushLocked requires r.mu. Chunks are written oldest first; whatever is
// left after a failed chunk stays buffered for the next flush.
func (r *Recorder) flushLocked(ctx context.Context) error {
	if len(r.buffer) == 0 {
		return nil
	}
	if r.db == nil {
		return fmt.Errorf("database connection not available")
	}

	written := 0
	for written < len(r.buffer) {
		end := written + flushChunk
		if end > len(r.buffer) {
			end = len(r.buffer)
		}
		if err := r.db.WithContext(ctx).Create(r.buffer[written:end]).Error; err != nil {
			r.buffer = append(r.buffer[:0], r.buffer[written:]...)
			r.failing = true
			return fmt.Errorf("failed to flush %d events: %w", len(r.buffer), err)
		}
		written = end
	}
	slog.Debug("Flushed events", "count", written)
	if r.dropped > 0 {
		slog.Warn("Events were dropped while the database was unavailable", "dropped", r.dropped)
		r.dropped = 0
	}
	r.buffer = r.buffer[:0]
	r.failing = false
	return nil
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				slog.Error("Periodic event flush failed", "error", err)
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Flush(flushCtx); err != nil {
				slog.Error("Final event flush failed", "error", err)
			}
			cancel()
			return
		}
	}
}

// Query returns events newest first with the total matching count.
func (r *Recorder) Query(ctx context.Context, f Filters) ([]models.Event, int, error) {
	if r.db == nil {
		return nil, 0, fmt.Errorf("database connection not available")
	}

	query := r.db.WithContext(ctx).Model(&models.Event{})
	if f.Severity != "" {
		query = query.Where("severity = ?", f.Severity)
	}
	if f.EventType != "" {
		query = query.Where("event_type = ?", f.EventType)
	}
	if f.Package != "" {
		query = query.Where("entity_type = ? AND entity_id = ?", models.EntityTypePackage, f.Package)
	}
	if f.Since != nil {
		query = query.Where("timestamp >= ?", f.Since.UTC())
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var out []models.Event
	err := query.Order("timestamp DESC").Order("id DESC").Limit(f.Limit).Offset(f.Offset).Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query events: %w", err)
	}
	return out, int(total), nil
}

// ByPackage returns the newest events for one package.
func (r *Recorder) ByPackage(ctx context.Context, name string, limit int) ([]models.Event, error) {
	out, _, err := r.Query(ctx, Filters{Package: name, Limit: limit})
	return out, err
}

// Statistics aggregates events by severity and type.
func (r *Recorder) Statistics(ctx context.Context) (*Stats, error) {
	if r.db == nil {
		return nil, fmt.Errorf("database connection not available")
	}
	db := r.db.WithContext(ctx)

	stats := &Stats{
		BySeverity: make(map[string]int),
		ByType:     make(map[string]int),
	}

	var total int64
	if err := db.Model(&models.Event{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	stats.Total = int(total)

	var severityCounts []struct {
		Severity string
		Count    int
	}
	if err := db.Model(&models.Event{}).
		Select("severity, COUNT(*) as count").
		Group("severity").
		Scan(&severityCounts).Error; err != nil {
		return nil, fmt.Errorf("failed to count by severity: %w", err)
	}
	for _, item := range severityCounts {
		stats.BySeverity[item.Severity] = item.Count
	}

	var typeCounts []struct {
		EventType string
		Count     int
	}
	if err := db.Model(&models.Event{}).
		Select("event_type, COUNT(*) as count").
		Group("event_type").
		Scan(&typeCounts).Error; err != nil {
		return nil, fmt.Errorf("failed to count by type: %w", err)
	}
	for _, item := range typeCounts {
		stats.ByType[item.EventType] = item.Count
	}

	return stats, nil
}

// Prune deletes events older than olderThan.
func (r *Recorder) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if r.db == nil {
		return 0, fmt.Errorf("database connection not available")
	}

	cutoff := r.now().UTC().Add(-olderThan)
	result := r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
