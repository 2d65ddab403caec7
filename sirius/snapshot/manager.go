// Package snapshot keeps a short history of point-in-time status counts in
// the key/value store so operators can see the queue drain or back up.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/packages"
	"github.com/SiriusScan/pypi-gate/sirius/status"
	"github.com/SiriusScan/pypi-gate/sirius/store"
)

const (
	keyPrefix     = "gate:snapshot:"
	idLayout      = "20060102-150405.000"
	DefaultRetain = 10
)

// Snapshot is a point-in-time view of the package table.
type Snapshot struct {
	SnapshotID string         `json:"snapshot_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	Cycle      *CycleSummary  `json:"cycle,omitempty"`
}

// CycleSummary is the admission cycle that preceded the snapshot.
type CycleSummary struct {
	RunningBefore  int `json:"running_before"`
	Admitted       int `json:"admitted"`
	RunningAfter   int `json:"running_after"`
	FailedLaunches int `json:"failed_launches"`
	Stuck          int `json:"stuck"`
}

// StatsSource supplies the counts to capture.
type StatsSource interface {
	StatusStats(ctx context.Context) (packages.Stats, error)
}

// Manager handles snapshot CRUD operations and retention.
type Manager struct {
	kvStore store.KVStore
	stats   StatsSource
	retain  int
	now     func() time.Time
}

// NewManager creates a Manager keeping the newest retain snapshots.
func NewManager(kvStore store.KVStore, stats StatsSource, retain int) *Manager {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Manager{kvStore: kvStore, stats: stats, retain: retain, now: time.Now}
}

// Capture computes and stores a snapshot, then prunes old ones.
func (m *Manager) Capture(ctx context.Context, cycle *CycleSummary) (*Snapshot, error) {
	stats, err := m.stats.StatusStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute status counts: %w", err)
	}

	now := m.now().UTC()
	snap := &Snapshot{
		SnapshotID: now.Format(idLayout),
		Timestamp:  now,
		Total:      stats.Total,
		ByStatus:   make(map[string]int, len(status.All)),
		Cycle:      cycle,
	}
	for _, st := range status.All {
		snap.ByStatus[string(st)] = stats.ByStatus[st]
	}

	if err := m.Save(ctx, snap); err != nil {
		return nil, err
	}
	if err := m.Cleanup(ctx); err != nil {
		slog.Warn("Failed to cleanup old snapshots", "error", err)
	}
	return snap, nil
}

// Save stores snap under its ID.
func (m *Manager) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := m.kvStore.SetValue(ctx, keyPrefix+snap.SnapshotID, string(data)); err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", snap.SnapshotID, err)
	}
	return nil
}

// Get retrieves a snapshot by ID.
func (m *Manager) Get(ctx context.Context, snapshotID string) (*Snapshot, error) {
	value, err := m.kvStore.GetValue(ctx, keyPrefix+snapshotID)
	if err != nil {
		return nil, fmt.Errorf("snapshot not found for ID %s: %w", snapshotID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(value), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// List returns snapshot IDs, newest first.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	keys, err := m.kvStore.ListKeys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if id := strings.TrimPrefix(key, keyPrefix); id != key && id != "" {
			ids = append(ids, id)
		}
	}

	// IDs are timestamps in a sortable layout.
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] > ids[j]
	})
	return ids, nil
}

// Recent returns up to limit snapshots, newest first. Snapshots that fail
// to load are skipped.
func (m *Manager) Recent(ctx context.Context, limit int) ([]*Snapshot, error) {
	if limit <= 0 || limit > m.retain {
		limit = m.retain
	}

	ids, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := m.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Latest returns the newest snapshot.
func (m *Manager) Latest(ctx context.Context) (*Snapshot, error) {
	ids, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no snapshots available")
	}
	return m.Get(ctx, ids[0])
}

// Cleanup keeps only the newest retain snapshots.
func (m *Manager) Cleanup(ctx context.Context) error {
	ids, err := m.List(ctx)
	if err != nil {
		return err
	}
	if len(ids) <= m.retain {
		return nil
	}

	for _, id := range ids[m.retain:] {
		key := keyPrefix + id
		if err := m.kvStore.DeleteValue(ctx, key); err != nil {
			slog.Warn("Failed to delete old snapshot", "key", key, "error", err)
		}
	}
	return nil
}
