package packages

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/postgres/models"
	"github.com/SiriusScan/pypi-gate/sirius/status"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: base.Add(time.Hour)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type repoFactory func(t *testing.T, clock *testClock) Repository

func seed(t *testing.T, repo Repository, name string, st status.Status, createdAt time.Time) {
	t.Helper()
	ok, err := repo.InsertIfAbsent(context.Background(), &models.Package{
		Name:      name,
		Version:   "latest",
		Status:    st,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	})
	require.NoError(t, err)
	require.True(t, ok, "seed %s", name)
}

func names(recs []models.Package) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Name)
	}
	return out
}

func runRepositoryContract(t *testing.T, newRepo repoFactory) {
	ctx := context.Background()

	t.Run("insert if absent creates once", func(t *testing.T) {
		repo := newRepo(t, newTestClock())

		created, err := repo.InsertIfAbsent(ctx, &models.Package{Name: "requests", Version: "2.31.0", PythonVersion: "3.11.0"})
		require.NoError(t, err)
		require.True(t, created)

		created, err = repo.InsertIfAbsent(ctx, &models.Package{Name: "requests", Version: "1.0.0"})
		require.NoError(t, err)
		require.False(t, created)

		rec, err := repo.GetByName(ctx, "requests")
		require.NoError(t, err)
		require.Equal(t, status.Pending, rec.Status)
		require.Equal(t, "2.31.0", rec.Version)
		require.Equal(t, "3.11.0", rec.PythonVersion)
		require.True(t, base.Add(time.Hour).Equal(rec.CreatedAt))
	})

	t.Run("get missing", func(t *testing.T) {
		repo := newRepo(t, newTestClock())
		_, err := repo.GetByName(ctx, "nope")
		require.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("concurrent first inserts create exactly one record", func(t *testing.T) {
		repo := newRepo(t, newTestClock())

		var wg sync.WaitGroup
		var wins atomic.Int32
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := repo.InsertIfAbsent(ctx, &models.Package{Name: "flask", Version: "latest"})
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
		n, err := repo.CountByStatus(ctx, status.Pending)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("oldest pending first with name tie break", func(t *testing.T) {
		repo := newRepo(t, newTestClock())
		seed(t, repo, "zeta", status.Pending, base)
		seed(t, repo, "beta", status.Pending, base.Add(time.Second))
		seed(t, repo, "alpha", status.Pending, base.Add(time.Second))
		seed(t, repo, "busy", status.Scanning, base.Add(-time.Hour))
		seed(t, repo, "late", status.Pending, base.Add(time.Minute))

		recs, err := repo.SelectOldestPending(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, []string{"zeta", "alpha", "beta"}, names(recs))

		recs, err = repo.SelectOldestPending(ctx, 0)
		require.NoError(t, err)
		require.Empty(t, recs)
	})

	t.Run("compare and set", func(t *testing.T) {
		clock := newTestClock()
		repo := newRepo(t, clock)
		seed(t, repo, "numpy", status.Pending, base)

		clock.Advance(time.Minute)
		ok, err := repo.CompareAndSetStatus(ctx, "numpy", status.Pending, status.Scanning)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = repo.CompareAndSetStatus(ctx, "numpy", status.Pending, status.Scanning)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = repo.CompareAndSetStatus(ctx, "missing", status.Pending, status.Scanning)
		require.NoError(t, err)
		require.False(t, ok)

		_, err = repo.CompareAndSetStatus(ctx, "numpy", status.Scanning, status.Pending)
		require.True(t, errors.Is(err, status.ErrIllegalTransition))

		rec, err := repo.GetByName(ctx, "numpy")
		require.NoError(t, err)
		require.Equal(t, status.Scanning, rec.Status)
		require.True(t, clock.Now().Equal(rec.UpdatedAt))
	})

	t.Run("complete scan is one way", func(t *testing.T) {
		repo := newRepo(t, newTestClock())
		seed(t, repo, "evil", status.Scanning, base)
		seed(t, repo, "queued", status.Pending, base)

		ok, err := repo.CompleteScan(ctx, "evil", status.Vulnerable, models.JSONB{"cve": "CVE-2024-0001"}, "ignored")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = repo.CompleteScan(ctx, "evil", status.Safe, nil, "")
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = repo.CompleteScan(ctx, "queued", status.Safe, nil, "")
		require.NoError(t, err)
		require.False(t, ok)

		_, err = repo.CompleteScan(ctx, "evil", status.Scanning, nil, "")
		require.Error(t, err)

		rec, err := repo.GetByName(ctx, "evil")
		require.NoError(t, err)
		require.Equal(t, status.Vulnerable, rec.Status)
		require.Equal(t, "CVE-2024-0001", rec.VulnerabilityInfo["cve"])
		require.Empty(t, rec.ErrorMessage)
	})

	t.Run("error verdict keeps message", func(t *testing.T) {
		repo := newRepo(t, newTestClock())
		seed(t, repo, "broken", status.Scanning, base)

		ok, err := repo.CompleteScan(ctx, "broken", status.Error, nil, "scanner timed out")
		require.NoError(t, err)
		require.True(t, ok)

		rec, err := repo.GetByName(ctx, "broken")
		require.NoError(t, err)
		require.Equal(t, status.Error, rec.Status)
		require.Equal(t, "scanner timed out", rec.ErrorMessage)
	})

	t.Run("stats and listings", func(t *testing.T) {
		repo := newRepo(t, newTestClock())
		seed(t, repo, "a", status.Pending, base)
		seed(t, repo, "b", status.Pending, base.Add(time.Second))
		seed(t, repo, "c", status.Scanning, base.Add(2*time.Second))
		seed(t, repo, "d", status.Safe, base.Add(3*time.Second))

		stats, err := repo.StatusStats(ctx)
		require.NoError(t, err)
		require.Equal(t, 4, stats.Total)
		require.Equal(t, 2, stats.ByStatus[status.Pending])
		require.Equal(t, 1, stats.ByStatus[status.Scanning])
		require.Equal(t, 0, stats.ByStatus[status.Vulnerable])

		recent, err := repo.ListRecent(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, []string{"d", "c"}, names(recent))

		pending, err := repo.ListByStatus(ctx, status.Pending, 0)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, names(pending))
	})

	t.Run("find stuck scans", func(t *testing.T) {
		clock := newTestClock()
		repo := newRepo(t, clock)
		seed(t, repo, "old", status.Scanning, base)
		seed(t, repo, "fresh", status.Scanning, base.Add(50*time.Minute))
		seed(t, repo, "waiting", status.Pending, base)

		stuck, err := repo.FindStuck(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		require.Equal(t, []string{"old"}, names(stuck))
	})
}
