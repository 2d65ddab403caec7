package policy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/packages"
	"github.com/SiriusScan/pypi-gate/sirius/postgres/models"
	"github.com/SiriusScan/pypi-gate/sirius/status"
	"github.com/SiriusScan/pypi-gate/sirius/versionspec"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, repo packages.Repository, rec models.Package) {
	t.Helper()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = base
	}
	ok, err := repo.InsertIfAbsent(context.Background(), &rec)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestResolveUnknownPackageQueuesIt(t *testing.T) {
	repo := packages.NewMemoryRepository(nil)
	var created []string
	p := New(repo, WithClock(func() time.Time { return base }), OnCreate(func(name string) { created = append(created, name) }))

	d, err := p.Resolve(context.Background(), Lookup{Name: "Requests", Version: "2.31.0", PythonVersion: "3.11.0"})
	require.NoError(t, err)
	require.Equal(t, Retry, d.Kind)
	require.Equal(t, 180, d.RetryAfter)
	require.True(t, d.Created)
	require.Contains(t, d.Detail, "requests")
	require.Contains(t, d.Detail, "scanning in progress")
	require.Contains(t, d.Detail, "3 minutes")
	require.Equal(t, []string{"requests"}, created)

	rec, err := repo.GetByName(context.Background(), "requests")
	require.NoError(t, err)
	require.Equal(t, status.Pending, rec.Status)
	require.Equal(t, "2.31.0", rec.Version)
	require.Equal(t, "3.11.0", rec.PythonVersion)
	require.True(t, base.Equal(rec.CreatedAt))
}

func TestResolveUnpinnedVersionIsLatest(t *testing.T) {
	repo := packages.NewMemoryRepository(nil)
	_, err := New(repo).Resolve(context.Background(), Lookup{Name: "numpy"})
	require.NoError(t, err)

	rec, err := repo.GetByName(context.Background(), "numpy")
	require.NoError(t, err)
	require.Equal(t, versionspec.Latest, rec.Version)
}

func TestResolveByStatus(t *testing.T) {
	repo := packages.NewMemoryRepository(nil)
	seed(t, repo, models.Package{Name: "queued", Status: status.Pending})
	seed(t, repo, models.Package{Name: "busy", Status: status.Scanning})
	seed(t, repo, models.Package{Name: "clean", Status: status.Safe})
	seed(t, repo, models.Package{Name: "evil", Status: status.Vulnerable, VulnerabilityInfo: models.JSONB{"cve": "CVE-2024-0001"}})
	seed(t, repo, models.Package{Name: "broken", Status: status.Error, ErrorMessage: "download failed"})

	cases := []struct {
		scenario string
		given    string
		kind     Kind
		reason   string
		contains string
	}{
		{scenario: "pending retries", given: "queued", kind: Retry, contains: "queued for a security scan"},
		{scenario: "scanning retries", given: "busy", kind: Retry, contains: "being scanned"},
		{scenario: "safe passes through", given: "clean", kind: PassThrough},
		{scenario: "vulnerable is unavailable", given: "evil", kind: Unavailable, reason: "vulnerable", contains: "CVE-2024-0001"},
		{scenario: "error is unavailable", given: "broken", kind: Unavailable, reason: "error", contains: "download failed"},
	}

	p := New(repo)
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := p.Resolve(context.Background(), Lookup{Name: tc.given})
			require.NoError(t, err)
			require.Equal(t, tc.kind, d.Kind)
			require.Equal(t, tc.reason, d.Reason)
			require.False(t, d.Created)
			if tc.contains != "" {
				require.Contains(t, d.Detail, tc.contains)
			}
		})
	}
}

func TestResolveVulnerableCarriesFindings(t *testing.T) {
	repo := packages.NewMemoryRepository(nil)
	seed(t, repo, models.Package{Name: "evil", Status: status.Vulnerable, VulnerabilityInfo: models.JSONB{"cve": "CVE-2024-0001"}})

	d, err := New(repo).Resolve(context.Background(), Lookup{Name: "evil"})
	require.NoError(t, err)
	require.Equal(t, "CVE-2024-0001", d.VulnerabilityInfo["cve"])

	problem := d.Problem("/simple/evil/")
	require.Equal(t, http.StatusNotFound, problem.Status)
	require.Equal(t, ProblemTypeVulnerable, problem.Type)
	require.Contains(t, problem.Detail, "CVE-2024-0001")
	require.Equal(t, "vulnerable", problem.ScanStatus)
}

func TestResolveIsIdempotent(t *testing.T) {
	repo := packages.NewMemoryRepository(nil)
	p := New(repo)
	ctx := context.Background()

	first, err := p.Resolve(ctx, Lookup{Name: "flask"})
	require.NoError(t, err)
	require.True(t, first.Created)

	for i := 0; i < 5; i++ {
		d, err := p.Resolve(ctx, Lookup{Name: "Flask"})
		require.NoError(t, err)
		require.Equal(t, Retry, d.Kind)
		require.False(t, d.Created)
	}

	stats, err := repo.StatusStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.ByStatus[status.Pending])
}

func TestResolveConcurrentFirstLookupsCreateOneRecord(t *testing.T) {
	repo := packages.NewMemoryRepository(nil)
	var hooks atomic.Int32
	p := New(repo, OnCreate(func(string) { hooks.Add(1) }))

	const callers = 64
	var wg sync.WaitGroup
	var creators atomic.Int32
	kinds := make(chan Kind, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := p.Resolve(context.Background(), Lookup{Name: "django"})
			if err != nil {
				return
			}
			if d.Created {
				creators.Add(1)
			}
			kinds <- d.Kind
		}()
	}
	wg.Wait()
	close(kinds)

	require.Equal(t, int32(1), creators.Load())
	require.Equal(t, int32(1), hooks.Load())
	for k := range kinds {
		require.Equal(t, Retry, k)
	}
	n, err := repo.CountByStatus(context.Background(), status.Pending)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

type brokenStore struct {
	getErr    error
	insertErr error
	inserted  bool
	winner    *models.Package
}

func (b *brokenStore) GetByName(context.Context, string) (*models.Package, error) {
	if b.winner != nil && b.inserted {
		return b.winner, nil
	}
	return nil, b.getErr
}

func (b *brokenStore) InsertIfAbsent(context.Context, *models.Package) (bool, error) {
	b.inserted = true
	return false, b.insertErr
}

func TestResolveDegradesToRetryOnStoreFailure(t *testing.T) {
	cases := []struct {
		scenario string
		store    *brokenStore
	}{
		{scenario: "read fails", store: &brokenStore{getErr: errors.New("connection refused")}},
		{scenario: "insert fails", store: &brokenStore{getErr: packages.ErrNotFound, insertErr: errors.New("disk full")}},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := New(tc.store, WithRetryAfter(60)).Resolve(context.Background(), Lookup{Name: "requests"})
			require.NoError(t, err)
			require.Equal(t, Retry, d.Kind)
			require.Equal(t, 60, d.RetryAfter)
			require.Contains(t, d.Detail, "1 minute")
		})
	}
}

func TestResolveLostInsertRaceAnswersFromWinner(t *testing.T) {
	s := &brokenStore{
		getErr: packages.ErrNotFound,
		winner: &models.Package{Name: "requests", Status: status.Scanning},
	}
	d, err := New(s).Resolve(context.Background(), Lookup{Name: "requests"})
	require.NoError(t, err)
	require.Equal(t, Retry, d.Kind)
	require.Equal(t, status.Scanning, d.Status)
	require.False(t, d.Created)
}

func TestResolveRejectsInvalidName(t *testing.T) {
	repo := packages.NewMemoryRepository(nil)
	_, err := New(repo).Resolve(context.Background(), Lookup{Name: "../../etc/passwd"})
	require.True(t, errors.Is(err, versionspec.ErrInvalidName))

	stats, err := repo.StatusStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Total)
}

func TestDirectiveProblem(t *testing.T) {
	retry := Decide(&models.Package{Name: "requests", Status: status.Pending}, 180)
	p := retry.Problem("/simple/requests/")
	require.Equal(t, http.StatusServiceUnavailable, p.Status)
	require.Equal(t, ProblemTypeScanInProgress, p.Type)
	require.Equal(t, 180, p.RetryAfter)
	require.Equal(t, "/simple/requests/", p.Instance)

	failed := Decide(&models.Package{Name: "broken", Status: status.Error}, 180)
	require.Equal(t, ProblemTypeScanFailed, failed.Problem("").Type)
	require.Contains(t, failed.Detail, "no details reported")

	require.Nil(t, Decide(&models.Package{Name: "ok", Status: status.Safe}, 180).Problem(""))
}

func TestSummarizeFallsBackToJSON(t *testing.T) {
	require.Equal(t, "known vulnerabilities", summarize(nil))
	require.Equal(t, `known vulnerabilities: {"note":"bad"}`, summarize(map[string]interface{}{"note": "bad"}))
	require.Equal(t, "known vulnerabilities: CVE-2023-1111, GHSA-abcd-efgh-ijkl",
		summarize(map[string]interface{}{"items": []interface{}{map[string]interface{}{"id": "GHSA-abcd-efgh-ijkl"}, "CVE-2023-1111"}}))
}
