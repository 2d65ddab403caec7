// Package admission moves pending packages into scanning without ever
// letting more than a fixed number of scans run at once.
//
// One cycle counts the scans in flight, claims the oldest pending records up
// to the free capacity and launches a scan for each claim. Cycles are single
// flight: in process through an atomic guard and across processes through
// an optional distributed lock.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/events"
	"github.com/SiriusScan/pypi-gate/sirius/packages"
	"github.com/SiriusScan/pypi-gate/sirius/postgres/models"
	"github.com/SiriusScan/pypi-gate/sirius/status"
	"github.com/SiriusScan/pypi-gate/sirius/store"
	"github.com/hashicorp/go-multierror"
)

// ErrInvalidConfig is returned by NewController for unusable settings.
var ErrInvalidConfig = errors.New("invalid admission config")

// Launcher starts an external scan for one package. A nil error means the
// request was accepted.
type Launcher interface {
	Launch(ctx context.Context, name, version string) error
}

// Locker provides cross process mutual exclusion for a cycle.
type Locker interface {
	TryLock(ctx context.Context) (func(context.Context) error, error)
}

// Config bounds admission.
type Config struct {
	// MaxConcurrent is the most records allowed in scanning at once.
	MaxConcurrent int
	// StuckAfter flags scanning records not updated for this long. Zero
	// disables the check.
	StuckAfter time.Duration
}

// Report summarizes one cycle.
type Report struct {
	RunningBefore  int       `json:"running_before"`
	AdmittedCount  int       `json:"admitted_count"`
	RunningAfter   int       `json:"running_after"`
	FailedLaunches int       `json:"failed_launches"`
	// LaunchErrors collects every failed launch of the cycle.
	LaunchErrors   error     `json:"-"`
	Admitted       []string  `json:"admitted,omitempty"`
	Stuck          []string  `json:"stuck,omitempty"`
	Skipped        bool      `json:"skipped,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Controller runs admission cycles.
type Controller struct {
	repo     packages.Repository
	launcher Launcher
	locker   Locker
	sink     events.Sink
	cfg      Config
	now      func() time.Time
	running  atomic.Bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLocker makes cycles single flight across processes.
func WithLocker(l Locker) Option {
	return func(c *Controller) { c.locker = l }
}

// WithEvents records admissions, failed launches and stuck scans.
func WithEvents(s events.Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller admitting from repo through launcher.
func NewController(repo packages.Repository, launcher Launcher, cfg Config, opts ...Option) (*Controller, error) {
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("%w: max concurrent scans must be at least 1, got %d", ErrInvalidConfig, cfg.MaxConcurrent)
	}
	if cfg.StuckAfter < 0 {
		return nil, fmt.Errorf("%w: stuck threshold cannot be negative", ErrInvalidConfig)
	}
	if repo == nil || launcher == nil {
		return nil, fmt.Errorf("%w: repository and launcher are required", ErrInvalidConfig)
	}

	c := &Controller{repo: repo, launcher: launcher, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// MaxConcurrent returns the configured scan limit.
func (c *Controller) MaxConcurrent() int {
	return c.cfg.MaxConcurrent
}

// Capacity returns the number of scans in flight and how many more may
// start. Capacity is never negative.
func (c *Controller) Capacity(ctx context.Context) (running, capacity int, err error) {
	return c.capacity(ctx, c.repo)
}

func (c *Controller) capacity(ctx context.Context, repo packages.Repository) (int, int, error) {
	running, err := repo.CountByStatus(ctx, status.Scanning)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count running scans: %w", err)
	}
	capacity := c.cfg.MaxConcurrent - running
	if capacity < 0 {
		capacity = 0
	}
	return running, capacity, nil
}

// AdmitNext claims up to capacity of the oldest pending records and launches
// a scan for each. Records lost to a concurrent claimer are skipped. A
// failed launch leaves its record in scanning and is counted, not retried;
// launch errors are returned alongside any claim error.
func (c *Controller) AdmitNext(ctx context.Context, capacity int) (admitted []string, failedLaunches int, err error) {
	claimed, claimErr := c.claim(ctx, c.repo, capacity)
	failedLaunches, launchErr := c.launchAll(ctx, claimed)
	if claimErr != nil || launchErr != nil {
		err = multierror.Append(claimErr, launchErr).ErrorOrNil()
	}
	return names(claimed), failedLaunches, err
}

// claim returns what it managed to claim even when it fails part way.
func (c *Controller) claim(ctx context.Context, repo packages.Repository, capacity int) ([]models.Package, error) {
	if capacity <= 0 {
		return nil, nil
	}

	candidates, err := repo.SelectOldestPending(ctx, capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending packages: %w", err)
	}

	claimed := make([]models.Package, 0, len(candidates))
	for _, rec := range candidates {
		ok, err := repo.CompareAndSetStatus(ctx, rec.Name, status.Pending, status.Scanning)
		if err != nil {
			return claimed, fmt.Errorf("failed to claim %s: %w", rec.Name, err)
		}
		if !ok {
			slog.Debug("Package claimed elsewhere, skipping", "package", rec.Name)
			continue
		}
		rec.Status = status.Scanning
		claimed = append(claimed, rec)
	}
	return claimed, nil
}

func (c *Controller) launchAll(ctx context.Context, claimed []models.Package) (int, error) {
	var launchErrs *multierror.Error
	for _, rec := range claimed {
		if err := c.launcher.Launch(ctx, rec.Name, rec.Version); err != nil {
			launchErrs = multierror.Append(launchErrs, fmt.Errorf("launching scan for %s: %w", rec.Name, err))
			slog.Error("Scan launch failed, package stays in scanning", "package", rec.Name, "version", rec.Version, "error", err)
			c.record(ctx, events.Entry{
				Type:        models.EventTypeLaunchFailed,
				Severity:    models.SeverityError,
				Package:     rec.Name,
				Title:       "Scan launch failed",
				Description: err.Error(),
				Metadata:    map[string]interface{}{"version": rec.Version},
			})
			continue
		}
		c.record(ctx, events.Entry{
			Type:     models.EventTypeScanAdmitted,
			Severity: models.SeverityInfo,
			Package:  rec.Name,
			Title:    "Scan admitted",
			Metadata: map[string]interface{}{"version": rec.Version},
		})
	}
	if launchErrs == nil {
		return 0, nil
	}
	return launchErrs.Len(), launchErrs.ErrorOrNil()
}

// Run executes one admission cycle. A cycle that finds another one in
// progress returns a skipped report and no error.
func (c *Controller) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: c.now().UTC()}

	if !c.running.CompareAndSwap(false, true) {
		report.Skipped = true
		return report, nil
	}
	defer c.running.Store(false)

	if c.locker != nil {
		release, err := c.locker.TryLock(ctx)
		if errors.Is(err, store.ErrLockHeld) {
			slog.Info("Admission cycle already running elsewhere, skipping")
			report.Skipped = true
			return report, nil
		}
		if err != nil {
			return report, fmt.Errorf("admission cycle aborted: %w", err)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := release(releaseCtx); err != nil {
				slog.Warn("Failed to release admission lock", "error", err)
			}
		}()
	}

	claimed, err := c.claimCycle(ctx, &report)
	report.AdmittedCount = len(claimed)
	report.Admitted = names(claimed)
	report.FailedLaunches, report.LaunchErrors = c.launchAll(ctx, claimed)
	if err != nil {
		report.FinishedAt = c.now().UTC()
		return report, fmt.Errorf("admission cycle aborted: %w", err)
	}

	runningAfter, err := c.repo.CountByStatus(ctx, status.Scanning)
	if err != nil {
		slog.Warn("Failed to recount running scans", "error", err)
		runningAfter = report.RunningBefore + report.AdmittedCount
	}
	report.RunningAfter = runningAfter

	if c.cfg.StuckAfter > 0 {
		report.Stuck = c.detectStuck(ctx)
	}

	report.FinishedAt = c.now().UTC()
	c.logReport(ctx, report)
	return report, nil
}

// claimCycle counts and claims as one unit. With a transactional repository
// a failure rolls every claim back; otherwise claims made before the failure
// are returned so they can still be launched.
func (c *Controller) claimCycle(ctx context.Context, report *Report) ([]models.Package, error) {
	var claimed []models.Package
	unit := func(repo packages.Repository) error {
		running, capacity, err := c.capacity(ctx, repo)
		if err != nil {
			return err
		}
		report.RunningBefore = running
		claimed, err = c.claim(ctx, repo, capacity)
		return err
	}

	if tx, ok := c.repo.(packages.Transactor); ok {
		if err := tx.WithinTx(ctx, unit); err != nil {
			return nil, err
		}
		return claimed, nil
	}
	err := unit(c.repo)
	return claimed, err
}

func (c *Controller) detectStuck(ctx context.Context) []string {
	cutoff := c.now().UTC().Add(-c.cfg.StuckAfter)
	stuck, err := c.repo.FindStuck(ctx, cutoff)
	if err != nil {
		slog.Warn("Failed to look for stuck scans", "error", err)
		return nil
	}
	for _, rec := range stuck {
		since := c.now().Sub(rec.UpdatedAt).Round(time.Second)
		slog.Warn("Scan appears stuck", "package", rec.Name, "scanning_for", since)
		c.record(ctx, events.Entry{
			Type:     models.EventTypeScanStuck,
			Severity: models.SeverityWarning,
			Package:  rec.Name,
			Title:    "Scan appears stuck",
			Metadata: map[string]interface{}{"scanning_since": rec.UpdatedAt, "threshold": c.cfg.StuckAfter.String()},
		})
	}
	return names(stuck)
}

func (c *Controller) logReport(ctx context.Context, r Report) {
	slog.Info("Admission cycle finished",
		"running_before", r.RunningBefore,
		"admitted", r.AdmittedCount,
		"running_after", r.RunningAfter,
		"failed_launches", r.FailedLaunches,
		"stuck", len(r.Stuck),
		"max_concurrent", c.cfg.MaxConcurrent,
	)
	if r.AdmittedCount == 0 && r.FailedLaunches == 0 {
		return
	}
	severity := models.SeverityInfo
	if r.FailedLaunches > 0 {
		severity = models.SeverityWarning
	}
	c.record(ctx, events.Entry{
		Type:     models.EventTypeAdmissionCycle,
		Severity: severity,
		Title:    fmt.Sprintf("Admitted %d package(s)", r.AdmittedCount),
		Metadata: map[string]interface{}{
			"running_before":  r.RunningBefore,
			"admitted":        r.Admitted,
			"running_after":   r.RunningAfter,
			"failed_launches": r.FailedLaunches,
		},
	})
}

func (c *Controller) record(ctx context.Context, e events.Entry) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Record(ctx, e); err != nil {
		slog.Warn("Failed to record event", "type", e.Type, "package", e.Package, "error", err)
	}
}

func names(recs []models.Package) []string {
	if len(recs) == 0 {
		return nil
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Name)
	}
	return out
}
