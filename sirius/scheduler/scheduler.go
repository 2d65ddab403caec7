// Package scheduler runs admission cycles on a cron schedule and on demand.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/SiriusScan/pypi-gate/sirius/admission"
	"github.com/SiriusScan/pypi-gate/sirius/snapshot"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a cycle every five minutes.
const DefaultSchedule = "@every 5m"

// Cycle is one admission pass.
type Cycle interface {
	Run(ctx context.Context) (admission.Report, error)
}

// Capturer records a status snapshot after a cycle.
type Capturer interface {
	Capture(ctx context.Context, cycle *snapshot.CycleSummary) (*snapshot.Snapshot, error)
}

// ParseSchedule accepts cron descriptors (@every 30s, @hourly) and five
// field cron expressions.
func ParseSchedule(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if strings.HasPrefix(e, "@") {
		return cron.ParseStandard(e)
	}
	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser5.Parse(e)
}

// Scheduler triggers cycles. At most one cycle runs at a time; ticks that
// arrive while one is running are dropped.
type Scheduler struct {
	schedule cron.Schedule
	cycle    Cycle
	snaps    Capturer
	trigger  chan struct{}
	busy     atomic.Bool

	mu   sync.Mutex
	last *admission.Report
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSnapshots captures a status snapshot after each completed cycle.
func WithSnapshots(c Capturer) Option {
	return func(s *Scheduler) { s.snaps = c }
}

// New creates a Scheduler for expr.
func New(expr string, cycle Cycle, opts ...Option) (*Scheduler, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing admission schedule %q: %w", expr, err)
	}
	s := &Scheduler{
		schedule: schedule,
		cycle:    cycle,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Trigger asks for a cycle as soon as possible. It never blocks; repeated
// triggers before the cycle starts collapse into one.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start runs until ctx is done and waits for an in-flight cycle to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.Tick(ctx); err != nil {
			slog.Error("Scheduled admission cycle failed", "error", err)
		}
	}))
	c.Start()
	slog.Info("Admission scheduler started")

	for {
		select {
		case <-ctx.Done():
			<-c.Stop().Done()
			slog.Info("Admission scheduler stopped")
			return nil
		case <-s.trigger:
			if _, err := s.Tick(ctx); err != nil {
				slog.Error("Triggered admission cycle failed", "error", err)
			}
		}
	}
}

// Tick runs one cycle now unless one is already running, in which case it
// returns a skipped report.
func (s *Scheduler) Tick(ctx context.Context) (admission.Report, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return admission.Report{Skipped: true}, nil
	}
	defer s.busy.Store(false)

	report, err := s.cycle.Run(ctx)
	if err != nil {
		return report, err
	}
	if report.Skipped {
		return report, nil
	}

	s.mu.Lock()
	r := report
	s.last = &r
	s.mu.Unlock()

	if s.snaps != nil {
		summary := &snapshot.CycleSummary{
			RunningBefore:  report.RunningBefore,
			Admitted:       report.AdmittedCount,
			RunningAfter:   report.RunningAfter,
			FailedLaunches: report.FailedLaunches,
			Stuck:          len(report.Stuck),
		}
		if _, err := s.snaps.Capture(ctx, summary); err != nil {
			slog.Warn("Failed to capture status snapshot", "error", err)
		}
	}
	return report, nil
}

// Last returns the most recent completed cycle report.
func (s *Scheduler) Last() (admission.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return admission.Report{}, false
	}
	return *s.last, true
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
