// Package policy decides what a client asking for a package gets back:
// the upstream response, a request to retry later, or a refusal.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/events"
	"github.com/SiriusScan/pypi-gate/sirius/packages"
	"github.com/SiriusScan/pypi-gate/sirius/postgres/models"
	"github.com/SiriusScan/pypi-gate/sirius/status"
	"github.com/SiriusScan/pypi-gate/sirius/versionspec"
)

// DefaultRetryAfter is the retry hint, in seconds, sent with Retry.
const DefaultRetryAfter = 180

// Kind is the outcome of a lookup.
type Kind int

const (
	// Retry asks the client to come back later; the scan is not done.
	Retry Kind = iota
	// PassThrough serves the upstream response unchanged.
	PassThrough
	// Unavailable refuses the package for good.
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Retry:
		return "RETRY"
	case PassThrough:
		return "PASS_THROUGH"
	case Unavailable:
		return "UNAVAILABLE"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Directive is the decision for one lookup.
type Directive struct {
	Kind              Kind
	Package           string
	Status            status.Status
	RetryAfter        int
	Reason            string
	Detail            string
	VulnerabilityInfo map[string]interface{}
	// Created is set when this lookup inserted the record.
	Created bool
}

// Lookup is a request for a package.
type Lookup struct {
	Name          string
	Version       string
	PythonVersion string
}

// Store is the part of the package repository a lookup needs.
type Store interface {
	GetByName(ctx context.Context, name string) (*models.Package, error)
	InsertIfAbsent(ctx context.Context, rec *models.Package) (bool, error)
}

// Policy resolves lookups against the package store.
type Policy struct {
	store      Store
	retryAfter int
	now        func() time.Time
	onCreate   func(name string)
	sink       events.Sink
}

// Option configures a Policy.
type Option func(*Policy)

// WithRetryAfter sets the retry hint in seconds.
func WithRetryAfter(seconds int) Option {
	return func(p *Policy) {
		if seconds > 0 {
			p.retryAfter = seconds
		}
	}
}

// WithClock replaces time.Now for new records.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// OnCreate registers a callback run after a lookup creates a record.
func OnCreate(fn func(name string)) Option {
	return func(p *Policy) { p.onCreate = fn }
}

// WithEvents records first sightings of packages.
func WithEvents(s events.Sink) Option {
	return func(p *Policy) { p.sink = s }
}

// New creates a Policy.
func New(store Store, opts ...Option) *Policy {
	p := &Policy{store: store, retryAfter: DefaultRetryAfter, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RetryAfter returns the retry hint in seconds.
func (p *Policy) RetryAfter() int {
	return p.retryAfter
}

// Resolve returns the directive for a lookup. An unknown package is recorded
// as pending and answered with Retry. Store failures also degrade to Retry;
// the only error returned is versionspec.ErrInvalidName.
func (p *Policy) Resolve(ctx context.Context, l Lookup) (Directive, error) {
	name, err := versionspec.NormalizeName(l.Name)
	if err != nil {
		return Directive{}, err
	}

	rec, err := p.store.GetByName(ctx, name)
	if err == nil {
		return Decide(rec, p.retryAfter), nil
	}
	if !errors.Is(err, packages.ErrNotFound) {
		slog.Error("Package lookup failed, asking client to retry", "package", name, "error", err)
		return p.retry(name, status.Pending), nil
	}

	rec = &models.Package{
		Name:          name,
		Version:       versionspec.NormalizeVersion(l.Version),
		PythonVersion: l.PythonVersion,
		Status:        status.Pending,
		CreatedAt:     p.now().UTC(),
	}
	created, err := p.store.InsertIfAbsent(ctx, rec)
	if err != nil {
		slog.Error("Failed to record new package, asking client to retry", "package", name, "error", err)
		return p.retry(name, status.Pending), nil
	}

	if !created {
		// Lost the race to another first lookup; answer from the winner's record.
		winner, err := p.store.GetByName(ctx, name)
		if err != nil {
			slog.Error("Package lookup failed after insert race", "package", name, "error", err)
			return p.retry(name, status.Pending), nil
		}
		return Decide(winner, p.retryAfter), nil
	}

	slog.Info("New package queued for scanning", "package", name, "version", rec.Version, "python_version", rec.PythonVersion)
	p.recordCreated(ctx, rec)
	if p.onCreate != nil {
		p.onCreate(name)
	}

	d := Decide(rec, p.retryAfter)
	d.Created = true
	return d, nil
}

func (p *Policy) recordCreated(ctx context.Context, rec *models.Package) {
	if p.sink == nil {
		return
	}
	err := p.sink.Record(ctx, events.Entry{
		Type:     models.EventTypePackageRequested,
		Severity: models.SeverityInfo,
		Package:  rec.Name,
		Title:    "Package queued for scanning",
		Metadata: map[string]interface{}{"version": rec.Version, "python_version": rec.PythonVersion},
	})
	if err != nil {
		slog.Warn("Failed to record event", "package", rec.Name, "error", err)
	}
}

func (p *Policy) retry(name string, st status.Status) Directive {
	return Directive{
		Kind:       Retry,
		Package:    name,
		Status:     st,
		RetryAfter: p.retryAfter,
		Detail:     retryDetail(name, st, p.retryAfter),
	}
}

// Decide maps a stored record to a directive. It never writes.
func Decide(rec *models.Package, retryAfter int) Directive {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	switch rec.Status {
	case status.Safe:
		return Directive{Kind: PassThrough, Package: rec.Name, Status: rec.Status}
	case status.Vulnerable:
		return Directive{
			Kind:              Unavailable,
			Package:           rec.Name,
			Status:            rec.Status,
			Reason:            string(status.Vulnerable),
			Detail:            fmt.Sprintf("Package '%s' is blocked: the security scan found %s.", rec.Name, summarize(rec.VulnerabilityInfo)),
			VulnerabilityInfo: rec.VulnerabilityInfo,
		}
	case status.Error:
		cause := rec.ErrorMessage
		if cause == "" && len(rec.VulnerabilityInfo) > 0 {
			cause = summarize(rec.VulnerabilityInfo)
		}
		if cause == "" {
			cause = "no details reported"
		}
		return Directive{
			Kind:              Unavailable,
			Package:           rec.Name,
			Status:            rec.Status,
			Reason:            string(status.Error),
			Detail:            fmt.Sprintf("Package '%s' is blocked: the security scan could not complete (%s).", rec.Name, cause),
			VulnerabilityInfo: rec.VulnerabilityInfo,
		}
	default:
		// pending, scanning, and anything unrecognised wait for a verdict.
		st := rec.Status
		if !st.InFlight() {
			st = status.Pending
		}
		return Directive{
			Kind:       Retry,
			Package:    rec.Name,
			Status:     st,
			RetryAfter: retryAfter,
			Detail:     retryDetail(rec.Name, st, retryAfter),
		}
	}
}

func retryDetail(name string, st status.Status, retryAfter int) string {
	state := "queued for a security scan"
	if st == status.Scanning {
		state = "being scanned for vulnerabilities"
	}
	return fmt.Sprintf("Package '%s' is %s (scanning in progress). Please retry in about %s.", name, state, humanize(retryAfter))
}

func humanize(seconds int) string {
	if seconds < 60 {
		return plural(seconds, "second")
	}
	return plural((seconds+59)/60, "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

var advisoryID = regexp.MustCompile(`\b(CVE-\d{4}-\d{4,}|GHSA(?:-[0-9a-z]{4}){3}|PYSEC-\d{4}-\d+)\b`)

// summarize lists advisory IDs found anywhere in info, falling back to the
// raw JSON when there are none.
func summarize(info map[string]interface{}) string {
	if len(info) == 0 {
		return "known vulnerabilities"
	}

	seen := map[string]struct{}{}
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			for _, id := range advisoryID.FindAllString(t, -1) {
				seen[id] = struct{}{}
			}
		case map[string]interface{}:
			for _, child := range t {
				walk(child)
			}
		case []interface{}:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(info)

	if len(seen) == 0 {
		raw, err := json.Marshal(info)
		if err != nil {
			return "known vulnerabilities"
		}
		return "known vulnerabilities: " + string(raw)
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return "known vulnerabilities: " + strings.Join(ids, ", ")
}
