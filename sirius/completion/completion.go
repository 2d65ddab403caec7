// Package completion applies scanner verdicts to package records.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SiriusScan/pypi-gate/sirius/events"
	"github.com/SiriusScan/pypi-gate/sirius/packages"
	"github.com/SiriusScan/pypi-gate/sirius/postgres/models"
	"github.com/SiriusScan/pypi-gate/sirius/queue"
	"github.com/SiriusScan/pypi-gate/sirius/status"
	"github.com/SiriusScan/pypi-gate/sirius/versionspec"
)

// DefaultResultQueue is where scanners publish their verdicts.
const DefaultResultQueue = "pypi-gate.scan.results"

// Result is a scanner verdict message.
type Result struct {
	JobID             string                 `json:"job_id,omitempty"`
	Package           string                 `json:"package"`
	Status            string                 `json:"status"`
	VulnerabilityInfo map[string]interface{} `json:"vulnerability_info,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
}

// Store is the part of the package repository verdicts touch.
type Store interface {
	GetByName(ctx context.Context, name string) (*models.Package, error)
	CompleteScan(ctx context.Context, name string, verdict status.Status, info models.JSONB, errMsg string) (bool, error)
}

// Listener consumes a queue until ctx is done.
type Listener interface {
	ListenWithRetry(ctx context.Context, qName string, processor queue.MessageProcessor)
}

// Consumer turns verdict messages into CompleteScan calls.
type Consumer struct {
	store Store
	sink  events.Sink
}

// NewConsumer creates a consumer. sink may be nil.
func NewConsumer(store Store, sink events.Sink) *Consumer {
	return &Consumer{store: store, sink: sink}
}

// Apply records one verdict. A verdict for a record that is not scanning is
// ignored and reported as applied=false; terminal records never change.
func (c *Consumer) Apply(ctx context.Context, r Result) (applied bool, err error) {
	name, err := versionspec.NormalizeName(r.Package)
	if err != nil {
		return false, fmt.Errorf("%w: %v", queue.ErrMalformed, err)
	}
	verdict, err := status.ParseVerdict(r.Status)
	if err != nil {
		return false, fmt.Errorf("%w: %v", queue.ErrMalformed, err)
	}

	var info models.JSONB
	if len(r.VulnerabilityInfo) > 0 {
		info = models.JSONB(r.VulnerabilityInfo)
	}

	applied, err = c.store.CompleteScan(ctx, name, verdict, info, r.ErrorMessage)
	if err != nil {
		return false, fmt.Errorf("failed to record verdict for %s: %w", name, err)
	}

	if !applied {
		current := "missing"
		if rec, err := c.store.GetByName(ctx, name); err == nil {
			current = string(rec.Status)
		} else if !errors.Is(err, packages.ErrNotFound) {
			current = "unknown"
		}
		slog.Warn("Ignoring verdict for package that is not scanning", "package", name, "verdict", verdict, "current_status", current, "job_id", r.JobID)
		return false, nil
	}

	slog.Info("Scan completed", "package", name, "verdict", verdict, "job_id", r.JobID)
	c.record(ctx, name, verdict, r)
	return true, nil
}

// Handle decodes and applies one queue message.
func (c *Consumer) Handle(ctx context.Context, msg string) error {
	var r Result
	if err := json.Unmarshal([]byte(msg), &r); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrMalformed, err)
	}
	_, err := c.Apply(ctx, r)
	return err
}

// Run consumes verdicts from qName until ctx is done.
func (c *Consumer) Run(ctx context.Context, l Listener, qName string) {
	if qName == "" {
		qName = DefaultResultQueue
	}
	l.ListenWithRetry(ctx, qName, c.Handle)
}

func (c *Consumer) record(ctx context.Context, name string, verdict status.Status, r Result) {
	if c.sink == nil {
		return
	}
	severity := models.SeverityInfo
	switch verdict {
	case status.Vulnerable:
		severity = models.SeverityCritical
	case status.Error:
		severity = models.SeverityError
	}
	meta := map[string]interface{}{"verdict": string(verdict)}
	if r.JobID != "" {
		meta["job_id"] = r.JobID
	}
	if len(r.VulnerabilityInfo) > 0 {
		meta["vulnerability_info"] = r.VulnerabilityInfo
	}
	err := c.sink.Record(ctx, events.Entry{
		Type:        models.EventTypeScanCompleted,
		Severity:    severity,
		Package:     name,
		Title:       fmt.Sprintf("Scan completed: %s", verdict),
		Description: r.ErrorMessage,
		Metadata:    meta,
	})
	if err != nil {
		slog.Warn("Failed to record event", "package", name, "error", err)
	}
}
