// Package launcher hands admitted packages to the external scanner by
// publishing scan requests onto a work queue.
package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/versionspec"
	"github.com/google/uuid"
)

// DefaultScanQueue is the queue scanners consume requests from.
const DefaultScanQueue = "pypi-gate.scan.requests"

// Publisher sends a message to a named queue.
type Publisher interface {
	Send(ctx context.Context, qName string, contentType string, body []byte) error
}

// ScanRequest is the message a scanner receives.
type ScanRequest struct {
	JobID       string    `json:"job_id"`
	JobName     string    `json:"job_name"`
	Package     string    `json:"package"`
	Version     string    `json:"version"`
	PURL        string    `json:"purl"`
	RequestedAt time.Time `json:"requested_at"`
}

// QueueLauncher launches scans by publishing a ScanRequest per package.
type QueueLauncher struct {
	pub   Publisher
	queue string
	now   func() time.Time
	newID func() string
}

// New creates a QueueLauncher publishing to queue through pub.
func New(pub Publisher, queue string) *QueueLauncher {
	if queue == "" {
		queue = DefaultScanQueue
	}
	return &QueueLauncher{
		pub:   pub,
		queue: queue,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Launch publishes a scan request. A nil error means the broker accepted it;
// it says nothing about whether the scan will succeed.
func (l *QueueLauncher) Launch(ctx context.Context, name, version string) error {
	now := l.now().UTC()
	req := ScanRequest{
		JobID:       l.newID(),
		JobName:     fmt.Sprintf("scanner-%s-%d", name, now.Unix()),
		Package:     name,
		Version:     versionspec.NormalizeVersion(version),
		PURL:        versionspec.PURL(name, version),
		RequestedAt: now,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal scan request for %s: %w", name, err)
	}
	if err := l.pub.Send(ctx, l.queue, "application/json", body); err != nil {
		return fmt.Errorf("failed to launch scan for %s: %w", name, err)
	}

	slog.Info("Launched scan", "package", name, "version", req.Version, "job_id", req.JobID)
	return nil
}
