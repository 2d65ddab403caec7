// File: event.go
package models

import (
	"time"
)

// Event is an audit record of something notable the gate did to a package:
// an admission, a failed launch, a verdict, a scan that looks stuck.
type Event struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID     string    `gorm:"uniqueIndex;not null;size:255" json:"event_id"`
	Timestamp   time.Time `gorm:"not null;index:idx_events_timestamp,sort:desc" json:"timestamp"`
	Service     string    `gorm:"not null;size:100;index:idx_events_service" json:"service"`
	EventType   string    `gorm:"not null;size:50;index:idx_events_type" json:"event_type"`
	Severity    string    `gorm:"not null;size:20;index:idx_events_severity" json:"severity"`
	Title       string    `gorm:"not null;size:255" json:"title"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	Metadata    JSONB     `gorm:"type:jsonb" json:"metadata,omitempty"`
	EntityType  string    `gorm:"size:50;index:idx_events_entity,priority:1" json:"entity_type,omitempty"`
	EntityID    string    `gorm:"size:255;index:idx_events_entity,priority:2" json:"entity_id,omitempty"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name for the Event model
func (Event) TableName() string {
	return "events"
}

// EventSeverity constants for event severity levels
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// EventType constants for package lifecycle events
const (
	EventTypePackageRequested = "package_requested"
	EventTypeScanAdmitted     = "scan_admitted"
	EventTypeLaunchFailed     = "scan_launch_failed"
	EventTypeScanCompleted    = "scan_completed"
	EventTypeScanStuck        = "scan_stuck"
	EventTypeAdmissionCycle   = "admission_cycle"
)

// EntityType constants for event entity types
const (
	EntityTypePackage   = "package"
	EntityTypeAdmission = "admission"
)

// IsValidSeverity checks if a severity level is valid
func IsValidSeverity(severity string) bool {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	default:
		return false
	}
}
