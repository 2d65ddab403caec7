// File: package.go
package models

import (
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/status"
)

// Package is the scan record of one project, keyed by its normalized name.
// Version and PythonVersion are whatever the first lookup asked for.
type Package struct {
	ID                uint          `gorm:"primaryKey;autoIncrement" json:"id"`
	Name              string        `gorm:"uniqueIndex;not null;size:255" json:"name"`
	Version           string        `gorm:"not null;size:100" json:"version"`
	PythonVersion     string        `gorm:"size:50" json:"python_version,omitempty"`
	Status            status.Status `gorm:"not null;size:20;index:idx_packages_status_created,priority:1" json:"status"`
	VulnerabilityInfo JSONB         `gorm:"type:jsonb" json:"vulnerability_info,omitempty"`
	ErrorMessage      string        `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt         time.Time     `gorm:"not null;index:idx_packages_status_created,priority:2" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for the Package model
func (Package) TableName() string {
	return "packages"
}
