// File: schema.go
package postgres

import (
	"fmt"
	"log/slog"

	"github.com/SiriusScan/pypi-gate/sirius/postgres/models"
	"gorm.io/gorm"
)

var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS packages (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) UNIQUE NOT NULL,
		version VARCHAR(100) NOT NULL DEFAULT 'latest',
		python_version VARCHAR(50),
		status VARCHAR(20) NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'scanning', 'safe', 'vulnerable', 'error')),
		vulnerability_info JSONB,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	"CREATE INDEX IF NOT EXISTS idx_packages_status_created ON packages(status, created_at);",
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		event_id VARCHAR(255) UNIQUE NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		service VARCHAR(100) NOT NULL,
		event_type VARCHAR(50) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		title VARCHAR(255) NOT NULL,
		description TEXT,
		metadata JSONB,
		entity_type VARCHAR(50),
		entity_id VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC);",
	"CREATE INDEX IF NOT EXISTS idx_events_service ON events(service);",
	"CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);",
	"CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);",
	"CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id);",
}

var dropStatements = []string{
	"DROP INDEX IF EXISTS idx_events_entity;",
	"DROP INDEX IF EXISTS idx_events_severity;",
	"DROP INDEX IF EXISTS idx_events_type;",
	"DROP INDEX IF EXISTS idx_events_service;",
	"DROP INDEX IF EXISTS idx_events_timestamp;",
	"DROP TABLE IF EXISTS events;",
	"DROP INDEX IF EXISTS idx_packages_status_created;",
	"DROP TABLE IF EXISTS packages;",
}

// Migrate brings the schema up to date. PostgreSQL gets the hand written
// DDL with its status check constraint; other drivers use AutoMigrate.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database connection not available")
	}
	if !IsPostgres(db) {
		if err := db.AutoMigrate(&models.Package{}, &models.Event{}); err != nil {
			return fmt.Errorf("failed to auto-migrate schema: %w", err)
		}
		return nil
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, stmt := range createStatements {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to apply schema statement: %w", err)
			}
		}
		slog.Info("Schema is up to date", "tables", []string{"packages", "events"})
		return nil
	})
}

// Rollback drops everything Migrate created.
func Rollback(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database connection not available")
	}
	if !IsPostgres(db) {
		return db.Migrator().DropTable(&models.Event{}, &models.Package{})
	}
	for _, stmt := range dropStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to apply rollback statement: %w", err)
		}
	}
	return nil
}
