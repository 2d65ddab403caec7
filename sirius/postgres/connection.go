// File: connection.go
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options controls how Open connects.
type Options struct {
	Driver string
	DSN    string
	// MaxElapsed bounds how long Open keeps retrying an unreachable database.
	MaxElapsed time.Duration
	LogLevel   logger.LogLevel
}

// Open connects to the configured database, retrying with exponential
// backoff while the server is still starting.
func Open(ctx context.Context, opts Options) (*gorm.DB, error) {
	dialector, err := dialectorFor(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel == 0 {
		opts.LogLevel = logger.Warn
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	if opts.MaxElapsed > 0 {
		bo.MaxElapsedTime = opts.MaxElapsed
	}

	var db *gorm.DB
	connect := func() error {
		conn, err := gorm.Open(dialector, &gorm.Config{
			Logger: logger.Default.LogMode(opts.LogLevel),
		})
		if err != nil {
			return err
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return err
		}
		db = conn
		return nil
	}

	notify := func(err error, d time.Duration) {
		slog.Warn("Database not ready, retrying", "driver", opts.Driver, "error", err, "backoff", d)
	}

	if err := backoff.RetryNotify(connect, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", opts.Driver, err)
	}

	if opts.Driver == DriverSQLite {
		// SQLite allows one writer; share a single connection so in-memory
		// databases are not split across pool members.
		sqlDB, _ := db.DB()
		sqlDB.SetMaxOpenConns(1)
	}

	slog.Info("Connected to database", "driver", opts.Driver)
	return db, nil
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}
	switch driver {
	case DriverPostgres, "":
		return postgres.Open(dsn), nil
	case DriverSQLite:
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// IsPostgres reports whether db talks to PostgreSQL.
func IsPostgres(db *gorm.DB) bool {
	return db != nil && db.Dialector.Name() == DriverPostgres
}

// Ping checks that the database answers.
func Ping(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database connection not available")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
