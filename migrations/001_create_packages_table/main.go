package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/config"
	"github.com/SiriusScan/pypi-gate/sirius/postgres"
)

func main() {
	log.Println("🔄 Starting migration 001: Create packages and events tables")

	cfg, err := config.Load(os.Getenv("GATE_CONFIG"))
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if cfg.Database.DSN == "" {
		log.Fatal("❌ GATE_DATABASE_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := postgres.Open(ctx, postgres.Options{
		Driver:     cfg.Database.Driver,
		DSN:        cfg.Database.DSN,
		MaxElapsed: cfg.Database.ConnectTimeout,
	})
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer func() { _ = postgres.Close(db) }()

	if len(os.Args) > 1 && os.Args[1] == "--rollback" {
		log.Println("🔄 Rolling back packages and events tables...")
		if err := postgres.Rollback(db); err != nil {
			log.Fatalf("❌ Rollback failed: %v", err)
		}
		log.Println("✅ Migration 001 rolled back")
		return
	}

	log.Println("📊 Creating packages and events tables...")
	if err := postgres.Migrate(db); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	log.Println("✅ Migration 001 completed successfully")
}
