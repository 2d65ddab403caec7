package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SiriusScan/pypi-gate/sirius/admission"
	"github.com/SiriusScan/pypi-gate/sirius/config"
	"github.com/SiriusScan/pypi-gate/sirius/events"
	"github.com/SiriusScan/pypi-gate/sirius/launcher"
	"github.com/SiriusScan/pypi-gate/sirius/packages"
	"github.com/SiriusScan/pypi-gate/sirius/postgres"
	"github.com/SiriusScan/pypi-gate/sirius/queue"
	"github.com/SiriusScan/pypi-gate/sirius/slogger"
	"github.com/SiriusScan/pypi-gate/sirius/snapshot"
	"github.com/SiriusScan/pypi-gate/sirius/store"
	"github.com/SiriusScan/pypi-gate/sirius/upstream"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gate holds the long lived clients one command needs.
type gate struct {
	cfg       config.Config
	db        *gorm.DB
	repo      *packages.GormRepository
	kv        store.KVStore
	broker    *queue.Client
	recorder  *events.Recorder
	snapshots *snapshot.Manager
	admission *admission.Controller
}

func openDB(ctx context.Context, c config.Config) (*gorm.DB, error) {
	level := logger.Warn
	if slogger.IsDebug() {
		level = logger.Info
	}
	return postgres.Open(ctx, postgres.Options{
		Driver:     c.Database.Driver,
		DSN:        c.Database.DSN,
		MaxElapsed: c.Database.ConnectTimeout,
		LogLevel:   level,
	})
}

// wire connects the store, valkey and the broker and builds the admission
// controller. Valkey is optional: without it cycles are only single flight
// within this process and no snapshots are kept.
func wire(ctx context.Context, c config.Config) (*gate, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	db, err := openDB(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("opening package store: %w", err)
	}

	g := &gate{
		cfg:      c,
		db:       db,
		repo:     packages.NewGormRepository(db, nil),
		broker:   queue.NewClient(c.RabbitMQ.URL),
		recorder: events.NewRecorder(db, c.Events.Buffer),
	}

	opts := []admission.Option{admission.WithEvents(g.recorder)}
	kv, err := store.NewValkeyStore(c.Valkey.Addr)
	if err != nil {
		slog.Warn("Valkey unavailable; admission lock and snapshots disabled", "addr", c.Valkey.Addr, "error", err)
	} else {
		g.kv = kv
		g.snapshots = snapshot.NewManager(kv, g.repo, c.Snapshot.Retain)
		opts = append(opts, admission.WithLocker(store.NewLocker(kv, c.Valkey.LockKey, c.Valkey.LockTTL)))
	}

	g.admission, err = admission.NewController(
		g.repo,
		launcher.New(g.broker, c.RabbitMQ.ScanQueue),
		admission.Config{MaxConcurrent: c.Admission.MaxConcurrent, StuckAfter: c.Admission.StuckAfter},
		opts...,
	)
	if err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

func newUpstream(c config.Config) (*upstream.Client, *upstream.BreakerFetcher) {
	opts := []upstream.Option{
		upstream.WithTimeout(c.Upstream.Timeout),
		upstream.WithMaxRetries(c.Upstream.MaxRetries),
	}
	if c.Upstream.Username != "" {
		opts = append(opts, upstream.WithBasicAuth(c.Upstream.Username, c.Upstream.Password))
	}
	client := upstream.New(c.Upstream.URL, opts...)
	return client, upstream.NewBreakerFetcher(client, c.Upstream.BreakerThreshold)
}

// Close flushes pending events and releases every connection.
func (g *gate) Close() {
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if g.recorder != nil {
		if err := g.recorder.Flush(flushCtx); err != nil {
			slog.Warn("Failed to flush events", "error", err)
		}
	}
	if g.kv != nil {
		_ = g.kv.Close()
	}
	if g.db != nil {
		if err := postgres.Close(g.db); err != nil {
			slog.Warn("Failed to close database", "error", err)
		}
	}
}
