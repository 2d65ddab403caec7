package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/completion"
	"github.com/SiriusScan/pypi-gate/sirius/policy"
	"github.com/SiriusScan/pypi-gate/sirius/proxy"
	"github.com/SiriusScan/pypi-gate/sirius/scheduler"
	"github.com/SiriusScan/pypi-gate/sirius/slogger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 10 * time.Second

var flagAccessLog bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the proxy, the admission scheduler and the scan result consumer",
	RunE:  doServe,
}

func init() {
	serveCmd.Flags().BoolVar(&flagAccessLog, "access-log", false, "log every HTTP request")
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = slogger.ContextAttrs(ctx, slog.String("cmd", "serve"), slog.Int("pid", os.Getpid()))

	g, err := wire(ctx, cfg)
	if err != nil {
		return err
	}
	defer g.Close()

	client, fetcher := newUpstream(cfg)
	defer client.Close()

	schedOpts := []scheduler.Option{}
	if g.snapshots != nil {
		schedOpts = append(schedOpts, scheduler.WithSnapshots(g.snapshots))
	}
	sched, err := scheduler.New(cfg.Admission.Schedule, g.admission, schedOpts...)
	if err != nil {
		return err
	}

	gatePolicy := policy.New(g.repo,
		policy.WithRetryAfter(cfg.Policy.RetryAfter),
		policy.WithEvents(g.recorder),
		// a new package should not wait for the next tick when there is capacity
		policy.OnCreate(func(string) { sched.Trigger() }),
	)

	deps := proxy.Deps{
		Resolver:    gatePolicy,
		Upstream:    fetcher,
		Packages:    g.repo,
		Events:      g.recorder,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		AccessLog:   flagAccessLog,
	}
	if g.kv != nil {
		deps.AdminKeys = g.kv
		deps.Snapshots = g.snapshots
	}
	srv := proxy.New(deps)
	consumer := completion.NewConsumer(g.repo, g.recorder)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return srv.Listen(cfg.HTTP.Addr)
	})
	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	grp.Go(func() error {
		return sched.Start(gctx)
	})
	grp.Go(func() error {
		consumer.Run(gctx, g.broker, cfg.RabbitMQ.ResultQueue)
		return nil
	})
	grp.Go(func() error {
		g.recorder.Run(gctx, cfg.Events.FlushInterval)
		return nil
	})

	slog.InfoContext(ctx, "pypi-gate started",
		"addr", cfg.HTTP.Addr,
		"upstream", client.BaseURL(),
		"max_concurrent", cfg.Admission.MaxConcurrent,
		"schedule", cfg.Admission.Schedule,
	)
	err = grp.Wait()
	slog.InfoContext(ctx, "pypi-gate stopped")
	return err
}
