package main

import (
	"context"
	"fmt"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/postgres"
	"github.com/SiriusScan/pypi-gate/sirius/queue"
	"github.com/SiriusScan/pypi-gate/sirius/store"
	"github.com/gosuri/uitable"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "check connectivity to the database, valkey, the broker and the upstream index",
	RunE:  doDiagnose,
}

type check struct {
	name   string
	target string
	run    func(ctx context.Context) error
}

func doDiagnose(cmd *cobra.Command, _ []string) error {
	checks := []check{
		{name: "database", target: cfg.Database.Driver, run: func(ctx context.Context) error {
			db, err := postgres.Open(ctx, postgres.Options{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, MaxElapsed: time.Second})
			if err != nil {
				return err
			}
			defer func() { _ = postgres.Close(db) }()
			return postgres.Ping(ctx, db)
		}},
		{name: "valkey", target: cfg.Valkey.Addr, run: func(ctx context.Context) error {
			kv, err := store.NewValkeyStore(cfg.Valkey.Addr)
			if err != nil {
				return err
			}
			defer kv.Close()
			return kv.Ping(ctx)
		}},
		{name: "rabbitmq", target: redactURL(cfg.RabbitMQ.URL), run: func(ctx context.Context) error {
			return queue.NewClient(cfg.RabbitMQ.URL).Ping(ctx)
		}},
		{name: "upstream", target: cfg.Upstream.URL, run: func(ctx context.Context) error {
			client, _ := newUpstream(cfg)
			defer client.Close()
			resp, err := client.Get(ctx, "simple/")
			if err != nil {
				return err
			}
			return resp.Body.Close()
		}},
	}

	var failures *multierror.Error
	table := uitable.New()
	table.MaxColWidth = 80
	table.AddRow("CHECK", "TARGET", "RESULT", "TIME")
	for _, c := range checks {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		start := time.Now()
		err := c.run(ctx)
		cancel()

		result := "ok"
		if err != nil {
			result = err.Error()
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", c.name, err))
		}
		table.AddRow(c.name, c.target, result, time.Since(start).Round(time.Millisecond))
	}
	fmt.Fprintln(cmd.OutOrStdout(), table)
	return failures.ErrorOrNil()
}
