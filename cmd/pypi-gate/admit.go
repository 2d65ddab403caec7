package main

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/SiriusScan/pypi-gate/sirius/scheduler"
	"github.com/SiriusScan/pypi-gate/sirius/slogger"
	"github.com/spf13/cobra"
)

var admitCmd = &cobra.Command{
	Use:   "admit",
	Short: "run one admission cycle and print its report",
	Long: `Counts the scans in flight, moves the oldest pending packages into
scanning up to the configured limit and publishes a scan request for each.
Suitable for an external cron when serve is not running the scheduler.`,
	RunE: doAdmit,
}

func doAdmit(cmd *cobra.Command, _ []string) error {
	ctx := slogger.ContextAttrs(cmd.Context(), slog.String("cmd", "admit"), slog.Int("pid", os.Getpid()))

	g, err := wire(ctx, cfg)
	if err != nil {
		return err
	}
	defer g.Close()

	var opts []scheduler.Option
	if g.snapshots != nil {
		opts = append(opts, scheduler.WithSnapshots(g.snapshots))
	}
	sched, err := scheduler.New(cfg.Admission.Schedule, g.admission, opts...)
	if err != nil {
		return err
	}

	report, err := sched.Tick(ctx)
	if err != nil {
		return err
	}
	if report.LaunchErrors != nil {
		slog.WarnContext(ctx, "Some scans failed to launch", "error", report.LaunchErrors)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
