package main

import (
	"fmt"

	"github.com/SiriusScan/pypi-gate/sirius/packages"
	"github.com/SiriusScan/pypi-gate/sirius/postgres"
	"github.com/SiriusScan/pypi-gate/sirius/postgres/models"
	"github.com/SiriusScan/pypi-gate/sirius/status"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

var (
	flagLimit  int
	flagStatus string
)

var packagesCmd = &cobra.Command{
	Use:   "packages",
	Short: "inspect package records",
}

var packagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "list package records, newest first (or oldest first with --status)",
	RunE:  doPackagesList,
}

var packagesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "count package records per status",
	RunE:  doPackagesStats,
}

func init() {
	packagesListCmd.Flags().IntVar(&flagLimit, "limit", 50, "maximum records to print")
	packagesListCmd.Flags().StringVar(&flagStatus, "status", "", "only records in this status")
	packagesCmd.AddCommand(packagesListCmd, packagesStatsCmd)
}

func openRepo(cmd *cobra.Command) (*packages.GormRepository, func(), error) {
	if cfg.Database.DSN == "" {
		return nil, nil, fmt.Errorf("database.dsn is required")
	}
	db, err := openDB(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return packages.NewGormRepository(db, nil), func() { _ = postgres.Close(db) }, nil
}

func doPackagesList(cmd *cobra.Command, _ []string) error {
	repo, closeDB, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	var recs []models.Package
	if flagStatus != "" {
		st, err := status.Parse(flagStatus)
		if err != nil {
			return err
		}
		recs, err = repo.ListByStatus(cmd.Context(), st, flagLimit)
		if err != nil {
			return err
		}
	} else {
		recs, err = repo.ListRecent(cmd.Context(), flagLimit)
		if err != nil {
			return err
		}
	}

	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("NAME", "VERSION", "STATUS", "CREATED", "UPDATED")
	for _, r := range recs {
		table.AddRow(r.Name, r.Version, r.Status, r.CreatedAt.Format("2006-01-02 15:04:05"), r.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(cmd.OutOrStdout(), table)
	return nil
}

func doPackagesStats(cmd *cobra.Command, _ []string) error {
	repo, closeDB, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := repo.StatusStats(cmd.Context())
	if err != nil {
		return err
	}
	table := uitable.New()
	table.AddRow("STATUS", "COUNT")
	for _, st := range status.All {
		table.AddRow(st, stats.ByStatus[st])
	}
	table.AddRow("total", stats.Total)
	fmt.Fprintln(cmd.OutOrStdout(), table)
	return nil
}
