// Command pypi-gate fronts an internal Python package index and holds every
// project back until a vulnerability scan has cleared it.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/SiriusScan/pypi-gate/sirius/config"
	"github.com/SiriusScan/pypi-gate/sirius/slogger"
	"github.com/spf13/cobra"
)

var (
	cfg config.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "YAML config file; GATE_* environment variables override it")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// errors are logged once below
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initGate

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(admitCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(packagesCmd)
	rootCmd.AddCommand(apikeyCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("pypi-gate failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "pypi-gate",
	Short:        "Package index proxy that admits packages after a security scan",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("pypi-gate: version info not available")
			return
		}
		fmt.Printf("pypi-gate: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
	},
}

func initGate(cmd *cobra.Command, _ []string) error {
	path := flagConfigFilePath
	if env, ok := os.LookupEnv("GATE_CONFIG"); ok && path == "" {
		path = env
	}

	var err error
	cfg, err = config.Load(path)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if flagVerbose {
		level = "debug"
	}
	slogger.Setup(slogger.Options{Level: level, Format: cfg.Log.Format, Writer: os.Stderr})
	if path != "" {
		slog.Debug("Loaded config file", "path", path)
	}
	return nil
}
