package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"walt-sched/internal/config"
	"walt-sched/internal/host"
	"walt-sched/internal/logging"
	"walt-sched/internal/topology"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const Version = "0.4.0"

// Execute runs the command line.
func Execute() error {
	loadEnvironment()
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var logLevel, schedLogLevel string

	rootCmd := &cobra.Command{
		Use:           "walt-sched",
		Short:         "Window-assisted load tracking and energy-aware placement",
		Long:          "Replays scheduler workloads against the WALT load tracker and the energy-aware placement search",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			if schedLogLevel != "" {
				if err := logging.SetSchedulerLogLevel(schedLogLevel); err != nil {
					return fmt.Errorf("invalid scheduler log level: %w", err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&schedLogLevel, "sched-log-level", "", "Set the log level of the load tracker")

	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newTopologyCmd())
	rootCmd.AddCommand(newSysctlCmd())
	rootCmd.AddCommand(newSampleFreqCmd())
	rootCmd.AddCommand(newColocCmd())
	rootCmd.AddCommand(newPlotCmd())

	return rootCmd
}

func loadEnvironment() {
	logger := logging.GetLogger()

	// Try to load .env file from current directory
	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
		return
	}

	// Try to load from the application directory
	if execPath, err := os.Executable(); err == nil {
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
			} else {
				logger.WithField("file", envFile).Debug("Loaded environment variables")
			}
		}
	}
}

// applyEnvDefaults fills the InfluxDB target from INFLUXDB_* variables
// where the run file leaves it empty.
func applyEnvDefaults(cfg *config.RunConfig) {
	db := &cfg.Output.DB
	for _, v := range []struct {
		field *string
		env   string
	}{
		{&db.Host, "INFLUXDB_HOST"},
		{&db.Token, "INFLUXDB_TOKEN"},
		{&db.Org, "INFLUXDB_ORG"},
		{&db.Bucket, "INFLUXDB_BUCKET"},
	} {
		if *v.field == "" {
			*v.field = os.Getenv(v.env)
		}
	}
	if cfg.Output.SpoolDir == "" {
		cfg.Output.SpoolDir = os.Getenv("WALT_SPOOL_DIR")
	}
}

// resolveTopology fills in discovered clusters and builds the topology.
func resolveTopology(cfg *config.RunConfig) (*topology.Topology, error) {
	logger := logging.GetLogger()

	if cfg.Topology.Discover {
		hc, err := host.NewHostConfig(host.DiscoverOptions{
			SysfsRoot: cfg.Topology.SysfsRoot,
			SSTBF:     true,
		})
		if err != nil {
			return nil, err
		}
		cfg.Topology.Clusters = hc.Clusters
		logger.WithField("clusters", len(hc.Clusters)).Info("Using discovered topology")
	}

	topo, err := topology.Build(cfg.Topology.Clusters, cfg.Topology.NrCPUs())
	if err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	return topo, nil
}
