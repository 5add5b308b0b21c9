package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"walt-sched/internal/collectors"
	"walt-sched/internal/colocation"
	"walt-sched/internal/config"
	"walt-sched/internal/database"
	"walt-sched/internal/logging"
	"walt-sched/internal/metrics"
	"walt-sched/internal/sim"
	"walt-sched/internal/storage"
	"walt-sched/internal/walt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/tomb.v2"
)

type simulateOptions struct {
	configFile    string
	metricsAddr   string
	spoolDir      string
	noSpool       bool
	csvDir        string
	dump          bool
	failFast      bool
	dockerColoc   bool
	cycleCounters bool
}

func newSimulateCmd() *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a workload against the load tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			_, err := runSimulation(ctx, opts, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "Path to run configuration file")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address while the run lasts")
	cmd.Flags().StringVar(&opts.spoolDir, "spool-dir", "", "Directory for the run artifact (default $WALT_SPOOL_DIR or ./spool)")
	cmd.Flags().BoolVar(&opts.noSpool, "no-spool", false, "Do not write a run artifact")
	cmd.Flags().StringVar(&opts.csvDir, "csv-dir", "", "Also export windows, placements and tasks as CSV into this directory")
	cmd.Flags().BoolVar(&opts.dump, "dump", false, "Log the task and runqueue state at the end of the run")
	cmd.Flags().BoolVar(&opts.failFast, "fail-fast", false, "Abort on the first accounting bug")
	cmd.Flags().BoolVar(&opts.dockerColoc, "docker-coloc", false, "Add the processes of containers labelled walt.colocate=true to the workload")
	cmd.Flags().BoolVar(&opts.cycleCounters, "cycle-counters", false, "Scale execution time with the host's cpu-cycles counters")
	cmd.MarkFlagRequired("config")

	return cmd
}

func runSimulation(parent context.Context, opts *simulateOptions, out io.Writer) (*sim.Report, error) {
	logger := logging.GetLogger()

	cfg, content, err := config.LoadConfigWithContent(opts.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnvDefaults(cfg)
	if opts.failFast {
		cfg.Run.FailFast = true
	}
	if opts.metricsAddr != "" {
		cfg.Output.MetricsAddr = opts.metricsAddr
	}
	if opts.spoolDir != "" {
		cfg.Output.SpoolDir = opts.spoolDir
	}

	if cfg.Run.LogLevel != "" {
		if err := logging.SetLogLevel(cfg.Run.LogLevel); err != nil {
			logger.WithField("log_level", cfg.Run.LogLevel).WithError(err).Warn("Invalid log level in config, using INFO")
			logging.SetLogLevel("info")
		}
	}

	if opts.dockerColoc {
		if err := addDockerColocation(parent, cfg); err != nil {
			return nil, err
		}
	}

	topo, err := resolveTopology(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, err
	}

	simOpts := sim.Options{
		Logger:    logger,
		Listeners: []sim.Listener{m},
		Observer:  m,
	}
	if opts.cycleCounters {
		cpus := topo.AllCPUs().CPUs()
		cc, err := collectors.OpenCycleCounters(cpus)
		if err != nil {
			return nil, fmt.Errorf("failed to open cycle counters: %w", err)
		}
		defer cc.Close()
		simOpts.Cycles = cc
	}

	s, err := sim.New(cfg, topo, simOpts)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"run":      cfg.Run.Name,
		"cpus":     topo.NrCPUs,
		"clusters": topo.NrClusters(),
		"tasks":    len(cfg.Workload.Tasks),
		"events":   len(cfg.Workload.Events),
	}).Info("Starting simulation")

	// The replay and the metrics server share one tomb: the end of the
	// replay or a failing server takes both down.
	t, ctx := tomb.WithContext(parent)
	if cfg.Output.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.Output.MetricsAddr, reg)
		t.Go(func() error {
			return srv.Run(t.Dying())
		})
	}
	var rep *sim.Report
	t.Go(func() error {
		var runErr error
		rep, runErr = s.Run(ctx)
		t.Kill(runErr)
		return runErr
	})
	runErr := t.Wait()

	if rep == nil {
		return nil, runErr
	}

	if opts.dump {
		dumpState(logger, s.Core(), rep)
	}
	printSummary(out, rep)

	if err := exportReport(parent, cfg, content, rep, opts); err != nil {
		logger.WithError(err).Error("Failed to export run")
		if runErr == nil {
			runErr = err
		}
	}

	var fatal *walt.FatalAccountingError
	if errors.As(runErr, &fatal) {
		return rep, fmt.Errorf("run aborted on accounting bug: %w", runErr)
	}
	return rep, runErr
}

func addDockerColocation(ctx context.Context, cfg *config.RunConfig) error {
	src, closeFn, err := colocation.NewDockerSource()
	if err != nil {
		return err
	}
	defer closeFn()

	containers, err := src.Discover(ctx)
	if err != nil {
		return err
	}
	n := colocation.AddToWorkload(cfg, containers)
	logging.GetLogger().WithFields(logrus.Fields{
		"containers": len(containers),
		"tasks":      n,
	}).Info("Added colocated container processes")
	return nil
}

func exportReport(ctx context.Context, cfg *config.RunConfig, content string, rep *sim.Report, opts *simulateOptions) error {
	logger := logging.GetLogger()
	metadata := database.CollectRunMetadata(cfg, content, rep, Version)

	if !opts.noSpool {
		path, err := database.WriteSpoolArtifact(cfg.Output.SpoolDir, database.BuildSpoolArtifact(cfg, content, rep, metadata))
		if err != nil {
			return fmt.Errorf("failed to write spool artifact: %w", err)
		}
		logger.WithField("path", path).Info("Run artifact written")
	}

	if opts.csvDir != "" {
		if _, err := storage.ExportToCSV(rep, opts.csvDir); err != nil {
			return err
		}
	}

	if !cfg.Output.DB.Enabled() {
		return nil
	}
	db, err := database.NewInfluxDBClient(ctx, cfg.Output.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.WriteReport(ctx, rep); err != nil {
		return err
	}
	if err := db.WriteMetadata(ctx, metadata); err != nil {
		return err
	}
	logger.WithField("run_id", rep.RunID).Info("Run written to InfluxDB")
	return nil
}

func dumpState(logger logrus.FieldLogger, core *walt.Core, rep *sim.Report) {
	for cpu := 0; cpu < rep.NrCPUs; cpu++ {
		logger.WithFields(core.RQDump(cpu)).Info("Runqueue state")
	}
	for _, ts := range rep.Tasks {
		if ts.Exited {
			continue
		}
		p, err := core.Task(ts.PID)
		if err != nil {
			continue
		}
		logger.WithFields(core.TaskDump(p)).Info("Task state")
	}
}

func printSummary(out io.Writer, rep *sim.Report) {
	fmt.Fprintf(out, "run %s (%s): %d ms simulated in %s\n", rep.Name, rep.RunID, rep.SimulatedNs/1000000, rep.Elapsed)
	fmt.Fprintf(out, "  windows %d  placements %d  governor calls %d\n", len(rep.Windows), len(rep.Placements), len(rep.GovCalls))
	fmt.Fprintf(out, "  accounting bugs %d  soft corrections %d  fatal %d\n", rep.Bugs, rep.SoftCorrections, len(rep.Fatal))
	for _, ts := range rep.Tasks {
		state := ""
		if ts.Exited {
			state = " exited"
		}
		fmt.Fprintf(out, "  pid %-6d %-16s cpu %-3d demand %-9d pred %-9d runtime %dus%s\n",
			ts.PID, ts.Comm, ts.CPU, ts.Demand, ts.PredDemand, ts.SumExecRuntime/1000, state)
	}
}
