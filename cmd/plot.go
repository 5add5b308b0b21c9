package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"walt-sched/internal/config"
	"walt-sched/internal/database"
	"walt-sched/internal/logging"
	"walt-sched/internal/plot"

	"github.com/spf13/cobra"
)

type plotOptions struct {
	runID      string
	spoolFile  string
	field      string
	groupBy    string
	intervalMs float64
	yMin       float64
	yMax       float64
	outDir     string
}

func newPlotCmd() *cobra.Command {
	opts := &plotOptions{}

	cmd := &cobra.Command{
		Use:   "plot",
		Short: "Render a pgfplots timeseries of per-window load",
		Long: "Render a pgfplots timeseries of a window field for a stored run. " +
			"The run is read from a spool artifact with --spool or from InfluxDB with --run-id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var minOverride, maxOverride *float64
			if cmd.Flags().Changed("ymin") {
				minOverride = &opts.yMin
			}
			if cmd.Flags().Changed("ymax") {
				maxOverride = &opts.yMax
			}
			return runPlot(cmd.Context(), opts, minOverride, maxOverride, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.runID, "run-id", "", "Run to plot from InfluxDB")
	cmd.Flags().StringVar(&opts.spoolFile, "spool", "", "Spool artifact to plot")
	cmd.Flags().StringVar(&opts.field, "field", "util", "Window field to plot")
	cmd.Flags().StringVar(&opts.groupBy, "group-by", string(plot.GroupByCPU), "One series per cpu or per cluster")
	cmd.Flags().Float64Var(&opts.intervalMs, "interval-ms", 0, "Average samples into buckets of this many milliseconds")
	cmd.Flags().Float64Var(&opts.yMin, "ymin", 0, "Override the y axis minimum")
	cmd.Flags().Float64Var(&opts.yMax, "ymax", 0, "Override the y axis maximum")
	cmd.Flags().StringVarP(&opts.outDir, "output", "o", "", "Write the .tikz and .tex files here instead of stdout")
	cmd.MarkFlagsMutuallyExclusive("run-id", "spool")
	cmd.MarkFlagsOneRequired("run-id", "spool")

	return cmd
}

func runPlot(ctx context.Context, opts *plotOptions, minOverride, maxOverride *float64, out io.Writer) error {
	var source plot.Source
	if opts.spoolFile != "" {
		artifact, err := database.ReadSpoolArtifact(opts.spoolFile)
		if err != nil {
			return err
		}
		source = plot.NewSpoolSource(artifact)
	} else {
		cfg := &config.RunConfig{}
		applyEnvDefaults(cfg)
		influx, err := plot.NewInfluxSource(cfg.Output.DB)
		if err != nil {
			return err
		}
		defer influx.Close()
		source = influx
	}

	plotTikz, wrapperTex, err := plot.NewTimeseriesPlotGenerator(source).Generate(ctx, plot.PlotOptions{
		RunID:       opts.runID,
		Field:       opts.field,
		GroupBy:     plot.GroupBy(opts.groupBy),
		IntervalMs:  opts.intervalMs,
		MinOverride: minOverride,
		MaxOverride: maxOverride,
	})
	if err != nil {
		return err
	}

	if opts.outDir == "" {
		fmt.Fprint(out, plotTikz)
		return nil
	}

	runID := opts.runID
	if runID == "" {
		if md, err := source.QueryRun(ctx, ""); err == nil {
			runID = md.RunID
		}
	}
	if err := os.MkdirAll(opts.outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	plotPath := filepath.Join(opts.outDir, plot.PlotFileName(runID, opts.field))
	wrapperPath := filepath.Join(opts.outDir, plot.WrapperFileName(runID, opts.field))
	if err := os.WriteFile(plotPath, []byte(plotTikz), 0644); err != nil {
		return fmt.Errorf("failed to write plot: %w", err)
	}
	if err := os.WriteFile(wrapperPath, []byte(wrapperTex), 0644); err != nil {
		return fmt.Errorf("failed to write wrapper: %w", err)
	}

	logging.GetLogger().WithField("plot", plotPath).WithField("wrapper", wrapperPath).Info("Plot written")
	return nil
}
