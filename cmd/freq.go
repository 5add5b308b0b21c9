package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"walt-sched/internal/collectors"
	"walt-sched/internal/colocation"
	"walt-sched/internal/config"
	"walt-sched/internal/host"

	"github.com/spf13/cobra"
)

func newSampleFreqCmd() *cobra.Command {
	var cpuList string
	var interval time.Duration
	var count int

	cmd := &cobra.Command{
		Use:   "sample-freq",
		Short: "Estimate cpu frequencies from the cpu-cycles counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cpus []int
			if cpuList != "" {
				var err error
				if cpus, err = config.ParseCPUList(cpuList); err != nil {
					return fmt.Errorf("invalid cpu list '%s': %w", cpuList, err)
				}
			} else {
				hc, err := host.GetHostConfig()
				if err != nil {
					return err
				}
				cpus = hc.AllowedCPUs
			}

			cc, err := collectors.OpenCycleCounters(cpus)
			if err != nil {
				return err
			}
			defer cc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return sampleFreq(ctx, cc, interval, count, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&cpuList, "cpus", "", "CPUs to sample (default: all CPUs this process may use)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Sampling interval")
	cmd.Flags().IntVar(&count, "count", 5, "Number of samples, 0 to run until interrupted")
	return cmd
}

func sampleFreq(parent context.Context, src collectors.CycleSource, interval time.Duration, count int, out io.Writer) error {
	ctx, cancel := context.WithCancel(parent)
	batches := make(chan []collectors.FreqSample, 1)
	fc := collectors.NewFreqCollector(src, interval, func(s []collectors.FreqSample) {
		select {
		case batches <- s:
		case <-ctx.Done():
		}
	})
	if err := fc.Start(ctx); err != nil {
		cancel()
		return err
	}
	defer fc.Stop()
	// unblocks a pending sink before Stop waits for the collector
	defer cancel()

	for n := 0; count == 0 || n < count; n++ {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-batches:
			for _, s := range batch {
				fmt.Fprintf(out, "%s cpu%-3d %8d kHz\n", s.Timestamp.Format(time.TimeOnly), s.CPU, s.FreqKHz)
			}
		}
	}
	return nil
}

func newColocCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coloc",
		Short: "List the containers labelled for colocation and their processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, closeFn, err := colocation.NewDockerSource()
			if err != nil {
				return err
			}
			defer closeFn()
			return listColocated(cmd.Context(), src, cmd.OutOrStdout())
		},
	}
}

func listColocated(ctx context.Context, src *colocation.Source, out io.Writer) error {
	containers, err := src.Discover(ctx)
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		fmt.Fprintf(out, "no running containers labelled %s=true\n", colocation.LabelColocate)
		return nil
	}
	for _, c := range containers {
		fmt.Fprintf(out, "%-24s cgroup %-16s pids %v\n", c.Name, c.Cgroup, c.PIDs)
	}
	return nil
}
