package cmd

import (
	"fmt"
	"io"
	"strings"

	"walt-sched/internal/config"
	"walt-sched/internal/host"
	"walt-sched/internal/logging"
	"walt-sched/internal/sim"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newValidateCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a run configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(configFile, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to run configuration file")
	cmd.MarkFlagRequired("config")
	return cmd
}

func validateConfig(configFile string, out io.Writer) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}
	topo, err := resolveTopology(cfg)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}
	checksum, _ := config.TraceChecksum(cfg)

	logger.WithField("config_file", configFile).Info("Configuration is valid")
	fmt.Fprintf(out, "%s: %d cpus in %d clusters, %d tasks, %d events, trace %s\n",
		cfg.Run.Name, topo.NrCPUs, topo.NrClusters(), len(cfg.Workload.Tasks), len(cfg.Workload.Events), checksum)
	return nil
}

func newTopologyCmd() *cobra.Command {
	var sysfsRoot string
	var noSSTBF bool

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the cpu topology discovered from sysfs",
		Long:  "Print the cpu topology discovered from sysfs in the topology section format of a run file",
		RunE: func(cmd *cobra.Command, args []string) error {
			hc, err := host.NewHostConfig(host.DiscoverOptions{
				SysfsRoot: sysfsRoot,
				SSTBF:     !noSSTBF,
			})
			if err != nil {
				return err
			}
			return printTopology(cmd.OutOrStdout(), hc.Clusters)
		},
	}
	cmd.Flags().StringVar(&sysfsRoot, "sysfs-root", "", "Read sysfs from this directory instead of /sys")
	cmd.Flags().BoolVar(&noSSTBF, "no-sst-bf", false, "Do not split SST-BF high priority cores into their own cluster")
	return cmd
}

func printTopology(out io.Writer, clusters []config.ClusterConfig) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string]config.TopologyConfig{
		"topology": {Clusters: clusters},
	})
}

func newSysctlCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "sysctl [knob[=value]...]",
		Short: "Read or write load tracker knobs",
		Long: "Read or write load tracker knobs against the tunables of a run file. " +
			"Without arguments every knob is listed. Writes are validated exactly as at runtime.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSysctl(configFile, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to run configuration file")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runSysctl(configFile string, args []string, out io.Writer) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	topo, err := resolveTopology(cfg)
	if err != nil {
		return err
	}
	s, err := sim.New(cfg, topo, sim.Options{CoreLogger: logging.GetSchedulerLogger()})
	if err != nil {
		return err
	}
	ctl := s.Core().Sysctl()

	if len(args) == 0 {
		for _, name := range ctl.Names() {
			if v, err := ctl.Read(name); err == nil {
				fmt.Fprintf(out, "%s = %s\n", name, v)
			}
		}
		return nil
	}

	for _, arg := range args {
		name, value, write := strings.Cut(arg, "=")
		if write {
			if err := ctl.Write(name, value); err != nil {
				return err
			}
		}
		v, err := ctl.Read(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s = %s\n", name, v)
	}
	return nil
}
