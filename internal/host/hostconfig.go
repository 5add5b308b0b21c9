package host

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"walt-sched/internal/config"
	"walt-sched/internal/logging"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// HostConfig describes the machine the tool runs on
// This is initialized once at startup and used throughout the application
type HostConfig struct {
	// CPU Information
	CPUVendor  string
	CPUModel   string
	NumSockets int
	// AllowedCPUs are the CPUs this process may run on.
	AllowedCPUs []int

	// Topology discovered from sysfs
	Clusters []config.ClusterConfig
	SSTBF    bool

	// System Information
	Hostname      string
	OSInfo        string
	KernelVersion string

	logger logrus.FieldLogger
}

var (
	globalHostConfig *HostConfig
	globalHostErr    error
	hostConfigOnce   sync.Once
)

// GetHostConfig returns the host configuration discovered from /sys and
// /proc. It initializes the configuration on first call.
func GetHostConfig() (*HostConfig, error) {
	hostConfigOnce.Do(func() {
		globalHostConfig, globalHostErr = NewHostConfig(DiscoverOptions{SSTBF: true})
	})
	return globalHostConfig, globalHostErr
}

// NewHostConfig runs the discovery with opts.
func NewHostConfig(opts DiscoverOptions) (*HostConfig, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}
	logger.Info("Initializing host configuration")

	hc := &HostConfig{logger: logger}
	hc.initSystemInfo(opts.procRoot())
	hc.initCPUInfo(opts.procRoot())

	allowed := opts.AllowedCPUs
	if allowed == nil {
		var err error
		if allowed, err = affinityCPUs(); err != nil {
			return nil, fmt.Errorf("failed to read cpu affinity: %w", err)
		}
	}
	hc.AllowedCPUs = allowed

	clusters, sstbf, err := discoverClusters(opts, allowed, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to discover cpu topology: %w", err)
	}
	hc.Clusters = clusters
	hc.SSTBF = sstbf

	logger.WithFields(logrus.Fields{
		"cpu_model": hc.CPUModel,
		"allowed":   config.FormatCPUList(allowed),
		"clusters":  len(clusters),
		"sst_bf":    sstbf,
	}).Info("Host configuration initialized")

	return hc, nil
}

// NrCPUs is one past the highest CPU of the discovered clusters.
func (hc *HostConfig) NrCPUs() int {
	return config.TopologyConfig{Clusters: hc.Clusters}.NrCPUs()
}

func affinityCPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}
	var cpus []int
	for cpu := 0; cpu < config.MaxCPUs; cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

func (hc *HostConfig) initSystemInfo(procRoot string) {
	hc.Hostname = "unknown"
	if hostname, err := os.Hostname(); err == nil {
		hc.Hostname = hostname
	}

	hc.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	hc.KernelVersion = "unknown"
	if data, err := os.ReadFile(procRoot + "/version"); err == nil {
		if version := strings.Fields(string(data)); len(version) >= 3 {
			hc.KernelVersion = version[2]
		}
	}
}

func (hc *HostConfig) initCPUInfo(procRoot string) {
	hc.CPUVendor = "unknown"
	hc.CPUModel = "unknown"
	hc.NumSockets = 1

	file, err := os.Open(procRoot + "/cpuinfo")
	if err != nil {
		return
	}
	defer file.Close()

	physicalIDs := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "vendor_id", "CPU implementer":
			if hc.CPUVendor == "unknown" {
				hc.CPUVendor = value
			}
		case "model name", "Hardware":
			if hc.CPUModel == "unknown" {
				hc.CPUModel = value
			}
		case "physical id":
			physicalIDs[value] = true
		}
	}

	if len(physicalIDs) > 0 {
		hc.NumSockets = len(physicalIDs)
	}
}
