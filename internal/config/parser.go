package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"walt-sched/internal/logging"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/cpuset"
)

const (
	DefaultTickNs   = NsecPerSec / HZ
	DefaultTaskPrio = 120
	// MaxCPUs bounds the simulated CPU count; masks are 64-bit.
	MaxCPUs = 64
)

var EventKinds = map[string]bool{
	"spawn":      true,
	"wake":       true,
	"sleep":      true,
	"exit":       true,
	"run":        true,
	"affinity":   true,
	"setgroup":   true,
	"boost":      true,
	"task_boost": true,
	"sysctl":     true,
	"irq":        true,
	"binder":     true,
	"cgroup":     true,
	"freq_limit": true,
	"yield":      true,
}

func LoadConfig(filepath string) (*RunConfig, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

func LoadConfigWithContent(filepath string) (*RunConfig, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)

	config, err := ParseConfig([]byte(originalContent))
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, "", err
	}

	return config, originalContent, nil
}

// ParseConfig decodes and validates a run file. Tunables missing from
// the file keep their defaults.
func ParseConfig(data []byte) (*RunConfig, error) {
	expanded := expandEnvVars(string(data))

	config := RunConfig{Tunables: *DefaultTunables()}
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, err
	}

	for i := range config.Topology.Clusters {
		c := &config.Topology.Clusters[i]
		cpus, err := ParseCPUList(c.CPUs)
		if err != nil {
			return nil, fmt.Errorf("cluster %d (%s): invalid cpus '%s': %w", i, c.Name, c.CPUs, err)
		}
		c.cpuList = cpus
	}

	for i := range config.Workload.Tasks {
		task := &config.Workload.Tasks[i]
		if task.Prio == 0 {
			task.Prio = DefaultTaskPrio
		}
		if task.Affinity != "" {
			cpus, err := ParseCPUList(task.Affinity)
			if err != nil {
				return nil, fmt.Errorf("task %s: invalid affinity '%s': %w", task.Name, task.Affinity, err)
			}
			task.affinityCPUs = cpus
		}
	}

	if config.Workload.TickNs == 0 {
		config.Workload.TickNs = DefaultTickNs
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// ParseCPUList parses cpu lists like "0", "0,2,4" or "0-3".
func ParseCPUList(spec string) ([]int, error) {
	set, err := cpuset.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, err
	}
	if set.Size() == 0 {
		return nil, fmt.Errorf("no CPUs specified")
	}
	cpus := set.List()
	if cpus[len(cpus)-1] >= MaxCPUs {
		return nil, fmt.Errorf("cpu %d out of range, max %d", cpus[len(cpus)-1], MaxCPUs-1)
	}
	return cpus, nil
}

// FormatCPUList renders cpus in the canonical range form.
func FormatCPUList(cpus []int) string {
	return cpuset.New(cpus...).String()
}

func validateConfig(config *RunConfig) error {
	if config.Run.Name == "" {
		return fmt.Errorf("run name is required")
	}

	if !config.Topology.Discover && len(config.Topology.Clusters) == 0 {
		return fmt.Errorf("topology needs clusters or discover: true")
	}
	if len(config.Topology.Clusters) > MaxClusters {
		return fmt.Errorf("%d clusters configured, max %d", len(config.Topology.Clusters), MaxClusters)
	}

	seen := make(map[int]string)
	for _, c := range config.Topology.Clusters {
		if c.Capacity == 0 || c.Capacity > 1024 {
			return fmt.Errorf("cluster %s: capacity must be in 1..1024", c.Name)
		}
		if c.MaxFreqKHz == 0 {
			return fmt.Errorf("cluster %s: max_freq_khz is required", c.Name)
		}
		for _, cpu := range c.cpuList {
			if other, ok := seen[cpu]; ok {
				return fmt.Errorf("cluster %s: cpu %d already in cluster %s", c.Name, cpu, other)
			}
			seen[cpu] = c.Name
		}
		var last uint64
		for i, ps := range c.PerfStates {
			if ps.FreqKHz <= last {
				return fmt.Errorf("cluster %s: perf state %d frequency not ascending", c.Name, i)
			}
			last = ps.FreqKHz
		}
	}

	if err := config.Tunables.Validate(); err != nil {
		return fmt.Errorf("tunables: %w", err)
	}

	pids := make(map[int]bool)
	for _, task := range config.Workload.Tasks {
		if task.PID <= 0 {
			return fmt.Errorf("task %s: pid must be greater than 0", task.Name)
		}
		if pids[task.PID] {
			return fmt.Errorf("task %s: pid %d is already used", task.Name, task.PID)
		}
		pids[task.PID] = true
		if task.Prio < 0 || task.Prio > 139 {
			return fmt.Errorf("task %s: prio %d out of range", task.Name, task.Prio)
		}
	}

	for i, ev := range config.Workload.Events {
		if !EventKinds[ev.Kind] {
			return fmt.Errorf("event %d: unknown kind %q", i, ev.Kind)
		}
		if ev.CPUs != "" {
			if _, err := ParseCPUList(ev.CPUs); err != nil {
				return fmt.Errorf("event %d: invalid cpus '%s': %w", i, ev.CPUs, err)
			}
		}
	}

	return nil
}
