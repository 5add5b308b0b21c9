package config

import (
	"time"
)

type RunConfig struct {
	Run      RunInfo        `yaml:"run"`
	Topology TopologyConfig `yaml:"topology"`
	Tunables Tunables       `yaml:"tunables"`
	Workload WorkloadConfig `yaml:"workload"`
	Output   OutputConfig   `yaml:"output"`
}

type RunInfo struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	LogLevel    string `yaml:"log_level"`
	// FailFast aborts the run on the first fatal accounting error instead
	// of clamping and continuing. It overrides tunables.panic_on_walt_bug.
	FailFast bool `yaml:"fail_fast"`
}

type TopologyConfig struct {
	Discover  bool            `yaml:"discover"`
	SysfsRoot string          `yaml:"sysfs_root,omitempty"`
	Clusters  []ClusterConfig `yaml:"clusters"`
}

type ClusterConfig struct {
	Name string `yaml:"name"`
	// CPUs is a cpu list such as "0-3" or "4,6".
	CPUs            string            `yaml:"cpus"`
	Capacity        uint64            `yaml:"capacity"`
	MaxFreqKHz      uint64            `yaml:"max_freq_khz"`
	IdleExitLatency uint32            `yaml:"idle_exit_latency"`
	PerfStates      []PerfStateConfig `yaml:"perf_states"`

	cpuList []int
}

type PerfStateConfig struct {
	FreqKHz uint64 `yaml:"freq_khz"`
	Power   uint64 `yaml:"power"`
}

type WorkloadConfig struct {
	DurationMs uint64         `yaml:"duration_ms"`
	TickNs     uint64         `yaml:"tick_ns"`
	Cgroups    []CgroupConfig `yaml:"cgroups"`
	Tasks      []TaskConfig   `yaml:"tasks"`
	Events     []EventConfig  `yaml:"events"`
}

type CgroupConfig struct {
	Name     string `yaml:"name"`
	Colocate bool   `yaml:"colocate"`
	// BoostTypes lists the boost types (1..3) the cgroup takes part in.
	BoostTypes []int `yaml:"boost_types"`
}

type TaskConfig struct {
	Name     string `yaml:"name"`
	PID      int    `yaml:"pid"`
	Prio     int    `yaml:"prio"`
	CPU      int    `yaml:"cpu"`
	Cgroup   string `yaml:"cgroup,omitempty"`
	Affinity string `yaml:"affinity,omitempty"`
	StartMs  uint64 `yaml:"start_ms"`
	// RunNs/SleepNs describe a periodic burst pattern. A zero SleepNs
	// means the task never sleeps on its own.
	RunNs      uint64 `yaml:"run_ns"`
	SleepNs    uint64 `yaml:"sleep_ns"`
	UclampMin  uint32 `yaml:"uclamp_min"`
	Boost      int    `yaml:"boost"`
	BoostMs    uint64 `yaml:"boost_ms"`
	LowLatency bool   `yaml:"low_latency"`
	Pipeline   bool   `yaml:"pipeline"`
	IOWait     bool   `yaml:"iowait"`
	Background bool   `yaml:"background"`

	affinityCPUs []int
}

// EventConfig is one timed workload event. PID names the task the event
// applies to; the other fields depend on Kind:
//
//	spawn       start task PID now; undeclared pids get cpu Target,
//	            run DurNs and sleep Value ns
//	wake        wake PID; Target is the waker pid, Value 1 a sync wakeup
//	sleep       PID sleeps, for DurNs when set
//	exit        PID exits
//	run         PID burns DurNs of CPU, waking first if needed
//	affinity    PID may only run on CPUs
//	setgroup    PID joins colocation group Value
//	boost       sched_boost is written with Value
//	task_boost  PID gets boost Value for DurNs
//	sysctl      Knob is written with Arg
//	irq         cpu Target spends DurNs in interrupts
//	binder      PID calls server Target, which works for DurNs
//	cgroup      PID moves to Cgroup
//	freq_limit  the cluster of cpu Target is capped at Value kHz
//	yield       the running PID yields
type EventConfig struct {
	AtMs   uint64 `yaml:"at_ms"`
	Kind   string `yaml:"kind"`
	PID    int    `yaml:"pid,omitempty"`
	Target int    `yaml:"target,omitempty"`
	Value  int64  `yaml:"value,omitempty"`
	DurNs  uint64 `yaml:"dur_ns,omitempty"`
	CPUs   string `yaml:"cpus,omitempty"`
	Knob   string `yaml:"knob,omitempty"`
	Arg    string `yaml:"arg,omitempty"`
	Cgroup string `yaml:"cgroup,omitempty"`
}

type OutputConfig struct {
	SpoolDir    string       `yaml:"spool_dir,omitempty"`
	MetricsAddr string       `yaml:"metrics_addr,omitempty"`
	DB          InfluxConfig `yaml:"db"`
}

type InfluxConfig struct {
	Host   string `yaml:"host"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether an InfluxDB target was configured.
func (c InfluxConfig) Enabled() bool {
	return c.Host != "" && c.Bucket != ""
}

func (c *RunConfig) GetDuration() time.Duration {
	return time.Duration(c.Workload.DurationMs) * time.Millisecond
}

// NrCPUs is one past the highest CPU named by the configured clusters.
func (t TopologyConfig) NrCPUs() int {
	n := 0
	for _, c := range t.Clusters {
		for _, cpu := range c.cpuList {
			n = max(n, cpu+1)
		}
	}
	return n
}

// NewClusterConfig builds a cluster from an already parsed cpu list.
func NewClusterConfig(name string, cpus []int, capacity, maxFreqKHz uint64, perfStates []PerfStateConfig) ClusterConfig {
	return ClusterConfig{
		Name:       name,
		CPUs:       FormatCPUList(cpus),
		Capacity:   capacity,
		MaxFreqKHz: maxFreqKHz,
		PerfStates: perfStates,
		cpuList:    cpus,
	}
}

// CPUList returns the parsed cpu list of the cluster.
func (c ClusterConfig) CPUList() []int {
	return c.cpuList
}

// AffinityCPUs returns the parsed affinity list; nil means all CPUs.
func (t TaskConfig) AffinityCPUs() []int {
	return t.affinityCPUs
}

// GetEventsSorted returns the events ordered by time, stable for equal times.
func (c *RunConfig) GetEventsSorted() []EventConfig {
	events := make([]EventConfig, len(c.Workload.Events))
	copy(events, c.Workload.Events)

	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].AtMs < events[j-1].AtMs; j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}

	return events
}
