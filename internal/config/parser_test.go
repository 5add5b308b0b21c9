package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleRun = `
run:
  name: two-cluster
topology:
  clusters:
    - name: little
      cpus: "0-3"
      capacity: 512
      max_freq_khz: 1800000
      perf_states:
        - {freq_khz: 600000, power: 50}
        - {freq_khz: 1800000, power: 300}
    - name: big
      cpus: "4-7"
      capacity: 1024
      max_freq_khz: 2800000
tunables:
  sched_boost: 1
  sched_upmigrate: [90]
  sched_downmigrate: [80]
workload:
  duration_ms: 100
  tasks:
    - {name: ui, pid: 100, cpu: 0, run_ns: 2000000, sleep_ns: 6000000, affinity: "0-3,6"}
  events:
    - {at_ms: 10, kind: boost, value: 1}
output:
  db:
    host: ${WALT_TEST_INFLUX_HOST}
    bucket: walt
`

func TestParseConfig_Sample(t *testing.T) {
	t.Setenv("WALT_TEST_INFLUX_HOST", "http://localhost:8086")

	cfg, err := ParseConfig([]byte(sampleRun))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if got := cfg.Topology.Clusters[1].CPUList(); len(got) != 4 || got[0] != 4 {
		t.Fatalf("big cluster cpus = %v", got)
	}
	if cfg.Tunables.Boost != 1 {
		t.Fatalf("boost = %d, want 1", cfg.Tunables.Boost)
	}
	// untouched knobs keep defaults
	if cfg.Tunables.MinTaskUtilForBoost != 51 || cfg.Tunables.WindowStatsPolicy != WindowStatsMaxRecentAvg {
		t.Fatalf("defaults lost: %+v", cfg.Tunables)
	}
	if cfg.Workload.TickNs != DefaultTickNs {
		t.Fatalf("tick = %d, want %d", cfg.Workload.TickNs, DefaultTickNs)
	}
	task := cfg.Workload.Tasks[0]
	if task.Prio != DefaultTaskPrio {
		t.Fatalf("prio = %d, want default", task.Prio)
	}
	if aff := task.AffinityCPUs(); len(aff) != 5 || aff[4] != 6 {
		t.Fatalf("affinity = %v", aff)
	}
	if cfg.Output.DB.Host != "http://localhost:8086" || !cfg.Output.DB.Enabled() {
		t.Fatalf("env expansion failed: %+v", cfg.Output.DB)
	}
}

func TestParseConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no name", "topology: {discover: true}"},
		{"no topology", "run: {name: x}"},
		{"overlap", `
run: {name: x}
topology:
  clusters:
    - {name: a, cpus: "0-1", capacity: 100, max_freq_khz: 1}
    - {name: b, cpus: "1-2", capacity: 200, max_freq_khz: 1}
`},
		{"bad boost", `
run: {name: x}
topology: {discover: true}
tunables: {sched_boost: 4}
`},
		{"bad window ticks", `
run: {name: x}
topology: {discover: true}
tunables: {sched_ravg_window_nr_ticks: 6}
`},
		{"unknown event", `
run: {name: x}
topology: {discover: true}
workload:
  events: [{at_ms: 1, kind: teleport}]
`},
		{"dup pid", `
run: {name: x}
topology: {discover: true}
workload:
  tasks: [{name: a, pid: 3}, {name: b, pid: 3}]
`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(tc.yaml)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadConfigWithContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yml")
	if err := os.WriteFile(path, []byte("run: {name: x}\ntopology: {discover: true}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, content, err := LoadConfigWithContent(path)
	if err != nil {
		t.Fatalf("LoadConfigWithContent: %v", err)
	}
	if cfg.Run.Name != "x" || content == "" {
		t.Fatalf("unexpected result %+v %q", cfg.Run, content)
	}
}

func TestTunablesValidate(t *testing.T) {
	tun := DefaultTunables()
	tun.Normalize(8, 3)
	if err := tun.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if len(tun.UpmigratePct) != 2 || tun.UpmigratePct[0] != 95 || tun.DownmigratePct[1] != 85 {
		t.Fatalf("margin levels not filled: %v %v", tun.UpmigratePct, tun.DownmigratePct)
	}
	if len(tun.ColocBusyHystCPUNs) != 8 || tun.ColocBusyHystCPUNs[7] != 39000000 {
		t.Fatalf("per-cpu knobs not filled: %v", tun.ColocBusyHystCPUNs)
	}

	bad := tun.Clone()
	bad.UpmigratePct[1] = 50
	if err := bad.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("up below down accepted: %v", err)
	}
	if tun.UpmigratePct[1] != 95 {
		t.Fatalf("Clone shares slices with the original")
	}

	bad = tun.Clone()
	bad.GroupDownmigratePct = 101
	if err := bad.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("group down above up accepted: %v", err)
	}

	bad = tun.Clone()
	bad.RTGCFSBoostPrio = 120
	if err := bad.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("rtg boost prio 120 accepted: %v", err)
	}
}

func TestWindowNs(t *testing.T) {
	tun := DefaultTunables()
	if tun.WindowNrTicks != 4 {
		t.Fatalf("default ticks = %d, want 4", tun.WindowNrTicks)
	}
	if got := tun.WindowNs(); got != DefaultWindowNs {
		t.Fatalf("window = %d, want %d", got, DefaultWindowNs)
	}
	tun.WindowNrTicks = 5
	if got := tun.WindowNs(); got != 20000000 {
		t.Fatalf("window = %d, want 20ms", got)
	}
}

func TestGetEventsSorted(t *testing.T) {
	cfg := &RunConfig{Workload: WorkloadConfig{Events: []EventConfig{
		{AtMs: 5, Kind: "wake", PID: 1},
		{AtMs: 1, Kind: "boost"},
		{AtMs: 5, Kind: "sleep", PID: 1},
	}}}
	ev := cfg.GetEventsSorted()
	if ev[0].AtMs != 1 || ev[1].Kind != "wake" || ev[2].Kind != "sleep" {
		t.Fatalf("unexpected order %+v", ev)
	}
}
