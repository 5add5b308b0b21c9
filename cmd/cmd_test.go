package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"walt-sched/internal/config"
	"walt-sched/internal/database"
	"walt-sched/internal/logging"
	"walt-sched/internal/plot"
)

const testRun = `
run:
  name: cli
topology:
  clusters:
    - name: little
      cpus: "0-1"
      capacity: 512
      max_freq_khz: 1800000
      perf_states:
        - {freq_khz: 900000, power: 30}
        - {freq_khz: 1800000, power: 90}
    - name: big
      cpus: "2-3"
      capacity: 1024
      max_freq_khz: 2400000
      perf_states:
        - {freq_khz: 1200000, power: 200}
        - {freq_khz: 2400000, power: 600}
workload:
  duration_ms: 60
  tasks:
    - {name: worker, pid: 10, cpu: 0, run_ns: 3000000, sleep_ns: 5000000}
`

func writeRun(t *testing.T) string {
	t.Helper()
	logging.SetOutput(io.Discard)
	for _, env := range []string{"INFLUXDB_HOST", "INFLUXDB_TOKEN", "INFLUXDB_ORG", "INFLUXDB_BUCKET", "WALT_SPOOL_DIR"} {
		t.Setenv(env, "")
	}
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(testRun), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := writeRun(t)

	out, err := execute(t, "validate", "-c", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "cli: 4 cpus in 2 clusters, 1 tasks") {
		t.Fatalf("unexpected output %q", out)
	}

	if _, err := execute(t, "validate", "-c", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config")
	}
	if _, err := execute(t, "validate"); err == nil {
		t.Fatalf("expected error without --config")
	}
}

func TestSysctlCommand(t *testing.T) {
	path := writeRun(t)

	out, err := execute(t, "sysctl", "-c", path, "sched_window_stats_policy=0", "sched_upmigrate")
	if err != nil {
		t.Fatalf("sysctl: %v", err)
	}
	if !strings.Contains(out, "sched_window_stats_policy = 0\n") {
		t.Fatalf("write not reflected: %q", out)
	}
	if !strings.Contains(out, "sched_upmigrate = ") {
		t.Fatalf("read missing: %q", out)
	}

	if _, err := execute(t, "sysctl", "-c", path, "sched_window_stats_policy=5"); err == nil {
		t.Fatalf("expected out of range write to fail")
	}
	if _, err := execute(t, "sysctl", "-c", path, "sched_no_such_knob"); err == nil {
		t.Fatalf("expected unknown knob to fail")
	}

	out, err = execute(t, "sysctl", "-c", path)
	if err != nil {
		t.Fatalf("sysctl list: %v", err)
	}
	if !strings.Contains(out, "sched_ravg_window_nr_ticks = ") {
		t.Fatalf("listing lacks window knob: %q", out)
	}
}

func TestRunSimulationWritesSpool(t *testing.T) {
	path := writeRun(t)
	spool := t.TempDir()

	var out bytes.Buffer
	rep, err := runSimulation(context.Background(), &simulateOptions{
		configFile: path,
		spoolDir:   spool,
	}, &out)
	if err != nil {
		t.Fatalf("runSimulation: %v", err)
	}
	if len(rep.Windows) == 0 || len(rep.Tasks) != 1 {
		t.Fatalf("report windows=%d tasks=%d", len(rep.Windows), len(rep.Tasks))
	}
	if !strings.Contains(out.String(), "run cli (") {
		t.Fatalf("summary missing: %q", out.String())
	}

	entries, err := os.ReadDir(spool)
	if err != nil || len(entries) != 1 {
		t.Fatalf("spool entries = %v, err %v", entries, err)
	}
	a, err := database.ReadSpoolArtifact(filepath.Join(spool, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadSpoolArtifact: %v", err)
	}
	if a.RunID != rep.RunID || a.RunName != "cli" {
		t.Fatalf("artifact run = %s/%s, want %s/cli", a.RunID, a.RunName, rep.RunID)
	}

	plots := t.TempDir()
	artifactPath := filepath.Join(spool, entries[0].Name())
	if _, err := execute(t, "plot", "--spool", artifactPath, "--field", "pl", "-o", plots); err != nil {
		t.Fatalf("plot: %v", err)
	}
	tikz, err := os.ReadFile(filepath.Join(plots, plot.PlotFileName(rep.RunID, "pl")))
	if err != nil {
		t.Fatalf("plot file: %v", err)
	}
	if !strings.Contains(string(tikz), `\addplot+`) {
		t.Fatalf("plot has no series:\n%s", tikz)
	}
	if _, err := os.Stat(filepath.Join(plots, plot.WrapperFileName(rep.RunID, "pl"))); err != nil {
		t.Fatalf("wrapper file: %v", err)
	}
}

func TestRunSimulationNoSpool(t *testing.T) {
	path := writeRun(t)
	spool := t.TempDir()

	csvDir := t.TempDir()

	if _, err := runSimulation(context.Background(), &simulateOptions{
		configFile: path,
		spoolDir:   spool,
		noSpool:    true,
		csvDir:     csvDir,
	}, io.Discard); err != nil {
		t.Fatalf("runSimulation: %v", err)
	}
	if entries, _ := os.ReadDir(spool); len(entries) != 0 {
		t.Fatalf("spool written despite --no-spool: %v", entries)
	}
	if entries, _ := os.ReadDir(csvDir); len(entries) != 4 {
		t.Fatalf("csv export wrote %d files, want 4", len(entries))
	}
}

func TestPlotNeedsSource(t *testing.T) {
	logging.SetOutput(io.Discard)
	if _, err := execute(t, "plot", "--field", "util"); err == nil {
		t.Fatalf("expected error without --run-id or --spool")
	}
}

func TestPrintTopology(t *testing.T) {
	var out bytes.Buffer
	clusters := []config.ClusterConfig{
		config.NewClusterConfig("cluster0", []int{0, 1, 2, 3}, 512, 1800000, nil),
	}
	if err := printTopology(&out, clusters); err != nil {
		t.Fatalf("printTopology: %v", err)
	}

	cfg, err := config.ParseConfig(append([]byte("run: {name: printed}\n"), out.Bytes()...))
	if err != nil {
		t.Fatalf("printed topology does not parse: %v\n%s", err, out.String())
	}
	if got := cfg.Topology.Clusters[0].CPUList(); len(got) != 4 || got[3] != 3 {
		t.Fatalf("round tripped cpus = %v", got)
	}
}

type rampSource struct {
	mutex  sync.Mutex
	cycles map[int]uint64
}

func (r *rampSource) Cycles(cpu int) (uint64, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.cycles[cpu] += 1000000
	return r.cycles[cpu], true
}

func (r *rampSource) CPUs() []int { return []int{0, 1} }

func TestSampleFreq(t *testing.T) {
	logging.SetOutput(io.Discard)
	src := &rampSource{cycles: map[int]uint64{}}

	var out bytes.Buffer
	if err := sampleFreq(context.Background(), src, 5*time.Millisecond, 3, &out); err != nil {
		t.Fatalf("sampleFreq: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("got %d lines, want 6:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "cpu0") || !strings.Contains(lines[1], "cpu1") {
		t.Fatalf("unexpected cpu order:\n%s", out.String())
	}
}

func TestSampleFreqCancelled(t *testing.T) {
	logging.SetOutput(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sampleFreq(ctx, &rampSource{cycles: map[int]uint64{}}, time.Hour, 0, io.Discard); err != nil {
		t.Fatalf("sampleFreq: %v", err)
	}
}
