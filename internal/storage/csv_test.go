package storage

import (
	"encoding/csv"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"walt-sched/internal/sim"

	log "github.com/sirupsen/logrus"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func TestExportToCSV(t *testing.T) {
	log.SetOutput(io.Discard)
	rep := &sim.Report{
		RunID:     "run-1",
		Name:      "csv",
		StartedAt: time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		NrCPUs:    2,
		Windows: []sim.WindowSample{
			{WindowStart: 20000000, CPU: 0, Util: 300, FreqKHz: 1200000},
			{WindowStart: 20000000, CPU: 1, Cluster: 1, Util: 700},
		},
		Placements: []sim.PlacementSample{
			{AtNs: 5000, PID: 10, PrevCPU: 0, CPU: 1, Policy: "energy", EnergyEval: true},
		},
		Tasks: []sim.TaskSummary{
			{PID: 10, Comm: "worker, main", CPU: 1, Demand: 4000000},
		},
	}

	dir := t.TempDir()
	paths, err := ExportToCSV(rep, dir)
	if err != nil {
		t.Fatalf("ExportToCSV: %v", err)
	}
	if len(paths) != 4 {
		t.Fatalf("wrote %d files, want 4", len(paths))
	}
	if !strings.HasSuffix(paths[0], "csv_20240501_123000_metadata.csv") {
		t.Fatalf("unexpected metadata file %s", paths[0])
	}

	windows := readCSV(t, paths[1])
	if len(windows) != 3 || windows[0][3] != "util" || windows[2][3] != "700" || windows[1][6] != "1200000" {
		t.Fatalf("windows = %v", windows)
	}

	placements := readCSV(t, paths[2])
	if len(placements) != 2 || placements[1][6] != "energy" || placements[1][8] != "true" {
		t.Fatalf("placements = %v", placements)
	}

	// comm containing a comma survives quoting
	tasks := readCSV(t, paths[3])
	if len(tasks) != 2 || tasks[1][1] != "worker, main" {
		t.Fatalf("tasks = %v", tasks)
	}
}

func TestExportToCSVNilReport(t *testing.T) {
	if _, err := ExportToCSV(nil, t.TempDir()); err == nil {
		t.Fatalf("expected error for nil report")
	}
}
