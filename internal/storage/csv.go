package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"walt-sched/internal/sim"

	log "github.com/sirupsen/logrus"
)

// ExportToCSV writes the metadata, windows, placements and tasks of rep to
// one CSV file each and returns the paths written.
func ExportToCSV(rep *sim.Report, exportPath string) ([]string, error) {
	if rep == nil {
		return nil, fmt.Errorf("no report to export")
	}
	if err := os.MkdirAll(exportPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	timestamp := rep.StartedAt.Format("20060102_150405")
	prefix := fmt.Sprintf("%s_%s", rep.Name, timestamp)

	tables := []struct {
		suffix string
		rows   func() [][]string
	}{
		{"metadata", func() [][]string { return metadataRows(rep) }},
		{"windows", func() [][]string { return windowRows(rep) }},
		{"placements", func() [][]string { return placementRows(rep) }},
		{"tasks", func() [][]string { return taskRows(rep) }},
	}

	var paths []string
	for _, tbl := range tables {
		filename := filepath.Join(exportPath, fmt.Sprintf("%s_%s.csv", prefix, tbl.suffix))
		rows := tbl.rows()
		if err := writeCSV(filename, rows); err != nil {
			return paths, fmt.Errorf("failed to export %s: %w", tbl.suffix, err)
		}
		paths = append(paths, filename)

		log.WithFields(log.Fields{
			"table":    tbl.suffix,
			"filename": filename,
			"rows":     len(rows) - 1,
		}).Debug("Exported table to CSV")
	}

	log.WithFields(log.Fields{
		"export_path": exportPath,
		"run":         rep.Name,
		"files":       len(paths),
	}).Info("Successfully exported run to CSV")

	return paths, nil
}

func writeCSV(filename string, rows [][]string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return file.Close()
}

func metadataRows(rep *sim.Report) [][]string {
	return [][]string{
		{"Property", "Value"},
		{"run_id", rep.RunID},
		{"run_name", rep.Name},
		{"run_started", rep.StartedAt.Format(time.RFC3339)},
		{"elapsed_ms", strconv.FormatInt(rep.Elapsed.Milliseconds(), 10)},
		{"simulated_ns", strconv.FormatUint(rep.SimulatedNs, 10)},
		{"window_ns", strconv.FormatUint(rep.WindowNs, 10)},
		{"nr_cpus", strconv.Itoa(rep.NrCPUs)},
		{"windows", strconv.Itoa(len(rep.Windows))},
		{"placements", strconv.Itoa(len(rep.Placements))},
		{"governor_calls", strconv.Itoa(len(rep.GovCalls))},
		{"fatal", strconv.Itoa(len(rep.Fatal))},
		{"bugs", strconv.FormatUint(rep.Bugs, 10)},
		{"soft_corrections", strconv.FormatUint(rep.SoftCorrections, 10)},
	}
}

func windowRows(rep *sim.Report) [][]string {
	rows := [][]string{{
		"window_start", "cpu", "cluster", "util", "nl", "pl", "freq_khz",
		"prev_runnable_sum", "nt_prev_runnable_sum", "grp_prev_runnable_sum",
		"cumulative_runnable_avg", "nr_running", "nr_big_tasks",
	}}
	for _, w := range rep.Windows {
		rows = append(rows, []string{
			strconv.FormatUint(w.WindowStart, 10),
			strconv.Itoa(w.CPU),
			strconv.Itoa(w.Cluster),
			strconv.FormatUint(w.Util, 10),
			strconv.FormatUint(w.NL, 10),
			strconv.FormatUint(w.PL, 10),
			strconv.FormatUint(w.FreqKHz, 10),
			strconv.FormatUint(w.PrevRunnableSum, 10),
			strconv.FormatUint(w.NTPrevRunnable, 10),
			strconv.FormatUint(w.GroupPrevSum, 10),
			strconv.FormatUint(w.Cumulative, 10),
			strconv.Itoa(w.NrRunning),
			strconv.Itoa(w.NrBigTasks),
		})
	}
	return rows
}

func placementRows(rep *sim.Report) [][]string {
	rows := [][]string{{
		"at_ns", "pid", "prev_cpu", "waker_cpu", "cpu", "sync",
		"policy", "fastpath", "energy_eval", "fallback",
	}}
	for _, p := range rep.Placements {
		rows = append(rows, []string{
			strconv.FormatUint(p.AtNs, 10),
			strconv.Itoa(p.PID),
			strconv.Itoa(p.PrevCPU),
			strconv.Itoa(p.WakerCPU),
			strconv.Itoa(p.CPU),
			strconv.FormatBool(p.Sync),
			p.Policy,
			p.Fastpath,
			strconv.FormatBool(p.EnergyEval),
			strconv.FormatBool(p.Fallback),
		})
	}
	return rows
}

func taskRows(rep *sim.Report) [][]string {
	rows := [][]string{{
		"pid", "comm", "cpu", "demand", "demand_scaled", "pred_demand",
		"group", "sum_exec_runtime", "exited",
	}}
	for _, ts := range rep.Tasks {
		rows = append(rows, []string{
			strconv.Itoa(ts.PID),
			ts.Comm,
			strconv.Itoa(ts.CPU),
			strconv.FormatUint(ts.Demand, 10),
			strconv.FormatUint(ts.DemandScaled, 10),
			strconv.FormatUint(ts.PredDemand, 10),
			strconv.Itoa(ts.Group),
			strconv.FormatUint(ts.SumExecRuntime, 10),
			strconv.FormatBool(ts.Exited),
		})
	}
	return rows
}
