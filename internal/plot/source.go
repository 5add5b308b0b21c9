package plot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"walt-sched/internal/config"
	"walt-sched/internal/database"
	"walt-sched/internal/logging"
	"walt-sched/internal/sim"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"
)

// WindowPoint is one field of one CPU at a window rollover.
type WindowPoint struct {
	WindowStart uint64
	CPU         int
	Cluster     int
	Value       float64
}

// Source yields the stored windows and metadata of a run.
type Source interface {
	QueryWindows(ctx context.Context, runID, field string) ([]WindowPoint, error)
	QueryRun(ctx context.Context, runID string) (*database.RunMetadata, error)
}

type InfluxSource struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	bucket   string
	logger   *logrus.Logger
}

func NewInfluxSource(cfg config.InfluxConfig) (*InfluxSource, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("missing required settings for InfluxDB connection")
	}

	client := influxdb2.NewClient(cfg.Host, cfg.Token)
	return &InfluxSource{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		logger:   logging.GetLogger(),
	}, nil
}

func (s *InfluxSource) Close() {
	s.client.Close()
}

func (s *InfluxSource) QueryWindows(ctx context.Context, runID, field string) ([]WindowPoint, error) {
	s.logger.WithFields(logrus.Fields{
		"run_id": runID,
		"field":  field,
	}).Debug("Querying window samples")

	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: 0)
		|> filter(fn: (r) => r["_measurement"] == "walt_window")
		|> filter(fn: (r) => r["run_id"] == "%s")
		|> filter(fn: (r) => r["_field"] == "window_start" or r["_field"] == "%s")
		|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
		|> sort(columns: ["cpu", "_time"])
	`, s.bucket, runID, field)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	var points []WindowPoint
	for result.Next() {
		record := result.Record()

		p := WindowPoint{CPU: -1}
		if v, ok := record.ValueByKey("cpu").(string); ok {
			p.CPU, _ = strconv.Atoi(v)
		}
		if v, ok := record.ValueByKey("cluster").(string); ok {
			p.Cluster, _ = strconv.Atoi(v)
		}
		start, ok := toFloat64(record.ValueByKey("window_start"))
		if !ok {
			continue
		}
		p.WindowStart = uint64(start)
		if p.Value, ok = toFloat64(record.ValueByKey(field)); !ok {
			continue
		}
		points = append(points, p)
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("query parsing failed: %w", result.Err())
	}

	s.logger.WithField("data_points", len(points)).Debug("Query completed")
	return points, nil
}

func (s *InfluxSource) QueryRun(ctx context.Context, runID string) (*database.RunMetadata, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: 0)
		|> filter(fn: (r) => r["_measurement"] == "walt_run")
		|> filter(fn: (r) => r["run_id"] == "%s")
		|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
	`, s.bucket, runID)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	if !result.Next() {
		if result.Err() != nil {
			return nil, fmt.Errorf("query parsing failed: %w", result.Err())
		}
		return nil, fmt.Errorf("no metadata found for run %s", runID)
	}
	record := result.Record()

	md := &database.RunMetadata{RunID: runID}
	strs := map[string]*string{
		"run_name":       &md.RunName,
		"description":    &md.Description,
		"trace_checksum": &md.TraceChecksum,
		"run_started":    &md.RunStarted,
		"driver_version": &md.DriverVersion,
		"hostname":       &md.Hostname,
		"os_info":        &md.OSInfo,
		"kernel_version": &md.KernelVersion,
		"cpu_model":      &md.CPUModel,
		"config_file":    &md.ConfigFile,
	}
	for key, dst := range strs {
		if v, ok := record.ValueByKey(key).(string); ok {
			*dst = v
		}
	}
	if v, ok := toFloat64(record.ValueByKey("simulated_ms")); ok {
		md.SimulatedMs = uint64(v)
	}
	if v, ok := toFloat64(record.ValueByKey("window_ns")); ok {
		md.WindowNs = uint64(v)
	}
	if v, ok := toFloat64(record.ValueByKey("simulated_cpus")); ok {
		md.SimulatedCPUs = int(v)
	}
	if v, ok := toFloat64(record.ValueByKey("total_windows")); ok {
		md.TotalWindows = int(v)
	}
	return md, nil
}

// SpoolSource serves a run from a spool artifact.
type SpoolSource struct {
	artifact *database.SpoolArtifact
}

func NewSpoolSource(a *database.SpoolArtifact) *SpoolSource {
	return &SpoolSource{artifact: a}
}

func (s *SpoolSource) QueryWindows(ctx context.Context, runID, field string) ([]WindowPoint, error) {
	rep := s.artifact.Report
	if rep == nil {
		return nil, fmt.Errorf("spool artifact of run %s carries no report", s.artifact.RunID)
	}
	if runID != "" && runID != rep.RunID {
		return nil, fmt.Errorf("spool artifact holds run %s, not %s", rep.RunID, runID)
	}

	points := make([]WindowPoint, 0, len(rep.Windows))
	for _, w := range rep.Windows {
		v, ok := windowField(w, field)
		if !ok {
			return nil, fmt.Errorf("unknown window field: %s", field)
		}
		points = append(points, WindowPoint{
			WindowStart: w.WindowStart,
			CPU:         w.CPU,
			Cluster:     w.Cluster,
			Value:       v,
		})
	}
	return points, nil
}

func (s *SpoolSource) QueryRun(ctx context.Context, runID string) (*database.RunMetadata, error) {
	if s.artifact.Metadata != nil {
		return s.artifact.Metadata, nil
	}
	md := &database.RunMetadata{
		RunID:         s.artifact.RunID,
		RunName:       s.artifact.RunName,
		TraceChecksum: s.artifact.TraceChecksum,
	}
	if rep := s.artifact.Report; rep != nil {
		md.RunStarted = rep.StartedAt.Format(time.RFC3339)
		md.SimulatedMs = rep.SimulatedNs / uint64(time.Millisecond)
		md.WindowNs = rep.WindowNs
		md.SimulatedCPUs = rep.NrCPUs
		md.TotalWindows = len(rep.Windows)
	}
	return md, nil
}

func windowField(w sim.WindowSample, field string) (float64, bool) {
	switch field {
	case "util":
		return float64(w.Util), true
	case "nl":
		return float64(w.NL), true
	case "pl":
		return float64(w.PL), true
	case "freq_khz":
		return float64(w.FreqKHz), true
	case "prev_runnable_sum":
		return float64(w.PrevRunnableSum), true
	case "nt_prev_runnable_sum":
		return float64(w.NTPrevRunnable), true
	case "grp_prev_runnable_sum":
		return float64(w.GroupPrevSum), true
	case "cumulative_runnable_avg":
		return float64(w.Cumulative), true
	case "nr_running":
		return float64(w.NrRunning), true
	case "nr_big_tasks":
		return float64(w.NrBigTasks), true
	}
	return 0, false
}

func toFloat64(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
