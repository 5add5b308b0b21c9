package database

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"walt-sched/internal/config"
	"walt-sched/internal/logging"
	"walt-sched/internal/sim"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const (
	measurementWindow    = "walt_window"
	measurementPlacement = "walt_placement"
	measurementRun       = "walt_run"
)

// RunMetadata describes one simulated run and the host it ran on
type RunMetadata struct {
	RunID           string `json:"run_id"`
	RunName         string `json:"run_name"`
	Description     string `json:"description"`
	TraceChecksum   string `json:"trace_checksum"`
	RunStarted      string `json:"run_started"` // RFC3339 timestamp
	ElapsedMs       int64  `json:"elapsed_ms"`
	SimulatedMs     uint64 `json:"simulated_ms"`
	WindowNs        uint64 `json:"window_ns"`
	SimulatedCPUs   int    `json:"simulated_cpus"`
	TotalTasks      int    `json:"total_tasks"`
	TotalWindows    int    `json:"total_windows"`
	TotalPlacements int    `json:"total_placements"`
	FatalErrors     int    `json:"fatal_errors"`
	Bugs            uint64 `json:"bugs"`
	SoftCorrections uint64 `json:"soft_corrections"`
	DriverVersion   string `json:"driver_version"`
	Hostname        string `json:"hostname"`
	OSInfo          string `json:"os_info"`
	KernelVersion   string `json:"kernel_version"`
	CPUModel        string `json:"cpu_model"`
	HostCPUs        int    `json:"host_cpus"`
	ConfigFile      string `json:"config_file"`
}

// SystemInfo contains host system information
type SystemInfo struct {
	Hostname      string
	OSInfo        string
	KernelVersion string
	CPUModel      string
	CPUs          int
}

func collectSystemInfo() *SystemInfo {
	info := &SystemInfo{
		Hostname:      "unknown",
		OSInfo:        runtime.GOOS + "/" + runtime.GOARCH,
		KernelVersion: "unknown",
		CPUModel:      "unknown",
		CPUs:          runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if data, err := os.ReadFile("/proc/version"); err == nil {
		if parts := strings.Fields(string(data)); len(parts) >= 3 {
			info.KernelVersion = parts[2]
		}
	}

	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "model name") {
				if _, v, ok := strings.Cut(line, ":"); ok {
					info.CPUModel = strings.TrimSpace(v)
				}
				break
			}
		}
	}

	return info
}

// CollectRunMetadata summarizes a finished run for export.
func CollectRunMetadata(cfg *config.RunConfig, configContent string, rep *sim.Report, driverVersion string) *RunMetadata {
	sysInfo := collectSystemInfo()
	checksum, _ := config.TraceChecksum(cfg)

	return &RunMetadata{
		RunID:           rep.RunID,
		RunName:         cfg.Run.Name,
		Description:     cfg.Run.Description,
		TraceChecksum:   checksum,
		RunStarted:      rep.StartedAt.Format(time.RFC3339),
		ElapsedMs:       rep.Elapsed.Milliseconds(),
		SimulatedMs:     rep.SimulatedNs / uint64(time.Millisecond),
		WindowNs:        rep.WindowNs,
		SimulatedCPUs:   rep.NrCPUs,
		TotalTasks:      len(rep.Tasks),
		TotalWindows:    len(rep.Windows),
		TotalPlacements: len(rep.Placements),
		FatalErrors:     len(rep.Fatal),
		Bugs:            rep.Bugs,
		SoftCorrections: rep.SoftCorrections,
		DriverVersion:   driverVersion,
		Hostname:        sysInfo.Hostname,
		OSInfo:          sysInfo.OSInfo,
		KernelVersion:   sysInfo.KernelVersion,
		CPUModel:        sysInfo.CPUModel,
		HostCPUs:        sysInfo.CPUs,
		ConfigFile:      configContent,
	}
}

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
}

func NewInfluxDBClient(ctx context.Context, cfg config.InfluxConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Token)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    cfg.Host,
			"status":  health.Status,
			"message": msg,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb at %s is %s: %s", cfg.Host, health.Status, msg)
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// WriteReport writes one point per window rollover and per placement.
func (idb *InfluxDBClient) WriteReport(ctx context.Context, rep *sim.Report) error {
	points := WindowPoints(rep)
	points = append(points, PlacementPoints(rep)...)
	if len(points) == 0 {
		return nil
	}
	if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write data points: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) WriteMetadata(ctx context.Context, metadata *RunMetadata) error {
	point := influxdb2.NewPoint(measurementRun,
		map[string]string{
			"run_id": metadata.RunID,
		},
		map[string]interface{}{
			"run_name":         metadata.RunName,
			"description":      metadata.Description,
			"trace_checksum":   metadata.TraceChecksum,
			"run_started":      metadata.RunStarted,
			"elapsed_ms":       metadata.ElapsedMs,
			"simulated_ms":     metadata.SimulatedMs,
			"window_ns":        metadata.WindowNs,
			"simulated_cpus":   metadata.SimulatedCPUs,
			"total_tasks":      metadata.TotalTasks,
			"total_windows":    metadata.TotalWindows,
			"total_placements": metadata.TotalPlacements,
			"fatal_errors":     metadata.FatalErrors,
			"bugs":             metadata.Bugs,
			"soft_corrections": metadata.SoftCorrections,
			"driver_version":   metadata.DriverVersion,
			"hostname":         metadata.Hostname,
			"os_info":          metadata.OSInfo,
			"kernel_version":   metadata.KernelVersion,
			"cpu_model":        metadata.CPUModel,
			"host_cpus":        metadata.HostCPUs,
			"config_file":      metadata.ConfigFile,
		},
		time.Now())

	if err := idb.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// pointTime maps a virtual timestamp onto the wall clock of the run.
func pointTime(rep *sim.Report, ns uint64) time.Time {
	return rep.StartedAt.Add(time.Duration(ns))
}

// WindowPoints converts the rollover samples of rep to points.
func WindowPoints(rep *sim.Report) []*write.Point {
	points := make([]*write.Point, 0, len(rep.Windows))
	for _, w := range rep.Windows {
		points = append(points, influxdb2.NewPoint(measurementWindow,
			map[string]string{
				"run_id":  rep.RunID,
				"cpu":     strconv.Itoa(w.CPU),
				"cluster": strconv.Itoa(w.Cluster),
			},
			map[string]interface{}{
				"window_start":            w.WindowStart,
				"util":                    w.Util,
				"nl":                      w.NL,
				"pl":                      w.PL,
				"freq_khz":                w.FreqKHz,
				"prev_runnable_sum":       w.PrevRunnableSum,
				"nt_prev_runnable_sum":    w.NTPrevRunnable,
				"grp_prev_runnable_sum":   w.GroupPrevSum,
				"cumulative_runnable_avg": w.Cumulative,
				"nr_running":              w.NrRunning,
				"nr_big_tasks":            w.NrBigTasks,
			},
			pointTime(rep, w.WindowStart)))
	}
	return points
}

// PlacementPoints converts the wakeup placements of rep to points.
func PlacementPoints(rep *sim.Report) []*write.Point {
	points := make([]*write.Point, 0, len(rep.Placements))
	for _, p := range rep.Placements {
		tags := map[string]string{
			"run_id": rep.RunID,
			"pid":    strconv.Itoa(p.PID),
		}
		if p.Policy != "" {
			tags["policy"] = p.Policy
		}
		if p.Fastpath != "" {
			tags["fastpath"] = p.Fastpath
		}
		points = append(points, influxdb2.NewPoint(measurementPlacement,
			tags,
			map[string]interface{}{
				"prev_cpu":    p.PrevCPU,
				"waker_cpu":   p.WakerCPU,
				"cpu":         p.CPU,
				"sync":        p.Sync,
				"energy_eval": p.EnergyEval,
				"fallback":    p.Fallback,
			},
			pointTime(rep, p.AtNs)))
	}
	return points
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}
