package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

type traceChecksumTask struct {
	PID     int    `json:"pid"`
	Prio    int    `json:"prio"`
	CPU     int    `json:"cpu"`
	Cgroup  string `json:"cgroup,omitempty"`
	StartMs uint64 `json:"start_ms"`
	RunNs   uint64 `json:"run_ns"`
	SleepNs uint64 `json:"sleep_ns"`
}

type traceChecksumPayload struct {
	DurationMs uint64              `json:"duration_ms"`
	TickNs     uint64              `json:"tick_ns"`
	Tasks      []traceChecksumTask `json:"tasks"`
	Events     []EventConfig       `json:"events"`
}

// TraceChecksum returns a short, stable checksum that identifies the
// workload (tasks and timed events), independent of tunables and topology,
// so runs of the same trace under different knobs can be grouped.
//
// It computes MD5 over a canonical JSON representation and returns the first 6 hex
// characters (equivalent to `md5sum | cut -c1-6`).
func TraceChecksum(cfg *RunConfig) (string, error) {
	if cfg == nil {
		return "", nil
	}

	tasks := make([]traceChecksumTask, 0, len(cfg.Workload.Tasks))
	for _, t := range cfg.Workload.Tasks {
		tasks = append(tasks, traceChecksumTask{
			PID:     t.PID,
			Prio:    t.Prio,
			CPU:     t.CPU,
			Cgroup:  t.Cgroup,
			StartMs: t.StartMs,
			RunNs:   t.RunNs,
			SleepNs: t.SleepNs,
		})
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].PID < tasks[j].PID
	})

	payload := traceChecksumPayload{
		DurationMs: cfg.Workload.DurationMs,
		TickNs:     cfg.Workload.TickNs,
		Tasks:      tasks,
		Events:     cfg.GetEventsSorted(),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(b)
	hexStr := hex.EncodeToString(sum[:])
	if len(hexStr) > 6 {
		hexStr = hexStr[:6]
	}
	return hexStr, nil
}
