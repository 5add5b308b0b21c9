package sim

import (
	"time"

	"walt-sched/internal/walt"
)

// WindowSample is the state of one CPU reported at a window rollover.
type WindowSample struct {
	WindowStart     uint64 `json:"window_start"`
	CPU             int    `json:"cpu"`
	Cluster         int    `json:"cluster"`
	Util            uint64 `json:"util"`
	NL              uint64 `json:"nl"`
	PL              uint64 `json:"pl"`
	FreqKHz         uint64 `json:"freq_khz"`
	PrevRunnableSum uint64 `json:"prev_runnable_sum"`
	NTPrevRunnable  uint64 `json:"nt_prev_runnable_sum"`
	GroupPrevSum    uint64 `json:"grp_prev_runnable_sum"`
	Cumulative      uint64 `json:"cumulative_runnable_avg"`
	NrRunning       int    `json:"nr_running"`
	NrBigTasks      int    `json:"nr_big_tasks"`
}

// PlacementSample records where a waking task was put.
type PlacementSample struct {
	AtNs       uint64 `json:"at_ns"`
	PID        int    `json:"pid"`
	PrevCPU    int    `json:"prev_cpu"`
	WakerCPU   int    `json:"waker_cpu"`
	CPU        int    `json:"cpu"`
	Sync       bool   `json:"sync"`
	Policy     string `json:"policy,omitempty"`
	Fastpath   string `json:"fastpath,omitempty"`
	EnergyEval bool   `json:"energy_eval"`
	// Fallback is set when no placement was found and the previous CPU
	// was kept.
	Fallback bool `json:"fallback"`
}

// GovCall is one governor callback and the frequency it chose.
type GovCall struct {
	AtNs    uint64 `json:"at_ns"`
	CPU     int    `json:"cpu"`
	Flags   uint32 `json:"flags"`
	Util    uint64 `json:"util"`
	NL      uint64 `json:"nl"`
	PL      uint64 `json:"pl"`
	FreqKHz uint64 `json:"freq_khz"`
}

type FatalRecord struct {
	AtNs uint64 `json:"at_ns"`
	Kind string `json:"kind"`
	CPU  int    `json:"cpu"`
	PID  int    `json:"pid"`
	Msg  string `json:"msg"`
}

type TaskSummary struct {
	PID            int    `json:"pid"`
	Comm           string `json:"comm"`
	CPU            int    `json:"cpu"`
	Demand         uint64 `json:"demand"`
	DemandScaled   uint64 `json:"demand_scaled"`
	PredDemand     uint64 `json:"pred_demand"`
	Group          int    `json:"group"`
	SumExecRuntime uint64 `json:"sum_exec_runtime"`
	Exited         bool   `json:"exited"`
}

// Report is the outcome of one simulated run.
type Report struct {
	RunID           string            `json:"run_id"`
	Name            string            `json:"name"`
	StartedAt       time.Time         `json:"started_at"`
	Elapsed         time.Duration     `json:"elapsed"`
	SimulatedNs     uint64            `json:"simulated_ns"`
	WindowNs        uint64            `json:"window_ns"`
	NrCPUs          int               `json:"nr_cpus"`
	Windows         []WindowSample    `json:"windows"`
	Placements      []PlacementSample `json:"placements"`
	GovCalls        []GovCall         `json:"gov_calls"`
	Fatal           []FatalRecord     `json:"fatal,omitempty"`
	Tasks           []TaskSummary     `json:"tasks"`
	Bugs            uint64            `json:"bugs"`
	SoftCorrections uint64            `json:"soft_corrections"`
}

// Listener sees samples as the run produces them.
type Listener interface {
	WindowClosed(s WindowSample)
	Placed(p PlacementSample)
}

// GovCallsWith returns the callbacks that carry flag.
func (r *Report) GovCallsWith(flag uint32) []GovCall {
	var out []GovCall
	for _, c := range r.GovCalls {
		if c.Flags&flag != 0 {
			out = append(out, c)
		}
	}
	return out
}

// Task returns the summary of pid.
func (r *Report) Task(pid int) (TaskSummary, bool) {
	for _, t := range r.Tasks {
		if t.PID == pid {
			return t, true
		}
	}
	return TaskSummary{}, false
}

func fatalRecord(at uint64, e *walt.FatalAccountingError) FatalRecord {
	return FatalRecord{AtNs: at, Kind: e.Kind.String(), CPU: e.CPU, PID: e.PID, Msg: e.Msg}
}
