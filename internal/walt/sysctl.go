package walt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"walt-sched/internal/config"

	"github.com/sirupsen/logrus"
)

type knob struct {
	get func(t *config.Tunables) []int64
	// set writes v into a private copy of the tunables.
	set func(t *config.Tunables, v []int64) error
	// apply runs after the new tunables are published, under sysctlMu.
	apply func(c *Core, old, next *config.Tunables)
}

// Per-task knobs, written as "pid value" and read for the task named by
// sched_task_read_pid.
const (
	knobWakeUpIdle      = "sched_wake_up_idle"
	knobInitTaskLoad    = "sched_init_task_load"
	knobGroupID         = "sched_group_id"
	knobPerTaskBoost    = "sched_per_task_boost"
	knobBoostPeriodMs   = "sched_per_task_boost_period_ms"
	knobLowLatency      = "sched_low_latency"
	knobPipeline        = "sched_pipeline"
	knobTaskReadPID     = "sched_task_read_pid"
	clusterRelKnobFmt   = "cluster%d_rel"
	userHintResetPeriod = config.NsecPerSec
)

var taskKnobs = []string{
	knobWakeUpIdle, knobInitTaskLoad, knobGroupID, knobPerTaskBoost,
	knobBoostPeriodMs, knobLowLatency, knobPipeline,
}

// Sysctl is the runtime knob registry. Reads and writes use the text
// form of /proc/sys: whitespace separated integers.
type Sysctl struct {
	c     *Core
	knobs map[string]*knob

	// pidMu serializes the per-task knobs.
	pidMu   sync.Mutex
	readPID int
}

// Sysctl returns the knob registry of the core.
func (c *Core) Sysctl() *Sysctl { return c.sysctl }

func newSysctl(c *Core) *Sysctl {
	s := &Sysctl{c: c, readPID: 1, knobs: make(map[string]*knob)}

	s.u32("sched_window_stats_policy", func(t *config.Tunables) *uint32 { return &t.WindowStatsPolicy }, 0, 4, nil)
	s.u32("sched_group_upmigrate", func(t *config.Tunables) *uint32 { return &t.GroupUpmigratePct }, 0, 1<<31-1, applyGroupThresholds)
	s.u32("sched_group_downmigrate", func(t *config.Tunables) *uint32 { return &t.GroupDownmigratePct }, 0, 1<<31-1, applyGroupThresholds)
	s.u32("sched_conservative_pl", func(t *config.Tunables) *uint32 { return &t.ConservativePL }, 0, 1, nil)
	s.u32("sched_many_wakeup_threshold", func(t *config.Tunables) *uint32 { return &t.ManyWakeupThreshold }, 2, 1000, nil)
	s.u32("sched_walt_rotate_big_tasks", func(t *config.Tunables) *uint32 { return &t.RotateBigTasks }, 0, 1, nil)
	s.u32("sched_min_task_util_for_boost", func(t *config.Tunables) *uint32 { return &t.MinTaskUtilForBoost }, 0, 1000, nil)
	s.u32("sched_min_task_util_for_uclamp", func(t *config.Tunables) *uint32 { return &t.MinTaskUtilForUclamp }, 0, 1000, nil)
	s.u32("sched_min_task_util_for_colocation", func(t *config.Tunables) *uint32 { return &t.MinTaskUtilForColoc }, 0, 1000, nil)
	s.u32("sched_asym_cap_sibling_freq_match_pct", func(t *config.Tunables) *uint32 { return &t.AsymCapSiblingFreqMatchPct }, 1, 100, nil)
	s.u32("sched_coloc_downmigrate_ns", func(t *config.Tunables) *uint32 { return &t.ColocDownmigrateNs }, 0, 1<<32-1, nil)
	s.u32("sched_task_unfilter_period", func(t *config.Tunables) *uint32 { return &t.TaskUnfilterPeriod }, 1, 200000000, nil)
	s.u32("sched_busy_hysteresis_enable_cpus", func(t *config.Tunables) *uint32 { return &t.BusyHystEnableCPUs }, 0, 255, applyHyst)
	s.u32("sched_busy_hyst_ns", func(t *config.Tunables) *uint32 { return &t.BusyHystNs }, 0, int64(config.NsecPerSec), applyHyst)
	s.u32("sched_coloc_busy_hysteresis_enable_cpus", func(t *config.Tunables) *uint32 { return &t.ColocBusyHystEnableCPUs }, 0, 255, applyHyst)
	s.u32s("sched_coloc_busy_hyst_cpu_ns", func(t *config.Tunables) *[]uint32 { return &t.ColocBusyHystCPUNs }, 0, int64(config.NsecPerSec), applyHyst)
	s.u32("sched_coloc_busy_hyst_max_ms", func(t *config.Tunables) *uint32 { return &t.ColocBusyHystMaxMs }, 0, 100000, applyHyst)
	s.u32s("sched_coloc_busy_hyst_cpu_busy_pct", func(t *config.Tunables) *[]uint32 { return &t.ColocBusyHystCPUBusyPct }, 0, 100, applyHyst)
	s.u32("sched_util_busy_hysteresis_enable_cpus", func(t *config.Tunables) *uint32 { return &t.UtilBusyHystEnableCPUs }, 0, 255, applyHyst)
	s.u32s("sched_util_busy_hyst_cpu_ns", func(t *config.Tunables) *[]uint32 { return &t.UtilBusyHystCPUNs }, 0, int64(config.NsecPerSec), applyHyst)
	s.u32s("sched_util_busy_hyst_cpu_util", func(t *config.Tunables) *[]uint32 { return &t.UtilBusyHystCPUUtil }, 0, 1000, applyHyst)
	s.u32("sched_ravg_window_nr_ticks", func(t *config.Tunables) *uint32 { return &t.WindowNrTicks }, 2, 8, applyWindowTicks)
	s.u32s("sched_upmigrate", func(t *config.Tunables) *[]uint32 { return &t.UpmigratePct }, 1, 100, applyMargins)
	s.u32s("sched_downmigrate", func(t *config.Tunables) *[]uint32 { return &t.DownmigratePct }, 1, 100, applyMargins)
	s.u32("walt_rtg_cfs_boost_prio", func(t *config.Tunables) *uint32 { return &t.RTGCFSBoostPrio }, 99, 119, nil)
	s.u32("walt_low_latency_task_threshold", func(t *config.Tunables) *uint32 { return &t.LowLatencyTaskThreshold }, 0, 1000, nil)
	s.u32("sched_sync_hint_enable", func(t *config.Tunables) *uint32 { return &t.SyncHintEnable }, 0, 1, nil)
	s.u32("sched_suppress_region2", func(t *config.Tunables) *uint32 { return &t.SuppressRegion2 }, 0, 1, nil)
	s.u32("sched_hyst_min_coloc_ns", func(t *config.Tunables) *uint32 { return &t.HystMinColocNs }, 0, 1<<31-1, nil)
	s.u32("panic_on_walt_bug", func(t *config.Tunables) *uint32 { return &t.PanicOnWaltBug }, 0, 1<<31-1, applyBugPolicy)
	s.u32("sched_asymcap_boost", func(t *config.Tunables) *uint32 { return &t.AsymcapBoost }, 0, 1, nil)
	s.u32("sched_user_hint", func(t *config.Tunables) *uint32 { return &t.UserHint }, 0, config.UserHintMax, applyUserHint)

	s.knobs["sched_boost"] = &knob{
		get: func(t *config.Tunables) []int64 { return []int64{int64(t.Boost)} },
		set: func(t *config.Tunables, v []int64) error {
			if len(v) != 1 || v[0] < -3 || v[0] > 3 {
				return ErrInvalid
			}
			t.Boost = int(v[0])
			return nil
		},
		apply: applyBoost,
	}
	return s
}

// u32 registers a single value knob checked against [lo, hi].
func (s *Sysctl) u32(name string, field func(t *config.Tunables) *uint32, lo, hi int64, apply func(c *Core, old, next *config.Tunables)) {
	s.knobs[name] = &knob{
		get: func(t *config.Tunables) []int64 { return []int64{int64(*field(t))} },
		set: func(t *config.Tunables, v []int64) error {
			if len(v) != 1 || v[0] < lo || v[0] > hi {
				return ErrInvalid
			}
			*field(t) = uint32(v[0])
			return nil
		},
		apply: apply,
	}
}

// u32s registers an array knob. A write must supply every element.
func (s *Sysctl) u32s(name string, field func(t *config.Tunables) *[]uint32, lo, hi int64, apply func(c *Core, old, next *config.Tunables)) {
	s.knobs[name] = &knob{
		get: func(t *config.Tunables) []int64 {
			vals := *field(t)
			out := make([]int64, len(vals))
			for i, v := range vals {
				out[i] = int64(v)
			}
			return out
		},
		set: func(t *config.Tunables, v []int64) error {
			dst := *field(t)
			if len(v) != len(dst) {
				return ErrInvalid
			}
			for i, x := range v {
				if x < lo || x > hi {
					return ErrInvalid
				}
				dst[i] = uint32(x)
			}
			return nil
		},
		apply: apply,
	}
}

func applyGroupThresholds(c *Core, _, next *config.Tunables) {
	c.applyWindow(c.WindowSize(), next)
}

func applyHyst(c *Core, _, _ *config.Tunables) { c.updateHystTimes() }

func applyMargins(c *Core, _, next *config.Tunables) { c.applyMargins(next) }

func applyBugPolicy(c *Core, _, next *config.Tunables) { c.setBugPolicy(next, c.forceFailFast) }

// applyWindowTicks stages the new window; the rollover switches to it.
func applyWindowTicks(c *Core, old, next *config.Tunables) {
	if old.WindowNrTicks == next.WindowNrTicks {
		return
	}
	c.newWindow.Store(next.WindowNs())
	c.logger.WithFields(logrus.Fields{
		"ticks":     next.WindowNrTicks,
		"window_ns": next.WindowNs(),
	}).Info("Window size change staged")
}

// applyUserHint keeps a new hint for a second and notifies the governor
// right away.
func applyUserHint(c *Core, old, next *config.Tunables) {
	if old.UserHint == next.UserHint {
		return
	}
	c.userHintResetTime.Store(c.now() + userHintResetPeriod)
	c.migrationWorkPending.Store(true)
}

func applyBoost(c *Core, _, next *config.Tunables) {
	if err := c.boost.Set(next.Boost); err != nil {
		c.logger.WithError(err).Warn("Boost not applied")
	}
}

// resetUserHint clears an expired user hint. It runs from the rollover
// with no runqueue lock held.
func (c *Core) resetUserHint() {
	c.sysctlMu.Lock()
	defer c.sysctlMu.Unlock()
	if c.tun().UserHint == 0 || c.now() <= c.userHintResetTime.Load() {
		return
	}
	next := c.tun().Clone()
	next.UserHint = 0
	c.tunables.Store(next)
	c.logger.Debug("User hint expired")
}

// Names lists every knob.
func (s *Sysctl) Names() []string {
	names := make([]string, 0, len(s.knobs)+len(taskKnobs)+1+config.MaxClusters)
	for name := range s.knobs {
		names = append(names, name)
	}
	names = append(names, taskKnobs...)
	names = append(names, knobTaskReadPID)
	for i := 0; i < s.c.topo.NrClusters()-1 && i < config.MaxClusters; i++ {
		names = append(names, fmt.Sprintf(clusterRelKnobFmt, i))
	}
	sort.Strings(names)
	return names
}

// Read returns the current value of a knob.
func (s *Sysctl) Read(name string) (string, error) {
	if isTaskKnob(name) {
		return s.readTask(name)
	}
	if name == knobTaskReadPID {
		s.pidMu.Lock()
		defer s.pidMu.Unlock()
		return strconv.Itoa(s.readPID), nil
	}
	if idx, ok := clusterRelIndex(name); ok {
		return formatInts(s.c.ClusterRelations(idx)), nil
	}
	k, ok := s.knobs[name]
	if !ok {
		return "", fmt.Errorf("sysctl %s: %w", name, ErrNotFound)
	}
	vals := k.get(s.c.tun())
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, "\t"), nil
}

// Write parses value and applies it. A rejected write keeps the previous
// value.
func (s *Sysctl) Write(name, value string) error {
	vals, err := parseInts(value)
	if err != nil {
		return fmt.Errorf("sysctl %s=%q: %w", name, value, ErrInvalid)
	}
	if isTaskKnob(name) {
		return s.writeTask(name, vals)
	}
	if name == knobTaskReadPID {
		if len(vals) != 1 || vals[0] < 1 || vals[0] > 1<<31-1 {
			return fmt.Errorf("sysctl %s=%q: %w", name, value, ErrInvalid)
		}
		s.pidMu.Lock()
		s.readPID = int(vals[0])
		s.pidMu.Unlock()
		return nil
	}
	if idx, ok := clusterRelIndex(name); ok {
		raw := make([]int, len(vals))
		for i, v := range vals {
			raw[i] = int(v)
		}
		return s.c.SetClusterRelations(idx, raw)
	}

	k, ok := s.knobs[name]
	if !ok {
		return fmt.Errorf("sysctl %s: %w", name, ErrNotFound)
	}
	c := s.c
	c.sysctlMu.Lock()
	old := c.tun()
	next := old.Clone()
	if err := k.set(next, vals); err != nil {
		c.sysctlMu.Unlock()
		return fmt.Errorf("sysctl %s=%q: %w", name, value, err)
	}
	if err := next.Validate(); err != nil {
		c.sysctlMu.Unlock()
		return fmt.Errorf("sysctl %s: %w", name, err)
	}
	c.tunables.Store(next)
	if k.apply != nil {
		k.apply(c, old, next)
	}
	c.sysctlMu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"knob":  name,
		"value": value,
	}).Debug("Sysctl written")
	return c.finishHook()
}

func (s *Sysctl) readTask(name string) (string, error) {
	s.pidMu.Lock()
	defer s.pidMu.Unlock()
	p, err := s.c.Task(s.readPID)
	if err != nil {
		return "", err
	}
	var val int64
	switch name {
	case knobWakeUpIdle:
		if p.wakeUpIdle.Load() {
			val = 1
		}
	case knobInitTaskLoad:
		val = int64(p.initLoadPct.Load())
	case knobGroupID:
		val = int64(s.c.GroupID(p))
	case knobPerTaskBoost:
		val = int64(p.boost.Load())
	case knobBoostPeriodMs:
		val = int64(p.boostPeriod.Load() / 1000000)
	case knobLowLatency:
		val = int64(p.lowLatency.Load() & uint32(LowLatencyProcfs))
	case knobPipeline:
		val = int64(p.lowLatency.Load() & uint32(LowLatencyPipeline))
	}
	return formatInts([]int{s.readPID, int(val)}), nil
}

func (s *Sysctl) writeTask(name string, vals []int64) error {
	if len(vals) != 2 {
		return fmt.Errorf("sysctl %s wants \"pid value\": %w", name, ErrInvalid)
	}
	pid, val := int(vals[0]), vals[1]
	if pid <= 0 || val < 0 {
		return fmt.Errorf("sysctl %s pid %d: %w", name, pid, ErrNotFound)
	}

	s.pidMu.Lock()
	defer s.pidMu.Unlock()
	c := s.c
	p, err := c.Task(pid)
	if err != nil {
		return err
	}

	switch name {
	case knobWakeUpIdle:
		p.wakeUpIdle.Store(val != 0)
	case knobInitTaskLoad:
		if val > 100 {
			return fmt.Errorf("sysctl %s=%d: %w", name, val, ErrInvalid)
		}
		p.initLoadPct.Store(uint32(val))
	case knobGroupID:
		return c.SetGroupID(p, int(val))
	case knobPerTaskBoost:
		if val >= taskBoostEnd {
			return fmt.Errorf("sysctl %s=%d: %w", name, val, ErrInvalid)
		}
		p.boost.Store(int32(val))
		if val == 0 {
			p.boostPeriod.Store(0)
		}
	case knobBoostPeriodMs:
		if p.boost.Load() == 0 && val != 0 {
			return fmt.Errorf("sysctl %s without a boost: %w", name, ErrInvalid)
		}
		period := uint64(val) * 1000000
		p.boostPeriod.Store(period)
		p.boostExpires.Store(c.now() + period)
	case knobLowLatency:
		if val != 0 {
			setLowLatency(p, LowLatencyProcfs)
		} else {
			clearLowLatency(p, LowLatencyProcfs)
		}
	case knobPipeline:
		if val != 0 {
			setLowLatency(p, LowLatencyPipeline)
		} else {
			clearLowLatency(p, LowLatencyPipeline)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"knob":  name,
		"task":  p.String(),
		"value": val,
	}).Debug("Task knob written")
	return nil
}

func isTaskKnob(name string) bool {
	for _, k := range taskKnobs {
		if k == name {
			return true
		}
	}
	return false
}

func clusterRelIndex(name string) (int, bool) {
	for i := 0; i < config.MaxClusters; i++ {
		if name == fmt.Sprintf(clusterRelKnobFmt, i) {
			return i, true
		}
	}
	return 0, false
}

func parseInts(value string) ([]int64, error) {
	fields := strings.Fields(value)
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func formatInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "\t")
}
