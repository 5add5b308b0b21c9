package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

const (
	// HZ is the tick rate the window-size knob is expressed in.
	HZ = 250

	NsecPerSec = uint64(1000000000)

	// DefaultWindowNs is the 16ms default accounting window.
	DefaultWindowNs = uint64(16000000)
	// BootWindowNs is the window in effect before tunables are applied.
	BootWindowNs = uint64(20000000)
	MaxWindowNs  = uint64(1000000000)

	NrWindowsPerSec = NsecPerSec / DefaultWindowNs

	// MaxClusters bounds the number of clusters and cluster relations.
	MaxClusters = 3
	// MaxClusterRelations is the number of (src, dst, tgt) triples a
	// cluster relation table holds.
	MaxClusterRelations = 5

	WindowStatsRecent       = 0
	WindowStatsMax          = 1
	WindowStatsMaxRecentAvg = 2
	WindowStatsAvg          = 3
	WindowStatsInvalid      = 4

	UserHintMax = 1000
	// RTGBoostPrioDisabled turns the colocation cfs boost off.
	RTGBoostPrioDisabled = 99
	ManyWakeupDefault    = 1000
)

// ErrInvalid is returned for out-of-range or inconsistent knob values.
var ErrInvalid = errors.New("invalid argument")

// Tunables is the complete runtime knob set. Values are copied on write
// and published whole, so a reader never observes a half-applied change.
type Tunables struct {
	WindowNrTicks     uint32 `yaml:"sched_ravg_window_nr_ticks" validate:"oneof=2 3 4 5 8"`
	WindowStatsPolicy uint32 `yaml:"sched_window_stats_policy" validate:"max=4"`
	InitTaskLoadPct   uint32 `yaml:"sched_init_task_load_pct" validate:"max=100"`
	IOIsBusy          bool   `yaml:"sched_io_is_busy"`

	GroupUpmigratePct   uint32 `yaml:"sched_group_upmigrate" validate:"gtefield=GroupDownmigratePct"`
	GroupDownmigratePct uint32 `yaml:"sched_group_downmigrate"`
	// UpmigratePct/DownmigratePct hold one value per capacity margin
	// level (number of clusters minus one).
	UpmigratePct   []uint32 `yaml:"sched_upmigrate" validate:"dive,min=1,max=100"`
	DownmigratePct []uint32 `yaml:"sched_downmigrate" validate:"dive,min=1,max=100"`

	Boost                int    `yaml:"sched_boost" validate:"min=-3,max=3"`
	ConservativePL       uint32 `yaml:"sched_conservative_pl" validate:"max=1"`
	ManyWakeupThreshold  uint32 `yaml:"sched_many_wakeup_threshold" validate:"min=2,max=1000"`
	RotateBigTasks       uint32 `yaml:"sched_walt_rotate_big_tasks" validate:"max=1"`
	MinTaskUtilForBoost  uint32 `yaml:"sched_min_task_util_for_boost" validate:"max=1000"`
	MinTaskUtilForUclamp uint32 `yaml:"sched_min_task_util_for_uclamp" validate:"max=1000"`
	MinTaskUtilForColoc  uint32 `yaml:"sched_min_task_util_for_colocation" validate:"max=1000"`

	AsymCapSiblingFreqMatchPct uint32 `yaml:"sched_asym_cap_sibling_freq_match_pct" validate:"min=1,max=100"`
	ColocDownmigrateNs         uint32 `yaml:"sched_coloc_downmigrate_ns"`
	TaskUnfilterPeriod         uint32 `yaml:"sched_task_unfilter_period" validate:"min=1,max=200000000"`

	BusyHystEnableCPUs      uint32   `yaml:"sched_busy_hysteresis_enable_cpus" validate:"max=255"`
	BusyHystNs              uint32   `yaml:"sched_busy_hyst_ns" validate:"max=1000000000"`
	ColocBusyHystEnableCPUs uint32   `yaml:"sched_coloc_busy_hysteresis_enable_cpus" validate:"max=255"`
	ColocBusyHystCPUNs      []uint32 `yaml:"sched_coloc_busy_hyst_cpu_ns" validate:"dive,max=1000000000"`
	ColocBusyHystMaxMs      uint32   `yaml:"sched_coloc_busy_hyst_max_ms" validate:"max=100000"`
	ColocBusyHystCPUBusyPct []uint32 `yaml:"sched_coloc_busy_hyst_cpu_busy_pct" validate:"dive,max=100"`
	UtilBusyHystEnableCPUs  uint32   `yaml:"sched_util_busy_hysteresis_enable_cpus" validate:"max=255"`
	UtilBusyHystCPUNs       []uint32 `yaml:"sched_util_busy_hyst_cpu_ns" validate:"dive,max=1000000000"`
	UtilBusyHystCPUUtil     []uint32 `yaml:"sched_util_busy_hyst_cpu_util" validate:"dive,max=1000"`

	UserHint                uint32 `yaml:"sched_user_hint" validate:"max=1000"`
	RTGCFSBoostPrio         uint32 `yaml:"walt_rtg_cfs_boost_prio" validate:"min=99,max=119"`
	LowLatencyTaskThreshold uint32 `yaml:"walt_low_latency_task_threshold" validate:"max=1000"`
	SyncHintEnable          uint32 `yaml:"sched_sync_hint_enable" validate:"max=1"`
	SuppressRegion2         uint32 `yaml:"sched_suppress_region2" validate:"max=1"`
	HystMinColocNs          uint32 `yaml:"sched_hyst_min_coloc_ns"`
	PanicOnWaltBug          uint32 `yaml:"panic_on_walt_bug"`
	AsymcapBoost            uint32 `yaml:"sched_asymcap_boost" validate:"max=1"`

	// ClusterRel holds the raw cluster relation tables, indexed by
	// source cluster: flattened (src_freq_scale, dst_cluster, tgt_freq_scale)
	// triples.
	ClusterRel [][]int `yaml:"cluster_rel,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// DefaultTunables returns the boot-time knob set.
func DefaultTunables() *Tunables {
	return &Tunables{
		WindowNrTicks:              uint32(HZ / NrWindowsPerSec),
		WindowStatsPolicy:          WindowStatsMaxRecentAvg,
		InitTaskLoadPct:            15,
		IOIsBusy:                   true,
		GroupUpmigratePct:          100,
		GroupDownmigratePct:        95,
		ManyWakeupThreshold:        ManyWakeupDefault,
		MinTaskUtilForBoost:        51,
		MinTaskUtilForUclamp:       51,
		MinTaskUtilForColoc:        35,
		AsymCapSiblingFreqMatchPct: 100,
		TaskUnfilterPeriod:         100000000,
		ColocBusyHystEnableCPUs:    112,
		ColocBusyHystMaxMs:         5000,
		UtilBusyHystEnableCPUs:     255,
		RTGCFSBoostPrio:            RTGBoostPrioDisabled,
		SyncHintEnable:             1,
		HystMinColocNs:             80000000,
	}
}

// WindowNs is the window size the tick count maps to.
func (t *Tunables) WindowNs() uint64 {
	return uint64(t.WindowNrTicks) * NsecPerSec / HZ
}

// Normalize sizes the per-CPU and per-margin-level arrays, filling
// missing entries with their defaults.
func (t *Tunables) Normalize(nrCPUs, nrClusters int) {
	levels := nrClusters - 1
	if levels < 1 {
		levels = 1
	}
	t.UpmigratePct = fillU32(t.UpmigratePct, levels, 95)
	t.DownmigratePct = fillU32(t.DownmigratePct, levels, 85)
	t.ColocBusyHystCPUNs = fillU32(t.ColocBusyHystCPUNs, nrCPUs, 39000000)
	t.ColocBusyHystCPUBusyPct = fillU32(t.ColocBusyHystCPUBusyPct, nrCPUs, 10)
	t.UtilBusyHystCPUNs = fillU32(t.UtilBusyHystCPUNs, nrCPUs, 5000000)
	t.UtilBusyHystCPUUtil = fillU32(t.UtilBusyHystCPUUtil, nrCPUs, 15)
}

func fillU32(in []uint32, n int, def uint32) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		if i < len(in) {
			out[i] = in[i]
		} else {
			out[i] = def
		}
	}
	return out
}

// Clone returns a deep copy.
func (t *Tunables) Clone() *Tunables {
	c := *t
	c.UpmigratePct = append([]uint32(nil), t.UpmigratePct...)
	c.DownmigratePct = append([]uint32(nil), t.DownmigratePct...)
	c.ColocBusyHystCPUNs = append([]uint32(nil), t.ColocBusyHystCPUNs...)
	c.ColocBusyHystCPUBusyPct = append([]uint32(nil), t.ColocBusyHystCPUBusyPct...)
	c.UtilBusyHystCPUNs = append([]uint32(nil), t.UtilBusyHystCPUNs...)
	c.UtilBusyHystCPUUtil = append([]uint32(nil), t.UtilBusyHystCPUUtil...)
	if t.ClusterRel != nil {
		c.ClusterRel = make([][]int, len(t.ClusterRel))
		for i := range t.ClusterRel {
			c.ClusterRel[i] = append([]int(nil), t.ClusterRel[i]...)
		}
	}
	return &c
}

// Validate runs the struct-tag range checks plus the rules that span
// several fields.
func (t *Tunables) Validate() error {
	if err := getValidator().Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s=%v fails %q: %w", fe.Field(), fe.Value(), fe.Tag(), ErrInvalid)
		}
		return fmt.Errorf("%v: %w", err, ErrInvalid)
	}

	if len(t.UpmigratePct) != len(t.DownmigratePct) {
		return fmt.Errorf("sched_upmigrate has %d levels, sched_downmigrate %d: %w",
			len(t.UpmigratePct), len(t.DownmigratePct), ErrInvalid)
	}
	for i := range t.UpmigratePct {
		if t.UpmigratePct[i] < t.DownmigratePct[i] {
			return fmt.Errorf("sched_upmigrate[%d]=%d below sched_downmigrate[%d]=%d: %w",
				i, t.UpmigratePct[i], i, t.DownmigratePct[i], ErrInvalid)
		}
	}

	if len(t.ClusterRel) > MaxClusters {
		return fmt.Errorf("%d cluster relation tables, max %d: %w", len(t.ClusterRel), MaxClusters, ErrInvalid)
	}
	for i, rel := range t.ClusterRel {
		if len(rel) > 3*MaxClusterRelations {
			return fmt.Errorf("cluster%d_rel has %d values, max %d: %w",
				i, len(rel), 3*MaxClusterRelations, ErrInvalid)
		}
		for _, v := range rel {
			if v < 0 {
				return fmt.Errorf("cluster%d_rel contains negative value %d: %w", i, v, ErrInvalid)
			}
		}
	}

	return nil
}
