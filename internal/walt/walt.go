// Package walt implements window-assisted load tracking: per-task and
// per-CPU busy time accounted over fixed windows, demand prediction,
// colocation groups, frequency input for a governor, energy-aware task
// placement and the MVP run list layered on top of a fair scheduler.
//
// The host scheduler drives the package through the Hooks interface.
// Every hook takes the runqueue locks it needs itself; work that the
// kernel defers to irq_work runs at the end of the hook that queued it,
// after the runqueue locks are released.
package walt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"walt-sched/internal/boost"
	"walt-sched/internal/config"
	"walt-sched/internal/logging"
	"walt-sched/internal/schedavg"
	"walt-sched/internal/topology"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Event int

const (
	PutPrevTask Event = iota
	PickNextTask
	TaskWake
	TaskMigrate
	TaskUpdate
	IRQUpdate
)

var eventNames = [...]string{"PUT_PREV_TASK", "PICK_NEXT_TASK", "TASK_WAKE", "TASK_MIGRATE", "TASK_UPDATE", "IRQ_UPDATE"}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("EVENT(%d)", int(e))
}

// Governor callback flags.
const (
	GovRollover uint32 = 1 << iota
	GovContinue
	GovICMigration
	GovPL
	GovEarlyDet
	GovBoostUpdate
)

const (
	NumBusyBuckets = 10
	HistSize       = 5
	NumLoadIndices = 1000

	// NewTaskActiveTime is the runtime below which a task counts as new.
	NewTaskActiveTime      = uint64(100000000)
	EarlyDetectionDuration = uint64(9500000)
	edLoopMax              = 10

	MinUtilForEnergyEval   = 52
	DireStraitsPrevNrLimit = 10
	SchedHighIRQTimeout    = 3

	MaxColocGroups       = 20
	DefaultColocGroupID  = 1
	capacityShift        = 10
	fixedPointScale      = 1024
	defaultMarginUp      = 1078
	defaultMarginDown    = 1205
	loadGranule          = config.DefaultWindowNs / NumLoadIndices
	freqAccountWaitTime  = false
	accountWaitTime      = true
	plNotifFreqThreshold = 400000
)

// Clock is the scheduler clock in nanoseconds.
type Clock interface {
	Now() uint64
}

// Governor receives the frequency callbacks.
type Governor interface {
	Callback(cpu int, now uint64, flags uint32)
}

// Host is the part of the host scheduler the core calls back into.
type Host interface {
	// Resched asks the host to reschedule the current task of cpu.
	Resched(cpu int)
}

// CycleCounter reads the cumulative cycle count of a CPU. ok is false
// when no counter is available.
type CycleCounter interface {
	Cycles(cpu int) (count uint64, ok bool)
}

// Observer is told about accounting bugs and soft corrections.
type Observer interface {
	Bug(kind FatalKind, fatal bool)
	SoftCorrection()
}

type Options struct {
	Topology *topology.Topology
	Tunables *config.Tunables
	Clock    Clock
	Governor Governor
	Host     Host
	// Cycles is optional; without it the execution scale is derived from
	// the cluster's current frequency.
	Cycles   CycleCounter
	Observer Observer
	Logger   logrus.FieldLogger
	// FailFast overrides panic_on_walt_bug.
	FailFast bool
}

type windowParams struct {
	size           uint64
	scaleDivisor   uint64
	initLoad       uint64
	initLoadScaled uint64
	highIRQLoad    uint64
	groupUp        uint64
	groupDown      uint64
}

type Core struct {
	topo   *topology.Topology
	clock  Clock
	gov    Governor
	host   Host
	cycles CycleCounter
	obs    Observer
	logger logrus.FieldLogger

	tunables atomic.Pointer[config.Tunables]
	sysctlMu sync.Mutex
	win      atomic.Pointer[windowParams]
	// newWindow is the staged window size applied at the next rollover.
	newWindow        atomic.Uint64
	windowChangeTime uint64

	lastqWS            atomic.Uint64
	loadReportedWindow atomic.Uint64
	syncCPU            atomic.Int32

	rqs    []*RQ
	tasks  *taskTable
	groups *groupTable
	boost  *boost.Manager
	hyst   *schedavg.Tracker

	cgroupMu sync.RWMutex
	cgroups  map[string]*Cgroup

	sysctl     *Sysctl
	margins    atomic.Pointer[capacityMargins]
	clusterRel atomic.Pointer[clusterRelations]
	relWritten [config.MaxClusters]atomic.Bool

	aggrEnabled       atomic.Bool
	rotationEnabled   atomic.Bool
	rtgbActive        atomic.Bool
	userHintResetTime atomic.Uint64

	irqWorkPending       atomic.Bool
	migrationWorkPending atomic.Bool
	irqWorkMu            sync.Mutex

	forceFailFast  bool
	bugPolicy      atomic.Int32
	fatalMu        sync.Mutex
	fatal          error
	bugCount       atomic.Uint64
	softCount      atomic.Uint64
	softSuppressed atomic.Uint64
	softLimiter    *rate.Limiter
}

// New builds the core for the given topology. All CPUs start online and
// active with their window not yet started.
func New(opts Options) (*Core, error) {
	if opts.Topology == nil {
		return nil, fmt.Errorf("topology is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetSchedulerLogger()
	}
	tun := config.DefaultTunables()
	if opts.Tunables != nil {
		tun = opts.Tunables.Clone()
	}
	tun.Normalize(opts.Topology.NrCPUs, opts.Topology.NrClusters())
	if err := tun.Validate(); err != nil {
		return nil, fmt.Errorf("tunables: %w", err)
	}

	c := &Core{
		topo:        opts.Topology,
		clock:       opts.Clock,
		gov:         opts.Governor,
		host:        opts.Host,
		cycles:      opts.Cycles,
		obs:         opts.Observer,
		logger:      opts.Logger,
		tasks:       newTaskTable(),
		hyst:        schedavg.New(opts.Topology.NrCPUs),
		cgroups:     make(map[string]*Cgroup),
		softLimiter: rate.NewLimiter(rate.Limit(1), 5),
	}
	c.syncCPU.Store(-1)
	c.tunables.Store(tun)
	c.forceFailFast = opts.FailFast
	c.setBugPolicy(tun, opts.FailFast)

	c.rqs = make([]*RQ, c.topo.NrCPUs)
	for cpu := range c.rqs {
		rq := newRQ(cpu, c.topo)
		rq.Idle = c.IdleTask(cpu)
		rq.Curr = rq.Idle
		rq.publish()
		c.rqs[cpu] = rq
	}
	c.groups = newGroupTable()
	c.boost = boost.New(c.topo.Heterogeneous(), c, c.logger)

	c.applyWindow(tun.WindowNs(), tun)
	c.newWindow.Store(tun.WindowNs())
	c.applyMargins(tun)
	if err := c.applyClusterRelations(tun.ClusterRel); err != nil {
		return nil, err
	}
	c.updateHystTimes()
	c.sysctl = newSysctl(c)
	if tun.Boost != 0 {
		if err := c.boost.Set(tun.Boost); err != nil {
			return nil, fmt.Errorf("sched_boost: %w", err)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"cpus":      c.topo.NrCPUs,
		"clusters":  c.topo.NrClusters(),
		"window_ns": tun.WindowNs(),
		"policy":    c.BugPolicy().String(),
	}).Info("WALT core initialized")

	return c, nil
}

func (c *Core) Topology() *topology.Topology { return c.topo }

// Tunables returns the knob set in force. It must not be modified.
func (c *Core) Tunables() *config.Tunables { return c.tunables.Load() }

func (c *Core) tun() *config.Tunables { return c.tunables.Load() }

// RQ returns the runqueue of cpu.
func (c *Core) RQ(cpu int) *RQ { return c.rqs[cpu] }

func (c *Core) NrCPUs() int { return len(c.rqs) }

// WindowSize is the accounting window in force.
func (c *Core) WindowSize() uint64 { return c.win.Load().size }

// Boost exposes the boost state machine.
func (c *Core) Boost() *boost.Manager { return c.boost }

// BusyHysteresis exposes the per-CPU busy hysteresis tracker.
func (c *Core) BusyHysteresis() *schedavg.Tracker { return c.hyst }

func (c *Core) now() uint64 { return c.clock.Now() }

// applyWindow recomputes everything that depends on the window size.
// Callers hold every runqueue lock or run before the core is shared.
func (c *Core) applyWindow(size uint64, tun *config.Tunables) {
	wp := &windowParams{
		size:         size,
		scaleDivisor: max(size>>capacityShift, 1),
		highIRQLoad:  size * 95 / 100,
	}
	wp.initLoad = uint64(tun.InitTaskLoadPct) * size / 100
	wp.initLoadScaled = wp.initLoad / wp.scaleDivisor
	if c.topo.NrClusters() > 0 {
		minMs := c.topo.MinPossibleCap * (size >> capacityShift)
		wp.groupUp = minMs * uint64(tun.GroupUpmigratePct) / 100
		wp.groupDown = minMs * uint64(tun.GroupDownmigratePct) / 100
	}
	c.win.Store(wp)
}

// UpdateGroupThresholds converts the group up/down migrate percentages
// into busy time against the smallest cluster's capacity.
func (c *Core) UpdateGroupThresholds() {
	c.applyWindow(c.WindowSize(), c.tun())
}

func (c *Core) scaleDemand(d uint64) uint64 {
	return d / c.win.Load().scaleDivisor
}

// EnterBoost and ExitBoost are the boost transition actions.
func (c *Core) EnterBoost(t boost.Type) {
	switch t {
	case boost.FullThrottle, boost.Conservative, boost.Restrained:
		c.aggrEnabled.Store(true)
	}
	c.updateHystTimes()
	c.logger.WithField("boost", t.String()).Debug("Boost entered")
}

func (c *Core) ExitBoost(t boost.Type) {
	c.aggrEnabled.Store(false)
	c.updateHystTimes()
	c.logger.WithField("boost", t.String()).Debug("Boost exited")
}

// FreqAggregationEnabled reports whether group load is aggregated per
// cluster for frequency input.
func (c *Core) FreqAggregationEnabled() bool { return c.aggrEnabled.Load() }

// RotationEnabled reports whether big-task rotation is active.
func (c *Core) RotationEnabled() bool { return c.rotationEnabled.Load() }

func (c *Core) updateHystTimes() {
	tun := c.tun()
	active := c.isRTGBoostActive() && c.boost != nil && c.boost.Effective() != boost.Conservative &&
		c.rtgbActiveTime() < uint64(tun.ColocBusyHystMaxMs)*1000000
	c.hyst.UpdateHystTimes(tun, c.topo.CPUCapacity, active)
}
