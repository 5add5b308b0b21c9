package walt

import (
	"fmt"

	"walt-sched/internal/boost"
	"walt-sched/internal/config"
	"walt-sched/internal/schedavg"
)

// capacityMargins holds the per-CPU fixed-point up and down migration
// margins. A task fits a CPU when capacity*1024 > util*margin.
type capacityMargins struct {
	up   []uint64
	down []uint64
}

// applyMargins converts the per-level migrate percentages into per-CPU
// margins. Level i covers cluster i; the CPUs of the biggest cluster keep
// the defaults.
func (c *Core) applyMargins(tun *config.Tunables) {
	m := &capacityMargins{
		up:   make([]uint64, c.topo.NrCPUs),
		down: make([]uint64, c.topo.NrCPUs),
	}
	for cpu := range m.up {
		m.up[cpu] = defaultMarginUp
		m.down[cpu] = defaultMarginDown
	}
	for i, cl := range c.topo.Clusters {
		if i >= len(tun.UpmigratePct) {
			break
		}
		up := uint64(fixedPointScale) * 100 / uint64(tun.UpmigratePct[i])
		down := uint64(fixedPointScale) * 100 / uint64(tun.DownmigratePct[i])
		cl.CPUs.ForEach(func(cpu int) bool {
			m.up[cpu] = up
			m.down[cpu] = down
			return true
		})
	}
	c.margins.Store(m)
}

// MarginUp and MarginDown return the fixed-point margins of cpu.
func (c *Core) MarginUp(cpu int) uint64   { return c.margins.Load().up[cpu] }
func (c *Core) MarginDown(cpu int) uint64 { return c.margins.Load().down[cpu] }

// Cgroup is the load tracking view of a cpu cgroup.
type Cgroup struct {
	Name string
	// Colocate attaches the cgroup's tasks to the default colocation group.
	Colocate bool
	// BoostEnable says, per boost type, whether the cgroup's tasks are
	// steered by placement boost.
	BoostEnable [boost.NumTypes]bool
}

// newCgroup returns a cgroup with the defaults of its well-known name.
func newCgroup(name string) *Cgroup {
	cg := &Cgroup{Name: name}
	cg.BoostEnable[boost.FullThrottle] = true
	switch name {
	case "top-app":
		cg.Colocate = true
		cg.BoostEnable[boost.Conservative] = true
	case "foreground":
		cg.BoostEnable[boost.Conservative] = true
		cg.BoostEnable[boost.Restrained] = true
	default:
		cg.BoostEnable[boost.Restrained] = true
	}
	return cg
}

// CgroupOnline registers a cgroup, returning the existing one when it
// is already known.
func (c *Core) CgroupOnline(name string) *Cgroup {
	c.cgroupMu.Lock()
	defer c.cgroupMu.Unlock()
	if cg, ok := c.cgroups[name]; ok {
		return cg
	}
	cg := newCgroup(name)
	c.cgroups[name] = cg
	return cg
}

// Cgroup returns a copy of the named cgroup.
func (c *Core) Cgroup(name string) (Cgroup, error) {
	c.cgroupMu.RLock()
	defer c.cgroupMu.RUnlock()
	cg, ok := c.cgroups[name]
	if !ok {
		return Cgroup{}, fmt.Errorf("cgroup %q: %w", name, ErrNotFound)
	}
	return *cg, nil
}

// SetCgroupColocate flips the colocate flag. Tasks already in the cgroup
// move on their next attach.
func (c *Core) SetCgroupColocate(name string, on bool) error {
	c.cgroupMu.Lock()
	defer c.cgroupMu.Unlock()
	cg, ok := c.cgroups[name]
	if !ok {
		return fmt.Errorf("cgroup %q: %w", name, ErrNotFound)
	}
	cg.Colocate = on
	return nil
}

// SetCgroupBoost enables or disables placement boost of type t for the
// cgroup's tasks.
func (c *Core) SetCgroupBoost(name string, t boost.Type, on bool) error {
	if t <= boost.NoBoost || t >= boost.NumTypes {
		return fmt.Errorf("boost type %d: %w", t, ErrInvalid)
	}
	c.cgroupMu.Lock()
	defer c.cgroupMu.Unlock()
	cg, ok := c.cgroups[name]
	if !ok {
		return fmt.Errorf("cgroup %q: %w", name, ErrNotFound)
	}
	cg.BoostEnable[t] = on
	return nil
}

func (c *Core) cgroupOf(p *Task) (Cgroup, bool) {
	c.cgroupMu.RLock()
	defer c.cgroupMu.RUnlock()
	cg, ok := c.cgroups[p.Cgroup]
	if !ok {
		return Cgroup{}, false
	}
	return *cg, true
}

func (c *Core) taskColocated(p *Task) bool {
	cg, ok := c.cgroupOf(p)
	return ok && cg.Colocate
}

// taskUtil is the published scaled demand, safe without the rq lock.
func taskUtil(p *Task) uint64 { return p.demandPub.Load() }

func uclampTaskUtil(p *Task) uint64 {
	util := taskUtil(p)
	hi := p.UclampMax
	if hi == 0 {
		hi = fixedPointScale
	}
	return min(max(util, p.UclampMin), hi)
}

// perTaskBoost returns the task's boost level, treating an expired boost
// period as no boost.
func (c *Core) perTaskBoost(p *Task) int {
	if p.boostPeriod.Load() != 0 && c.now() > p.boostExpires.Load() {
		p.boostPeriod.Store(0)
		p.boostExpires.Store(0)
		p.boost.Store(0)
	}
	return int(p.boost.Load())
}

func (c *Core) lowLatencyTask(p *Task) bool {
	return p.lowLatency.Load() != 0 && taskUtil(p) < uint64(c.tun().LowLatencyTaskThreshold)
}

func (c *Core) binderLowLatencyTask(p *Task) bool {
	return p.lowLatency.Load()&uint32(LowLatencyBinder) != 0 &&
		taskUtil(p) < uint64(c.tun().LowLatencyTaskThreshold)
}

func (c *Core) procfsLowLatencyTask(p *Task) bool {
	return p.lowLatency.Load()&uint32(LowLatencyProcfs) != 0 &&
		taskUtil(p) < uint64(c.tun().LowLatencyTaskThreshold)
}

func pipelineLowLatencyTask(p *Task) bool {
	return p.lowLatency.Load()&uint32(LowLatencyPipeline) != 0
}

func (c *Core) isFullThrottleBoost() bool {
	return c.boost.Effective() == boost.FullThrottle
}

// taskSchedBoost reports whether the boost in force applies to p.
func (c *Core) taskSchedBoost(p *Task) bool {
	t := c.boost.Effective()
	if t == boost.FullThrottle {
		return true
	}
	cg, ok := c.cgroupOf(p)
	if !ok {
		return false
	}
	return cg.BoostEnable[t]
}

// taskBoostPolicy returns the placement boost policy for p. Small tasks
// are filtered out under conservative boost unless they are pipeline
// tasks.
func (c *Core) taskBoostPolicy(p *Task) boost.Policy {
	policy := c.boost.Policy()
	if policy == boost.PolicyNone {
		return boost.PolicyNone
	}
	if !c.taskSchedBoost(p) {
		return boost.PolicyNone
	}
	if policy == boost.PolicyOnBig && c.boost.Effective() == boost.Conservative &&
		taskUtil(p) <= uint64(c.tun().MinTaskUtilForBoost) && !pipelineLowLatencyTask(p) {
		return boost.PolicyNone
	}
	return policy
}

func (c *Core) uclampBoosted(p *Task) bool {
	return p.UclampMin > 0 && taskUtil(p) > uint64(c.tun().MinTaskUtilForUclamp)
}

func (c *Core) isSUHMax() bool { return c.tun().UserHint == config.UserHintMax }

// shouldKickUpmigrate pushes active top-app tasks off the smallest
// cluster while the user hint is at its maximum.
func (c *Core) shouldKickUpmigrate(p *Task, cpu int) bool {
	grp := p.grp.Load()
	if c.isSUHMax() && grp != nil && grp.id == DefaultColocGroupID && grp.skipMin.Load() && p.unfilterPub.Load() != 0 {
		return c.topo.IsMinCapacityCPU(cpu)
	}
	return false
}

func (c *Core) capacityOrigOf(cpu int) uint64 { return c.rqs[cpu].pubCapOrig.Load() }
func (c *Core) capacityOf(cpu int) uint64     { return c.rqs[cpu].pubCap.Load() }
func (c *Core) cpuUtil(cpu int) uint64        { return c.rqs[cpu].pubUtil.Load() }

// capacityCurrOf is the original capacity scaled by the current frequency.
func (c *Core) capacityCurrOf(cpu int) uint64 {
	cl := c.topo.ClusterOf(cpu)
	return c.capacityOrigOf(cpu) * cl.CurFreq() / cl.MaxPossibleFreq()
}

// taskFitsCapacity uses the down margin when the task would move to a
// smaller CPU and the up margin of its own CPU otherwise.
func (c *Core) taskFitsCapacity(p *Task, capacity uint64, cpu int) bool {
	m := c.margins.Load()
	var margin uint64
	if c.capacityOrigOf(p.CPU) > c.capacityOrigOf(cpu) {
		margin = m.down[cpu]
	} else {
		margin = m.up[p.CPU]
	}
	return capacity*fixedPointScale > uclampTaskUtil(p)*margin
}

func (c *Core) taskFitsMax(p *Task, cpu int) bool {
	capacity := c.capacityOrigOf(cpu)
	if capacity == c.topo.MaxPossibleCap {
		return true
	}
	taskBoost := c.perTaskBoost(p)
	if c.topo.IsMinCapacityCPU(cpu) {
		if c.taskBoostPolicy(p) == boost.PolicyOnBig || taskBoost > 0 ||
			c.uclampBoosted(p) || c.shouldKickUpmigrate(p, cpu) {
			return false
		}
	} else if taskBoost > TaskBoostOnMid {
		return false
	}
	return c.taskFitsCapacity(p, capacity, cpu)
}

func (c *Core) cpuOverutilizedDelta(cpu int, delta uint64) bool {
	return c.capacityOrigOf(cpu)*fixedPointScale < (c.cpuUtil(cpu)+delta)*c.margins.Load().up[cpu]
}

func (c *Core) cpuOverutilized(cpu int) bool { return c.cpuOverutilizedDelta(cpu, 0) }

// asymCapSiblingGroupHasCapacity reports whether the single-CPU sibling
// clusters together can absorb more load under margin (a percentage).
func (c *Core) asymCapSiblingGroupHasCapacity(dstCPU int, margin uint64) bool {
	sibs := c.topo.AsymSiblings
	if sibs.Empty() || sibs.Has(dstCPU) {
		return false
	}
	s1, s2 := sibs.First(), sibs.Last()
	r1, r2 := c.rqs[s1], c.rqs[s2]
	if !r1.pubActive.Load() || !r2.pubActive.Load() {
		return false
	}
	if r1.pubCFSNr.Load()+r2.pubCFSNr.Load() <= 2 {
		return true
	}
	totalCap := c.capacityOf(s1) + c.capacityOf(s2)
	totalUtil := c.cpuUtil(s1) + c.cpuUtil(s2)
	return totalCap*100 > totalUtil*margin
}

func (c *Core) taskRTGHighPrio(p *Task) bool {
	return p.grp.Load() != nil && p.Prio <= int(c.tun().RTGCFSBoostPrio)
}

func (c *Core) incCumulativeRunnableAvg(rq *RQ, p *Task) {
	c.fixupCumulativeRunnableAvg(rq, p, int64(p.demandScaled), int64(p.predScaled))
}

func (c *Core) decCumulativeRunnableAvg(rq *RQ, p *Task) {
	c.fixupCumulativeRunnableAvg(rq, p, -int64(p.demandScaled), -int64(p.predScaled))
}

func (c *Core) incRQWaltStats(rq *RQ, p *Task) {
	if p.misfit {
		rq.stats.nrBigTasks++
	}
	p.rtgHighPrio = c.taskRTGHighPrio(p)
	if p.rtgHighPrio {
		rq.stats.nrRTGHighPrio++
	}
}

func (c *Core) decRQWaltStats(rq *RQ, p *Task) {
	if p.misfit {
		rq.stats.nrBigTasks--
	}
	if p.rtgHighPrio {
		rq.stats.nrRTGHighPrio--
	}
	if rq.stats.nrBigTasks < 0 {
		c.softCorrect(rq, "nr_big_tasks", 0, 1)
		rq.stats.nrBigTasks = 0
	}
	if rq.stats.nrRTGHighPrio < 0 {
		c.softCorrect(rq, "nr_rtg_high_prio_tasks", 0, 1)
		rq.stats.nrRTGHighPrio = 0
	}
}

// updateMisfitStatus re-evaluates whether the running task fits the
// biggest CPU it could use and keeps nr_big_tasks in step.
func (c *Core) updateMisfitStatus(rq *RQ, p *Task, wallclock uint64) {
	if p == nil || p.IsIdle || !p.fair() {
		return
	}
	misfit := !c.taskFitsMax(p, rq.CPU)
	if misfit == p.misfit {
		return
	}
	p.misfit = misfit
	if misfit {
		rq.stats.nrBigTasks++
	} else if rq.stats.nrBigTasks > 0 {
		rq.stats.nrBigTasks--
	}
	c.updateNrProd(rq, wallclock, false)
}

// updateNrProd feeds the runnable-count averages and busy hysteresis
// after the runqueue's counts changed.
func (c *Core) updateNrProd(rq *RQ, wallclock uint64, dequeue bool) {
	var total uint64
	for _, r := range c.rqs {
		total += r.pubUtil.Load()
	}
	c.hyst.Update(rq.CPU, wallclock, dequeue, schedavg.Sample{
		NrRunning: rq.nrRunning,
		NrBig:     rq.stats.nrBigTasks,
		NrIOWait:  rq.NrIOWait,
		Util:      rq.cpuUtil(),
		CapOrig:   rq.capOrig,
		TotalUtil: total,
	})
}

// BigTasks is the number of queued tasks that do not fit their CPU.
func (c *Core) BigTasks(cpu int) int { return int(c.rqs[cpu].pubBig.Load()) }
