package walt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"walt-sched/internal/boost"

	"github.com/sirupsen/logrus"
)

// group is a related thread group: tasks whose demand is summed to decide
// whether they should all skip the smallest cluster.
type group struct {
	id int

	mu            sync.Mutex
	tasks         []*Task
	lastUpdate    uint64
	downmigrateTS uint64
	active        bool

	// Read by placement and hysteresis without the group lock.
	skipMin atomic.Bool
	startTS atomic.Uint64
}

func (g *group) removeTask(p *Task) {
	for i, t := range g.tasks {
		if t == p {
			g.tasks = append(g.tasks[:i], g.tasks[i+1:]...)
			return
		}
	}
}

// groupTable is the fixed pool of groups. Id 0 is reserved to mean
// "no group".
type groupTable struct {
	mu     sync.RWMutex
	groups [MaxColocGroups]*group
}

// newGroupTable allocates every group up front. The default group is
// permanently active.
func newGroupTable() *groupTable {
	t := &groupTable{}
	for id := 1; id < MaxColocGroups; id++ {
		t.groups[id] = &group{id: id}
	}
	t.groups[DefaultColocGroupID].active = true
	return t
}

func (t *groupTable) lookup(id int) *group { return t.groups[id] }

// GroupInfo is a snapshot of one related thread group.
type GroupInfo struct {
	ID      int
	PIDs    []int
	SkipMin bool
	Active  bool
}

// Groups returns the active groups.
func (c *Core) Groups() []GroupInfo {
	c.groups.mu.RLock()
	defer c.groups.mu.RUnlock()
	var out []GroupInfo
	for id := 1; id < MaxColocGroups; id++ {
		g := c.groups.lookup(id)
		g.mu.Lock()
		if g.active {
			info := GroupInfo{ID: id, SkipMin: g.skipMin.Load(), Active: true}
			for _, p := range g.tasks {
				info.PIDs = append(info.PIDs, p.PID)
			}
			out = append(out, info)
		}
		g.mu.Unlock()
	}
	return out
}

// updateBestCluster runs the skip_min hysteresis: a group moves off the
// smallest cluster once its demand reaches the up threshold and comes
// back only after staying under the down threshold long enough.
func (c *Core) updateBestCluster(g *group, combinedDemand uint64, groupBoost bool) {
	if groupBoost {
		// Boost moves the tasks on its own.
		g.skipMin.Store(false)
		return
	}
	wp := c.win.Load()
	tun := c.tun()
	if c.isSUHMax() {
		combinedDemand = wp.groupUp
	}

	if !g.skipMin.Load() {
		if combinedDemand >= wp.groupUp {
			g.skipMin.Store(true)
		}
		return
	}
	if combinedDemand < wp.groupDown {
		if tun.ColocDownmigrateNs == 0 || g.lastUpdate-g.startTS.Load() < uint64(tun.HystMinColocNs) {
			g.downmigrateTS = 0
			g.skipMin.Store(false)
			return
		}
		if g.downmigrateTS == 0 {
			g.downmigrateTS = g.lastUpdate
			return
		}
		if g.lastUpdate-g.downmigrateTS > uint64(tun.ColocDownmigrateNs) {
			g.downmigrateTS = 0
			g.skipMin.Store(false)
		}
	} else if g.downmigrateTS != 0 {
		g.downmigrateTS = 0
	}
}

// setPreferredClusterLocked sums the recent colocation demand of the
// group's tasks and updates skip_min. The group lock is held.
func (c *Core) setPreferredClusterLocked(g *group) {
	prevSkipMin := g.skipMin.Load()
	wallclock := c.now()
	var combined uint64

	switch {
	case len(g.tasks) == 0, !c.topo.Heterogeneous():
		g.skipMin.Store(false)
	default:
		size := c.WindowSize()
		// Racing wakeups of related tasks would each recompute the same
		// answer.
		if wallclock-g.lastUpdate < size/10 {
			return
		}
		groupBoost := false
		horizon := size * HistSize
		for _, p := range g.tasks {
			if c.taskBoostPolicy(p) == boost.PolicyOnBig {
				groupBoost = true
				break
			}
			if wallclock > horizon && p.markStartPub.Load() < wallclock-horizon {
				continue
			}
			combined += p.colocDemandPub.Load()
			if combined > c.win.Load().groupUp {
				break
			}
		}
		g.lastUpdate = wallclock
		c.updateBestCluster(g, combined, groupBoost)
	}

	skipMin := g.skipMin.Load()
	c.logger.WithFields(logrus.Fields{
		"group":    g.id,
		"demand":   combined,
		"skip_min": skipMin,
		"prev":     prevSkipMin,
	}).Trace("Preferred cluster")

	if g.id == DefaultColocGroupID && skipMin != prevSkipMin {
		if skipMin {
			g.startTS.Store(wallclock)
		} else {
			g.startTS.Store(0)
		}
		c.updateHystTimes()
	}
}

func (c *Core) setPreferredCluster(g *group) {
	g.mu.Lock()
	c.setPreferredClusterLocked(g)
	g.mu.Unlock()
}

// updatePreferredCluster reports whether the group's preference is worth
// recomputing: the task's load moved by more than a quarter window or a
// whole window passed since the last update.
func (c *Core) updatePreferredCluster(g *group, p *Task, oldLoad uint64, fromTick bool) bool {
	if g == nil {
		return false
	}
	if fromTick && c.isSUHMax() {
		return true
	}
	size := c.WindowSize()
	newLoad := p.demand
	var diff uint64
	if newLoad > oldLoad {
		diff = newLoad - oldLoad
	} else {
		diff = oldLoad - newLoad
	}
	g.mu.Lock()
	last := g.lastUpdate
	g.mu.Unlock()
	return diff > size/4 || c.now()-last > size
}

// transferBusyTime moves the task's window contributions between the
// runqueue's own counters and its group counters when the task joins or
// leaves a group. The rq lock is held.
func (c *Core) transferBusyTime(rq *RQ, p *Task, join bool) {
	wallclock := c.now()
	for _, t := range []*Task{rq.Curr, p} {
		if err := c.updateTaskRavg(t, rq, TaskUpdate, wallclock, 0); err != nil {
			c.logger.WithError(err).WithField("pid", p.PID).Warn("Group transfer update failed")
		}
	}
	newTask := p.isNew()
	cpu := rq.CPU

	var src, dst busySums
	own := busySums{&rq.currRunnableSum, &rq.prevRunnableSum, &rq.ntCurrRunnable, &rq.ntPrevRunnable}
	g := &rq.grpTime
	grp := busySums{&g.currRunnableSum, &g.prevRunnableSum, &g.ntCurrRunnableSum, &g.ntPrevRunnableSum}

	if join {
		src, dst = own, grp
		currContrib, prevContrib := p.currWindowCPU[cpu], p.prevWindowCPU[cpu]
		c.transferSub(rq, p, "curr_runnable_sum", src.curr, currContrib)
		c.transferSub(rq, p, "prev_runnable_sum", src.prev, prevContrib)
		if newTask {
			c.transferSub(rq, p, "nt_curr_runnable_sum", src.ntCurr, currContrib)
			c.transferSub(rq, p, "nt_prev_runnable_sum", src.ntPrev, prevContrib)
		}
		c.updateClusterLoadSubtractions(p, cpu, rq.windowStart, newTask)
	} else {
		src, dst = grp, own
		c.transferSub(rq, p, "grp_curr_runnable_sum", src.curr, p.currWindow)
		c.transferSub(rq, p, "grp_prev_runnable_sum", src.prev, p.prevWindow)
		if newTask {
			c.transferSub(rq, p, "grp_nt_curr_runnable_sum", src.ntCurr, p.currWindow)
			c.transferSub(rq, p, "grp_nt_prev_runnable_sum", src.ntPrev, p.prevWindow)
		}
		// Per-CPU contributions were not kept up to date while grouped.
		clear(p.currWindowCPU)
		clear(p.prevWindowCPU)
	}

	*dst.curr += p.currWindow
	*dst.prev += p.prevWindow
	if newTask {
		*dst.ntCurr += p.currWindow
		*dst.ntPrev += p.prevWindow
	}

	// Entering or leaving a group parks the task's windows on one CPU.
	p.currWindowCPU[cpu] = p.currWindow
	p.prevWindowCPU[cpu] = p.prevWindow
}

func (c *Core) transferSub(rq *RQ, p *Task, what string, v *uint64, contrib uint64) {
	if *v < contrib {
		c.bug(KindNegativeSum, rq, p, "pid=%d CPU=%d src %s=%d is lesser than task_contrib=%d",
			p.PID, rq.CPU, what, *v, contrib)
		*v = contrib
	}
	*v -= contrib
}

// addTaskToGroup moves p into g. The group table lock is held.
func (c *Core) addTaskToGroup(p *Task, g *group) {
	g.mu.Lock()
	rq := c.lockTaskRQ(p)
	c.transferBusyTime(rq, p, true)
	g.tasks = append([]*Task{p}, g.tasks...)
	p.grp.Store(g)
	rq.publish()
	rq.Unlock()

	c.setPreferredClusterLocked(g)
	g.mu.Unlock()
}

// removeTaskFromGroup takes p out of its group. The group table lock is
// held.
func (c *Core) removeTaskFromGroup(p *Task) {
	g := p.grp.Load()
	g.mu.Lock()
	rq := c.lockTaskRQ(p)
	c.transferBusyTime(rq, p, false)
	g.removeTask(p)
	p.grp.Store(nil)
	rq.publish()
	rq.Unlock()

	empty := len(g.tasks) == 0
	if !empty {
		c.setPreferredClusterLocked(g)
	}
	g.mu.Unlock()

	if empty && g.id != DefaultColocGroupID {
		g.mu.Lock()
		g.active = false
		g.mu.Unlock()
	}
}

// lockTaskRQ locks the runqueue p belongs to, retrying if p moved while
// the lock was being taken.
func (c *Core) lockTaskRQ(p *Task) *RQ {
	for {
		rq := c.rqs[p.CPU]
		rq.Lock()
		if rq.CPU == p.CPU {
			return rq
		}
		rq.Unlock()
	}
}

func (c *Core) setGroupID(p *Task, id int) error {
	if id < 0 || id >= MaxColocGroups {
		return fmt.Errorf("group id %d: %w", id, ErrInvalid)
	}

	p.piMu.Lock()
	defer p.piMu.Unlock()
	c.groups.mu.Lock()
	defer c.groups.mu.Unlock()

	cur := p.grp.Load()
	// Switching from one group to another directly is not permitted.
	if (cur == nil && id == 0) || (cur != nil && id != 0) {
		return nil
	}
	if id == 0 {
		c.removeTaskFromGroup(p)
		return nil
	}

	g := c.groups.lookup(id)
	g.mu.Lock()
	g.active = true
	g.mu.Unlock()
	c.addTaskToGroup(p, g)
	return nil
}

// SetGroupID moves p into group id, or out of its group when id is 0.
// The default group is reserved for cgroup colocation.
func (c *Core) SetGroupID(p *Task, id int) error {
	if id == DefaultColocGroupID {
		return fmt.Errorf("group id %d is reserved: %w", id, ErrInvalid)
	}
	if err := c.setGroupID(p, id); err != nil {
		return err
	}
	return c.finishHook()
}

// GroupID returns the id of the task's group, 0 when it has none.
func (c *Core) GroupID(p *Task) int {
	if g := p.grp.Load(); g != nil {
		return g.id
	}
	return 0
}

// addNewTaskToGroup puts a freshly forked task of a colocated cgroup in
// the default group. Its windows are empty, so no busy time moves.
func (c *Core) addNewTaskToGroup(p *Task) {
	if !c.taskColocated(p) {
		return
	}
	g := c.groups.lookup(DefaultColocGroupID)
	c.groups.mu.Lock()
	defer c.groups.mu.Unlock()
	if !c.taskColocated(p) || p.grp.Load() != nil {
		return
	}
	g.mu.Lock()
	p.grp.Store(g)
	g.tasks = append([]*Task{p}, g.tasks...)
	g.mu.Unlock()
}

// CgroupAttach records that tasks moved into cgroup name and moves them
// in or out of the default colocation group to match its colocate flag.
func (c *Core) CgroupAttach(name string, tasks ...*Task) error {
	cg := c.CgroupOnline(name)
	c.cgroupMu.RLock()
	colocate := cg.Colocate
	c.cgroupMu.RUnlock()

	id := 0
	if colocate {
		id = DefaultColocGroupID
	}
	for _, p := range tasks {
		p.Cgroup = name
		err := c.setGroupID(p, id)
		c.logger.WithFields(logrus.Fields{
			"pid":    p.PID,
			"cgroup": name,
			"group":  id,
		}).WithError(err).Debug("Cgroup attach")
		if err != nil {
			return err
		}
	}
	return c.finishHook()
}

// isRTGBoostActive reports whether the default group is off the smallest
// cluster.
func (c *Core) isRTGBoostActive() bool {
	if c.groups == nil {
		return false
	}
	return c.groups.lookup(DefaultColocGroupID).skipMin.Load()
}

// rtgbActiveTime is how long the default group has been off the smallest
// cluster.
func (c *Core) rtgbActiveTime() uint64 {
	if c.groups == nil {
		return 0
	}
	g := c.groups.lookup(DefaultColocGroupID)
	start := g.startTS.Load()
	if g.skipMin.Load() && start != 0 {
		return c.now() - start
	}
	return 0
}

// isClusterHostingTopApp reports whether the default group runs on cl.
func (c *Core) isClusterHostingTopApp(clusterIsMin bool) bool {
	g := c.groups.lookup(DefaultColocGroupID)
	onMin := !g.skipMin.Load() && c.boost.Policy() != boost.PolicyOnBig
	return clusterIsMin == onMin
}
