package walt

import (
	"walt-sched/internal/boost"

	"github.com/sirupsen/logrus"
)

// updateIRQLoad decays the irq load of rq by a quarter per elapsed window
// and adds the irq time accumulated since the last update. The rq lock
// is held.
func (c *Core) updateIRQLoad(rq *RQ) {
	wp := c.win.Load()
	var nrWindows uint64
	if rq.windowStart > rq.lastIRQWindow {
		nrWindows = (rq.windowStart - rq.lastIRQWindow) / wp.size
	}

	if nrWindows < 10 {
		rq.avgIRQLoad = rq.avgIRQLoad * 3 / 4
	} else {
		rq.avgIRQLoad = 0
	}

	if rq.irqTime > rq.prevIRQTime {
		rq.avgIRQLoad += rq.irqTime - rq.prevIRQTime
	}
	rq.prevIRQTime = rq.irqTime

	rq.highIRQLoad = nrWindows < SchedHighIRQTimeout && rq.avgIRQLoad >= wp.highIRQLoad
}

// irqWork is the global rollover step. With every runqueue lock held it
// closes the window on each CPU, applies pending load subtractions,
// aggregates the group load per cluster and calls the governor once per
// online CPU. Migration work only notifies the CPUs a migration touched.
func (c *Core) irqWork(isMigration bool) {
	c.irqWorkMu.Lock()
	defer c.irqWorkMu.Unlock()

	locked := c.lockRQs(c.allCPUs())
	wallclock := c.now()
	c.loadReportedWindow.Store(c.lastqWS.Load())

	var totalGrpLoad, minClusterGrpLoad uint64
	asymMigration := false
	sibs := c.topo.AsymSiblings

	for _, cl := range c.topo.Clusters {
		var aggr uint64
		cl.Lock()
		cl.CPUs.ForEach(func(cpu int) bool {
			rq := c.rqs[cpu]
			if rq.Curr != nil {
				// A fatal error is also kept for finishHook to return.
				if err := c.updateTaskRavg(rq.Curr, rq, TaskUpdate, wallclock, 0); err != nil {
					c.logger.WithError(err).WithField("cpu", cpu).Warn("Rollover update failed")
				}
				c.accountLoadSubtractions(rq)
				aggr += rq.grpTime.prevRunnableSum
			}
			if isMigration && rq.notifPending && sibs.Has(cpu) {
				asymMigration = true
				rq.notifPending = false
			}
			return true
		})
		cl.SetAggrGrpLoad(aggr)
		totalGrpLoad += aggr
		if c.topo.IsMinCluster(cl) {
			minClusterGrpLoad = aggr
		}
		cl.Unlock()
	}

	if totalGrpLoad != 0 {
		if !sibs.Empty() {
			bigGrpLoad := totalGrpLoad - minClusterGrpLoad
			sibs.ForEach(func(cpu int) bool {
				cl := c.topo.ClusterOf(cpu)
				cl.Lock()
				cl.SetAggrGrpLoad(bigGrpLoad)
				cl.Unlock()
				return true
			})
		}
		c.rtgbActive.Store(c.isRTGBoostActive())
	} else {
		c.rtgbActive.Store(false)
	}

	resetHint := !isMigration && c.tun().UserHint != 0 && wallclock > c.userHintResetTime.Load()

	nrBig := 0
	for _, cl := range c.topo.Clusters {
		var online []*RQ
		cl.CPUs.ForEach(func(cpu int) bool {
			if rq := c.rqs[cpu]; rq.online {
				online = append(online, rq)
			}
			return true
		})
		for i, rq := range online {
			var flags uint32
			if isMigration {
				if rq.notifPending {
					rq.notifPending = false
					flags |= GovICMigration
				}
			} else {
				flags |= GovRollover
			}
			if asymMigration && sibs.Has(rq.CPU) {
				flags |= GovICMigration
			}
			if i != len(online)-1 {
				flags |= GovContinue
			}
			c.govCallback(rq, wallclock, flags)

			if !isMigration {
				c.updateIRQLoad(rq)
			}
			nrBig += rq.stats.nrBigTasks
		}
	}

	if !isMigration {
		c.applyStagedWindow(wallclock)
		c.rotationCheckpoint(nrBig)
	}

	for _, rq := range locked {
		rq.publish()
	}
	unlockRQs(locked)

	if resetHint {
		c.resetUserHint()
	}

	c.logger.WithFields(logrus.Fields{
		"migration":  isMigration,
		"ws":         c.loadReportedWindow.Load(),
		"grp_load":   totalGrpLoad,
		"rtgb":       c.rtgbActive.Load(),
		"rotation":   c.rotationEnabled.Load(),
		"window_ns":  c.WindowSize(),
		"user_reset": resetHint,
	}).Trace("Irq work")
}

// applyStagedWindow switches to a staged window size. The change waits
// for a later rollover when this one ran so late that the current task's
// mark would already be past the new window boundary. Every rq lock is
// held.
func (c *Core) applyStagedWindow(wallclock uint64) {
	next := c.newWindow.Load()
	cur := c.WindowSize()
	if next == cur || wallclock >= c.lastqWS.Load()+next {
		return
	}
	c.windowChangeTime = wallclock
	c.applyWindow(next, c.tun())
	c.logger.WithFields(logrus.Fields{
		"old_ns":  cur,
		"new_ns":  next,
		"changed": wallclock,
	}).Info("Window size changed")
}

// WindowChangeTime is when the window size last changed.
func (c *Core) WindowChangeTime() uint64 {
	c.irqWorkMu.Lock()
	defer c.irqWorkMu.Unlock()
	return c.windowChangeTime
}

// rotationCheckpoint enables big-task rotation once there are at least
// as many misfit tasks as CPUs.
func (c *Core) rotationCheckpoint(nrBig int) {
	if !c.topo.Heterogeneous() {
		return
	}
	if c.tun().RotateBigTasks == 0 || c.boost.Effective() != boost.NoBoost {
		c.rotationEnabled.Store(false)
		return
	}
	c.rotationEnabled.Store(nrBig >= c.topo.NrCPUs)
}

// runPendingWork runs the rollover and migration work queued by the
// hook that just finished. No runqueue lock is held.
func (c *Core) runPendingWork() {
	if c.irqWorkPending.Swap(false) {
		c.irqWork(false)
	}
	if c.migrationWorkPending.Swap(false) {
		c.irqWork(true)
	}
}

// finishHook runs deferred work and returns the fatal error the hook
// ran into, if any.
func (c *Core) finishHook() error {
	c.runPendingWork()
	return c.takeFatal()
}
