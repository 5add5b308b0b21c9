package walt

import "walt-sched/internal/boost"

// interClusterMigrationFixup moves the task's window contributions from
// the source CPU to the destination CPU when they sit in different
// frequency domains. Contributions left on the other CPUs of the source
// cluster become pending load subtractions.
func (c *Core) interClusterMigrationFixup(p *Task, newCPU, taskCPU int, newTask bool) {
	if c.topo.SameFreqDomain(newCPU, taskCPU) {
		return
	}
	dst := c.rqs[newCPU]
	src := c.rqs[taskCPU]

	p.currWindowCPU[newCPU] = p.currWindow
	p.prevWindowCPU[newCPU] = p.prevWindow

	dst.currRunnableSum += p.currWindow
	dst.prevRunnableSum += p.prevWindow

	currContrib := p.currWindowCPU[taskCPU]
	prevContrib := p.prevWindowCPU[taskCPU]
	c.migrateSub(src, dst, p, "curr_runnable_sum", &src.currRunnableSum, currContrib)
	c.migrateSub(src, dst, p, "prev_runnable_sum", &src.prevRunnableSum, prevContrib)

	if newTask {
		dst.ntCurrRunnable += p.currWindow
		dst.ntPrevRunnable += p.prevWindow
		c.migrateSub(src, dst, p, "nt_curr_runnable_sum", &src.ntCurrRunnable, currContrib)
		c.migrateSub(src, dst, p, "nt_prev_runnable_sum", &src.ntPrevRunnable, prevContrib)
	}

	p.currWindowCPU[taskCPU] = 0
	p.prevWindowCPU[taskCPU] = 0

	c.updateClusterLoadSubtractions(p, taskCPU, src.windowStart, newTask)
}

func (c *Core) migrateSub(src, dst *RQ, p *Task, what string, v *uint64, contrib uint64) {
	if *v < contrib {
		c.bug(KindNegativeSum, src, p, "pid=%d CPU%d -> CPU%d src %s=%d is lesser than task_contrib=%d",
			p.PID, src.CPU, dst.CPU, what, *v, contrib)
		*v = contrib
	}
	*v -= contrib
}

// fixupBusyTime moves the busy time of p from its current CPU to newCPU.
// Both runqueue locks are held.
func (c *Core) fixupBusyTime(p *Task, newCPU int, wallclock uint64) error {
	if !p.OnRQ && p.State != TaskWaking {
		return nil
	}
	src := c.taskRQ(p)
	dst := c.rqs[newCPU]

	if err := c.updateTaskRavg(src.Curr, src, TaskUpdate, wallclock, 0); err != nil {
		return err
	}
	if err := c.updateTaskRavg(dst.Curr, dst, TaskUpdate, wallclock, 0); err != nil {
		return err
	}
	if err := c.updateTaskRavg(p, src, TaskMigrate, wallclock, 0); err != nil {
		return err
	}
	c.updateTaskCPUCycles(p, dst, wallclock)

	newTask := p.isNew()
	if p.grp.Load() != nil {
		// Group load is reported on a single CPU, so even intra-cluster
		// moves are fixed up.
		c.transferGroupTime(src, dst, p, newTask)
	} else {
		c.interClusterMigrationFixup(p, newCPU, p.CPU, newTask)
	}

	c.migrateTopTasks(p, src, dst)

	if !c.topo.SameFreqDomain(newCPU, p.CPU) {
		src.notifPending = true
		dst.notifPending = true
		c.migrationWorkPending.Store(true)
	}

	if c.isEDEnabled() {
		if p == src.edTask {
			src.edTask = nil
			dst.edTask = p
		} else if c.isEDTask(p, wallclock) {
			dst.edTask = p
		}
	}
	return nil
}

// transferGroupTime moves a grouped task's window contributions between
// the group time of two runqueues.
func (c *Core) transferGroupTime(src, dst *RQ, p *Task, newTask bool) {
	s, d := &src.grpTime, &dst.grpTime
	if p.currWindow != 0 {
		c.subClamp(src, "grp_curr_runnable_sum", &s.currRunnableSum, p.currWindow)
		d.currRunnableSum += p.currWindow
		if newTask {
			c.subClamp(src, "grp_nt_curr_runnable_sum", &s.ntCurrRunnableSum, p.currWindow)
			d.ntCurrRunnableSum += p.currWindow
		}
	}
	if p.prevWindow != 0 {
		c.subClamp(src, "grp_prev_runnable_sum", &s.prevRunnableSum, p.prevWindow)
		d.prevRunnableSum += p.prevWindow
		if newTask {
			c.subClamp(src, "grp_nt_prev_runnable_sum", &s.ntPrevRunnableSum, p.prevWindow)
			d.ntPrevRunnableSum += p.prevWindow
		}
	}
}

func (c *Core) isEDEnabled() bool {
	return c.rotationEnabled.Load() || c.boost.Policy() != boost.PolicyNone
}

func (c *Core) isEDTask(p *Task, wallclock uint64) bool {
	return wallclock-p.lastWakeTS >= EarlyDetectionDuration
}

// isEDTaskPresent looks for a queued task that has waited past the early
// detection threshold, checking at most a handful of tasks.
func (c *Core) isEDTaskPresent(rq *RQ, wallclock uint64, deq *Task) bool {
	rq.edTask = nil
	if !c.isEDEnabled() || rq.cfsNrRunning == 0 {
		return false
	}
	loopMax := edLoopMax
	for _, p := range rq.queued {
		if loopMax == 0 {
			break
		}
		if p == deq {
			continue
		}
		if c.isEDTask(p, wallclock) {
			rq.edTask = p
			return true
		}
		loopMax--
	}
	return false
}
