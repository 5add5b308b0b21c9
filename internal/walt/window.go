package walt

// UpdateWindowStart advances the window of rq to the boundary at or
// before wallclock and returns the previous window start. The rq lock
// is held.
func (c *Core) UpdateWindowStart(rq *RQ, wallclock uint64) (uint64, error) {
	old := rq.windowStart
	if wallclock < rq.windowStart {
		return old, c.bug(KindClockBackward, rq, nil,
			"wallclock=%d is lesser than window_start=%d", wallclock, rq.windowStart)
	}
	size := c.WindowSize()
	delta := wallclock - rq.windowStart
	if delta < size {
		return old, nil
	}
	rq.windowStart += (delta / size) * size
	rq.prevWindowSize = size
	return old, nil
}

func (c *Core) readCycleCounter(rq *RQ, wallclock uint64) uint64 {
	if rq.lastCCUpdate != wallclock {
		rq.cycles, _ = c.cycles.Cycles(rq.CPU)
		rq.lastCCUpdate = wallclock
	}
	return rq.cycles
}

func (c *Core) useCycleCounter() bool { return c.cycles != nil }

func (c *Core) updateTaskCPUCycles(p *Task, rq *RQ, wallclock uint64) {
	if c.useCycleCounter() {
		p.cpuCycles = c.readCycleCounter(rq, wallclock)
	}
}

func divRoundUp(n, d uint64) uint64 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}

// updateTaskRQCPUCycles refreshes the execution scale of rq: the ratio
// of the work the CPU did to what it could have done at its highest
// possible frequency, on the 0..1024 scale.
func (c *Core) updateTaskRQCPUCycles(p *Task, rq *RQ, event Event, wallclock, irqtime uint64) error {
	cl := rq.cluster
	if !c.useCycleCounter() {
		rq.taskExecScale = divRoundUp(cl.CurFreq()*cl.Capacity, cl.MaxPossibleFreq())
		return nil
	}

	cur := c.readCycleCounter(rq, wallclock)
	if !rq.idle() || irqtime != 0 {
		var delta uint64
		if cur < p.cpuCycles {
			delta = cur + (^uint64(0) - p.cpuCycles)
		} else {
			delta = cur - p.cpuCycles
		}
		delta *= 1000000

		var timeDelta uint64
		if event == IRQUpdate && p.IsIdle {
			timeDelta = irqtime
		} else {
			if wallclock < p.markStart {
				return c.bug(KindClockBackward, rq, p,
					"wallclock=%d < mark_start=%d event=%s irqtime=%d", wallclock, p.markStart, event, irqtime)
			}
			timeDelta = wallclock - p.markStart
		}
		if timeDelta != 0 {
			rq.taskExecScale = divRoundUp(delta*cl.Capacity, timeDelta*cl.MaxPossibleFreq())
		}
	}
	p.cpuCycles = cur
	return nil
}

// updateTaskRavg folds the time since the task's last mark into its
// demand, the CPU busy time and the prediction. It is the single entry
// point of the accounting pipeline and runs under the rq lock.
func (c *Core) updateTaskRavg(p *Task, rq *RQ, event Event, wallclock, irqtime uint64) error {
	if p == nil || rq.windowStart == 0 || p.markStart == wallclock {
		return nil
	}

	old, err := c.UpdateWindowStart(rq, wallclock)
	if err != nil {
		return err
	}

	if p.markStart == 0 {
		c.updateTaskCPUCycles(p, rq, wallclock)
	} else {
		if err := c.updateTaskRQCPUCycles(p, rq, event, wallclock, irqtime); err != nil {
			return err
		}
		c.updateTaskDemand(p, rq, event, wallclock)
		c.updateCPUBusyTime(p, rq, event, wallclock, irqtime)
		c.updateTaskPredDemand(rq, p, event)
		if event == PutPrevTask && p.State != TaskRunning {
			p.iowaited = p.InIOWait
		}
	}

	p.markStart = wallclock
	p.publish()
	c.runIRQWork(old, rq)
	return nil
}

// runIRQWork queues the rollover work once per window: only the CPU that
// moves the last queued window start forward wins.
func (c *Core) runIRQWork(oldWS uint64, rq *RQ) {
	if oldWS == rq.windowStart {
		return
	}
	if c.lastqWS.CompareAndSwap(oldWS, rq.windowStart) {
		c.irqWorkPending.Store(true)
		c.logger.WithField("window_start", rq.windowStart).Trace("Window rollover")
	}
}

// setWindowStart starts the window of a CPU coming up. The first CPU
// anchors the window at 1; later CPUs copy the window of an online CPU.
// The rq lock is held and is dropped around the sync.
func (c *Core) setWindowStart(rq *RQ) {
	if rq.windowStart != 0 {
		return
	}

	if c.syncCPU.CompareAndSwap(-1, int32(rq.CPU)) {
		rq.windowStart = 1
		c.lastqWS.Store(rq.windowStart)
		c.loadReportedWindow.Store(rq.windowStart)
	} else {
		sync := c.rqs[c.syncCPU.Load()]
		rq.Unlock()
		doubleLock(rq, sync)
		rq.windowStart = sync.windowStart
		rq.currRunnableSum, rq.prevRunnableSum = 0, 0
		rq.ntCurrRunnable, rq.ntPrevRunnable = 0, 0
		sync.Unlock()
		if rq == sync {
			rq.Lock()
		}
	}
	rq.prevWindowSize = c.WindowSize()

	if rq.Curr != nil {
		rq.Curr.markStart = rq.windowStart
	}
}

// initNewTaskLoad resets the load tracking state of a forked task. The
// parent's init_load_pct, when set, overrides the global initial load.
func (c *Core) initNewTaskLoad(p, parent *Task) {
	wp := c.win.Load()
	initLoad := wp.initLoad
	initScaled := wp.initLoadScaled
	if parent != nil && parent.initLoadPct.Load() != 0 {
		initLoad = uint64(parent.initLoadPct.Load()) * wp.size / 100
		initScaled = c.scaleDemand(initLoad)
	}

	p.initLoadPct.Store(0)
	p.grp.Store(nil)
	p.markStart = 0
	p.sum = 0
	p.currWindow = 0
	p.prevWindow = 0
	p.activeTime = 0
	p.prevOnRQ = 0
	p.prevOnRQCPU = -1
	p.busyBuckets = [NumBusyBuckets]uint8{}
	p.cpuCycles = 0
	clear(p.currWindowCPU)
	clear(p.prevWindowCPU)

	p.demand = initLoad
	p.demandScaled = initScaled
	p.colocDemand = initLoad
	p.predDemand = 0
	p.predScaled = 0
	for i := range p.sumHistory {
		p.sumHistory[i] = initLoad
	}
	p.misfit = false
	p.rtgHighPrio = false
	p.unfilter = uint64(c.tun().TaskUnfilterPeriod)

	p.mvpQueued = false
	p.sumExecSnap = 0
	p.totalExec = 0
	p.mvpPrio = NotMVP

	p.wakeUpIdle.Store(false)
	p.boost.Store(0)
	p.boostExpires.Store(0)
	p.boostPeriod.Store(0)
	p.lowLatency.Store(0)
	p.iowaited = false
	p.publish()
}

// markTaskStarting stamps a new task at its first wakeup.
func (c *Core) markTaskStarting(p *Task, rq *RQ, wallclock uint64) {
	p.markStart = wallclock
	p.lastWakeTS = wallclock
	p.lastEnqueuedTS = wallclock
	c.updateTaskCPUCycles(p, rq, wallclock)
	p.publish()
}
