package walt

// rolloverTaskWindow moves the task's current window into the previous
// one. After a full window without activity both end up empty.
func (c *Core) rolloverTaskWindow(p *Task, rq *RQ, fullWindow bool) {
	var curr uint64
	if !fullWindow {
		curr = p.currWindow
	}
	p.prevWindow = curr
	p.currWindow = 0

	for i := range p.currWindowCPU {
		if fullWindow {
			p.prevWindowCPU[i] = 0
		} else {
			p.prevWindowCPU[i] = p.currWindowCPU[i]
		}
		p.currWindowCPU[i] = 0
	}

	if p.isNew() {
		p.activeTime += rq.prevWindowSize
	}
}

func (c *Core) rolloverCPUWindow(rq *RQ, fullWindow bool) {
	curr, ntCurr := rq.currRunnableSum, rq.ntCurrRunnable
	grpCurr, grpNTCurr := rq.grpTime.currRunnableSum, rq.grpTime.ntCurrRunnableSum
	if fullWindow {
		curr, ntCurr, grpCurr, grpNTCurr = 0, 0, 0, 0
	}

	rq.prevRunnableSum = curr
	rq.ntPrevRunnable = ntCurr
	rq.grpTime.prevRunnableSum = grpCurr
	rq.grpTime.ntPrevRunnableSum = grpNTCurr

	rq.currRunnableSum = 0
	rq.ntCurrRunnable = 0
	rq.grpTime.currRunnableSum = 0
	rq.grpTime.ntCurrRunnableSum = 0
}

func (c *Core) cpuWaitingOnIO(rq *RQ) bool {
	return c.tun().IOIsBusy && rq.NrIOWait > 0
}

// accountBusyForCPUTime reports whether the interval ending with event
// counts as CPU busy time.
func (c *Core) accountBusyForCPUTime(rq *RQ, p *Task, irqtime uint64, event Event) bool {
	if p.IsIdle {
		if event == PickNextTask {
			return false
		}
		return irqtime != 0 || c.cpuWaitingOnIO(rq)
	}
	switch event {
	case TaskWake:
		return false
	case PutPrevTask, IRQUpdate:
		return true
	case TaskUpdate:
		if rq.Curr == p {
			return true
		}
		return p.OnRQ && freqAccountWaitTime
	}
	return freqAccountWaitTime
}

// busySums points at the counters an update lands in: the runqueue's own
// or, for grouped tasks, the runqueue's group time.
type busySums struct {
	curr, prev, ntCurr, ntPrev *uint64
}

func (rq *RQ) sumsFor(p *Task) busySums {
	if p.grp.Load() != nil {
		g := &rq.grpTime
		return busySums{&g.currRunnableSum, &g.prevRunnableSum, &g.ntCurrRunnableSum, &g.ntPrevRunnableSum}
	}
	return busySums{&rq.currRunnableSum, &rq.prevRunnableSum, &rq.ntCurrRunnable, &rq.ntPrevRunnable}
}

// updateCPUBusyTime accounts [mark_start, wallclock) to the CPU's busy
// counters and the task's window contributions. Only the current task
// rolls the CPU window over; for any other task the interval is split
// across the window boundary directly.
func (c *Core) updateCPUBusyTime(p *Task, rq *RQ, event Event, wallclock, irqtime uint64) {
	isCurr := p == rq.Curr
	markStart := p.markStart
	windowStart := rq.windowStart
	windowSize := rq.prevWindowSize
	cpu := rq.CPU
	oldCurrWindow := p.currWindow

	newWindow := markStart < windowStart
	fullWindow := newWindow && windowStart-markStart >= windowSize

	if !p.IsIdle && newWindow {
		c.rolloverTaskWindow(p, rq, fullWindow)
	}
	newTask := p.isNew()

	if isCurr && newWindow {
		c.rolloverCPUWindow(rq, fullWindow)
		c.rolloverTopTasks(rq, fullWindow)
	}

	if !c.accountBusyForCPUTime(rq, p, irqtime, event) {
		c.updateTopTasksIfTask(p, rq, oldCurrWindow, newWindow, fullWindow)
		return
	}

	s := rq.sumsFor(p)
	add := func(curr bool, delta uint64) {
		if curr {
			*s.curr += delta
			if newTask {
				*s.ntCurr += delta
			}
			return
		}
		*s.prev += delta
		if newTask {
			*s.ntPrev += delta
		}
	}
	irqOnly := irqtime != 0 && p.IsIdle && !c.cpuWaitingOnIO(rq)

	switch {
	case !newWindow:
		delta := wallclock - markStart
		if irqOnly {
			delta = irqtime
		}
		delta = c.scaleExecTime(delta, rq)
		add(true, delta)
		if !p.IsIdle {
			p.currWindow += delta
			p.currWindowCPU[cpu] += delta
		}

	case !isCurr || !irqOnly:
		var delta uint64
		if !fullWindow {
			delta = c.scaleExecTime(windowStart-markStart, rq)
			if !p.IsIdle {
				p.prevWindow += delta
				p.prevWindowCPU[cpu] += delta
			}
		} else {
			delta = c.scaleExecTime(windowSize, rq)
			if !p.IsIdle {
				p.prevWindow = delta
				p.prevWindowCPU[cpu] = delta
			}
		}
		add(false, delta)

		delta = c.scaleExecTime(wallclock-windowStart, rq)
		add(true, delta)
		if !p.IsIdle {
			p.currWindow = delta
			p.currWindowCPU[cpu] = delta
		}

	default:
		// Irq time on the idle task after a rollover: the busy period
		// started irqtime before wallclock.
		markStart = wallclock - irqtime
		if markStart > windowStart {
			*s.curr = c.scaleExecTime(irqtime, rq)
			return
		}
		delta := min(windowStart-markStart, windowSize)
		*s.prev += c.scaleExecTime(delta, rq)
		rq.currRunnableSum = c.scaleExecTime(wallclock-windowStart, rq)
		return
	}

	c.updateTopTasksIfTask(p, rq, oldCurrWindow, newWindow, fullWindow)
}

func (c *Core) updateTopTasksIfTask(p *Task, rq *RQ, oldCurrWindow uint64, newWindow, fullWindow bool) {
	if !p.IsIdle {
		c.updateTopTasks(p, rq, oldCurrWindow, newWindow, fullWindow)
	}
}
