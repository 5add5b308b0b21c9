package walt

import "walt-sched/internal/config"

func (p *Task) queued() bool { return p.prevOnRQ == 1 }

// accountBusyForTaskDemand reports whether the interval ending with
// event counts towards the task's demand.
func (c *Core) accountBusyForTaskDemand(rq *RQ, p *Task, event Event) bool {
	if p.IsIdle {
		return false
	}
	// Waking completes a sleep. Picking or migrating completes a wait,
	// which is not busy time.
	if event == TaskWake || (!accountWaitTime && (event == PickNextTask || event == TaskMigrate)) {
		return false
	}
	// Idle exit time is not charged to the first task picked.
	if event == PickNextTask && rq.idle() {
		return false
	}
	if event == TaskUpdate {
		if rq.Curr == p {
			return true
		}
		return p.OnRQ && accountWaitTime
	}
	return true
}

func (c *Core) scaleExecTime(delta uint64, rq *RQ) uint64 {
	return (delta * rq.taskExecScale) >> capacityShift
}

// addToTaskDemand charges delta, scaled to the CPU's execution rate, to
// the task's current window sum. The sum never exceeds a window.
func (c *Core) addToTaskDemand(rq *RQ, p *Task, delta uint64) uint64 {
	delta = c.scaleExecTime(delta, rq)
	p.sum += delta
	if size := c.WindowSize(); p.sum > size {
		p.sum = size
	}
	return delta
}

// updateTaskDemand accounts the interval [mark_start, wallclock) to the
// task's demand. Whole windows skipped in between are pushed into the
// history in one step. mark_start is left alone for updateCPUBusyTime.
func (c *Core) updateTaskDemand(p *Task, rq *RQ, event Event, wallclock uint64) uint64 {
	markStart := p.markStart
	windowStart := rq.windowStart
	size := c.WindowSize()
	newWindow := markStart < windowStart

	if !c.accountBusyForTaskDemand(rq, p, event) {
		// Only the window the task was last seen in needs closing;
		// empty windows are dropped.
		if newWindow {
			c.updateHistory(rq, p, p.sum, 1, event)
		}
		return 0
	}

	if !newWindow {
		return c.addToTaskDemand(rq, p, wallclock-markStart)
	}

	nrFull := (windowStart - markStart) / size
	windowStart -= nrFull * size

	runtime := c.addToTaskDemand(rq, p, windowStart-markStart)
	c.updateHistory(rq, p, p.sum, 1, event)
	if nrFull > 0 {
		scaledWindow := c.scaleExecTime(size, rq)
		c.updateHistory(rq, p, scaledWindow, int(nrFull), event)
		runtime += nrFull * scaledWindow
	}

	windowStart += nrFull * size
	runtime += c.addToTaskDemand(rq, p, wallclock-windowStart)
	return runtime
}

// updateHistory pushes samples copies of runtime into the demand history
// and recomputes demand and predicted demand under the window stats
// policy.
func (c *Core) updateHistory(rq *RQ, p *Task, runtime uint64, samples int, event Event) {
	if runtime == 0 || p.IsIdle || samples == 0 {
		return
	}
	tun := c.tun()
	hist := &p.sumHistory

	var sum, maxv uint64
	widx := HistSize - 1
	for ridx := widx - samples; ridx >= 0; widx, ridx = widx-1, ridx-1 {
		hist[widx] = hist[ridx]
		sum += hist[widx]
		maxv = max(maxv, hist[widx])
	}
	for widx = 0; widx < samples && widx < HistSize; widx++ {
		hist[widx] = runtime
		sum += hist[widx]
		maxv = max(maxv, hist[widx])
	}
	p.sum = 0

	var demand uint64
	switch tun.WindowStatsPolicy {
	case config.WindowStatsRecent:
		demand = runtime
	case config.WindowStatsMax:
		demand = maxv
	case config.WindowStatsAvg:
		demand = sum / HistSize
	default:
		demand = max(sum/HistSize, runtime)
	}

	pred := c.predictAndUpdateBuckets(p, runtime)
	demandScaled := c.scaleDemand(demand)
	predScaled := c.scaleDemand(pred)

	if p.queued() {
		c.fixupWaltSchedStats(rq, p, demandScaled, predScaled)
	}

	p.demand = demand
	p.demandScaled = demandScaled
	p.colocDemand = sum / HistSize
	p.predDemand = pred
	p.predScaled = predScaled

	if demandScaled > uint64(tun.MinTaskUtilForColoc) {
		p.unfilter = uint64(tun.TaskUnfilterPeriod)
	} else if p.unfilter != 0 {
		if p.unfilter > rq.prevWindowSize {
			p.unfilter -= rq.prevWindowSize
		} else {
			p.unfilter = 0
		}
	}
}

// fixupCumulativeRunnableAvg applies demand deltas to the runqueue sums.
// A sum that would go negative is clamped to zero.
func (c *Core) fixupCumulativeRunnableAvg(rq *RQ, p *Task, demandDelta, predDelta int64) {
	if p.CPU != rq.CPU {
		c.bug(KindWrongRQ, rq, p, "task %s not on rq %d", p, rq.CPU)
	}
	rq.stats.cra = c.applyDelta(rq, p, "cumulative_runnable_avg_scaled", rq.stats.cra, demandDelta)
	rq.stats.predSum = c.applyDelta(rq, p, "pred_demands_sum_scaled", rq.stats.predSum, predDelta)
}

func (c *Core) applyDelta(rq *RQ, p *Task, what string, v uint64, delta int64) uint64 {
	if delta >= 0 {
		return v + uint64(delta)
	}
	sub := uint64(-delta)
	if sub > v {
		c.softCorrect(rq, what, v, sub)
		return 0
	}
	return v - sub
}

func (c *Core) fixupWaltSchedStats(rq *RQ, p *Task, demandScaled, predScaled uint64) {
	c.fixupCumulativeRunnableAvg(rq, p,
		int64(demandScaled)-int64(p.demandScaled),
		int64(predScaled)-int64(p.predScaled))
}
