package walt

import (
	"github.com/sirupsen/logrus"
)

// taskDump snapshots the load tracking state of p. The lock of p's
// runqueue is held.
func (c *Core) taskDump(p *Task) logrus.Fields {
	f := logrus.Fields{
		"pid":              p.PID,
		"comm":             p.Comm,
		"cpu":              p.CPU,
		"prio":             p.Prio,
		"state":            p.State.String(),
		"on_rq":            p.OnRQ,
		"in_iowait":        p.InIOWait,
		"mark_start":       p.markStart,
		"last_wake_ts":     p.lastWakeTS,
		"last_enqueued_ts": p.lastEnqueuedTS,
		"last_sleep_ts":    p.lastSleepTS,
		"sum":              p.sum,
		"demand":           p.demand,
		"demand_scaled":    p.demandScaled,
		"coloc_demand":     p.colocDemand,
		"pred_demand":      p.predDemand,
		"history":          p.sumHistory,
		"buckets":          p.busyBuckets,
		"curr_window":      p.currWindow,
		"prev_window":      p.prevWindow,
		"active_time":      p.activeTime,
		"prev_on_rq":       p.prevOnRQ,
		"prev_on_rq_cpu":   p.prevOnRQCPU,
		"misfit":           p.misfit,
		"unfilter":         p.unfilter,
		"mvp_prio":         p.mvpPrio,
		"total_exec":       p.totalExec,
		"boost":            p.boost.Load(),
		"low_latency":      p.lowLatency.Load(),
		"group":            c.GroupID(p),
	}
	var curr, prev []uint64
	for cpu := range p.currWindowCPU {
		curr = append(curr, p.currWindowCPU[cpu])
		prev = append(prev, p.prevWindowCPU[cpu])
	}
	f["curr_window_cpu"] = curr
	f["prev_window_cpu"] = prev
	return f
}

// rqDump snapshots the runqueue counters. The rq lock is held.
func (c *Core) rqDump(rq *RQ) logrus.Fields {
	f := logrus.Fields{
		"cpu":                      rq.CPU,
		"cluster":                  rq.cluster.ID,
		"window_start":             rq.windowStart,
		"prev_window_size":         rq.prevWindowSize,
		"curr_runnable_sum":        rq.currRunnableSum,
		"prev_runnable_sum":        rq.prevRunnableSum,
		"nt_curr_runnable_sum":     rq.ntCurrRunnable,
		"nt_prev_runnable_sum":     rq.ntPrevRunnable,
		"grp_curr_runnable_sum":    rq.grpTime.currRunnableSum,
		"grp_prev_runnable_sum":    rq.grpTime.prevRunnableSum,
		"cumulative_runnable_avg":  rq.stats.cra,
		"pred_demands_sum":         rq.stats.predSum,
		"nr_big_tasks":             rq.stats.nrBigTasks,
		"nr_rtg_high_prio":         rq.stats.nrRTGHighPrio,
		"nr_running":               rq.nrRunning,
		"cfs_nr_running":           rq.cfsNrRunning,
		"task_exec_scale":          rq.taskExecScale,
		"avg_irqload":              rq.avgIRQLoad,
		"high_irqload":             rq.highIRQLoad,
		"capacity_orig":            rq.capOrig,
		"capacity":                 rq.capacity,
		"online":                   rq.online,
		"mvp_tasks":                len(rq.mvpTasks),
		"curr_top":                 rq.currTop,
		"prev_top":                 rq.prevTop,
		"load_subs_window_start_0": rq.loadSubs[0].windowStart,
		"load_subs_window_start_1": rq.loadSubs[1].windowStart,
	}
	if rq.Curr != nil {
		f["curr"] = rq.Curr.String()
	}
	if rq.edTask != nil {
		f["ed_task"] = rq.edTask.String()
	}
	return f
}

// TaskDump returns the load tracking state of p as log fields.
func (c *Core) TaskDump(p *Task) logrus.Fields {
	rq := c.lockTaskRQ(p)
	defer rq.Unlock()
	return c.taskDump(p)
}

// RQDump returns the counters of cpu's runqueue as log fields.
func (c *Core) RQDump(cpu int) logrus.Fields {
	rq := c.rqs[cpu]
	rq.Lock()
	defer rq.Unlock()
	return c.rqDump(rq)
}
