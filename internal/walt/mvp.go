package walt

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Preempt is the MVP verdict on a wakeup preemption.
type Preempt int

const (
	// PreemptDefer leaves the decision to the fair scheduler.
	PreemptDefer Preempt = iota
	PreemptYes
	PreemptNo
)

func (d Preempt) String() string {
	switch d {
	case PreemptYes:
		return "preempt"
	case PreemptNo:
		return "no_preempt"
	}
	return "defer"
}

// mvpTaskPrio is the MVP class p qualifies for. A strict-max boost beats
// the binder flag, which beats group, procfs and pipeline latency.
func (c *Core) mvpTaskPrio(p *Task) int {
	if c.perTaskBoost(p) == TaskBoostStrictMax {
		return TaskBoostMVP
	}
	if c.binderLowLatencyTask(p) {
		return BinderMVP
	}
	if c.taskRTGHighPrio(p) || c.procfsLowLatencyTask(p) || pipelineLowLatencyTask(p) {
		return RTGMVP
	}
	return NotMVP
}

// mvpTaskLimit is the runtime budget of an MVP. Binder MVPs get a single
// slice.
func mvpTaskLimit(p *Task) uint64 {
	if p.mvpPrio == BinderMVP {
		return MVPSlice
	}
	return MVPLimit
}

// insertMVP queues p behind every MVP of stronger class. A task put at
// the front also goes ahead of its own class; otherwise it queues
// behind it.
func insertMVP(rq *RQ, p *Task, atFront bool) {
	pos := len(rq.mvpTasks)
	for i, q := range rq.mvpTasks {
		if (atFront && p.mvpPrio >= q.mvpPrio) || (!atFront && p.mvpPrio > q.mvpPrio) {
			pos = i
			break
		}
	}
	rq.mvpTasks = append(rq.mvpTasks, nil)
	copy(rq.mvpTasks[pos+1:], rq.mvpTasks[pos:])
	rq.mvpTasks[pos] = p
	p.mvpQueued = true
}

func removeMVP(rq *RQ, p *Task) bool {
	for i, q := range rq.mvpTasks {
		if q == p {
			rq.mvpTasks = append(rq.mvpTasks[:i], rq.mvpTasks[i+1:]...)
			p.mvpQueued = false
			return true
		}
	}
	return false
}

func (c *Core) deactivateMVP(rq *RQ, p *Task) {
	if !removeMVP(rq, p) {
		c.bug(KindMVPList, rq, p, "mvp task not on the list of cpu %d", rq.CPU)
	}
	p.mvpPrio = NotMVP
}

// accountMVPRuntime charges the running MVP for the time since its last
// snapshot once a full slice has passed. An MVP over its budget loses
// the status; otherwise it goes behind its peers.
func (c *Core) accountMVPRuntime(rq *RQ, curr *Task) {
	var delta uint64
	if curr.SumExecRuntime > curr.sumExecSnap {
		delta = curr.SumExecRuntime - curr.sumExecSnap
	}
	if delta < MVPSlice {
		return
	}

	curr.sumExecSnap += delta
	curr.totalExec += delta

	limit := mvpTaskLimit(curr)
	if curr.totalExec > limit {
		c.deactivateMVP(rq, curr)
		c.logger.WithFields(logrus.Fields{
			"cpu":        rq.CPU,
			"task":       curr.String(),
			"total_exec": curr.totalExec,
			"limit":      limit,
		}).Debug("MVP budget exhausted")
		return
	}

	if len(rq.mvpTasks) == 1 {
		return
	}
	removeMVP(rq, curr)
	insertMVP(rq, curr, false)
}

// mvpEnqueue puts p on the MVP list when it qualifies. A task demoted for
// running over budget stays demoted until it sleeps.
func (c *Core) mvpEnqueue(rq *RQ, p *Task) {
	prio := c.mvpTaskPrio(p)
	if prio == NotMVP {
		return
	}
	if p.mvpQueued {
		c.bug(KindDoubleEnqueue, rq, p, "mvp task queued twice on cpu %d", rq.CPU)
		return
	}
	if p.totalExec > mvpTaskLimit(p) {
		return
	}
	p.mvpPrio = prio
	insertMVP(rq, p, rq.Curr == p)
	if p.totalExec == 0 {
		p.sumExecSnap = p.SumExecRuntime
	}
}

func (c *Core) mvpDequeue(rq *RQ, p *Task) {
	if p.mvpQueued {
		c.deactivateMVP(rq, p)
	}
	if p.State != TaskRunning {
		p.totalExec = 0
	}
}

// mvpTick accounts the running MVP and reports whether the CPU should
// reschedule to let the new list head or a fair task run.
func (c *Core) mvpTick(rq *RQ) bool {
	curr := rq.Curr
	if curr == nil || !curr.mvpQueued {
		return false
	}
	c.accountMVPRuntime(rq, curr)
	return (len(rq.mvpTasks) == 0 || rq.mvpTasks[0] != curr) && rq.cfsNrRunning > 1
}

// CheckPreemptWakeup decides whether waking task p preempts the task
// running on cpu. A waking MVP always preempts a non-MVP. A running MVP
// keeps the CPU while it stays at the head of the list.
func (c *Core) CheckPreemptWakeup(cpu int, p *Task) (Preempt, error) {
	if cpu < 0 || cpu >= c.NrCPUs() {
		return PreemptDefer, fmt.Errorf("cpu %d: %w", cpu, ErrInvalid)
	}
	rq := c.rqs[cpu]
	rq.Lock()
	decision := PreemptDefer
	curr := rq.Curr
	switch {
	case curr == nil || !curr.mvpQueued:
		if p.mvpQueued {
			decision = PreemptYes
		}
	default:
		c.accountMVPRuntime(rq, curr)
		if len(rq.mvpTasks) == 0 || rq.mvpTasks[0] != curr {
			decision = PreemptYes
		} else {
			decision = PreemptNo
		}
	}
	rq.publish()
	rq.Unlock()

	if decision != PreemptDefer {
		c.logger.WithFields(logrus.Fields{
			"cpu":      cpu,
			"task":     p.String(),
			"mvp_prio": p.mvpPrio,
			"decision": decision.String(),
		}).Trace("MVP wakeup preemption")
	}
	return decision, c.finishHook()
}

// ReplaceNextTask returns the task that must run next on cpu ahead of
// the fair pick, or nil when the MVP list is empty.
func (c *Core) ReplaceNextTask(cpu int) *Task {
	rq := c.rqs[cpu]
	rq.Lock()
	defer rq.Unlock()
	if len(rq.mvpTasks) == 0 {
		return nil
	}
	next := rq.mvpTasks[0]
	if next.CPU != cpu || !next.OnRQ {
		c.bug(KindMVPList, rq, next, "mvp head %s not runnable on cpu %d", next, cpu)
	}
	return next
}

// DoSchedYield drops the MVP status of a task that yields the CPU.
func (c *Core) DoSchedYield(cpu int) error {
	rq := c.rqs[cpu]
	rq.Lock()
	if curr := rq.Curr; curr != nil && curr.mvpQueued {
		c.deactivateMVP(rq, curr)
	}
	rq.publish()
	rq.Unlock()
	return c.finishHook()
}

// BinderTransaction carries the boost a binder reply temporarily
// overrides.
type BinderTransaction struct {
	NeedReply  bool
	savedBoost int32
	inherited  bool
}

// BinderWakeup marks task binder low latency when a foreground caller
// with a normal priority, or a task whose group leader is real time,
// wakes it for a transaction.
func (c *Core) BinderWakeup(task, caller *Task) {
	if task == nil || caller == nil || caller.Background {
		return
	}
	leaderPrio := task.Prio
	if leader := c.tasks.get(task.TGID); leader != nil {
		leaderPrio = leader.Prio
	}
	if caller.Prio < DefaultPrio || leaderPrio < MaxRTPrio {
		setLowLatency(task, LowLatencyBinder)
	}
}

// BinderTransactionReceived clears the binder flag of the task that took
// the transaction.
func (c *Core) BinderTransactionReceived(task *Task) {
	clearLowLatency(task, LowLatencyBinder)
}

// BinderSetPriority hands a strict-max boost of the caller to the task
// serving its transaction until the reply.
func (c *Core) BinderSetPriority(txn *BinderTransaction, task, caller *Task) {
	if txn == nil || !txn.NeedReply || caller.boost.Load() != TaskBoostStrictMax {
		return
	}
	txn.savedBoost = task.boost.Load()
	txn.inherited = true
	task.boost.Store(TaskBoostStrictMax)
}

// BinderRestorePriority puts back the boost the transaction replaced.
func (c *Core) BinderRestorePriority(txn *BinderTransaction, task *Task) {
	if txn == nil || !txn.inherited || task.boost.Load() != TaskBoostStrictMax {
		return
	}
	task.boost.Store(txn.savedBoost)
	txn.inherited = false
}

func setLowLatency(p *Task, flag uint8) {
	for {
		old := p.lowLatency.Load()
		if p.lowLatency.CompareAndSwap(old, old|uint32(flag)) {
			return
		}
	}
}

func clearLowLatency(p *Task, flag uint8) {
	for {
		old := p.lowLatency.Load()
		if old&uint32(flag) == 0 || p.lowLatency.CompareAndSwap(old, old&^uint32(flag)) {
			return
		}
	}
}
