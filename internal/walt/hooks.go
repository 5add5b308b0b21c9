package walt

import (
	"fmt"

	"walt-sched/internal/cpumask"

	"github.com/sirupsen/logrus"
)

// Hooks is the surface a host scheduler drives. Each call takes the
// locks it needs and returns the fatal accounting error it ran into,
// if any.
type Hooks interface {
	WakeUpNewTask(p, parent *Task) error
	NewTaskStats(p *Task) error
	FlushTask(p *Task) error
	CPUStarting(cpu int) error
	CPUDying(cpu int) error
	Enqueue(cpu int, p *Task) error
	Dequeue(cpu int, p *Task) error
	SetTaskCPU(p *Task, newCPU int) error
	SetAffinity(p *Task, mask cpumask.Mask) error
	AccountIRQ(cpu int, delta uint64, irqExit bool) error
	TryToWakeUp(p *Task) error
	WakeUpSuccess(p *Task) error
	Tick(cpu int) error
	Schedule(cpu int, prev, next *Task) error
	SelectTaskRQ(p *Task, prevCPU, wakerCPU int, sync bool, siblingCountHint int) int
	CheckPreemptWakeup(cpu int, p *Task) (Preempt, error)
	ReplaceNextTask(cpu int) *Task
	DoSchedYield(cpu int) error
	UpdateCPUCapacity(cpu int, capacity, thermalPressure uint64) (uint64, error)
	FrequencyLimits(cpu int, maxKHz uint64) error
	CgroupAttach(name string, tasks ...*Task) error
}

var _ Hooks = (*Core)(nil)

// endHook finishes a hook whose locked part stopped at err. A fatal
// error recorded on the way wins over err.
func (c *Core) endHook(err error) error {
	if fatal := c.finishHook(); fatal != nil {
		return fatal
	}
	return err
}

func (c *Core) checkCPU(cpu int) error {
	if cpu < 0 || cpu >= c.NrCPUs() {
		return fmt.Errorf("cpu %d: %w", cpu, ErrInvalid)
	}
	return nil
}

// WakeUpNewTask resets the load of a forked task and puts it in the
// default group when its cgroup colocates. parent may be nil.
func (c *Core) WakeUpNewTask(p, parent *Task) error {
	p.piMu.Lock()
	c.initNewTaskLoad(p, parent)
	p.piMu.Unlock()
	c.addNewTaskToGroup(p)
	return c.finishHook()
}

// NewTaskStats stamps a new task when it is first queued.
func (c *Core) NewTaskStats(p *Task) error {
	rq := c.lockTaskRQ(p)
	c.markTaskStarting(p, rq, c.now())
	rq.Unlock()
	return c.finishHook()
}

// FlushTask drops an exited task from its group and from the task table.
func (c *Core) FlushTask(p *Task) error {
	err := c.setGroupID(p, 0)
	c.tasks.remove(p.PID)
	c.logger.WithField("task", p.String()).Debug("Task flushed")
	return c.endHook(err)
}

// CPUStarting brings a CPU online and starts its window.
func (c *Core) CPUStarting(cpu int) error {
	if err := c.checkCPU(cpu); err != nil {
		return err
	}
	rq := c.rqs[cpu]
	rq.Lock()
	c.setWindowStart(rq)
	rq.online = true
	rq.active = true
	rq.reserved = false
	ws := rq.windowStart
	rq.publish()
	rq.Unlock()

	c.logger.WithFields(logrus.Fields{
		"cpu":          cpu,
		"window_start": ws,
	}).Debug("CPU starting")
	return c.finishHook()
}

// CPUDying takes a CPU offline. Its window state is kept for when it
// comes back.
func (c *Core) CPUDying(cpu int) error {
	if err := c.checkCPU(cpu); err != nil {
		return err
	}
	rq := c.rqs[cpu]
	rq.Lock()
	rq.reserved = false
	rq.online = false
	rq.active = false
	rq.publish()
	rq.Unlock()

	c.logger.WithField("cpu", cpu).Debug("CPU dying")
	return c.finishHook()
}

// Enqueue accounts p becoming runnable on cpu.
func (c *Core) Enqueue(cpu int, p *Task) error {
	if err := c.checkCPU(cpu); err != nil {
		return err
	}
	rq := c.rqs[cpu]
	rq.Lock()
	c.enqueueLocked(rq, p, c.now())
	rq.publish()
	rq.Unlock()
	return c.finishHook()
}

func (c *Core) enqueueLocked(rq *RQ, p *Task, wallclock uint64) {
	if p.CPU != rq.CPU {
		c.bug(KindWrongRQ, rq, p, "enqueuing on rq %d when task->cpu is %d", rq.CPU, p.CPU)
	}

	double := p.prevOnRQ == 1
	if double {
		c.bug(KindDoubleEnqueue, rq, p, "double enqueue detected: task_cpu=%d new_cpu=%d", p.CPU, rq.CPU)
	}
	p.prevOnRQ = 1
	p.prevOnRQCPU = rq.CPU
	p.lastEnqueuedTS = wallclock

	if !double {
		rq.nrRunning++
		if p.fair() {
			rq.queued = append(rq.queued, p)
			rq.cfsNrRunning++
		}
	}
	c.updateNrProd(rq, wallclock, false)

	if p.fair() {
		p.misfit = !c.taskFitsMax(p, rq.CPU)
		if !double {
			c.incRQWaltStats(rq, p)
		}
		c.mvpEnqueue(rq, p)
	}
	if !double {
		c.incCumulativeRunnableAvg(rq, p)
	}
}

// Dequeue accounts p leaving the runqueue of cpu, to sleep or to move.
// The host sets p.State before the call and keeps p.OnRQ set while the
// task migrates.
func (c *Core) Dequeue(cpu int, p *Task) error {
	if err := c.checkCPU(cpu); err != nil {
		return err
	}
	rq := c.rqs[cpu]
	rq.Lock()
	c.dequeueLocked(rq, p, c.now())
	rq.publish()
	rq.Unlock()
	return c.finishHook()
}

func (c *Core) dequeueLocked(rq *RQ, p *Task, wallclock uint64) {
	if p.prevOnRQCPU >= 0 && p.prevOnRQCPU != rq.CPU {
		c.bug(KindWrongRQ, rq, p, "dequeue cpu %d not same as enqueue %d", rq.CPU, p.prevOnRQCPU)
	}
	p.prevOnRQCPU = -1

	double := p.prevOnRQ == 2
	if double {
		c.bug(KindDoubleDequeue, rq, p, "double dequeue detected: task_cpu=%d new_cpu=%d", p.CPU, rq.CPU)
	}
	p.prevOnRQ = 2

	if !double {
		rq.nrRunning = max(rq.nrRunning-1, 0)
		if rq.removeQueued(p) {
			rq.cfsNrRunning--
		}
	}
	if p == rq.edTask {
		c.isEDTaskPresent(rq, wallclock, p)
	}
	c.updateNrProd(rq, wallclock, true)

	if p.fair() {
		if !double {
			c.decRQWaltStats(rq, p)
		}
		c.mvpDequeue(rq, p)
	}
	if !double {
		c.decCumulativeRunnableAvg(rq, p)
	}
}

// SetTaskCPU moves p to newCPU, carrying its busy time along. p.CPU only
// changes here, under the task's pi lock, so reading it with that lock
// held picks the right source runqueue.
func (c *Core) SetTaskCPU(p *Task, newCPU int) error {
	if err := c.checkCPU(newCPU); err != nil {
		return err
	}
	p.piMu.Lock()
	src := c.rqs[p.CPU]
	dst := c.rqs[newCPU]
	doubleLock(src, dst)
	var err error
	if src != dst {
		err = c.fixupBusyTime(p, newCPU, c.now())
	}
	p.CPU = newCPU
	src.publish()
	dst.publish()
	doubleUnlock(src, dst)
	p.piMu.Unlock()
	return c.endHook(err)
}

// SetAffinity changes the CPUs p may run on.
func (c *Core) SetAffinity(p *Task, mask cpumask.Mask) error {
	mask = mask.And(c.allCPUs())
	if mask.Empty() {
		return fmt.Errorf("affinity of %s: %w", p, ErrInvalid)
	}
	rq := c.lockTaskRQ(p)
	p.Affinity = mask
	rq.Unlock()
	return nil
}

// AccountIRQ records delta ns of interrupt time on cpu. irqExit is set
// when the interrupt is ending; at its start only the cycle snapshot of
// an idle CPU is taken.
func (c *Core) AccountIRQ(cpu int, delta uint64, irqExit bool) error {
	if err := c.checkCPU(cpu); err != nil {
		return err
	}
	rq := c.rqs[cpu]
	rq.Lock()
	var err error
	if irqExit {
		rq.irqTime += delta
	}
	if curr := rq.Curr; curr != nil && curr.IsIdle {
		wallclock := c.now()
		if irqExit {
			err = c.updateTaskRavg(curr, rq, IRQUpdate, wallclock, delta)
		} else if rq.windowStart != 0 {
			c.updateTaskCPUCycles(curr, rq, wallclock)
		}
	}
	rq.lastIRQWindow = rq.windowStart
	rq.publish()
	rq.Unlock()
	return c.endHook(err)
}

// TryToWakeUp accounts the wakeup of p on the CPU it last ran on and
// refreshes its group's preferred cluster when its load moved enough.
func (c *Core) TryToWakeUp(p *Task) error {
	p.piMu.Lock()
	defer p.piMu.Unlock()

	rq := c.lockTaskRQ(p)
	wallclock := c.now()
	oldLoad := p.demand
	err := c.updateTaskRavg(rq.Curr, rq, TaskUpdate, wallclock, 0)
	if err == nil {
		err = c.updateTaskRavg(p, rq, TaskWake, wallclock, 0)
	}
	p.lastWakeTS = wallclock
	rq.publish()
	rq.Unlock()

	if g := p.grp.Load(); c.updatePreferredCluster(g, p, oldLoad, false) {
		c.setPreferredCluster(g)
	}
	return c.endHook(err)
}

// WakeUpSuccess runs once p is queued: a jump in predicted load asks the
// governor for an immediate update.
func (c *Core) WakeUpSuccess(p *Task) error {
	rq := c.lockTaskRQ(p)
	if c.doPLNotif(rq) {
		c.govCallback(rq, c.now(), GovPL)
	}
	rq.Unlock()
	return c.finishHook()
}

// Tick is the periodic scheduler tick of cpu.
func (c *Core) Tick(cpu int) error {
	if err := c.checkCPU(cpu); err != nil {
		return err
	}
	rq := c.rqs[cpu]
	rq.Lock()
	c.setWindowStart(rq)
	wallclock := c.now()
	err := c.updateTaskRavg(rq.Curr, rq, TaskUpdate, wallclock, 0)
	if c.isEDTaskPresent(rq, wallclock, nil) {
		c.govCallback(rq, wallclock, GovEarlyDet)
	}

	curr := rq.Curr
	oldLoad := curr.demand
	c.updateMisfitStatus(rq, curr, wallclock)
	resched := c.mvpTick(rq)
	rq.publish()
	rq.Unlock()

	if g := curr.grp.Load(); c.updatePreferredCluster(g, curr, oldLoad, true) {
		c.setPreferredCluster(g)
	}
	if resched && c.host != nil {
		c.host.Resched(cpu)
	}
	return c.endHook(err)
}

// Schedule accounts a context switch on cpu. prev == next is a
// reschedule that kept the same task.
func (c *Core) Schedule(cpu int, prev, next *Task) error {
	if err := c.checkCPU(cpu); err != nil {
		return err
	}
	if next == nil {
		next = c.rqs[cpu].Idle
	}
	rq := c.rqs[cpu]
	rq.Lock()
	wallclock := c.now()
	err := c.scheduleLocked(rq, prev, next, wallclock)
	rq.Curr = next
	rq.publish()
	rq.Unlock()
	return c.endHook(err)
}

func (c *Core) scheduleLocked(rq *RQ, prev, next *Task, wallclock uint64) error {
	if prev == nil {
		prev = rq.Curr
	}
	if prev == next {
		return c.updateTaskRavg(prev, rq, TaskUpdate, wallclock, 0)
	}

	if !prev.OnRQ {
		prev.lastSleepTS = wallclock
	}
	// rq.Curr stays prev through both updates; Schedule switches it
	// afterwards.
	if err := c.updateTaskRavg(prev, rq, PutPrevTask, wallclock, 0); err != nil {
		return err
	}
	if err := c.updateTaskRavg(next, rq, PickNextTask, wallclock, 0); err != nil {
		return err
	}
	if next.IsIdle && rq.stats.cra != 0 {
		c.bug(KindIdleLoad, rq, next, "next=idle cra non zero=%d", rq.stats.cra)
	}
	return nil
}
