package sim

import (
	"fmt"
	"strconv"

	"walt-sched/internal/boost"
	"walt-sched/internal/config"
	"walt-sched/internal/cpumask"
	"walt-sched/internal/walt"

	"github.com/sirupsen/logrus"
)

func boostType(t int) boost.Type { return boost.Type(t) }

func (s *Simulator) lookup(pid int) (*task, error) {
	t, ok := s.tasks[pid]
	if !ok || t.p == nil || t.exited {
		return nil, fmt.Errorf("pid %d: %w", pid, walt.ErrNotFound)
	}
	return t, nil
}

// apply runs one workload event. Events naming unknown tasks or carrying
// rejected values are logged and skipped.
func (s *Simulator) apply(ev config.EventConfig) error {
	log := s.logger.WithFields(logrus.Fields{"kind": ev.Kind, "pid": ev.PID, "at_ms": ev.AtMs})
	log.Debug("Workload event")

	var err error
	switch ev.Kind {
	case "spawn":
		t, ok := s.tasks[ev.PID]
		if !ok {
			t = &task{iowaitCPU: -1, cfg: config.TaskConfig{
				Name:    fmt.Sprintf("task-%d", ev.PID),
				PID:     ev.PID,
				Prio:    config.DefaultTaskPrio,
				CPU:     ev.Target,
				RunNs:   ev.DurNs,
				SleepNs: uint64(max(ev.Value, 0)),
			}}
			s.tasks[ev.PID] = t
			s.order = append(s.order, ev.PID)
		}
		if t.started {
			err = fmt.Errorf("pid %d already running: %w", ev.PID, walt.ErrInvalid)
			break
		}
		return s.spawn(t)
	case "boost":
		err = s.core.Sysctl().Write("sched_boost", strconv.FormatInt(ev.Value, 10))
	case "sysctl":
		err = s.core.Sysctl().Write(ev.Knob, ev.Arg)
	case "irq":
		if err = s.core.AccountIRQ(ev.Target, 0, false); err == nil {
			err = s.core.AccountIRQ(ev.Target, ev.DurNs, true)
		}
	case "freq_limit":
		err = s.freqLimit(ev.Target, uint64(max(ev.Value, 0)))
	default:
		var t *task
		if t, err = s.lookup(ev.PID); err == nil {
			err = s.applyTask(t, ev)
		}
	}
	if err != nil {
		if fatal := s.hookErr(err); fatal != nil {
			return fatal
		}
		log.WithError(err).Warn("Workload event failed")
	}
	return nil
}

func (s *Simulator) applyTask(t *task, ev config.EventConfig) error {
	p := t.p
	switch ev.Kind {
	case "wake":
		waker := p.CPU
		if w, err := s.lookup(ev.Target); err == nil && ev.Target != 0 {
			waker = w.p.CPU
		}
		if ev.DurNs > 0 {
			t.runLeft, t.infinite = ev.DurNs, false
		}
		return s.wake(t, waker, ev.Value == 1)
	case "sleep":
		if err := s.sleep(t); err != nil {
			return err
		}
		if ev.DurNs > 0 {
			t.wakeAt = s.clock.now + ev.DurNs
		} else {
			t.wakeAt = 0
		}
		return nil
	case "exit":
		return s.exit(t)
	case "run":
		if t.infinite {
			return nil
		}
		t.runLeft += ev.DurNs
		if !p.OnRQ {
			t.wakeAt = 0
			return s.wake(t, p.CPU, false)
		}
		return nil
	case "affinity":
		mask, err := cpumask.Parse(ev.CPUs)
		if err != nil {
			return fmt.Errorf("affinity %q: %w", ev.CPUs, walt.ErrInvalid)
		}
		if err := s.core.SetAffinity(p, mask); err != nil {
			return err
		}
		return s.enforceAffinity(t)
	case "setgroup":
		return s.core.SetGroupID(p, int(ev.Value))
	case "task_boost":
		if err := s.writeTaskKnob("sched_per_task_boost", p.PID, ev.Value); err != nil {
			return err
		}
		if ev.DurNs > 0 {
			return s.writeTaskKnob("sched_per_task_boost_period_ms", p.PID, int64(max(ev.DurNs/nsPerMs, 1)))
		}
		return nil
	case "binder":
		server, err := s.lookup(ev.Target)
		if err != nil {
			return err
		}
		return s.binder(t, server, ev.DurNs)
	case "cgroup":
		return s.core.CgroupAttach(ev.Cgroup, p)
	case "yield":
		return s.yield(t)
	}
	return fmt.Errorf("event kind %q: %w", ev.Kind, walt.ErrInvalid)
}

func (s *Simulator) writeTaskKnob(name string, pid int, v int64) error {
	return s.core.Sysctl().Write(name, fmt.Sprintf("%d %d", pid, v))
}

// spawn forks t, places it and makes it runnable.
func (s *Simulator) spawn(t *task) error {
	tc := t.cfg
	t.started = true
	p, err := s.core.NewTask(tc.PID, tc.Name)
	if err != nil {
		return s.hookErr(err)
	}
	t.p = p
	p.Prio = tc.Prio
	p.UclampMin = uint64(tc.UclampMin)
	p.Background = tc.Background
	p.CPU = min(max(tc.CPU, 0), len(s.cpus)-1)
	if cpus := tc.AffinityCPUs(); len(cpus) > 0 {
		if err := s.core.SetAffinity(p, cpumask.Of(cpus...)); err != nil {
			s.logger.WithError(err).WithField("pid", tc.PID).Warn("Task affinity ignored")
		}
	}
	p.CPU = s.allowedCPU(p, p.CPU)

	t.periodic = tc.RunNs > 0 && tc.SleepNs > 0
	t.infinite = tc.RunNs == 0 || tc.SleepNs == 0
	t.runLeft = tc.RunNs

	if err := s.core.WakeUpNewTask(p, nil); err != nil {
		return s.hookErr(err)
	}
	if err := s.taskKnobs(t); err != nil {
		s.logger.WithError(err).WithField("pid", tc.PID).Warn("Task knobs rejected")
	}
	if tc.Cgroup != "" {
		if err := s.core.CgroupAttach(tc.Cgroup, p); err != nil {
			if fatal := s.hookErr(err); fatal != nil {
				return fatal
			}
		}
	}

	target := s.allowedCPU(p, s.core.SelectTaskRQ(p, p.CPU, p.CPU, false, 0))
	if target != p.CPU {
		if err := s.core.SetTaskCPU(p, target); err != nil {
			return s.hookErr(err)
		}
	}
	if err := s.core.NewTaskStats(p); err != nil {
		return s.hookErr(err)
	}
	c := s.cpus[target]
	p.VRuntime = c.minVR
	if err := s.enqueue(c, t); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"pid":  p.PID,
		"comm": p.Comm,
		"cpu":  target,
	}).Debug("Task spawned")
	return nil
}

func (s *Simulator) taskKnobs(t *task) error {
	tc, pid := t.cfg, t.cfg.PID
	if tc.Boost != 0 {
		if err := s.writeTaskKnob("sched_per_task_boost", pid, int64(tc.Boost)); err != nil {
			return err
		}
		if tc.BoostMs > 0 {
			if err := s.writeTaskKnob("sched_per_task_boost_period_ms", pid, int64(tc.BoostMs)); err != nil {
				return err
			}
		}
	}
	if tc.LowLatency {
		if err := s.writeTaskKnob("sched_low_latency", pid, 1); err != nil {
			return err
		}
	}
	if tc.Pipeline {
		if err := s.writeTaskKnob("sched_pipeline", pid, 1); err != nil {
			return err
		}
	}
	return nil
}

// enqueue makes t runnable on c and decides whether it preempts.
func (s *Simulator) enqueue(c *cpuState, t *task) error {
	p := t.p
	p.State = walt.TaskRunning
	p.OnRQ = true
	if err := s.core.Enqueue(c.id, p); err != nil {
		return s.hookErr(err)
	}
	c.queue = append(c.queue, t)

	if c.curr == nil {
		c.resched = true
		return nil
	}
	d, err := s.core.CheckPreemptWakeup(c.id, p)
	if err != nil {
		return s.hookErr(err)
	}
	switch d {
	case walt.PreemptYes:
		c.resched = true
	case walt.PreemptDefer:
		if p.VRuntime+wakeupGranularityNs < c.curr.p.VRuntime {
			c.resched = true
		}
	}
	return nil
}

// wake places a sleeping task and queues it.
func (s *Simulator) wake(t *task, wakerCPU int, sync bool) error {
	p := t.p
	if p.OnRQ || t.exited {
		return nil
	}
	if !t.infinite && t.runLeft == 0 {
		t.runLeft = t.cfg.RunNs
		if t.runLeft == 0 {
			t.infinite = true
		}
	}

	p.State = walt.TaskWaking
	if err := s.core.TryToWakeUp(p); err != nil {
		return s.hookErr(err)
	}
	s.clearIOWait(t)

	prev := p.CPU
	sample := PlacementSample{AtNs: s.clock.now, PID: p.PID, PrevCPU: prev, WakerCPU: wakerCPU, Sync: sync}
	res, err := s.core.FindEnergyEfficientCPU(p, prev, wakerCPU, sync, 0)
	target := res.CPU
	if err != nil || target < 0 {
		sample.Fallback = true
		target = prev
	} else {
		sample.Policy = res.Policy
		sample.Fastpath = res.Fastpath.String()
		sample.EnergyEval = res.EnergyEval
	}
	target = s.allowedCPU(p, target)
	sample.CPU = target

	if target != prev {
		if err := s.core.SetTaskCPU(p, target); err != nil {
			return s.hookErr(err)
		}
	}
	p.InIOWait = false
	c := s.cpus[target]
	p.VRuntime = max(p.VRuntime, c.minVR-min(c.minVR, sleeperCreditNs))
	if err := s.enqueue(c, t); err != nil {
		return err
	}
	if err := s.core.WakeUpSuccess(p); err != nil {
		return s.hookErr(err)
	}

	s.report.Placements = append(s.report.Placements, sample)
	for _, l := range s.listeners {
		l.Placed(sample)
	}
	return nil
}

// sleep takes t off its runqueue; a running task gives up its CPU.
func (s *Simulator) sleep(t *task) error {
	p := t.p
	if !p.OnRQ {
		return nil
	}
	c := s.cpus[p.CPU]
	p.State = walt.TaskSleeping
	p.OnRQ = false
	p.InIOWait = t.cfg.IOWait
	if p.InIOWait {
		rq := s.core.RQ(p.CPU)
		rq.Lock()
		rq.NrIOWait++
		rq.Unlock()
		t.iowaitCPU = p.CPU
	}
	if err := s.core.Dequeue(c.id, p); err != nil {
		return s.hookErr(err)
	}
	if c.curr == t {
		return s.schedule(c)
	}
	c.remove(t)
	return nil
}

func (s *Simulator) clearIOWait(t *task) {
	if t.iowaitCPU < 0 {
		return
	}
	rq := s.core.RQ(t.iowaitCPU)
	rq.Lock()
	rq.NrIOWait = max(rq.NrIOWait-1, 0)
	rq.Unlock()
	t.iowaitCPU = -1
}

// burstDone ends the current burst of the running t.
func (s *Simulator) burstDone(t *task) error {
	if t.txn != nil {
		s.core.BinderRestorePriority(t.txn, t.p)
		t.txn = nil
	}
	if err := s.sleep(t); err != nil {
		return err
	}
	if t.periodic {
		t.wakeAt = s.clock.now + t.cfg.SleepNs
	}
	return nil
}

func (s *Simulator) exit(t *task) error {
	p := t.p
	t.wakeAt = 0
	if p.OnRQ {
		c := s.cpus[p.CPU]
		p.State = walt.TaskDead
		p.OnRQ = false
		if err := s.core.Dequeue(c.id, p); err != nil {
			return s.hookErr(err)
		}
		if c.curr == t {
			if err := s.schedule(c); err != nil {
				return err
			}
		} else {
			c.remove(t)
		}
	}
	s.clearIOWait(t)
	p.State = walt.TaskDead
	t.exited = true
	return s.hookErr(s.core.FlushTask(p))
}

func (s *Simulator) binder(caller, server *task, work uint64) error {
	s.core.BinderWakeup(server.p, caller.p)
	txn := &walt.BinderTransaction{NeedReply: true}
	s.core.BinderSetPriority(txn, server.p, caller.p)
	server.txn = txn
	server.txnReceived = false
	if work > 0 && !server.infinite {
		server.runLeft += work
	}
	return s.wake(server, caller.p.CPU, true)
}

func (s *Simulator) yield(t *task) error {
	c := s.cpus[t.p.CPU]
	if c.curr != t {
		return fmt.Errorf("pid %d is not running: %w", t.p.PID, walt.ErrInvalid)
	}
	if err := s.core.DoSchedYield(c.id); err != nil {
		return s.hookErr(err)
	}
	for _, q := range c.queue {
		t.p.VRuntime = max(t.p.VRuntime, q.p.VRuntime+1)
	}
	c.resched = true
	return nil
}

func (s *Simulator) freqLimit(cpu int, khz uint64) error {
	if err := s.core.FrequencyLimits(cpu, khz); err != nil {
		return err
	}
	cl := s.topo.ClusterOf(cpu)
	var err error
	cl.CPUs.ForEach(func(i int) bool {
		_, err = s.core.UpdateCPUCapacity(i, cl.Capacity, 0)
		return err == nil
	})
	if cl.CurFreq() > cl.MaxFreq() {
		cl.SetCurFreq(cl.MaxFreq())
	}
	return err
}

// schedule picks the next task of c and switches to it.
func (s *Simulator) schedule(c *cpuState) error {
	c.resched = false
	prev := c.curr
	next := s.pick(c, prev)

	if prev != nil && prev != next && prev.p.OnRQ {
		c.queue = append(c.queue, prev)
	}
	if next != nil {
		c.remove(next)
	}

	var nextP *walt.Task
	if next != nil {
		nextP = next.p
	}
	c.curr = next
	if err := s.core.Schedule(c.id, nil, nextP); err != nil {
		return s.hookErr(err)
	}

	if next != nil && next.txn != nil && !next.txnReceived {
		next.txnReceived = true
		s.core.BinderTransactionReceived(next.p)
	}
	if prev != nil && prev != next && prev.p.OnRQ {
		return s.enforceAffinity(prev)
	}
	return nil
}

// pick returns the MVP head when there is one, else the runnable task
// with the lowest vruntime. prev wins ties.
func (s *Simulator) pick(c *cpuState, prev *task) *task {
	var cands []*task
	if prev != nil && prev.p.OnRQ {
		cands = append(cands, prev)
	}
	cands = append(cands, c.queue...)
	if len(cands) == 0 {
		return nil
	}
	if mvp := s.core.ReplaceNextTask(c.id); mvp != nil {
		for _, t := range cands {
			if t.p == mvp {
				return t
			}
		}
	}
	best := cands[0]
	for _, t := range cands[1:] {
		if t.p.VRuntime < best.p.VRuntime {
			best = t
		}
	}
	return best
}

// enforceAffinity moves a queued task off a CPU it may no longer use. A
// running one is asked to reschedule first.
func (s *Simulator) enforceAffinity(t *task) error {
	p := t.p
	if p.Affinity.Has(p.CPU) || !p.OnRQ {
		return nil
	}
	c := s.cpus[p.CPU]
	if c.curr == t {
		c.resched = true
		return nil
	}
	return s.migrate(t, s.allowedCPU(p, p.CPU))
}

// migrate moves a queued, not running task to dst.
func (s *Simulator) migrate(t *task, dst int) error {
	p := t.p
	src := s.cpus[p.CPU]
	if src.id == dst {
		return nil
	}
	if err := s.core.Dequeue(src.id, p); err != nil {
		return s.hookErr(err)
	}
	src.remove(t)
	if err := s.core.SetTaskCPU(p, dst); err != nil {
		return s.hookErr(err)
	}
	d := s.cpus[dst]
	p.VRuntime = p.VRuntime - min(p.VRuntime, src.minVR) + d.minVR
	return s.enqueue(d, t)
}

// allowedCPU is cpu when p may run there and it is online, else the
// first such CPU.
func (s *Simulator) allowedCPU(p *walt.Task, cpu int) int {
	ok := func(i int) bool { return i >= 0 && i < len(s.cpus) && p.Affinity.Has(i) && s.core.RQ(i).Online() }
	if ok(cpu) {
		return cpu
	}
	for i := range s.cpus {
		if ok(i) {
			return i
		}
	}
	return max(cpu, 0)
}
