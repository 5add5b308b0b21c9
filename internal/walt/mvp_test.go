package walt

import (
	"fmt"
	"testing"
)

func (e *testEnv) setTaskBoost(t *testing.T, p *Task, boost int) {
	t.Helper()
	if err := e.c.Sysctl().Write("sched_per_task_boost", fmt.Sprintf("%d %d", p.PID, boost)); err != nil {
		t.Fatalf("sched_per_task_boost %d: %v", p.PID, err)
	}
}

// dequeue takes a queued task that is not running off its runqueue.
func (e *testEnv) dequeue(t *testing.T, p *Task) {
	t.Helper()
	p.State = TaskSleeping
	p.OnRQ = false
	if err := e.c.Dequeue(p.CPU, p); err != nil {
		t.Fatalf("Dequeue(%s): %v", p, err)
	}
}

func mvpList(c *Core, cpu int) []*Task {
	rq := c.RQ(cpu)
	rq.Lock()
	defer rq.Unlock()
	return append([]*Task(nil), rq.mvpTasks...)
}

func TestMVPRequeuesAfterSlice(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	env.clock.now = 1
	a := env.spawn(t, 10, 0)
	b := env.spawn(t, 11, 0)
	env.setTaskBoost(t, a, TaskBoostStrictMax)
	env.setTaskBoost(t, b, TaskBoostStrictMax)
	env.enqueue(t, a)
	env.enqueue(t, b)

	if l := mvpList(c, 0); len(l) != 2 || l[0] != a || l[1] != b {
		t.Fatalf("mvp list = %v, want [a b]", l)
	}
	if !a.IsMVP() || a.MVPPrio() != TaskBoostMVP {
		t.Fatalf("a mvp prio = %d", a.MVPPrio())
	}
	if next := c.ReplaceNextTask(0); next != a {
		t.Fatalf("ReplaceNextTask = %v, want a", next)
	}
	env.run(t, 0, a)

	a.SumExecRuntime = MVPSlice
	env.clock.now = 1 + MVPSlice
	env.tick(t, 0)

	if l := mvpList(c, 0); len(l) != 2 || l[0] != b || l[1] != a {
		t.Fatalf("mvp list after a slice = %v, want [b a]", l)
	}
	if len(env.host.resched) != 1 || env.host.resched[0] != 0 {
		t.Fatalf("resched = %v, want cpu 0 once", env.host.resched)
	}
	if next := c.ReplaceNextTask(0); next != b {
		t.Fatalf("ReplaceNextTask = %v, want b", next)
	}
}

func TestMVPShortOfSliceKeepsHead(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	env.clock.now = 1
	a := env.spawn(t, 10, 0)
	b := env.spawn(t, 11, 0)
	env.setTaskBoost(t, a, TaskBoostStrictMax)
	env.setTaskBoost(t, b, TaskBoostStrictMax)
	env.enqueue(t, a)
	env.enqueue(t, b)
	env.run(t, 0, a)

	a.SumExecRuntime = MVPSlice - 1
	env.clock.now = 1 + MVPSlice
	env.tick(t, 0)
	if l := mvpList(c, 0); l[0] != a {
		t.Fatalf("head changed before a full slice: %v", l)
	}
	if len(env.host.resched) != 0 {
		t.Fatalf("resched before a full slice: %v", env.host.resched)
	}
}

func TestMVPBudgetDemotes(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	env.clock.now = 1
	a := env.spawn(t, 10, 0)
	env.setTaskBoost(t, a, TaskBoostStrictMax)
	env.enqueue(t, a)
	env.run(t, 0, a)

	for i := 1; a.IsMVP(); i++ {
		if i > 10 {
			t.Fatalf("mvp never demoted, total_exec = %d", a.TotalExec())
		}
		if a.TotalExec() > MVPLimit {
			t.Fatalf("mvp ran %d past its budget %d", a.TotalExec(), MVPLimit)
		}
		a.SumExecRuntime += MVPSlice
		env.clock.now += MVPSlice
		env.tick(t, 0)
	}
	if a.TotalExec() <= MVPLimit {
		t.Fatalf("demoted at total_exec %d within the budget", a.TotalExec())
	}
	if len(mvpList(c, 0)) != 0 {
		t.Fatalf("demoted task still on the list")
	}
	// A lone MVP never asks for a reschedule.
	if len(env.host.resched) != 0 {
		t.Fatalf("resched = %v", env.host.resched)
	}

	// Sleeping resets the budget.
	env.clock.now += MVPSlice
	env.sleep(t, a)
	if a.TotalExec() != 0 {
		t.Fatalf("total_exec = %d after sleep", a.TotalExec())
	}
	env.enqueue(t, a)
	if !a.IsMVP() {
		t.Fatalf("task did not regain mvp status after sleeping")
	}
	if c.BugCount() != 0 {
		t.Fatalf("bugs = %d", c.BugCount())
	}
}

func TestMVPClassOrder(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	if err := c.Sysctl().Write("walt_low_latency_task_threshold", "1000"); err != nil {
		t.Fatalf("sysctl: %v", err)
	}
	env.clock.now = 1
	low := env.spawn(t, 10, 0)
	high := env.spawn(t, 11, 0)
	if err := c.Sysctl().Write("sched_low_latency", "10 1"); err != nil {
		t.Fatalf("sched_low_latency: %v", err)
	}
	env.setTaskBoost(t, high, TaskBoostStrictMax)

	env.enqueue(t, low)
	env.enqueue(t, high)
	if low.MVPPrio() != RTGMVP || high.MVPPrio() != TaskBoostMVP {
		t.Fatalf("prios = %d %d", low.MVPPrio(), high.MVPPrio())
	}
	if l := mvpList(c, 0); len(l) != 2 || l[0] != high || l[1] != low {
		t.Fatalf("mvp list = %v, want the strict-max task first", l)
	}
}

func TestCheckPreemptWakeup(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	env.clock.now = 1
	plain := env.spawn(t, 10, 0)
	env.enqueue(t, plain)
	env.run(t, 0, plain)

	other := env.spawn(t, 11, 0)
	env.enqueue(t, other)
	if d, err := c.CheckPreemptWakeup(0, other); err != nil || d != PreemptDefer {
		t.Fatalf("non-mvp waking over non-mvp = %v, %v", d, err)
	}

	mvp := env.spawn(t, 12, 0)
	env.setTaskBoost(t, mvp, TaskBoostStrictMax)
	env.enqueue(t, mvp)
	if d, _ := c.CheckPreemptWakeup(0, mvp); d != PreemptYes {
		t.Fatalf("mvp waking over non-mvp = %v, want preempt", d)
	}

	env.run(t, 0, mvp)
	if d, _ := c.CheckPreemptWakeup(0, other); d != PreemptNo {
		t.Fatalf("running mvp at the head = %v, want no preempt", d)
	}
	if _, err := c.CheckPreemptWakeup(5, other); err == nil {
		t.Fatalf("bad cpu accepted")
	}
}

func TestDoSchedYieldDropsMVP(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	env.clock.now = 1
	a := env.spawn(t, 10, 0)
	env.setTaskBoost(t, a, TaskBoostStrictMax)
	env.enqueue(t, a)
	env.run(t, 0, a)

	if err := c.DoSchedYield(0); err != nil {
		t.Fatalf("DoSchedYield: %v", err)
	}
	if a.IsMVP() || len(mvpList(c, 0)) != 0 {
		t.Fatalf("yielding task kept mvp status")
	}
	if c.ReplaceNextTask(0) != nil {
		t.Fatalf("ReplaceNextTask returned a task with an empty list")
	}
}

func TestBinderMVP(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	env.clock.now = 1
	server := env.spawn(t, 10, 0)
	caller := env.spawn(t, 11, 1)

	// Threshold 0 keeps the binder class disabled.
	caller.Prio = DefaultPrio - 10
	c.BinderWakeup(server, caller)
	env.enqueue(t, server)
	if server.IsMVP() {
		t.Fatalf("binder mvp with a zero threshold")
	}
	env.dequeue(t, server)

	if err := c.Sysctl().Write("walt_low_latency_task_threshold", "1000"); err != nil {
		t.Fatalf("sysctl: %v", err)
	}
	env.enqueue(t, server)
	if server.MVPPrio() != BinderMVP {
		t.Fatalf("binder mvp prio = %d", server.MVPPrio())
	}
	env.dequeue(t, server)

	c.BinderTransactionReceived(server)
	env.enqueue(t, server)
	if server.IsMVP() {
		t.Fatalf("binder flag kept after the transaction was received")
	}
}

func TestBinderBackgroundCallerIgnored(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	server := env.spawn(t, 10, 0)
	caller := env.spawn(t, 11, 1)
	caller.Prio = DefaultPrio - 10
	caller.Background = true
	c.BinderWakeup(server, caller)
	if server.LowLatency()&LowLatencyBinder != 0 {
		t.Fatalf("background caller marked the server low latency")
	}
}

func TestBinderInheritsStrictMax(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	server := env.spawn(t, 10, 0)
	caller := env.spawn(t, 11, 1)
	env.setTaskBoost(t, caller, TaskBoostStrictMax)
	env.setTaskBoost(t, server, 1)

	txn := &BinderTransaction{NeedReply: true}
	c.BinderSetPriority(txn, server, caller)
	if got := server.boost.Load(); got != TaskBoostStrictMax {
		t.Fatalf("server boost = %d during the transaction", got)
	}
	c.BinderRestorePriority(txn, server)
	if got := server.boost.Load(); got != 1 {
		t.Fatalf("server boost = %d after the reply, want 1", got)
	}
}
