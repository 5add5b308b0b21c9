package walt

import (
	"errors"
	"sync"
	"testing"

	"walt-sched/internal/config"
	"walt-sched/internal/logging"
	"walt-sched/internal/topology"
)

type fakeClock struct {
	now uint64
}

func (c *fakeClock) Now() uint64 { return c.now }

type govCall struct {
	cpu   int
	now   uint64
	flags uint32
}

type fakeGovernor struct {
	calls []govCall
}

func (g *fakeGovernor) Callback(cpu int, now uint64, flags uint32) {
	g.calls = append(g.calls, govCall{cpu: cpu, now: now, flags: flags})
}

func (g *fakeGovernor) count(flag uint32) int {
	n := 0
	for _, c := range g.calls {
		if c.flags&flag != 0 {
			n++
		}
	}
	return n
}

type fakeHost struct {
	resched []int
}

func (h *fakeHost) Resched(cpu int) { h.resched = append(h.resched, cpu) }

type fakeObserver struct {
	bugs  []FatalKind
	fatal int
	soft  int
}

func (o *fakeObserver) Bug(kind FatalKind, fatal bool) {
	o.bugs = append(o.bugs, kind)
	if fatal {
		o.fatal++
	}
}

func (o *fakeObserver) SoftCorrection() { o.soft++ }

type testEnv struct {
	c     *Core
	topo  *topology.Topology
	clock *fakeClock
	gov   *fakeGovernor
	host  *fakeHost
	obs   *fakeObserver
}

const singleCluster = `
run: {name: t}
topology:
  clusters:
    - name: little
      cpus: "0-1"
      capacity: 1024
      max_freq_khz: 1000000
      perf_states:
        - {freq_khz: 500000, power: 40}
        - {freq_khz: 1000000, power: 100}
`

const twoClusters = `
run: {name: t}
topology:
  clusters:
    - name: little
      cpus: "0-3"
      capacity: 512
      max_freq_khz: 1800000
      perf_states:
        - {freq_khz: 900000, power: 30}
        - {freq_khz: 1800000, power: 90}
    - name: big
      cpus: "4-7"
      capacity: 1024
      max_freq_khz: 2400000
      perf_states:
        - {freq_khz: 1200000, power: 200}
        - {freq_khz: 2400000, power: 600}
`

const noEnergyModel = `
run: {name: t}
topology:
  clusters:
    - {name: little, cpus: "0-1", capacity: 512, max_freq_khz: 1800000}
    - {name: big, cpus: "2-3", capacity: 1024, max_freq_khz: 2400000}
`

// newTestEnv builds a core on the topology in yaml with every CPU
// started at time 0.
func newTestEnv(t *testing.T, yaml string, nrCPUs int) *testEnv {
	t.Helper()
	cfg, err := config.ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	topo, err := topology.BuildWithLogger(cfg.Topology.Clusters, nrCPUs, logging.Discard())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	env := &testEnv{
		topo:  topo,
		clock: &fakeClock{},
		gov:   &fakeGovernor{},
		host:  &fakeHost{},
		obs:   &fakeObserver{},
	}
	env.c, err = New(Options{
		Topology: topo,
		Tunables: &cfg.Tunables,
		Clock:    env.clock,
		Governor: env.gov,
		Host:     env.host,
		Observer: env.obs,
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for cpu := 0; cpu < nrCPUs; cpu++ {
		if err := env.c.CPUStarting(cpu); err != nil {
			t.Fatalf("CPUStarting(%d): %v", cpu, err)
		}
	}
	return env
}

// spawn forks a task on cpu and stamps it at the current time, the way
// the host does before the first enqueue.
func (e *testEnv) spawn(t *testing.T, pid int, cpu int) *Task {
	t.Helper()
	p, err := e.c.NewTask(pid, "task")
	if err != nil {
		t.Fatalf("NewTask(%d): %v", pid, err)
	}
	p.CPU = cpu
	if err := e.c.WakeUpNewTask(p, nil); err != nil {
		t.Fatalf("WakeUpNewTask: %v", err)
	}
	if err := e.c.NewTaskStats(p); err != nil {
		t.Fatalf("NewTaskStats: %v", err)
	}
	return p
}

// enqueue makes p runnable on its CPU.
func (e *testEnv) enqueue(t *testing.T, p *Task) {
	t.Helper()
	p.State = TaskRunning
	p.OnRQ = true
	if err := e.c.Enqueue(p.CPU, p); err != nil {
		t.Fatalf("Enqueue(%s): %v", p, err)
	}
}

// run switches cpu to p.
func (e *testEnv) run(t *testing.T, cpu int, p *Task) {
	t.Helper()
	if err := e.c.Schedule(cpu, nil, p); err != nil {
		t.Fatalf("Schedule(%d, %v): %v", cpu, p, err)
	}
}

// sleep dequeues the running p and switches its CPU to idle.
func (e *testEnv) sleep(t *testing.T, p *Task) {
	t.Helper()
	p.State = TaskSleeping
	p.OnRQ = false
	if err := e.c.Dequeue(p.CPU, p); err != nil {
		t.Fatalf("Dequeue(%s): %v", p, err)
	}
	if err := e.c.Schedule(p.CPU, p, nil); err != nil {
		t.Fatalf("Schedule(%d, %s, idle): %v", p.CPU, p, err)
	}
}

func (e *testEnv) tick(t *testing.T, cpu int) {
	t.Helper()
	if err := e.c.Tick(cpu); err != nil {
		t.Fatalf("Tick(%d) at %d: %v", cpu, e.clock.now, err)
	}
}

func TestNewRequiresTopologyAndClock(t *testing.T) {
	if _, err := New(Options{Clock: &fakeClock{}, Logger: logging.Discard()}); err == nil {
		t.Fatalf("New without topology succeeded")
	}
	topo, err := topology.BuildWithLogger(nil, 2, logging.Discard())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := New(Options{Topology: topo, Logger: logging.Discard()}); err == nil {
		t.Fatalf("New without clock succeeded")
	}
}

func TestCPUStartingSyncsWindowStart(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	for cpu := 0; cpu < 8; cpu++ {
		rq := env.c.RQ(cpu)
		if rq.WindowStart() != 1 {
			t.Fatalf("cpu %d window_start = %d, want 1", cpu, rq.WindowStart())
		}
		if rq.PrevWindowSize() != env.c.WindowSize() {
			t.Fatalf("cpu %d prev_window_size = %d", cpu, rq.PrevWindowSize())
		}
		if !rq.Online() || !rq.Active() {
			t.Fatalf("cpu %d not online after CPUStarting", cpu)
		}
		if rq.Curr == nil || !rq.Curr.IsIdle {
			t.Fatalf("cpu %d does not run its idle task", cpu)
		}
	}
	if env.c.WindowSize() != config.DefaultWindowNs {
		t.Fatalf("window = %d, want %d", env.c.WindowSize(), config.DefaultWindowNs)
	}
}

func TestSingleTaskRunsThreeWindows(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	w := c.WindowSize()
	tickNs := config.DefaultTickNs

	env.clock.now = 1
	p := env.spawn(t, 10, 0)
	initLoad := p.Demand()
	env.enqueue(t, p)
	env.run(t, 0, p)

	for env.clock.now < 1+3*w {
		env.clock.now += tickNs
		env.tick(t, 0)
	}

	hist := p.History()
	for i := 0; i < 3; i++ {
		if hist[i] != w {
			t.Fatalf("history = %v, want three windows of %d first", hist, w)
		}
	}
	for i := 3; i < HistSize; i++ {
		if hist[i] != initLoad {
			t.Fatalf("history[%d] = %d, want the initial load %d", i, hist[i], initLoad)
		}
	}
	if p.Demand() != w {
		t.Fatalf("demand = %d, want %d", p.Demand(), w)
	}
	if p.DemandScaled() != 1024 {
		t.Fatalf("demand_scaled = %d, want 1024", p.DemandScaled())
	}
	if rq := c.RQ(0); rq.PrevRunnableSum() != w {
		t.Fatalf("prev_runnable_sum = %d, want %d", rq.PrevRunnableSum(), w)
	}
	if p.PredDemand() < p.CurrWindow() {
		t.Fatalf("pred_demand %d below curr_window %d", p.PredDemand(), p.CurrWindow())
	}
	if env.gov.count(GovRollover) == 0 {
		t.Fatalf("no rollover callback: %v", env.gov.calls)
	}
}

func TestRolloverTwiceAtSameTimeIsNoop(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	w := env.c.WindowSize()

	env.clock.now = 1
	p := env.spawn(t, 10, 0)
	env.enqueue(t, p)
	env.run(t, 0, p)

	env.clock.now = 1 + w + 1000
	env.tick(t, 0)
	hist, ws := p.History(), env.c.RQ(0).WindowStart()
	calls := len(env.gov.calls)

	env.tick(t, 0)
	if p.History() != hist || env.c.RQ(0).WindowStart() != ws {
		t.Fatalf("second update at the same time changed the history")
	}
	if len(env.gov.calls) != calls {
		t.Fatalf("second update at the same time reran the rollover")
	}
}

func TestWindowStartMonotonic(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	w := env.c.WindowSize()
	steps := []uint64{3000000, 16000000, 1, 47000000, 5000, 100000000, 15999999}

	var last uint64
	for _, step := range steps {
		env.clock.now += step
		env.tick(t, 1)
		ws := env.c.RQ(1).WindowStart()
		if ws < last {
			t.Fatalf("window_start went back from %d to %d", last, ws)
		}
		if (ws-1)%w != 0 {
			t.Fatalf("window_start %d is not on a window boundary", ws)
		}
		if ws > env.clock.now || env.clock.now-ws >= w {
			t.Fatalf("window_start %d does not contain now %d", ws, env.clock.now)
		}
		last = ws
	}
}

func TestClockBackwardIsFatal(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	w := env.c.WindowSize()

	env.clock.now = 1 + w
	env.tick(t, 1)

	env.clock.now = 5
	err := env.c.Tick(1)
	var fatal *FatalAccountingError
	if !errors.As(err, &fatal) {
		t.Fatalf("Tick with the clock behind window_start returned %v", err)
	}
	if fatal.Kind != KindClockBackward || fatal.CPU != 1 {
		t.Fatalf("fatal = %+v", fatal)
	}
	if env.c.BugPolicy() != Degrade {
		t.Fatalf("policy = %v, want degrade", env.c.BugPolicy())
	}
	if env.obs.fatal != 1 {
		t.Fatalf("observer saw %d fatal bugs, want 1", env.obs.fatal)
	}
}

func TestDoubleEnqueueDequeue(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	env.clock.now = 1
	p := env.spawn(t, 10, 0)
	env.enqueue(t, p)

	// Degrade: the second enqueue is reported but not counted.
	if err := c.Enqueue(0, p); err != nil {
		t.Fatalf("double enqueue under degrade returned %v", err)
	}
	if c.RQ(0).NrRunning() != 1 || c.RQ(0).CFSNrRunning() != 1 {
		t.Fatalf("nr_running = %d cfs = %d after double enqueue", c.RQ(0).NrRunning(), c.RQ(0).CFSNrRunning())
	}
	if c.RQ(0).CumulativeRunnable() != p.DemandScaled() {
		t.Fatalf("cra = %d, want %d", c.RQ(0).CumulativeRunnable(), p.DemandScaled())
	}
	if c.BugCount() != 1 || len(env.obs.bugs) != 1 || env.obs.bugs[0] != KindDoubleEnqueue {
		t.Fatalf("bugs = %v", env.obs.bugs)
	}

	c.SetBugPolicy(FailFast)
	p.State = TaskSleeping
	p.OnRQ = false
	if err := c.Dequeue(0, p); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	err := c.Dequeue(0, p)
	var fatal *FatalAccountingError
	if !errors.As(err, &fatal) || fatal.Kind != KindDoubleDequeue {
		t.Fatalf("double dequeue under fail-fast returned %v", err)
	}
	if fatal.PID != p.PID || fatal.Dump["task.pid"] != p.PID {
		t.Fatalf("fatal error lacks the task dump: %+v", fatal)
	}
	if c.RQ(0).NrRunning() != 0 || c.RQ(0).CumulativeRunnable() != 0 {
		t.Fatalf("rq not empty after dequeue: nr=%d cra=%d", c.RQ(0).NrRunning(), c.RQ(0).CumulativeRunnable())
	}
}

func TestHookRejectsBadCPU(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	if err := env.c.Tick(2); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Tick(2) = %v, want ErrInvalid", err)
	}
	if err := env.c.CPUStarting(-1); !errors.Is(err, ErrInvalid) {
		t.Fatalf("CPUStarting(-1) = %v, want ErrInvalid", err)
	}
}

func TestCPUDyingTakesCPUOffline(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	if err := env.c.CPUDying(1); err != nil {
		t.Fatalf("CPUDying: %v", err)
	}
	if env.c.RQ(1).Online() || env.c.RQ(1).Active() {
		t.Fatalf("cpu 1 still online")
	}
	if err := env.c.CPUStarting(1); err != nil {
		t.Fatalf("CPUStarting: %v", err)
	}
	if !env.c.RQ(1).Online() || env.c.RQ(1).WindowStart() != 1 {
		t.Fatalf("cpu 1 did not come back with its window")
	}
}

func TestFlushTaskDropsTask(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	p := env.spawn(t, 10, 0)
	if err := env.c.FlushTask(p); err != nil {
		t.Fatalf("FlushTask: %v", err)
	}
	if _, err := env.c.Task(10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Task(10) after flush = %v", err)
	}
	if _, err := env.c.NewTask(10, "again"); err != nil {
		t.Fatalf("pid not reusable after flush: %v", err)
	}
}

func TestUpdateCPUCapacity(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	c := env.c

	got, err := c.UpdateCPUCapacity(4, 1024, 0)
	if err != nil || got != 1024 {
		t.Fatalf("unpressured capacity = %d, %v", got, err)
	}

	// 24 of real-time pressure and 100 of thermal pressure.
	got, err = c.UpdateCPUCapacity(4, 1000, 100)
	if err != nil {
		t.Fatalf("UpdateCPUCapacity: %v", err)
	}
	if c.RQ(4).CapacityOrig() != 924 || got != 900 {
		t.Fatalf("cap_orig = %d capacity = %d, want 924/900", c.RQ(4).CapacityOrig(), got)
	}

	// A policy cap at half the frequency halves the original capacity.
	if err := c.FrequencyLimits(4, 1200000); err != nil {
		t.Fatalf("FrequencyLimits: %v", err)
	}
	got, _ = c.UpdateCPUCapacity(4, 1024, 0)
	if c.RQ(4).CapacityOrig() != 512 || got != 512 {
		t.Fatalf("capped cap_orig = %d capacity = %d, want 512", c.RQ(4).CapacityOrig(), got)
	}

	// Pressure above the capacity never drives it below 1.
	got, _ = c.UpdateCPUCapacity(4, 0, 0)
	if got != 1 {
		t.Fatalf("capacity under full pressure = %d, want 1", got)
	}
}

func TestDumps(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	env.clock.now = 1
	p := env.spawn(t, 10, 0)
	env.enqueue(t, p)

	td := env.c.TaskDump(p)
	if td["pid"] != 10 || td["demand"] != p.Demand() {
		t.Fatalf("task dump = %v", td)
	}
	rd := env.c.RQDump(0)
	if rd["nr_running"] != 1 || rd["cumulative_runnable_avg"] != p.DemandScaled() {
		t.Fatalf("rq dump = %v", rd)
	}
}

func TestSwitchToIdleKeepsBusyTime(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	c := env.c
	w := c.WindowSize()

	env.clock.now = 1
	p := env.spawn(t, 10, 0)
	env.enqueue(t, p)
	env.run(t, 0, p)

	// The idle task was last put at 1, more than two windows before it is
	// picked again.
	env.clock.now = 1 + 2*w + w/2
	env.sleep(t, p)

	rq := c.RQ(0)
	// Capacity 512 halves the busy time.
	if rq.PrevRunnableSum() != w/2 || rq.PrevRunnableSum() != p.PrevWindowCPU(0) {
		t.Fatalf("prev_runnable_sum = %d, task prev_window_cpu = %d, want %d",
			rq.PrevRunnableSum(), p.PrevWindowCPU(0), w/2)
	}
	if rq.CurrRunnableSum() != w/4 || rq.CurrRunnableSum() != p.CurrWindowCPU(0) {
		t.Fatalf("curr_runnable_sum = %d, task curr_window_cpu = %d, want %d",
			rq.CurrRunnableSum(), p.CurrWindowCPU(0), w/4)
	}

	env.clock.now += 1000000
	p.State = TaskWaking
	if err := c.TryToWakeUp(p); err != nil {
		t.Fatalf("TryToWakeUp: %v", err)
	}
	if err := c.SetTaskCPU(p, 4); err != nil {
		t.Fatalf("SetTaskCPU: %v", err)
	}
	if c.BugCount() != 0 || c.SoftCorrections() != 0 {
		t.Fatalf("bugs = %d soft = %d after migrating off the idle cpu", c.BugCount(), c.SoftCorrections())
	}
	if rq.CurrRunnableSum() != 0 || rq.PrevRunnableSum() != 0 {
		t.Fatalf("cpu0 kept %d/%d after the task left", rq.CurrRunnableSum(), rq.PrevRunnableSum())
	}
	if got := c.RQ(4); got.PrevRunnableSum() != w/2 || got.CurrRunnableSum() != w/4 {
		t.Fatalf("cpu4 sums = %d/%d, want %d/%d", got.CurrRunnableSum(), got.PrevRunnableSum(), w/4, w/2)
	}
}

func TestSetTaskCPUConcurrent(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	c := env.c
	env.clock.now = 1
	p := env.spawn(t, 10, 0)
	p.State = TaskSleeping

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := c.SetTaskCPU(p, (i+g)%8); err != nil {
					errs <- err
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("SetTaskCPU: %v", err)
	}
	rq := c.lockTaskRQ(p)
	cpu := rq.CPU
	rq.Unlock()
	if cpu < 0 || cpu >= 8 || c.BugCount() != 0 {
		t.Fatalf("task cpu = %d bugs = %d", cpu, c.BugCount())
	}
}
