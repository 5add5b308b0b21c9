package walt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"walt-sched/internal/cpumask"
)

type TaskState int

const (
	TaskRunning TaskState = iota
	TaskWaking
	TaskSleeping
	TaskDead
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskWaking:
		return "waking"
	case TaskSleeping:
		return "sleeping"
	case TaskDead:
		return "dead"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Per-task boost levels.
const (
	TaskBoostNone = iota
	TaskBoostOnMid
	TaskBoostOnMax
	TaskBoostStrictMax
	taskBoostEnd
)

// Low latency flags.
const (
	LowLatencyProcfs uint8 = 1 << iota
	LowLatencyBinder
	LowLatencyPipeline
)

// MVP priorities, higher is stronger.
const (
	NotMVP       = -1
	RTGMVP       = 0
	BinderMVP    = 1
	TaskBoostMVP = 2
	MVPSlice     = uint64(3000000)
	MVPLimit     = 4 * MVPSlice
	MaxRTPrio    = 100
	DefaultPrio  = 120
)

// Task is a schedulable entity. The exported fields belong to the host
// scheduler and are written by it; the unexported ones are the load
// tracking state and are only touched under the lock of the runqueue the
// task belongs to.
type Task struct {
	PID  int
	TGID int
	Comm string
	Prio int
	// CPU is the runqueue the task belongs to. Only SetTaskCPU moves it.
	CPU      int
	Affinity cpumask.Mask
	State    TaskState
	// OnRQ stays set while a queued task migrates.
	OnRQ       bool
	InIOWait   bool
	IsIdle     bool
	UclampMin  uint64
	UclampMax  uint64
	Background bool
	Cgroup     string
	// LatencySensitive asks placement for an idle CPU.
	LatencySensitive bool
	// SumExecRuntime is the total on-CPU time accounted by the host. The
	// host brings it up to date before every hook call.
	SumExecRuntime uint64
	// VRuntime is the host's fair-share clock.
	VRuntime uint64

	// piMu serializes wakeup-side changes of the task.
	piMu sync.Mutex

	markStart      uint64
	lastWakeTS     uint64
	lastEnqueuedTS uint64
	lastSleepTS    uint64
	sum            uint64
	demand         uint64
	colocDemand    uint64
	sumHistory     [HistSize]uint64
	currWindowCPU  []uint64
	prevWindowCPU  []uint64
	currWindow     uint64
	prevWindow     uint64
	predDemand     uint64
	busyBuckets    [NumBusyBuckets]uint8
	demandScaled   uint64
	predScaled     uint64
	activeTime     uint64
	cpuCycles      uint64
	iowaited       bool
	prevOnRQ       int
	prevOnRQCPU    int
	misfit         bool
	unfilter       uint64
	rtgHighPrio    bool

	// Knobs written from sysctl and binder paths without the rq lock.
	initLoadPct  atomic.Uint32
	wakeUpIdle   atomic.Bool
	boost        atomic.Int32
	boostPeriod  atomic.Uint64
	boostExpires atomic.Uint64
	lowLatency   atomic.Uint32
	// grp changes under the group lock and the rq lock together.
	grp atomic.Pointer[group]

	mvpPrio     int
	mvpQueued   bool
	totalExec   uint64
	sumExecSnap uint64

	// Published for readers that do not hold the task's runqueue lock.
	colocDemandPub atomic.Uint64
	markStartPub   atomic.Uint64
	demandPub      atomic.Uint64
	unfilterPub    atomic.Uint64
}

func newTask(pid int, nrCPUs int) *Task {
	return &Task{
		PID:           pid,
		TGID:          pid,
		Prio:          DefaultPrio,
		Affinity:      cpumask.Range(0, nrCPUs-1),
		currWindowCPU: make([]uint64, nrCPUs),
		prevWindowCPU: make([]uint64, nrCPUs),
		prevOnRQCPU:   -1,
		mvpPrio:       NotMVP,
	}
}

func (p *Task) String() string { return fmt.Sprintf("%s-%d", p.Comm, p.PID) }

// Demand is the windowed demand estimate in ns.
func (p *Task) Demand() uint64 { return p.demand }

// DemandScaled is the demand on the 0..1024 capacity scale.
func (p *Task) DemandScaled() uint64 { return p.demandScaled }

func (p *Task) PredDemand() uint64       { return p.predDemand }
func (p *Task) PredDemandScaled() uint64 { return p.predScaled }
func (p *Task) CurrWindow() uint64       { return p.currWindow }
func (p *Task) PrevWindow() uint64       { return p.prevWindow }
func (p *Task) MarkStart() uint64        { return p.markStart }
func (p *Task) ActiveTime() uint64       { return p.activeTime }
func (p *Task) MVPPrio() int             { return p.mvpPrio }
func (p *Task) IsMVP() bool              { return p.mvpPrio != NotMVP }
func (p *Task) TotalExec() uint64        { return p.totalExec }
func (p *Task) Misfit() bool             { return p.misfit }
func (p *Task) LowLatency() uint8        { return uint8(p.lowLatency.Load()) }
func (p *Task) WakeUpIdle() bool         { return p.wakeUpIdle.Load() }
func (p *Task) InitLoadPct() uint32      { return p.initLoadPct.Load() }

// History returns the demand history, most recent first.
func (p *Task) History() [HistSize]uint64 { return p.sumHistory }

// Buckets returns the busy bucket counters used for prediction.
func (p *Task) Buckets() [NumBusyBuckets]uint8 { return p.busyBuckets }

func (p *Task) CurrWindowCPU(cpu int) uint64 { return p.currWindowCPU[cpu] }
func (p *Task) PrevWindowCPU(cpu int) uint64 { return p.prevWindowCPU[cpu] }

func (p *Task) isNew() bool { return p.activeTime < NewTaskActiveTime }

// fair reports whether the task is scheduled by the fair class.
func (p *Task) fair() bool { return p.Prio >= MaxRTPrio && !p.IsIdle }

func (p *Task) publish() {
	p.colocDemandPub.Store(p.colocDemand)
	p.markStartPub.Store(p.markStart)
	p.demandPub.Store(p.demandScaled)
	p.unfilterPub.Store(p.unfilter)
}

// taskTable indexes live tasks by pid.
type taskTable struct {
	mu    sync.RWMutex
	tasks map[int]*Task
}

func newTaskTable() *taskTable {
	return &taskTable{tasks: make(map[int]*Task)}
}

func (t *taskTable) get(pid int) *Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tasks[pid]
}

func (t *taskTable) add(p *Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[p.PID]; ok {
		return fmt.Errorf("pid %d already exists: %w", p.PID, ErrInvalid)
	}
	t.tasks[p.PID] = p
	return nil
}

func (t *taskTable) remove(pid int) {
	t.mu.Lock()
	delete(t.tasks, pid)
	t.mu.Unlock()
}

func (t *taskTable) each(fn func(p *Task)) {
	t.mu.RLock()
	list := make([]*Task, 0, len(t.tasks))
	for _, p := range t.tasks {
		list = append(list, p)
	}
	t.mu.RUnlock()
	for _, p := range list {
		fn(p)
	}
}

// NewTask allocates a task record. The host fills in the exported fields
// and then calls InitNewTask (fork) before the first wakeup.
func (c *Core) NewTask(pid int, comm string) (*Task, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrInvalid)
	}
	p := newTask(pid, c.NrCPUs())
	p.Comm = comm
	if err := c.tasks.add(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Task looks a task up by pid.
func (c *Core) Task(pid int) (*Task, error) {
	p := c.tasks.get(pid)
	if p == nil {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	return p, nil
}

// Tasks calls fn for every live task.
func (c *Core) Tasks(fn func(p *Task)) { c.tasks.each(fn) }

// IdleTask creates the idle task of cpu. It is not registered by pid.
func (c *Core) IdleTask(cpu int) *Task {
	p := newTask(0, c.NrCPUs())
	p.Comm = fmt.Sprintf("swapper/%d", cpu)
	p.IsIdle = true
	p.CPU = cpu
	p.Affinity = cpumask.Of(cpu)
	p.State = TaskRunning
	return p
}
