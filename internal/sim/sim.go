// Package sim is a deterministic discrete-event host scheduler that
// drives the walt hooks the way a kernel would: per-CPU fair run queues,
// a virtual clock with a periodic tick and a workload of timed events.
package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"walt-sched/internal/config"
	"walt-sched/internal/logging"
	"walt-sched/internal/topology"
	"walt-sched/internal/walt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// epoch is the clock value the workload starts at; CPUs come up at 0.
	epoch = uint64(1)
	// wakeupGranularityNs is the vruntime lead a waking task needs to
	// preempt the current one.
	wakeupGranularityNs = uint64(1000000)
	// sleeperCreditNs bounds how far behind the queue a waking task is
	// placed.
	sleeperCreditNs = uint64(3000000)
	nsPerMs         = uint64(1000000)
)

type Options struct {
	Logger logrus.FieldLogger
	// CoreLogger is handed to the walt core; it defaults to the
	// scheduler logger.
	CoreLogger logrus.FieldLogger
	Listeners  []Listener
	// Observer also receives the bug notifications of the core.
	Observer walt.Observer
	// Cycles feeds the execution scale from cycle counts instead of the
	// simulated frequency.
	Cycles walt.CycleCounter
}

type cpuState struct {
	id      int
	curr    *task
	queue   []*task
	resched bool
	// lastRun is when curr was last charged.
	lastRun uint64
	minVR   uint64
}

type task struct {
	p   *walt.Task
	cfg config.TaskConfig
	// runLeft is what remains of the current burst unless infinite.
	runLeft  uint64
	infinite bool
	periodic bool
	wakeAt   uint64
	started  bool
	exited   bool
	// iowaitCPU is the CPU whose iowait count the sleeping task holds.
	iowaitCPU int

	txn         *walt.BinderTransaction
	txnReceived bool
}

// Simulator replays one workload against a walt core.
type Simulator struct {
	cfg       *config.RunConfig
	topo      *topology.Topology
	core      *walt.Core
	clock     *virtualClock
	gov       *governor
	logger    logrus.FieldLogger
	listeners []Listener
	observer  walt.Observer

	cpus       []*cpuState
	tasks      map[int]*task
	order      []int
	events     []config.EventConfig
	nextEvent  int
	explicit   map[int]bool
	tickNs     uint64
	nextTick   uint64
	end        uint64
	report     *Report
	fatalCount int
}

func New(cfg *config.RunConfig, topo *topology.Topology, opts Options) (*Simulator, error) {
	if cfg == nil || topo == nil {
		return nil, fmt.Errorf("simulator needs a config and a topology")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}
	s := &Simulator{
		cfg:       cfg,
		topo:      topo,
		clock:     &virtualClock{},
		logger:    logger.WithField("run", cfg.Run.Name),
		listeners: opts.Listeners,
		observer:  opts.Observer,
		tasks:     make(map[int]*task),
		events:    cfg.GetEventsSorted(),
		explicit:  make(map[int]bool),
		tickNs:    cfg.Workload.TickNs,
		report: &Report{
			RunID:  uuid.NewString(),
			Name:   cfg.Run.Name,
			NrCPUs: topo.NrCPUs,
		},
	}
	if s.tickNs == 0 {
		s.tickNs = config.DefaultTickNs
	}
	s.gov = newGovernor(s, topo.NrCPUs)

	tun := cfg.Tunables
	core, err := walt.New(walt.Options{
		Topology: topo,
		Tunables: &tun,
		Clock:    s.clock,
		Governor: s.gov,
		Host:     s,
		Cycles:   opts.Cycles,
		Observer: s,
		Logger:   opts.CoreLogger,
		FailFast: cfg.Run.FailFast,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create walt core: %w", err)
	}
	s.core = core

	for i := 0; i < topo.NrCPUs; i++ {
		s.cpus = append(s.cpus, &cpuState{id: i})
	}
	for _, ev := range s.events {
		if ev.Kind == "spawn" {
			s.explicit[ev.PID] = true
		}
	}
	return s, nil
}

// Core exposes the walt core, for dumps after a run.
func (s *Simulator) Core() *walt.Core { return s.core }

// Now is the simulated time in ns.
func (s *Simulator) Now() uint64 { return s.clock.now }

// Resched implements walt.Host.
func (s *Simulator) Resched(cpu int) {
	if cpu >= 0 && cpu < len(s.cpus) {
		s.cpus[cpu].resched = true
	}
}

// Bug implements walt.Observer.
func (s *Simulator) Bug(kind walt.FatalKind, fatal bool) {
	if s.observer != nil {
		s.observer.Bug(kind, fatal)
	}
}

// SoftCorrection implements walt.Observer.
func (s *Simulator) SoftCorrection() {
	if s.observer != nil {
		s.observer.SoftCorrection()
	}
}

// Run replays the workload until its duration elapses, ctx is done or a
// fatal accounting error stops it. The report is returned in every case.
func (s *Simulator) Run(ctx context.Context) (*Report, error) {
	s.report.StartedAt = time.Now()
	s.report.WindowNs = s.core.WindowSize()

	err := s.boot()
	for err == nil && s.clock.now < s.end {
		if err = ctx.Err(); err != nil {
			break
		}
		s.advance(s.nextStop())
		err = s.step()
	}
	s.finish()

	if err != nil {
		s.logger.WithError(err).Error("Simulation stopped")
		return s.report, err
	}
	s.logger.WithFields(logrus.Fields{
		"run_id":     s.report.RunID,
		"windows":    len(s.report.Windows),
		"placements": len(s.report.Placements),
		"bugs":       s.report.Bugs,
	}).Info("Simulation finished")
	return s.report, nil
}

func (s *Simulator) boot() error {
	for _, c := range s.cpus {
		if err := s.core.CPUStarting(c.id); err != nil {
			return s.hookErr(err)
		}
		c.lastRun = epoch
	}
	s.clock.now = epoch
	s.nextTick = epoch + s.tickNs
	s.end = epoch + s.cfg.Workload.DurationMs*nsPerMs

	for _, cg := range s.cfg.Workload.Cgroups {
		s.core.CgroupOnline(cg.Name)
		if err := s.core.SetCgroupColocate(cg.Name, cg.Colocate); err != nil {
			return err
		}
		for _, t := range cg.BoostTypes {
			if err := s.core.SetCgroupBoost(cg.Name, boostType(t), true); err != nil {
				return fmt.Errorf("cgroup %s: %w", cg.Name, err)
			}
		}
	}

	for _, tc := range s.cfg.Workload.Tasks {
		s.tasks[tc.PID] = &task{cfg: tc, iowaitCPU: -1}
		s.order = append(s.order, tc.PID)
	}

	s.logger.WithFields(logrus.Fields{
		"cpus":     len(s.cpus),
		"tasks":    len(s.order),
		"events":   len(s.events),
		"window":   s.core.WindowSize(),
		"tick_ns":  s.tickNs,
		"duration": s.cfg.GetDuration(),
	}).Info("Simulation starting")
	return s.step()
}

// nextStop is the earliest time something happens.
func (s *Simulator) nextStop() uint64 {
	next := min(s.nextTick, s.end)
	if s.nextEvent < len(s.events) {
		next = min(next, s.eventTime(s.events[s.nextEvent]))
	}
	for _, pid := range s.order {
		t := s.tasks[pid]
		if !t.started && !s.explicit[pid] {
			next = min(next, epoch+t.cfg.StartMs*nsPerMs)
		}
		if t.wakeAt != 0 {
			next = min(next, t.wakeAt)
		}
	}
	for _, c := range s.cpus {
		if c.curr != nil && !c.curr.infinite {
			next = min(next, c.lastRun+c.curr.runLeft)
		}
	}
	return max(next, s.clock.now)
}

func (s *Simulator) eventTime(ev config.EventConfig) uint64 {
	return epoch + ev.AtMs*nsPerMs
}

// advance moves the clock to now, charging the running tasks.
func (s *Simulator) advance(now uint64) {
	for _, c := range s.cpus {
		if t := c.curr; t != nil {
			d := now - c.lastRun
			t.p.SumExecRuntime += d
			t.p.VRuntime += d * niceZeroWeight / taskWeight(t.p.Prio)
			if !t.infinite {
				t.runLeft -= min(d, t.runLeft)
			}
		}
		c.lastRun = now
		c.updateMinVR()
	}
	s.clock.now = now
}

// step handles everything due at the current time: finished bursts,
// timed wakeups, workload events, the tick and the reschedules they
// caused.
func (s *Simulator) step() error {
	now := s.clock.now
	for _, c := range s.cpus {
		if t := c.curr; t != nil && !t.infinite && t.runLeft == 0 {
			if err := s.burstDone(t); err != nil {
				return err
			}
		}
	}

	for _, pid := range s.order {
		t := s.tasks[pid]
		if !t.started && !s.explicit[pid] && epoch+t.cfg.StartMs*nsPerMs <= now {
			if err := s.spawn(t); err != nil {
				return err
			}
		}
		if t.wakeAt != 0 && t.wakeAt <= now {
			t.wakeAt = 0
			if err := s.wake(t, t.p.CPU, false); err != nil {
				return err
			}
		}
	}

	for s.nextEvent < len(s.events) && s.eventTime(s.events[s.nextEvent]) <= now {
		ev := s.events[s.nextEvent]
		s.nextEvent++
		if err := s.apply(ev); err != nil {
			return err
		}
	}

	if now >= s.nextTick {
		s.nextTick += s.tickNs
		if err := s.tick(); err != nil {
			return err
		}
	}

	for _, c := range s.cpus {
		if c.resched || (c.curr == nil && len(c.queue) > 0) {
			if err := s.schedule(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Simulator) tick() error {
	for _, c := range s.cpus {
		if !s.core.RQ(c.id).Online() {
			continue
		}
		if err := s.core.Tick(c.id); err != nil {
			return s.hookErr(err)
		}
		if c.curr == nil || c.resched {
			continue
		}
		for _, q := range c.queue {
			if q.p.VRuntime+wakeupGranularityNs < c.curr.p.VRuntime {
				c.resched = true
				break
			}
		}
	}
	return nil
}

// hookErr turns a hook error into the run's outcome: fatal accounting
// errors stop the run, anything else is logged and the run goes on.
func (s *Simulator) hookErr(err error) error {
	if err == nil {
		return nil
	}
	var fe *walt.FatalAccountingError
	if errors.As(err, &fe) {
		s.report.Fatal = append(s.report.Fatal, fatalRecord(s.clock.now, fe))
		s.fatalCount++
		return err
	}
	s.logger.WithError(err).WithField("at_ns", s.clock.now).Warn("Hook rejected the operation")
	return nil
}

func (s *Simulator) finish() {
	s.report.Elapsed = time.Since(s.report.StartedAt)
	s.report.SimulatedNs = s.clock.now - min(s.clock.now, epoch)
	s.report.Bugs = s.core.BugCount()
	s.report.SoftCorrections = s.core.SoftCorrections()
	for _, pid := range s.order {
		t := s.tasks[pid]
		if t.p == nil {
			continue
		}
		s.report.Tasks = append(s.report.Tasks, TaskSummary{
			PID:            t.p.PID,
			Comm:           t.p.Comm,
			CPU:            t.p.CPU,
			Demand:         t.p.Demand(),
			DemandScaled:   t.p.DemandScaled(),
			PredDemand:     t.p.PredDemand(),
			Group:          s.core.GroupID(t.p),
			SumExecRuntime: t.p.SumExecRuntime,
			Exited:         t.exited,
		})
	}
}

func (c *cpuState) updateMinVR() {
	var lowest uint64
	found := false
	if c.curr != nil {
		lowest, found = c.curr.p.VRuntime, true
	}
	for _, t := range c.queue {
		if !found || t.p.VRuntime < lowest {
			lowest, found = t.p.VRuntime, true
		}
	}
	if found {
		c.minVR = max(c.minVR, lowest)
	}
}

func (c *cpuState) remove(t *task) bool {
	for i, q := range c.queue {
		if q == t {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}
