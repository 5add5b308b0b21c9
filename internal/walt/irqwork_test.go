package walt

import (
	"errors"
	"testing"

	"walt-sched/internal/logging"

	"github.com/sirupsen/logrus"
)

// entryHook keeps every entry logged through it.
type entryHook struct {
	entries []*logrus.Entry
}

func (h *entryHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *entryHook) Fire(e *logrus.Entry) error {
	h.entries = append(h.entries, e)
	return nil
}

func TestUpdateIRQLoad(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	c := env.c
	w := c.WindowSize()
	rq := c.RQ(2)

	steps := []struct {
		name     string
		ws       uint64
		last     uint64
		irq      uint64
		wantAvg  uint64
		wantHigh bool
	}{
		{"a full window of irq", 1 + w, 1, w, w, true},
		{"quiet window decays", 1 + 2*w, 1 + w, 0, w * 3 / 4, false},
		{"stale irq is not high", 1 + 4*w, 1, w, w*9/16 + w, false},
		{"long gap resets", 1 + 20*w, 1, 2000000, 2000000, false},
	}
	for _, st := range steps {
		rq.windowStart = st.ws
		rq.lastIRQWindow = st.last
		rq.irqTime += st.irq
		c.updateIRQLoad(rq)
		if rq.avgIRQLoad != st.wantAvg || rq.highIRQLoad != st.wantHigh {
			t.Fatalf("%s: avg %d high %v, want %d %v", st.name, rq.avgIRQLoad, rq.highIRQLoad, st.wantAvg, st.wantHigh)
		}
		if rq.prevIRQTime != rq.irqTime {
			t.Fatalf("%s: prev irq time %d, irq time %d", st.name, rq.prevIRQTime, rq.irqTime)
		}
	}
}

func TestPlacementSkipsHighIRQLoadCPUs(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	c := env.c
	w := c.WindowSize()

	env.clock.now = 1
	busy := env.spawn(t, 10, 0)
	env.enqueue(t, busy)
	env.run(t, 0, busy)

	// cpus 1-3 spend the whole first window in interrupts.
	env.clock.now = 1 + w/2
	for cpu := 1; cpu <= 3; cpu++ {
		if err := c.AccountIRQ(cpu, 0, false); err != nil {
			t.Fatalf("AccountIRQ(%d): %v", cpu, err)
		}
		rq := c.RQ(cpu)
		rq.Lock()
		rq.irqTime = w
		rq.Unlock()
	}

	env.clock.now = 1 + w + 1000
	env.tick(t, 0)
	for cpu := 0; cpu < 8; cpu++ {
		want := cpu >= 1 && cpu <= 3
		if got := c.RQ(cpu).HighIRQLoad(); got != want {
			t.Fatalf("cpu %d high irq load = %v, want %v", cpu, got, want)
		}
	}

	p := env.spawn(t, 11, 0)
	p.State = TaskWaking
	res, err := c.FindEnergyEfficientCPU(p, 0, 0, false, 0)
	if err != nil {
		t.Fatalf("FindEnergyEfficientCPU: %v", err)
	}
	for cpu := 1; cpu <= 3; cpu++ {
		if res.Candidates.Has(cpu) || res.CPU == cpu {
			t.Fatalf("placed on high irq cpu: %+v", res)
		}
	}
	if c.BugCount() != 0 {
		t.Fatalf("bugs = %d", c.BugCount())
	}
}

func TestRolloverReportsUpdateError(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	c := env.c
	w := c.WindowSize()

	hook := &entryHook{}
	logger := logging.Discard()
	logger.AddHook(hook)
	c.logger = logger

	// cpu 1's window is ahead of the clock when cpu 0 triggers the
	// rollover.
	c.RQ(1).windowStart = 1 + 2*w
	env.clock.now = 1 + w
	err := c.Tick(0)

	var fe *FatalAccountingError
	if !errors.As(err, &fe) || fe.Kind != KindClockBackward || fe.CPU != 1 {
		t.Fatalf("Tick = %v, want clock_backward on cpu 1", err)
	}
	logged := false
	for _, e := range hook.entries {
		if e.Message == "Rollover update failed" && e.Level == logrus.WarnLevel && e.Data["cpu"] == 1 {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("rollover failure not logged")
	}
	if env.obs.fatal != 1 {
		t.Fatalf("fatal bugs = %d, want 1", env.obs.fatal)
	}
}
