package collectors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elastic/go-perf"
)

type fakeCounter struct {
	counts []perf.Count
	err    error
	closed bool
}

func (f *fakeCounter) ReadCount() (perf.Count, error) {
	if f.err != nil {
		return perf.Count{}, f.err
	}
	c := f.counts[0]
	if len(f.counts) > 1 {
		f.counts = f.counts[1:]
	}
	return c, nil
}

func (f *fakeCounter) Close() error {
	f.closed = true
	return nil
}

func TestCyclesScalesMultiplexedCounts(t *testing.T) {
	ms := time.Millisecond
	ev := &fakeCounter{counts: []perf.Count{
		{Value: 1000, Enabled: 10 * ms, Running: 10 * ms},
		// Counted only half of the next 10ms.
		{Value: 2000, Enabled: 20 * ms, Running: 15 * ms},
	}}
	cc := newCycleCounters(map[int]counter{2: ev})

	if got, ok := cc.Cycles(2); !ok || got != 1000 {
		t.Fatalf("first read = %d %v", got, ok)
	}
	if got, _ := cc.Cycles(2); got != 3000 {
		t.Fatalf("scaled total = %d, want 3000", got)
	}
	if _, ok := cc.Cycles(5); ok {
		t.Fatalf("cpu without a counter reported cycles")
	}
}

func TestCyclesReadError(t *testing.T) {
	cc := newCycleCounters(map[int]counter{0: &fakeCounter{err: errors.New("EBADF")}})
	if _, ok := cc.Cycles(0); ok {
		t.Fatalf("failed read reported cycles")
	}
}

func TestCycleCountersClose(t *testing.T) {
	a, b := &fakeCounter{}, &fakeCounter{}
	cc := newCycleCounters(map[int]counter{1: a, 0: b})
	if cpus := cc.CPUs(); len(cpus) != 2 || cpus[0] != 0 || cpus[1] != 1 {
		t.Fatalf("CPUs = %v", cpus)
	}
	cc.Close()
	if !a.closed || !b.closed {
		t.Fatalf("counters left open")
	}
	if _, ok := cc.Cycles(1); ok {
		t.Fatalf("closed counters still read")
	}
}

type fakeSource struct {
	cycles map[int]uint64
}

func (f *fakeSource) Cycles(cpu int) (uint64, bool) {
	v, ok := f.cycles[cpu]
	return v, ok
}

func (f *fakeSource) CPUs() []int { return []int{0, 1} }

func TestFreqCollectorSample(t *testing.T) {
	src := &fakeSource{cycles: map[int]uint64{0: 0, 1: 500}}
	fc := NewFreqCollector(src, time.Second, nil)
	t0 := time.Unix(100, 0)

	if s := fc.Sample(t0); len(s) != 0 {
		t.Fatalf("baseline produced samples: %v", s)
	}
	// 18M cycles in 10ms is 1.8GHz.
	src.cycles[0] = 18000000
	src.cycles[1] = 500 + 9000000
	s := fc.Sample(t0.Add(10 * time.Millisecond))
	if len(s) != 2 {
		t.Fatalf("samples = %v", s)
	}
	if s[0].CPU != 0 || s[0].FreqKHz != 1800000 {
		t.Fatalf("cpu 0 = %+v", s[0])
	}
	if s[1].FreqKHz != 900000 {
		t.Fatalf("cpu 1 = %+v", s[1])
	}
}

func TestFreqCollectorStartStop(t *testing.T) {
	src := &fakeSource{cycles: map[int]uint64{0: 0, 1: 0}}
	got := make(chan []FreqSample, 16)
	fc := NewFreqCollector(src, time.Millisecond, func(s []FreqSample) {
		select {
		case got <- s:
		default:
		}
	})
	if err := fc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case s := <-got:
		if len(s) == 0 {
			t.Fatalf("empty batch")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no samples delivered")
	}
	if err := fc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := fc.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
