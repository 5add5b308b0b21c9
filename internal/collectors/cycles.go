package collectors

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"walt-sched/internal/logging"

	"github.com/elastic/go-perf"
	"github.com/sirupsen/logrus"
)

// counter is the part of *perf.Event the cycle counters read.
type counter interface {
	ReadCount() (perf.Count, error)
	Close() error
}

type eventState struct {
	value   uint64
	enabled time.Duration
	running time.Duration
	// total is the multiplexing-corrected count so far.
	total uint64
}

// CycleCounters holds one system-wide CPU cycle counter per CPU. It
// implements walt.CycleCounter.
type CycleCounters struct {
	events    map[int]counter
	lastState map[int]*eventState
	mutex     sync.Mutex
}

// OpenCycleCounters opens and enables a cpu-cycles counter on every cpu.
// Counting all threads of a CPU needs CAP_PERFMON or a permissive
// perf_event_paranoid.
func OpenCycleCounters(cpus []int) (*CycleCounters, error) {
	logger := logging.GetLogger()

	cc := &CycleCounters{
		events:    make(map[int]counter, len(cpus)),
		lastState: make(map[int]*eventState, len(cpus)),
	}

	for _, cpu := range cpus {
		attr := &perf.Attr{}
		if err := perf.CPUCycles.Configure(attr); err != nil {
			return nil, err
		}
		// Enable time tracking for multiplexing correction
		attr.CountFormat.Enabled = true
		attr.CountFormat.Running = true

		event, err := perf.Open(attr, perf.AllThreads, cpu, nil)
		if err != nil {
			cc.Close()
			logger.WithField("cpu", cpu).WithError(err).Error("Failed to open cycle counter")
			return nil, fmt.Errorf("cpu %d: %w", cpu, err)
		}
		if err := event.Enable(); err != nil {
			event.Close()
			cc.Close()
			return nil, fmt.Errorf("cpu %d: failed to enable cycle counter: %w", cpu, err)
		}
		cc.events[cpu] = event
	}

	logger.WithField("cpus", len(cpus)).Debug("Cycle counters enabled")
	return cc, nil
}

func newCycleCounters(events map[int]counter) *CycleCounters {
	return &CycleCounters{events: events, lastState: make(map[int]*eventState, len(events))}
}

// Cycles returns the cumulative cycle count of cpu, scaled up for the
// time the counter was multiplexed out.
func (cc *CycleCounters) Cycles(cpu int) (uint64, bool) {
	cc.mutex.Lock()
	defer cc.mutex.Unlock()

	event, ok := cc.events[cpu]
	if !ok {
		return 0, false
	}
	count, err := event.ReadCount()
	if err != nil {
		logging.GetLogger().WithFields(logrus.Fields{"cpu": cpu}).WithError(err).Debug("Failed to read cycle counter")
		return 0, false
	}

	last, ok := cc.lastState[cpu]
	if !ok {
		last = &eventState{}
		cc.lastState[cpu] = last
	}

	deltaValue := count.Value - last.value
	deltaEnabled := count.Enabled - last.enabled
	deltaRunning := count.Running - last.running

	scaledDelta := deltaValue
	if deltaRunning > 0 && deltaEnabled > 0 && deltaRunning != deltaEnabled {
		scaleFactor := float64(deltaEnabled) / float64(deltaRunning)
		scaledDelta = uint64(float64(deltaValue) * scaleFactor)
	}

	last.value = count.Value
	last.enabled = count.Enabled
	last.running = count.Running
	last.total += scaledDelta
	return last.total, true
}

// CPUs lists the CPUs that have a counter.
func (cc *CycleCounters) CPUs() []int {
	cc.mutex.Lock()
	defer cc.mutex.Unlock()

	cpus := make([]int, 0, len(cc.events))
	for cpu := range cc.events {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	return cpus
}

func (cc *CycleCounters) Close() {
	cc.mutex.Lock()
	defer cc.mutex.Unlock()

	for _, event := range cc.events {
		if event != nil {
			event.Close()
		}
	}
	cc.events = nil
}
