package collectors

import (
	"context"
	"sync"
	"time"

	"walt-sched/internal/logging"
)

type Collector interface {
	Start(ctx context.Context) error
	Stop() error
}

// CycleSource is a set of per-CPU cycle counters.
type CycleSource interface {
	Cycles(cpu int) (uint64, bool)
	CPUs() []int
}

// FreqSample is the average frequency of one CPU over a sampling interval.
type FreqSample struct {
	Timestamp time.Time `json:"timestamp"`
	CPU       int       `json:"cpu"`
	Cycles    uint64    `json:"cycles"`
	FreqKHz   uint64    `json:"freq_khz"`
}

// FreqCollector turns cycle counts into frequency estimates on a fixed
// interval and hands every batch to sink.
type FreqCollector struct {
	source   CycleSource
	interval time.Duration
	sink     func([]FreqSample)

	mutex  sync.Mutex
	last   map[int]uint64
	lastAt time.Time

	stopChan chan struct{}
	done     chan struct{}
	stopped  bool
}

func NewFreqCollector(source CycleSource, interval time.Duration, sink func([]FreqSample)) *FreqCollector {
	return &FreqCollector{
		source:   source,
		interval: interval,
		sink:     sink,
		last:     make(map[int]uint64),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (fc *FreqCollector) Start(ctx context.Context) error {
	fc.Sample(time.Now())
	go fc.collect(ctx)
	return nil
}

func (fc *FreqCollector) collect(ctx context.Context) {
	defer close(fc.done)

	ticker := time.NewTicker(fc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fc.stopChan:
			return
		case now := <-ticker.C:
			if samples := fc.Sample(now); len(samples) > 0 && fc.sink != nil {
				fc.sink(samples)
			}
		}
	}
}

// Sample reads every counter and returns the frequency of each CPU since
// the previous call. The first call only records the baseline.
func (fc *FreqCollector) Sample(now time.Time) []FreqSample {
	fc.mutex.Lock()
	defer fc.mutex.Unlock()

	elapsed := now.Sub(fc.lastAt)
	first := fc.lastAt.IsZero()
	fc.lastAt = now

	var samples []FreqSample
	for _, cpu := range fc.source.CPUs() {
		cycles, ok := fc.source.Cycles(cpu)
		if !ok {
			continue
		}
		prev, seen := fc.last[cpu]
		fc.last[cpu] = cycles
		if first || !seen || elapsed <= 0 || cycles < prev {
			continue
		}
		delta := cycles - prev
		samples = append(samples, FreqSample{
			Timestamp: now,
			CPU:       cpu,
			Cycles:    delta,
			FreqKHz:   uint64(float64(delta) * 1e6 / float64(elapsed.Nanoseconds())),
		})
	}
	return samples
}

func (fc *FreqCollector) Stop() error {
	if !fc.stopped {
		close(fc.stopChan)
		fc.stopped = true
		<-fc.done
		logging.GetLogger().Debug("Frequency collector stopped")
	}
	return nil
}
