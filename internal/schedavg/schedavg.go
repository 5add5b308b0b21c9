// Package schedavg tracks time-weighted runnable counts per CPU and the
// busy hysteresis that keeps a CPU marked busy for a while after its
// load drops.
package schedavg

import (
	"sync"
	"sync/atomic"

	"walt-sched/internal/config"
)

const (
	// BusyNrRun is the runnable count a CPU must drop below to start
	// the busy hysteresis.
	BusyNrRun = 3
	// BusyLoadFactor marks a CPU loaded when util*factor exceeds capacity.
	BusyLoadFactor = 10

	nrThresholdPct = 15
)

// Sample is the state of a CPU right after an enqueue or dequeue.
type Sample struct {
	NrRunning int
	NrBig     int
	NrIOWait  int
	Util      uint64
	CapOrig   uint64
	// TotalUtil is the utilization summed over all CPUs.
	TotalUtil uint64
}

// NrStats is the average runnable count of one CPU since the previous
// NrRunningAvg call. Averages round up from .85.
type NrStats struct {
	Nr       int
	NrMisfit int
	NrMax    int
	NrIOWait int
	// NrScaled is the average times 100.
	NrScaled uint64
}

type cpuState struct {
	mu            sync.Mutex
	nr            int
	nrMax         int
	nrBig         int
	nrIOWait      int
	lastTime      uint64
	nrProdSum     uint64
	bigProdSum    uint64
	iowaitProdSum uint64

	busyEnd atomic.Uint64
}

type hystTimes struct {
	busy      uint64
	coloc     uint64
	colocBusy uint64
	util      uint64
	utilBusy  uint64
}

type Tracker struct {
	cpus []cpuState
	hyst atomic.Pointer[[]hystTimes]

	getMu   sync.Mutex
	lastGet uint64
}

func New(nrCPUs int) *Tracker {
	t := &Tracker{cpus: make([]cpuState, nrCPUs)}
	empty := make([]hystTimes, nrCPUs)
	t.hyst.Store(&empty)
	return t
}

// UpdateHystTimes recomputes the per-CPU hysteresis durations from the
// knobs. capacity gives each CPU's maximum capacity; colocActive says
// whether the default colocation group is on the big cluster.
func (t *Tracker) UpdateHystTimes(tun *config.Tunables, capacity func(cpu int) uint64, colocActive bool) {
	out := make([]hystTimes, len(t.cpus))
	for cpu := range out {
		bit := uint32(1) << uint(cpu)
		h := &out[cpu]
		if tun.BusyHystEnableCPUs&bit != 0 {
			h.busy = uint64(tun.BusyHystNs)
		}
		if tun.ColocBusyHystEnableCPUs&bit != 0 && colocActive {
			h.coloc = uint64(at(tun.ColocBusyHystCPUNs, cpu))
		}
		h.colocBusy = capacity(cpu) * uint64(at(tun.ColocBusyHystCPUBusyPct, cpu)) / 100
		if tun.UtilBusyHystEnableCPUs&bit != 0 {
			h.util = uint64(at(tun.UtilBusyHystCPUNs, cpu))
		}
		h.utilBusy = uint64(at(tun.UtilBusyHystCPUUtil, cpu))
	}
	t.hyst.Store(&out)
}

func at(s []uint32, i int) uint32 {
	if i < len(s) {
		return s[i]
	}
	return 0
}

// Update folds the interval since the previous update into the running
// products and re-arms the busy hysteresis of cpu.
func (t *Tracker) Update(cpu int, now uint64, dequeue bool, s Sample) {
	if cpu < 0 || cpu >= len(t.cpus) {
		return
	}
	st := &t.cpus[cpu]
	st.mu.Lock()
	defer st.mu.Unlock()

	prevNr := st.nr
	var diff uint64
	if now > st.lastTime {
		diff = now - st.lastTime
	}
	st.lastTime = now
	st.nrProdSum += uint64(prevNr) * diff
	st.bigProdSum += uint64(st.nrBig) * diff
	st.iowaitProdSum += uint64(st.nrIOWait) * diff

	st.nr = s.NrRunning
	st.nrBig = s.NrBig
	st.nrIOWait = s.NrIOWait
	if st.nr > st.nrMax {
		st.nrMax = st.nr
	}

	t.updateBusyHystEnd(cpu, st, dequeue, prevNr, now, s)
}

func (t *Tracker) updateBusyHystEnd(cpu int, st *cpuState, dequeue bool, prevNr int, now uint64, s Sample) {
	h := (*t.hyst.Load())[cpu]
	if h.busy == 0 && h.coloc == 0 && h.util == 0 {
		return
	}

	nrRunTrigger := prevNr >= BusyNrRun && s.NrRunning < BusyNrRun
	loadTrigger := dequeue && s.Util*BusyLoadFactor > s.CapOrig
	colocLoadTrigger := dequeue && s.Util > h.colocBusy
	utilLoadTrigger := dequeue && s.TotalUtil >= h.utilBusy

	var agg uint64
	if nrRunTrigger || loadTrigger {
		agg = max(agg, h.busy)
	}
	if nrRunTrigger || colocLoadTrigger {
		agg = max(agg, h.coloc)
	}
	if utilLoadTrigger {
		agg = max(agg, h.util)
	}
	if agg != 0 {
		st.busyEnd.Store(now + agg)
	}
}

// CPUBusyUntil reports whether cpu is still inside its busy hysteresis.
func (t *Tracker) CPUBusyUntil(cpu int, now uint64) bool {
	if cpu < 0 || cpu >= len(t.cpus) {
		return false
	}
	return now < t.cpus[cpu].busyEnd.Load()
}

// BusyEnd returns the end of cpu's busy hysteresis.
func (t *Tracker) BusyEnd(cpu int) uint64 {
	if cpu < 0 || cpu >= len(t.cpus) {
		return 0
	}
	return t.cpus[cpu].busyEnd.Load()
}

// NrRunningAvg returns the per-CPU averages since the previous call and
// resets the accumulators. A call at the same timestamp returns nil.
func (t *Tracker) NrRunningAvg(now uint64) []NrStats {
	t.getMu.Lock()
	defer t.getMu.Unlock()

	if now <= t.lastGet {
		return nil
	}
	period := now - t.lastGet
	t.lastGet = now

	out := make([]NrStats, len(t.cpus))
	for cpu := range t.cpus {
		st := &t.cpus[cpu]
		st.mu.Lock()
		var diff uint64
		if now > st.lastTime {
			diff = now - st.lastTime
		}
		nr := (st.nrProdSum + uint64(st.nr)*diff) * 100 / period
		big := (st.bigProdSum + uint64(st.nrBig)*diff) * 100 / period
		iowait := (st.iowaitProdSum + uint64(st.nrIOWait)*diff) * 100 / period

		out[cpu] = NrStats{
			Nr:       int((nr + nrThresholdPct) / 100),
			NrMisfit: int((big + nrThresholdPct) / 100),
			NrIOWait: int((iowait + nrThresholdPct) / 100),
			NrMax:    st.nrMax,
			NrScaled: nr,
		}

		st.lastTime = now
		st.nrProdSum = 0
		st.bigProdSum = 0
		st.iowaitProdSum = 0
		st.nrMax = st.nr
		st.mu.Unlock()
	}
	return out
}
