package sim

import (
	"walt-sched/internal/topology"
	"walt-sched/internal/walt"
)

type virtualClock struct {
	now uint64
}

func (c *virtualClock) Now() uint64 { return c.now }

// prioToWeight is the fair-class load weight of nice -20..19.
var prioToWeight = [40]uint64{
	88761, 71755, 56483, 46273, 36291,
	29154, 23254, 18705, 14949, 11916,
	9548, 7620, 6100, 4904, 3906,
	3121, 2501, 1991, 1586, 1277,
	1024, 820, 655, 526, 423,
	335, 272, 215, 172, 137,
	110, 87, 70, 56, 45,
	36, 29, 23, 18, 15,
}

const niceZeroWeight = 1024

func taskWeight(prio int) uint64 {
	nice := prio - walt.DefaultPrio + 20
	if nice < 0 {
		nice = 0
	}
	if nice >= len(prioToWeight) {
		nice = len(prioToWeight) - 1
	}
	return prioToWeight[nice]
}

// governor turns every callback into a cluster frequency: the requested
// util with 25% headroom, rounded up to a perf state and capped at the
// policy maximum. A cluster runs at the highest request of its CPUs.
type governor struct {
	s   *Simulator
	req []uint64
}

func newGovernor(s *Simulator, nrCPUs int) *governor {
	return &governor{s: s, req: make([]uint64, nrCPUs)}
}

func (g *governor) Callback(cpu int, now uint64, flags uint32) {
	s := g.s
	load := s.core.CPUUtilFreq(cpu)
	cl := s.topo.ClusterOf(cpu)
	g.req[cpu] = targetFreq(cl, load.Util)

	var freq uint64
	cl.CPUs.ForEach(func(i int) bool {
		freq = max(freq, g.req[i])
		return true
	})
	freq = min(freq, cl.MaxFreq())
	cl.SetCurFreq(freq)

	s.report.GovCalls = append(s.report.GovCalls, GovCall{
		AtNs:    now,
		CPU:     cpu,
		Flags:   flags,
		Util:    load.Util,
		NL:      load.NL,
		PL:      load.PL,
		FreqKHz: freq,
	})

	if flags&walt.GovRollover == 0 {
		return
	}
	rq := s.core.RQ(cpu)
	sample := WindowSample{
		WindowStart:     load.WS,
		CPU:             cpu,
		Cluster:         cl.ID,
		Util:            load.Util,
		NL:              load.NL,
		PL:              load.PL,
		FreqKHz:         freq,
		PrevRunnableSum: rq.PrevRunnableSum(),
		NTPrevRunnable:  rq.NTPrevRunnableSum(),
		GroupPrevSum:    rq.GroupPrevRunnable(),
		Cumulative:      rq.CumulativeRunnable(),
		NrRunning:       rq.NrRunning(),
		NrBigTasks:      rq.NrBigTasks(),
	}
	s.report.Windows = append(s.report.Windows, sample)
	for _, l := range s.listeners {
		l.WindowClosed(sample)
	}
}

func targetFreq(cl *topology.Cluster, util uint64) uint64 {
	freq := cl.MaxPossibleFreq() * (util + util>>2) / max(cl.Capacity, 1)
	for _, ps := range cl.PerfStates {
		if ps.FreqKHz >= freq {
			freq = ps.FreqKHz
			break
		}
	}
	if len(cl.PerfStates) > 0 {
		freq = max(freq, cl.PerfStates[0].FreqKHz)
	}
	return min(freq, cl.MaxFreq())
}
