package walt

// CPULoad is the frequency input of one CPU on the 0..1024 scale.
type CPULoad struct {
	// Util is the load the governor should provide capacity for.
	Util uint64
	// NL is the part of the load coming from new tasks.
	NL uint64
	// PL is the predicted load of the runnable tasks.
	PL uint64
	// WS is the window the load was reported for.
	WS         uint64
	RTGBActive bool
}

// shouldApplySUHFreqBoost reports whether the user hint scales the load
// of cl: only when group load is not aggregated and cl hosts the top
// app. The cluster lock or every rq lock of cl is held.
func (c *Core) shouldApplySUHFreqBoost(rq *RQ) bool {
	if c.aggrEnabled.Load() || c.tun().UserHint == 0 || rq.cluster.AggrGrpLoad() == 0 {
		return false
	}
	return c.isClusterHostingTopApp(c.topo.IsMinCluster(rq.cluster))
}

// freqPolicyLoad is the busy time the governor is asked to cover in the
// next window. The rq lock is held.
func (c *Core) freqPolicyLoad(rq *RQ) uint64 {
	size := c.WindowSize()
	if rq.edTask != nil {
		return size
	}

	var load uint64
	if c.aggrEnabled.Load() {
		load = rq.prevRunnableSum + rq.cluster.AggrGrpLoad()
	} else {
		load = rq.prevRunnableSum + rq.grpTime.prevRunnableSum
	}
	load = max(load, c.topTaskLoad(rq))

	if c.shouldApplySUHFreqBoost(rq) {
		if c.isSUHMax() {
			load = size
		} else {
			load = load * uint64(c.tun().UserHint) / 100
		}
	}
	return load
}

// cpuUtilFreq computes the load of one CPU and remembers what was
// reported for the predicted-load filter.
func (c *Core) cpuUtilFreq(rq *RQ, record bool) CPULoad {
	div := c.win.Load().scaleDivisor
	util := c.freqPolicyLoad(rq) / div
	l := CPULoad{
		Util:       min(util, rq.capOrig),
		NL:         (rq.ntPrevRunnable + rq.grpTime.ntPrevRunnableSum) / div,
		PL:         rq.stats.predSum,
		WS:         c.loadReportedWindow.Load(),
		RTGBActive: c.rtgbActive.Load(),
	}
	if record {
		rq.oldBusyTime = util
		rq.oldEstimated = l.PL
	}
	return l
}

// CPUUtilFreq returns the frequency input of cpu. The governor calls it
// from its Callback, where the runqueue locks are held. Asym-cap
// siblings report the larger of their own load and the sibling's load
// scaled by the frequency match percentage.
func (c *Core) CPUUtilFreq(cpu int) CPULoad {
	rq := c.rqs[cpu]
	sibs := c.topo.AsymSiblings
	if !sibs.Has(cpu) {
		return c.cpuUtilFreq(rq, true)
	}

	var own, other CPULoad
	sibs.ForEach(func(i int) bool {
		if i == cpu {
			own = c.cpuUtilFreq(rq, true)
		} else {
			other = c.cpuUtilFreq(c.rqs[i], false)
		}
		return true
	})
	mpct := uint64(c.tun().AsymCapSiblingFreqMatchPct)
	if cpu == sibs.Last() {
		mpct = 100
	}
	adj := func(orig, o uint64) uint64 { return max(orig, o*mpct/100) }

	own.Util = min(adj(own.Util, other.Util), rq.capOrig)
	own.NL = adj(own.NL, other.NL)
	own.PL = adj(own.PL, other.PL)
	return own
}

// loadToFreq converts a load on the capacity scale to the frequency that
// provides it on rq's CPU.
func (c *Core) loadToFreq(rq *RQ, load uint64) uint64 {
	return rq.cluster.MaxPossibleFreq() * load / max(rq.cluster.Capacity, 1)
}

// doPLNotif reports whether the predicted load rose far enough above
// what was last reported to warrant an immediate governor callback.
func (c *Core) doPLNotif(rq *RQ) bool {
	if c.capacityOrigOf(rq.CPU) == c.capacityCurrOf(rq.CPU) {
		return false
	}
	prev := max(rq.oldBusyTime, rq.oldEstimated)
	pl := rq.stats.predSum
	return pl > prev && c.loadToFreq(rq, pl-prev) > plNotifFreqThreshold
}

func (c *Core) govCallback(rq *RQ, wallclock uint64, flags uint32) {
	if c.gov != nil {
		c.gov.Callback(rq.CPU, wallclock, flags)
	}
}
