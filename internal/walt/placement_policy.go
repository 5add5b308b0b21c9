package walt

import (
	"walt-sched/internal/boost"
)

// placementState is where the candidate search starts and stops in the
// cpu_array row of the start cluster.
type placementState struct {
	order      int
	end        int
	energyEval bool
}

// placementInput is what the index policies decide on. ignore is indexed
// by cluster id.
type placementInput struct {
	p           *Task
	util        uint64
	taskBoost   int
	uclampBoost bool
	grouped     bool
	inIOWait    bool
	skipMinCPU  bool
	rtgSkipMin  bool
	ignore      []bool
}

// placementPolicy is one step of the index selection. apply adjusts st
// and reports whether the decision is final.
type placementPolicy interface {
	name() string
	apply(c *Core, in *placementInput, st *placementState) bool
}

// strictMaxPolicy sends tasks boosted above ON_MID straight to the
// biggest cluster.
type strictMaxPolicy struct{}

func (strictMaxPolicy) name() string { return "strict_max" }

func (strictMaxPolicy) apply(c *Core, in *placementInput, st *placementState) bool {
	if in.taskBoost <= TaskBoostOnMid {
		return false
	}
	st.order = c.topo.NrClusters() - 1
	st.energyEval = false
	return true
}

type fullThrottlePolicy struct{}

func (fullThrottlePolicy) name() string { return "full_throttle" }

// apply starts at the biggest cluster and lets the search stop at the
// next one down when the task fits it.
func (fullThrottlePolicy) apply(c *Core, in *placementInput, st *placementState) bool {
	if !c.isFullThrottleBoost() {
		return false
	}
	n := c.topo.NrClusters()
	st.order = n - 1
	st.energyEval = false
	if st.order > 1 && c.taskDemandFits(in.p, c.topo.CPUArray[st.order][1].First()) {
		st.end = 1
	}
	return true
}

// boostedPolicy skips the smallest cluster for boosted tasks and for
// members of a group that asked to skip it. Without asymcap boost the
// default search continues from the raised index.
type boostedPolicy struct{}

func (boostedPolicy) name() string { return "boosted" }

func (boostedPolicy) apply(c *Core, in *placementInput, st *placementState) bool {
	if !in.uclampBoost && in.taskBoost == 0 && !in.skipMinCPU &&
		c.taskBoostPolicy(in.p) != boost.PolicyOnBig {
		return false
	}
	n := c.topo.NrClusters()
	st.energyEval = false
	st.order = 1
	for st.order < n-1 && in.ignore[st.order] {
		st.order++
	}

	if st.order < n-1 && c.tun().AsymcapBoost != 0 {
		i := 1
		for ; i < n-1; i++ {
			if c.topo.IsMaxCapacityCPU(c.topo.CPUArray[st.order][i].First()) {
				break
			}
		}
		st.end = i
		return true
	}
	return false
}

// defaultPolicy picks the first cluster from st.order up that fits the
// task and is not ignored, and widens the search to the next cluster up
// (region 2) for mid-sized tasks that start on the smallest one.
type defaultPolicy struct{}

func (defaultPolicy) name() string { return "default" }

func (defaultPolicy) apply(c *Core, in *placementInput, st *placementState) bool {
	n := c.topo.NrClusters()
	i := st.order
	for ; i < n-1; i++ {
		if c.taskDemandFits(in.p, c.topo.CPUArray[i][0].First()) && !in.ignore[i] {
			break
		}
	}
	st.order = i

	// order 0 means no cluster was ignored on the way.
	if st.order == 0 && in.util >= MinUtilForEnergyEval &&
		!(in.inIOWait && in.grouped) && !in.rtgSkipMin &&
		!(c.boost.Effective() == boost.Conservative && c.taskSchedBoost(in.p)) &&
		c.tun().SuppressRegion2 == 0 {
		j := 1
		for j <= n-2 && in.ignore[j] {
			j++
		}
		if j <= n-2 {
			st.end = j
		}
	}

	if in.inIOWait && in.grouped {
		st.energyEval = false
	}
	return true
}

var placementPolicies = []placementPolicy{
	strictMaxPolicy{},
	fullThrottlePolicy{},
	boostedPolicy{},
	defaultPolicy{},
}

// getIndices runs the policy chain and returns the search window along
// with the name of the policy that settled it.
func (c *Core) getIndices(in *placementInput) (placementState, string) {
	st := placementState{energyEval: true}
	if c.topo.NrClusters() <= 1 {
		return st, "single_cluster"
	}
	for _, pol := range placementPolicies {
		if pol.apply(c, in, &st) {
			return st, pol.name()
		}
	}
	return st, "default"
}

// taskDemandFits reports whether p fits cpu. The biggest CPUs fit
// everything.
func (c *Core) taskDemandFits(p *Task, cpu int) bool {
	capacity := c.capacityOrigOf(cpu)
	if capacity == c.topo.MaxPossibleCap {
		return true
	}
	return c.taskFitsCapacity(p, capacity, cpu)
}

// taskSkipMinCPU reports whether p's group wants it off the smallest
// cluster.
func (c *Core) taskSkipMinCPU(p *Task) bool {
	if c.boost.Effective() == boost.Conservative {
		return false
	}
	g := p.grp.Load()
	if g == nil || !g.skipMin.Load() {
		return false
	}
	return p.unfilterPub.Load() != 0 || pipelineLowLatencyTask(p)
}

// rtgSkipMin is the group's skip-min status, false outside a group.
func rtgSkipMin(p *Task) bool {
	g := p.grp.Load()
	return g != nil && g.skipMin.Load()
}
