package walt

import (
	"walt-sched/internal/cpumask"
	"walt-sched/internal/topology"
)

// placementTask is the part of a waking task placement needs, copied
// under the task's runqueue lock so the search itself runs unlocked.
type placementTask struct {
	p             *Task
	cpu           int
	affinity      cpumask.Mask
	waking        bool
	queued        bool
	iowaited      bool
	inIOWait      bool
	grouped       bool
	rtgHighPrio   bool
	util          uint64
	minUtil       uint64
	demand        uint64
	prevWindow    uint64
	prevWindowCPU []uint64
}

// cpuUtilNext is the utilization cpu would have with the task placed on
// dstCPU, capped at the CPU's capacity.
func (c *Core) cpuUtilNext(cpu int, t *placementTask, dstCPU int) uint64 {
	util := c.rqs[cpu].pubCRA.Load()
	switch {
	case t.queued && t.cpu == cpu:
		if dstCPU != cpu {
			util -= min(util, t.util)
		}
	case dstCPU == cpu:
		util += t.util
	}
	return min(util, c.capacityOrigOf(cpu))
}

// cpuUtilNextPRS is the busy time cpu would report for the previous
// window, in ns, with the task moved to dstCPU. A move across clusters
// carries the task's previous window along, as the migration fixup
// would.
func (c *Core) cpuUtilNextPRS(cpu int, t *placementTask, dstCPU int, sameCluster bool, prs []uint64) uint64 {
	util := prs[cpu]
	if t.prevWindow != 0 {
		if !sameCluster {
			util -= min(util, t.prevWindowCPU[cpu])
			if cpu == dstCPU {
				util += t.prevWindow
			}
		}
	} else if cpu == dstCPU {
		util += t.demand
	}
	return util
}

// emCPUEnergy estimates the energy of a performance domain whose busiest
// CPU runs at maxUtil and whose CPUs together run sumUtil. The frequency
// is picked with a 25% headroom and never below the current one.
func (c *Core) emCPUEnergy(cl *topology.Cluster, maxUtil, sumUtil uint64) uint64 {
	if sumUtil == 0 {
		return 0
	}
	scaleCPU := max(cl.Capacity, 1)
	maxUtil += maxUtil >> 2
	maxUtil = max(maxUtil, c.freqScale(cl.FirstCPU())*scaleCPU>>capacityShift)
	if maxUtil >= topology.CapacityScale {
		maxUtil = topology.CapacityScale - 1
	}
	return cl.UtilToCost[maxUtil] * sumUtil / scaleCPU
}

// pdComputeEnergy estimates the energy of cl with the task on dstCPU.
func (c *Core) pdComputeEnergy(t *placementTask, dstCPU int, cl *topology.Cluster, prs []uint64) uint64 {
	sameCluster := c.topo.ClusterOf(t.cpu) == c.topo.ClusterOf(dstCPU)
	var maxUtil, sumUtil uint64
	cl.CPUs.ForEach(func(cpu int) bool {
		if !c.rqs[cpu].pubOnline.Load() {
			return true
		}
		sumUtil += c.cpuUtilNext(cpu, t, dstCPU)
		maxUtil = max(maxUtil, c.cpuUtilNextPRS(cpu, t, dstCPU, sameCluster, prs))
		return true
	})
	return c.emCPUEnergy(cl, c.scaleDemand(maxUtil), sumUtil)
}

// computeEnergy sums the energy of every performance domain holding a
// candidate or the task's CPU.
func (c *Core) computeEnergy(t *placementTask, dstCPU int, candidates cpumask.Mask, prs []uint64) uint64 {
	var energy uint64
	for _, cl := range c.topo.Clusters {
		if !cl.HasEnergyModel() {
			continue
		}
		if candidates.Intersects(cl.CPUs) || cl.CPUs.Has(t.cpu) {
			energy += c.pdComputeEnergy(t, dstCPU, cl, prs)
		}
	}
	return energy
}

// hasPerfDomains reports whether any cluster carries an energy model.
func (c *Core) hasPerfDomains() bool {
	for _, cl := range c.topo.Clusters {
		if cl.HasEnergyModel() {
			return true
		}
	}
	return false
}

// selectCPUSameEnergy breaks an energy tie between cpu and bestCPU and
// reports whether cpu wins: smaller capacity first, then a shallow idle
// state, any idle state, the previous CPU and finally lower utilization.
func (c *Core) selectCPUSameEnergy(cpu, bestCPU, prevCPU int) bool {
	rq, best := c.rqs[cpu], c.rqs[bestCPU]
	newIdle := rq.availableIdle()
	bestIdle := best.availableIdle()

	if c.capacityOrigOf(bestCPU) < c.capacityOrigOf(cpu) {
		return false
	}
	if c.capacityOrigOf(cpu) < c.capacityOrigOf(bestCPU) {
		return true
	}

	if bestIdle && best.idleExitLatency() <= 1 {
		return false
	}
	if newIdle && rq.idleExitLatency() <= 1 {
		return true
	}

	if bestIdle && !newIdle {
		return false
	}
	if newIdle && !bestIdle {
		return true
	}

	if bestCPU == prevCPU {
		return false
	}
	if cpu == prevCPU {
		return true
	}

	if bestIdle && newIdle {
		return false
	}
	return c.cpuUtil(bestCPU) > c.cpuUtil(cpu)
}

func (c *Core) capacitySpareOf(cpu int) int64 {
	return int64(c.capacityOrigOf(cpu)) - int64(c.cpuUtil(cpu))
}
