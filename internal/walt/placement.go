package walt

import (
	"fmt"
	"math"

	"walt-sched/internal/cpumask"

	"github.com/sirupsen/logrus"
)

type Fastpath int

const (
	FastpathNone Fastpath = iota
	FastpathSyncWakeup
	FastpathPrevCPU
)

func (f Fastpath) String() string {
	switch f {
	case FastpathSyncWakeup:
		return "sync_wakeup"
	case FastpathPrevCPU:
		return "prev_cpu"
	}
	return "none"
}

// Placement is the outcome of one energy-aware CPU search.
type Placement struct {
	CPU        int
	Fastpath   Fastpath
	Candidates cpumask.Mask
	OrderIndex int
	EndIndex   int
	EnergyEval bool
	// Policy names the index policy that chose the search window.
	Policy string
}

type fbtEnv struct {
	needIdle  bool
	fastpath  Fastpath
	startCPU  int
	order     int
	end       int
	strictMax bool
	skipCPU   int
	prs       []uint64
	ignore    []bool
}

// snapshotTask copies the unlocked-unsafe task state under the task's
// runqueue lock.
func (c *Core) snapshotTask(p *Task) *placementTask {
	rq := c.lockTaskRQ(p)
	t := &placementTask{
		p:             p,
		cpu:           p.CPU,
		affinity:      p.Affinity,
		waking:        p.State == TaskWaking,
		queued:        p.OnRQ,
		iowaited:      p.iowaited,
		inIOWait:      p.InIOWait,
		grouped:       p.grp.Load() != nil,
		rtgHighPrio:   c.taskRTGHighPrio(p),
		demand:        p.demand,
		prevWindow:    p.prevWindow,
		prevWindowCPU: append([]uint64(nil), p.prevWindowCPU...),
	}
	rq.Unlock()
	t.util = taskUtil(p)
	t.minUtil = uclampTaskUtil(p)
	return t
}

// cpuUtilWithout is the utilization of cpu without the task's own
// contribution. A waking task contributes nothing anywhere.
func (c *Core) cpuUtilWithout(cpu int, t *placementTask) uint64 {
	util := c.cpuUtil(cpu)
	if t.waking || cpu != t.cpu {
		return util
	}
	util -= min(util, t.util)
	return min(util, c.capacityOrigOf(cpu))
}

// targetOK rejects the lone CPU of a single-CPU start cluster below the
// biggest cluster as a reason to stop the search.
func (c *Core) targetOK(target, order int) bool {
	first := c.topo.CPUArray[order][0]
	return !(order != c.topo.NrClusters()-1 && first.Weight() == 1 && target == first.First())
}

func (c *Core) isComplexSiblingIdle(cpu int) bool {
	if sib := c.topo.L2Sibling[cpu]; sib != -1 {
		return c.rqs[sib].availableIdle()
	}
	return false
}

// findBestTarget collects the candidate CPUs, at most one per cluster,
// walking the clusters in the order of env.order's cpu_array row.
func (c *Core) findBestTarget(t *placementTask, env *fbtEnv) cpumask.Mask {
	var candidates cpumask.Mask
	n := c.topo.NrClusters()
	prevCPU := t.cpu
	mostSpare := int64(0)
	mostSpareCPU, leastNrCPU := -1, -1
	leastNr := int64(math.MaxInt64)
	stop := math.MaxInt

	if env.order > 0 && t.iowaited {
		stop = n - 2
		mostSpare = math.MinInt64
	}
	if env.strictMax {
		stop = 0
		mostSpare = math.MinInt64
	}

	prq := c.rqs[prevCPU]
	if (c.capacityOrigOf(prevCPU) == c.capacityOrigOf(env.startCPU) || c.topo.AsymCapSiblings(prevCPU, env.startCPU)) &&
		prq.pubActive.Load() && prq.availableIdle() && t.affinity.Has(prevCPU) {
		env.fastpath = FastpathPrevCPU
		return candidates.With(prevCPU)
	}

	targetNrRTGHP := int64(math.MaxInt64)
	ignored := false
	for pass := 0; pass < 2; pass++ {
		scanIgnored := pass == 1
		completed := true
		for k := 0; k < n; k++ {
			clusterCPUs := c.topo.CPUArray[env.order][k]
			cid := c.topo.ClusterOf(clusterCPUs.First()).ID
			if env.ignore[cid] != scanIgnored {
				ignored = true
				continue
			}

			bestIdle, target := -1, -1
			bestComplexIdle := 0
			var targetMaxSpare int64
			minExitLatency := uint32(math.MaxUint32)
			bestIdleCum := uint64(math.MaxUint64)

			t.affinity.And(clusterCPUs).ForEach(func(i int) bool {
				rq := c.rqs[i]
				capOrig := c.capacityOrigOf(i)
				if !rq.pubActive.Load() || rq.pubReserved.Load() || rq.pubHighIRQ.Load() ||
					i == env.skipCPU || rq.pubMVP.Load() > 0 {
					return true
				}

				wakeUtil := c.cpuUtilWithout(i, t)
				spare := int64(capOrig) - int64(wakeUtil)
				if spare > mostSpare {
					mostSpare = spare
					mostSpareCPU = i
				}
				if nr := rq.pubNr.Load(); nr < leastNr {
					leastNr = nr
					leastNrCPU = i
				}

				newUtil := wakeUtil + t.minUtil
				if newUtil > capOrig {
					return true
				}

				if rq.availableIdle() {
					exitLatency := rq.idleExitLatency()
					complexIdle := 0
					if c.isComplexSiblingIdle(i) {
						complexIdle = 1
					}
					if complexIdle < bestComplexIdle {
						return true
					}
					if exitLatency > minExitLatency {
						return true
					}
					cum := rq.pubCRA.Load()
					if minExitLatency == exitLatency &&
						(bestIdle == prevCPU || (i != prevCPU && cum > bestIdleCum)) {
						return true
					}
					minExitLatency = exitLatency
					bestIdleCum = cum
					bestIdle = i
					bestComplexIdle = complexIdle
					return true
				}

				if bestIdle != -1 {
					return true
				}

				spareCap := int64(capOrig) - int64(newUtil)
				nrHP := rq.pubRTGHP.Load()
				if t.rtgHighPrio {
					if nrHP > targetNrRTGHP {
						return true
					}
					if nrHP == targetNrRTGHP && spareCap < targetMaxSpare {
						return true
					}
				} else if spareCap < targetMaxSpare {
					return true
				}
				targetMaxSpare = spareCap
				targetNrRTGHP = nrHP
				target = i
				return true
			})

			if bestIdle != -1 {
				candidates = candidates.With(bestIdle)
			} else if target != -1 {
				candidates = candidates.With(target)
			}

			if k >= env.end && !candidates.Empty() && c.targetOK(target, env.order) {
				completed = false
				break
			}
			if mostSpareCPU != -1 && k >= stop {
				completed = false
				break
			}
		}

		// Nothing usable outside the ignored clusters: scan those once.
		if scanIgnored || mostSpareCPU != -1 || !candidates.Empty() || !ignored || !completed {
			break
		}
	}

	if candidates.Empty() {
		switch {
		case mostSpareCPU != -1:
			candidates = candidates.With(mostSpareCPU)
		case prq.pubActive.Load() && prq.pubNr.Load() < DireStraitsPrevNrLimit:
			candidates = candidates.With(prevCPU)
		case leastNrCPU != -1:
			candidates = candidates.With(leastNrCPU)
		}
	}
	return candidates
}

// biasToThisCPU reports whether a sync wakeup may stay on the waker's
// CPU.
func (c *Core) biasToThisCPU(t *placementTask, cpu, startCPU int) bool {
	return t.affinity.Has(cpu) && c.rqs[cpu].pubActive.Load() &&
		c.capacityOrigOf(cpu) >= c.capacityOrigOf(startCPU)
}

func (c *Core) isManyWakeup(siblingCountHint int) bool {
	return siblingCountHint >= int(c.tun().ManyWakeupThreshold)
}

// FindEnergyEfficientCPU picks the CPU for waking task p. wakerCPU is
// the CPU doing the wakeup, sync says the waker is about to sleep, and
// siblingCountHint is the number of tasks woken together. It returns
// ErrNoPlacement when no performance domain exists; the caller then
// keeps prevCPU.
func (c *Core) FindEnergyEfficientCPU(p *Task, prevCPU, wakerCPU int, sync bool, siblingCountHint int) (Placement, error) {
	nr := c.NrCPUs()
	if prevCPU < 0 || prevCPU >= nr || wakerCPU < 0 || wakerCPU >= nr {
		return Placement{CPU: -1}, fmt.Errorf("prev cpu %d waker cpu %d: %w", prevCPU, wakerCPU, ErrInvalid)
	}
	t := c.snapshotTask(p)
	t.cpu = prevCPU
	res := Placement{CPU: prevCPU, EnergyEval: true}

	if c.isManyWakeup(siblingCountHint) && prevCPU != wakerCPU && t.affinity.Has(prevCPU) {
		return res, nil
	}

	ignore := make([]bool, c.topo.NrClusters())
	for _, cl := range c.topo.Clusters {
		ignore[cl.ID] = c.ignoreClusterValid(p, c.rqs[cl.FirstCPU()])
	}
	in := &placementInput{
		p:           p,
		util:        t.util,
		taskBoost:   c.perTaskBoost(p),
		uclampBoost: c.uclampBoosted(p),
		grouped:     t.grouped,
		inIOWait:    t.inIOWait,
		skipMinCPU:  c.taskSkipMinCPU(p),
		rtgSkipMin:  rtgSkipMin(p),
		ignore:      ignore,
	}
	st, policy := c.getIndices(in)
	res.OrderIndex, res.EndIndex, res.EnergyEval, res.Policy = st.order, st.end, st.energyEval, policy
	startCPU := c.topo.CPUArray[st.order][0].First()

	waker := c.rqs[wakerCPU]
	needIdle := waker.pubCurrWakeIdle.Load() || p.wakeUpIdle.Load() || p.LatencySensitive
	if sync && (needIdle || (t.grouped && waker.pubCurrGrouped.Load()) || c.ignoreClusterValid(p, waker)) {
		sync = false
	}
	if c.tun().SyncHintEnable != 0 && sync && c.biasToThisCPU(t, wakerCPU, startCPU) {
		res.CPU = wakerCPU
		res.Fastpath = FastpathSyncWakeup
		return res, nil
	}

	if !c.hasPerfDomains() {
		res.CPU = -1
		return res, ErrNoPlacement
	}

	prs := make([]uint64, nr)
	for cpu := range prs {
		prs[cpu] = c.rqs[cpu].pubPRS.Load()
	}
	env := &fbtEnv{
		needIdle:  needIdle,
		startCPU:  startCPU,
		order:     st.order,
		end:       st.end,
		strictMax: t.grouped && in.taskBoost == TaskBoostStrictMax,
		skipCPU:   -1,
		prs:       prs,
		ignore:    ignore,
	}
	if c.isManyWakeup(siblingCountHint) {
		env.skipCPU = wakerCPU
	}

	candidates := c.findBestTarget(t, env)
	res.Candidates = candidates
	res.Fastpath = env.fastpath
	weight := candidates.Weight()
	if weight == 0 {
		return res, nil
	}

	first := candidates.First()
	if weight == 1 && (c.rqs[first].availableIdle() || first == prevCPU) {
		res.CPU = first
		return res, nil
	}
	if needIdle && c.rqs[first].availableIdle() {
		res.CPU = first
		return res, nil
	}
	if !st.energyEval {
		best := first
		candidates.ForEach(func(cpu int) bool {
			if c.capacitySpareOf(best) < c.capacitySpareOf(cpu) {
				best = cpu
			}
			return true
		})
		res.CPU = best
		return res, nil
	}

	var delta uint64
	if t.waking {
		delta = t.util
	}
	prevEnergy, bestEnergy := uint64(math.MaxUint64), uint64(math.MaxUint64)
	if t.affinity.Has(prevCPU) && !c.cpuOverutilizedDelta(prevCPU, delta) &&
		!c.ignoreClusterValid(p, c.rqs[prevCPU]) {
		prevEnergy = c.computeEnergy(t, prevCPU, candidates, prs)
		bestEnergy = prevEnergy
	}

	bestCPU := prevCPU
	candidates.ForEach(func(cpu int) bool {
		if cpu == prevCPU {
			return true
		}
		energy := c.computeEnergy(t, cpu, candidates, prs)
		if energy < bestEnergy || (energy == bestEnergy && c.selectCPUSameEnergy(cpu, bestCPU, prevCPU)) {
			bestEnergy = energy
			bestCPU = cpu
		}
		return true
	})

	// Stay on prev unless moving saves more than 1/32 of its energy.
	brq := c.rqs[bestCPU]
	if !(brq.availableIdle() && brq.idleExitLatency() <= 1) &&
		prevEnergy != math.MaxUint64 && bestCPU != prevCPU &&
		prevEnergy-bestEnergy <= prevEnergy>>5 &&
		c.capacityOrigOf(prevCPU) <= c.capacityOrigOf(startCPU) {
		bestCPU = prevCPU
	}
	res.CPU = bestCPU
	return res, nil
}

// SelectTaskRQ is the placement hook. It never fails: when the search
// has no answer the task stays on prevCPU.
func (c *Core) SelectTaskRQ(p *Task, prevCPU, wakerCPU int, sync bool, siblingCountHint int) int {
	res, err := c.FindEnergyEfficientCPU(p, prevCPU, wakerCPU, sync, siblingCountHint)
	if err != nil || res.CPU < 0 {
		c.logger.WithError(err).WithField("task", p.String()).Trace("No placement, keeping prev cpu")
		return prevCPU
	}
	c.logger.WithFields(logrus.Fields{
		"task":       p.String(),
		"prev":       prevCPU,
		"target":     res.CPU,
		"candidates": res.Candidates.String(),
		"order":      res.OrderIndex,
		"end":        res.EndIndex,
		"policy":     res.Policy,
		"fastpath":   res.Fastpath.String(),
	}).Trace("Task placed")
	return res.CPU
}
