// Package topology models the CPU clusters the load tracker schedules
// across: capacity-ordered clusters, the per-cluster search order
// (cpu_array) and the energy-model cost tables.
package topology

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"walt-sched/internal/config"
	"walt-sched/internal/cpumask"
	"walt-sched/internal/logging"

	"github.com/sirupsen/logrus"
)

// CapacityScale is the capacity of the biggest CPU at its highest frequency.
const CapacityScale = 1024

type PerfState struct {
	FreqKHz uint64
	Power   uint64
	// Cost is the energy-model cost, power scaled to the top frequency.
	Cost uint64
}

// Cluster is a set of CPUs sharing a frequency domain.
type Cluster struct {
	ID   int
	Name string
	CPUs cpumask.Mask
	// Capacity is the capacity of each CPU of the cluster at its
	// maximum possible frequency.
	Capacity        uint64
	IdleExitLatency uint32
	PerfStates      []PerfState
	UtilToCost      [CapacityScale]uint64

	curFreq         atomic.Uint64
	maxFreq         atomic.Uint64
	maxPossibleFreq uint64

	// mu protects the aggregate group load and cross-CPU subtraction
	// bookkeeping of the cluster's CPUs.
	mu          sync.Mutex
	aggrGrpLoad uint64
}

func newCluster(cpus cpumask.Mask) *Cluster {
	c := &Cluster{CPUs: cpus, maxPossibleFreq: 1}
	c.curFreq.Store(1)
	c.maxFreq.Store(1)
	return c
}

func (c *Cluster) Lock()   { c.mu.Lock() }
func (c *Cluster) Unlock() { c.mu.Unlock() }

func (c *Cluster) FirstCPU() int { return c.CPUs.First() }

func (c *Cluster) CurFreq() uint64         { return c.curFreq.Load() }
func (c *Cluster) SetCurFreq(khz uint64)   { c.curFreq.Store(max(khz, 1)) }
func (c *Cluster) MaxFreq() uint64         { return c.maxFreq.Load() }
func (c *Cluster) SetMaxFreq(khz uint64)   { c.maxFreq.Store(max(khz, 1)) }
func (c *Cluster) MaxPossibleFreq() uint64 { return c.maxPossibleFreq }

// HasEnergyModel reports whether the cluster forms a performance domain.
func (c *Cluster) HasEnergyModel() bool { return len(c.PerfStates) > 0 }

// AggrGrpLoad must be read with the cluster lock held.
func (c *Cluster) AggrGrpLoad() uint64 { return c.aggrGrpLoad }

// SetAggrGrpLoad must be called with the cluster lock held.
func (c *Cluster) SetAggrGrpLoad(v uint64) { c.aggrGrpLoad = v }

// Topology is immutable after Build, apart from the per-cluster frequency
// and aggregate fields.
type Topology struct {
	NrCPUs   int
	Clusters []*Cluster
	// CPUArray[i] is the search order starting at cluster i: cluster i,
	// then the higher clusters ascending, then the lower ones descending.
	CPUArray [][]cpumask.Mask
	// AsymSiblings holds the CPUs of single-CPU clusters, treated as one
	// frequency domain.
	AsymSiblings   cpumask.Mask
	MaxPossibleCap uint64
	MinPossibleCap uint64
	// L2Sibling maps a CPU to a CPU sharing its L2, or -1.
	L2Sibling []int
	// Fallback is set when the configured clusters could not be used and
	// every CPU landed in one init cluster.
	Fallback bool

	cpuCluster []*Cluster
	allCPUs    cpumask.Mask
}

// Build constructs the topology for nrCPUs CPUs. Clusters that do not
// cover every CPU exactly once degrade to a single init cluster spanning
// all CPUs instead of failing.
func Build(clusters []config.ClusterConfig, nrCPUs int) (*Topology, error) {
	return BuildWithLogger(clusters, nrCPUs, logging.GetSchedulerLogger())
}

func BuildWithLogger(clusters []config.ClusterConfig, nrCPUs int, logger logrus.FieldLogger) (*Topology, error) {
	if nrCPUs <= 0 || nrCPUs > cpumask.MaxCPUs {
		return nil, fmt.Errorf("cpu count %d out of range 1..%d", nrCPUs, cpumask.MaxCPUs)
	}

	t := &Topology{
		NrCPUs:     nrCPUs,
		allCPUs:    cpumask.Range(0, nrCPUs-1),
		cpuCluster: make([]*Cluster, nrCPUs),
		L2Sibling:  make([]int, nrCPUs),
	}
	for i := range t.L2Sibling {
		t.L2Sibling[i] = -1
	}

	built, err := buildClusters(clusters, t.allCPUs)
	if err != nil {
		logger.WithError(err).Warn("Invalid cpu topology, using a single cluster")
		built = []*Cluster{initCluster(t.allCPUs)}
		t.Fallback = true
	}

	// Ascending by capacity; equal capacities keep configuration order.
	sort.SliceStable(built, func(i, j int) bool {
		return built[i].Capacity < built[j].Capacity
	})
	for id, c := range built {
		c.ID = id
		c.CPUs.ForEach(func(cpu int) bool {
			t.cpuCluster[cpu] = c
			return true
		})
	}
	t.Clusters = built

	t.updateClusterStats()
	t.buildAsymSiblings()
	t.CPUArray = buildCPUArray(t.Clusters)
	for _, c := range t.Clusters {
		buildUtilToCost(c)
	}

	logger.WithFields(logrus.Fields{
		"clusters":      len(t.Clusters),
		"cpus":          nrCPUs,
		"asym_siblings": t.AsymSiblings.String(),
		"fallback":      t.Fallback,
	}).Debug("Cluster topology built")

	return t, nil
}

func buildClusters(clusters []config.ClusterConfig, all cpumask.Mask) ([]*Cluster, error) {
	if len(clusters) == 0 {
		return nil, fmt.Errorf("no clusters configured")
	}
	var seen cpumask.Mask
	out := make([]*Cluster, 0, len(clusters))
	for _, cc := range clusters {
		cpus := cpumask.Of(cc.CPUList()...)
		if cpus.Empty() {
			return nil, fmt.Errorf("cluster %s has no cpus", cc.Name)
		}
		if seen.Intersects(cpus) {
			return nil, fmt.Errorf("cluster %s overlaps another cluster", cc.Name)
		}
		if !cpus.Subset(all) {
			return nil, fmt.Errorf("cluster %s has cpus %s beyond cpu %d", cc.Name, cpus.AndNot(all), all.Last())
		}
		seen = seen.Or(cpus)

		c := newCluster(cpus)
		c.Name = cc.Name
		c.Capacity = cc.Capacity
		c.IdleExitLatency = cc.IdleExitLatency
		c.maxPossibleFreq = max(cc.MaxFreqKHz, 1)
		c.SetMaxFreq(cc.MaxFreqKHz)
		c.SetCurFreq(cc.MaxFreqKHz)
		c.PerfStates = perfStates(cc.PerfStates)
		out = append(out, c)
	}
	if seen != all {
		return nil, fmt.Errorf("cpus %s belong to no cluster", all.AndNot(seen))
	}
	return out, nil
}

func initCluster(all cpumask.Mask) *Cluster {
	c := newCluster(all)
	c.Name = "init"
	c.Capacity = CapacityScale
	return c
}

// perfStates derives the energy-model cost of every state as
// power * fmax / freq.
func perfStates(in []config.PerfStateConfig) []PerfState {
	if len(in) == 0 {
		return nil
	}
	fmax := in[len(in)-1].FreqKHz
	out := make([]PerfState, len(in))
	for i, ps := range in {
		out[i] = PerfState{FreqKHz: ps.FreqKHz, Power: ps.Power}
		if ps.FreqKHz > 0 {
			out[i].Cost = ps.Power * fmax / ps.FreqKHz
		}
	}
	return out
}

func (t *Topology) updateClusterStats() {
	t.MaxPossibleCap = 0
	t.MinPossibleCap = ^uint64(0)
	for _, c := range t.Clusters {
		t.MaxPossibleCap = max(t.MaxPossibleCap, c.Capacity)
		t.MinPossibleCap = min(t.MinPossibleCap, c.Capacity)
	}
}

func (t *Topology) buildAsymSiblings() {
	for _, c := range t.Clusters {
		if c.CPUs.Weight() == 1 {
			t.AsymSiblings = t.AsymSiblings.Or(c.CPUs)
		}
	}
	if t.AsymSiblings.Weight() == 1 {
		t.AsymSiblings = 0
	}
}

func buildCPUArray(clusters []*Cluster) [][]cpumask.Mask {
	n := len(clusters)
	arr := make([][]cpumask.Mask, n)
	for i := 0; i < n; i++ {
		row := make([]cpumask.Mask, 0, n)
		row = append(row, clusters[i].CPUs)
		for j := i + 1; j < n; j++ {
			row = append(row, clusters[j].CPUs)
		}
		for j := i - 1; j >= 0; j-- {
			row = append(row, clusters[j].CPUs)
		}
		arr[i] = row
	}
	return arr
}

// buildUtilToCost maps every utilization to the cost of the lowest perf
// state whose frequency covers it, or the top state if none does.
func buildUtilToCost(c *Cluster) {
	if !c.HasEnergyModel() || c.Capacity == 0 {
		return
	}
	fmax := c.PerfStates[len(c.PerfStates)-1].FreqKHz
	for util := uint64(0); util < CapacityScale; util++ {
		f := fmax * util / c.Capacity
		ps := c.PerfStates[0]
		for _, s := range c.PerfStates {
			ps = s
			if s.FreqKHz >= f {
				break
			}
		}
		c.UtilToCost[util] = ps.Cost
	}
}

func (t *Topology) NrClusters() int { return len(t.Clusters) }

func (t *Topology) AllCPUs() cpumask.Mask { return t.allCPUs }

// ClusterOf returns the cluster of cpu, or nil when cpu is out of range.
func (t *Topology) ClusterOf(cpu int) *Cluster {
	if cpu < 0 || cpu >= len(t.cpuCluster) {
		return nil
	}
	return t.cpuCluster[cpu]
}

func (t *Topology) MinCluster() *Cluster { return t.Clusters[0] }
func (t *Topology) MaxCluster() *Cluster { return t.Clusters[len(t.Clusters)-1] }

// CPUCapacity is the maximum possible capacity of cpu.
func (t *Topology) CPUCapacity(cpu int) uint64 {
	if c := t.ClusterOf(cpu); c != nil {
		return c.Capacity
	}
	return 0
}

func (t *Topology) IsMinCapacityCPU(cpu int) bool {
	return t.CPUCapacity(cpu) == t.MinPossibleCap
}

func (t *Topology) IsMaxCapacityCPU(cpu int) bool {
	return t.CPUCapacity(cpu) == t.MaxPossibleCap
}

// IsMinCluster reports whether c has the lowest capacity.
func (t *Topology) IsMinCluster(c *Cluster) bool {
	return c.Capacity == t.MinPossibleCap
}

// Heterogeneous reports whether the clusters differ in capacity.
func (t *Topology) Heterogeneous() bool {
	return t.MaxPossibleCap != t.MinPossibleCap
}

// AsymCapSiblings reports whether cpu1 and cpu2 are distinct single-CPU
// cluster siblings.
func (t *Topology) AsymCapSiblings(cpu1, cpu2 int) bool {
	return cpu1 != cpu2 && t.AsymSiblings.Has(cpu1) && t.AsymSiblings.Has(cpu2)
}

// SameFreqDomain reports whether two CPUs share frequency accounting.
func (t *Topology) SameFreqDomain(src, dst int) bool {
	if src == dst || t.AsymCapSiblings(src, dst) {
		return true
	}
	return t.ClusterOf(src) == t.ClusterOf(dst)
}

// SetL2Sibling records that cpu shares its L2 with sibling.
func (t *Topology) SetL2Sibling(cpu, sibling int) {
	if cpu >= 0 && cpu < len(t.L2Sibling) {
		t.L2Sibling[cpu] = sibling
	}
}
