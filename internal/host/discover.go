package host

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"walt-sched/internal/config"

	"github.com/intel/goresctrl/pkg/sst"
	"github.com/intel/goresctrl/pkg/utils"
	"github.com/sirupsen/logrus"
)

const maxCapacity = 1024

type DiscoverOptions struct {
	// SysfsRoot and ProcRoot default to /sys and /proc.
	SysfsRoot string
	ProcRoot  string
	// AllowedCPUs limits discovery; nil means the affinity of this process.
	AllowedCPUs []int
	// SSTBF splits packages with Intel SST-BF enabled into a high and a
	// low priority cluster.
	SSTBF  bool
	Logger logrus.FieldLogger

	bfCores func() (utils.IDSet, error)
}

func (o DiscoverOptions) sysfsRoot() string {
	if o.SysfsRoot == "" {
		return "/sys"
	}
	return o.SysfsRoot
}

func (o DiscoverOptions) procRoot() string {
	if o.ProcRoot == "" {
		return "/proc"
	}
	return o.ProcRoot
}

type cpuInfo struct {
	id       int
	related  []int
	capacity uint64
	minFreq  uint64
	maxFreq  uint64
	baseFreq uint64
	freqs    []uint64
}

type cpuGroup struct {
	cpus []*cpuInfo
}

func (g *cpuGroup) ids() []int {
	ids := make([]int, len(g.cpus))
	for i, c := range g.cpus {
		ids[i] = c.id
	}
	return ids
}

// discoverClusters groups the allowed online CPUs by cpufreq policy
// and derives a capacity and a perf-state table for every group.
func discoverClusters(opts DiscoverOptions, allowed []int, logger logrus.FieldLogger) ([]config.ClusterConfig, bool, error) {
	cpuDir := filepath.Join(opts.sysfsRoot(), "devices", "system", "cpu")

	online, err := readCPUList(filepath.Join(cpuDir, "online"))
	if err != nil {
		logger.WithError(err).Debug("No online cpu list, using the allowed cpus")
		online = allowed
	}
	isAllowed := make(map[int]bool, len(allowed))
	for _, cpu := range allowed {
		isAllowed[cpu] = true
	}

	groups := make(map[string]*cpuGroup)
	var keys []string
	for _, cpu := range online {
		if !isAllowed[cpu] {
			continue
		}
		info := readCPU(cpuDir, cpu)
		key := "nofreq"
		if len(info.related) > 0 {
			key = config.FormatCPUList(info.related)
		}
		g, ok := groups[key]
		if !ok {
			g = &cpuGroup{}
			groups[key] = g
			keys = append(keys, key)
		}
		g.cpus = append(g.cpus, info)
	}
	if len(keys) == 0 {
		return nil, false, fmt.Errorf("no usable cpus under %s", cpuDir)
	}

	list := make([]*cpuGroup, 0, len(keys))
	for _, k := range keys {
		list = append(list, groups[k])
	}
	list = mergeAlike(list)

	sstbf := false
	if opts.SSTBF {
		bf, err := opts.bfCoreSet()
		switch {
		case err != nil:
			logger.WithError(err).Warn("Failed to read SST-BF configuration")
		case len(bf) > 0:
			list = splitBF(list, bf)
			sstbf = true
		}
	}

	clusters := buildClusterConfigs(list)
	if len(clusters) > config.MaxClusters {
		return nil, false, fmt.Errorf("%d cpu clusters found, max %d", len(clusters), config.MaxClusters)
	}
	return clusters, sstbf, nil
}

// mergeAlike folds frequency domains whose CPUs look the same into one
// group; per-CPU policies as set up by intel_pstate would otherwise give
// every CPU its own cluster.
func mergeAlike(list []*cpuGroup) []*cpuGroup {
	bySig := make(map[string]*cpuGroup)
	var out []*cpuGroup
	for _, g := range list {
		c := g.cpus[0]
		sig := fmt.Sprintf("%d/%d/%d/%d", c.capacity, c.maxFreq, c.baseFreq, len(c.freqs))
		if m, ok := bySig[sig]; ok {
			m.cpus = append(m.cpus, g.cpus...)
			continue
		}
		bySig[sig] = g
		out = append(out, g)
	}
	return out
}

func (o DiscoverOptions) bfCoreSet() (utils.IDSet, error) {
	if o.bfCores != nil {
		return o.bfCores()
	}
	return sstBFCores()
}

// sstBFCores returns the high priority cores of every package that has
// SST-BF enabled.
func sstBFCores() (utils.IDSet, error) {
	if !sst.SstSupported() {
		return nil, nil
	}
	infos, err := sst.GetPackageInfo()
	if err != nil {
		return nil, err
	}
	cores := utils.NewIDSet()
	for _, info := range infos {
		if info.BFEnabled {
			cores.Add(info.BFCores.Members()...)
		}
	}
	return cores, nil
}

func splitBF(list []*cpuGroup, bf utils.IDSet) []*cpuGroup {
	var out []*cpuGroup
	for _, g := range list {
		high, low := &cpuGroup{}, &cpuGroup{}
		for _, c := range g.cpus {
			if bf.Has(c.id) {
				high.cpus = append(high.cpus, c)
			} else {
				low.cpus = append(low.cpus, c)
			}
		}
		for _, part := range []*cpuGroup{low, high} {
			if len(part.cpus) > 0 {
				out = append(out, part)
			}
		}
	}
	return out
}

// buildClusterConfigs turns groups into clusters ordered by capacity.
// Capacities come from cpu_capacity when the kernel exports it, and are
// otherwise scaled from the (base) frequency of the fastest group.
func buildClusterConfigs(list []*cpuGroup) []config.ClusterConfig {
	perf := func(g *cpuGroup) uint64 {
		var p uint64
		for _, c := range g.cpus {
			f := c.maxFreq
			if c.baseFreq != 0 {
				f = c.baseFreq
			}
			p = max(p, f)
		}
		return p
	}

	var hasCapacity bool
	var maxPerf uint64
	for _, g := range list {
		for _, c := range g.cpus {
			hasCapacity = hasCapacity || c.capacity != 0
		}
		maxPerf = max(maxPerf, perf(g))
	}

	type built struct {
		cfg   config.ClusterConfig
		first int
	}
	var out []built
	for _, g := range list {
		ids := g.ids()
		sort.Ints(ids)

		var capacity, maxFreq, minFreq uint64
		var freqs []uint64
		for _, c := range g.cpus {
			capacity = max(capacity, c.capacity)
			maxFreq = max(maxFreq, c.maxFreq)
			if c.minFreq != 0 && (minFreq == 0 || c.minFreq < minFreq) {
				minFreq = c.minFreq
			}
			if len(c.freqs) > len(freqs) {
				freqs = c.freqs
			}
		}
		if !hasCapacity {
			capacity = maxCapacity
			if maxPerf != 0 {
				capacity = max(maxCapacity*perf(g)/maxPerf, 1)
			}
		}
		if capacity == 0 {
			capacity = maxCapacity
		}
		if maxFreq == 0 {
			maxFreq = 1
		}

		out = append(out, built{
			cfg:   config.NewClusterConfig("", ids, min(capacity, maxCapacity), maxFreq, perfStates(freqs, minFreq, maxFreq, capacity)),
			first: ids[0],
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].cfg.Capacity != out[j].cfg.Capacity {
			return out[i].cfg.Capacity < out[j].cfg.Capacity
		}
		return out[i].first < out[j].first
	})

	clusters := make([]config.ClusterConfig, len(out))
	for i, b := range out {
		b.cfg.Name = "cluster" + strconv.Itoa(i)
		clusters[i] = b.cfg
	}
	return clusters
}

// perfStates builds an energy model from the available frequencies. The
// kernel does not export power figures, so power follows the usual
// cubic dynamic-power curve scaled to the cluster capacity.
func perfStates(freqs []uint64, minFreq, maxFreq, capacity uint64) []config.PerfStateConfig {
	var list []uint64
	if len(freqs) > 0 {
		list = append(list, freqs...)
	} else {
		for _, f := range []uint64{minFreq, maxFreq} {
			if f != 0 {
				list = append(list, f)
			}
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })

	var states []config.PerfStateConfig
	var last uint64
	for _, f := range list {
		if f == last || f > maxFreq {
			continue
		}
		last = f
		r := float64(f) / float64(maxFreq)
		power := uint64(float64(capacity) * r * r * r)
		states = append(states, config.PerfStateConfig{FreqKHz: f, Power: max(power, 1)})
	}
	return states
}

func readCPU(cpuDir string, cpu int) *cpuInfo {
	dir := filepath.Join(cpuDir, "cpu"+strconv.Itoa(cpu))
	info := &cpuInfo{id: cpu}

	info.capacity, _ = readUint(filepath.Join(dir, "cpu_capacity"))
	if related, err := readCPUList(filepath.Join(dir, "cpufreq", "related_cpus")); err == nil {
		info.related = related
	}
	info.maxFreq, _ = readUint(filepath.Join(dir, "cpufreq", "cpuinfo_max_freq"))
	info.minFreq, _ = readUint(filepath.Join(dir, "cpufreq", "cpuinfo_min_freq"))
	info.baseFreq, _ = readUint(filepath.Join(dir, "cpufreq", "base_frequency"))

	if data, err := os.ReadFile(filepath.Join(dir, "cpufreq", "scaling_available_frequencies")); err == nil {
		for _, field := range strings.Fields(string(data)) {
			if f, err := strconv.ParseUint(field, 10, 64); err == nil {
				info.freqs = append(info.freqs, f)
			}
		}
	}
	return info
}

func readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func readCPUList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return config.ParseCPUList(string(data))
}
