package host

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"walt-sched/internal/logging"
	"walt-sched/internal/topology"

	"github.com/intel/goresctrl/pkg/utils"
)

type fakeSysfs struct {
	t    *testing.T
	root string
}

func newFakeSysfs(t *testing.T, online string) *fakeSysfs {
	f := &fakeSysfs{t: t, root: t.TempDir()}
	f.write("devices/system/cpu/online", online)
	return f
}

func (f *fakeSysfs) write(rel, content string) {
	f.t.Helper()
	path := filepath.Join(f.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		f.t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0o644); err != nil {
		f.t.Fatalf("write %s: %v", rel, err)
	}
}

func (f *fakeSysfs) cpu(cpu int, files map[string]string) {
	for name, content := range files {
		f.write(filepath.Join("devices/system/cpu", "cpu"+strconv.Itoa(cpu), name), content)
	}
}

func bigLittle(t *testing.T) *fakeSysfs {
	f := newFakeSysfs(t, "0-7")
	for cpu := 0; cpu < 8; cpu++ {
		if cpu < 4 {
			f.cpu(cpu, map[string]string{
				"cpu_capacity":                          "512",
				"cpufreq/related_cpus":                  "0-3",
				"cpufreq/cpuinfo_min_freq":              "300000",
				"cpufreq/cpuinfo_max_freq":              "1800000",
				"cpufreq/scaling_available_frequencies": "300000 900000 1800000",
			})
			continue
		}
		f.cpu(cpu, map[string]string{
			"cpu_capacity":             "1024",
			"cpufreq/related_cpus":     "4-7",
			"cpufreq/cpuinfo_min_freq": "600000",
			"cpufreq/cpuinfo_max_freq": "2400000",
		})
	}
	return f
}

func TestDiscoverBigLittle(t *testing.T) {
	f := bigLittle(t)
	hc, err := NewHostConfig(DiscoverOptions{
		SysfsRoot:   f.root,
		ProcRoot:    f.root,
		AllowedCPUs: []int{0, 1, 2, 3, 4, 5, 6, 7},
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewHostConfig: %v", err)
	}
	if len(hc.Clusters) != 2 || hc.SSTBF {
		t.Fatalf("clusters = %+v sstbf = %v", hc.Clusters, hc.SSTBF)
	}
	little, big := hc.Clusters[0], hc.Clusters[1]
	if little.CPUs != "0-3" || little.Capacity != 512 || little.MaxFreqKHz != 1800000 {
		t.Fatalf("little = %+v", little)
	}
	if len(little.PerfStates) != 3 || little.PerfStates[2].Power != 512 {
		t.Fatalf("little perf states = %+v", little.PerfStates)
	}
	if big.CPUs != "4-7" || big.Capacity != 1024 || len(big.PerfStates) != 2 || big.PerfStates[0].FreqKHz != 600000 {
		t.Fatalf("big = %+v", big)
	}
	if hc.NrCPUs() != 8 {
		t.Fatalf("NrCPUs = %d", hc.NrCPUs())
	}

	topo, err := topology.BuildWithLogger(hc.Clusters, hc.NrCPUs(), logging.Discard())
	if err != nil {
		t.Fatalf("discovered topology rejected: %v", err)
	}
	if !topo.Heterogeneous() {
		t.Fatalf("big.LITTLE topology not heterogeneous")
	}
}

func TestDiscoverHonorsAffinity(t *testing.T) {
	f := bigLittle(t)
	hc, err := NewHostConfig(DiscoverOptions{
		SysfsRoot:   f.root,
		ProcRoot:    f.root,
		AllowedCPUs: []int{4, 5},
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewHostConfig: %v", err)
	}
	if len(hc.Clusters) != 1 || hc.Clusters[0].CPUs != "4-5" {
		t.Fatalf("clusters = %+v", hc.Clusters)
	}
}

func TestDiscoverSSTBF(t *testing.T) {
	f := newFakeSysfs(t, "0-3")
	for cpu := 0; cpu < 4; cpu++ {
		base := "2100000"
		if cpu < 2 {
			base = "2700000"
		}
		f.cpu(cpu, map[string]string{
			"cpufreq/related_cpus":     strconv.Itoa(cpu),
			"cpufreq/cpuinfo_min_freq": "800000",
			"cpufreq/cpuinfo_max_freq": "3000000",
			"cpufreq/base_frequency":   base,
		})
	}

	hc, err := NewHostConfig(DiscoverOptions{
		SysfsRoot:   f.root,
		ProcRoot:    f.root,
		AllowedCPUs: []int{0, 1, 2, 3},
		SSTBF:       true,
		Logger:      logging.Discard(),
		bfCores: func() (utils.IDSet, error) {
			return utils.NewIDSet(0, 1), nil
		},
	})
	if err != nil {
		t.Fatalf("NewHostConfig: %v", err)
	}
	if !hc.SSTBF || len(hc.Clusters) != 2 {
		t.Fatalf("clusters = %+v sstbf = %v", hc.Clusters, hc.SSTBF)
	}
	low, high := hc.Clusters[0], hc.Clusters[1]
	if low.CPUs != "2-3" || low.Capacity != 1024*2100000/2700000 {
		t.Fatalf("low priority cluster = %+v", low)
	}
	if high.CPUs != "0-1" || high.Capacity != 1024 {
		t.Fatalf("high priority cluster = %+v", high)
	}
}

func TestDiscoverNoCPUs(t *testing.T) {
	f := newFakeSysfs(t, "0-1")
	_, err := NewHostConfig(DiscoverOptions{
		SysfsRoot:   f.root,
		ProcRoot:    f.root,
		AllowedCPUs: []int{5},
		Logger:      logging.Discard(),
	})
	if err == nil {
		t.Fatalf("discovery without usable cpus succeeded")
	}
}

func TestCPUInfo(t *testing.T) {
	f := newFakeSysfs(t, "0")
	f.write("cpuinfo", "processor\t: 0\nvendor_id\t: GenuineIntel\nmodel name\t: Xeon Gold\nphysical id\t: 0\n\nprocessor\t: 1\nphysical id\t: 1\n")
	f.write("version", "Linux version 6.6.0-walt (gcc)")

	hc := &HostConfig{}
	hc.initCPUInfo(f.root)
	hc.initSystemInfo(f.root)
	if hc.CPUVendor != "GenuineIntel" || hc.CPUModel != "Xeon Gold" || hc.NumSockets != 2 {
		t.Fatalf("cpu info = %+v", hc)
	}
	if hc.KernelVersion != "6.6.0-walt" {
		t.Fatalf("kernel = %q", hc.KernelVersion)
	}
}
