// Package cpumask is a fixed 64-CPU bitmap used on placement and
// accounting hot paths, where allocating a cpuset per call is too costly.
package cpumask

import (
	"math/bits"

	"k8s.io/utils/cpuset"
)

const MaxCPUs = 64

type Mask uint64

func Of(cpus ...int) Mask {
	var m Mask
	for _, c := range cpus {
		m = m.With(c)
	}
	return m
}

// Range returns the mask of CPUs [first, last].
func Range(first, last int) Mask {
	var m Mask
	for c := first; c <= last; c++ {
		m = m.With(c)
	}
	return m
}

func (m Mask) With(cpu int) Mask {
	if cpu < 0 || cpu >= MaxCPUs {
		return m
	}
	return m | 1<<uint(cpu)
}

func (m Mask) Without(cpu int) Mask {
	if cpu < 0 || cpu >= MaxCPUs {
		return m
	}
	return m &^ (1 << uint(cpu))
}

func (m Mask) Has(cpu int) bool {
	if cpu < 0 || cpu >= MaxCPUs {
		return false
	}
	return m&(1<<uint(cpu)) != 0
}

func (m Mask) And(o Mask) Mask    { return m & o }
func (m Mask) Or(o Mask) Mask     { return m | o }
func (m Mask) AndNot(o Mask) Mask { return m &^ o }
func (m Mask) Empty() bool        { return m == 0 }
func (m Mask) Weight() int        { return bits.OnesCount64(uint64(m)) }

// Intersects reports whether the masks share a CPU.
func (m Mask) Intersects(o Mask) bool { return m&o != 0 }

// Subset reports whether every CPU of m is in o.
func (m Mask) Subset(o Mask) bool { return m&^o == 0 }

// First returns the lowest CPU, or -1 for an empty mask.
func (m Mask) First() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

// Last returns the highest CPU, or -1 for an empty mask.
func (m Mask) Last() int {
	if m == 0 {
		return -1
	}
	return MaxCPUs - 1 - bits.LeadingZeros64(uint64(m))
}

// ForEach calls fn for every CPU in ascending order until fn returns false.
func (m Mask) ForEach(fn func(cpu int) bool) {
	for m != 0 {
		cpu := bits.TrailingZeros64(uint64(m))
		if !fn(cpu) {
			return
		}
		m &= m - 1
	}
}

func (m Mask) CPUs() []int {
	out := make([]int, 0, m.Weight())
	m.ForEach(func(cpu int) bool {
		out = append(out, cpu)
		return true
	})
	return out
}

func (m Mask) String() string {
	return cpuset.New(m.CPUs()...).String()
}

func (m Mask) ToCPUSet() cpuset.CPUSet {
	return cpuset.New(m.CPUs()...)
}

func FromCPUSet(s cpuset.CPUSet) Mask {
	return Of(s.List()...)
}

func Parse(s string) (Mask, error) {
	set, err := cpuset.Parse(s)
	if err != nil {
		return 0, err
	}
	return FromCPUSet(set), nil
}
