package walt

import (
	"github.com/sirupsen/logrus"
)

// UpdateCPUCapacity recomputes the capacity of cpu after a frequency cap
// or thermal pressure change. capacity is what the host has left for the
// fair class; the difference to the CPU's full capacity is real-time
// pressure and comes off the new original capacity too. It returns the
// new fair capacity, never below 1.
func (c *Core) UpdateCPUCapacity(cpu int, capacity, thermalPressure uint64) (uint64, error) {
	if err := c.checkCPU(cpu); err != nil {
		return capacity, err
	}
	rq := c.rqs[cpu]
	cl := rq.cluster
	fmaxOrig := cl.Capacity
	fmax := fmaxOrig

	var thermalCap uint64
	if thermalPressure < fmaxOrig {
		thermalCap = fmaxOrig - thermalPressure
	}
	var rtPressure uint64
	if capacity < fmaxOrig {
		rtPressure = fmaxOrig - capacity
	}
	if maxFreq := cl.MaxFreq(); maxFreq != cl.MaxPossibleFreq() {
		fmax = fmax * maxFreq / cl.MaxPossibleFreq()
	}

	rq.Lock()
	old := rq.capOrig
	rq.capOrig = min(fmax, thermalCap)
	newCap := uint64(1)
	if rq.capOrig > rtPressure+1 {
		newCap = rq.capOrig - rtPressure
	}
	rq.capacity = newCap
	rq.publish()
	rq.Unlock()

	if old != rq.pubCapOrig.Load() {
		c.logger.WithFields(logrus.Fields{
			"cpu":         cpu,
			"rt_pressure": rtPressure,
			"capacity":    newCap,
			"cap_orig":    rq.pubCapOrig.Load(),
		}).Debug("CPU capacity updated")
	}
	return newCap, c.finishHook()
}

// FrequencyLimits records the policy maximum of cpu's cluster. It takes
// effect on the next capacity update.
func (c *Core) FrequencyLimits(cpu int, maxKHz uint64) error {
	if err := c.checkCPU(cpu); err != nil {
		return err
	}
	cl := c.topo.ClusterOf(cpu)
	cl.SetMaxFreq(min(maxKHz, cl.MaxPossibleFreq()))
	c.logger.WithFields(logrus.Fields{
		"cluster": cl.ID,
		"max_khz": cl.MaxFreq(),
	}).Debug("Frequency limits updated")
	return nil
}
