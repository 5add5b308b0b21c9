package walt

const (
	bucketIncStep    = 8
	bucketDecStep    = 2
	bucketConsistent = 16
	bucketIncStepBig = 16
	bucketCounterMax = 255
)

// bucketIncrease bumps the bucket a finished window fell into and decays
// every other one. A bucket already seen consistently grows faster.
func bucketIncrease(buckets *[NumBusyBuckets]uint8, idx int) {
	for i := range buckets {
		if i != idx {
			if buckets[i] > bucketDecStep {
				buckets[i] -= bucketDecStep
			} else {
				buckets[i] = 0
			}
			continue
		}
		step := bucketIncStep
		if buckets[i] >= bucketConsistent {
			step = bucketIncStepBig
		}
		if int(buckets[i]) > bucketCounterMax-step {
			buckets[i] = bucketCounterMax
		} else {
			buckets[i] += uint8(step)
		}
	}
}

// busyToBucket maps a runtime to its bucket. The two lowest buckets are
// merged since predicting the lowest one is of no use.
func busyToBucket(runtime, window uint64) int {
	bidx := int(runtime * NumBusyBuckets / window)
	bidx = min(bidx, NumBusyBuckets-1)
	if bidx == 0 {
		bidx = 1
	}
	return bidx
}

// getPredBusy predicts the busy time of p in the current window. It
// looks for the lowest populated bucket at or above start and returns the
// most recent history sample inside it, or the bucket midpoint. The
// prediction is never below runtime.
func (c *Core) getPredBusy(p *Task, start int, runtime uint64) uint64 {
	if p.isNew() {
		return runtime
	}
	window := c.WindowSize()

	first := NumBusyBuckets
	for i := start; i < NumBusyBuckets; i++ {
		if p.busyBuckets[i] != 0 {
			first = i
			break
		}
	}
	if first >= NumBusyBuckets {
		return runtime
	}

	final := first
	var dmin uint64
	if final < 2 {
		final = 1
	} else {
		dmin = uint64(final) * window / NumBusyBuckets
	}
	dmax := uint64(final+1) * window / NumBusyBuckets

	ret := runtime
	for _, h := range p.sumHistory {
		if h >= dmin && h < dmax {
			ret = h
			break
		}
	}
	if ret < dmin {
		ret = (dmin + dmax) / 2
	}
	return max(runtime, ret)
}

func (c *Core) predictAndUpdateBuckets(p *Task, runtime uint64) uint64 {
	bidx := busyToBucket(runtime, c.WindowSize())
	pred := c.getPredBusy(p, bidx, runtime)
	bucketIncrease(&p.busyBuckets, bidx)
	return pred
}

func (c *Core) calcPredDemand(p *Task) uint64 {
	if p.predDemand >= p.currWindow {
		return p.predDemand
	}
	return c.getPredBusy(p, busyToBucket(p.currWindow, c.WindowSize()), p.currWindow)
}

// updateTaskPredDemand raises the prediction when the task has already
// run longer in this window than predicted. It never lowers it.
func (c *Core) updateTaskPredDemand(rq *RQ, p *Task, event Event) {
	if p.IsIdle {
		return
	}
	if event != PutPrevTask && event != TaskUpdate &&
		(!freqAccountWaitTime || (event != TaskMigrate && event != PickNextTask)) {
		return
	}
	if event == TaskUpdate && !p.OnRQ && !freqAccountWaitTime {
		return
	}

	next := c.calcPredDemand(p)
	if p.predDemand >= next {
		return
	}
	nextScaled := c.scaleDemand(next)
	if p.queued() {
		c.fixupWaltSchedStats(rq, p, p.demandScaled, nextScaled)
	}
	p.predDemand = next
	p.predScaled = nextScaled
}
