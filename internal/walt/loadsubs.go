package walt

// accountLoadSubtractions applies the pending subtractions that match
// the current or previous window and drops the rest. The rq lock and the
// cluster lock are held.
func (c *Core) accountLoadSubtractions(rq *RQ) {
	ws := rq.windowStart
	prevWS := ws - rq.prevWindowSize

	var curr, ntCurr, prev, ntPrev uint64
	for i := range rq.loadSubs {
		ls := &rq.loadSubs[i]
		switch ls.windowStart {
		case ws:
			curr += ls.subs
			ntCurr += ls.newSubs
		case prevWS:
			prev += ls.subs
			ntPrev += ls.newSubs
		}
		ls.subs = 0
		ls.newSubs = 0
	}

	c.subOrBug(rq, "prev_runnable_sum", &rq.prevRunnableSum, prev)
	c.subOrBug(rq, "curr_runnable_sum", &rq.currRunnableSum, curr)
	c.subOrBug(rq, "nt_prev_runnable_sum", &rq.ntPrevRunnable, ntPrev)
	c.subOrBug(rq, "nt_curr_runnable_sum", &rq.ntCurrRunnable, ntCurr)
}

// subOrBug subtracts sub from a runnable sum. Going below zero breaks
// the conservation of busy time and is reported as a bug; the sum is
// clamped to zero either way.
func (c *Core) subOrBug(rq *RQ, what string, v *uint64, sub uint64) {
	if sub > *v {
		c.bug(KindNegativeSum, rq, nil, "%s=%d < %d", what, *v, sub)
		*v = 0
		return
	}
	*v -= sub
}

func (c *Core) createSubtractionEntry(rq *RQ, ws uint64, index int) {
	rq.loadSubs[index] = loadSubtraction{windowStart: ws}
}

// getSubtractionIndex returns the slot keyed by ws, recycling the slot
// with the oldest window when there is none.
func (c *Core) getSubtractionIndex(rq *RQ, ws uint64) int {
	oldest := ^uint64(0)
	oldestIndex := 0
	for i := range rq.loadSubs {
		entry := rq.loadSubs[i].windowStart
		if entry == ws {
			return i
		}
		if entry < oldest {
			oldest = entry
			oldestIndex = i
		}
	}
	c.createSubtractionEntry(rq, ws, oldestIndex)
	return oldestIndex
}

func (rq *RQ) addLoadSubtraction(index int, sub uint64, newTask bool) {
	rq.loadSubs[index].subs += sub
	if newTask {
		rq.loadSubs[index].newSubs += sub
	}
}

// updateClusterLoadSubtractions queues the removal of the task's
// contributions on the other CPUs of the cluster it leaves. Those CPUs
// apply them at their next rollover.
func (c *Core) updateClusterLoadSubtractions(p *Task, cpu int, ws uint64, newTask bool) {
	cl := c.rqs[cpu].cluster
	prevWS := ws - c.rqs[cpu].prevWindowSize
	others := cl.CPUs.Without(cpu)

	cl.Lock()
	defer cl.Unlock()

	others.ForEach(func(i int) bool {
		rq := c.rqs[i]
		if p.currWindowCPU[i] != 0 {
			idx := c.getSubtractionIndex(rq, ws)
			rq.addLoadSubtraction(idx, p.currWindowCPU[i], newTask)
			p.currWindowCPU[i] = 0
		}
		if p.prevWindowCPU[i] != 0 {
			idx := c.getSubtractionIndex(rq, prevWS)
			rq.addLoadSubtraction(idx, p.prevWindowCPU[i], newTask)
			p.prevWindowCPU[i] = 0
		}
		return true
	})
}
