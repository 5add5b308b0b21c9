package walt

// loadToIndex maps a window busy time to its top-tasks index.
func loadToIndex(load uint64) int {
	return int(min(load/loadGranule, NumLoadIndices-1))
}

// Index i lives at bit NumLoadIndices-1-i so the highest index is the
// first set bit.
func topBit(index int) int { return NumLoadIndices - 1 - index }

// getTopIndex returns the highest populated index at or below oldTop.
func getTopIndex(b *topBitmap, oldTop int) int {
	bit := b.findNext(topBit(oldTop))
	if bit == NumLoadIndices {
		return 0
	}
	return NumLoadIndices - 1 - bit
}

// updateTopTasks moves the task between the buckets of the current and
// previous top-tasks tables after its window busy time changed.
func (c *Core) updateTopTasks(p *Task, rq *RQ, oldCurrWindow uint64, newWindow, fullWindow bool) {
	curr := rq.currTable
	prev := 1 - curr
	currTable := &rq.topTasks[curr]
	prevTable := &rq.topTasks[prev]
	currWindow := p.currWindow
	prevWindow := p.prevWindow

	if oldCurrWindow == currWindow && !newWindow {
		return
	}

	oldIndex := loadToIndex(oldCurrWindow)
	newIndex := loadToIndex(currWindow)

	if !newWindow {
		zeroIndexUpdate := oldCurrWindow == 0 && currWindow != 0
		if oldIndex != newIndex || zeroIndexUpdate {
			if oldCurrWindow != 0 {
				currTable[oldIndex]--
			}
			if currWindow != 0 {
				currTable[newIndex]++
			}
			if newIndex > rq.currTop {
				rq.currTop = newIndex
			}
		}
		if currTable[oldIndex] == 0 {
			rq.topBitmap[curr].clear(topBit(oldIndex))
		}
		if currTable[newIndex] == 1 {
			rq.topBitmap[curr].set(topBit(newIndex))
		}
		return
	}

	// The task window has already rolled, so the busy time of the
	// window that just closed is in prevWindow.
	updateIndex := loadToIndex(prevWindow)

	if fullWindow {
		if prevWindow != 0 {
			prevTable[updateIndex]++
			rq.prevTop = updateIndex
		}
		if prevTable[updateIndex] == 1 {
			rq.topBitmap[prev].set(topBit(updateIndex))
		}
	} else {
		zeroIndexUpdate := oldCurrWindow == 0 && prevWindow != 0
		if oldIndex != updateIndex || zeroIndexUpdate {
			if oldCurrWindow != 0 {
				prevTable[oldIndex]--
			}
			prevTable[updateIndex]++
			if updateIndex > rq.prevTop {
				rq.prevTop = updateIndex
			}
			if prevTable[oldIndex] == 0 {
				rq.topBitmap[prev].clear(topBit(oldIndex))
			}
			if prevTable[updateIndex] == 1 {
				rq.topBitmap[prev].set(topBit(updateIndex))
			}
		}
	}

	if currWindow != 0 {
		currTable[newIndex]++
		if newIndex > rq.currTop {
			rq.currTop = newIndex
		}
		if currTable[newIndex] == 1 {
			rq.topBitmap[curr].set(topBit(newIndex))
		}
	}
}

// rolloverTopTasks swaps the tables at a CPU window rollover. The old
// previous table is cleared and becomes the new current one.
func (c *Core) rolloverTopTasks(rq *RQ, fullWindow bool) {
	currTable := rq.currTable
	prevTable := 1 - currTable
	currTop := rq.currTop

	rq.topTasks[prevTable] = [NumLoadIndices]uint8{}
	rq.topBitmap[prevTable].reset()

	if fullWindow {
		currTop = 0
		rq.topTasks[currTable] = [NumLoadIndices]uint8{}
		rq.topBitmap[currTable].reset()
	}

	rq.currTable = prevTable
	rq.prevTop = currTop
	rq.currTop = 0
}

// topTaskLoad is the busy time of the biggest task of the previous
// window, at index granularity.
func (c *Core) topTaskLoad(rq *RQ) uint64 {
	index := rq.prevTop
	prev := 1 - rq.currTable
	switch {
	case index == 0:
		if !rq.topBitmap[prev].test(topBit(0)) {
			return 0
		}
		return loadGranule
	case index == NumLoadIndices-1:
		return c.WindowSize()
	default:
		return uint64(index+1) * loadGranule
	}
}

// migrateTopTasks moves the task's entries from the source tables to the
// destination tables.
func (c *Core) migrateTopTasks(p *Task, src, dst *RQ) {
	move := func(window uint64, srcIdx, dstIdx int, srcTop, dstTop *int) {
		srcTable := &src.topTasks[srcIdx]
		dstTable := &dst.topTasks[dstIdx]
		index := loadToIndex(window)
		if srcTable[index] > 0 {
			srcTable[index]--
		} else {
			c.softCorrect(src, "top_tasks", 0, 1)
		}
		dstTable[index]++

		if srcTable[index] == 0 {
			src.topBitmap[srcIdx].clear(topBit(index))
		}
		if dstTable[index] == 1 {
			dst.topBitmap[dstIdx].set(topBit(index))
		}
		if index > *dstTop {
			*dstTop = index
		}
		if index == *srcTop && srcTable[index] == 0 {
			*srcTop = getTopIndex(&src.topBitmap[srcIdx], index)
		}
	}

	if p.currWindow != 0 {
		move(p.currWindow, src.currTable, dst.currTable, &src.currTop, &dst.currTop)
	}
	if p.prevWindow != 0 {
		move(p.prevWindow, 1-src.currTable, 1-dst.currTable, &src.prevTop, &dst.prevTop)
	}
}
