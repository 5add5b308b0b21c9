package walt

import (
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"

	"walt-sched/internal/cpumask"
	"walt-sched/internal/topology"
)

const bitmapWords = (NumLoadIndices + 1 + 63) / 64

type topBitmap [bitmapWords]uint64

func (b *topBitmap) set(bit int)       { b[bit/64] |= 1 << uint(bit%64) }
func (b *topBitmap) clear(bit int)     { b[bit/64] &^= 1 << uint(bit%64) }
func (b *topBitmap) test(bit int) bool { return b[bit/64]&(1<<uint(bit%64)) != 0 }

// reset clears every index and sets the end-of-map sentinel.
func (b *topBitmap) reset() {
	*b = topBitmap{}
	b.set(NumLoadIndices)
}

// findNext returns the first set bit at or after start below
// NumLoadIndices, or NumLoadIndices when there is none.
func (b *topBitmap) findNext(start int) int {
	for start < NumLoadIndices {
		w := b[start/64] >> uint(start%64)
		if w != 0 {
			bit := start + bits.TrailingZeros64(w)
			if bit >= NumLoadIndices {
				return NumLoadIndices
			}
			return bit
		}
		start = (start/64 + 1) * 64
	}
	return NumLoadIndices
}

type groupCPUTime struct {
	currRunnableSum   uint64
	prevRunnableSum   uint64
	ntCurrRunnableSum uint64
	ntPrevRunnableSum uint64
}

type loadSubtraction struct {
	windowStart uint64
	subs        uint64
	newSubs     uint64
}

type schedStats struct {
	nrBigTasks    int
	cra           uint64
	predSum       uint64
	nrRTGHighPrio int
}

// RQ is the per-CPU runqueue state. Lock before touching anything that
// is not an atomic snapshot.
type RQ struct {
	mu      sync.Mutex
	CPU     int
	cluster *topology.Cluster

	// Curr is the task running on the CPU; Idle its idle task.
	Curr *Task
	Idle *Task
	// NrIOWait is the number of tasks sleeping in iowait that last ran here.
	NrIOWait int

	nrRunning    int
	cfsNrRunning int
	// queued holds the runnable fair tasks in enqueue order.
	queued []*Task

	capOrig  uint64
	capacity uint64
	online   bool
	active   bool
	reserved bool

	stats           schedStats
	windowStart     uint64
	prevWindowSize  uint64
	avgIRQLoad      uint64
	lastIRQWindow   uint64
	prevIRQTime     uint64
	irqTime         uint64
	edTask          *Task
	taskExecScale   uint64
	oldBusyTime     uint64
	oldEstimated    uint64
	currRunnableSum uint64
	prevRunnableSum uint64
	ntCurrRunnable  uint64
	ntPrevRunnable  uint64
	grpTime         groupCPUTime
	loadSubs        [2]loadSubtraction
	topTasks        [2][NumLoadIndices]uint8
	topBitmap       [2]topBitmap
	currTable       int
	prevTop         int
	currTop         int
	notifPending    bool
	highIRQLoad     bool
	lastCCUpdate    uint64
	cycles          uint64

	mvpTasks []*Task

	// Snapshots read by placement without the lock.
	pubUtil     atomic.Uint64
	pubCRA      atomic.Uint64
	pubPRS      atomic.Uint64
	pubNr       atomic.Int64
	pubCFSNr    atomic.Int64
	pubIdle     atomic.Bool
	pubHighIRQ  atomic.Bool
	pubRTGHP    atomic.Int64
	pubReserved atomic.Bool
	pubActive   atomic.Bool
	pubOnline   atomic.Bool
	pubCapOrig  atomic.Uint64
	pubCap      atomic.Uint64
	pubCurrPrio atomic.Int64
	pubBig      atomic.Int64
	pubMVP      atomic.Int64
	// Properties of the running task, for sync wakeups.
	pubCurrWakeIdle atomic.Bool
	pubCurrGrouped  atomic.Bool
}

func newRQ(cpu int, topo *topology.Topology) *RQ {
	cl := topo.ClusterOf(cpu)
	rq := &RQ{
		CPU:           cpu,
		cluster:       cl,
		capOrig:       cl.Capacity,
		capacity:      cl.Capacity,
		online:        true,
		active:        true,
		taskExecScale: fixedPointScale,
	}
	rq.topBitmap[0].reset()
	rq.topBitmap[1].reset()
	rq.publish()
	return rq
}

func (rq *RQ) Lock()   { rq.mu.Lock() }
func (rq *RQ) Unlock() { rq.mu.Unlock() }

func (rq *RQ) Cluster() *topology.Cluster { return rq.cluster }

// The accessors below read state guarded by the rq lock.

func (rq *RQ) WindowStart() uint64        { return rq.windowStart }
func (rq *RQ) PrevWindowSize() uint64     { return rq.prevWindowSize }
func (rq *RQ) CurrRunnableSum() uint64    { return rq.currRunnableSum }
func (rq *RQ) PrevRunnableSum() uint64    { return rq.prevRunnableSum }
func (rq *RQ) NTCurrRunnableSum() uint64  { return rq.ntCurrRunnable }
func (rq *RQ) NTPrevRunnableSum() uint64  { return rq.ntPrevRunnable }
func (rq *RQ) GroupCurrRunnable() uint64  { return rq.grpTime.currRunnableSum }
func (rq *RQ) GroupPrevRunnable() uint64  { return rq.grpTime.prevRunnableSum }
func (rq *RQ) CumulativeRunnable() uint64 { return rq.stats.cra }
func (rq *RQ) PredDemandsSum() uint64     { return rq.stats.predSum }
func (rq *RQ) NrBigTasks() int            { return rq.stats.nrBigTasks }
func (rq *RQ) NrRunning() int             { return rq.nrRunning }
func (rq *RQ) CFSNrRunning() int          { return rq.cfsNrRunning }
func (rq *RQ) TaskExecScale() uint64      { return rq.taskExecScale }
func (rq *RQ) AvgIRQLoad() uint64         { return rq.avgIRQLoad }
func (rq *RQ) HighIRQLoad() bool          { return rq.highIRQLoad }
func (rq *RQ) CapacityOrig() uint64       { return rq.capOrig }
func (rq *RQ) Capacity() uint64           { return rq.capacity }
func (rq *RQ) EDTask() *Task              { return rq.edTask }
func (rq *RQ) Online() bool               { return rq.online }
func (rq *RQ) Active() bool               { return rq.active }

// Queued returns the runnable fair tasks in enqueue order.
func (rq *RQ) Queued() []*Task { return append([]*Task(nil), rq.queued...) }

// MVPTasks returns the MVP list in run order.
func (rq *RQ) MVPTasks() []*Task { return append([]*Task(nil), rq.mvpTasks...) }

// cpuUtil is the scaled cumulative runnable average capped at capacity.
func (rq *RQ) cpuUtil() uint64 { return min(rq.stats.cra, rq.capOrig) }

func (rq *RQ) idle() bool { return rq.Curr == nil || rq.Curr.IsIdle }

// availableIdle reports an idle CPU with nothing queued, without the lock.
func (rq *RQ) availableIdle() bool { return rq.pubIdle.Load() && rq.pubNr.Load() == 0 }

// idleExitLatency is the exit latency of the idle state the CPU sits in,
// 0 when it is busy.
func (rq *RQ) idleExitLatency() uint32 {
	if !rq.pubIdle.Load() {
		return 0
	}
	return rq.cluster.IdleExitLatency
}

func (rq *RQ) publish() {
	rq.pubUtil.Store(rq.cpuUtil())
	rq.pubCRA.Store(rq.stats.cra)
	rq.pubPRS.Store(rq.prevRunnableSum + rq.grpTime.prevRunnableSum)
	rq.pubMVP.Store(int64(len(rq.mvpTasks)))
	rq.pubNr.Store(int64(rq.nrRunning))
	rq.pubCFSNr.Store(int64(rq.cfsNrRunning))
	rq.pubIdle.Store(rq.idle())
	rq.pubHighIRQ.Store(rq.highIRQLoad)
	rq.pubRTGHP.Store(int64(rq.stats.nrRTGHighPrio))
	rq.pubReserved.Store(rq.reserved)
	rq.pubActive.Store(rq.active && rq.online)
	rq.pubOnline.Store(rq.online)
	rq.pubCapOrig.Store(rq.capOrig)
	rq.pubCap.Store(rq.capacity)
	rq.pubBig.Store(int64(rq.stats.nrBigTasks))
	prio := int64(DefaultPrio)
	wakeIdle, grouped := false, false
	if rq.Curr != nil {
		prio = int64(rq.Curr.Prio)
		wakeIdle = rq.Curr.wakeUpIdle.Load()
		grouped = rq.Curr.grp.Load() != nil
	}
	rq.pubCurrPrio.Store(prio)
	rq.pubCurrWakeIdle.Store(wakeIdle)
	rq.pubCurrGrouped.Store(grouped)
}

func (rq *RQ) removeQueued(p *Task) bool {
	for i, q := range rq.queued {
		if q == p {
			rq.queued = append(rq.queued[:i], rq.queued[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Core) cpuRQ(cpu int) *RQ { return c.rqs[cpu] }

func (c *Core) taskRQ(p *Task) *RQ { return c.rqs[p.CPU] }

// doubleLock takes two runqueue locks lowest CPU first.
func doubleLock(a, b *RQ) {
	if a == b {
		a.Lock()
		return
	}
	if a.CPU > b.CPU {
		a, b = b, a
	}
	a.Lock()
	b.Lock()
}

func doubleUnlock(a, b *RQ) {
	if a != b {
		b.Unlock()
	}
	a.Unlock()
}

// lockRQs takes the locks of every CPU in mask in CPU order.
func (c *Core) lockRQs(mask cpumask.Mask) []*RQ {
	cpus := mask.CPUs()
	sort.Ints(cpus)
	locked := make([]*RQ, 0, len(cpus))
	for _, cpu := range cpus {
		rq := c.rqs[cpu]
		rq.Lock()
		locked = append(locked, rq)
	}
	return locked
}

func unlockRQs(locked []*RQ) {
	for i := len(locked) - 1; i >= 0; i-- {
		locked[i].Unlock()
	}
}

func (c *Core) allCPUs() cpumask.Mask { return c.topo.AllCPUs() }
