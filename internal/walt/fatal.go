package walt

import (
	"errors"
	"fmt"

	"walt-sched/internal/config"

	"github.com/sirupsen/logrus"
)

var (
	ErrInvalid     = config.ErrInvalid
	ErrNotFound    = errors.New("not found")
	ErrNoPlacement = errors.New("no placement")
	ErrPermission  = errors.New("operation not permitted")
)

// BugPolicy decides what happens after an accounting invariant breaks.
type BugPolicy int32

const (
	// Degrade logs the violation, clamps the value and keeps going.
	Degrade BugPolicy = iota
	// FailFast returns the violation from the hook that hit it.
	FailFast
)

func (p BugPolicy) String() string {
	if p == FailFast {
		return "fail-fast"
	}
	return "degrade"
}

type FatalKind int

const (
	KindClockBackward FatalKind = iota
	KindNegativeSum
	KindDoubleEnqueue
	KindDoubleDequeue
	KindWrongRQ
	KindIdleLoad
	KindMVPList
)

var fatalKindNames = [...]string{"clock_backward", "negative_sum", "double_enqueue", "double_dequeue", "wrong_rq", "idle_load", "mvp_list"}

func (k FatalKind) String() string {
	if k >= 0 && int(k) < len(fatalKindNames) {
		return fatalKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// FatalAccountingError reports a broken accounting invariant together
// with the task and runqueue state at the time it was found.
type FatalAccountingError struct {
	Kind FatalKind
	CPU  int
	// PID is -1 when no task was involved.
	PID  int
	Msg  string
	Dump logrus.Fields
}

func (e *FatalAccountingError) Error() string {
	if e.PID >= 0 {
		return fmt.Sprintf("walt bug (%s) on cpu %d task %d: %s", e.Kind, e.CPU, e.PID, e.Msg)
	}
	return fmt.Sprintf("walt bug (%s) on cpu %d: %s", e.Kind, e.CPU, e.Msg)
}

func (c *Core) setBugPolicy(tun *config.Tunables, failFast bool) {
	if failFast || tun.PanicOnWaltBug != 0 {
		c.bugPolicy.Store(int32(FailFast))
		return
	}
	c.bugPolicy.Store(int32(Degrade))
}

func (c *Core) BugPolicy() BugPolicy { return BugPolicy(c.bugPolicy.Load()) }

// SetBugPolicy switches between fail-fast and degrade at runtime.
func (c *Core) SetBugPolicy(p BugPolicy) { c.bugPolicy.Store(int32(p)) }

// BugCount is the number of invariant violations seen so far.
func (c *Core) BugCount() uint64 { return c.bugCount.Load() }

// SoftCorrections is the number of clamped aggregates seen so far.
func (c *Core) SoftCorrections() uint64 { return c.softCount.Load() }

// bug records an invariant violation found on rq. The caller holds the
// rq lock and clamps the offending value itself. Under FailFast the
// error is kept for the running hook to return.
func (c *Core) bug(kind FatalKind, rq *RQ, p *Task, format string, args ...any) *FatalAccountingError {
	e := &FatalAccountingError{
		Kind: kind,
		CPU:  -1,
		PID:  -1,
		Msg:  fmt.Sprintf(format, args...),
		Dump: logrus.Fields{},
	}
	if rq != nil {
		e.CPU = rq.CPU
		for k, v := range c.rqDump(rq) {
			e.Dump["rq."+k] = v
		}
	}
	if p != nil {
		e.PID = p.PID
		for k, v := range c.taskDump(p) {
			e.Dump["task."+k] = v
		}
	}

	c.bugCount.Add(1)
	fatal := kind == KindClockBackward || c.BugPolicy() == FailFast
	if c.obs != nil {
		c.obs.Bug(kind, fatal)
	}
	c.logger.WithFields(e.Dump).WithFields(logrus.Fields{
		"kind":   kind.String(),
		"cpu":    e.CPU,
		"pid":    e.PID,
		"policy": c.BugPolicy().String(),
	}).Error("WALT-BUG " + e.Msg)

	if fatal {
		c.fatalMu.Lock()
		if c.fatal == nil {
			c.fatal = e
		}
		c.fatalMu.Unlock()
	}
	return e
}

// takeFatal returns and clears the pending fatal error, if any.
func (c *Core) takeFatal() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	err := c.fatal
	c.fatal = nil
	return err
}

// softCorrect records a counter clamped to zero. Warnings are rate
// limited; the number dropped in between rides along with the next one.
func (c *Core) softCorrect(rq *RQ, what string, have, sub uint64) {
	c.softCount.Add(1)
	if c.obs != nil {
		c.obs.SoftCorrection()
	}
	if !c.softLimiter.Allow() {
		c.softSuppressed.Add(1)
		return
	}
	cpu := -1
	if rq != nil {
		cpu = rq.CPU
	}
	c.logger.WithFields(logrus.Fields{
		"cpu":        cpu,
		"counter":    what,
		"value":      have,
		"subtracted": sub,
		"suppressed": c.softSuppressed.Swap(0),
	}).Warn("Clamped negative aggregate to zero")
}

// subClamp subtracts sub from *v, clamping at zero with a soft correction.
func (c *Core) subClamp(rq *RQ, what string, v *uint64, sub uint64) {
	if sub > *v {
		c.softCorrect(rq, what, *v, sub)
		*v = 0
		return
	}
	*v -= sub
}
