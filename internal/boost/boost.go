// Package boost implements the global scheduler boost state machine.
// Each boost type is reference counted; the highest priority type with a
// live reference is the effective one.
package boost

import (
	"fmt"
	"sync"
	"sync/atomic"

	"walt-sched/internal/logging"

	"github.com/sirupsen/logrus"
)

type Type int

const (
	NoBoost Type = iota
	FullThrottle
	Conservative
	Restrained
	NumTypes
)

func (t Type) String() string {
	switch t {
	case NoBoost:
		return "none"
	case FullThrottle:
		return "full_throttle"
	case Conservative:
		return "conservative"
	case Restrained:
		return "restrained"
	}
	return fmt.Sprintf("boost(%d)", int(t))
}

// Policy says which CPUs boosted tasks are steered to.
type Policy int

const (
	PolicyNone Policy = iota
	PolicyOnBig
	PolicyOnAll
)

func (p Policy) String() string {
	switch p {
	case PolicyOnBig:
		return "on_big"
	case PolicyOnAll:
		return "on_all"
	}
	return "none"
}

// priority lists the types from strongest to weakest.
var priority = [...]Type{FullThrottle, Conservative, Restrained}

// Actions receives the enter and exit transitions of the effective type.
type Actions interface {
	EnterBoost(t Type)
	ExitBoost(t Type)
}

type Manager struct {
	mu            sync.Mutex
	refcount      [NumTypes]int
	heterogeneous bool
	actions       Actions
	logger        logrus.FieldLogger

	current atomic.Int32
	policy  atomic.Int32
}

// New creates a manager. actions may be nil.
func New(heterogeneous bool, actions Actions, logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logging.GetSchedulerLogger()
	}
	return &Manager{heterogeneous: heterogeneous, actions: actions, logger: logger}
}

// Valid reports whether v is an accepted write value.
func Valid(v int) bool {
	return v > -int(NumTypes) && v < int(NumTypes)
}

// Set applies a sysctl write: N takes a reference on type N, -N drops one
// and 0 drops all of them.
func (m *Manager) Set(v int) error {
	if !Valid(v) {
		return fmt.Errorf("sched_boost %d out of range [%d, %d]", v, -int(NumTypes)+1, int(NumTypes)-1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := Type(m.current.Load())
	switch {
	case v == 0:
		m.refcount = [NumTypes]int{}
	case v > 0:
		m.refcount[v]++
	default:
		if m.refcount[-v] > 0 {
			m.refcount[-v]--
		}
	}

	next := m.effectiveLocked()
	if next != prev {
		if m.actions != nil {
			if prev != NoBoost {
				m.actions.ExitBoost(prev)
			}
			if next != NoBoost {
				m.actions.EnterBoost(next)
			}
		}
		m.logger.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   next.String(),
		}).Debug("Boost type changed")
	}
	m.current.Store(int32(next))
	m.policy.Store(int32(m.policyFor(next)))
	return nil
}

func (m *Manager) effectiveLocked() Type {
	for _, t := range priority {
		if m.refcount[t] > 0 {
			return t
		}
	}
	return NoBoost
}

func (m *Manager) policyFor(t Type) Policy {
	if t == NoBoost || t == Restrained {
		return PolicyNone
	}
	if m.heterogeneous {
		return PolicyOnBig
	}
	return PolicyOnAll
}

// Effective returns the boost type in force.
func (m *Manager) Effective() Type { return Type(m.current.Load()) }

func (m *Manager) Policy() Policy { return Policy(m.policy.Load()) }

// Refcount returns the live references held on t.
func (m *Manager) Refcount(t Type) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t <= NoBoost || t >= NumTypes {
		return 0
	}
	return m.refcount[t]
}
