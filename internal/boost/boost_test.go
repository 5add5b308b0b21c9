package boost

import (
	"testing"

	"walt-sched/internal/logging"
)

type recordingActions struct {
	events []string
}

func (r *recordingActions) EnterBoost(t Type) { r.events = append(r.events, "enter:"+t.String()) }
func (r *recordingActions) ExitBoost(t Type)  { r.events = append(r.events, "exit:"+t.String()) }

func TestHigherPriorityWins(t *testing.T) {
	act := &recordingActions{}
	m := New(true, act, logging.Discard())

	mustSet(t, m, 2)
	if m.Effective() != Conservative || m.Policy() != PolicyOnBig {
		t.Fatalf("effective=%v policy=%v", m.Effective(), m.Policy())
	}
	mustSet(t, m, 1)
	if m.Effective() != FullThrottle {
		t.Fatalf("full throttle must outrank conservative, got %v", m.Effective())
	}
	mustSet(t, m, -1)
	if m.Effective() != Conservative {
		t.Fatalf("dropping full throttle should fall back to conservative, got %v", m.Effective())
	}

	want := []string{"enter:conservative", "exit:conservative", "enter:full_throttle", "exit:full_throttle", "enter:conservative"}
	if len(act.events) != len(want) {
		t.Fatalf("events = %v, want %v", act.events, want)
	}
	for i := range want {
		if act.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", act.events, want)
		}
	}
}

func TestRefcounting(t *testing.T) {
	m := New(false, nil, logging.Discard())
	mustSet(t, m, 1)
	mustSet(t, m, 1)
	mustSet(t, m, -1)
	if m.Effective() != FullThrottle || m.Refcount(FullThrottle) != 1 {
		t.Fatalf("one reference should remain: %v refs=%d", m.Effective(), m.Refcount(FullThrottle))
	}
	if m.Policy() != PolicyOnAll {
		t.Fatalf("homogeneous topology should boost on all, got %v", m.Policy())
	}
	mustSet(t, m, -1)
	mustSet(t, m, -1)
	if m.Effective() != NoBoost || m.Refcount(FullThrottle) != 0 {
		t.Fatalf("refcount went negative or boost stuck")
	}
}

func TestClearAllAndRestrained(t *testing.T) {
	m := New(true, nil, logging.Discard())
	mustSet(t, m, 3)
	if m.Effective() != Restrained || m.Policy() != PolicyNone {
		t.Fatalf("restrained boost must not steer placement: %v %v", m.Effective(), m.Policy())
	}
	mustSet(t, m, 2)
	mustSet(t, m, 0)
	if m.Effective() != NoBoost || m.Refcount(Restrained) != 0 || m.Refcount(Conservative) != 0 {
		t.Fatalf("0 must clear every reference")
	}
	if err := m.Set(4); err == nil {
		t.Fatalf("4 accepted")
	}
	if err := m.Set(-4); err == nil {
		t.Fatalf("-4 accepted")
	}
}

func mustSet(t *testing.T, m *Manager, v int) {
	t.Helper()
	if err := m.Set(v); err != nil {
		t.Fatalf("Set(%d): %v", v, err)
	}
}
