package walt

import (
	"errors"
	"sort"
	"testing"

	"walt-sched/internal/boost"
	"walt-sched/internal/config"
)

func TestSysctlReadWrite(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	s := env.c.Sysctl()

	if v, err := s.Read("sched_window_stats_policy"); err != nil || v != "2" {
		t.Fatalf("sched_window_stats_policy = %q, %v", v, err)
	}
	if err := s.Write("sched_window_stats_policy", "5"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("out of range write = %v, want ErrInvalid", err)
	}
	if err := s.Write("sched_window_stats_policy", "x"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("garbage write = %v, want ErrInvalid", err)
	}
	if v, _ := s.Read("sched_window_stats_policy"); v != "2" {
		t.Fatalf("rejected write changed the value to %q", v)
	}
	if err := s.Write("sched_window_stats_policy", "0"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if env.c.Tunables().WindowStatsPolicy != config.WindowStatsRecent {
		t.Fatalf("policy not published")
	}

	if _, err := s.Read("sched_no_such_knob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown knob read = %v", err)
	}
	if err := s.Write("sched_no_such_knob", "1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown knob write = %v", err)
	}
}

func TestSysctlMigrateMargins(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	c := env.c
	s := c.Sysctl()

	if v, _ := s.Read("sched_upmigrate"); v != "95" {
		t.Fatalf("sched_upmigrate = %q", v)
	}
	if c.MarginUp(0) != 1077 || c.MarginDown(0) != 1204 {
		t.Fatalf("default margins = %d/%d", c.MarginUp(0), c.MarginDown(0))
	}
	if err := s.Write("sched_upmigrate", "90"); err != nil {
		t.Fatalf("sched_upmigrate: %v", err)
	}
	if c.MarginUp(0) != 1137 || c.MarginUp(3) != 1137 {
		t.Fatalf("margin up = %d, want 1137", c.MarginUp(0))
	}
	// The biggest cluster keeps the default.
	if c.MarginUp(4) != 1078 {
		t.Fatalf("big cluster margin = %d", c.MarginUp(4))
	}
	if err := s.Write("sched_upmigrate", "80"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("upmigrate below downmigrate = %v, want ErrInvalid", err)
	}
	if err := s.Write("sched_upmigrate", "90 90"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("two levels on two clusters = %v, want ErrInvalid", err)
	}
	if c.MarginUp(0) != 1137 {
		t.Fatalf("rejected write changed the margin")
	}
}

func TestSysctlWindowChangeStaged(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	w := c.WindowSize()

	env.clock.now = 1
	p := env.spawn(t, 10, 0)
	env.enqueue(t, p)
	env.run(t, 0, p)

	if err := c.Sysctl().Write("sched_ravg_window_nr_ticks", "6"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("6 ticks = %v, want ErrInvalid", err)
	}
	if err := c.Sysctl().Write("sched_ravg_window_nr_ticks", "8"); err != nil {
		t.Fatalf("sched_ravg_window_nr_ticks: %v", err)
	}
	if c.WindowSize() != w {
		t.Fatalf("window changed before the rollover")
	}

	env.clock.now = 1 + w
	env.tick(t, 0)
	if c.WindowSize() != 2*w {
		t.Fatalf("window = %d after the rollover, want %d", c.WindowSize(), 2*w)
	}
	if c.WindowChangeTime() != 1+w {
		t.Fatalf("window change time = %d", c.WindowChangeTime())
	}
}

func TestSysctlPerTaskKnobs(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	s := c.Sysctl()
	p := env.spawn(t, 42, 0)

	if err := s.Write("sched_per_task_boost", "42 4"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("boost 4 = %v, want ErrInvalid", err)
	}
	if err := s.Write("sched_per_task_boost_period_ms", "42 100"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("period without boost = %v, want ErrInvalid", err)
	}
	if err := s.Write("sched_per_task_boost", "7 1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown pid = %v, want ErrNotFound", err)
	}
	if err := s.Write("sched_per_task_boost", "42"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing value = %v, want ErrInvalid", err)
	}
	if err := s.Write("sched_init_task_load", "42 101"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("init load 101 = %v", err)
	}

	if err := s.Write("sched_per_task_boost", "42 2"); err != nil {
		t.Fatalf("sched_per_task_boost: %v", err)
	}
	if err := s.Write("sched_wake_up_idle", "42 1"); err != nil {
		t.Fatalf("sched_wake_up_idle: %v", err)
	}
	if !p.WakeUpIdle() {
		t.Fatalf("wake up idle not set")
	}

	if err := s.Write("sched_task_read_pid", "42"); err != nil {
		t.Fatalf("sched_task_read_pid: %v", err)
	}
	if v, err := s.Read("sched_per_task_boost"); err != nil || v != "42\t2" {
		t.Fatalf("sched_per_task_boost read = %q, %v", v, err)
	}
	if v, _ := s.Read("sched_wake_up_idle"); v != "42\t1" {
		t.Fatalf("sched_wake_up_idle read = %q", v)
	}
	if err := s.Write("sched_task_read_pid", "0"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("read pid 0 = %v", err)
	}
	if err := s.Write("sched_task_read_pid", "99"); err != nil {
		t.Fatalf("sched_task_read_pid: %v", err)
	}
	if _, err := s.Read("sched_per_task_boost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read of a missing pid = %v, want ErrNotFound", err)
	}
}

func TestSysctlBoostPeriodExpires(t *testing.T) {
	env := newTestEnv(t, singleCluster, 2)
	c := env.c
	s := c.Sysctl()
	p := env.spawn(t, 42, 0)

	env.clock.now = 1000
	if err := s.Write("sched_per_task_boost", "42 3"); err != nil {
		t.Fatalf("boost: %v", err)
	}
	if err := s.Write("sched_per_task_boost_period_ms", "42 10"); err != nil {
		t.Fatalf("period: %v", err)
	}
	if c.perTaskBoost(p) != TaskBoostStrictMax {
		t.Fatalf("boost not in force")
	}
	env.clock.now = 1000 + 10000000 + 1
	if c.perTaskBoost(p) != TaskBoostNone {
		t.Fatalf("boost still in force after its period")
	}
	if err := s.Write("sched_task_read_pid", "42"); err != nil {
		t.Fatalf("read pid: %v", err)
	}
	if v, _ := s.Read("sched_per_task_boost_period_ms"); v != "42\t0" {
		t.Fatalf("period after expiry = %q", v)
	}
}

func TestSysctlSchedBoost(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	c := env.c
	s := c.Sysctl()

	if err := s.Write("sched_boost", "4"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("sched_boost 4 = %v", err)
	}
	if err := s.Write("sched_boost", "1"); err != nil {
		t.Fatalf("sched_boost: %v", err)
	}
	if c.Boost().Effective() != boost.FullThrottle || !c.FreqAggregationEnabled() {
		t.Fatalf("full throttle not entered")
	}
	if err := s.Write("sched_boost", "-1"); err != nil {
		t.Fatalf("sched_boost -1: %v", err)
	}
	if c.Boost().Effective() != boost.NoBoost || c.FreqAggregationEnabled() {
		t.Fatalf("full throttle not exited")
	}
}

func TestSysctlClusterRelations(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	s := env.c.Sysctl()

	if err := s.Write("cluster0_rel", "512 1 800"); err != nil {
		t.Fatalf("cluster0_rel: %v", err)
	}
	if v, _ := s.Read("cluster0_rel"); v != "512\t1\t800" {
		t.Fatalf("cluster0_rel = %q", v)
	}
	if err := s.Write("cluster0_rel", "600 1 900"); !errors.Is(err, ErrPermission) {
		t.Fatalf("second write = %v, want ErrPermission", err)
	}
	if err := s.Write("cluster1_rel", "600 0 900"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("biggest cluster relation = %v, want ErrInvalid", err)
	}
}

func TestSysctlNames(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	names := env.c.Sysctl().Names()
	if !sort.StringsAreSorted(names) {
		t.Fatalf("names not sorted")
	}
	want := map[string]bool{
		"sched_boost":                     false,
		"sched_upmigrate":                 false,
		"sched_per_task_boost":            false,
		"sched_task_read_pid":             false,
		"cluster0_rel":                    false,
		"walt_low_latency_task_threshold": false,
	}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
		if n == "cluster1_rel" {
			t.Fatalf("relation knob listed for the biggest cluster")
		}
	}
	for n, seen := range want {
		if !seen {
			t.Fatalf("knob %s not listed", n)
		}
	}
}
