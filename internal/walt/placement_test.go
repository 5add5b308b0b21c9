package walt

import (
	"errors"
	"testing"
)

// wakingTask spawns a small task that last ran on cpu and is now waking.
func wakingTask(t *testing.T, env *testEnv, pid, cpu int) *Task {
	t.Helper()
	env.clock.now = 1
	p := env.spawn(t, pid, cpu)
	p.State = TaskWaking
	return p
}

func TestPlacementDefaultStartsSmall(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	p := wakingTask(t, env, 10, 0)

	res, err := env.c.FindEnergyEfficientCPU(p, 0, 0, false, 0)
	if err != nil {
		t.Fatalf("FindEnergyEfficientCPU: %v", err)
	}
	if res.OrderIndex != 0 || !res.EnergyEval || res.Policy != "default" {
		t.Fatalf("placement window = %+v", res)
	}
	// The previous CPU is idle and in the start cluster.
	if res.CPU != 0 || res.Fastpath != FastpathPrevCPU {
		t.Fatalf("cpu = %d fastpath = %v, want prev cpu 0", res.CPU, res.Fastpath)
	}
}

func TestPlacementFullThrottleBoost(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	p := wakingTask(t, env, 10, 0)

	if err := env.c.Boost().Set(1); err != nil {
		t.Fatalf("boost: %v", err)
	}
	res, err := env.c.FindEnergyEfficientCPU(p, 0, 0, false, 0)
	if err != nil {
		t.Fatalf("FindEnergyEfficientCPU: %v", err)
	}
	if res.OrderIndex != 1 || res.EnergyEval || res.Policy != "full_throttle" {
		t.Fatalf("full throttle placement window = %+v", res)
	}
	if env.topo.ClusterOf(res.CPU).ID != 1 {
		t.Fatalf("full throttle placed on cpu %d", res.CPU)
	}
	if !env.c.FreqAggregationEnabled() {
		t.Fatalf("full throttle did not enable frequency aggregation")
	}
}

func TestPlacementStrictMaxTask(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	p := wakingTask(t, env, 10, 0)
	p.boost.Store(TaskBoostStrictMax)

	res, err := env.c.FindEnergyEfficientCPU(p, 0, 0, false, 0)
	if err != nil {
		t.Fatalf("FindEnergyEfficientCPU: %v", err)
	}
	if res.OrderIndex != 1 || res.EnergyEval || res.Policy != "strict_max" {
		t.Fatalf("strict max placement window = %+v", res)
	}
}

func TestPlacementIgnoresHotCluster(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	c := env.c
	p := wakingTask(t, env, 10, 0)

	// Skip the little cluster once it runs at half speed or more while
	// the big cluster is below 800/1024.
	if err := c.SetClusterRelations(0, []int{512, 1, 800}); err != nil {
		t.Fatalf("SetClusterRelations: %v", err)
	}
	env.topo.Clusters[1].SetCurFreq(600000)

	in := &placementInput{p: p, util: taskUtil(p), ignore: []bool{
		c.ignoreClusterValid(p, c.RQ(0)),
		c.ignoreClusterValid(p, c.RQ(4)),
	}}
	if !in.ignore[0] || in.ignore[1] {
		t.Fatalf("ignore = %v, want the little cluster ignored", in.ignore)
	}
	st, policy := c.getIndices(in)
	if st.order != 1 || policy != "default" {
		t.Fatalf("getIndices = %+v via %s, want order 1", st, policy)
	}

	res, err := c.FindEnergyEfficientCPU(p, 0, 0, false, 0)
	if err != nil {
		t.Fatalf("FindEnergyEfficientCPU: %v", err)
	}
	if res.OrderIndex != 1 || env.topo.ClusterOf(res.CPU).ID != 1 {
		t.Fatalf("placement = %+v, want the big cluster", res)
	}

	// Once the big cluster catches up the little one is usable again.
	env.topo.Clusters[1].SetCurFreq(2400000)
	res, err = c.FindEnergyEfficientCPU(p, 0, 0, false, 0)
	if err != nil || res.OrderIndex != 0 {
		t.Fatalf("placement = %+v, %v, want order 0", res, err)
	}
}

func TestPlacementIgnoreNeedsAffinityElsewhere(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	c := env.c
	p := wakingTask(t, env, 10, 0)
	if err := c.SetClusterRelations(0, []int{512, 1, 800}); err != nil {
		t.Fatalf("SetClusterRelations: %v", err)
	}
	env.topo.Clusters[1].SetCurFreq(600000)

	if err := c.SetAffinity(p, 0x0f); err != nil {
		t.Fatalf("SetAffinity: %v", err)
	}
	if c.ignoreClusterValid(p, c.RQ(0)) {
		t.Fatalf("cluster ignored for a task that cannot leave it")
	}
}

func TestClusterRelationsOneShot(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	c := env.c
	if err := c.SetClusterRelations(1, []int{512, 0, 800}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("relation table on the biggest cluster = %v, want ErrInvalid", err)
	}
	if err := c.SetClusterRelations(0, []int{512, 1, 800, 2000, 1, 900}); err != nil {
		t.Fatalf("SetClusterRelations: %v", err)
	}
	// The second triple is out of range and ends the table.
	if got := c.ClusterRelations(0); len(got) != 3 || got[0] != 512 || got[2] != 800 {
		t.Fatalf("relations = %v", got)
	}
	if err := c.SetClusterRelations(0, []int{100, 1, 100}); !errors.Is(err, ErrPermission) {
		t.Fatalf("second write = %v, want ErrPermission", err)
	}
}

func TestSelectTaskRQFallsBackToPrev(t *testing.T) {
	env := newTestEnv(t, noEnergyModel, 4)
	p := wakingTask(t, env, 10, 2)

	_, err := env.c.FindEnergyEfficientCPU(p, 2, 0, false, 0)
	if !errors.Is(err, ErrNoPlacement) {
		t.Fatalf("search without an energy model = %v, want ErrNoPlacement", err)
	}
	if cpu := env.c.SelectTaskRQ(p, 2, 0, false, 0); cpu != 2 {
		t.Fatalf("SelectTaskRQ = %d, want prev cpu 2", cpu)
	}
	if _, err := env.c.FindEnergyEfficientCPU(p, 9, 0, false, 0); !errors.Is(err, ErrInvalid) {
		t.Fatalf("out of range prev cpu = %v", err)
	}
}

func TestManyWakeupKeepsPrev(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	p := wakingTask(t, env, 10, 5)
	if err := env.c.Sysctl().Write("sched_many_wakeup_threshold", "4"); err != nil {
		t.Fatalf("sysctl: %v", err)
	}
	res, err := env.c.FindEnergyEfficientCPU(p, 5, 1, false, 4)
	if err != nil || res.CPU != 5 || res.Fastpath != FastpathNone {
		t.Fatalf("many wakeup placement = %+v, %v", res, err)
	}
}

func TestSyncWakeupStaysOnWaker(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	p := wakingTask(t, env, 10, 0)
	res, err := env.c.FindEnergyEfficientCPU(p, 0, 2, true, 0)
	if err != nil {
		t.Fatalf("FindEnergyEfficientCPU: %v", err)
	}
	if res.CPU != 2 || res.Fastpath != FastpathSyncWakeup {
		t.Fatalf("sync wakeup placement = %+v", res)
	}
}

func TestPlacementSkipsBusyCPUs(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	c := env.c

	// Keep cpu 0 busy so the prev cpu fast path does not apply.
	env.clock.now = 1
	busy := env.spawn(t, 20, 0)
	env.enqueue(t, busy)
	env.run(t, 0, busy)

	p := env.spawn(t, 10, 0)
	p.State = TaskWaking
	res, err := c.FindEnergyEfficientCPU(p, 0, 0, false, 0)
	if err != nil {
		t.Fatalf("FindEnergyEfficientCPU: %v", err)
	}
	if res.Fastpath != FastpathNone || res.Candidates.Empty() || res.Candidates.Has(0) {
		t.Fatalf("busy prev cpu offered as candidate: %+v", res)
	}
	res.Candidates.ForEach(func(cpu int) bool {
		if !c.RQ(cpu).availableIdle() {
			t.Fatalf("candidate cpu %d is busy", cpu)
		}
		return true
	})
}

func TestTaskFitsCapacityMargins(t *testing.T) {
	env := newTestEnv(t, twoClusters, 8)
	c := env.c
	p := wakingTask(t, env, 10, 0)
	if !c.taskFitsMax(p, 0) {
		t.Fatalf("a new task should fit the little cluster")
	}

	rq := c.RQ(0)
	rq.Lock()
	p.demandScaled = 500
	p.publish()
	rq.Unlock()
	// 512*1024 < 500*1077: over the up margin.
	if c.taskFitsMax(p, 0) {
		t.Fatalf("task at 500 fits capacity 512 despite the margin")
	}
	if !c.taskFitsMax(p, 4) {
		t.Fatalf("the biggest cluster fits everything")
	}
}
