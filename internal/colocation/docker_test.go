package colocation

import (
	"context"
	"errors"
	"testing"

	"walt-sched/internal/config"
	"walt-sched/internal/logging"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
)

type fakeDocker struct {
	containers []types.Container
	top        map[string]container.ContainerTopOKBody
	listOpts   container.ListOptions
}

func (f *fakeDocker) ContainerList(_ context.Context, options container.ListOptions) ([]types.Container, error) {
	f.listOpts = options
	return f.containers, nil
}

func (f *fakeDocker) ContainerTop(_ context.Context, id string, _ []string) (container.ContainerTopOKBody, error) {
	top, ok := f.top[id]
	if !ok {
		return container.ContainerTopOKBody{}, errors.New("no such container")
	}
	return top, nil
}

func newFake() *fakeDocker {
	return &fakeDocker{
		containers: []types.Container{
			{
				ID:     "aaaaaaaaaaaaaaaa",
				Names:  []string{"/ui"},
				State:  "running",
				Labels: map[string]string{LabelColocate: "true", LabelCgroup: "top-app", LabelRunNs: "2000000", LabelSleepNs: "6000000"},
			},
			{
				ID:     "bbbbbbbbbbbbbbbb",
				Names:  []string{"/render"},
				State:  "running",
				Labels: map[string]string{LabelColocate: "true"},
			},
			{ID: "cccccccccccccccc", State: "exited", Labels: map[string]string{LabelColocate: "true"}},
			{ID: "dddddddddddddddd", State: "running", Labels: map[string]string{LabelColocate: "true"}},
		},
		top: map[string]container.ContainerTopOKBody{
			"aaaaaaaaaaaaaaaa": {Titles: []string{"PID"}, Processes: [][]string{{"4711"}, {"4702"}}},
			"bbbbbbbbbbbbbbbb": {Titles: []string{"UID", "PID", "CMD"}, Processes: [][]string{{"root", "5001", "sh"}, {"root", "x", "?"}}},
		},
	}
}

func TestDiscover(t *testing.T) {
	fake := newFake()
	got, err := NewSource(fake, logging.Discard()).Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if v := fake.listOpts.Filters.Get("label"); len(v) != 1 || v[0] != "walt.colocate=true" {
		t.Fatalf("label filter = %v", v)
	}
	if len(got) != 2 {
		t.Fatalf("containers = %+v", got)
	}
	ui := got[0]
	if ui.Name != "ui" || ui.Cgroup != "top-app" || ui.RunNs != 2000000 || ui.SleepNs != 6000000 {
		t.Fatalf("ui = %+v", ui)
	}
	if len(ui.PIDs) != 2 || ui.PIDs[0] != 4702 {
		t.Fatalf("ui pids = %v", ui.PIDs)
	}
	render := got[1]
	if render.Cgroup != DefaultCgroup || len(render.PIDs) != 1 || render.PIDs[0] != 5001 {
		t.Fatalf("render = %+v", render)
	}
}

func TestTopPIDsWithoutPIDColumn(t *testing.T) {
	if _, err := topPIDs(container.ContainerTopOKBody{Titles: []string{"CMD"}}); err == nil {
		t.Fatalf("missing PID column accepted")
	}
}

func TestAddToWorkload(t *testing.T) {
	cfg := &config.RunConfig{}
	cfg.Workload.Cgroups = []config.CgroupConfig{{Name: "top-app"}}
	cfg.Workload.Tasks = []config.TaskConfig{{Name: "known", PID: 4702}}

	containers := []Container{
		{Name: "ui", Cgroup: "top-app", PIDs: []int{4702, 4711}, RunNs: 1000},
		{Name: "render", Cgroup: DefaultCgroup, PIDs: []int{5001}},
	}
	if n := AddToWorkload(cfg, containers); n != 2 {
		t.Fatalf("added %d tasks", n)
	}
	w := cfg.Workload
	if len(w.Tasks) != 3 || w.Tasks[1].PID != 4711 || w.Tasks[1].Cgroup != "top-app" || w.Tasks[1].RunNs != 1000 {
		t.Fatalf("tasks = %+v", w.Tasks)
	}
	if len(w.Cgroups) != 2 || !w.Cgroups[0].Colocate || w.Cgroups[1].Name != DefaultCgroup || !w.Cgroups[1].Colocate {
		t.Fatalf("cgroups = %+v", w.Cgroups)
	}
}
