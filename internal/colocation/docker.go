// Package colocation finds the processes of docker containers that ask
// to be colocated and feeds them into the default colocation group.
package colocation

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"walt-sched/internal/config"
	"walt-sched/internal/logging"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// Container labels
const (
	LabelColocate = "walt.colocate"
	LabelCgroup   = "walt.cgroup"
	LabelRunNs    = "walt.run_ns"
	LabelSleepNs  = "walt.sleep_ns"
)

// DefaultCgroup is the cgroup discovered tasks join when a container does
// not name one.
const DefaultCgroup = "docker-coloc"

// DockerAPI is the part of the docker client discovery needs.
type DockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerTop(ctx context.Context, containerID string, arguments []string) (container.ContainerTopOKBody, error)
}

// Container is one labelled container and its processes.
type Container struct {
	ID      string
	Name    string
	Cgroup  string
	PIDs    []int
	RunNs   uint64
	SleepNs uint64
}

type Source struct {
	api    DockerAPI
	logger logrus.FieldLogger
}

func NewSource(api DockerAPI, logger logrus.FieldLogger) *Source {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Source{api: api, logger: logger}
}

// NewDockerSource connects to the docker daemon named by the environment.
func NewDockerSource() (*Source, func() error, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return NewSource(cli, nil), cli.Close, nil
}

// Discover lists the running containers labelled walt.colocate=true with
// the pids running inside them.
func (s *Source) Discover(ctx context.Context) ([]Container, error) {
	list, err := s.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", LabelColocate+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []Container
	for _, c := range list {
		if c.State != "" && c.State != "running" {
			continue
		}
		top, err := s.api.ContainerTop(ctx, c.ID, []string{"-eo", "pid"})
		if err != nil {
			s.logger.WithField("container", shortID(c.ID)).WithError(err).Warn("Failed to list container processes")
			continue
		}
		pids, err := topPIDs(top)
		if err != nil {
			s.logger.WithField("container", shortID(c.ID)).WithError(err).Warn("Unexpected container top output")
			continue
		}

		ct := Container{
			ID:     c.ID,
			Name:   containerName(c),
			Cgroup: c.Labels[LabelCgroup],
			PIDs:   pids,
		}
		if ct.Cgroup == "" {
			ct.Cgroup = DefaultCgroup
		}
		ct.RunNs = labelUint(c.Labels, LabelRunNs)
		ct.SleepNs = labelUint(c.Labels, LabelSleepNs)
		out = append(out, ct)

		s.logger.WithFields(logrus.Fields{
			"container": ct.Name,
			"cgroup":    ct.Cgroup,
			"pids":      len(pids),
		}).Debug("Discovered colocated container")
	}
	return out, nil
}

// topPIDs reads the PID column of a ContainerTop answer.
func topPIDs(top container.ContainerTopOKBody) ([]int, error) {
	col := -1
	for i, title := range top.Titles {
		if strings.EqualFold(strings.TrimSpace(title), "pid") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("no PID column in %v", top.Titles)
	}

	pids := make([]int, 0, len(top.Processes))
	for _, proc := range top.Processes {
		if col >= len(proc) {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(proc[col]))
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

func containerName(c types.Container) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	return shortID(c.ID)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func labelUint(labels map[string]string, key string) uint64 {
	v, err := strconv.ParseUint(labels[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// AddToWorkload turns every discovered pid into a workload task of its
// container's cgroup and declares each cgroup as colocating. Pids the
// workload already declares are left alone. It returns the number of
// tasks added.
func AddToWorkload(cfg *config.RunConfig, containers []Container) int {
	w := &cfg.Workload
	known := make(map[int]bool, len(w.Tasks))
	for _, t := range w.Tasks {
		known[t.PID] = true
	}
	cgroups := make(map[string]int, len(w.Cgroups))
	for i, cg := range w.Cgroups {
		cgroups[cg.Name] = i
	}

	added := 0
	for _, c := range containers {
		if i, ok := cgroups[c.Cgroup]; ok {
			w.Cgroups[i].Colocate = true
		} else {
			cgroups[c.Cgroup] = len(w.Cgroups)
			w.Cgroups = append(w.Cgroups, config.CgroupConfig{Name: c.Cgroup, Colocate: true})
		}
		for _, pid := range c.PIDs {
			if known[pid] {
				continue
			}
			known[pid] = true
			w.Tasks = append(w.Tasks, config.TaskConfig{
				Name:    fmt.Sprintf("%s/%d", c.Name, pid),
				PID:     pid,
				Prio:    config.DefaultTaskPrio,
				Cgroup:  c.Cgroup,
				RunNs:   c.RunNs,
				SleepNs: c.SleepNs,
			})
			added++
		}
	}
	return added
}
