package walt

import (
	"fmt"

	"walt-sched/internal/config"
	"walt-sched/internal/cpumask"
)

// clusterRelation says: once the source cluster runs at or above
// srcFreqScale, skip it for placement unless dstCluster already runs at
// tgtFreqScale or more.
type clusterRelation struct {
	srcFreqScale int
	dstCluster   int
	tgtFreqScale int
}

// clusterRelations holds, per source cluster, the relations sorted as
// written. An empty slice means the cluster is never ignored.
type clusterRelations [config.MaxClusters][]clusterRelation

// parseClusterRelations turns the flat (src, dst, tgt) triples into
// relations, stopping at the first triple out of range.
func parseClusterRelations(raw []int, nrClusters int) []clusterRelation {
	var rels []clusterRelation
	for i := 0; i+2 < len(raw) && i/3 < config.MaxClusterRelations; i += 3 {
		src, dst, tgt := raw[i], raw[i+1], raw[i+2]
		if src <= 0 || src > fixedPointScale {
			break
		}
		if dst < 0 || dst >= nrClusters {
			break
		}
		if tgt <= 0 || tgt > fixedPointScale {
			break
		}
		rels = append(rels, clusterRelation{srcFreqScale: src, dstCluster: dst, tgtFreqScale: tgt})
	}
	return rels
}

// applyClusterRelations installs the relation tables found in the boot
// tunables. Tables given at boot count as written.
func (c *Core) applyClusterRelations(tables [][]int) error {
	rels := &clusterRelations{}
	for idx, raw := range tables {
		if len(raw) == 0 {
			continue
		}
		if idx >= c.topo.NrClusters()-1 {
			return fmt.Errorf("cluster%d_rel on %d clusters: %w", idx, c.topo.NrClusters(), ErrInvalid)
		}
		rels[idx] = parseClusterRelations(raw, c.topo.NrClusters())
		c.relWritten[idx].Store(true)
	}
	c.clusterRel.Store(rels)
	return nil
}

// SetClusterRelations writes the relation table of cluster idx. Each
// table can be written once; later writes fail with ErrPermission. The
// biggest cluster has no table.
func (c *Core) SetClusterRelations(idx int, raw []int) error {
	if idx < 0 || idx >= config.MaxClusters || idx >= c.topo.NrClusters()-1 {
		return fmt.Errorf("cluster%d_rel: %w", idx, ErrInvalid)
	}
	if len(raw) > 3*config.MaxClusterRelations {
		return fmt.Errorf("cluster%d_rel has %d values: %w", idx, len(raw), ErrInvalid)
	}
	if !c.relWritten[idx].CompareAndSwap(false, true) {
		return fmt.Errorf("cluster%d_rel already configured: %w", idx, ErrPermission)
	}

	c.sysctlMu.Lock()
	defer c.sysctlMu.Unlock()
	next := *c.clusterRel.Load()
	next[idx] = parseClusterRelations(raw, c.topo.NrClusters())
	c.clusterRel.Store(&next)

	tun := c.tun().Clone()
	for len(tun.ClusterRel) <= idx {
		tun.ClusterRel = append(tun.ClusterRel, nil)
	}
	tun.ClusterRel[idx] = append([]int(nil), raw...)
	c.tunables.Store(tun)

	c.logger.WithField("cluster", idx).WithField("relations", len(next[idx])).Info("Cluster relations configured")
	return nil
}

// ClusterRelations returns the relation table of cluster idx as flat
// triples.
func (c *Core) ClusterRelations(idx int) []int {
	if idx < 0 || idx >= config.MaxClusters {
		return nil
	}
	var out []int
	for _, r := range c.clusterRel.Load()[idx] {
		out = append(out, r.srcFreqScale, r.dstCluster, r.tgtFreqScale)
	}
	return out
}

// freqScale is the current frequency of cpu's cluster on the 0..1024
// scale of its maximum possible frequency.
func (c *Core) freqScale(cpu int) uint64 {
	cl := c.topo.ClusterOf(cpu)
	return cl.CurFreq() * fixedPointScale / cl.MaxPossibleFreq()
}

// ignoreClusterValid reports whether placement should skip the cluster
// of rq for p: the cluster runs above its relation threshold while the
// related target cluster is still below its target scale. A task that
// can only run on the cluster is never redirected.
func (c *Core) ignoreClusterValid(p *Task, rq *RQ) bool {
	cl := rq.cluster
	if cl.ID >= config.MaxClusters {
		return false
	}
	rels := c.clusterRel.Load()[cl.ID]
	if len(rels) == 0 {
		return false
	}
	srcScale := int(c.freqScale(cl.FirstCPU()))
	if srcScale < rels[0].srcFreqScale {
		return false
	}

	if p != nil {
		var elsewhere cpumask.Mask
		c.allCPUs().AndNot(cl.CPUs).ForEach(func(cpu int) bool {
			if c.rqs[cpu].pubActive.Load() {
				elsewhere = elsewhere.With(cpu)
			}
			return true
		})
		if !p.Affinity.Intersects(elsewhere) {
			return false
		}
	}

	i := 0
	for i < len(rels) && rels[i].srcFreqScale <= srcScale {
		i++
	}
	rel := rels[i-1]
	tgtCPU := c.topo.Clusters[rel.dstCluster].FirstCPU()
	tgtScale := uint64(rel.tgtFreqScale)

	// A target capped below the scale cannot take the load.
	if c.capacityOrigOf(tgtCPU) < tgtScale {
		return false
	}
	return c.freqScale(tgtCPU) < tgtScale
}
