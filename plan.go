package progcache

import "time"

type nodeState uint8

const (
	nodePending nodeState = iota // waiting on its predecessor
	nodeQueued
	nodeRunning
	nodeDone
	nodeSkipped
)

// node is one (asset, stage) pair of a call. Nodes of the same asset form a
// chain in stage order; only the head is submitted up front.
type node struct {
	call      *call
	asset     string
	index     int
	stage     *Stage
	status    *StageStatus
	neighbors []neighborTarget
	next      *node
	state     nodeState
	scratch   *TargetBuffer // loader-owned copy of the asset's region
}

type neighborTarget struct {
	id    string
	index int
	floor Quality
}

// StageStatus tracks one stage of a call.
type StageStatus struct {
	StageID  string
	Total    int
	Pending  int
	Failures int
	Skipped  int
	Started  time.Time
	Elapsed  time.Duration // set once Pending reaches zero
}

// PlannedNode is a read-only view of a planned node, used for dry runs.
type PlannedNode struct {
	Stage     string
	AssetID   string
	Index     int
	Class     Class
	Priority  int
	Neighbors []int
}

type plan struct {
	heads    []*node
	statuses []*StageStatus
	nodes    []*node // in expansion order
}

// buildPlan expands stages against ids. Each distinct id gets one chain; a
// repeated id keeps the index of its first occurrence.
func buildPlan(ids []string, stages []Stage) *plan {
	p := &plan{}
	tails := make(map[string]*node, len(ids))
	n := len(ids)

	for si := range stages {
		s := &stages[si]
		var st *StageStatus
		for _, idx := range s.Select(n) {
			id := ids[idx]
			if tail, ok := tails[id]; ok && tail.index != idx {
				continue
			}
			if st == nil {
				st = &StageStatus{StageID: s.ID}
				p.statuses = append(p.statuses, st)
			}
			nd := &node{asset: id, index: idx, stage: s, status: st}
			for _, nf := range s.NeighborFill {
				j := idx + nf.Offset
				if j < 0 || j >= n || ids[j] == id {
					continue
				}
				nd.neighbors = append(nd.neighbors, neighborTarget{id: ids[j], index: j, floor: nf.QualityFloor})
			}
			st.Total++
			st.Pending++

			if tail, ok := tails[id]; ok {
				tail.next = nd
			} else {
				p.heads = append(p.heads, nd)
			}
			tails[id] = nd
			p.nodes = append(p.nodes, nd)
		}
	}
	return p
}

// Plan expands stages against ids without retrieving anything.
func Plan(ids []string, stages []Stage) ([]PlannedNode, error) {
	if err := ValidateStages(stages); err != nil {
		return nil, err
	}
	p := buildPlan(ids, stages)
	out := make([]PlannedNode, 0, len(p.nodes))
	for _, nd := range p.nodes {
		pn := PlannedNode{
			Stage:    nd.stage.ID,
			AssetID:  nd.asset,
			Index:    nd.index,
			Class:    nd.stage.Class,
			Priority: nd.stage.Priority,
		}
		for _, nb := range nd.neighbors {
			pn.Neighbors = append(pn.Neighbors, nb.index)
		}
		out = append(out, pn)
	}
	return out, nil
}
