// Package mapping implements the bin-to-source basic-block mapping
// pipeline: GraphMap/HierarchicalGraphMap, and stages 0 (and its 0'
// alternative), 1, 2 and 3 that together turn a pair of region hierarchies
// into a complete block-level map with execution-count ranges.
package mapping

import (
	"sort"

	"github.com/tum-rcs/insn2src-mapper/internal/graph"
	apperrors "github.com/tum-rcs/insn2src-mapper/pkg/errors"
)

// ExecCountRange is a closed interval on how many times a mapped binary
// block executes per execution of its mapped source block, defaulting to
// exactly once ([1, 1]).
type ExecCountRange struct {
	Lo, Hi int
}

// DefaultExecCount is the [1, 1] range every new mapping entry starts
// with.
var DefaultExecCount = ExecCountRange{Lo: 1, Hi: 1}

// GraphMap is a partial map from domain-graph nodes (binary) to
// image-graph nodes (source), tracking the unmapped remainder, an
// execution-count range per mapped entry, and the lineage of predecessor
// maps it was built from.
type GraphMap struct {
	Domain *graph.Digraph
	Image  *graph.Digraph

	m         map[graph.NodeID]graph.NodeID
	execCount map[graph.NodeID]ExecCountRange

	// Lineage records each ancestor map this GraphMap was derived from
	// (oldest first), forming a DAG of maps rather than owning references
	// back to them, so a GraphMap can be freed independently of its
	// ancestors.
	Lineage []map[graph.NodeID]graph.NodeID
}

// NewGraphMap returns an empty map over domain -> image.
func NewGraphMap(domain, image *graph.Digraph) *GraphMap {
	return &GraphMap{
		Domain:    domain,
		Image:     image,
		m:         make(map[graph.NodeID]graph.NodeID),
		execCount: make(map[graph.NodeID]ExecCountRange),
	}
}

// Set records domainNode -> imageNode with the default [1,1] exec count,
// overwriting any prior entry.
func (gm *GraphMap) Set(domainNode, imageNode graph.NodeID) {
	gm.m[domainNode] = imageNode
	if _, ok := gm.execCount[domainNode]; !ok {
		gm.execCount[domainNode] = DefaultExecCount
	}
}

// SetWithExecCount records domainNode -> imageNode with an explicit
// execution-count range (used by Stage 3's skip-completion attribution).
func (gm *GraphMap) SetWithExecCount(domainNode, imageNode graph.NodeID, count ExecCountRange) {
	gm.m[domainNode] = imageNode
	gm.execCount[domainNode] = count
}

// Get returns the image node domainNode maps to, if mapped.
func (gm *GraphMap) Get(domainNode graph.NodeID) (graph.NodeID, bool) {
	v, ok := gm.m[domainNode]
	return v, ok
}

// ExecCount returns the exec-count range recorded for domainNode,
// defaulting to [1,1] if unset.
func (gm *GraphMap) ExecCount(domainNode graph.NodeID) ExecCountRange {
	if c, ok := gm.execCount[domainNode]; ok {
		return c
	}
	return DefaultExecCount
}

// Mapped returns every mapped domain node, sorted for determinism.
func (gm *GraphMap) Mapped() []graph.NodeID {
	out := make([]graph.NodeID, 0, len(gm.m))
	for n := range gm.m {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Unmapped returns every domain-graph node with no entry in the map,
// sorted for determinism.
func (gm *GraphMap) Unmapped() []graph.NodeID {
	var out []graph.NodeID
	for _, n := range gm.Domain.Nodes() {
		if _, ok := gm.m[n]; !ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Merge folds other into gm. It requires the two maps to agree on every
// domain node they share (two maps that send the same domain node to
// different images is a caller bug, not a recoverable condition, since it
// would silently discard one candidate mapping); on success, execution
// counts for keys present on both sides are summed.
func (gm *GraphMap) Merge(other *GraphMap) error {
	for n, v := range other.m {
		if cur, ok := gm.m[n]; ok && cur != v {
			return apperrors.New(apperrors.CodeHomomorphismConflict,
				"mapping: cannot merge GraphMaps that map the same domain node to different images")
		}
	}
	for n, v := range other.m {
		gm.m[n] = v
		if c, ok := gm.execCount[n]; ok {
			oc := other.execCount[n]
			gm.execCount[n] = ExecCountRange{Lo: c.Lo + oc.Lo, Hi: c.Hi + oc.Hi}
		} else {
			gm.execCount[n] = other.execCount[n]
		}
	}
	gm.Lineage = append(append([]map[graph.NodeID]graph.NodeID{}, gm.Lineage...), snapshot(other.m))
	return nil
}

func snapshot(m map[graph.NodeID]graph.NodeID) map[graph.NodeID]graph.NodeID {
	out := make(map[graph.NodeID]graph.NodeID, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// HierarchicalGraphMap (HGM) mirrors an HFG's hierarchy: a GraphMap for
// the current level plus one child HGM per nested loop.
type HGM struct {
	Map      *GraphMap
	Children []*HGMChild
}

// HGMChild pairs a nested HGM with the flags region.HFG carries for the
// same loop: Skip (the binary subflow had no source loop partner) and
// IsPrecise (the child's map was produced by a mapper whose output is
// taken as exact, currently always true once Stage 2 completes it).
type HGMChild struct {
	HGM       *HGM
	Skip      bool
	IsPrecise bool
}
