package graph

import (
	"strings"

	"github.com/songzhibin97/campaign-engine/types"
)

// Index is a read-only lookup structure over a validated graph. Nodes
// and edges live in flat maps and slices keyed by id, so one Index is
// safely shared across every concurrent session of a campaign.
type Index struct {
	nodes     map[string]types.Node
	outgoing  map[string][]types.Edge // authoring order preserved
	triggerID string
}

// NewIndex builds an Index. The graph must already have passed Validate.
func NewIndex(g types.Graph) *Index {
	idx := &Index{
		nodes:    make(map[string]types.Node, len(g.Nodes)),
		outgoing: make(map[string][]types.Edge),
	}
	for _, n := range g.Nodes {
		idx.nodes[n.ID] = n
		if n.Kind == types.KindTrigger {
			idx.triggerID = n.ID
		}
	}
	for _, e := range g.Edges {
		idx.outgoing[e.SourceNodeID] = append(idx.outgoing[e.SourceNodeID], e)
	}
	return idx
}

// Node returns the node with the given id.
func (idx *Index) Node(id string) (types.Node, bool) {
	n, ok := idx.nodes[id]
	return n, ok
}

// Trigger returns the graph's unique trigger node.
func (idx *Index) Trigger() types.Node {
	return idx.nodes[idx.triggerID]
}

// EntryNodeID returns the id of the trigger's sole successor, where every
// session begins.
func (idx *Index) EntryNodeID() string {
	out := idx.outgoing[idx.triggerID]
	if len(out) == 0 {
		return ""
	}
	return out[0].TargetNodeID
}

// Successors returns the outgoing edges of a node in authoring order,
// excluding the error edge.
func (idx *Index) Successors(nodeID string) []types.Edge {
	var out []types.Edge
	for _, e := range idx.outgoing[nodeID] {
		if e.Label != types.LabelError {
			out = append(out, e)
		}
	}
	return out
}

// EdgeByLabel returns the outgoing edge of a node carrying the given
// label, matched case-insensitively.
func (idx *Index) EdgeByLabel(nodeID, label string) (types.Edge, bool) {
	for _, e := range idx.outgoing[nodeID] {
		if strings.EqualFold(e.Label, label) {
			return e, true
		}
	}
	return types.Edge{}, false
}

// ErrorEdge returns the failure edge of a node, if the author defined one.
func (idx *Index) ErrorEdge(nodeID string) (types.Edge, bool) {
	return idx.EdgeByLabel(nodeID, types.LabelError)
}
