package graph

import (
	"fmt"
	"strings"

	"github.com/songzhibin97/campaign-engine/types"
)

// ValidationError reports a structural problem in a campaign graph.
// Validation runs once at publish time; a campaign whose graph fails
// validation must not be published.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid graph: " + e.Reason
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the structural invariants of a graph and canonicalizes
// condition edge labels in place ("TRUE" -> "true" and so on). Checks:
//
//   - exactly one trigger node, with no inbound edges and one successor
//   - every node has a known kind and its matching config variant set
//   - no edge references a missing node id
//   - simple condition nodes have exactly one true- and one false-labeled
//     outgoing edge; switch condition nodes have one edge per declared
//     case plus exactly one default edge
func Validate(g *types.Graph) error {
	if len(g.Nodes) == 0 {
		return invalid("graph has no nodes")
	}

	nodes := make(map[string]types.Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return invalid("node with empty id")
		}
		if _, ok := nodes[n.ID]; ok {
			return invalid("duplicate node id %q", n.ID)
		}
		if err := validateConfig(n); err != nil {
			return err
		}
		nodes[n.ID] = n
	}

	var trigger *types.Node
	for i := range g.Nodes {
		if g.Nodes[i].Kind == types.KindTrigger {
			if trigger != nil {
				return invalid("graph has more than one trigger node")
			}
			trigger = &g.Nodes[i]
		}
	}
	if trigger == nil {
		return invalid("graph has no trigger node")
	}

	outgoing := make(map[string][]*types.Edge)
	for i := range g.Edges {
		e := &g.Edges[i]
		if _, ok := nodes[e.SourceNodeID]; !ok {
			return invalid("edge %q references missing source node %q", e.ID, e.SourceNodeID)
		}
		if _, ok := nodes[e.TargetNodeID]; !ok {
			return invalid("edge %q references missing target node %q", e.ID, e.TargetNodeID)
		}
		if e.TargetNodeID == trigger.ID {
			return invalid("trigger node %q has an inbound edge", trigger.ID)
		}
		outgoing[e.SourceNodeID] = append(outgoing[e.SourceNodeID], e)
	}

	if n := len(outgoing[trigger.ID]); n != 1 {
		return invalid("trigger node %q must have exactly one successor, has %d", trigger.ID, n)
	}

	for _, n := range g.Nodes {
		if n.Kind != types.KindCondition {
			continue
		}
		if err := validateConditionEdges(n, outgoing[n.ID]); err != nil {
			return err
		}
	}

	return nil
}

// validateConditionEdges enforces the edge-label invariants for a
// condition node and rewrites labels to their canonical form.
func validateConditionEdges(n types.Node, edges []*types.Edge) error {
	cfg := n.Config.Condition

	counts := make(map[string]int)
	for _, e := range edges {
		label := strings.ToLower(strings.TrimSpace(e.Label))
		switch label {
		case "yes", "sim", "1":
			label = types.LabelTrue
		case "no", "nao", "não", "0":
			label = types.LabelFalse
		}
		e.Label = label
		if label != types.LabelError {
			counts[label]++
		}
	}

	if cfg.Mode == types.ConditionSwitch {
		for _, c := range cfg.Cases {
			if c.Label == "" {
				return invalid("condition node %q has a case with an empty label", n.ID)
			}
			if counts[strings.ToLower(c.Label)] != 1 {
				return invalid("condition node %q needs exactly one edge labeled %q", n.ID, c.Label)
			}
		}
		if counts[types.LabelDefault] != 1 {
			return invalid("condition node %q needs exactly one default edge", n.ID)
		}
		return nil
	}

	if counts[types.LabelTrue] != 1 || counts[types.LabelFalse] != 1 {
		return invalid("condition node %q needs exactly one true and one false edge", n.ID)
	}
	return nil
}

// validateConfig checks that the node's kind is known and the matching
// config variant is present.
func validateConfig(n types.Node) error {
	c := n.Config
	var ok bool
	switch n.Kind {
	case types.KindTrigger:
		ok = c.Trigger != nil
	case types.KindText:
		ok = c.Text != nil && (c.Text.Content != "" || len(c.Text.Variations) > 0)
	case types.KindMedia:
		ok = c.Media != nil
	case types.KindAI:
		ok = c.AI != nil
	case types.KindCondition:
		ok = c.Condition != nil &&
			(c.Condition.Mode == types.ConditionSimple || c.Condition.Mode == types.ConditionSwitch)
	case types.KindDelay:
		ok = c.Delay != nil && c.Delay.Amount > 0
	case types.KindHTTPRequest:
		ok = c.HTTP != nil && c.HTTP.Method != "" && c.HTTP.URL != ""
		if ok && c.HTTP.TimeoutSeconds != 0 && (c.HTTP.TimeoutSeconds < 1 || c.HTTP.TimeoutSeconds > 60) {
			return invalid("node %q timeout must be between 1 and 60 seconds", n.ID)
		}
	case types.KindIntegrationCRM:
		ok = c.CRM != nil && c.CRM.Action != ""
	case types.KindIntegrationChat:
		ok = c.Chat != nil && len(c.Chat.Tags) > 0
	case types.KindStop:
		ok = true
	default:
		return invalid("node %q has unknown kind %q", n.ID, n.Kind)
	}
	if !ok {
		return invalid("node %q is missing configuration for kind %q", n.ID, n.Kind)
	}
	return nil
}
