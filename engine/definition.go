package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// NodeType identifies the behavior of a node in the workflow graph.
type NodeType string

// Built-in node types.
const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeAutomatic NodeType = "automatic"
	NodeHumanTask NodeType = "humanTask"
	NodeTimer     NodeType = "timer"
	NodeGateway   NodeType = "gateway"
	NodeJoin      NodeType = "join"
)

// NodeDef is one node in a workflow definition graph.
//
// Properties is a free-form bag interpreted by the executor for the node's
// type: gateway nodes carry a "strategy", automatic nodes an "action",
// join nodes "gatewayId"/"mode"/"cancelRemaining", timer nodes a
// "delaySeconds" or "dueAt".
type NodeDef struct {
	ID         string         `json:"id"`
	Type       NodeType       `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// EdgeDef is a directed connection between two nodes.
//
// Condition is an optional boolean expression evaluated by exclusive
// gateways. Label is optional; an exclusive gateway treats an edge labeled
// "else" (or an unlabeled, unconditioned edge) as the default path.
type EdgeDef struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// WorkflowDefinition is an immutable, versioned workflow graph.
//
// Definitions are created on publish and never mutated afterward. A
// definition is identified by (ID, Version); instances record both so a
// running instance is unaffected by later publishes.
type WorkflowDefinition struct {
	ID          string    `json:"id"`
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	TenantID    string    `json:"tenantId"`
	Nodes       []NodeDef `json:"nodes"`
	Edges       []EdgeDef `json:"edges"`
	PublishedAt time.Time `json:"publishedAt"`
}

// NodeByID returns the node with the given ID, or nil if absent.
func (d *WorkflowDefinition) NodeByID(id string) *NodeDef {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// StartNodes returns the IDs of all start nodes in declaration order.
func (d *WorkflowDefinition) StartNodes() []string {
	var ids []string
	for _, n := range d.Nodes {
		if n.Type == NodeStart {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// OutgoingEdges returns the edges leaving nodeID in declaration order.
// Declaration order matters: exclusive gateways evaluate conditions in
// this order and the first true condition wins.
func (d *WorkflowDefinition) OutgoingEdges(nodeID string) []EdgeDef {
	var out []EdgeDef
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// EdgeByID returns the edge with the given ID, or nil if absent.
func (d *WorkflowDefinition) EdgeByID(id string) *EdgeDef {
	for i := range d.Edges {
		if d.Edges[i].ID == id {
			return &d.Edges[i]
		}
	}
	return nil
}

// ReachableCount returns the number of distinct nodes reachable from the
// start nodes, including the start nodes themselves. Used as the
// denominator for instance progress.
func (d *WorkflowDefinition) ReachableCount() int {
	seen := make(map[string]bool)
	queue := d.StartNodes()
	for _, id := range queue {
		seen[id] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range d.OutgoingEdges(cur) {
			if !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return len(seen)
}

// Validate checks structural integrity at publish time.
//
// It rejects duplicate node/edge IDs, edges referencing unknown nodes,
// graphs without a start node, malformed gateway strategies, A/B variants
// with non-positive weights, and quorum thresholds outside (0, 100].
func (d *WorkflowDefinition) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidDefinition)
	}
	nodeIDs := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node with empty id", ErrInvalidDefinition)
		}
		if nodeIDs[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidDefinition, n.ID)
		}
		nodeIDs[n.ID] = true
	}
	edgeIDs := make(map[string]bool, len(d.Edges))
	for _, e := range d.Edges {
		if e.ID == "" {
			return fmt.Errorf("%w: edge with empty id", ErrInvalidDefinition)
		}
		if edgeIDs[e.ID] {
			return fmt.Errorf("%w: duplicate edge id %q", ErrInvalidDefinition, e.ID)
		}
		edgeIDs[e.ID] = true
		if !nodeIDs[e.Source] {
			return fmt.Errorf("%w: edge %q references unknown source %q", ErrInvalidDefinition, e.ID, e.Source)
		}
		if !nodeIDs[e.Target] {
			return fmt.Errorf("%w: edge %q references unknown target %q", ErrInvalidDefinition, e.ID, e.Target)
		}
	}
	if len(d.StartNodes()) == 0 {
		return fmt.Errorf("%w: no start node", ErrInvalidDefinition)
	}
	for _, n := range d.Nodes {
		switch n.Type {
		case NodeGateway:
			if err := d.validateGateway(n); err != nil {
				return err
			}
		case NodeJoin:
			if err := d.validateJoin(n, nodeIDs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *WorkflowDefinition) validateGateway(n NodeDef) error {
	spec, err := ParseGatewaySpec(n.Properties["strategy"])
	if err != nil {
		return fmt.Errorf("%w: gateway %q: %v", ErrInvalidDefinition, n.ID, err)
	}
	if spec.Kind == StrategyAbTest {
		variants, err := parseVariants(spec.Config)
		if err != nil {
			return fmt.Errorf("%w: gateway %q: %v", ErrInvalidDefinition, n.ID, err)
		}
		for _, v := range variants {
			if v.Weight <= 0 {
				return fmt.Errorf("%w: gateway %q: variant %q has non-positive weight", ErrInvalidDefinition, n.ID, v.Name)
			}
		}
	}
	return nil
}

func (d *WorkflowDefinition) validateJoin(n NodeDef, nodeIDs map[string]bool) error {
	gatewayID, _ := n.Properties["gatewayId"].(string)
	if gatewayID == "" {
		return fmt.Errorf("%w: join %q missing gatewayId", ErrInvalidDefinition, n.ID)
	}
	if !nodeIDs[gatewayID] {
		return fmt.Errorf("%w: join %q references unknown gateway %q", ErrInvalidDefinition, n.ID, gatewayID)
	}
	mode := joinModeOf(n)
	switch mode {
	case JoinAll, JoinAny, JoinCount, JoinExpression:
	case JoinQuorum:
		pct := numberProp(n.Properties, "thresholdPercent")
		if pct <= 0 || pct > 100 {
			return fmt.Errorf("%w: join %q quorum thresholdPercent must be in (0, 100], got %v", ErrInvalidDefinition, n.ID, pct)
		}
	default:
		return fmt.Errorf("%w: join %q has unknown mode %q", ErrInvalidDefinition, n.ID, mode)
	}
	return nil
}

// graphJSON is the wire form of a definition graph. Both "from"/"to" and
// "source"/"target" edge key spellings are accepted.
type graphJSON struct {
	Nodes []NodeDef  `json:"nodes"`
	Edges []edgeJSON `json:"edges"`
}

type edgeJSON struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Label     string `json:"label"`
	Condition string `json:"condition"`
}

// ParseGraph decodes a definition graph from JSON, normalizing the two
// accepted edge key spellings ("from"/"to" and "source"/"target").
func ParseGraph(data []byte) ([]NodeDef, []EdgeDef, error) {
	var g graphJSON
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, nil, fmt.Errorf("parse graph: %w", err)
	}
	edges := make([]EdgeDef, 0, len(g.Edges))
	for _, e := range g.Edges {
		src := e.Source
		if src == "" {
			src = e.From
		}
		tgt := e.Target
		if tgt == "" {
			tgt = e.To
		}
		edges = append(edges, EdgeDef{ID: e.ID, Source: src, Target: tgt, Label: e.Label, Condition: e.Condition})
	}
	return g.Nodes, edges, nil
}

// numberProp reads a numeric property that may arrive as float64 (JSON) or
// as a native int after programmatic construction.
func numberProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

// ceilDiv computes ceil(n * pct / 100) for quorum thresholds.
func quorumThreshold(branchCount int, pct float64) int {
	return int(math.Ceil(float64(branchCount) * pct / 100.0))
}
