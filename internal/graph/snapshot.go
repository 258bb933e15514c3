package graph

import (
	"fmt"
	"time"
)

// Snapshot is an immutable, JSON-serializable copy of a graph. It is
// what checkpoints persist and what read-side consumers (UI, report
// step) observe; it shares no memory with the live graph.
type Snapshot struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	CreatedAt time.Time `json:"created_at"`
	Nodes     []Node    `json:"nodes"`
}

// Snapshot produces a deep copy of the current graph state. Nodes appear
// in insertion order.
func (g *Graph) Snapshot() Snapshot {
	s := Snapshot{
		ID:        g.ID,
		Goal:      g.Goal,
		CreatedAt: g.CreatedAt,
		Nodes:     make([]Node, 0, len(g.order)),
	}
	for _, id := range g.order {
		s.Nodes = append(s.Nodes, copyNode(g.nodes[id]))
	}
	return s
}

// Restore rebuilds a live graph from a checkpointed snapshot. Structural
// invariants are re-validated; statuses and results are restored as
// recorded, except that nodes checkpointed mid-dispatch come back as
// Pending (resume never replays executor calls, it re-dispatches).
func Restore(s Snapshot) (*Graph, error) {
	if s.ID == "" || len(s.Nodes) == 0 {
		return nil, fmt.Errorf("%w: empty snapshot", ErrInvalidGraph)
	}

	g := &Graph{
		ID:        s.ID,
		Goal:      s.Goal,
		CreatedAt: s.CreatedAt,
		nodes:     make(map[string]*Node, len(s.Nodes)),
	}
	for i := range s.Nodes {
		n := copyNode(&s.Nodes[i])
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, n.ID)
		}
		if !ValidRole(n.Role) {
			return nil, fmt.Errorf("%w: node %q has unknown role %q", ErrInvalidGraph, n.ID, n.Role)
		}
		if n.Status == StatusDispatched {
			n.Status = StatusPending
		}
		g.nodes[n.ID] = &n
		g.order = append(g.order, n.ID)
	}

	for _, n := range g.nodes {
		for _, dep := range n.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("%w: node %q depends on unknown node %q", ErrInvalidGraph, n.ID, dep)
			}
		}
	}
	if cyc := findCycle(g); cyc != "" {
		return nil, fmt.Errorf("%w: dependency cycle through node %q", ErrInvalidGraph, cyc)
	}

	return g, nil
}
