// Package graph implements the task graph for one investigation thread:
// a DAG of subtasks with dependency edges, executor role assignments, and
// per-node execution status.
//
// A Graph is owned by exactly one supervisor. All mutation goes through
// the owning supervisor (single-writer discipline); concurrent readers
// receive immutable Snapshot copies, never references into the live graph.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Role identifies which executor agent a node is routed to.
// The enumeration is closed: every node is bound to exactly one of the
// four executors at plan time.
type Role string

const (
	RoleResearch   Role = "research"   // literature and knowledge-graph mining
	RolePrediction Role = "prediction" // molecular-property prediction tool
	RoleData       Role = "data"       // data transformation and analysis
	RoleReport     Role = "report"     // report synthesis
)

// ValidRole reports whether r is one of the four executor roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleResearch, RolePrediction, RoleData, RoleReport:
		return true
	}
	return false
}

// Status is the execution state of a single node.
type Status string

const (
	StatusPending         Status = "pending"
	StatusDispatched      Status = "dispatched"
	StatusCompleted       Status = "completed"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedFatal     Status = "failed_fatal"
)

// TerminalState summarizes the whole graph.
type TerminalState string

const (
	InProgress TerminalState = "in_progress"
	Completed  TerminalState = "completed"
	Failed     TerminalState = "failed"
)

// Contract violations on the graph API. These are caller errors and are
// never retried.
var (
	ErrInvalidGraph      = errors.New("invalid graph")
	ErrUnknownNode       = errors.New("unknown node")
	ErrInvalidTransition = errors.New("invalid transition")
)

// NodeSpec describes one subtask in a proposed plan.
type NodeSpec struct {
	ID          string          `json:"id"`
	Role        Role            `json:"role"`
	Description string          `json:"description"`
	Input       json.RawMessage `json:"input,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"`
}

// Node is one unit of work inside a graph.
type Node struct {
	ID          string          `json:"id"`
	Role        Role            `json:"role"`
	Description string          `json:"description"`
	Input       json.RawMessage `json:"input,omitempty"`
	Status      Status          `json:"status"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Err         string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	RetryAt     time.Time       `json:"retry_at,omitempty"`
}

// Graph holds the nodes of one thread's plan. The zero value is not
// usable; construct with New or Restore.
type Graph struct {
	ID        string
	Goal      string
	CreatedAt time.Time

	nodes map[string]*Node
	order []string // insertion order, for deterministic iteration
}

// New validates the proposed subtasks and builds a graph. It fails with
// ErrInvalidGraph when a node id is duplicated, a dependency references an
// unknown node, a role is outside the closed enumeration, or the
// dependency relation contains a cycle (including self-dependency).
func New(goal string, specs []NodeSpec) (*Graph, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: empty subtask list", ErrInvalidGraph)
	}

	g := &Graph{
		ID:        uuid.New().String(),
		Goal:      goal,
		CreatedAt: time.Now().UTC(),
		nodes:     make(map[string]*Node, len(specs)),
	}

	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: node with empty id", ErrInvalidGraph)
		}
		if _, dup := g.nodes[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, s.ID)
		}
		if !ValidRole(s.Role) {
			return nil, fmt.Errorf("%w: node %q has unknown role %q", ErrInvalidGraph, s.ID, s.Role)
		}
		g.nodes[s.ID] = &Node{
			ID:          s.ID,
			Role:        s.Role,
			Description: s.Description,
			Input:       s.Input,
			Status:      StatusPending,
			DependsOn:   append([]string(nil), s.DependsOn...),
		}
		g.order = append(g.order, s.ID)
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

// findCycle runs a three-color DFS over the dependency relation and
// returns a node id on a cycle, or "" when the relation is a DAG.
func findCycle(g *Graph) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range g.nodes[id].DependsOn {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, id := range g.order {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns a copy of the named node.
func (g *Graph) Node(id string) (Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	return copyNode(n), nil
}

// ReadySet returns the ids of all nodes that are Pending and whose
// dependencies are all Completed, in lexicographic order so that repeated
// calls over identical state yield identical output.
func (g *Graph) ReadySet() []string {
	var ready []string
	for id, n := range g.nodes {
		if n.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range n.DependsOn {
			if g.nodes[dep].Status != StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// MarkDispatched advances a node from Pending to Dispatched and counts
// the attempt. A node that is not Pending cannot be dispatched.
func (g *Graph) MarkDispatched(id string) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	if n.Status != StatusPending {
		return fmt.Errorf("%w: node %q is %s, want pending", ErrInvalidTransition, id, n.Status)
	}
	for _, dep := range n.DependsOn {
		if g.nodes[dep].Status != StatusCompleted {
			return fmt.Errorf("%w: node %q dependency %q not completed", ErrInvalidTransition, id, dep)
		}
	}
	n.Status = StatusDispatched
	n.Attempts++
	return nil
}

// ApplyResult records a successful executor result and advances the node
// to Completed.
func (g *Graph) ApplyResult(id string, result json.RawMessage) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	if n.Status != StatusDispatched {
		return fmt.Errorf("%w: node %q is %s, want dispatched", ErrInvalidTransition, id, n.Status)
	}
	n.Status = StatusCompleted
	n.Result = result
	n.Err = ""
	return nil
}

// ApplyFailure records a classified executor failure. Retryable failures
// leave the node eligible for Requeue; fatal ones are terminal for the
// node.
func (g *Graph) ApplyFailure(id string, cause error, retryable bool) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	if n.Status != StatusDispatched {
		return fmt.Errorf("%w: node %q is %s, want dispatched", ErrInvalidTransition, id, n.Status)
	}
	if retryable {
		n.Status = StatusFailedRetryable
	} else {
		n.Status = StatusFailedFatal
	}
	if cause != nil {
		n.Err = cause.Error()
	}
	return nil
}

// Requeue moves a retryable-failed node back to Pending for re-dispatch,
// no earlier than retryAt.
func (g *Graph) Requeue(id string, retryAt time.Time) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	if n.Status != StatusFailedRetryable {
		return fmt.Errorf("%w: node %q is %s, want failed_retryable", ErrInvalidTransition, id, n.Status)
	}
	n.Status = StatusPending
	n.RetryAt = retryAt
	return nil
}

// Escalate promotes a retryable-failed node to FailedFatal once its
// retry budget is exhausted.
func (g *Graph) Escalate(id string) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	if n.Status != StatusFailedRetryable {
		return fmt.Errorf("%w: node %q is %s, want failed_retryable", ErrInvalidTransition, id, n.Status)
	}
	n.Status = StatusFailedFatal
	return nil
}

// Terminal reports the graph-level state: Completed when every node is
// Completed, Failed when any node is FailedFatal, InProgress otherwise.
func (g *Graph) Terminal() TerminalState {
	done := 0
	for _, n := range g.nodes {
		switch n.Status {
		case StatusFailedFatal:
			return Failed
		case StatusCompleted:
			done++
		}
	}
	if done == len(g.nodes) {
		return Completed
	}
	return InProgress
}

// CompletedNodes returns copies of all completed nodes in insertion
// order. Used for episodic extraction and for replanning context.
func (g *Graph) CompletedNodes() []Node {
	var out []Node
	for _, id := range g.order {
		if n := g.nodes[id]; n.Status == StatusCompleted {
			out = append(out, copyNode(n))
		}
	}
	return out
}

// FailedNodes returns copies of all fatally failed nodes in insertion
// order.
func (g *Graph) FailedNodes() []Node {
	var out []Node
	for _, id := range g.order {
		if n := g.nodes[id]; n.Status == StatusFailedFatal {
			out = append(out, copyNode(n))
		}
	}
	return out
}

func copyNode(n *Node) Node {
	c := *n
	c.DependsOn = append([]string(nil), n.DependsOn...)
	c.Input = append(json.RawMessage(nil), n.Input...)
	c.Result = append(json.RawMessage(nil), n.Result...)
	return c
}
