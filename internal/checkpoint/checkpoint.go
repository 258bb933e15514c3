// Package checkpoint persists the supervisor's event log. Every state
// change appends one event carrying the post-event graph snapshot, so
// resuming a thread only needs the latest event and never replays
// executor calls.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"reagent/internal/graph"
	"reagent/internal/store"
)

// Event types, in the order a healthy run emits them.
const (
	EventGoalIssued     = "goal_issued"
	EventPlanAccepted   = "plan_accepted"
	EventNodeDispatched = "node_dispatched"
	EventNodeCompleted  = "node_completed"
	EventNodeFailed     = "node_failed"
	EventReplanned      = "replanned"
	EventGraphCompleted = "graph_completed"
	EventGraphAborted   = "graph_aborted"
)

// ErrNoCheckpoint is returned when a thread has no restorable snapshot.
var ErrNoCheckpoint = store.ErrNoEvents

// Event is one decoded entry of a thread's history.
type Event struct {
	Seq     int64
	Type    string
	Payload json.RawMessage
}

// Store appends and loads checkpoints for threads.
type Store struct {
	local  *store.LocalStore
	logger *zap.Logger
}

// NewStore wraps the local database as a checkpoint store.
func NewStore(local *store.LocalStore, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{local: local, logger: logger}
}

// Begin registers a thread before its first event.
func (s *Store) Begin(ctx context.Context, threadID, goal string) error {
	return s.local.CreateThread(ctx, threadID, goal)
}

// Append commits an event and the post-event snapshot for a thread.
// Returns the assigned sequence number.
func (s *Store) Append(ctx context.Context, threadID, evType string, payload any, snap graph.Snapshot) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", evType, err)
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("encode %s snapshot: %w", evType, err)
	}

	seq, err := s.local.AppendEvent(ctx, threadID, evType, body, snapJSON)
	if err != nil {
		return 0, err
	}

	s.logger.Debug("checkpoint appended",
		zap.String("thread", threadID),
		zap.String("type", evType),
		zap.Int64("seq", seq))
	return seq, nil
}

// AppendMarker commits a snapshotless event, for moments before a graph
// exists (goal_issued with a failed plan, for example).
func (s *Store) AppendMarker(ctx context.Context, threadID, evType string, payload any) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", evType, err)
	}
	return s.local.AppendEvent(ctx, threadID, evType, body, nil)
}

// LoadLatest restores the graph from the thread's most recent snapshot.
// Nodes that were mid-dispatch at checkpoint time come back Pending.
func (s *Store) LoadLatest(ctx context.Context, threadID string) (*graph.Graph, int64, error) {
	raw, seq, err := s.local.LatestSnapshot(ctx, threadID)
	if err != nil {
		return nil, 0, err
	}

	var snap graph.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot for %s: %w", threadID, err)
	}

	g, err := graph.Restore(snap)
	if err != nil {
		return nil, 0, fmt.Errorf("restore %s: %w", threadID, err)
	}
	return g, seq, nil
}

// History returns the full ordered event log of a thread.
func (s *Store) History(ctx context.Context, threadID string) ([]Event, error) {
	rows, err := s.local.Events(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(rows))
	for i, r := range rows {
		out[i] = Event{Seq: r.Seq, Type: r.Type, Payload: json.RawMessage(r.Payload)}
	}
	return out, nil
}

// Threads lists every registered thread, newest first.
func (s *Store) Threads(ctx context.Context) ([]store.Thread, error) {
	return s.local.ListThreads(ctx)
}

// Exists reports whether a thread has been registered.
func (s *Store) Exists(ctx context.Context, threadID string) (bool, error) {
	return s.local.ThreadExists(ctx, threadID)
}
