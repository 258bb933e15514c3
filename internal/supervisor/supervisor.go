// Package supervisor drives one investigation thread: it obtains a plan,
// dispatches ready subtasks to executor agents, handles retries and
// replanning, checkpoints every state change, and commits successful
// runs to episodic memory.
//
// The supervisor is the single writer of its task graph. Executor calls
// run concurrently inside a dispatch cycle, but every graph mutation
// happens on the supervisor goroutine after the cycle's join point.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reagent/internal/agents"
	"reagent/internal/checkpoint"
	"reagent/internal/config"
	"reagent/internal/episodic"
	"reagent/internal/graph"
	"reagent/internal/planner"
)

// State is the graph-level lifecycle of a thread.
type State string

const (
	StatePlanning   State = "planning"
	StateExecuting  State = "executing"
	StateReplanning State = "replanning"
	StateCompleted  State = "completed"
	StateAborted    State = "aborted"
)

// ErrReplanBudget marks a thread that exhausted its replanning budget.
var ErrReplanBudget = errors.New("replanning budget exhausted")

// Progress is one observer event. Delivery is best-effort: a slow
// observer drops events, it never stalls the dispatch loop.
type Progress struct {
	ThreadID string
	State    State
	Event    string
	NodeID   string
	Detail   string
}

// Planner is the slice of the planning agent the supervisor needs.
type Planner interface {
	Plan(ctx context.Context, goal string, failureCtx *planner.FailureContext) (*graph.Graph, error)
}

// EpisodeSink receives the episodic record of a completed thread.
type EpisodeSink interface {
	Commit(ctx context.Context, rec episodic.Record) (int64, error)
}

// Result is the terminal outcome of a thread, including the partial
// graph when the thread aborted.
type Result struct {
	ThreadID string
	State    State
	Graph    graph.Snapshot
	// Report is the result payload of the last completed report node,
	// nil when no report completed.
	Report json.RawMessage
}

// Supervisor runs investigation threads.
type Supervisor struct {
	planner     Planner
	registry    *agents.Registry
	checkpoints *checkpoint.Store
	episodes    EpisodeSink
	policy      config.SupervisorConfig
	logger      *zap.Logger
	progress    chan Progress
}

// New builds a supervisor. The episodes sink may be nil, in which case
// completed runs are not remembered.
func New(p Planner, reg *agents.Registry, cs *checkpoint.Store, eps EpisodeSink,
	policy config.SupervisorConfig, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		planner:     p,
		registry:    reg,
		checkpoints: cs,
		episodes:    eps,
		policy:      policy,
		logger:      logger,
		progress:    make(chan Progress, 64),
	}
}

// Progress exposes the observer event stream.
func (s *Supervisor) Progress() <-chan Progress { return s.progress }

// Run plans and executes a new thread for the goal. On Aborted, the
// returned Result still carries the partial graph and the error carries
// the cause chain.
func (s *Supervisor) Run(ctx context.Context, goal string) (*Result, error) {
	threadID := uuid.New().String()
	log := s.logger.With(zap.String("thread", threadID))

	if err := s.checkpoints.Begin(ctx, threadID, goal); err != nil {
		log.Warn("thread registration failed, continuing degraded", zap.Error(err))
	}
	s.appendMarker(ctx, threadID, checkpoint.EventGoalIssued, map[string]string{"goal": goal})
	s.emit(Progress{ThreadID: threadID, State: StatePlanning, Event: checkpoint.EventGoalIssued})

	g, err := s.planner.Plan(ctx, goal, nil)
	if err != nil {
		s.appendMarker(context.WithoutCancel(ctx), threadID, checkpoint.EventGraphAborted, map[string]string{"reason": err.Error()})
		s.emit(Progress{ThreadID: threadID, State: StateAborted, Event: checkpoint.EventGraphAborted, Detail: err.Error()})
		return &Result{ThreadID: threadID, State: StateAborted}, fmt.Errorf("planning failed: %w", err)
	}
	s.append(ctx, threadID, checkpoint.EventPlanAccepted, map[string]int{"subtasks": g.Len()}, g)
	s.emit(Progress{ThreadID: threadID, State: StateExecuting, Event: checkpoint.EventPlanAccepted})

	return s.drive(ctx, threadID, g, log)
}

// Resume restores the last checkpointed graph of a thread and re-enters
// the dispatch loop. No executor call is replayed: completed nodes stay
// completed and nodes that were mid-dispatch are re-dispatched.
func (s *Supervisor) Resume(ctx context.Context, threadID string) (*Result, error) {
	g, seq, err := s.checkpoints.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", threadID, err)
	}
	log := s.logger.With(zap.String("thread", threadID))
	log.Info("thread resumed", zap.Int64("checkpoint_seq", seq))
	s.emit(Progress{ThreadID: threadID, State: StateExecuting, Event: "resumed"})

	return s.drive(ctx, threadID, g, log)
}

// drive is the dispatch loop. It owns all graph mutation.
func (s *Supervisor) drive(ctx context.Context, threadID string, g *graph.Graph, log *zap.Logger) (*Result, error) {
	replans := 0

	for {
		// Cancellation is observed at the top of each cycle: in-flight
		// work has already joined, nothing new is dispatched.
		if err := ctx.Err(); err != nil {
			return s.abort(ctx, threadID, g, log, fmt.Errorf("thread cancelled: %w", err))
		}

		switch g.Terminal() {
		case graph.Completed:
			return s.finish(ctx, threadID, g, log)
		case graph.Failed:
			replans++
			if replans > s.policy.ReplanBudget {
				return s.abort(ctx, threadID, g, log,
					fmt.Errorf("%w after %d attempts", ErrReplanBudget, replans-1))
			}
			ng, err := s.replan(ctx, threadID, g, replans, log)
			if err != nil {
				return s.abort(ctx, threadID, g, log, err)
			}
			g = ng
			continue
		}

		ready, wait := s.readyNow(g)
		if len(ready) == 0 {
			if wait <= 0 {
				// Acyclic graph with nothing ready, nothing in flight,
				// and nothing backing off cannot make progress.
				return s.abort(ctx, threadID, g, log, fmt.Errorf("dispatch loop stalled"))
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		outcomes := s.dispatchCycle(ctx, threadID, g, ready, log)
		s.applyOutcomes(ctx, threadID, g, outcomes, log)
	}
}

// readyNow filters the graph's ready set by per-node retry backoff and
// reports how long to wait for the earliest backed-off node when nothing
// is ready now.
func (s *Supervisor) readyNow(g *graph.Graph) ([]string, time.Duration) {
	now := time.Now()
	var ready []string
	var earliest time.Time

	for _, id := range g.ReadySet() {
		n, err := g.Node(id)
		if err != nil {
			continue
		}
		if n.RetryAt.After(now) {
			if earliest.IsZero() || n.RetryAt.Before(earliest) {
				earliest = n.RetryAt
			}
			continue
		}
		ready = append(ready, id)
	}
	if len(ready) > 0 || earliest.IsZero() {
		return ready, 0
	}
	return nil, time.Until(earliest)
}

type outcome struct {
	id     string
	result json.RawMessage
	err    error
}

// dispatchCycle marks every ready node dispatched, invokes the executors
// concurrently, and joins before returning. The graph is not touched
// between the marks and the join.
func (s *Supervisor) dispatchCycle(ctx context.Context, threadID string, g *graph.Graph, ready []string, log *zap.Logger) []outcome {
	inputs := make(map[string]agents.Input, len(ready))
	for _, id := range ready {
		n, err := g.Node(id)
		if err != nil {
			continue
		}
		deps := make(map[string]json.RawMessage, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			if d, err := g.Node(dep); err == nil {
				deps[dep] = d.Result
			}
		}
		inputs[id] = agents.Input{
			Goal:         g.Goal,
			Description:  n.Description,
			Payload:      n.Input,
			Dependencies: deps,
		}

		if err := g.MarkDispatched(id); err != nil {
			log.Error("dispatch mark failed", zap.String("node", id), zap.Error(err))
			delete(inputs, id)
			continue
		}
		s.append(ctx, threadID, checkpoint.EventNodeDispatched, map[string]string{"node": id}, g)
		s.emit(Progress{ThreadID: threadID, State: StateExecuting, Event: checkpoint.EventNodeDispatched, NodeID: id})
	}

	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	outcomes := make([]outcome, len(ids))
	var eg errgroup.Group
	for i, id := range ids {
		i, id := i, id
		n, _ := g.Node(id)
		in := inputs[id]
		eg.Go(func() error {
			outcomes[i] = s.invoke(ctx, n, in)
			return nil
		})
	}
	// Join point: the ready set is never recomputed with work in flight.
	_ = eg.Wait()
	return outcomes
}

// invoke runs one executor call under the per-node timeout.
func (s *Supervisor) invoke(ctx context.Context, n graph.Node, in agents.Input) outcome {
	exec, err := s.registry.Resolve(n.Role)
	if err != nil {
		return outcome{id: n.ID, err: agents.Fatal(err)}
	}

	callCtx := ctx
	if s.policy.NodeTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.policy.NodeTimeout)
		defer cancel()
	}

	result, err := exec.Invoke(callCtx, in)
	if err != nil {
		return outcome{id: n.ID, err: err}
	}
	return outcome{id: n.ID, result: result}
}

// applyOutcomes serializes the cycle's results back into the graph.
func (s *Supervisor) applyOutcomes(ctx context.Context, threadID string, g *graph.Graph, outcomes []outcome, log *zap.Logger) {
	for _, o := range outcomes {
		if o.err == nil {
			if err := g.ApplyResult(o.id, o.result); err != nil {
				log.Error("apply result failed", zap.String("node", o.id), zap.Error(err))
				continue
			}
			s.append(ctx, threadID, checkpoint.EventNodeCompleted, map[string]string{"node": o.id}, g)
			s.emit(Progress{ThreadID: threadID, State: StateExecuting, Event: checkpoint.EventNodeCompleted, NodeID: o.id})
			continue
		}

		failure := agents.Classify(o.err)
		if err := g.ApplyFailure(o.id, failure, failure.Retryable()); err != nil {
			log.Error("apply failure failed", zap.String("node", o.id), zap.Error(err))
			continue
		}

		n, _ := g.Node(o.id)
		retrying := false
		if failure.Retryable() {
			if n.Attempts <= s.policy.RetryBudget {
				backoff := time.Duration(n.Attempts) * s.policy.BackoffBase
				if err := g.Requeue(o.id, time.Now().Add(backoff)); err != nil {
					log.Error("requeue failed", zap.String("node", o.id), zap.Error(err))
				} else {
					retrying = true
					log.Warn("node failed, will retry",
						zap.String("node", o.id),
						zap.Int("attempt", n.Attempts),
						zap.Duration("backoff", backoff),
						zap.Error(failure))
				}
			} else {
				if err := g.Escalate(o.id); err != nil {
					log.Error("escalate failed", zap.String("node", o.id), zap.Error(err))
				}
				log.Error("node retry budget exhausted", zap.String("node", o.id), zap.Error(failure))
			}
		} else {
			log.Error("node failed fatally", zap.String("node", o.id), zap.Error(failure))
		}

		s.append(ctx, threadID, checkpoint.EventNodeFailed, map[string]any{
			"node":     o.id,
			"class":    string(failure.Class),
			"retrying": retrying,
			"error":    failure.Error(),
		}, g)
		s.emit(Progress{ThreadID: threadID, State: StateExecuting, Event: checkpoint.EventNodeFailed, NodeID: o.id, Detail: failure.Error()})
	}
}

// replan asks the planning agent for an alternate graph and carries
// completed results forward into it.
func (s *Supervisor) replan(ctx context.Context, threadID string, g *graph.Graph, attempt int, log *zap.Logger) (*graph.Graph, error) {
	s.emit(Progress{ThreadID: threadID, State: StateReplanning, Event: checkpoint.EventReplanned})
	log.Warn("replanning", zap.Int("attempt", attempt))

	fc := &planner.FailureContext{
		Reason:    "subtask failure exhausted node retries",
		Failed:    g.FailedNodes(),
		Completed: g.CompletedNodes(),
	}
	ng, err := s.planner.Plan(ctx, g.Goal, fc)
	if err != nil {
		return nil, fmt.Errorf("replanning failed: %w", err)
	}

	carryOver(ng, fc.Completed)
	s.append(ctx, threadID, checkpoint.EventReplanned, map[string]any{
		"attempt":  attempt,
		"subtasks": ng.Len(),
	}, ng)
	return ng, nil
}

// carryOver reuses prior results for nodes the new plan kept. A node is
// carried over only when its id and role match a completed node and its
// own dependencies are already satisfied, so dependency ordering still
// holds in the new graph.
func carryOver(g *graph.Graph, completed []graph.Node) {
	results := make(map[string]graph.Node, len(completed))
	for _, n := range completed {
		results[n.ID] = n
	}

	for changed := true; changed; {
		changed = false
		for _, id := range g.ReadySet() {
			prior, ok := results[id]
			if !ok {
				continue
			}
			cur, err := g.Node(id)
			if err != nil || cur.Role != prior.Role {
				continue
			}
			if g.MarkDispatched(id) != nil {
				continue
			}
			if g.ApplyResult(id, prior.Result) != nil {
				continue
			}
			changed = true
		}
	}
}

// finish checkpoints completion, commits the episodic record, and
// assembles the final result.
func (s *Supervisor) finish(ctx context.Context, threadID string, g *graph.Graph, log *zap.Logger) (*Result, error) {
	snap := g.Snapshot()
	s.append(ctx, threadID, checkpoint.EventGraphCompleted, map[string]int{"subtasks": g.Len()}, g)
	s.emit(Progress{ThreadID: threadID, State: StateCompleted, Event: checkpoint.EventGraphCompleted})

	if s.episodes != nil {
		rec := episodic.Extract(snap)
		if _, err := s.episodes.Commit(ctx, rec); err != nil {
			log.Warn("episodic commit failed, continuing degraded", zap.Error(err))
		}
	}

	log.Info("thread completed", zap.Int("subtasks", g.Len()))
	return &Result{
		ThreadID: threadID,
		State:    StateCompleted,
		Graph:    snap,
		Report:   reportPayload(snap),
	}, nil
}

// abort checkpoints the terminal failure. No episodic record is
// committed for aborted threads.
func (s *Supervisor) abort(ctx context.Context, threadID string, g *graph.Graph, log *zap.Logger, cause error) (*Result, error) {
	// The abort event must still be recorded when the cause is the
	// thread's own cancellation.
	s.append(context.WithoutCancel(ctx), threadID, checkpoint.EventGraphAborted, map[string]string{"reason": cause.Error()}, g)
	s.emit(Progress{ThreadID: threadID, State: StateAborted, Event: checkpoint.EventGraphAborted, Detail: cause.Error()})

	log.Error("thread aborted", zap.Error(cause))
	return &Result{
		ThreadID: threadID,
		State:    StateAborted,
		Graph:    g.Snapshot(),
	}, cause
}

func reportPayload(snap graph.Snapshot) json.RawMessage {
	var report json.RawMessage
	for _, n := range snap.Nodes {
		if n.Role == graph.RoleReport && n.Status == graph.StatusCompleted {
			report = n.Result
		}
	}
	return report
}

// append checkpoints an event with the post-event snapshot. Write
// failures degrade to a warning; graph state is never rolled back.
func (s *Supervisor) append(ctx context.Context, threadID, evType string, payload any, g *graph.Graph) {
	if _, err := s.checkpoints.Append(ctx, threadID, evType, payload, g.Snapshot()); err != nil {
		s.logger.Warn("checkpoint write failed, continuing degraded",
			zap.String("thread", threadID),
			zap.String("type", evType),
			zap.Error(err))
	}
}

func (s *Supervisor) appendMarker(ctx context.Context, threadID, evType string, payload any) {
	if _, err := s.checkpoints.AppendMarker(ctx, threadID, evType, payload); err != nil {
		s.logger.Warn("checkpoint write failed, continuing degraded",
			zap.String("thread", threadID),
			zap.String("type", evType),
			zap.Error(err))
	}
}

func (s *Supervisor) emit(p Progress) {
	select {
	case s.progress <- p:
	default:
	}
}
