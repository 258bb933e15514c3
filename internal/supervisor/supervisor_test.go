package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"reagent/internal/agents"
	"reagent/internal/checkpoint"
	"reagent/internal/config"
	"reagent/internal/episodic"
	"reagent/internal/graph"
	"reagent/internal/planner"
	"reagent/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type mockPlanner struct {
	mu    sync.Mutex
	plans []func(goal string, fc *planner.FailureContext) (*graph.Graph, error)
	calls int
}

func (m *mockPlanner) Plan(_ context.Context, goal string, fc *planner.FailureContext) (*graph.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls >= len(m.plans) {
		return nil, planner.ErrMalformedPlan
	}
	fn := m.plans[m.calls]
	m.calls++
	return fn(goal, fc)
}

// funcExecutor counts invocations per node and delegates to fn.
type funcExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, in agents.Input, attempt int) (json.RawMessage, error)
}

func newFuncExecutor(fn func(ctx context.Context, in agents.Input, attempt int) (json.RawMessage, error)) *funcExecutor {
	return &funcExecutor{calls: make(map[string]int), fn: fn}
}

func (e *funcExecutor) Invoke(ctx context.Context, in agents.Input) (json.RawMessage, error) {
	e.mu.Lock()
	e.calls[in.Description]++
	attempt := e.calls[in.Description]
	e.mu.Unlock()
	if e.fn != nil {
		return e.fn(ctx, in, attempt)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (e *funcExecutor) count(desc string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[desc]
}

func (e *funcExecutor) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

type mockEpisodeSink struct {
	mu   sync.Mutex
	recs []episodic.Record
	err  error
}

func (m *mockEpisodeSink) Commit(_ context.Context, rec episodic.Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.recs = append(m.recs, rec)
	return int64(len(m.recs)), nil
}

func (m *mockEpisodeSink) committed() []episodic.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]episodic.Record(nil), m.recs...)
}

func linearSpecs() []graph.NodeSpec {
	return []graph.NodeSpec{
		{ID: "research", Role: graph.RoleResearch, Description: "research"},
		{ID: "data", Role: graph.RoleData, Description: "data", DependsOn: []string{"research"}},
		{ID: "predict", Role: graph.RolePrediction, Description: "predict", DependsOn: []string{"data"}},
		{ID: "report", Role: graph.RoleReport, Description: "report", DependsOn: []string{"predict"}},
	}
}

func newCheckpoints(t *testing.T) *checkpoint.Store {
	t.Helper()
	local, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	return checkpoint.NewStore(local, nil)
}

func newRegistry(t *testing.T, exec agents.Executor) *agents.Registry {
	t.Helper()
	reg := agents.NewRegistry()
	for _, role := range []graph.Role{graph.RoleResearch, graph.RolePrediction, graph.RoleData, graph.RoleReport} {
		require.NoError(t, reg.Register(role, exec))
	}
	return reg
}

func testPolicy() config.SupervisorConfig {
	return config.SupervisorConfig{
		RetryBudget:  2,
		ReplanBudget: 2,
		NodeTimeout:  5 * time.Second,
		BackoffBase:  time.Millisecond,
	}
}

// Scenario: a linear four-step plan where every executor call succeeds.
func TestRunLinearPlanCompletes(t *testing.T) {
	exec := newFuncExecutor(func(_ context.Context, in agents.Input, _ int) (json.RawMessage, error) {
		return json.RawMessage(`{"step":"` + in.Description + `"}`), nil
	})
	p := &mockPlanner{plans: []func(string, *planner.FailureContext) (*graph.Graph, error){
		func(goal string, _ *planner.FailureContext) (*graph.Graph, error) {
			return graph.New(goal, linearSpecs())
		},
	}}
	sink := &mockEpisodeSink{}
	sup := New(p, newRegistry(t, exec), newCheckpoints(t), sink, testPolicy(), nil)

	res, err := sup.Run(context.Background(), "find candidates for drug X")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.JSONEq(t, `{"step":"report"}`, string(res.Report))
	assert.Equal(t, 4, exec.total())

	recs := sink.committed()
	require.Len(t, recs, 1)
	assert.Equal(t, "find candidates for drug X", recs[0].Goal)
	assert.Equal(t, "completed", recs[0].Outcome)
}

// Scenario: the prediction node fails twice transiently under a retry
// budget of two; the third dispatch succeeds without replanning.
func TestRunRetriesTransientFailure(t *testing.T) {
	exec := newFuncExecutor(func(_ context.Context, in agents.Input, attempt int) (json.RawMessage, error) {
		if in.Description == "predict" && attempt <= 2 {
			return nil, agents.Transient(errors.New("prediction service flaky"))
		}
		return json.RawMessage(`{}`), nil
	})
	p := &mockPlanner{plans: []func(string, *planner.FailureContext) (*graph.Graph, error){
		func(goal string, _ *planner.FailureContext) (*graph.Graph, error) {
			return graph.New(goal, linearSpecs())
		},
	}}
	sup := New(p, newRegistry(t, exec), newCheckpoints(t), &mockEpisodeSink{}, testPolicy(), nil)

	res, err := sup.Run(context.Background(), "goal")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 3, exec.count("predict"))
	assert.Equal(t, 1, p.calls, "retry exhaustion never reached, no replan")
}

// Scenario: the prediction node exhausts its retries; the supervisor
// replans with failure context and completes via the alternate plan.
func TestRunReplansAfterRetryExhaustion(t *testing.T) {
	exec := newFuncExecutor(func(_ context.Context, in agents.Input, _ int) (json.RawMessage, error) {
		if in.Description == "predict" {
			return nil, agents.Transient(errors.New("prediction service down"))
		}
		return json.RawMessage(`{}`), nil
	})

	var gotFC *planner.FailureContext
	p := &mockPlanner{plans: []func(string, *planner.FailureContext) (*graph.Graph, error){
		func(goal string, _ *planner.FailureContext) (*graph.Graph, error) {
			return graph.New(goal, linearSpecs())
		},
		func(goal string, fc *planner.FailureContext) (*graph.Graph, error) {
			gotFC = fc
			return graph.New(goal, []graph.NodeSpec{
				{ID: "research", Role: graph.RoleResearch, Description: "research"},
				{ID: "data", Role: graph.RoleData, Description: "data", DependsOn: []string{"research"}},
				{ID: "report", Role: graph.RoleReport, Description: "report", DependsOn: []string{"data"}},
			})
		},
	}}
	sup := New(p, newRegistry(t, exec), newCheckpoints(t), &mockEpisodeSink{}, testPolicy(), nil)

	res, err := sup.Run(context.Background(), "goal")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 2, p.calls)
	require.NotNil(t, gotFC)
	require.Len(t, gotFC.Failed, 1)
	assert.Equal(t, "predict", gotFC.Failed[0].ID)
	// First plan dispatched predict 3 times (1 + retry budget 2).
	assert.Equal(t, 3, exec.count("predict"))
}

// Replanning reuses completed results: carried-over nodes are not
// re-dispatched by the alternate plan.
func TestReplanCarriesOverCompletedNodes(t *testing.T) {
	exec := newFuncExecutor(func(_ context.Context, in agents.Input, _ int) (json.RawMessage, error) {
		if in.Description == "predict" {
			return nil, agents.Fatal(errors.New("bad input schema"))
		}
		return json.RawMessage(`{}`), nil
	})
	p := &mockPlanner{plans: []func(string, *planner.FailureContext) (*graph.Graph, error){
		func(goal string, _ *planner.FailureContext) (*graph.Graph, error) {
			return graph.New(goal, linearSpecs())
		},
		func(goal string, _ *planner.FailureContext) (*graph.Graph, error) {
			return graph.New(goal, []graph.NodeSpec{
				{ID: "research", Role: graph.RoleResearch, Description: "research"},
				{ID: "data", Role: graph.RoleData, Description: "data", DependsOn: []string{"research"}},
				{ID: "report", Role: graph.RoleReport, Description: "report", DependsOn: []string{"data"}},
			})
		},
	}}
	sup := New(p, newRegistry(t, exec), newCheckpoints(t), &mockEpisodeSink{}, testPolicy(), nil)

	res, err := sup.Run(context.Background(), "goal")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	// research and data ran once in the first plan and were carried
	// over; only report ran after the replan.
	assert.Equal(t, 1, exec.count("research"))
	assert.Equal(t, 1, exec.count("data"))
	assert.Equal(t, 1, exec.count("report"))
}

func TestRunAbortsWhenReplanBudgetExhausted(t *testing.T) {
	exec := newFuncExecutor(func(_ context.Context, in agents.Input, _ int) (json.RawMessage, error) {
		return nil, agents.Fatal(errors.New("always broken"))
	})
	plan := func(goal string, _ *planner.FailureContext) (*graph.Graph, error) {
		return graph.New(goal, []graph.NodeSpec{
			{ID: "research", Role: graph.RoleResearch, Description: "research"},
		})
	}
	p := &mockPlanner{plans: []func(string, *planner.FailureContext) (*graph.Graph, error){plan, plan, plan, plan}}
	sink := &mockEpisodeSink{}
	sup := New(p, newRegistry(t, exec), newCheckpoints(t), sink, testPolicy(), nil)

	res, err := sup.Run(context.Background(), "goal")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReplanBudget))
	assert.Equal(t, StateAborted, res.State)
	assert.NotEmpty(t, res.Graph.Nodes, "partial graph surfaced for diagnostics")
	assert.Empty(t, sink.committed(), "aborted threads commit no episode")
	// 1 initial plan + 2 replans within budget.
	assert.Equal(t, 3, p.calls)
}

func TestRunAbortsWhenPlanningFails(t *testing.T) {
	p := &mockPlanner{}
	sup := New(p, newRegistry(t, newFuncExecutor(nil)), newCheckpoints(t), &mockEpisodeSink{}, testPolicy(), nil)

	res, err := sup.Run(context.Background(), "goal")
	require.Error(t, err)
	assert.True(t, errors.Is(err, planner.ErrMalformedPlan))
	assert.Equal(t, StateAborted, res.State)
}

// Parallel branches with no mutual dependency are dispatched in the same
// cycle, and every node is dispatched at most once.
func TestRunDispatchesIndependentNodesConcurrently(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	exec := newFuncExecutor(func(ctx context.Context, _ agents.Input, _ int) (json.RawMessage, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return json.RawMessage(`{}`), nil
	})
	p := &mockPlanner{plans: []func(string, *planner.FailureContext) (*graph.Graph, error){
		func(goal string, _ *planner.FailureContext) (*graph.Graph, error) {
			return graph.New(goal, []graph.NodeSpec{
				{ID: "a", Role: graph.RoleResearch, Description: "a"},
				{ID: "b", Role: graph.RoleData, Description: "b"},
				{ID: "c", Role: graph.RoleReport, Description: "c", DependsOn: []string{"a", "b"}},
			})
		},
	}}
	sup := New(p, newRegistry(t, exec), newCheckpoints(t), &mockEpisodeSink{}, testPolicy(), nil)

	res, err := sup.Run(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.GreaterOrEqual(t, peak, 2, "independent nodes share a dispatch cycle")
	assert.Equal(t, 3, exec.total(), "each node dispatched exactly once")
}

func TestRunCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := newFuncExecutor(func(callCtx context.Context, in agents.Input, _ int) (json.RawMessage, error) {
		if in.Description == "research" {
			cancel()
			return json.RawMessage(`{}`), nil
		}
		return json.RawMessage(`{}`), nil
	})
	p := &mockPlanner{plans: []func(string, *planner.FailureContext) (*graph.Graph, error){
		func(goal string, _ *planner.FailureContext) (*graph.Graph, error) {
			return graph.New(goal, linearSpecs())
		},
	}}
	sink := &mockEpisodeSink{}
	sup := New(p, newRegistry(t, exec), newCheckpoints(t), sink, testPolicy(), nil)

	res, err := sup.Run(ctx, "goal")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateAborted, res.State)
	assert.Empty(t, sink.committed())
	// The in-flight research call finished; nothing after it dispatched.
	assert.Equal(t, 1, exec.total())
}

func TestRunTimeoutClassifiedRetryable(t *testing.T) {
	policy := testPolicy()
	policy.NodeTimeout = 30 * time.Millisecond
	policy.RetryBudget = 1

	exec := newFuncExecutor(func(ctx context.Context, in agents.Input, attempt int) (json.RawMessage, error) {
		if in.Description == "research" && attempt == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`{}`), nil
	})
	p := &mockPlanner{plans: []func(string, *planner.FailureContext) (*graph.Graph, error){
		func(goal string, _ *planner.FailureContext) (*graph.Graph, error) {
			return graph.New(goal, []graph.NodeSpec{
				{ID: "research", Role: graph.RoleResearch, Description: "research"},
			})
		},
	}}
	sup := New(p, newRegistry(t, exec), newCheckpoints(t), &mockEpisodeSink{}, policy, nil)

	res, err := sup.Run(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 2, exec.count("research"))
}

// Scenario: a thread interrupted after two of four subtasks completes on
// resume with exactly the two remaining calls.
func TestResumeDispatchesOnlyRemainingNodes(t *testing.T) {
	ctx := context.Background()
	cs := newCheckpoints(t)

	g, err := graph.New("goal", linearSpecs())
	require.NoError(t, err)
	require.NoError(t, g.MarkDispatched("research"))
	require.NoError(t, g.ApplyResult("research", json.RawMessage(`{"done":1}`)))
	require.NoError(t, g.MarkDispatched("data"))
	require.NoError(t, g.ApplyResult("data", json.RawMessage(`{"done":2}`)))

	require.NoError(t, cs.Begin(ctx, "t1", "goal"))
	_, err = cs.Append(ctx, "t1", checkpoint.EventNodeCompleted, nil, g.Snapshot())
	require.NoError(t, err)

	var gotDeps map[string]json.RawMessage
	exec := newFuncExecutor(func(_ context.Context, in agents.Input, _ int) (json.RawMessage, error) {
		if in.Description == "predict" {
			gotDeps = in.Dependencies
		}
		return json.RawMessage(`{}`), nil
	})
	sup := New(&mockPlanner{}, newRegistry(t, exec), cs, &mockEpisodeSink{}, testPolicy(), nil)

	res, err := sup.Resume(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 2, exec.total())
	assert.Equal(t, 0, exec.count("research"))
	assert.Equal(t, 0, exec.count("data"))
	require.Contains(t, gotDeps, "data")
	assert.JSONEq(t, `{"done":2}`, string(gotDeps["data"]))
}

// A node checkpointed mid-dispatch is re-dispatched on resume rather
// than replayed.
func TestResumeRedispatchesInFlightNode(t *testing.T) {
	ctx := context.Background()
	cs := newCheckpoints(t)

	g, err := graph.New("goal", []graph.NodeSpec{
		{ID: "research", Role: graph.RoleResearch, Description: "research"},
	})
	require.NoError(t, err)
	require.NoError(t, g.MarkDispatched("research"))

	require.NoError(t, cs.Begin(ctx, "t1", "goal"))
	_, err = cs.Append(ctx, "t1", checkpoint.EventNodeDispatched, nil, g.Snapshot())
	require.NoError(t, err)

	exec := newFuncExecutor(nil)
	sup := New(&mockPlanner{}, newRegistry(t, exec), cs, &mockEpisodeSink{}, testPolicy(), nil)

	res, err := sup.Resume(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, exec.count("research"))
}

func TestResumeUnknownThread(t *testing.T) {
	sup := New(&mockPlanner{}, newRegistry(t, newFuncExecutor(nil)), newCheckpoints(t), &mockEpisodeSink{}, testPolicy(), nil)
	_, err := sup.Resume(context.Background(), "missing")
	assert.True(t, errors.Is(err, checkpoint.ErrNoCheckpoint))
}

// Episodic commit failure degrades to a warning, it does not fail the
// run.
func TestRunEpisodicCommitFailureIsDegraded(t *testing.T) {
	exec := newFuncExecutor(nil)
	p := &mockPlanner{plans: []func(string, *planner.FailureContext) (*graph.Graph, error){
		func(goal string, _ *planner.FailureContext) (*graph.Graph, error) {
			return graph.New(goal, []graph.NodeSpec{
				{ID: "research", Role: graph.RoleResearch, Description: "research"},
			})
		},
	}}
	sup := New(p, newRegistry(t, exec), newCheckpoints(t), &mockEpisodeSink{err: errors.New("db full")}, testPolicy(), nil)

	res, err := sup.Run(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
}

// Scenario: the checkpoint store becomes unwritable mid-run; every later
// append fails but the thread still executes to completion and commits
// its episode.
func TestRunCheckpointWriteFailureIsDegraded(t *testing.T) {
	local, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	cs := checkpoint.NewStore(local, nil)

	var closeOnce sync.Once
	exec := newFuncExecutor(func(_ context.Context, in agents.Input, _ int) (json.RawMessage, error) {
		if in.Description == "data" {
			closeOnce.Do(func() { _ = local.Close() })
		}
		return json.RawMessage(`{"step":"` + in.Description + `"}`), nil
	})
	p := &mockPlanner{plans: []func(string, *planner.FailureContext) (*graph.Graph, error){
		func(goal string, _ *planner.FailureContext) (*graph.Graph, error) {
			return graph.New(goal, linearSpecs())
		},
	}}
	sink := &mockEpisodeSink{}
	sup := New(p, newRegistry(t, exec), cs, sink, testPolicy(), nil)

	res, err := sup.Run(context.Background(), "goal")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.JSONEq(t, `{"step":"report"}`, string(res.Report))
	assert.Equal(t, 4, exec.total())
	require.Len(t, sink.committed(), 1)
}

func TestProgressEventsEmitted(t *testing.T) {
	exec := newFuncExecutor(nil)
	p := &mockPlanner{plans: []func(string, *planner.FailureContext) (*graph.Graph, error){
		func(goal string, _ *planner.FailureContext) (*graph.Graph, error) {
			return graph.New(goal, []graph.NodeSpec{
				{ID: "research", Role: graph.RoleResearch, Description: "research"},
			})
		},
	}}
	sup := New(p, newRegistry(t, exec), newCheckpoints(t), &mockEpisodeSink{}, testPolicy(), nil)

	_, err := sup.Run(context.Background(), "goal")
	require.NoError(t, err)

	var types []string
	for len(sup.Progress()) > 0 {
		types = append(types, (<-sup.Progress()).Event)
	}
	assert.Contains(t, types, checkpoint.EventGoalIssued)
	assert.Contains(t, types, checkpoint.EventPlanAccepted)
	assert.Contains(t, types, checkpoint.EventNodeDispatched)
	assert.Contains(t, types, checkpoint.EventNodeCompleted)
	assert.Contains(t, types, checkpoint.EventGraphCompleted)
}
