package episodic

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reagent/internal/graph"
	"reagent/internal/store"
)

type keywordEngine struct {
	keywords []string
}

func (e *keywordEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, len(e.keywords))
	lower := strings.ToLower(text)
	for i, kw := range e.keywords {
		vec[i] = float32(strings.Count(lower, kw))
	}
	return vec, nil
}

func (e *keywordEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *keywordEngine) Dimensions() int { return len(e.keywords) }
func (e *keywordEngine) Name() string    { return "keyword-test" }

func newTestStore(t *testing.T, keywords ...string) *Store {
	t.Helper()
	local, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	return NewStore(local, &keywordEngine{keywords: keywords}, nil)
}

func buildGraph(t *testing.T, goal string, specs []graph.NodeSpec) *graph.Graph {
	t.Helper()
	g, err := graph.New(goal, specs)
	require.NoError(t, err)
	return g
}

func TestExtractCompletedGraph(t *testing.T) {
	g := buildGraph(t, "repurpose statins for fibrosis", []graph.NodeSpec{
		{ID: "n1", Role: graph.RoleResearch, Description: "survey literature"},
		{ID: "n2", Role: graph.RoleReport, Description: "write report", DependsOn: []string{"n1"}},
	})
	require.NoError(t, g.MarkDispatched("n1"))
	require.NoError(t, g.ApplyResult("n1", json.RawMessage(`{}`)))
	require.NoError(t, g.MarkDispatched("n2"))
	require.NoError(t, g.ApplyResult("n2", json.RawMessage(`{}`)))

	rec := Extract(g.Snapshot())
	assert.Equal(t, "repurpose statins for fibrosis", rec.Goal)
	assert.Equal(t, "completed", rec.Outcome)
	assert.Equal(t, 1.0, rec.Score)

	var nodes []map[string]any
	require.NoError(t, json.Unmarshal(rec.Plan, &nodes))
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0]["id"])
	assert.Equal(t, "research", nodes[0]["role"])
	// The plan keeps structure only, never node results.
	assert.NotContains(t, nodes[0], "result")
}

func TestExtractPartialFailure(t *testing.T) {
	g := buildGraph(t, "goal", []graph.NodeSpec{
		{ID: "n1", Role: graph.RoleResearch, Description: "a"},
		{ID: "n2", Role: graph.RoleData, Description: "b"},
	})
	require.NoError(t, g.MarkDispatched("n1"))
	require.NoError(t, g.ApplyResult("n1", json.RawMessage(`{}`)))
	require.NoError(t, g.MarkDispatched("n2"))
	require.NoError(t, g.ApplyFailure("n2", assert.AnError, false))

	rec := Extract(g.Snapshot())
	assert.Equal(t, "failed", rec.Outcome)
	assert.Equal(t, 0.5, rec.Score)
}

func TestExtractIsDeterministic(t *testing.T) {
	g := buildGraph(t, "goal", []graph.NodeSpec{
		{ID: "n1", Role: graph.RoleResearch, Description: "a"},
	})
	first := Extract(g.Snapshot())
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Extract(g.Snapshot()))
	}
}

func TestCommitAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "fibrosis", "oncology")

	_, err := s.Commit(ctx, Record{Goal: "fibrosis study", Outcome: "completed", Score: 1.0})
	require.NoError(t, err)
	_, err = s.Commit(ctx, Record{Goal: "oncology screen", Outcome: "completed", Score: 1.0})
	require.NoError(t, err)

	matches, err := s.Query(ctx, "new fibrosis investigation", 3, 0.35)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "fibrosis study", matches[0].Goal)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
}

func TestQueryMinSimilarityFloor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "fibrosis", "oncology")

	_, err := s.Commit(ctx, Record{Goal: "oncology screen", Outcome: "completed", Score: 1.0})
	require.NoError(t, err)

	matches, err := s.Query(ctx, "fibrosis investigation", 3, 0.35)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestQueryTieBreaksOnScoreThenID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "fibrosis")

	lowID, err := s.Commit(ctx, Record{Goal: "fibrosis run one", Outcome: "failed", Score: 0.4})
	require.NoError(t, err)
	highID, err := s.Commit(ctx, Record{Goal: "fibrosis run two", Outcome: "completed", Score: 1.0})
	require.NoError(t, err)
	sameID, err := s.Commit(ctx, Record{Goal: "fibrosis run three", Outcome: "completed", Score: 1.0})
	require.NoError(t, err)

	matches, err := s.Query(ctx, "fibrosis", 3, 0.0)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, highID, matches[0].ID)
	assert.Equal(t, sameID, matches[1].ID)
	assert.Equal(t, lowID, matches[2].ID)
}

func TestCommitRejectsEmptyGoal(t *testing.T) {
	s := newTestStore(t, "fibrosis")
	_, err := s.Commit(context.Background(), Record{})
	assert.Error(t, err)
}

func TestStoreIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "fibrosis")

	_, err := s.Commit(ctx, Record{Goal: "fibrosis a", Outcome: "completed", Score: 1.0})
	require.NoError(t, err)
	_, err = s.Commit(ctx, Record{Goal: "fibrosis a", Outcome: "failed", Score: 0.0})
	require.NoError(t, err)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
