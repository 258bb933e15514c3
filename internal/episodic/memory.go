// Package episodic records the outcome of finished investigations and
// retrieves past episodes similar to a new goal. The record store is
// append-only; nothing ever rewrites a committed episode.
package episodic

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"reagent/internal/embedding"
	"reagent/internal/graph"
	"reagent/internal/store"
)

// Record is one extracted episode, ready to commit.
type Record struct {
	Goal    string          `json:"goal"`
	Plan    json.RawMessage `json:"plan"`
	Outcome string          `json:"outcome"`
	// Score is the fraction of plan nodes that completed, in [0, 1].
	Score float64 `json:"score"`
}

// planNode is the durable shape of one plan step inside a record. Only
// the structure of the plan is kept, never node results.
type planNode struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Extract distills a finished graph into a record. It is a pure
// function of the snapshot, so the same terminal graph always yields
// the same record.
func Extract(s graph.Snapshot) Record {
	nodes := make([]planNode, len(s.Nodes))
	completed := 0
	for i, n := range s.Nodes {
		nodes[i] = planNode{
			ID:          n.ID,
			Role:        string(n.Role),
			Description: n.Description,
			DependsOn:   n.DependsOn,
		}
		if n.Status == graph.StatusCompleted {
			completed++
		}
	}

	plan, _ := json.Marshal(nodes)

	outcome := "failed"
	score := 0.0
	if len(s.Nodes) > 0 {
		score = float64(completed) / float64(len(s.Nodes))
		if completed == len(s.Nodes) {
			outcome = "completed"
		}
	}

	return Record{Goal: s.Goal, Plan: plan, Outcome: outcome, Score: score}
}

// Match is one retrieved episode with its similarity to the query goal.
type Match struct {
	ID         int64
	Goal       string
	Plan       json.RawMessage
	Outcome    string
	Score      float64
	Similarity float64
}

// Store commits and retrieves episodes.
type Store struct {
	local  *store.LocalStore
	engine embedding.Engine
	logger *zap.Logger
}

// NewStore builds an episodic store over the local database and the
// embedding engine.
func NewStore(local *store.LocalStore, engine embedding.Engine, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{local: local, engine: engine, logger: logger}
}

// Commit embeds the record's goal and appends the episode. Returns the
// new episode id.
func (s *Store) Commit(ctx context.Context, rec Record) (int64, error) {
	if rec.Goal == "" {
		return 0, fmt.Errorf("commit episode: empty goal")
	}

	vec, err := s.engine.Embed(ctx, rec.Goal)
	if err != nil {
		return 0, fmt.Errorf("embed episode goal: %w", err)
	}

	id, err := s.local.InsertEpisode(ctx, store.Episode{
		Goal:          rec.Goal,
		GoalEmbedding: vec,
		Plan:          rec.Plan,
		Outcome:       rec.Outcome,
		Score:         rec.Score,
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("episode committed",
		zap.Int64("id", id),
		zap.String("outcome", rec.Outcome),
		zap.Float64("score", rec.Score))
	return id, nil
}

// Query embeds the goal and returns up to m episodes whose goal
// similarity is at least minSimilarity. Ranking is deterministic:
// similarity descending, then outcome score descending, then id
// ascending.
func (s *Store) Query(ctx context.Context, goal string, m int, minSimilarity float64) ([]Match, error) {
	qvec, err := s.engine.Embed(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("embed query goal: %w", err)
	}

	episodes, err := s.local.AllEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	if len(episodes) == 0 {
		return nil, nil
	}

	byID := make(map[int64]store.Episode, len(episodes))
	cands := make([]embedding.Candidate, 0, len(episodes))
	for _, ep := range episodes {
		sim, err := embedding.CosineSimilarity(qvec, ep.GoalEmbedding)
		if err != nil {
			continue
		}
		if sim < minSimilarity {
			continue
		}
		byID[ep.ID] = ep
		cands = append(cands, embedding.Candidate{ID: ep.ID, Similarity: sim, TieBreak: ep.Score})
	}

	ranked := embedding.Rank(cands, m)
	out := make([]Match, len(ranked))
	for i, c := range ranked {
		ep := byID[c.ID]
		out[i] = Match{
			ID:         ep.ID,
			Goal:       ep.Goal,
			Plan:       ep.Plan,
			Outcome:    ep.Outcome,
			Score:      ep.Score,
			Similarity: c.Similarity,
		}
	}
	return out, nil
}

// Count reports how many episodes have been committed.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.local.CountEpisodes(ctx)
}
