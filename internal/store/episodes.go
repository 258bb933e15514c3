package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Episode is one committed episodic record row. Rows are append-only:
// the store never updates or deletes them.
type Episode struct {
	ID            int64
	Goal          string
	GoalEmbedding []float32
	Plan          []byte // JSON-encoded realized subtask sequence
	Outcome       string
	Score         float64
	CreatedAt     time.Time
}

// InsertEpisode appends an episodic record and returns its id.
func (s *LocalStore) InsertEpisode(ctx context.Context, ep Episode) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	embJSON, err := json.Marshal(ep.GoalEmbedding)
	if err != nil {
		return 0, fmt.Errorf("insert episode: %w", err)
	}
	plan := ep.Plan
	if len(plan) == 0 {
		plan = []byte("[]")
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO episodes (goal, goal_embedding, plan, outcome, score) VALUES (?, ?, ?, ?, ?)",
		ep.Goal, string(embJSON), string(plan), ep.Outcome, ep.Score)
	if err != nil {
		return 0, fmt.Errorf("insert episode: %w", err)
	}
	return res.LastInsertId()
}

// AllEpisodes returns every committed record with embeddings decoded,
// ordered by id for deterministic iteration.
func (s *LocalStore) AllEpisodes(ctx context.Context) ([]Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, goal, goal_embedding, plan, outcome, score, created_at FROM episodes ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		var ep Episode
		var embJSON, plan string
		if err := rows.Scan(&ep.ID, &ep.Goal, &embJSON, &plan, &ep.Outcome, &ep.Score, &ep.CreatedAt); err != nil {
			return nil, err
		}
		if embJSON != "" {
			if err := json.Unmarshal([]byte(embJSON), &ep.GoalEmbedding); err != nil {
				return nil, fmt.Errorf("episode %d has corrupt embedding: %w", ep.ID, err)
			}
		}
		ep.Plan = []byte(plan)
		out = append(out, ep)
	}
	return out, rows.Err()
}

// CountEpisodes returns the number of committed records.
func (s *LocalStore) CountEpisodes(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM episodes").Scan(&n)
	return n, err
}
