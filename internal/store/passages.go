package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Passage is one indexed chunk of a procedural document.
type Passage struct {
	ID        int64
	DocID     string
	Pos       int
	Content   string
	Embedding []float32
	IndexedAt time.Time
}

// ReplacePassages replaces every passage of a document in a single
// transaction, so re-indexing the same document never duplicates
// passages and readers never see a half-written set.
func (s *LocalStore) ReplacePassages(ctx context.Context, docID string, passages []Passage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace passages for %s: %w", docID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM passages WHERE doc_id = ?", docID); err != nil {
		return fmt.Errorf("replace passages for %s: %w", docID, err)
	}

	now := time.Now().UTC()
	for _, p := range passages {
		embJSON, err := json.Marshal(p.Embedding)
		if err != nil {
			return fmt.Errorf("replace passages for %s: %w", docID, err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO passages (doc_id, pos, content, embedding, indexed_at) VALUES (?, ?, ?, ?, ?)",
			docID, p.Pos, p.Content, string(embJSON), now)
		if err != nil {
			return fmt.Errorf("replace passages for %s: %w", docID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace passages for %s: %w", docID, err)
	}
	return nil
}

// AllPassages returns every indexed passage with its embedding decoded,
// ordered by id for deterministic iteration.
func (s *LocalStore) AllPassages(ctx context.Context) ([]Passage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, doc_id, pos, content, embedding, indexed_at FROM passages ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Passage
	for rows.Next() {
		var p Passage
		var embJSON string
		if err := rows.Scan(&p.ID, &p.DocID, &p.Pos, &p.Content, &embJSON, &p.IndexedAt); err != nil {
			return nil, err
		}
		if embJSON != "" {
			if err := json.Unmarshal([]byte(embJSON), &p.Embedding); err != nil {
				return nil, fmt.Errorf("passage %d has corrupt embedding: %w", p.ID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPassages returns the number of indexed passages per document.
func (s *LocalStore) CountPassages(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT doc_id, COUNT(*) FROM passages GROUP BY doc_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var doc string
		var n int
		if err := rows.Scan(&doc, &n); err != nil {
			return nil, err
		}
		out[doc] = n
	}
	return out, rows.Err()
}
