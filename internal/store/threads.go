package store

import (
	"context"
	"fmt"
	"time"
)

// Thread is one registered investigation thread.
type Thread struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// CreateThread registers a new thread id with a display title.
func (s *LocalStore) CreateThread(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO threads (id, title) VALUES (?, ?)", id, title)
	if err != nil {
		return fmt.Errorf("create thread %s: %w", id, err)
	}
	return nil
}

// ListThreads returns all threads, newest first.
func (s *LocalStore) ListThreads(ctx context.Context) ([]Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, created_at FROM threads ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.Title, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ThreadExists reports whether the thread id is registered.
func (s *LocalStore) ThreadExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM threads WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
