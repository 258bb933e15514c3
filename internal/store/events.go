package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoEvents is returned when a thread has no committed events yet.
var ErrNoEvents = errors.New("no events for thread")

// EventRow is one committed checkpoint event.
type EventRow struct {
	Seq       int64
	Type      string
	Payload   []byte
	Snapshot  []byte
	CreatedAt time.Time
}

// AppendEvent commits an event for a thread with the next sequence
// number and the post-event graph snapshot. The sequence assignment and
// insert run in one transaction.
func (s *LocalStore) AppendEvent(ctx context.Context, threadID, evType string, payload, snapshot []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE thread_id = ?", threadID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO events (thread_id, seq, type, payload, snapshot) VALUES (?, ?, ?, ?, ?)",
		threadID, seq, evType, string(payload), nullableText(snapshot))
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return seq, nil
}

// LatestSnapshot returns the most recent non-empty snapshot for a thread
// together with its sequence number.
func (s *LocalStore) LatestSnapshot(ctx context.Context, threadID string) ([]byte, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap string
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot, seq FROM events
		 WHERE thread_id = ? AND snapshot IS NOT NULL
		 ORDER BY seq DESC LIMIT 1`, threadID).Scan(&snap, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoEvents, threadID)
	}
	if err != nil {
		return nil, 0, err
	}
	return []byte(snap), seq, nil
}

// Events returns the full ordered event history of a thread.
func (s *LocalStore) Events(ctx context.Context, threadID string) ([]EventRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, type, payload, snapshot, created_at FROM events
		 WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var ev EventRow
		var payload string
		var snapshot sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.Type, &payload, &snapshot, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = []byte(payload)
		if snapshot.Valid {
			ev.Snapshot = []byte(snapshot.String)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
