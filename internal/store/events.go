package store

import (
	"context"
	"time"

	"studyflow/internal/domain"
)

// InsertEvent appends one envelope to the bus table.
func (s *Store) InsertEvent(ctx context.Context, userID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO events (user_id, payload, created_at) VALUES (?,?,?)`), userID, payload, time.Now().UTC())
	return err
}

// MaxEventID returns the current high-water mark of the bus; a subscriber
// starting at this cursor never sees events published before it subscribed.
func (s *Store) MaxEventID(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&max)
	return max, err
}

// EventsAfter returns up to limit envelopes with IDs beyond the cursor, in ID
// order. Monotone IDs give per-publisher ordering.
func (s *Store) EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, user_id, payload, created_at FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`), after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneEvents deletes envelopes older than the cutoff. Undelivered events age
// out; the bus is at-most-once by design.
func (s *Store) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM events WHERE created_at < ?`), olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
