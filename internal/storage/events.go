package storage

import (
	"context"
	"fmt"
	"time"
)

type eventRow struct {
	ID        int64  `db:"id"`
	Type      string `db:"type"`
	Payload   string `db:"payload"`
	CreatedAt string `db:"created_at"`
}

// AppendEvent stores a notification and returns its id.
func (s *Store) AppendEvent(ctx context.Context, typ, payload string) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(`INSERT INTO events (type, payload, created_at) VALUES (?, ?, ?) RETURNING id`),
		typ, payload, formatTime(s.now())).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}
	return id, nil
}

// LatestEventID returns the id of the newest stored event, or 0.
func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, "SELECT COALESCE(MAX(id), 0) FROM events")
	return id, err
}

// EventsAfter returns up to limit events with id greater than after, oldest first.
func (s *Store) EventsAfter(ctx context.Context, after int64, limit int) ([]StoredEvent, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT id, type, payload, created_at FROM events
		WHERE id > ? ORDER BY id ASC LIMIT ?`), after, limit)
	if err != nil {
		return nil, err
	}
	out := make([]StoredEvent, 0, len(rows))
	for _, r := range rows {
		t, err := parseTime(r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for event %d: %w", r.ID, err)
		}
		out = append(out, StoredEvent{ID: r.ID, Type: r.Type, Payload: r.Payload, CreatedAt: t})
	}
	return out, nil
}

// PruneEvents deletes events created before cutoff.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM events WHERE created_at < ?"), formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
