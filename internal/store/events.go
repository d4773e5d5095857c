package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aamat-dev/crew-ia/internal/persist"
)

func saveEvent(ctx context.Context, ex execer, e *persist.Event) error {
	var fields []byte
	if len(e.Fields) > 0 {
		var err error
		if fields, err = json.Marshal(e.Fields); err != nil {
			return fmt.Errorf("encode event fields: %w", err)
		}
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	level := e.Level
	if level == "" {
		level = "info"
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO events (run_id, node_id, type, level, message, fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.NodeID, e.Type, level, e.Message, nullString(fields), ts)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

func (s *Store) SaveEvent(ctx context.Context, e *persist.Event) error {
	return saveEvent(ctx, s.db, e)
}

// ListEvents returns the events of a run in insertion order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]persist.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, node_id, type, level, message, fields, created_at
		FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []persist.Event
	for rows.Next() {
		var e persist.Event
		var fields sql.NullString
		if err := rows.Scan(&e.RunID, &e.NodeID, &e.Type, &e.Level, &e.Message, &fields, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &e.Fields); err != nil {
				return nil, fmt.Errorf("decode event fields: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
