package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aamat-dev/crew-ia/internal/persist"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const runColumns = `id, title, status, meta, started_at, ended_at`

func scanRun(s scanner) (*persist.Run, error) {
	r := &persist.Run{}
	var meta sql.NullString
	var status string
	if err := s.Scan(&r.ID, &r.Title, &status, &meta, &r.StartedAt, &r.EndedAt); err != nil {
		return nil, err
	}
	r.Status = persist.RunStatus(status)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Meta); err != nil {
			return nil, fmt.Errorf("decode run meta: %w", err)
		}
	}
	return r, nil
}

// saveRun reports whether the row was written.
func saveRun(ctx context.Context, ex execer, r *persist.Run) (bool, error) {
	var meta []byte
	if len(r.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(r.Meta); err != nil {
			return false, fmt.Errorf("encode run meta: %w", err)
		}
	}
	started := r.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	// A terminal run is immutable: later writes for it are ignored.
	res, err := ex.ExecContext(ctx, `
		INSERT INTO runs (id, title, status, meta, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			meta = COALESCE(excluded.meta, runs.meta),
			ended_at = excluded.ended_at
		WHERE runs.status NOT IN ('completed', 'failed', 'partial', 'canceled')`,
		r.ID, r.Title, string(r.Status), nullString(meta), started, r.EndedAt)
	if err != nil {
		return false, fmt.Errorf("save run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save run: %w", err)
	}
	return n > 0, nil
}

func (s *Store) SaveRun(ctx context.Context, r *persist.Run) error {
	_, err := saveRun(ctx, s.db, r)
	return err
}

func (s *Store) GetRun(ctx context.Context, id string) (*persist.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]persist.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []persist.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ReopenRun resets a terminal run to running so it can be executed again
// under the same id.
func (s *Store) ReopenRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = 'running', ended_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("reopen run: %w", err)
	}
	return nil
}

// FinalizeRun writes the run and its terminal event in one transaction.
func (s *Store) FinalizeRun(ctx context.Context, r *persist.Run, ev *persist.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	wrote, err := saveRun(ctx, tx, r)
	if err != nil {
		return err
	}
	// The event belongs to the write; a run that was already terminal keeps its own.
	if wrote && ev != nil {
		if err := saveEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
