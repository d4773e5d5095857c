package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aamat-dev/crew-ia/internal/persist"
)

const nodeColumns = `run_id, node_id, title, status, input_checksum, attempts, started_at, ended_at, error`

func scanNode(s scanner) (*persist.NodeRecord, error) {
	n := &persist.NodeRecord{}
	var status string
	err := s.Scan(&n.RunID, &n.NodeID, &n.Title, &status, &n.InputChecksum, &n.Attempts,
		&n.StartedAt, &n.EndedAt, &n.Error)
	if err != nil {
		return nil, err
	}
	n.Status = persist.NodeStatus(status)
	return n, nil
}

func saveNode(ctx context.Context, ex execer, n *persist.NodeRecord) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO nodes (run_id, node_id, title, status, input_checksum, attempts, started_at, ended_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			input_checksum = excluded.input_checksum,
			attempts = excluded.attempts,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP`,
		n.RunID, n.NodeID, n.Title, string(n.Status), n.InputChecksum, n.Attempts,
		n.StartedAt, n.EndedAt, n.Error)
	if err != nil {
		return fmt.Errorf("save node: %w", err)
	}
	return nil
}

func (s *Store) SaveNode(ctx context.Context, n *persist.NodeRecord) error {
	return saveNode(ctx, s.db, n)
}

func (s *Store) GetNode(ctx context.Context, runID, nodeID string) (*persist.NodeRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE run_id = ? AND node_id = ?`, runID, nodeID)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

func (s *Store) ListNodes(ctx context.Context, runID string) ([]persist.NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []persist.NodeRecord
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// FinalizeNode writes a node record and its terminal event in one transaction.
func (s *Store) FinalizeNode(ctx context.Context, n *persist.NodeRecord, ev *persist.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := saveNode(ctx, tx, n); err != nil {
		return err
	}
	if ev != nil {
		if err := saveEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}
