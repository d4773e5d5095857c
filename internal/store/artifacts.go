package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aamat-dev/crew-ia/internal/persist"
)

func (s *Store) SaveArtifact(ctx context.Context, a *persist.Artifact) error {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (run_id, node_id, kind, path, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.RunID, a.NodeID, string(a.Kind), a.Path, a.Content, created)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// ListArtifactsForNode returns a node's artifacts, newest first.
func (s *Store) ListArtifactsForNode(ctx context.Context, runID, nodeID string) ([]persist.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, node_id, kind, path, content, created_at
		FROM artifacts WHERE run_id = ? AND node_id = ?
		ORDER BY id DESC`, runID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var arts []persist.Artifact
	for rows.Next() {
		var a persist.Artifact
		var kind string
		if err := rows.Scan(&a.RunID, &a.NodeID, &kind, &a.Path, &a.Content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Kind = persist.ArtifactKind(kind)
		arts = append(arts, a)
	}
	return arts, rows.Err()
}
