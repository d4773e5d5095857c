package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aamat-dev/crew-ia/internal/persist"
	_ "github.com/lib/pq"
)

// Backend stores runs in PostgreSQL. Nodes are addressed by BIGSERIAL
// surrogate keys, so the fan-out resolves logical node ids through
// ResolveNodeKey before calling it.
type Backend struct {
	db *sql.DB

	mu   sync.Mutex
	keys map[string]int64 // run_id/node_id -> key
}

func New(dsn string) (*Backend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	b := &Backend{db: db, keys: make(map[string]int64)}
	if err := b.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return b, nil
}

func (b *Backend) createTables() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS crew_runs (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			meta        JSONB,
			started_at  TIMESTAMPTZ NOT NULL,
			ended_at    TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS crew_node_keys (
			id       BIGSERIAL PRIMARY KEY,
			run_id   TEXT NOT NULL,
			node_id  TEXT NOT NULL,
			UNIQUE (run_id, node_id)
		);
		CREATE TABLE IF NOT EXISTS crew_nodes (
			node_key        BIGINT PRIMARY KEY REFERENCES crew_node_keys(id),
			run_id          TEXT NOT NULL,
			title           TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			input_checksum  TEXT NOT NULL DEFAULT '',
			attempts        INTEGER NOT NULL DEFAULT 0,
			started_at      TIMESTAMPTZ,
			ended_at        TIMESTAMPTZ,
			error           TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS crew_artifacts (
			id          BIGSERIAL PRIMARY KEY,
			run_id      TEXT NOT NULL,
			node_key    BIGINT NOT NULL REFERENCES crew_node_keys(id),
			kind        TEXT NOT NULL,
			path        TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS crew_events (
			event_id  BIGSERIAL PRIMARY KEY,
			run_id    TEXT NOT NULL,
			node_key  BIGINT REFERENCES crew_node_keys(id),
			ts        TIMESTAMPTZ NOT NULL,
			level     TEXT NOT NULL,
			type      TEXT NOT NULL,
			msg       TEXT,
			fields    JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_crew_nodes_run ON crew_nodes(run_id);
		CREATE INDEX IF NOT EXISTS idx_crew_artifacts_node ON crew_artifacts(node_key, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_crew_events_run ON crew_events(run_id, event_id);
	`)
	return err
}

func (b *Backend) Name() string { return "postgres" }

func (b *Backend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *Backend) NeedsResolvedIDs() bool { return true }

// ResolveNodeKey returns the surrogate key for a node, allocating one on
// first use.
func (b *Backend) ResolveNodeKey(ctx context.Context, runID, nodeID string) (string, error) {
	cacheKey := runID + "/" + nodeID
	b.mu.Lock()
	key, ok := b.keys[cacheKey]
	b.mu.Unlock()
	if ok {
		return strconv.FormatInt(key, 10), nil
	}

	err := b.db.QueryRowContext(ctx, `
		INSERT INTO crew_node_keys (run_id, node_id) VALUES ($1, $2)
		ON CONFLICT (run_id, node_id) DO UPDATE SET node_id = EXCLUDED.node_id
		RETURNING id`, runID, nodeID).Scan(&key)
	if err != nil {
		return "", fmt.Errorf("resolve node key: %w", err)
	}

	b.mu.Lock()
	b.keys[cacheKey] = key
	b.mu.Unlock()
	return strconv.FormatInt(key, 10), nil
}

func parseKey(s string) (int64, error) {
	k, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("node key %q is not resolved: %w", s, err)
	}
	return k, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveRun(ctx context.Context, ex execer, r *persist.Run) (bool, error) {
	var meta []byte
	if len(r.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(r.Meta); err != nil {
			return false, fmt.Errorf("marshal meta: %w", err)
		}
	}
	started := r.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO crew_runs (id, title, status, meta, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			meta = COALESCE(EXCLUDED.meta, crew_runs.meta),
			ended_at = EXCLUDED.ended_at
		WHERE crew_runs.status NOT IN ('completed', 'failed', 'partial', 'canceled')`,
		r.ID, r.Title, string(r.Status), meta, started, r.EndedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *Backend) SaveRun(ctx context.Context, r *persist.Run) error {
	_, err := saveRun(ctx, b.db, r)
	return err
}

func (b *Backend) ReopenRun(ctx context.Context, runID string) error {
	_, err := b.db.ExecContext(ctx, `UPDATE crew_runs SET status = 'running', ended_at = NULL WHERE id = $1`, runID)
	return err
}

func (b *Backend) GetRun(ctx context.Context, runID string) (*persist.Run, error) {
	r := &persist.Run{}
	var status string
	var meta []byte
	var ended sql.NullTime
	err := b.db.QueryRowContext(ctx, `
		SELECT id, title, status, meta, started_at, ended_at
		FROM crew_runs WHERE id = $1`, runID).Scan(&r.ID, &r.Title, &status, &meta, &r.StartedAt, &ended)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Status = persist.RunStatus(status)
	if ended.Valid {
		r.EndedAt = &ended.Time
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	return r, nil
}

func saveNode(ctx context.Context, ex execer, n *persist.NodeRecord) error {
	key, err := parseKey(n.NodeID)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO crew_nodes (node_key, run_id, title, status, input_checksum, attempts, started_at, ended_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (node_key) DO UPDATE SET
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			input_checksum = EXCLUDED.input_checksum,
			attempts = EXCLUDED.attempts,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			error = EXCLUDED.error`,
		key, n.RunID, n.Title, string(n.Status), n.InputChecksum, n.Attempts, n.StartedAt, n.EndedAt, n.Error)
	return err
}

func (b *Backend) SaveNode(ctx context.Context, n *persist.NodeRecord) error {
	return saveNode(ctx, b.db, n)
}

const nodeSelect = `
	SELECT n.run_id, k.node_id, n.title, n.status, n.input_checksum, n.attempts, n.started_at, n.ended_at, n.error
	FROM crew_nodes n JOIN crew_node_keys k ON k.id = n.node_key`

func scanNode(s interface{ Scan(dest ...any) error }) (*persist.NodeRecord, error) {
	n := &persist.NodeRecord{}
	var status string
	var started, ended sql.NullTime
	if err := s.Scan(&n.RunID, &n.NodeID, &n.Title, &status, &n.InputChecksum, &n.Attempts, &started, &ended, &n.Error); err != nil {
		return nil, err
	}
	n.Status = persist.NodeStatus(status)
	if started.Valid {
		n.StartedAt = &started.Time
	}
	if ended.Valid {
		n.EndedAt = &ended.Time
	}
	return n, nil
}

func (b *Backend) GetNode(ctx context.Context, runID, nodeKey string) (*persist.NodeRecord, error) {
	key, err := parseKey(nodeKey)
	if err != nil {
		return nil, err
	}
	n, err := scanNode(b.db.QueryRowContext(ctx, nodeSelect+` WHERE n.node_key = $1 AND n.run_id = $2`, key, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

func (b *Backend) ListNodes(ctx context.Context, runID string) ([]persist.NodeRecord, error) {
	rows, err := b.db.QueryContext(ctx, nodeSelect+` WHERE n.run_id = $1 ORDER BY n.node_key`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persist.NodeRecord
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (b *Backend) SaveArtifact(ctx context.Context, a *persist.Artifact) error {
	key, err := parseKey(a.NodeID)
	if err != nil {
		return err
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO crew_artifacts (run_id, node_key, kind, path, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.RunID, key, string(a.Kind), a.Path, a.Content, created)
	return err
}

func (b *Backend) ListArtifactsForNode(ctx context.Context, runID, nodeKey string) ([]persist.Artifact, error) {
	key, err := parseKey(nodeKey)
	if err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT a.run_id, k.node_id, a.kind, a.path, a.content, a.created_at
		FROM crew_artifacts a JOIN crew_node_keys k ON k.id = a.node_key
		WHERE a.node_key = $1 AND a.run_id = $2
		ORDER BY a.id DESC`, key, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persist.Artifact
	for rows.Next() {
		var a persist.Artifact
		var kind string
		if err := rows.Scan(&a.RunID, &a.NodeID, &kind, &a.Path, &a.Content, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = persist.ArtifactKind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}

func saveEvent(ctx context.Context, ex execer, e *persist.Event) error {
	var key *int64
	if e.NodeID != "" {
		k, err := parseKey(e.NodeID)
		if err != nil {
			return err
		}
		key = &k
	}
	var fields []byte
	if e.Fields != nil {
		var err error
		if fields, err = json.Marshal(e.Fields); err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
	}
	var msg *string
	if e.Message != "" {
		msg = &e.Message
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
		INSERT INTO crew_events (run_id, node_key, ts, level, type, msg, fields)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.RunID, key, ts, level, e.Type, msg, fields)
	return err
}

func (b *Backend) SaveEvent(ctx context.Context, e *persist.Event) error {
	return saveEvent(ctx, b.db, e)
}

func (b *Backend) FinalizeRun(ctx context.Context, r *persist.Run, e *persist.Event) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		wrote, err := saveRun(ctx, tx, r)
		if err != nil || !wrote || e == nil {
			return err
		}
		return saveEvent(ctx, tx, e)
	})
}

func (b *Backend) FinalizeNode(ctx context.Context, n *persist.NodeRecord, e *persist.Event) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		if err := saveNode(ctx, tx, n); err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		return saveEvent(ctx, tx, e)
	})
}

func (b *Backend) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
