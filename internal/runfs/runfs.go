// Package runfs keeps a durable file tree per run under a runs root:
//
//	<root>/<run_id>/run.json
//	<root>/<run_id>/nodes/<node_id>.json
//	<root>/<run_id>/artifacts/<node_id>/<seq>-<kind>.json
//	<root>/<run_id>/events.jsonl
//	<root>/<run_id>/summary.json
//	<root>/<run_id>/.lock
//
// Every JSON file except the event log is replaced atomically.
package runfs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aamat-dev/crew-ia/internal/persist"
	"github.com/gofrs/flock"
)

var ErrRunLocked = errors.New("run is locked by another executor")

// Dir is a persist.Backend over a runs root directory.
type Dir struct {
	root string

	mu    sync.Mutex // serializes event appends and artifact sequencing
	runMu sync.Mutex // serializes run.json read-modify-write
}

func New(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create runs root: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Name() string { return "runfs" }

func (d *Dir) Root() string { return d.root }

// RunDir returns the directory holding a run's files.
func (d *Dir) RunDir(runID string) string {
	return filepath.Join(d.root, escape(runID))
}

// escape turns an id into a single safe path element.
func escape(id string) string {
	e := url.PathEscape(id)
	if e == "." || e == ".." {
		e = strings.ReplaceAll(e, ".", "%2E")
	}
	return e
}

func unescape(name string) string {
	if s, err := url.PathUnescape(name); err == nil {
		return s
	}
	return name
}

// writeFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// readJSON decodes path into v. found is false when the file does not exist.
func readJSON(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func (d *Dir) runPath(runID string) string {
	return filepath.Join(d.RunDir(runID), "run.json")
}

func (d *Dir) nodePath(runID, nodeID string) string {
	return filepath.Join(d.RunDir(runID), "nodes", escape(nodeID)+".json")
}

// SaveRun writes run.json unless the stored run is already terminal.
func (d *Dir) SaveRun(_ context.Context, run *persist.Run) error {
	_, err := d.saveRun(run)
	return err
}

func (d *Dir) saveRun(run *persist.Run) (wrote bool, err error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	var prev persist.Run
	found, err := readJSON(d.runPath(run.ID), &prev)
	if err != nil {
		return false, err
	}
	if found && prev.Status.Terminal() {
		return false, nil
	}
	if err := writeJSON(d.runPath(run.ID), run); err != nil {
		return false, err
	}
	return true, nil
}

// FinalizeRun writes the run and appends ev only when run.json was actually
// replaced, so a run that already ended never gains a second terminal event.
func (d *Dir) FinalizeRun(ctx context.Context, run *persist.Run, ev *persist.Event) error {
	wrote, err := d.saveRun(run)
	if err != nil || !wrote || ev == nil {
		return err
	}
	return d.SaveEvent(ctx, ev)
}

func (d *Dir) FinalizeNode(ctx context.Context, rec *persist.NodeRecord, ev *persist.Event) error {
	if err := d.SaveNode(ctx, rec); err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	return d.SaveEvent(ctx, ev)
}

func (d *Dir) ReopenRun(_ context.Context, runID string) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	var run persist.Run
	found, err := readJSON(d.runPath(runID), &run)
	if err != nil || !found {
		return err
	}
	run.Status = persist.RunRunning
	run.EndedAt = nil
	return writeJSON(d.runPath(runID), &run)
}

func (d *Dir) GetRun(_ context.Context, runID string) (*persist.Run, error) {
	var run persist.Run
	found, err := readJSON(d.runPath(runID), &run)
	if err != nil || !found {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the ids of every run directory under the root.
func (d *Dir) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, unescape(e.Name()))
		}
	}
	return ids, nil
}

func (d *Dir) SaveNode(_ context.Context, rec *persist.NodeRecord) error {
	return writeJSON(d.nodePath(rec.RunID, rec.NodeID), rec)
}

func (d *Dir) GetNode(_ context.Context, runID, nodeID string) (*persist.NodeRecord, error) {
	var rec persist.NodeRecord
	found, err := readJSON(d.nodePath(runID, nodeID), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (d *Dir) ListNodes(_ context.Context, runID string) ([]persist.NodeRecord, error) {
	dir := filepath.Join(d.RunDir(runID), "nodes")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []persist.NodeRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var rec persist.NodeRecord
		if _, err := readJSON(filepath.Join(dir, e.Name()), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (d *Dir) SaveArtifact(_ context.Context, a *persist.Artifact) error {
	art := *a
	if art.CreatedAt.IsZero() {
		art.CreatedAt = time.Now().UTC()
	}
	dir := filepath.Join(d.RunDir(a.RunID), "artifacts", escape(a.NodeID))

	d.mu.Lock()
	defer d.mu.Unlock()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	name := fmt.Sprintf("%06d-%s.json", len(entries)+1, art.Kind)
	return writeJSON(filepath.Join(dir, name), &art)
}

// ListArtifactsForNode returns a node's artifacts, newest first.
func (d *Dir) ListArtifactsForNode(_ context.Context, runID, nodeID string) ([]persist.Artifact, error) {
	dir := filepath.Join(d.RunDir(runID), "artifacts", escape(nodeID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	slices.Reverse(names)

	out := make([]persist.Artifact, 0, len(names))
	for _, name := range names {
		var a persist.Artifact
		if _, err := readJSON(filepath.Join(dir, name), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// SaveEvent appends one JSON line to the run's event log.
func (d *Dir) SaveEvent(_ context.Context, ev *persist.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	path := filepath.Join(d.RunDir(ev.RunID), "events.jsonl")

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents reads the run's event log in append order.
func (d *Dir) ListEvents(runID string) ([]persist.Event, error) {
	f, err := os.Open(filepath.Join(d.RunDir(runID), "events.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []persist.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev persist.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

// WriteSummary atomically replaces the run's summary.json.
func (d *Dir) WriteSummary(runID string, v any) error {
	return writeJSON(filepath.Join(d.RunDir(runID), "summary.json"), v)
}

// ReadSummary decodes summary.json into v and reports whether it exists.
func (d *Dir) ReadSummary(runID string, v any) (bool, error) {
	return readJSON(filepath.Join(d.RunDir(runID), "summary.json"), v)
}

// Lock takes the run's lock file. It fails with ErrRunLocked when another
// executor, in this process or another, holds it.
func (d *Dir) Lock(runID string) (unlock func() error, err error) {
	dir := d.RunDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	fl := flock.New(filepath.Join(dir, ".lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, runID)
	}
	return fl.Unlock, nil
}
