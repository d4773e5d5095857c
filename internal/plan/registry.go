package plan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var ErrPlanNotFound = errors.New("plan not found")

var planExts = []string{".json", ".yaml", ".yml"}

// Registry loads named plans from a directory. A plan's id is its file name
// without extension.
type Registry struct {
	dir string
}

func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

func (r *Registry) Dir() string {
	return r.dir
}

// Get reads and parses the plan with the given id.
func (r *Registry) Get(id string) (*Document, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return nil, fmt.Errorf("plan %q: invalid id", id)
	}
	for _, ext := range planExts {
		data, err := os.ReadFile(filepath.Join(r.dir, id+ext))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read plan %s: %w", id, err)
		}
		doc, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", id, err)
		}
		return doc, nil
	}
	return nil, fmt.Errorf("plan %q: %w", id, ErrPlanNotFound)
}

// Load reads a plan and builds its graph.
func (r *Registry) Load(id string) (*Graph, error) {
	doc, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return Build(doc)
}

// List returns the ids of all plans in the directory, sorted.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list plans: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if !slices.Contains(planExts, ext) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ext)
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
