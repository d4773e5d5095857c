package executor

import (
	"context"
	"slices"
	"sync"
)

// NodeSet is a set of node ids that can be changed while a run reads it.
type NodeSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewNodeSet(ids ...string) *NodeSet {
	s := &NodeSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

func (s *NodeSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
	s.ids[id] = struct{}{}
}

func (s *NodeSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Has reports whether id is in the set. A nil set is empty.
func (s *NodeSet) Has(id string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *NodeSet) List() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Gate blocks node admission while it is cleared. Nodes already running
// are not interrupted.
type Gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{} // closed while open
}

// NewGate returns an open gate.
func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{open: true, ch: ch}
}

// Set opens the gate and releases every waiter.
func (g *Gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
}

// Clear closes the gate.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.ch = make(chan struct{})
	}
}

func (g *Gate) IsSet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Wait returns once the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Options control one Run call. The sets and the gate may be changed from
// other goroutines while the run is in progress.
type Options struct {
	DryRun    bool
	SkipNodes *NodeSet
	Override  *NodeSet
	Gate      *Gate
	Hooks     Hooks
	Meta      map[string]string
}
