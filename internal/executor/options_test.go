package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aamat-dev/crew-ia/internal/persist"
)

func TestGate(t *testing.T) {
	g := NewGate()
	if !g.IsSet() {
		t.Fatal("expected new gate to be open")
	}
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("wait on open gate: %v", err)
	}

	g.Clear()
	g.Clear()
	if g.IsSet() {
		t.Fatal("expected cleared gate")
	}

	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()

	select {
	case <-released:
		t.Fatal("wait returned while the gate was cleared")
	case <-time.After(20 * time.Millisecond):
	}

	g.Set()
	g.Set()
	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait not released by Set")
	}
}

func TestGateWaitCanceled(t *testing.T) {
	g := NewGate()
	g.Clear()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	var nilGate *Gate
	if err := nilGate.Wait(context.Background()); err != nil {
		t.Fatalf("nil gate should not block: %v", err)
	}
}

func TestNodeSet(t *testing.T) {
	s := NewNodeSet("b", "a")
	s.Add("c")
	s.Remove("b")
	if !s.Has("a") || s.Has("b") || !s.Has("c") {
		t.Fatalf("unexpected membership %v", s.List())
	}
	if got := s.List(); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("expected sorted [a c], got %v", got)
	}

	var empty *NodeSet
	if empty.Has("a") || empty.List() != nil {
		t.Error("nil set should be empty")
	}

	var zero NodeSet
	zero.Add("x")
	if !zero.Has("x") {
		t.Error("zero value set should accept adds")
	}
}

func TestComputeStatus(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		done     int
		failed   int
		canceled bool
		want     persist.RunStatus
	}{
		{"all done", 3, 3, 0, false, persist.RunCompleted},
		{"empty graph", 0, 0, 0, false, persist.RunCompleted},
		{"nothing done", 2, 0, 2, false, persist.RunFailed},
		{"mixed", 3, 1, 2, false, persist.RunPartial},
		{"canceled wins", 3, 3, 0, true, persist.RunCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := computeStatus(tt.total, tt.done, tt.failed, tt.canceled); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
