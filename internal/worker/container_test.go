package worker

import (
	"context"
	"errors"
	"slices"
	"testing"

	dockercontainer "github.com/docker/docker/api/types/container"
)

type fakeEngine struct {
	cfg     *dockercontainer.Config
	copied  string
	removed bool
	exit    int64
	stdout  string
	stderr  string
	waitErr error
}

func (e *fakeEngine) create(_ context.Context, cfg *dockercontainer.Config, _ *dockercontainer.HostConfig, _ string) (string, error) {
	e.cfg = cfg
	return "0123456789abcdef", nil
}

func (e *fakeEngine) copyDir(_ context.Context, _, src, _ string) error {
	e.copied = src
	return nil
}

func (e *fakeEngine) start(context.Context, string) error { return nil }

func (e *fakeEngine) wait(context.Context, string) (int64, error) { return e.exit, e.waitErr }

func (e *fakeEngine) logs(context.Context, string) (string, string, error) {
	return e.stdout, e.stderr, nil
}

func (e *fakeEngine) remove(context.Context, string) error {
	e.removed = true
	return nil
}

func TestContainerProvider(t *testing.T) {
	eng := &fakeEngine{stdout: "result\n"}
	p := &ContainerProvider{name: "container", image: "crew-worker:latest", engine: eng}

	resp, err := p.Invoke(context.Background(), Request{Prompt: "build it", Tooling: []string{"go", "git"}, WorkDir: "/tmp/node"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Output != "result" {
		t.Errorf("expected trimmed stdout, got %q", resp.Output)
	}
	if resp.Model != "crew-worker:latest" {
		t.Errorf("expected image as model, got %q", resp.Model)
	}
	if !slices.Contains(eng.cfg.Env, "CREW_PROMPT=build it") || !slices.Contains(eng.cfg.Env, "CREW_TOOLING=go,git") {
		t.Errorf("unexpected env %v", eng.cfg.Env)
	}
	if eng.copied != "/tmp/node" {
		t.Errorf("expected work dir copied, got %q", eng.copied)
	}
	if !eng.removed {
		t.Error("expected container removed")
	}
}

func TestContainerProviderNonZeroExit(t *testing.T) {
	eng := &fakeEngine{exit: 2, stderr: "bad input"}
	p := &ContainerProvider{name: "container", image: "img", engine: eng}

	_, err := p.Invoke(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, ErrClientError) {
		t.Fatalf("expected client error, got %v", err)
	}
	if !eng.removed {
		t.Error("expected container removed after failure")
	}
}

func TestContainerProviderNoImage(t *testing.T) {
	p := &ContainerProvider{name: "container", engine: &fakeEngine{}}
	if _, err := p.Invoke(context.Background(), Request{}); !errors.Is(err, ErrClientError) {
		t.Fatalf("expected client error, got %v", err)
	}
}
