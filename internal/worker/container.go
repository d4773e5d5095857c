package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	goarchive "github.com/moby/go-archive"
)

const (
	labelPrefix      = "crew"
	containerWorkDir = "/work"
)

// engine is the subset of the Docker API the container provider needs.
type engine interface {
	create(ctx context.Context, cfg *dockercontainer.Config, host *dockercontainer.HostConfig, name string) (string, error)
	copyDir(ctx context.Context, id, src, dst string) error
	start(ctx context.Context, id string) error
	wait(ctx context.Context, id string) (int64, error)
	logs(ctx context.Context, id string) (stdout, stderr string, err error)
	remove(ctx context.Context, id string) error
}

// ContainerProvider runs the prompt in a one-shot container. The prompt is
// passed in CREW_PROMPT and the container's stdout is the output. A node's
// work dir is copied into the container before start.
type ContainerProvider struct {
	name   string
	image  string
	engine engine
}

func NewContainerProvider(name, image string) (*ContainerProvider, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if name == "" {
		name = "container"
	}
	return &ContainerProvider{name: name, image: image, engine: &dockerEngine{docker: docker}}, nil
}

func (p *ContainerProvider) Name() string { return p.name }

func (p *ContainerProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	image := req.Model
	if image == "" {
		image = p.image
	}
	if image == "" {
		return nil, &Error{Kind: KindClientError, Provider: p.name, Err: fmt.Errorf("no image configured")}
	}

	env := []string{"CREW_PROMPT=" + req.Prompt}
	if req.System != "" {
		env = append(env, "CREW_SYSTEM="+req.System)
	}
	if len(req.Tooling) > 0 {
		env = append(env, "CREW_TOOLING="+strings.Join(req.Tooling, ","))
	}

	name := fmt.Sprintf("crew-worker-%d", time.Now().UnixNano())
	cfg := &dockercontainer.Config{
		Image:      image,
		Env:        env,
		WorkingDir: containerWorkDir,
		Labels:     map[string]string{labelPrefix + ".managed": "true"},
	}
	host := &dockercontainer.HostConfig{NetworkMode: "none"}

	start := time.Now()
	id, err := p.engine.create(ctx, cfg, host, name)
	if err != nil {
		return nil, &Error{Kind: KindServerError, Provider: p.name, Err: fmt.Errorf("create container: %w", err)}
	}
	defer func() {
		// ctx may already be canceled here.
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.engine.remove(rmCtx, id); err != nil {
			slog.Warn("failed to remove worker container", "container", shortID(id), "error", err)
		}
	}()

	if req.WorkDir != "" {
		if err := p.engine.copyDir(ctx, id, req.WorkDir, containerWorkDir); err != nil {
			return nil, &Error{Kind: KindClientError, Provider: p.name, Err: fmt.Errorf("copy work dir: %w", err)}
		}
	}

	if err := p.engine.start(ctx, id); err != nil {
		return nil, &Error{Kind: KindServerError, Provider: p.name, Err: fmt.Errorf("start container: %w", err)}
	}

	code, err := p.engine.wait(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Provider: p.name, Err: ctx.Err()}
		}
		return nil, &Error{Kind: KindServerError, Provider: p.name, Err: fmt.Errorf("wait container: %w", err)}
	}

	stdout, stderr, err := p.engine.logs(ctx, id)
	if err != nil {
		return nil, &Error{Kind: KindServerError, Provider: p.name, Err: fmt.Errorf("read logs: %w", err)}
	}
	if code != 0 {
		return nil, &Error{Kind: KindClientError, Provider: p.name, Err: fmt.Errorf("exit code %d: %s", code, truncate(stderr, 512))}
	}

	slog.Info("worker container finished", "container", shortID(id), "image", image)
	return &Response{
		Output:  strings.TrimRight(stdout, "\n"),
		Latency: time.Since(start),
		Raw:     map[string]any{"container": shortID(id), "exit_code": code},
		Model:   image,
	}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type dockerEngine struct {
	docker *client.Client
}

func (e *dockerEngine) create(ctx context.Context, cfg *dockercontainer.Config, host *dockercontainer.HostConfig, name string) (string, error) {
	resp, err := e.docker.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) copyDir(ctx context.Context, id, src, dst string) error {
	tar, err := goarchive.TarWithOptions(src, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("tar %s: %w", src, err)
	}
	defer tar.Close()
	return e.docker.CopyToContainer(ctx, id, dst, tar, dockercontainer.CopyToContainerOptions{})
}

func (e *dockerEngine) start(ctx context.Context, id string) error {
	return e.docker.ContainerStart(ctx, id, dockercontainer.StartOptions{})
}

func (e *dockerEngine) wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := e.docker.ContainerWait(ctx, id, dockercontainer.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, err
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("%s", status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

func (e *dockerEngine) logs(ctx context.Context, id string) (string, string, error) {
	rc, err := e.docker.ContainerLogs(ctx, id, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil && err != io.EOF {
		return "", "", err
	}
	return stdout.String(), stderr.String(), nil
}

func (e *dockerEngine) remove(ctx context.Context, id string) error {
	return e.docker.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true})
}
