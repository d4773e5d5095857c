package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aamat-dev/crew-ia/internal/config"
)

type entry struct {
	provider Provider
	cfg      config.ProviderConfig
}

// Runner invokes providers in fallback order. It keeps no state between
// calls beyond the registered providers.
type Runner struct {
	mu        sync.RWMutex
	providers map[string]entry

	sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner() *Runner {
	return &Runner{
		providers: make(map[string]entry),
		sleep:     sleepCtx,
	}
}

// Register adds or replaces a provider under its Name.
func (r *Runner) Register(p Provider, cfg config.ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = entry{provider: p, cfg: cfg}
}

func (r *Runner) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

func (r *Runner) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.providers[name]
	return e, ok
}

// Chain returns primary followed by fallback with duplicates and empty names
// removed.
func Chain(primary string, fallback []string) []string {
	seen := make(map[string]bool, len(fallback)+1)
	out := make([]string, 0, len(fallback)+1)
	for _, name := range append([]string{primary}, fallback...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// Invoke calls primary, then each fallback provider in order, until one
// succeeds. Transient failures are retried against the same provider up to
// its MaxAttempts before moving on.
func (r *Runner) Invoke(ctx context.Context, req Request, primary string, fallback []string) (*Response, error) {
	chain := Chain(primary, fallback)
	if len(chain) == 0 {
		return nil, &Error{Kind: KindClientError, Err: errors.New("empty provider chain")}
	}

	var last error
	tried := 0
	for _, name := range chain {
		e, ok := r.lookup(name)
		if !ok {
			slog.Warn("unknown provider in chain, skipping", "provider", name)
			continue
		}
		tried++

		creq := req
		creq.Model = candidateModel(req.Model, e.cfg, name == chain[0])

		resp, err := r.invokeProvider(ctx, e, creq)
		if err == nil {
			resp.Provider = name
			if resp.Model == "" {
				resp.Model = creq.Model
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		last = err

		if Classify(err) == KindTimeout {
			slog.Warn("provider timed out, trying next", "provider", name, "model", creq.Model, "error", err)
		} else {
			slog.Warn("provider unavailable, trying next", "provider", name, "model", creq.Model, "kind", Classify(err), "error", err)
		}
	}

	if tried == 0 {
		return nil, &Error{Kind: KindClientError, Err: fmt.Errorf("no registered provider in chain %v", chain)}
	}
	return nil, &Error{Kind: KindAllProvidersExhausted, Err: last}
}

func (r *Runner) invokeProvider(ctx context.Context, e entry, req Request) (*Response, error) {
	attempts := max(e.cfg.MaxAttempts, 1)
	timeout := e.cfg.Timeout
	if timeout <= 0 {
		timeout = req.Timeout
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var resp *Response
		resp, err = r.call(ctx, e.provider, req, timeout)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		kind := Classify(err)
		if !retryable(kind) || attempt == attempts {
			break
		}
		delay := Backoff(e.cfg.BackoffBase, attempt)
		slog.Info("provider call failed, retrying",
			"provider", e.provider.Name(),
			"attempt", attempt,
			"kind", kind,
			"delay", delay,
		)
		if serr := r.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
	return nil, err
}

func (r *Runner) call(ctx context.Context, p Provider, req Request, timeout time.Duration) (resp *Response, err error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err = p.Invoke(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && Classify(err) != KindTimeout {
			err = &Error{Kind: KindTimeout, Provider: p.Name(), Err: err}
		}
		return nil, err
	}
	if resp == nil {
		return nil, &Error{Kind: KindUnknown, Provider: p.Name(), Err: errors.New("nil response")}
	}
	if resp.Latency == 0 {
		resp.Latency = time.Since(start)
	}
	return resp, nil
}

// candidateModel picks the model for a provider in the chain. The requested
// model only applies to the primary provider; fallbacks use their own.
func candidateModel(requested string, cfg config.ProviderConfig, primary bool) string {
	if primary {
		if requested != "" {
			return requested
		}
		return cfg.Model
	}
	if cfg.FallbackModel != "" {
		return cfg.FallbackModel
	}
	return cfg.Model
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
