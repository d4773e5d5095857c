package worker

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/aamat-dev/crew-ia/internal/config"
)

// SecretPrefix marks an api_key value that names a vault secret.
const SecretPrefix = "secret:"

// KeyResolver returns the plaintext of a named secret.
type KeyResolver func(name string) (string, error)

// NewProvider builds a provider from its config entry. The entry's Kind
// selects the implementation; it defaults to the provider name.
func NewProvider(name string, cfg config.ProviderConfig) (Provider, error) {
	kind := strings.ToLower(cfg.Kind)
	if kind == "" {
		kind = strings.ToLower(name)
	}
	switch kind {
	case "anthropic":
		return NewAnthropicProvider(name, cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "openai", "openrouter", "deepseek", "mistral":
		if kind != "openai" && cfg.BaseURL == "" {
			cfg.BaseURL = knownBaseURL(kind)
		}
		return NewOpenAIProvider(name, cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "container":
		return NewContainerProvider(name, cfg.Image)
	case "echo":
		return NewEchoProvider(name), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q for %s", kind, name)
	}
}

// FromConfig registers every configured provider on a new Runner. Providers
// that fail to build are logged and left out; the chain skips them.
func FromConfig(cfg config.WorkerConfig, resolve KeyResolver) *Runner {
	r := NewRunner()
	for name, pc := range cfg.Providers {
		if ref, ok := strings.CutPrefix(pc.APIKey, SecretPrefix); ok {
			if resolve == nil {
				slog.Warn("provider api key references a secret but no vault is configured", "provider", name)
				continue
			}
			key, err := resolve(ref)
			if err != nil {
				slog.Warn("failed to resolve provider secret", "provider", name, "secret", ref, "error", err)
				continue
			}
			pc.APIKey = key
		}

		p, err := NewProvider(name, pc)
		if err != nil {
			slog.Warn("failed to create provider", "provider", name, "error", err)
			continue
		}
		r.Register(p, pc)
	}
	return r
}
