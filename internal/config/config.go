package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Executor  ExecutorConfig  `yaml:"executor"`
	Worker    WorkerConfig    `yaml:"worker"`
	Store     StoreConfig     `yaml:"store"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	NATS      NATSConfig      `yaml:"nats"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Plans     PlansConfig     `yaml:"plans"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Vault     VaultConfig     `yaml:"vault"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Log       LogConfig       `yaml:"log"`
}

// ExecutorConfig is read once when an executor is constructed.
type ExecutorConfig struct {
	MaxRetries    int    `yaml:"max_retries"`
	BackoffBaseMs int    `yaml:"backoff_base_ms"`
	RunsRoot      string `yaml:"runs_root"`
}

// BackoffBase returns the retry backoff base as a duration.
func (c ExecutorConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

type WorkerConfig struct {
	Primary   string                    `yaml:"primary"`
	Fallback  []string                  `yaml:"fallback"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	Kind          string        `yaml:"kind"`
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	FallbackModel string        `yaml:"fallback_model"`
	Image         string        `yaml:"image"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type PlansConfig struct {
	Dir string `yaml:"dir"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		Executor: ExecutorConfig{
			MaxRetries:    1,
			BackoffBaseMs: 500,
			RunsRoot:      ".runs",
		},
		Worker: WorkerConfig{
			Primary:  "anthropic",
			Fallback: []string{"openai"},
			Providers: map[string]ProviderConfig{
				"anthropic": {Kind: "anthropic", Timeout: 2 * time.Minute, MaxAttempts: 3, BackoffBase: time.Second},
				"openai":    {Kind: "openai", Timeout: 2 * time.Minute, MaxAttempts: 3, BackoffBase: time.Second},
				"echo":      {Kind: "echo", MaxAttempts: 1},
			},
		},
		Store: StoreConfig{
			Path: "data/crew.db",
		},
		NATS: NATSConfig{
			Enabled: true,
			Port:    4222,
			DataDir: "data/nats",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "crew",
			TopicPrefix: "crew",
		},
		Plans: PlansConfig{
			Dir: "plans",
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("CREW_CONFIG")
	if path == "" {
		path = "config/crew.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CREW_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.MaxRetries = n
		}
	}
	if v := os.Getenv("CREW_BACKOFF_BASE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.BackoffBaseMs = n
		}
	}
	if v := os.Getenv("CREW_RUNS_ROOT"); v != "" {
		cfg.Executor.RunsRoot = v
	}
	if v := os.Getenv("CREW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CREW_PLANS_DIR"); v != "" {
		cfg.Plans.Dir = v
	}
	if v := os.Getenv("CREW_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("CREW_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CREW_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("CREW_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("CREW_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("CREW_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("CREW_PRIMARY_PROVIDER"); v != "" {
		cfg.Worker.Primary = v
	}
	if v := os.Getenv("CREW_FALLBACK_PROVIDERS"); v != "" {
		cfg.Worker.Fallback = splitList(v)
	}
	if v := os.Getenv("CREW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	setProviderKey(cfg, "anthropic", os.Getenv("ANTHROPIC_API_KEY"))
	setProviderKey(cfg, "openai", os.Getenv("OPENAI_API_KEY"))
}

// setProviderKey fills an API key from the environment unless the YAML file
// already set one.
func setProviderKey(cfg *Config, name, key string) {
	if key == "" {
		return
	}
	p, ok := cfg.Worker.Providers[name]
	if !ok || p.APIKey != "" {
		return
	}
	p.APIKey = key
	cfg.Worker.Providers[name] = p
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries must not be negative")
	}
	if c.Executor.BackoffBaseMs < 0 {
		return fmt.Errorf("executor.backoff_base_ms must not be negative")
	}
	if c.Executor.RunsRoot == "" {
		return fmt.Errorf("executor.runs_root is required")
	}
	if c.Worker.Primary == "" {
		return fmt.Errorf("worker.primary is required")
	}
	return nil
}
