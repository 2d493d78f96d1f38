package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	API       APIConfig
	Redis     RedisConfig
	Neo4j     Neo4jConfig
	LLM       LLMConfig
	Ollama    OllamaConfig
	Anthropic AnthropicConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
	Sandbox   SandboxConfig
	Worker    WorkerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Bind string
	Port int
}

type APIConfig struct {
	Token string
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	OpTimeout time.Duration
}

type Neo4jConfig struct {
	URI          string
	User         string
	Password     string
	Database     string
	QueryTimeout time.Duration
}

type LLMConfig struct {
	Provider string // "ollama" or "anthropic"
	Timeout  time.Duration
	Cache    bool
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

type StorageConfig struct {
	DataDir string
}

type PipelineConfig struct {
	MaxAttempts    int
	CacheTTL       time.Duration
	AnswerTTL      time.Duration
	IdempotencyTTL time.Duration
	PollInterval   time.Duration
	AutoWait       time.Duration
}

type SandboxConfig struct {
	Mode     string // "subprocess" or "inprocess"
	Timeout  time.Duration
	MemoryMB int
	MaxFiles int
	MaxSteps int
}

type WorkerConfig struct {
	Concurrency       int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	ReapSchedule      string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 4100,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Prefix:    "graphask",
			OpTimeout: 2 * time.Second,
		},
		Neo4j: Neo4jConfig{
			URI:          "neo4j://localhost:7687",
			User:         "neo4j",
			Database:     "neo4j",
			QueryTimeout: 30 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "ollama",
			Timeout:  120 * time.Second,
			Cache:    true,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1:8b",
		},
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-20250514",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Pipeline: PipelineConfig{
			MaxAttempts:    3,
			CacheTTL:       time.Hour,
			AnswerTTL:      24 * time.Hour,
			IdempotencyTTL: time.Hour,
			PollInterval:   500 * time.Millisecond,
			AutoWait:       10 * time.Second,
		},
		Sandbox: SandboxConfig{
			Mode:     "subprocess",
			Timeout:  8 * time.Second,
			MemoryMB: 512,
			MaxFiles: 32,
			MaxSteps: 50_000_000,
		},
		Worker: WorkerConfig{
			Concurrency:       2,
			PollInterval:      500 * time.Millisecond,
			VisibilityTimeout: 2 * time.Minute,
			ReapSchedule:      "@every 1m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML config file, the secrets file and
// GRAPHASK_* environment variables, in increasing order of precedence.
//
// The config file lives at $XDG_CONFIG_HOME/graphask/config.yaml and holds
// flat dotted keys ("redis.addr: host:6379"). Secrets are never read from it.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretReader abstracts the secret store for testing.
type secretReader interface {
	Get(account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecretFallback(&cfg, secrets)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecretFallback fills secrets still empty after env overrides from the
// secret store.
func applySecretFallback(cfg *Config, secrets secretReader) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if cur, _ := s.extract(*cfg).(string); cur != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func validate(cfg Config) error {
	switch cfg.LLM.Provider {
	case "ollama":
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return fmt.Errorf("missing required config: Anthropic API key. " +
				"Set it via environment variable GRAPHASK_ANTHROPIC_API_KEY")
		}
	default:
		return fmt.Errorf("invalid llm.provider %q: want ollama or anthropic", cfg.LLM.Provider)
	}

	switch cfg.Sandbox.Mode {
	case "subprocess", "inprocess":
	default:
		return fmt.Errorf("invalid sandbox.mode %q: want subprocess or inprocess", cfg.Sandbox.Mode)
	}

	if cfg.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1, got %d", cfg.Pipeline.MaxAttempts)
	}
	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", cfg.Worker.Concurrency)
	}
	return nil
}
