package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.bind", typ: kString, env: "GRAPHASK_SERVER_BIND",
		apply:   func(cfg *Config, v any) { cfg.Server.Bind = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Bind },
	},
	{
		key: "server.port", typ: kInt, env: "GRAPHASK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "api.token", typ: kString, env: "GRAPHASK_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "redis.addr", typ: kString, env: "GRAPHASK_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Redis.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Addr },
	},
	{
		key: "redis.password", typ: kString, env: "GRAPHASK_REDIS_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Redis.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Password },
	},
	{
		key: "redis.db", typ: kInt, env: "GRAPHASK_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Redis.DB = v.(int) },
		extract: func(cfg Config) any { return cfg.Redis.DB },
	},
	{
		key: "redis.prefix", typ: kString, env: "GRAPHASK_REDIS_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Redis.Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Prefix },
	},
	{
		key: "redis.op_timeout", typ: kDuration, env: "GRAPHASK_REDIS_OP_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Redis.OpTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Redis.OpTimeout },
	},
	{
		key: "neo4j.uri", typ: kString, env: "GRAPHASK_NEO4J_URI",
		apply:   func(cfg *Config, v any) { cfg.Neo4j.URI = v.(string) },
		extract: func(cfg Config) any { return cfg.Neo4j.URI },
	},
	{
		key: "neo4j.user", typ: kString, env: "GRAPHASK_NEO4J_USER",
		apply:   func(cfg *Config, v any) { cfg.Neo4j.User = v.(string) },
		extract: func(cfg Config) any { return cfg.Neo4j.User },
	},
	{
		key: "neo4j.password", typ: kString, env: "GRAPHASK_NEO4J_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Neo4j.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Neo4j.Password },
	},
	{
		key: "neo4j.database", typ: kString, env: "GRAPHASK_NEO4J_DATABASE",
		apply:   func(cfg *Config, v any) { cfg.Neo4j.Database = v.(string) },
		extract: func(cfg Config) any { return cfg.Neo4j.Database },
	},
	{
		key: "neo4j.query_timeout", typ: kDuration, env: "GRAPHASK_NEO4J_QUERY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Neo4j.QueryTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Neo4j.QueryTimeout },
	},
	{
		key: "llm.provider", typ: kString, env: "GRAPHASK_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "GRAPHASK_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.cache", typ: kBool, env: "GRAPHASK_LLM_CACHE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Cache = v.(bool) },
		extract: func(cfg Config) any { return cfg.LLM.Cache },
	},
	{
		key: "ollama.base_url", typ: kString, env: "GRAPHASK_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "GRAPHASK_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "anthropic.api_key", typ: kString, env: "GRAPHASK_ANTHROPIC_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Anthropic.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.APIKey },
	},
	{
		key: "anthropic.model", typ: kString, env: "GRAPHASK_ANTHROPIC_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Anthropic.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.Model },
	},
	{
		key: "storage.data_dir", typ: kString, env: "GRAPHASK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "pipeline.max_attempts", typ: kInt, env: "GRAPHASK_PIPELINE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxAttempts },
	},
	{
		key: "pipeline.cache_ttl", typ: kDuration, env: "GRAPHASK_PIPELINE_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.CacheTTL },
	},
	{
		key: "pipeline.answer_ttl", typ: kDuration, env: "GRAPHASK_PIPELINE_ANSWER_TTL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.AnswerTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.AnswerTTL },
	},
	{
		key: "pipeline.idempotency_ttl", typ: kDuration, env: "GRAPHASK_PIPELINE_IDEMPOTENCY_TTL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.IdempotencyTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.IdempotencyTTL },
	},
	{
		key: "pipeline.poll_interval", typ: kDuration, env: "GRAPHASK_PIPELINE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.PollInterval },
	},
	{
		key: "pipeline.auto_wait", typ: kDuration, env: "GRAPHASK_PIPELINE_AUTO_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.AutoWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.AutoWait },
	},
	{
		key: "sandbox.mode", typ: kString, env: "GRAPHASK_SANDBOX_MODE",
		apply:   func(cfg *Config, v any) { cfg.Sandbox.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Sandbox.Mode },
	},
	{
		key: "sandbox.timeout", typ: kDuration, env: "GRAPHASK_SANDBOX_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sandbox.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sandbox.Timeout },
	},
	{
		key: "sandbox.memory_mb", typ: kInt, env: "GRAPHASK_SANDBOX_MEMORY_MB",
		apply:   func(cfg *Config, v any) { cfg.Sandbox.MemoryMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Sandbox.MemoryMB },
	},
	{
		key: "sandbox.max_files", typ: kInt, env: "GRAPHASK_SANDBOX_MAX_FILES",
		apply:   func(cfg *Config, v any) { cfg.Sandbox.MaxFiles = v.(int) },
		extract: func(cfg Config) any { return cfg.Sandbox.MaxFiles },
	},
	{
		key: "sandbox.max_steps", typ: kInt, env: "GRAPHASK_SANDBOX_MAX_STEPS",
		apply:   func(cfg *Config, v any) { cfg.Sandbox.MaxSteps = v.(int) },
		extract: func(cfg Config) any { return cfg.Sandbox.MaxSteps },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "GRAPHASK_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "GRAPHASK_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.visibility_timeout", typ: kDuration, env: "GRAPHASK_WORKER_VISIBILITY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Worker.VisibilityTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.VisibilityTimeout },
	},
	{
		key: "worker.reap_schedule", typ: kString, env: "GRAPHASK_WORKER_REAP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Worker.ReapSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.ReapSchedule },
	},
	{
		key: "log.level", typ: kString, env: "GRAPHASK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := parseValue(s.typ, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}
