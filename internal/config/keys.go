package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
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
		key: "server.port", typ: kInt, env: "ASKPAPER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "ASKPAPER_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.api_token", typ: kString, env: "ASKPAPER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "ASKPAPER_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.rewrite_model", typ: kString, env: "ASKPAPER_OLLAMA_REWRITE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.RewriteModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.RewriteModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "ASKPAPER_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ASKPAPER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.vector_backend", typ: kString, env: "ASKPAPER_STORAGE_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.VectorBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.VectorBackend },
	},
	{
		key: "ingest.concurrency", typ: kInt, env: "ASKPAPER_INGEST_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Concurrency },
	},
	{
		key: "ingest.jobs_per_second", typ: kInt, env: "ASKPAPER_INGEST_JOBS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Ingest.JobsPerSecond = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.JobsPerSecond },
	},
	{
		key: "ingest.max_attempts", typ: kInt, env: "ASKPAPER_INGEST_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxAttempts },
	},
	{
		key: "ingest.chunk_size", typ: kInt, env: "ASKPAPER_INGEST_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkSize },
	},
	{
		key: "ingest.chunk_overlap", typ: kInt, env: "ASKPAPER_INGEST_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkOverlap },
	},
	{
		key: "ingest.max_pages", typ: kInt, env: "ASKPAPER_INGEST_MAX_PAGES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxPages = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxPages },
	},
	{
		key: "ingest.max_megabytes", typ: kInt, env: "ASKPAPER_INGEST_MAX_MEGABYTES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxMegabytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxMegabytes },
	},
	{
		key: "ingest.completed_retention", typ: kString, env: "ASKPAPER_INGEST_COMPLETED_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Ingest.CompletedRetention = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.CompletedRetention },
	},
	{
		key: "ingest.failed_retention", typ: kString, env: "ASKPAPER_INGEST_FAILED_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Ingest.FailedRetention = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.FailedRetention },
	},
	{
		key: "retrieval.max_results", typ: kInt, env: "ASKPAPER_RETRIEVAL_MAX_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxResults },
	},
	{
		key: "retrieval.min_score", typ: kFloat, env: "ASKPAPER_RETRIEVAL_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinScore },
	},
	{
		key: "session.capacity", typ: kInt, env: "ASKPAPER_SESSION_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Session.Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.Capacity },
	},
	{
		key: "session.ttl", typ: kString, env: "ASKPAPER_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Session.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.TTL },
	},
	{
		key: "log.level", typ: kString, env: "ASKPAPER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		v := os.Getenv(s.env)
		if v == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, v)
		case kInt:
			if i, err := strconv.Atoi(v); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from %s=%q: %v. Using default value.\n", s.env, v, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from %s=%q: %v. Using default value.\n", s.env, v, err)
			}
		}
	}
}
