// Package config loads service configuration from a JSON file at
// $XDG_CONFIG_HOME/askpaper/config.json with ASKPAPER_* environment variables
// taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Ingest    IngestConfig
	Retrieval RetrievalConfig
	Session   SessionConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MCPPort  int
	APIToken string // bearer token; empty disables auth (local use)
}

type OllamaConfig struct {
	BaseURL      string
	RewriteModel string
	EmbedModel   string
}

type StorageConfig struct {
	DataDir       string
	VectorBackend string // "sqlite" or "chromem"
}

type IngestConfig struct {
	Concurrency        int
	JobsPerSecond      int
	MaxAttempts        int
	ChunkSize          int
	ChunkOverlap       int
	MaxPages           int
	MaxMegabytes       int
	CompletedRetention string // duration, e.g. "24h"
	FailedRetention    string // duration, e.g. "168h"
}

type RetrievalConfig struct {
	MaxResults int
	MinScore   float64
}

type SessionConfig struct {
	Capacity int
	TTL      string // duration, e.g. "30m"
}

type LogConfig struct {
	Level string
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "askpaper-data"
		}
	}
	return filepath.Join(dir, "askpaper")
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4600,
			MCPPort: 4601,
		},
		Ollama: OllamaConfig{
			BaseURL:      "http://localhost:11434",
			RewriteModel: "phi3.5",
			EmbedModel:   "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			VectorBackend: "sqlite",
		},
		Ingest: IngestConfig{
			Concurrency:        4,
			JobsPerSecond:      10,
			MaxAttempts:        3,
			ChunkSize:          1000,
			ChunkOverlap:       200,
			MaxPages:           500,
			MaxMegabytes:       50,
			CompletedRetention: "24h",
			FailedRetention:    "168h",
		},
		Retrieval: RetrievalConfig{
			MaxResults: 5,
			MinScore:   0.7,
		},
		Session: SessionConfig{
			Capacity: 256,
			TTL:      "30m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend, then applies
// ASKPAPER_* environment overrides, then validates.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap (%d) must be smaller than ingest.chunk_size (%d)",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	if c.Storage.VectorBackend != "sqlite" && c.Storage.VectorBackend != "chromem" {
		return fmt.Errorf("unknown storage.vector_backend %q (want sqlite or chromem)", c.Storage.VectorBackend)
	}
	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		return fmt.Errorf("retrieval.min_score %v out of range [0,1]", c.Retrieval.MinScore)
	}
	for key, val := range map[string]string{
		"ingest.completed_retention": c.Ingest.CompletedRetention,
		"ingest.failed_retention":    c.Ingest.FailedRetention,
		"session.ttl":                c.Session.TTL,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}
	return nil
}

// Duration parses one of the duration-typed fields. Call only after Validate.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
