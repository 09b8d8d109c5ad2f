package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(newFileBackend(filepath.Join(t.TempDir(), "missing.json")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("Ollama.EmbedModel = %q", cfg.Ollama.EmbedModel)
	}
	if cfg.Ingest.Concurrency != 4 || cfg.Ingest.MaxAttempts != 3 {
		t.Errorf("Ingest = %+v", cfg.Ingest)
	}
	if cfg.Ingest.ChunkSize != 1000 || cfg.Ingest.ChunkOverlap != 200 {
		t.Errorf("chunking = %d/%d, want 1000/200", cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	}
	if cfg.Retrieval.MaxResults != 5 || cfg.Retrieval.MinScore != 0.7 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Storage.VectorBackend != "sqlite" {
		t.Errorf("VectorBackend = %q, want sqlite", cfg.Storage.VectorBackend)
	}
}

func TestFileValues(t *testing.T) {
	path := writeTempConfig(t, `{
		"server.port": 9000,
		"retrieval.min_score": "0.5",
		"storage.vector_backend": "chromem"
	}`)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Retrieval.MinScore != 0.5 {
		t.Errorf("MinScore = %v, want 0.5", cfg.Retrieval.MinScore)
	}
	if cfg.Storage.VectorBackend != "chromem" {
		t.Errorf("VectorBackend = %q, want chromem", cfg.Storage.VectorBackend)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeTempConfig(t, `{"server.port": 9000}`)
	t.Setenv("ASKPAPER_SERVER_PORT", "9100")
	t.Setenv("ASKPAPER_API_TOKEN", "secret-token")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want env override 9100", cfg.Server.Port)
	}
	if cfg.Server.APIToken != "secret-token" {
		t.Errorf("APIToken = %q, want env value", cfg.Server.APIToken)
	}
}

func TestValidateRejectsBadChunking(t *testing.T) {
	path := writeTempConfig(t, `{"ingest.chunk_size": 100, "ingest.chunk_overlap": 100}`)
	if _, err := loadWith(newFileBackend(path)); err == nil {
		t.Fatal("expected error for overlap >= chunk size")
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	path := writeTempConfig(t, `{"storage.vector_backend": "pinecone"}`)
	if _, err := loadWith(newFileBackend(path)); err == nil {
		t.Fatal("expected error for unknown vector backend")
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	path := writeTempConfig(t, `{"session.ttl": "half an hour"}`)
	if _, err := loadWith(newFileBackend(path)); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.APIToken = "hidden"
	for _, info := range ShowAll(cfg) {
		if info.Key == "server.api_token" || info.Value == "hidden" {
			t.Fatalf("secret leaked in ShowAll: %+v", info)
		}
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)
	if err := b.SetInt("server.port", 8123); err != nil {
		t.Fatalf("SetInt: %v", err)
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("Server.Port = %d, want 8123", cfg.Server.Port)
	}
}
