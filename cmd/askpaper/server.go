package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/askpaper/askpaper/internal/api"
	"github.com/askpaper/askpaper/internal/config"
	"github.com/askpaper/askpaper/internal/embedding"
	"github.com/askpaper/askpaper/internal/extract"
	"github.com/askpaper/askpaper/internal/ingest"
	"github.com/askpaper/askpaper/internal/objectstore"
	"github.com/askpaper/askpaper/internal/ollama"
	"github.com/askpaper/askpaper/internal/retrieval"
	"github.com/askpaper/askpaper/internal/rewriter"
	"github.com/askpaper/askpaper/internal/sessioncache"
	"github.com/askpaper/askpaper/internal/storage"
	"github.com/askpaper/askpaper/internal/vectorindex"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the askpaper server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running askpaper server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show askpaper system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "askpaper.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "askpaper version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	// Refuse to start twice: probe the health endpoint before claiming the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("askpaper is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("askpaper is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ollama readiness is advisory: queued jobs retry, so a late-starting
	// Ollama only delays ingestion instead of blocking server startup.
	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if !ollamaClient.IsRunning(ctx) {
		slog.Warn("ollama not reachable; ingestion and retrieval will fail until it is started",
			"base_url", cfg.Ollama.BaseURL)
	} else {
		for _, model := range []string{cfg.Ollama.RewriteModel, cfg.Ollama.EmbedModel} {
			if !ollamaClient.HasModel(ctx, model) {
				slog.Warn("model not available", "model", model, "hint", "ollama pull "+model)
			}
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	blobs, err := objectstore.New(filepath.Join(cfg.Storage.DataDir, "objects"))
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}

	var index vectorindex.Index
	switch cfg.Storage.VectorBackend {
	case "chromem":
		index, err = vectorindex.NewChromemIndex(filepath.Join(cfg.Storage.DataDir, "chromem"))
		if err != nil {
			return fmt.Errorf("opening chromem index: %w", err)
		}
	default:
		index = vectorindex.NewSQLiteIndex(store.DB())
	}
	slog.Info("vector index ready", "backend", cfg.Storage.VectorBackend)

	embedder := embedding.New(ollamaClient, cfg.Ollama.EmbedModel, 0, 0)
	analyzer := rewriter.New(ollamaClient, cfg.Ollama.RewriteModel)
	engine := retrieval.NewEngine(analyzer, embedder, index)
	sessions := sessioncache.New(cfg.Session.Capacity, config.Duration(cfg.Session.TTL))

	worker := ingest.NewWorker(store, blobs, embedder, index, ingest.Options{
		Concurrency:   cfg.Ingest.Concurrency,
		JobsPerSecond: float64(cfg.Ingest.JobsPerSecond),
		ChunkSize:     cfg.Ingest.ChunkSize,
		ChunkOverlap:  cfg.Ingest.ChunkOverlap,
		ExtractLimits: extract.Limits{
			MaxPages: cfg.Ingest.MaxPages,
			MaxBytes: int64(cfg.Ingest.MaxMegabytes) << 20,
		},
	})
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("ingest worker stopped", "error", err)
		}
	}()

	go runPurgeLoop(ctx, store, config.Duration(cfg.Ingest.CompletedRetention), config.Duration(cfg.Ingest.FailedRetention))

	retrievalDefaults := retrieval.Options{
		MaxResults: cfg.Retrieval.MaxResults,
		MinScore:   cfg.Retrieval.MinScore,
	}

	handler := api.NewHandler(api.Deps{
		Store:       store,
		Blobs:       blobs,
		Engine:      engine,
		Vectors:     index,
		Sessions:    sessions,
		Token:       cfg.Server.APIToken,
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
		MaxAttempts: cfg.Ingest.MaxAttempts,
		Retrieval:   retrievalDefaults,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:       store,
		Blobs:       blobs,
		Engine:      engine,
		Vectors:     index,
		MaxAttempts: cfg.Ingest.MaxAttempts,
		Retrieval:   retrievalDefaults,
	})
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	mcpHTTP := server.NewStreamableHTTPServer(mcpSrv)
	go func() {
		slog.Info("MCP server listening", "addr", mcpAddr)
		if err := mcpHTTP.Start(mcpAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("MCP server error", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "askpaper listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Warn("MCP server shutdown", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

// runPurgeLoop deletes terminal job rows past their retention windows. It
// runs hourly; the first sweep happens shortly after startup so restarts
// still clean up.
func runPurgeLoop(ctx context.Context, store *storage.Store, completedRetention, failedRetention time.Duration) {
	timer := time.NewTimer(time.Minute)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		now := time.Now().UTC()
		n, err := store.PurgeJobs(now.Add(-completedRetention), now.Add(-failedRetention))
		if err != nil {
			slog.Warn("purging jobs", "error", err)
		} else if n > 0 {
			slog.Info("purged terminal jobs", "count", n)
		}

		timer.Reset(time.Hour)
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("askpaper is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop askpaper (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to askpaper (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if ollamaClient.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}

	printStatus("Rewrite model", "%s", cfg.Ollama.RewriteModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Vector backend", "%s", cfg.Storage.VectorBackend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
