package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/askpaper/askpaper/internal/config"
)

type ingestResult struct {
	DocumentID string `json:"documentId"`
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
}

type jobResult struct {
	ID          string `json:"id"`
	DocumentID  string `json:"documentId"`
	Kind        string `json:"kind"`
	Filename    string `json:"filename"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	ChunkCount  int    `json:"chunkCount"`
	Error       string `json:"error"`
	CreatedAt   string `json:"createdAt"`
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Upload a document (PDF or HTML) for ingestion",
	Long: `Upload a document for ingestion.

Examples:
  askpaper ingest ./paper.pdf
  askpaper ingest --url https://example.com/article
  askpaper ingest ./notes.html --wait`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		kind, _ := cmd.Flags().GetString("kind")
		wait, _ := cmd.Flags().GetBool("wait")

		if len(args) == 0 && url == "" {
			return fmt.Errorf("a file argument or --url is required")
		}
		if len(args) == 1 && url != "" {
			return fmt.Errorf("a file argument and --url are mutually exclusive")
		}

		req := map[string]any{}
		if kind != "" {
			req["kind"] = kind
		}
		if url != "" {
			req["url"] = url
		} else {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["filename"] = filepath.Base(args[0])
			req["content"] = base64.StdEncoding.EncodeToString(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/documents", req)
		if err != nil {
			return err
		}

		var result ingestResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued job %s (document %s)", result.JobID, result.DocumentID)
		if !wait {
			return nil
		}
		return waitForJob(cmd.Context(), client, result.JobID)
	},
}

func waitForJob(ctx context.Context, client *apiClient, jobID string) error {
	lastProgress := -1
	for {
		resp, err := client.get(ctx, "/jobs/"+jobID)
		if err != nil {
			return err
		}
		var job jobResult
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		if job.Progress != lastProgress {
			printStep("%s (%d%%)", job.Status, job.Progress)
			lastProgress = job.Progress
		}

		switch job.Status {
		case "completed":
			printSuccess("Indexed %d chunks", job.ChunkCount)
			return nil
		case "failed":
			printError("Ingestion failed: %s", job.Error)
			return fmt.Errorf("job %s failed", jobID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func init() {
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest instead of a local file")
	ingestCmd.Flags().String("kind", "", "document kind (pdf or page); inferred when omitted")
	ingestCmd.Flags().Bool("wait", false, "wait for ingestion to finish")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect ingestion jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/jobs?limit=%d", limit)
		if status != "" {
			path += "&status=" + status
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Jobs []jobResult `json:"jobs"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, job := range result.Jobs {
			fmt.Println(jobLine(job))
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single ingestion job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}
		var job jobResult
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printStatus("Job", "%s", job.ID)
		printStatus("Document", "%s", job.DocumentID)
		printStatus("Kind", "%s", job.Kind)
		printStatus("Filename", "%s", job.Filename)
		printStatus("Status", "%s (%d%%)", job.Status, job.Progress)
		printStatus("Attempts", "%d/%d", job.Attempts, job.MaxAttempts)
		if job.ChunkCount > 0 {
			printStatus("Chunks", "%d", job.ChunkCount)
		}
		if job.Error != "" {
			printStatus("Last error", "%s", job.Error)
		}
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (queued, active, completed, failed)")
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Find the passages of a document most relevant to a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		documentID, _ := cmd.Flags().GetString("document")
		sessionID, _ := cmd.Flags().GetString("session")
		maxResults, _ := cmd.Flags().GetInt("max-results")
		minScore, _ := cmd.Flags().GetFloat64("min-score")

		if documentID == "" && sessionID == "" {
			return fmt.Errorf("--document is required (or --session with a pinned document)")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"question":   question,
			"documentId": documentID,
			"sessionId":  sessionID,
			"maxResults": maxResults,
			"minScore":   minScore,
		}
		resp, err := client.post(cmd.Context(), "/retrieve", req)
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				ChunkIndex int     `json:"chunkIndex"`
				Content    string  `json:"content"`
				Score      float64 `json:"score"`
				Reason     string  `json:"reason"`
			} `json:"results"`
			Analysis struct {
				RewrittenQuery string `json:"rewrittenQuery"`
				Complexity     string `json:"complexity"`
				Intent         string `json:"intent"`
			} `json:"analysis"`
			Strategy string `json:"strategy"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStep("strategy=%s complexity=%s query=%q",
			result.Strategy, result.Analysis.Complexity, result.Analysis.RewrittenQuery)

		if len(result.Results) == 0 {
			fmt.Println("No relevant passages found.")
			return nil
		}
		for i, r := range result.Results {
			renderPassage(i+1, r.ChunkIndex, r.Score, r.Reason, r.Content)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("document", "", "document id to query")
	askCmd.Flags().String("session", "", "session id; follow-up questions can omit --document")
	askCmd.Flags().Int("max-results", 0, "maximum number of passages (default 5)")
	askCmd.Flags().Float64("min-score", 0, "relevance floor in [0,1] (default 0.7)")
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Delete an ingested document and its indexed chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(ansiBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w\nvalid keys: %s", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
