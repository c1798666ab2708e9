// Command policyrag answers questions about a user's insurance policy
// documents from the command line: load chunked documents into the
// local store, then ask questions against them.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"policyrag/internal/config"
	"policyrag/internal/consistency"
	"policyrag/internal/embedding"
	"policyrag/internal/governor"
	"policyrag/internal/llm"
	"policyrag/internal/logging"
	"policyrag/internal/pipeline"
	"policyrag/internal/reframe"
	"policyrag/internal/retrieval"
	"policyrag/internal/store"
	"policyrag/internal/websearch"
)

var (
	flagConfig string
	flagDebug  bool
	flagUser   string
	flagJSON   bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "policyrag",
		Short:         "Answer questions about insurance policy documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "policyrag.yaml", "config file path")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "verbose development logging")

	root.AddCommand(askCmd(), loadCmd(), healthCmd())
	return root
}

// loadConfig reads .env, the config file, and env overrides, then
// initializes logging.
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDebug {
		cfg.Logging.DebugMode = true
	}
	if err := logging.Initialize(cfg.Logging.DebugMode, cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}
	return cfg, nil
}

func parseUser() (uuid.UUID, error) {
	if flagUser == "" {
		return uuid.Nil, fmt.Errorf("--user is required")
	}
	id, err := uuid.Parse(flagUser)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --user %q: %w", flagUser, err)
	}
	return id, nil
}

// =============================================================================
// ASK
// =============================================================================

func askCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question against the loaded policy documents",
		Long: "Ask a question against the loaded policy documents.\n\n" +
			"With no question argument, runs an interactive session that reads one\n" +
			"question per line and picks up config file edits between questions.",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()

			userID, err := parseUser()
			if err != nil {
				return err
			}

			gov := governor.New(cfg.Governor)

			st, err := store.Open(cfg.Store.Path, cfg.Governor.DBPoolSize)
			if err != nil {
				return fmt.Errorf("open chunk store: %w", err)
			}
			defer st.Close()

			engine, err := embedding.NewGenAIEngine(cfg.Embedding, "RETRIEVAL_QUERY")
			if err != nil {
				return fmt.Errorf("embedding engine: %w", err)
			}
			defer engine.Close()
			embedder := embedding.NewGoverned(engine, gov)

			// Rebuilds the tunable layers from a config. The governor,
			// store, and embedding engine are structural and keep their
			// boot-time settings.
			build := func(cfg *config.Config) *pipeline.Orchestrator {
				// Reframing wants near-deterministic output; variant
				// sampling wants diversity.
				reframeClient := llm.NewGoverned(
					llm.NewGeminiClient(llm.FromConfig(cfg.LLM, 0.1)), gov, governor.DepGeneration)
				variantClient := llm.NewGoverned(
					llm.NewGeminiClient(llm.FromConfig(cfg.LLM, 0.9)), gov, governor.DepGeneration)

				return pipeline.New(
					reframe.New(reframeClient, cfg.Pipeline.ReframeTimeout.Std()),
					embedder,
					retrieval.New(st, gov, cfg.Retrieval),
					consistency.New(variantClient, cfg.Consistency),
					websearch.New(gov.Breaker(governor.DepWebSearch)),
					gov,
					cfg.Pipeline,
					cfg.Retrieval,
				)
			}

			var orch atomic.Pointer[pipeline.Orchestrator]
			orch.Store(build(cfg))

			if len(args) > 0 {
				out := orch.Load().RetrieveInformation(cmd.Context(), pipeline.Request{
					UserID: userID,
					Query:  strings.Join(args, " "),
				})
				return printOutput(os.Stdout, out)
			}

			// Interactive session: swap in a fresh orchestrator whenever
			// the config file changes on disk.
			w, err := config.NewWatcher(flagConfig, func(next *config.Config) {
				orch.Store(build(next))
			})
			if err != nil {
				logging.Get(logging.CategoryBoot).Warnf("config watcher unavailable: %v", err)
			} else {
				if err := w.Start(cmd.Context()); err != nil {
					logging.Get(logging.CategoryBoot).Warnf("config watcher failed to start: %v", err)
				}
				defer w.Close()
			}

			answer := func(ctx context.Context, req pipeline.Request) pipeline.Output {
				return orch.Load().RetrieveInformation(ctx, req)
			}
			return runInteractive(cmd.Context(), os.Stdin, os.Stdout, userID, answer)
		},
	}
	cmd.Flags().StringVar(&flagUser, "user", "", "user id (uuid) owning the documents")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "emit the full output as JSON")
	return cmd
}

// runInteractive reads one question per line until EOF or a blank line.
func runInteractive(ctx context.Context, in io.Reader, out io.Writer, userID uuid.UUID, answer func(context.Context, pipeline.Request) pipeline.Output) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<16)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			break
		}
		if err := printOutput(out, answer(ctx, pipeline.Request{UserID: userID, Query: query})); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func printOutput(w io.Writer, out pipeline.Output) error {
	if flagJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if out.ErrorMessage != "" {
		fmt.Fprintf(w, "%s\n(failed: %s)\n", out.DirectAnswer, out.ErrorMessage)
		return nil
	}

	fmt.Fprintln(w, out.DirectAnswer)
	if len(out.KeyPoints) > 0 {
		fmt.Fprintln(w, "\nKey points:")
		for _, p := range out.KeyPoints {
			fmt.Fprintf(w, "  - %s\n", p)
		}
	}
	if len(out.SourceChunks) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for _, c := range out.SourceChunks {
			title := c.DocumentTitle
			if title == "" {
				title = c.DocumentID
			}
			fmt.Fprintf(w, "  - %s (%s) similarity=%.2f\n", title, c.Section, c.SimilarityScore)
		}
	}
	fmt.Fprintf(w, "\nConfidence: %.2f (%d variants, agreement %.2f, %s)\n",
		out.ConfidenceScore, out.Diagnostics.VariantCount,
		out.Diagnostics.ConsistencyScore, out.Diagnostics.Elapsed.Round(time.Millisecond))
	return nil
}

// =============================================================================
// LOAD
// =============================================================================

// chunkLine is one JSONL record in a load file.
type chunkLine struct {
	ID            string `json:"id"`
	DocumentID    string `json:"document_id"`
	DocumentTitle string `json:"document_title"`
	Section       string `json:"section"`
	Text          string `json:"text"`
	TokenCount    int    `json:"token_count"`
}

func loadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <chunks.jsonl>",
		Short: "Embed and load pre-chunked policy documents for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()

			userID, err := parseUser()
			if err != nil {
				return err
			}

			gov := governor.New(cfg.Governor)

			st, err := store.Open(cfg.Store.Path, cfg.Governor.DBPoolSize)
			if err != nil {
				return fmt.Errorf("open chunk store: %w", err)
			}
			defer st.Close()

			engine, err := embedding.NewGenAIEngine(cfg.Embedding, "RETRIEVAL_DOCUMENT")
			if err != nil {
				return fmt.Errorf("embedding engine: %w", err)
			}
			defer engine.Close()
			embedder := embedding.NewGoverned(engine, gov)

			return loadChunks(cmd.Context(), args[0], userID, st, embedder)
		},
	}
	cmd.Flags().StringVar(&flagUser, "user", "", "user id (uuid) owning the documents")
	return cmd
}

const embedBatchSize = 32

func loadChunks(ctx context.Context, path string, userID uuid.UUID, st *store.ChunkStore, embedder embedding.Engine) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open chunk file: %w", err)
	}
	defer f.Close()

	var batch []chunkLine
	loaded := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		for i, c := range batch {
			tokens := c.TokenCount
			if tokens <= 0 {
				tokens = len(c.Text) / 4
			}
			rec := store.Record{
				ChunkID:       c.ID,
				UserID:        userID,
				DocumentID:    c.DocumentID,
				DocumentTitle: c.DocumentTitle,
				Section:       c.Section,
				Content:       c.Text,
				TokenCount:    tokens,
				Embedding:     vectors[i],
			}
			if err := st.UpsertChunk(ctx, rec); err != nil {
				return fmt.Errorf("store chunk %s: %w", c.ID, err)
			}
		}
		loaded += len(batch)
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var c chunkLine
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		batch = append(batch, c)
		if len(batch) >= embedBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read chunk file: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	fmt.Printf("Loaded %d chunks for user %s\n", loaded, userID)
	return nil
}

// =============================================================================
// HEALTH
// =============================================================================

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report store contents and governor readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()

			st, err := store.Open(cfg.Store.Path, cfg.Governor.DBPoolSize)
			if err != nil {
				return fmt.Errorf("open chunk store: %w", err)
			}
			defer st.Close()

			total, users, err := st.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("store stats: %w", err)
			}

			health := governor.New(cfg.Governor).Health()
			fmt.Printf("store: %s (%d chunks, %d users)\n", cfg.Store.Path, total, users)
			fmt.Printf("ready: %v\n", health.Ready)
			fmt.Printf("db pool: %d, llm permits: %d\n", health.DBPoolSize, health.LLMPermits)
			for name, b := range health.Breakers {
				fmt.Printf("breaker %s: %s\n", name, b.State)
			}
			return nil
		},
	}
}
