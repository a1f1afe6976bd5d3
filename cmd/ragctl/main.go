// Package main provides ragctl, the maintenance CLI for the retrieval
// context engine. It is a thin adapter over the four core operations:
// stats, index, retrieve and clear.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/womba/contextengine/internal/assembler"
	"github.com/womba/contextengine/internal/embedding"
	"github.com/womba/contextengine/internal/indexer"
	"github.com/womba/contextengine/internal/retriever"
	"github.com/womba/contextengine/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "ragctl",
	Short: "Manage the retrieval context engine",
	Long: `ragctl indexes domain documents into the vector store and retrieves
project-scoped context for a subject.

Environment variables:
  RAG_STORE_PROVIDER  Store backend: chromem (default) or qdrant
  RAG_DATA_DIR        Chromem storage directory
                      (default: ~/.config/contextengine/vectorstore)
  QDRANT_HOST         Qdrant hostname (default: localhost)
  QDRANT_PORT         Qdrant gRPC port (default: 6334)
  OPENAI_API_KEY      OpenAI API key for embeddings (required for
                      index and retrieve)
  RAG_LOG_LEVEL       Log level: debug, info, warn, error (default: info)`,
}

func main() {
	// Load .env if present (local development), ignore if missing.
	_ = godotenv.Load()

	setupLogging()

	rootCmd.AddCommand(statsCmd, indexCmd, retrieveCmd, clearCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(getEnv("RAG_LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// openStore builds the configured store backend.
func openStore() (store.Store, error) {
	dataDir := getEnv("RAG_DATA_DIR", "")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".config", "contextengine", "vectorstore")
	}

	cfg := store.Config{
		Provider: getEnv("RAG_STORE_PROVIDER", "chromem"),
		Chromem: store.ChromemConfig{
			Path:       dataDir,
			VectorSize: embedding.Dimension,
		},
		Qdrant: store.QdrantConfig{
			Host:       getEnv("QDRANT_HOST", "localhost"),
			Port:       getEnvInt("QDRANT_PORT", 6334),
			VectorSize: embedding.Dimension,
		},
	}
	return store.New(cfg, slog.Default())
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-collection record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.StatsAll(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Provider: %s\n\n", stats.Provider)
		for _, name := range store.Collections() {
			cs := stats.Collections[name]
			line := fmt.Sprintf("  %-16s %6d records", cs.Name, cs.Count)
			if !cs.LastWrite.IsZero() {
				line += fmt.Sprintf("  (last write %s)", cs.LastWrite.Format(time.RFC3339))
			}
			fmt.Println(line)
		}
		fmt.Printf("\nTotal: %d records\n", stats.TotalDocuments)
		return nil
	},
}

// indexInput is the JSON shape accepted by "ragctl index".
type indexInput struct {
	SourceType   string `json:"source_type"`
	ProjectKey   string `json:"project_key"`
	ReferenceKey string `json:"reference_key"`
	Title        string `json:"title,omitempty"`
	Text         string `json:"text"`
	Timestamp    string `json:"timestamp,omitempty"` // RFC3339
}

var indexFile string

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index documents from a JSON file or stdin",
	Long: `Reads a JSON array of documents and indexes them:

  [{"source_type": "issue_record", "project_key": "PLAT",
    "reference_key": "PLAT-123", "title": "...", "text": "..."}]

Unchanged documents are skipped; changed ones replace their prior version.
One document's failure does not abort the rest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var reader io.Reader = os.Stdin
		if indexFile != "" && indexFile != "-" {
			f, err := os.Open(indexFile)
			if err != nil {
				return err
			}
			defer f.Close()
			reader = f
		}

		var inputs []indexInput
		if err := json.NewDecoder(reader).Decode(&inputs); err != nil {
			return fmt.Errorf("decoding documents: %w", err)
		}

		docs := make([]indexer.SourceDocument, len(inputs))
		for i, in := range inputs {
			doc := indexer.SourceDocument{
				Type:         indexer.SourceType(in.SourceType),
				ProjectKey:   in.ProjectKey,
				ReferenceKey: in.ReferenceKey,
				Title:        in.Title,
				Text:         in.Text,
			}
			if in.Timestamp != "" {
				ts, err := time.Parse(time.RFC3339, in.Timestamp)
				if err != nil {
					return fmt.Errorf("document %s: bad timestamp: %w", in.ReferenceKey, err)
				}
				doc.Timestamp = ts
			}
			docs[i] = doc
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		provider, err := embedding.NewOpenAI()
		if err != nil {
			return err
		}

		ix := indexer.New(provider, st, nil, slog.Default())
		manifest := ix.IndexBatch(cmd.Context(), docs)

		fmt.Printf("Indexed %d/%d documents in %s\n",
			manifest.Succeeded(), len(manifest.Items), manifest.Duration.Round(time.Millisecond))
		for _, item := range manifest.Items {
			switch {
			case item.Err != nil:
				fmt.Printf("  FAIL %s: %v\n", item.ReferenceKey, item.Err)
			case item.Skipped:
				fmt.Printf("  skip %s (unchanged)\n", item.ReferenceKey)
			default:
				fmt.Printf("  ok   %s (%d records)\n", item.ReferenceKey, len(item.RecordIDs))
			}
		}
		if manifest.Failed() > 0 {
			return fmt.Errorf("%d documents failed", manifest.Failed())
		}
		return nil
	},
}

var (
	retrieveProject string
	retrieveSubject string
	retrieveBudget  int
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve",
	Short: "Retrieve context for a subject, scoped to a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		if retrieveSubject == "" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			retrieveSubject = strings.TrimSpace(string(data))
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		provider, err := embedding.NewOpenAI()
		if err != nil {
			return err
		}

		r := retriever.New(provider, st)
		bundle, err := r.Retrieve(cmd.Context(), retrieveSubject, retrieveProject)
		if err != nil {
			return err
		}

		if !bundle.HasContext() {
			fmt.Println("No context available for this subject.")
			return nil
		}

		payload := assembler.New().Assemble(bundle, retrieveBudget)
		fmt.Println(payload.Render())
		fmt.Fprintf(os.Stderr, "\n%s (%d chars", bundle.Summary(), payload.Size)
		if payload.Truncated {
			fmt.Fprintf(os.Stderr, ", truncated to budget")
		}
		fmt.Fprintln(os.Stderr, ")")
		return nil
	},
}

var clearAll bool

var clearCmd = &cobra.Command{
	Use:   "clear [collection]",
	Short: "Clear one collection, or all with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		switch {
		case clearAll:
			if err := st.ClearAll(ctx); err != nil {
				return err
			}
			fmt.Println("Cleared all collections")
		case len(args) == 1:
			if err := st.Clear(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Cleared collection %s\n", args[0])
		default:
			return fmt.Errorf("specify a collection (%s) or --all",
				strings.Join(store.Collections(), ", "))
		}
		return nil
	},
}

func init() {
	indexCmd.Flags().StringVarP(&indexFile, "file", "f", "", "JSON file to read ('-' for stdin)")
	retrieveCmd.Flags().StringVarP(&retrieveProject, "project", "p", "", "project key (required)")
	retrieveCmd.Flags().StringVarP(&retrieveSubject, "subject", "s", "", "subject text (default: stdin)")
	retrieveCmd.Flags().IntVarP(&retrieveBudget, "budget", "b", 12000, "context budget in characters (0 = unlimited)")
	_ = retrieveCmd.MarkFlagRequired("project")
	clearCmd.Flags().BoolVar(&clearAll, "all", false, "clear every collection")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}
