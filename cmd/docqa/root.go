package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"docqa/internal/chromemdb"
	"docqa/internal/config"
	"docqa/internal/db"
	"docqa/internal/embedding"
	"docqa/internal/llmservice"
	"docqa/internal/pipeline"
	"docqa/internal/store"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "docqa",
	Short: "Document question answering over a local vector store",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		zerolog.SetGlobalLevel(level)

		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config %s: %w", configPath, err)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "zerolog level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, ingestCmd, askCmd, statusCmd, dropCmd)
}

// openStore builds the OpenFunc for the configured backend. Postgres opens
// a fresh connection per handle so an invalidated handle never pins a dead
// connection.
func openStore() pipeline.OpenFunc {
	sc := cfg.Store
	switch sc.Backend {
	case "chromem":
		return func(ctx context.Context) (pipeline.VectorIndex, error) {
			return chromemdb.New(sc.Path, sc.Collection)
		}
	case "postgres":
		return func(ctx context.Context) (pipeline.VectorIndex, error) {
			sqldb := db.Connect(sc.DSN, sc.Password, sc.Debug)
			return db.New(sqldb, sc.Collection), nil
		}
	default:
		return func(ctx context.Context) (pipeline.VectorIndex, error) {
			return store.New(sc.Path), nil
		}
	}
}

func buildPipeline() (*pipeline.Pipeline, error) {
	embedder, err := embedding.NewEmbedder(&cfg.EmbedLLM)
	if err != nil {
		return nil, fmt.Errorf("building embedder: %w", err)
	}
	synth, err := llmservice.NewClient(&cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("building llm client: %w", err)
	}
	return pipeline.New(openStore(), embedder, synth), nil
}
