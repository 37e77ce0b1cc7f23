package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"docqa/internal/helper"
	"docqa/internal/parser"
)

var (
	ingestChunkSize    int
	ingestChunkOverlap int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Extract, chunk, embed, and store a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := parser.ExtractFile(args[0])
		if err != nil {
			return fmt.Errorf("extracting %s: %w", args[0], err)
		}
		log.Debug().Str("file", args[0]).Int("chars", len(text)).Msg("document extracted")

		pipe, err := buildPipeline()
		if err != nil {
			return err
		}
		defer pipe.Close()

		pcfg := cfg.PipelineConfig()
		if ingestChunkSize > 0 {
			pcfg.ChunkSize = ingestChunkSize
		}
		if cmd.Flags().Changed("chunk-overlap") {
			pcfg.ChunkOverlap = ingestChunkOverlap
		}

		res, err := pipe.Ingest(cmd.Context(), text, pcfg)
		if err != nil {
			return err
		}
		helper.PrettyPrint(res)
		return nil
	},
}

func init() {
	ingestCmd.Flags().IntVar(&ingestChunkSize, "chunk-size", 0, "chunk size in characters (default from config)")
	ingestCmd.Flags().IntVar(&ingestChunkOverlap, "chunk-overlap", 0, "overlap between consecutive chunks")
}
