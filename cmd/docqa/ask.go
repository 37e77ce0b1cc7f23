package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"docqa/internal/models"
)

var (
	askTopK    int
	askMetric  string
	askVerbose bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")

		pipe, err := buildPipeline()
		if err != nil {
			return err
		}
		defer pipe.Close()

		pcfg := cfg.PipelineConfig()
		if askTopK > 0 {
			pcfg.TopK = askTopK
		}
		if askMetric != "" {
			m, err := models.ParseMetric(askMetric)
			if err != nil {
				return err
			}
			pcfg.Metric = m
		}

		res, err := pipe.Query(cmd.Context(), question, pcfg)
		if err != nil {
			return err
		}

		fmt.Println(res.Answer)
		if askVerbose {
			fmt.Println()
			for i, src := range res.Sources {
				fmt.Printf("[%d] score=%.4f id=%s\n%s\n\n", i+1, src.Score, src.Chunk.ID, src.Chunk.Text)
			}
		}
		return nil
	},
}

func init() {
	askCmd.Flags().IntVarP(&askTopK, "top-k", "k", 0, "number of chunks to retrieve (default from config)")
	askCmd.Flags().StringVar(&askMetric, "metric", "", "similarity metric (cosine, euclidean, dot)")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "print the retrieved chunks")
}
