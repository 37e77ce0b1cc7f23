package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"docqa/internal/helper"
	"docqa/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the collection manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe, err := buildPipeline()
		if err != nil {
			return err
		}
		defer pipe.Close()

		man, err := pipe.Manifest(cmd.Context())
		if errors.Is(err, models.ErrNotIndexed) {
			fmt.Println("no collection; run ingest first")
			return nil
		}
		if err != nil {
			return err
		}
		helper.PrettyPrint(man)
		return nil
	},
}
