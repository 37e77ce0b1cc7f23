package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Delete the collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe, err := buildPipeline()
		if err != nil {
			return err
		}
		defer pipe.Close()

		if err := pipe.Drop(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("collection dropped")
		return nil
	},
}
