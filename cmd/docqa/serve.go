package main

import (
	"github.com/spf13/cobra"

	"docqa/internal/ocr"
	"docqa/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipe, err := buildPipeline()
		if err != nil {
			return err
		}
		defer pipe.Close()

		var extractor ocr.Extractor
		if cfg.OCR.Key != "" {
			extractor = ocr.NewClient(cfg.OCR.BaseURL, cfg.OCR.Key, cfg.OCR.Model)
		} else {
			// No OCR credentials; digital documents only.
			extractor = ocr.Local{}
		}

		srv, err := server.New(pipe, extractor, cfg.Server.DataDir, cfg.PipelineConfig())
		if err != nil {
			return err
		}
		return srv.ListenAndServe(cfg.Server.Addr)
	},
}
