package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"simcse-runner/cmd"
	"simcse-runner/internal/core/tokenizer"
	"simcse-runner/internal/datasets"
	"simcse-runner/internal/storage"

	"github.com/spf13/cobra"
)

var prepareFlags struct {
	input        string
	format       string
	tokenizer    string
	maxSeqLength int
	output       string
}

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Tokenize a text or CSV file into a training dataset",
	Example: `  simcse prepare --input wiki1m.txt --tokenizer bert-base-uncased --output data/wiki1m
  simcse prepare --input nli.csv --format csv --tokenizer bert-base-uncased --output s3://datasets/nli`,
	RunE: func(c *cobra.Command, args []string) error {
		ctx := context.Background()

		store, err := cmd.NewObjectStore(appConfig)
		if err != nil {
			return err
		}

		tokDir, err := cmd.NewResolver(appConfig, store).Resolve(ctx, prepareFlags.tokenizer)
		if err != nil {
			return fmt.Errorf("error resolving tokenizer %q: %w", prepareFlags.tokenizer, err)
		}
		tok, err := tokenizer.Load(tokDir)
		if err != nil {
			return err
		}
		defer tok.Release()

		in, err := os.Open(prepareFlags.input)
		if err != nil {
			return fmt.Errorf("error opening input: %w", err)
		}
		defer in.Close()

		ds, err := datasets.Prepare(in, tok, datasets.PrepareOptions{
			Format:       datasets.Format(prepareFlags.format),
			MaxSeqLength: prepareFlags.maxSeqLength,
		})
		if err != nil {
			return fmt.Errorf("error preparing dataset: %w", err)
		}
		slog.Info("prepared dataset", "examples", ds.Len(), "shape", ds.Shape())

		if !storage.IsURI(prepareFlags.output) {
			return ds.Save(prepareFlags.output)
		}

		uri, err := storage.ParseURI(prepareFlags.output)
		if err != nil {
			return err
		}
		staging, err := os.MkdirTemp("", "simcse-prepare-")
		if err != nil {
			return fmt.Errorf("error creating staging dir: %w", err)
		}
		defer os.RemoveAll(staging)

		if err := ds.Save(staging); err != nil {
			return err
		}
		if err := store.UploadDir(ctx, uri.Bucket, uri.Prefix, staging); err != nil {
			return fmt.Errorf("error uploading dataset to %s: %w", uri, err)
		}
		slog.Info("uploaded dataset", "location", uri.String())
		return nil
	},
}

func init() {
	f := prepareCmd.Flags()
	f.StringVar(&prepareFlags.input, "input", "", "input text file")
	f.StringVar(&prepareFlags.format, "format", string(datasets.FormatLines), "input format: lines or csv")
	f.StringVar(&prepareFlags.tokenizer, "tokenizer", "", "model identifier or directory holding tokenizer.json")
	f.IntVar(&prepareFlags.maxSeqLength, "max-seq-length", 32, "truncate sentences to this many tokens")
	f.StringVar(&prepareFlags.output, "output", "", "output dataset directory or s3:// location")
	_ = prepareCmd.MarkFlagRequired("input")
	_ = prepareCmd.MarkFlagRequired("tokenizer")
	_ = prepareCmd.MarkFlagRequired("output")
}
