/*
   STAVbot - Statute Transcript Analysis and Verification bot
   Copyright (C) 2025  Unbewohnte (Kasyanov Nikolay Alexeevich)

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"Unbewohnte/STAVbot/internal/bot"
	"Unbewohnte/STAVbot/internal/db"
	"Unbewohnte/STAVbot/internal/inference"
	"Unbewohnte/STAVbot/internal/reference"
	"Unbewohnte/STAVbot/internal/source"
	"Unbewohnte/STAVbot/internal/verify"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// Components shared by the subcommands, built on first use
type pipeline struct {
	conf      *bot.Config
	store     *db.DB
	extractor *reference.Extractor
	verifier  *verify.Service
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "stavctl",
		Short: "Statute reference extraction and verification",
		Long: `stavctl finds Florida statute references in hearing transcripts and
checks the quoted passages against the official statute text.

Statutes are cached in the same database the bot uses, so lookups made
here are served to the bot and the other way around.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "config.json", "Bot configuration file (defaults are used when absent)")
	rootCmd.PersistentFlags().String("db", "", "Override the database file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log progress to stderr")

	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(lookupCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(purgeCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*bot.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	dbFile, _ := cmd.Flags().GetString("db")
	verbose, _ := cmd.Flags().GetBool("verbose")

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	conf, err := bot.ConfigFrom(path)
	if errors.Is(err, fs.ErrNotExist) {
		conf = bot.DefaultConfig()
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if dbFile != "" {
		conf.DB.File = dbFile
	}

	return conf, nil
}

func newPipeline(cmd *cobra.Command) (*pipeline, error) {
	conf, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	store, err := conf.OpenDB()
	if err != nil {
		return nil, err
	}

	model := inference.NewClient(
		conf.Ollama.GeneralModel,
		conf.Ollama.EmbeddingModel,
		conf.Ollama.QueryTimeoutSeconds,
	)
	model.Host = conf.Ollama.Host

	embedder, err := conf.Embedder(model)
	if err != nil {
		store.Close()
		return nil, err
	}

	var extractorOpts []reference.Option
	if conf.Ollama.UseEntityRecognizer {
		extractorOpts = append(extractorOpts, reference.WithRecognizer(
			inference.NewEntityRecognizer(model, conf.Ollama.EntityPrompt),
		))
	}

	fetcherOpts := []source.FetcherOption{
		source.WithBaseURL(conf.Verification.BaseURL),
		source.WithTimeout(conf.FetchTimeout()),
	}
	if conf.Verification.UserAgent != "" {
		fetcherOpts = append(fetcherOpts, source.WithUserAgent(conf.Verification.UserAgent))
	}

	return &pipeline{
		conf:      conf,
		store:     store,
		extractor: reference.NewExtractor(extractorOpts...),
		verifier: verify.NewService(
			store,
			source.NewFetcher(fetcherOpts...),
			embedder,
			verify.WithThreshold(conf.Verification.Threshold),
			verify.WithFetchTimeout(conf.FetchTimeout()),
		),
	}, nil
}

// readInput returns the contents of --file, or stdin when it is empty or "-".
func readInput(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Flags().GetString("file")

	var (
		contents []byte
		err      error
	)
	if path == "" || path == "-" {
		contents, err = io.ReadAll(cmd.InOrStdin())
	} else {
		contents, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read transcript: %w", err)
	}

	return string(contents), nil
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func threshold(cmd *cobra.Command, p *pipeline) (float64, error) {
	if !cmd.Flags().Changed("threshold") {
		return p.verifier.Threshold(), nil
	}

	value, _ := cmd.Flags().GetFloat64("threshold")
	if value < -1 || value > 1 {
		return 0, fmt.Errorf("threshold %v is outside [-1, 1]", value)
	}
	return value, nil
}

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "List statute references found in a transcript",
		Long: `List statute references found in a transcript as JSON.

Example:
  stavctl extract --file hearing.txt
  cat hearing.txt | stavctl extract --highlight`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			highlight, _ := cmd.Flags().GetBool("highlight")

			text, err := readInput(cmd)
			if err != nil {
				return err
			}

			// Extraction needs no database unless entities are recognized
			conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var extractorOpts []reference.Option
			if conf.Ollama.UseEntityRecognizer {
				model := inference.NewClient(conf.Ollama.GeneralModel, conf.Ollama.EmbeddingModel, conf.Ollama.QueryTimeoutSeconds)
				model.Host = conf.Ollama.Host
				extractorOpts = append(extractorOpts, reference.WithRecognizer(
					inference.NewEntityRecognizer(model, conf.Ollama.EntityPrompt),
				))
			}
			extractor := reference.NewExtractor(extractorOpts...)

			refs, highlighted := extractor.ExtractAndHighlight(cmd.Context(), text)
			if refs == nil {
				refs = []reference.Reference{}
			}
			if !highlight {
				return printJSON(cmd, refs)
			}

			return printJSON(cmd, map[string]any{
				"references":  refs,
				"highlighted": highlighted,
			})
		},
	}

	cmd.Flags().StringP("file", "f", "", "Transcript file (stdin when empty)")
	cmd.Flags().Bool("highlight", false, "Also print the transcript with references marked up")

	return cmd
}

func lookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup <statute>",
		Short: "Print a statute from the cache or the official source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refresh, _ := cmd.Flags().GetBool("refresh")

			p, err := newPipeline(cmd)
			if err != nil {
				return err
			}
			defer p.store.Close()

			lookup, err := p.verifier.Lookup(cmd.Context(), args[0], refresh)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, lookup); err != nil {
				return err
			}

			return lookup.Err
		},
	}

	cmd.Flags().Bool("refresh", false, "Bypass the cache")

	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <statute>",
		Short: "Compare a passage with a statute",
		Long: `Compare a passage with a statute and report the similarity.

Example:
  stavctl verify 316.193 --text "driving under the influence of alcohol"
  stavctl verify 322.2615 --file passage.txt --threshold 0.7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, _ := cmd.Flags().GetString("text")

			p, err := newPipeline(cmd)
			if err != nil {
				return err
			}
			defer p.store.Close()

			if text == "" {
				text, err = readInput(cmd)
				if err != nil {
					return err
				}
			}

			th, err := threshold(cmd, p)
			if err != nil {
				return err
			}

			result, err := p.verifier.Verify(cmd.Context(), text, args[0], th)
			if err != nil {
				return err
			}

			return printJSON(cmd, result)
		},
	}

	cmd.Flags().StringP("text", "t", "", "Passage to verify")
	cmd.Flags().StringP("file", "f", "", "File with the passage (stdin when neither --text nor --file is given)")
	cmd.Flags().Float64("threshold", verify.DefaultThreshold, "Discrepancy threshold within [-1, 1]")

	return cmd
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify every statute reference in a transcript",
		Long: `Extract every statute reference from a transcript and verify each one.

Example:
  stavctl check --file hearing.txt
  stavctl check --file hearing.txt --context --threshold 0.5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			withContext, _ := cmd.Flags().GetBool("context")

			p, err := newPipeline(cmd)
			if err != nil {
				return err
			}
			defer p.store.Close()

			text, err := readInput(cmd)
			if err != nil {
				return err
			}

			th, err := threshold(cmd, p)
			if err != nil {
				return err
			}

			refs := p.extractor.Extract(cmd.Context(), text)
			requests := verify.RequestsFromReferences(refs)
			if withContext || p.conf.Verification.UseSentenceContext {
				requests = verify.RequestsWithContext(text, refs)
			}

			results, err := p.verifier.VerifyBatch(cmd.Context(), requests, th)
			if results == nil {
				results = []verify.Result{}
			}
			if printErr := printJSON(cmd, results); printErr != nil {
				return printErr
			}

			return err
		},
	}

	cmd.Flags().StringP("file", "f", "", "Transcript file (stdin when empty)")
	cmd.Flags().Float64("threshold", verify.DefaultThreshold, "Discrepancy threshold within [-1, 1]")
	cmd.Flags().Bool("context", false, "Compare statutes with the whole sentence around each reference")

	return cmd
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove statutes older than the retention window from the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			store, err := conf.OpenDB()
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.DeleteStaleStatutes(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale statute(s)\n", removed)
			return nil
		},
	}
}
