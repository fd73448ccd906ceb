package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pavelanni/answergrader/internal/config"
	"github.com/pavelanni/answergrader/internal/handler"
	appI18n "github.com/pavelanni/answergrader/internal/i18n"
	"github.com/pavelanni/answergrader/internal/store"
)

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one answer now and print the result as JSON",
		RunE:  runEvaluate,
		// The JSON body already describes failures.
		SilenceUsage: true,
	}
	f := cmd.Flags()
	f.String("answer-id", "", "Answer to evaluate (required)")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	addStoreFlags(f)
	addLLMFlags(f)
	addLogFlags(f)
	_ = cmd.MarkFlagRequired("answer-id")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import catalog files (taxonomy, courses, exams, schools)",
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.StringSliceP("catalog", "c", nil, "Catalog JSON files (repeatable)")
	addStoreFlags(f)
	addLogFlags(f)
	_ = cmd.MarkFlagRequired("catalog")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export submitted answers and their evaluations as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("exam-id", "", "Only export answers for this exam")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addStoreFlags(f)
	addLogFlags(f)
	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key KEY",
		Short: "Print the bcrypt hash to use as api-key-hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := handler.HashAPIKey(args[0])
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	db, err := store.New(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	cfg := config.FromViper(v)
	if err := cfg.ValidatePipeline(); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := appI18n.Init(cfg.Lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx = appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(cfg.Lang))

	svc, err := newService(ctx, db, cfg)
	if err != nil {
		return err
	}

	out, err := svc.Evaluate(ctx, v.GetString("answer-id"))
	if err != nil {
		_, body := handler.EvaluateError(err)
		_ = writeIndented(cmd.OutOrStdout(), body)
		return err
	}
	return writeIndented(cmd.OutOrStdout(), handler.NewEvaluateResponse(ctx, out))
}

func runImport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	cfg := config.FromViper(viperForCmd(cmd))
	ctx := context.Background()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return importCatalogs(ctx, db, cfg.Catalogs)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	cfg := config.FromViper(v)
	ctx := context.Background()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := db.ExportAnswers(ctx, v.GetString("exam-id"))
	if err != nil {
		return fmt.Errorf("export answers: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := writeIndented(w, export); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("exported answers", "count", export.NumAnswers, "graded", export.NumGraded, "output", outPath)
	return nil
}

func writeIndented(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	// Ensure trailing newline.
	_, err = fmt.Fprintln(w)
	return err
}
