package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/answergrader/internal/blob"
	"github.com/pavelanni/answergrader/internal/config"
	"github.com/pavelanni/answergrader/internal/evaluation"
	"github.com/pavelanni/answergrader/internal/handler"
	appI18n "github.com/pavelanni/answergrader/internal/i18n"
	"github.com/pavelanni/answergrader/internal/llm"
	"github.com/pavelanni/answergrader/internal/queue"
	"github.com/pavelanni/answergrader/internal/store"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP evaluation server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "en", "Default response language (en, ru)")
	f.StringSlice("cors-origins", []string{"*"}, "Allowed CORS origins")
	f.String("api-key-hash", "", "bcrypt hash of the API key guarding evaluate and read routes (see hash-key)")
	f.StringSliceP("catalog", "c", nil, "Catalog JSON files to import on start (repeatable)")
	f.Int("workers", 4, "Concurrent evaluation workers")
	f.Int("queue-size", 256, "Pending evaluation jobs held in memory")
	f.Bool("requeue-pending", true, "Queue unevaluated answers on start")
	addStoreFlags(f)
	addLLMFlags(f)
	addLogFlags(f)
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	cfg := config.FromViper(viperForCmd(cmd))
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := importCatalogs(ctx, db, cfg.Catalogs); err != nil {
		return fmt.Errorf("import catalogs: %w", err)
	}

	if err := appI18n.Init(cfg.Lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	svc, err := newService(ctx, db, cfg)
	if err != nil {
		return err
	}

	// Jobs run to completion on shutdown; the model call has its own timeout.
	q := queue.New(cfg.QueueSize, cfg.Workers, func(ctx context.Context, answerID string) error {
		_, err := svc.Evaluate(context.WithoutCancel(ctx), answerID)
		return err
	})
	if cfg.RequeuePending {
		if err := requeuePending(ctx, db, q, cfg.ClaimTTL); err != nil {
			slog.Warn("pending sweep failed", "error", err)
		}
	}

	h := handler.New(svc, db, q, handler.Options{
		CORSOrigins: cfg.CORSOrigins,
		APIKeyHash:  cfg.APIKeyHash,
	})
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	h.Routes(r)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error {
		slog.Info("starting server",
			"addr", cfg.Addr,
			"db_driver", cfg.DBDriver,
			"model", cfg.LLM.Model,
			"prompt_variant", cfg.LLM.PromptVariant,
			"lang", cfg.Lang,
			"workers", cfg.Workers,
			"api_key_required", cfg.APIKeyHash != "",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newService wires the model client, image resolver and store into an evaluation service.
// Missing credentials are not fatal: evaluations then degrade to fallback results.
func newService(ctx context.Context, db *store.Store, cfg config.Config) (*evaluation.Service, error) {
	client, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}
	if client.Configured() {
		if err := client.Ping(ctx); err != nil {
			slog.Warn("LLM health check failed", "url", cfg.LLM.BaseURL, "error", err)
		} else {
			slog.Info("LLM endpoint OK", "url", cfg.LLM.BaseURL, "model", client.Model())
		}
	} else {
		slog.Warn("no LLM API key configured, evaluations will use fallback results")
	}

	images := blob.NewResolver(cfg.BlobBaseURL, cfg.BlobDir)
	return evaluation.NewService(db, images, client, cfg.ClaimTTL), nil
}

// requeuePending enqueues answers that have no result and no live claim.
func requeuePending(ctx context.Context, db *store.Store, q *queue.Queue, ttl time.Duration) error {
	ids, err := db.ListPendingAnswerIDs(ctx, ttl, 0)
	if err != nil {
		return err
	}
	queued := 0
	for _, id := range ids {
		if err := q.Enqueue(id); err != nil {
			slog.Warn("pending sweep stopped early", "queued", queued, "pending", len(ids), "error", err)
			return nil
		}
		queued++
	}
	if queued > 0 {
		slog.Info("queued pending answers", "count", queued)
	}
	return nil
}
