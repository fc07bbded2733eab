// Command ragbot runs the WhatsApp assistant: webhook server, document
// ingestion pipeline and retrieval-grounded answering.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/xhad/ragbot/pkg/config"
	"github.com/xhad/ragbot/pkg/ingest"
	"github.com/xhad/ragbot/pkg/intake"
	"github.com/xhad/ragbot/pkg/llm"
	"github.com/xhad/ragbot/pkg/messaging"
	"github.com/xhad/ragbot/pkg/processor"
	"github.com/xhad/ragbot/pkg/retriever"
	"github.com/xhad/ragbot/pkg/store"
	"github.com/xhad/ragbot/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			logger.Error("invalid configuration", "field", e.Field, "message", e.Message)
		}
		return fmt.Errorf("configuration has %d error(s)", len(errs))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	var searcher intake.Searcher
	switch cfg.Database.Driver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			ConnString: cfg.Database.URL,
			VectorDim:  cfg.Database.VectorDim,
		})
		if err != nil {
			return err
		}
		st = pg
		searcher = pg
	default:
		mem := store.NewMemory()
		st = mem
		searcher = retriever.NewEngine(mem)
	}
	defer st.Close()

	embedder, err := llm.NewEmbedder(llm.EmbedderConfig{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.EmbeddingModel,
		MaxRetries: cfg.LLM.MaxRetries,
	})
	if err != nil {
		return err
	}
	generator, err := llm.NewGenerator(llm.GeneratorConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		MaxRetries:  cfg.LLM.MaxRetries,
	})
	if err != nil {
		return err
	}

	messenger, err := messaging.NewTwilioClient(messaging.TwilioConfig{
		AccountSID: cfg.Messaging.AccountSID,
		AuthToken:  cfg.Messaging.AuthToken,
		Number:     cfg.Messaging.Number,
		BaseURL:    cfg.Messaging.BaseURL,
		RateLimit:  cfg.Messaging.RateLimit,
	})
	if err != nil {
		return err
	}

	chunker := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize: cfg.Processor.ChunkSize,
	})
	coordinator, err := ingest.NewCoordinator(ingest.Config{
		Store:    st,
		Embedder: embedder,
		Chunker:  &chunker,
		Notifier: messenger,
		Workers:  cfg.Ingest.Workers,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer coordinator.Close()

	service, err := intake.NewService(intake.Config{
		Store:        st,
		Embedder:     embedder,
		Generator:    generator,
		Searcher:     searcher,
		Messenger:    messenger,
		Submitter:    coordinator,
		Logger:       logger,
		UploadDir:    cfg.Server.UploadDir,
		TopK:         cfg.Retrieval.TopK,
		ContextTurns: cfg.Retrieval.ContextTurns,
		SingleTenant: cfg.Messaging.SingleTenant,
	})
	if err != nil {
		return err
	}

	port, err := strconv.Atoi(cfg.Server.Port)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", cfg.Server.Port, err)
	}
	srv, err := server.New(server.Config{
		Port:      port,
		UploadDir: cfg.Server.UploadDir,
		Handler:   service,
		Store:     st,
		Submitter: coordinator,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
