// Command ragload bulk-loads a directory of documents into the knowledge
// base, running the full extract-chunk-embed pipeline and reporting
// per-document outcomes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/xhad/ragbot/internal/models"
	"github.com/xhad/ragbot/pkg/config"
	"github.com/xhad/ragbot/pkg/ingest"
	"github.com/xhad/ragbot/pkg/llm"
	"github.com/xhad/ragbot/pkg/processor"
	"github.com/xhad/ragbot/pkg/store"
)

var contentTypes = map[string]string{
	".pdf": "application/pdf",
	".txt": "text/plain",
	".md":  "text/plain",
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	dir := flag.String("dir", ".", "directory to load documents from")
	orgID := flag.String("org", "", "organization id to attach documents to")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall processing deadline")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if err := run(*configPath, *dir, *orgID, *timeout, logger); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func run(configPath, dir, orgID string, timeout time.Duration, logger *slog.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if orgID == "" {
		return fmt.Errorf("-org is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var st store.Store
	if cfg.Database.Driver == "postgres" {
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			ConnString: cfg.Database.URL,
			VectorDim:  cfg.Database.VectorDim,
		})
		if err != nil {
			return err
		}
		st = pg
	} else {
		return fmt.Errorf("bulk loading needs the postgres driver, the memory store does not outlive the process")
	}
	defer st.Close()

	if _, err := st.GetOrganization(ctx, orgID); err != nil {
		return fmt.Errorf("organization %s not found: %w", orgID, err)
	}

	embedder, err := llm.NewEmbedder(llm.EmbedderConfig{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.EmbeddingModel,
		MaxRetries: cfg.LLM.MaxRetries,
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
		Workers:  cfg.Ingest.Workers,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer coordinator.Close()

	docIDs, err := registerFiles(ctx, st, coordinator, dir, orgID)
	if err != nil {
		return err
	}
	if len(docIDs) == 0 {
		color.Yellow("no loadable documents found in %s", dir)
		return nil
	}

	return report(ctx, st, docIDs)
}

// registerFiles walks dir, registers every supported file as a received
// document and submits it for processing.
func registerFiles(ctx context.Context, st store.Store, coordinator *ingest.Coordinator, dir, orgID string) ([]string, error) {
	var docIDs []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ct, ok := contentTypes[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		doc := &models.Document{
			ID:               uuid.NewString(),
			OrganizationID:   orgID,
			Title:            d.Name(),
			StoragePath:      path,
			ContentType:      ct,
			State:            models.DocReceived,
			UploadedAt:       time.Now(),
			Source:           "upload",
			OriginalFilename: d.Name(),
			FileSize:         info.Size(),
		}
		if err := st.SaveDocument(ctx, doc); err != nil {
			return err
		}
		if !coordinator.Submit(doc.ID) {
			return fmt.Errorf("ingestion queue rejected %s", path)
		}
		docIDs = append(docIDs, doc.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docIDs, nil
}

// report polls the documents until every one reaches a terminal state,
// then prints the outcome breakdown.
func report(ctx context.Context, st store.Store, docIDs []string) error {
	bar := progressbar.NewOptions(len(docIDs),
		progressbar.OptionSetDescription("processing"),
		progressbar.OptionShowCount(),
	)

	done := make(map[string]models.DocumentState, len(docIDs))
	for len(done) < len(docIDs) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting, %d of %d documents still pending", len(docIDs)-len(done), len(docIDs))
		case <-time.After(500 * time.Millisecond):
		}

		for _, id := range docIDs {
			if _, ok := done[id]; ok {
				continue
			}
			doc, err := st.GetDocument(ctx, id)
			if err != nil {
				return err
			}
			if doc.Terminal() {
				done[id] = doc.State
				bar.Add(1)
			}
		}
	}
	fmt.Println()

	var completed, unsupported, failed int
	for _, state := range done {
		switch state {
		case models.DocCompleted:
			completed++
		case models.DocUnsupported:
			unsupported++
		default:
			failed++
		}
	}

	color.Green("completed:   %d", completed)
	if unsupported > 0 {
		color.Yellow("unsupported: %d", unsupported)
	}
	if failed > 0 {
		color.Red("failed:      %d", failed)
		return fmt.Errorf("%d document(s) failed processing", failed)
	}
	return nil
}
