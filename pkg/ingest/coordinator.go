// Package ingest runs the document pipeline: extract, chunk, embed,
// persist. A fixed worker pool processes submitted documents in the
// background so webhook and upload handlers can acknowledge immediately.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/xhad/ragbot/internal/models"
	"github.com/xhad/ragbot/pkg/extractor"
	"github.com/xhad/ragbot/pkg/processor"
	"github.com/xhad/ragbot/pkg/store"
)

// Embedder turns one chunk of text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Notifier delivers processing outcomes back to the customer who sent
// the document. Optional; a nil Notifier disables notifications.
type Notifier interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// Store is the slice of persistence the pipeline touches.
type Store interface {
	store.DocumentStore
	store.ChunkStore
	store.ConversationStore
}

type Config struct {
	Store    Store
	Embedder Embedder
	Chunker  *processor.Processor
	Notifier Notifier
	Workers  int
	Logger   *slog.Logger

	// Extract overrides text extraction, mainly for tests.
	Extract func(path, contentType string) (string, error)
}

// Coordinator owns the worker pool. Submit hands a document id to the
// pool; Close drains it.
type Coordinator struct {
	config Config
	logger *slog.Logger
	jobs   chan string
	wg     sync.WaitGroup
	once   sync.Once
}

func NewCoordinator(config Config) (*Coordinator, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if config.Chunker == nil {
		chunker := processor.NewWithConfig(processor.ProcessorConfig{})
		config.Chunker = &chunker
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Extract == nil {
		config.Extract = extractor.Extract
	}

	c := &Coordinator{
		config: config,
		logger: config.Logger.With("component", "ingest"),
		jobs:   make(chan string, config.Workers*16),
	}
	for i := 0; i < config.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c, nil
}

// Submit queues a document for processing without blocking the caller.
// It reports false when the queue is full.
func (c *Coordinator) Submit(docID string) bool {
	select {
	case c.jobs <- docID:
		return true
	default:
		c.logger.Warn("ingest queue full, document not scheduled", "document_id", docID)
		return false
	}
}

// Close stops accepting work and waits for in-flight documents.
func (c *Coordinator) Close() {
	c.once.Do(func() { close(c.jobs) })
	c.wg.Wait()
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for docID := range c.jobs {
		c.process(context.Background(), docID)
	}
}

func (c *Coordinator) process(ctx context.Context, docID string) {
	log := c.logger.With("document_id", docID)

	doc, err := c.config.Store.GetDocument(ctx, docID)
	if err != nil {
		log.Error("failed to load document", "error", err)
		return
	}

	// The in-processing state is persisted before extraction starts so a
	// crash mid-pipeline leaves a visible stuck document, not a silent one.
	if err := doc.AdvanceTo(models.DocInProcessing); err != nil {
		log.Warn("document not processable", "state", doc.State, "error", err)
		return
	}
	if err := c.config.Store.SaveDocument(ctx, doc); err != nil {
		log.Error("failed to persist in-processing state", "error", err)
		return
	}

	text, err := c.config.Extract(doc.StoragePath, doc.ContentType)
	if err != nil {
		if errors.Is(err, extractor.ErrUnsupportedFormat) {
			log.Warn("unsupported document format", "content_type", doc.ContentType)
			c.finish(ctx, doc, models.DocUnsupported)
			return
		}
		log.Error("text extraction failed", "error", err)
		c.finish(ctx, doc, models.DocError)
		return
	}

	pieces := c.config.Chunker.Chunk(text)
	chunks := make([]*models.Chunk, 0, len(pieces))
	failed := 0
	for i, piece := range pieces {
		chunk := &models.Chunk{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			Ordinal:    i,
			Text:       piece,
		}
		embedding, err := c.config.Embedder.Embed(ctx, piece)
		if err != nil {
			// The chunk is kept without a vector; it stays out of retrieval.
			failed++
			log.Error("embedding failed for chunk", "ordinal", i, "error", err)
		} else {
			chunk.Embedding = embedding
		}
		chunks = append(chunks, chunk)
	}

	if len(chunks) > 0 {
		if err := c.config.Store.SaveChunks(ctx, chunks); err != nil {
			log.Error("failed to persist chunks", "error", err)
			c.finish(ctx, doc, models.DocError)
			return
		}
	}

	if failed > 0 {
		log.Warn("document completed with embedding failures", "failed", failed, "total", len(chunks))
		c.finish(ctx, doc, models.DocError)
		return
	}

	log.Info("document processed", "chunks", len(chunks))
	c.finish(ctx, doc, models.DocCompleted)
}

// finish records the terminal state and, when the document arrived over a
// conversation, tells the sender how it went.
func (c *Coordinator) finish(ctx context.Context, doc *models.Document, state models.DocumentState) {
	log := c.logger.With("document_id", doc.ID)

	if err := doc.AdvanceTo(state); err != nil {
		log.Error("invalid terminal transition", "error", err)
		return
	}
	if err := c.config.Store.SaveDocument(ctx, doc); err != nil {
		log.Error("failed to persist terminal state", "error", err)
		return
	}

	if c.config.Notifier == nil || doc.SourceConversationID == "" {
		return
	}
	conv, err := c.config.Store.GetConversation(ctx, doc.SourceConversationID)
	if err != nil {
		log.Error("failed to load source conversation", "error", err)
		return
	}

	var body string
	switch state {
	case models.DocCompleted:
		body = fmt.Sprintf("Your document %q has been processed. You can now ask questions about it.", doc.Title)
	case models.DocUnsupported:
		body = fmt.Sprintf("The format of %q is not supported. Please send a PDF or a plain text file.", doc.Title)
	default:
		body = fmt.Sprintf("Something went wrong while processing %q. Please try sending it again.", doc.Title)
	}
	if _, err := c.config.Notifier.Send(ctx, conv.CustomerPhone, body); err != nil {
		log.Error("failed to notify sender", "error", err)
	}
}
