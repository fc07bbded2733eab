package store

import (
	"context"
	"errors"

	"github.com/xhad/ragbot/internal/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ChunkWithTitle pairs a chunk with its document's title, which the
// prompt composer needs for source labels.
type ChunkWithTitle struct {
	models.Chunk
	DocumentTitle string
}

// ScoredChunk is a retrieval result with its similarity score.
type ScoredChunk struct {
	ChunkWithTitle
	Score float32
}

type DocumentStore interface {
	SaveDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	// ListDocuments returns an organization's documents in upload order.
	// With completedOnly set, only documents in the completed state.
	ListDocuments(ctx context.Context, orgID string, completedOnly bool) ([]*models.Document, error)
}

type ChunkStore interface {
	// SaveChunks persists a document's chunks in one batch. Chunks are
	// immutable after this call.
	SaveChunks(ctx context.Context, chunks []*models.Chunk) error
	// EligibleChunks returns the embedded chunks of the organization's
	// completed documents, in (document, ordinal) order. Chunks of
	// in-progress or failed documents never appear here.
	EligibleChunks(ctx context.Context, orgID string) ([]ChunkWithTitle, error)
}

type ConversationStore interface {
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// FindActiveConversation returns the customer's most recent active
	// conversation for the organization, or nil when there is none.
	FindActiveConversation(ctx context.Context, orgID, customerPhone string) (*models.Conversation, error)
}

type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	// RecentMessages returns the last limit messages of a conversation in
	// ascending send-time order.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
}

type OrganizationStore interface {
	SaveOrganization(ctx context.Context, org *models.Organization) error
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	// FindOrganizationByNumber matches an organization by its messaging
	// address, or nil when none claims it.
	FindOrganizationByNumber(ctx context.Context, number string) (*models.Organization, error)
	ListOrganizations(ctx context.Context) ([]*models.Organization, error)
}

// Store is the full persistence surface of the service.
type Store interface {
	DocumentStore
	ChunkStore
	ConversationStore
	MessageStore
	OrganizationStore
	Close()
}
