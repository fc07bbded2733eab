package models

import (
	"fmt"
	"time"
)

// DocumentState is the processing lifecycle of an ingested document.
type DocumentState string

const (
	DocReceived     DocumentState = "received"
	DocInProcessing DocumentState = "in-processing"
	DocCompleted    DocumentState = "completed"
	DocError        DocumentState = "error"
	DocUnsupported  DocumentState = "unsupported-format"
)

// stateRank orders document states. Transitions may only increase rank,
// so a terminal state can never be reopened.
var stateRank = map[DocumentState]int{
	DocReceived:     0,
	DocInProcessing: 1,
	DocCompleted:    2,
	DocError:        2,
	DocUnsupported:  2,
}

type Document struct {
	ID             string
	OrganizationID string
	Title          string
	StoragePath    string
	ContentType    string
	State          DocumentState
	UploadedAt     time.Time

	// Closed set of metadata fields instead of a free-form map.
	SourceConversationID string
	Source               string // "upload" or "whatsapp"
	OriginalFilename     string
	FileSize             int64
}

// AdvanceTo moves the document to the next lifecycle state. It rejects
// backwards transitions and transitions out of a terminal state.
func (d *Document) AdvanceTo(next DocumentState) error {
	cur, ok := stateRank[d.State]
	if !ok {
		return fmt.Errorf("document %s has unknown state %q", d.ID, d.State)
	}
	nxt, ok := stateRank[next]
	if !ok {
		return fmt.Errorf("unknown document state %q", next)
	}
	if nxt <= cur {
		return fmt.Errorf("cannot move document %s from %q to %q", d.ID, d.State, next)
	}
	d.State = next
	return nil
}

// Terminal reports whether the document reached a final state.
func (d *Document) Terminal() bool {
	return stateRank[d.State] == 2
}

// Chunk is a bounded slice of a document's extracted text. Ordinal is the
// 0-based position within the document; concatenating chunks in ordinal
// order reconstructs the source text. Embedding is nil until the embedding
// call for this chunk succeeded.
type Chunk struct {
	ID         string
	DocumentID string
	Ordinal    int
	Text       string
	Embedding  []float32
}

type ConversationState string

const (
	ConvActive ConversationState = "active"
	ConvClosed ConversationState = "closed"
)

// Conversation is the running exchange with one customer. At most one
// active conversation exists per (organization, customer) pair; the intake
// service enforces this through its locked find-or-create step.
type Conversation struct {
	ID             string
	OrganizationID string
	CustomerPhone  string
	State          ConversationState
	StartedAt      time.Time
	EndedAt        time.Time
	Context        map[string]string
}

type Message struct {
	ID             string
	ConversationID string
	FromCustomer   bool
	Content        string
	SentAt         time.Time
	Processed      bool
	ProviderSID    string
	DocumentRefs   []string
}

type Organization struct {
	ID             string
	Name           string
	WhatsAppNumber string
	ToneOfVoice    string
	CreatedAt      time.Time
}
