// Package intake turns inbound WhatsApp traffic into conversations,
// stored documents and answered questions. It is the orchestration layer
// between the webhook, the stores and the language model.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xhad/ragbot/internal/models"
	"github.com/xhad/ragbot/pkg/messaging"
	"github.com/xhad/ragbot/pkg/prompt"
	"github.com/xhad/ragbot/pkg/store"
)

// Apology is sent when every answering strategy failed. It is never
// persisted as a conversation message.
const Apology = "I'm sorry, something went wrong on our side. Please try again in a few minutes."

// Embedder vectorizes the customer's question for retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator produces the model's reply for a composed prompt.
type Generator interface {
	Generate(ctx context.Context, text string) (string, error)
}

// Searcher ranks stored chunks against the question embedding.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, orgID string, k int) ([]store.ScoredChunk, error)
}

// Submitter schedules a stored document for ingestion.
type Submitter interface {
	Submit(docID string) bool
}

// Store is the persistence slice intake needs.
type Store interface {
	store.DocumentStore
	store.ConversationStore
	store.MessageStore
	store.OrganizationStore
}

type Config struct {
	Store     Store
	Embedder  Embedder
	Generator Generator
	Searcher  Searcher
	Messenger messaging.Messenger
	Submitter Submitter
	Logger    *slog.Logger

	UploadDir string
	// TopK bounds how many chunks ground an answer.
	TopK int
	// ContextTurns bounds how much prior conversation is replayed.
	ContextTurns int
	// SingleTenant routes unmatched numbers to the first organization
	// instead of dropping them. Off by default.
	SingleTenant bool
}

// Service handles one inbound message end to end. HandleInbound never
// returns an error: every failure path degrades to an apology or a log
// line, because the webhook must always acknowledge.
type Service struct {
	config Config
	logger *slog.Logger

	// One mutex per (organization, customer) pair serializes the
	// find-or-create conversation step. Entries are reference counted
	// and dropped when the last holder releases.
	lockMu sync.Mutex
	locks  map[string]*pairLock
}

func NewService(config Config) (*Service, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if config.Messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if config.UploadDir == "" {
		config.UploadDir = "uploads"
	}
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.ContextTurns <= 0 {
		config.ContextTurns = prompt.MaxTurns
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Service{
		config: config,
		logger: config.Logger.With("component", "intake"),
		locks:  make(map[string]*pairLock),
	}, nil
}

// Attachment is one media item of an inbound message.
type Attachment struct {
	URL         string
	ContentType string
	Filename    string
}

// Inbound is a webhook message after transport decoding.
type Inbound struct {
	From        string // customer number, with or without the whatsapp: prefix
	To          string // organization number the message arrived on
	Body        string
	Attachments []Attachment
}

// HandleInbound processes one customer message: resolve the organization,
// find or create the conversation, then route to a command, the document
// path or the question path.
func (s *Service) HandleInbound(ctx context.Context, in Inbound) {
	from := strings.TrimPrefix(in.From, "whatsapp:")
	to := strings.TrimPrefix(in.To, "whatsapp:")
	log := s.logger.With("from", from, "to", to)

	// The transport contract is "always acknowledge": even a panic deep
	// in the handling chain must not reach the webhook. The apology goes
	// out directly, skipping persistence.
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while handling inbound message", "panic", r)
			s.dispatch(ctx, from, Apology)
		}
	}()

	org, err := s.resolveOrganization(ctx, to)
	if err != nil {
		log.Error("failed to resolve organization", "error", err)
		return
	}
	if org == nil {
		log.Warn("no organization matches the receiving number, message dropped")
		return
	}

	unlock := s.lockPair(org.ID, from)
	defer unlock()

	conv, err := s.findOrCreateConversation(ctx, org.ID, from)
	if err != nil {
		log.Error("failed to open conversation", "error", err)
		s.dispatch(ctx, from, Apology)
		return
	}
	log = log.With("conversation_id", conv.ID)

	// Commands short-circuit before anything is persisted.
	if reply, ok := s.runCommand(ctx, org, strings.TrimSpace(in.Body)); ok {
		s.dispatch(ctx, from, reply)
		return
	}

	// Prior turns are read before the inbound message is stored, so the
	// question being answered never appears in its own context window.
	turns := s.recentTurns(ctx, conv.ID)

	docIDs := s.handleAttachments(ctx, log, org, conv, from, in.Attachments)

	body := strings.TrimSpace(in.Body)
	inMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		FromCustomer:   true,
		Content:        body,
		SentAt:         time.Now(),
		DocumentRefs:   docIDs,
	}
	if err := s.config.Store.SaveMessage(ctx, inMsg); err != nil {
		log.Error("failed to persist inbound message", "error", err)
	}

	if body == "" {
		return
	}

	reply, refs, err := s.answer(ctx, org, body, turns)
	if err != nil {
		log.Error("all answering strategies failed", "error", err)
		s.dispatch(ctx, from, Apology)
		return
	}

	sid := s.dispatch(ctx, from, reply)
	out := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		FromCustomer:   false,
		Content:        reply,
		SentAt:         time.Now(),
		ProviderSID:    sid,
		DocumentRefs:   refs,
	}
	if err := s.config.Store.SaveMessage(ctx, out); err != nil {
		log.Error("failed to persist reply", "error", err)
	}
}

// resolveOrganization maps the receiving number to an organization. An
// empty store bootstraps a default organization bound to that number.
func (s *Service) resolveOrganization(ctx context.Context, number string) (*models.Organization, error) {
	org, err := s.config.Store.FindOrganizationByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if org != nil {
		return org, nil
	}

	orgs, err := s.config.Store.ListOrganizations(ctx)
	if err != nil {
		return nil, err
	}
	if len(orgs) == 0 {
		org = &models.Organization{
			ID:             uuid.NewString(),
			Name:           "Default",
			WhatsAppNumber: number,
			CreatedAt:      time.Now(),
		}
		if err := s.config.Store.SaveOrganization(ctx, org); err != nil {
			return nil, err
		}
		s.logger.Info("bootstrapped default organization", "organization_id", org.ID, "number", number)
		return org, nil
	}

	if s.config.SingleTenant {
		return orgs[0], nil
	}
	return nil, nil
}

func (s *Service) findOrCreateConversation(ctx context.Context, orgID, customer string) (*models.Conversation, error) {
	conv, err := s.config.Store.FindActiveConversation(ctx, orgID, customer)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	conv = &models.Conversation{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		CustomerPhone:  customer,
		State:          models.ConvActive,
		StartedAt:      time.Now(),
	}
	if err := s.config.Store.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Service) recentTurns(ctx context.Context, convID string) []prompt.Turn {
	msgs, err := s.config.Store.RecentMessages(ctx, convID, s.config.ContextTurns)
	if err != nil {
		s.logger.Error("failed to load conversation context", "conversation_id", convID, "error", err)
		return nil
	}

	turns := make([]prompt.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		turns = append(turns, prompt.Turn{FromCustomer: m.FromCustomer, Content: m.Content})
	}
	return turns
}

// handleAttachments stores each media item, registers it as a document
// and schedules ingestion. It returns the created document ids.
func (s *Service) handleAttachments(ctx context.Context, log *slog.Logger, org *models.Organization, conv *models.Conversation, from string, attachments []Attachment) []string {
	var docIDs []string
	for _, att := range attachments {
		docID, title, submitted, err := s.storeAttachment(ctx, org, conv, att)
		if err != nil {
			log.Error("failed to store attachment", "url", att.URL, "error", err)
			s.dispatch(ctx, from, "We could not receive your document. Please try sending it again.")
			continue
		}
		docIDs = append(docIDs, docID)
		if !submitted {
			// The document is stored but nothing will pick it up; the
			// customer must not be left waiting for a ready message.
			log.Warn("ingestion queue rejected document", "document_id", docID)
			s.dispatch(ctx, from, fmt.Sprintf("We received %q but could not start processing it right now. Please send it again in a few minutes.", title))
			continue
		}
		s.dispatch(ctx, from, fmt.Sprintf("We received %q and are processing it. You will get a message when it is ready.", title))
	}
	return docIDs
}

func (s *Service) storeAttachment(ctx context.Context, org *models.Organization, conv *models.Conversation, att Attachment) (docID, title string, submitted bool, err error) {
	data, err := s.config.Messenger.FetchAttachment(ctx, att.URL)
	if err != nil {
		return "", "", false, fmt.Errorf("failed to download media: %w", err)
	}

	if err := os.MkdirAll(s.config.UploadDir, 0o755); err != nil {
		return "", "", false, fmt.Errorf("failed to create upload dir: %w", err)
	}
	filename := messaging.AttachmentFilename(att.Filename, att.ContentType)
	path := filepath.Join(s.config.UploadDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", false, fmt.Errorf("failed to write attachment: %w", err)
	}

	title = strings.TrimSpace(att.Filename)
	if title == "" {
		title = filename
	}

	doc := &models.Document{
		ID:                   uuid.NewString(),
		OrganizationID:       org.ID,
		Title:                title,
		StoragePath:          path,
		ContentType:          att.ContentType,
		State:                models.DocReceived,
		UploadedAt:           time.Now(),
		SourceConversationID: conv.ID,
		Source:               "whatsapp",
		OriginalFilename:     att.Filename,
		FileSize:             int64(len(data)),
	}
	if err := s.config.Store.SaveDocument(ctx, doc); err != nil {
		return "", "", false, fmt.Errorf("failed to register document: %w", err)
	}

	submitted = true
	if s.config.Submitter != nil {
		submitted = s.config.Submitter.Submit(doc.ID)
	}
	return doc.ID, title, submitted, nil
}

// answer runs the retrieval-grounded path and falls back to a direct
// prompt when retrieval is unavailable. The returned refs are the ids of
// the documents that grounded the reply.
func (s *Service) answer(ctx context.Context, org *models.Organization, question string, turns []prompt.Turn) (string, []string, error) {
	grounded, refs, err := s.groundedPrompt(ctx, org, question, turns)
	if err == nil {
		reply, genErr := s.config.Generator.Generate(ctx, grounded)
		if genErr == nil {
			return reply, refs, nil
		}
		err = genErr
	}
	s.logger.Warn("grounded answer failed, falling back to direct prompt", "error", err)

	reply, err := s.config.Generator.Generate(ctx, prompt.Direct(org.Name, org.ToneOfVoice, question))
	if err != nil {
		return "", nil, err
	}
	return reply, nil, nil
}

func (s *Service) groundedPrompt(ctx context.Context, org *models.Organization, question string, turns []prompt.Turn) (string, []string, error) {
	if s.config.Embedder == nil || s.config.Searcher == nil {
		return "", nil, fmt.Errorf("retrieval is not configured")
	}

	embedding, err := s.config.Embedder.Embed(ctx, question)
	if err != nil {
		return "", nil, fmt.Errorf("failed to embed question: %w", err)
	}
	scored, err := s.config.Searcher.Search(ctx, embedding, org.ID, s.config.TopK)
	if err != nil {
		return "", nil, fmt.Errorf("retrieval failed: %w", err)
	}

	excerpts := make([]prompt.Excerpt, 0, len(scored))
	var refs []string
	seen := make(map[string]bool)
	for _, sc := range scored {
		excerpts = append(excerpts, prompt.Excerpt{DocumentTitle: sc.DocumentTitle, Text: sc.Text})
		if !seen[sc.DocumentID] {
			seen[sc.DocumentID] = true
			refs = append(refs, sc.DocumentID)
		}
	}

	return prompt.Compose(prompt.ComposeInput{
		OrganizationName: org.Name,
		Tone:             org.ToneOfVoice,
		Query:            question,
		Excerpts:         excerpts,
		RecentTurns:      turns,
	}), refs, nil
}

// dispatch sends a message and returns the provider sid, logging instead
// of failing when the provider rejects it.
func (s *Service) dispatch(ctx context.Context, to, body string) string {
	sid, err := s.config.Messenger.Send(ctx, to, body)
	if err != nil {
		s.logger.Error("failed to send message", "to", to, "error", err)
		return ""
	}
	return sid
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// lockPair serializes handling for one (organization, customer) pair and
// returns the release function. The entry is removed once the last
// holder releases, so the lock table stays bounded by in-flight traffic
// instead of growing for the process lifetime.
func (s *Service) lockPair(orgID, customer string) func() {
	key := orgID + "|" + customer

	s.lockMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &pairLock{}
		s.locks[key] = l
	}
	l.refs++
	s.lockMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.lockMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.lockMu.Unlock()
	}
}
