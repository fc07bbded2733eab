package intake_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/ragbot/internal/models"
	"github.com/xhad/ragbot/pkg/intake"
	"github.com/xhad/ragbot/pkg/retriever"
	"github.com/xhad/ragbot/pkg/store"
)

type fakeMessenger struct {
	mu    sync.Mutex
	sent  []sentMsg
	media map[string][]byte
}

type sentMsg struct {
	to, body string
}

func (f *fakeMessenger) Send(ctx context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{to: to, body: body})
	return fmt.Sprintf("SM%d", len(f.sent)), nil
}

func (f *fakeMessenger) FetchAttachment(ctx context.Context, mediaURL string) ([]byte, error) {
	data, ok := f.media[mediaURL]
	if !ok {
		return nil, errors.New("media not found")
	}
	return data, nil
}

func (f *fakeMessenger) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	fail    bool
	reply   string
}

func (f *fakeGenerator) Generate(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, text)
	if f.fail {
		return "", errors.New("model unavailable")
	}
	if f.reply != "" {
		return f.reply, nil
	}
	return "generated answer", nil
}

func (f *fakeGenerator) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

type fakeEmbedder struct{ fail bool }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, errors.New("embedding unavailable")
	}
	return []float32{1, 0}, nil
}

type fakeSubmitter struct {
	mu     sync.Mutex
	ids    []string
	reject bool
}

func (f *fakeSubmitter) Submit(docID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.ids = append(f.ids, docID)
	return true
}

type panickingGenerator struct{}

func (panickingGenerator) Generate(ctx context.Context, text string) (string, error) {
	panic("nil map write")
}

type fixture struct {
	store     *store.Memory
	messenger *fakeMessenger
	generator *fakeGenerator
	submitter *fakeSubmitter
	service   *intake.Service
}

func newFixture(t *testing.T, mutate func(*intake.Config)) *fixture {
	t.Helper()

	f := &fixture{
		store:     store.NewMemory(),
		messenger: &fakeMessenger{media: map[string][]byte{}},
		generator: &fakeGenerator{},
		submitter: &fakeSubmitter{},
	}

	config := intake.Config{
		Store:     f.store,
		Embedder:  &fakeEmbedder{},
		Generator: f.generator,
		Searcher:  retriever.NewEngine(f.store),
		Messenger: f.messenger,
		Submitter: f.submitter,
		UploadDir: t.TempDir(),
	}
	if mutate != nil {
		mutate(&config)
	}

	svc, err := intake.NewService(config)
	require.NoError(t, err)
	f.service = svc
	return f
}

func (f *fixture) seedOrg(t *testing.T) *models.Organization {
	t.Helper()
	org := &models.Organization{
		ID: "org-1", Name: "Acme", WhatsAppNumber: "+15550001111",
	}
	require.NoError(t, f.store.SaveOrganization(context.Background(), org))
	return org
}

func TestCommandRepliesWithoutPersisting(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOrg(t)
	ctx := context.Background()

	f.service.HandleInbound(ctx, intake.Inbound{
		From: "whatsapp:+39333", To: "whatsapp:+15550001111", Body: "/aiuto",
	})

	msgs := f.messenger.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "+39333", msgs[0].to)
	assert.Contains(t, msgs[0].body, "/documents")

	// The command created a conversation but stored no messages in it.
	conv, err := f.store.FindActiveConversation(ctx, "org-1", "+39333")
	require.NoError(t, err)
	require.NotNil(t, conv)
	stored, err := f.store.RecentMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, f.generator.seen())
}

func TestDocumentsCommandListsWithPendingMarker(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOrg(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveDocument(ctx, &models.Document{
		ID: "d1", OrganizationID: "org-1", Title: "Price list", State: models.DocCompleted,
	}))
	require.NoError(t, f.store.SaveDocument(ctx, &models.Document{
		ID: "d2", OrganizationID: "org-1", Title: "Catalog", State: models.DocInProcessing,
	}))

	f.service.HandleInbound(ctx, intake.Inbound{
		From: "+39333", To: "+15550001111", Body: "/documents",
	})

	msgs := f.messenger.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].body, "1. Price list")
	assert.Contains(t, msgs[0].body, "2. Catalog ⏳")
}

func TestQuestionWithoutDocumentsStillAnswers(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOrg(t)
	ctx := context.Background()

	f.service.HandleInbound(ctx, intake.Inbound{
		From: "+39333", To: "+15550001111", Body: "Do you ship abroad?",
	})

	prompts := f.generator.seen()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "No relevant company documents were found")
	assert.Contains(t, prompts[0], "Do you ship abroad?")

	msgs := f.messenger.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "generated answer", msgs[0].body)

	conv, err := f.store.FindActiveConversation(ctx, "org-1", "+39333")
	require.NoError(t, err)
	stored, err := f.store.RecentMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.True(t, stored[0].FromCustomer)
	assert.False(t, stored[1].FromCustomer)
	assert.Equal(t, "generated answer", stored[1].Content)
	assert.NotEmpty(t, stored[1].ProviderSID)
}

func TestQuestionGroundedInDocuments(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOrg(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveDocument(ctx, &models.Document{
		ID: "d1", OrganizationID: "org-1", Title: "Shipping policy", State: models.DocCompleted,
	}))
	require.NoError(t, f.store.SaveChunks(ctx, []*models.Chunk{
		{ID: "c1", DocumentID: "d1", Ordinal: 0, Text: "We ship worldwide.", Embedding: []float32{1, 0}},
	}))

	f.service.HandleInbound(ctx, intake.Inbound{
		From: "+39333", To: "+15550001111", Body: "Do you ship abroad?",
	})

	prompts := f.generator.seen()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "--- DOCUMENT 1: Shipping policy ---")
	assert.Contains(t, prompts[0], "We ship worldwide.")

	conv, err := f.store.FindActiveConversation(ctx, "org-1", "+39333")
	require.NoError(t, err)
	stored, err := f.store.RecentMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, []string{"d1"}, stored[1].DocumentRefs)
}

func TestRetrievalFailureFallsBackToDirectPrompt(t *testing.T) {
	f := newFixture(t, func(c *intake.Config) {
		c.Embedder = &fakeEmbedder{fail: true}
	})
	f.seedOrg(t)

	f.service.HandleInbound(context.Background(), intake.Inbound{
		From: "+39333", To: "+15550001111", Body: "Do you ship abroad?",
	})

	prompts := f.generator.seen()
	require.Len(t, prompts, 1)
	assert.NotContains(t, prompts[0], "--- DOCUMENT")
	assert.NotContains(t, prompts[0], "No relevant company documents")
	assert.Contains(t, prompts[0], "Do you ship abroad?")

	msgs := f.messenger.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "generated answer", msgs[0].body)
}

func TestTotalFailureSendsApologyWithoutPersistingIt(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOrg(t)
	f.generator.fail = true
	ctx := context.Background()

	f.service.HandleInbound(ctx, intake.Inbound{
		From: "+39333", To: "+15550001111", Body: "Anyone there?",
	})

	msgs := f.messenger.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, intake.Apology, msgs[0].body)

	conv, err := f.store.FindActiveConversation(ctx, "org-1", "+39333")
	require.NoError(t, err)
	stored, err := f.store.RecentMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1, "only the customer's message is stored")
	assert.True(t, stored[0].FromCustomer)
}

func TestPanicInHandlingChainStillSendsApology(t *testing.T) {
	f := newFixture(t, func(c *intake.Config) {
		c.Generator = panickingGenerator{}
	})
	f.seedOrg(t)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		f.service.HandleInbound(ctx, intake.Inbound{
			From: "+39333", To: "+15550001111", Body: "Anyone there?",
		})
	})

	msgs := f.messenger.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, intake.Apology, msgs[0].body)

	// The apology bypasses persistence; only the inbound message is kept.
	conv, err := f.store.FindActiveConversation(ctx, "org-1", "+39333")
	require.NoError(t, err)
	require.NotNil(t, conv)
	stored, err := f.store.RecentMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].FromCustomer)
}

func TestRejectedIngestionSubmissionTellsCustomer(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOrg(t)
	f.submitter.reject = true
	f.messenger.media["https://media/ME1"] = []byte("%PDF-1.4 fake")
	ctx := context.Background()

	f.service.HandleInbound(ctx, intake.Inbound{
		From: "+39333", To: "+15550001111",
		Attachments: []intake.Attachment{{
			URL: "https://media/ME1", ContentType: "application/pdf", Filename: "catalog.pdf",
		}},
	})

	// The document exists but nothing will process it, and the customer
	// is told so instead of being promised a ready message.
	docs, err := f.store.ListDocuments(ctx, "org-1", false)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, models.DocReceived, docs[0].State)

	msgs := f.messenger.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].body, "could not start processing")
	assert.NotContains(t, msgs[0].body, "when it is ready")
}

func TestAttachmentCreatesDocumentAndSchedulesIngestion(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOrg(t)
	f.messenger.media["https://media/ME1"] = []byte("%PDF-1.4 fake")
	ctx := context.Background()

	f.service.HandleInbound(ctx, intake.Inbound{
		From: "+39333", To: "+15550001111",
		Attachments: []intake.Attachment{{
			URL: "https://media/ME1", ContentType: "application/pdf", Filename: "catalog.pdf",
		}},
	})

	docs, err := f.store.ListDocuments(ctx, "org-1", false)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	doc := docs[0]
	assert.Equal(t, "catalog.pdf", doc.Title)
	assert.Equal(t, models.DocReceived, doc.State)
	assert.Equal(t, "whatsapp", doc.Source)
	assert.Equal(t, int64(len("%PDF-1.4 fake")), doc.FileSize)
	assert.NotEmpty(t, doc.SourceConversationID)

	assert.Equal(t, []string{doc.ID}, f.submitter.ids)

	msgs := f.messenger.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].body, "catalog.pdf")

	// The inbound message records which documents it carried.
	stored, err := f.store.RecentMessages(ctx, doc.SourceConversationID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, []string{doc.ID}, stored[0].DocumentRefs)
}

func TestBootstrapsDefaultOrganizationWhenStoreIsEmpty(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.service.HandleInbound(ctx, intake.Inbound{
		From: "+39333", To: "+15550009999", Body: "hello",
	})

	orgs, err := f.store.ListOrganizations(ctx)
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, "+15550009999", orgs[0].WhatsAppNumber)
	assert.Len(t, f.messenger.messages(), 1)
}

func TestUnmatchedNumberIsDroppedWhenOrganizationsExist(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOrg(t)

	f.service.HandleInbound(context.Background(), intake.Inbound{
		From: "+39333", To: "+19990000000", Body: "hello",
	})

	assert.Empty(t, f.messenger.messages())
	assert.Empty(t, f.generator.seen())
}

func TestSingleTenantRoutesUnmatchedNumberToFirstOrganization(t *testing.T) {
	f := newFixture(t, func(c *intake.Config) { c.SingleTenant = true })
	f.seedOrg(t)
	ctx := context.Background()

	f.service.HandleInbound(ctx, intake.Inbound{
		From: "+39333", To: "+19990000000", Body: "hello",
	})

	conv, err := f.store.FindActiveConversation(ctx, "org-1", "+39333")
	require.NoError(t, err)
	assert.NotNil(t, conv)
}

func TestConcurrentMessagesShareOneConversation(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOrg(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			f.service.HandleInbound(ctx, intake.Inbound{
				From: "+39333", To: "+15550001111",
				Body: fmt.Sprintf("question %d", n),
			})
		}(i)
	}
	wg.Wait()

	conv, err := f.store.FindActiveConversation(ctx, "org-1", "+39333")
	require.NoError(t, err)
	require.NotNil(t, conv)

	stored, err := f.store.RecentMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 16, "each question and its reply, all in one conversation")

	// The pair lock serializes handling, so every reply directly
	// follows its question.
	for i := 0; i < len(stored); i += 2 {
		assert.True(t, stored[i].FromCustomer)
		assert.False(t, stored[i+1].FromCustomer)
		assert.True(t, strings.HasPrefix(stored[i].Content, "question "))
	}
	assert.WithinDuration(t, time.Now(), stored[len(stored)-1].SentAt, time.Minute)
}
