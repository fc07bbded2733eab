package store

import (
	"context"
	"sort"
	"sync"

	"github.com/xhad/ragbot/internal/models"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and
// single-process deployments without Postgres.
type Memory struct {
	mu sync.RWMutex

	documents     map[string]*models.Document
	docOrder      []string
	chunks        map[string][]*models.Chunk // by document id, ordinal order
	conversations map[string]*models.Conversation
	convOrder     []string
	messages      map[string][]*models.Message // by conversation id, send order
	organizations map[string]*models.Organization
	orgOrder      []string
}

func NewMemory() *Memory {
	return &Memory{
		documents:     make(map[string]*models.Document),
		chunks:        make(map[string][]*models.Chunk),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		organizations: make(map[string]*models.Organization),
	}
}

func (m *Memory) SaveDocument(ctx context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.documents[doc.ID]; !exists {
		m.docOrder = append(m.docOrder, doc.ID)
	}
	cp := *doc
	m.documents[doc.ID] = &cp
	return nil
}

func (m *Memory) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (m *Memory) ListDocuments(ctx context.Context, orgID string, completedOnly bool) ([]*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Document
	for _, id := range m.docOrder {
		doc := m.documents[id]
		if doc.OrganizationID != orgID {
			continue
		}
		if completedOnly && doc.State != models.DocCompleted {
			continue
		}
		cp := *doc
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) SaveChunks(ctx context.Context, chunks []*models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range chunks {
		cp := *c
		m.chunks[c.DocumentID] = append(m.chunks[c.DocumentID], &cp)
	}
	for docID := range m.chunks {
		sort.SliceStable(m.chunks[docID], func(i, j int) bool {
			return m.chunks[docID][i].Ordinal < m.chunks[docID][j].Ordinal
		})
	}
	return nil
}

func (m *Memory) EligibleChunks(ctx context.Context, orgID string) ([]ChunkWithTitle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ChunkWithTitle
	for _, docID := range m.docOrder {
		doc := m.documents[docID]
		if doc.OrganizationID != orgID || doc.State != models.DocCompleted {
			continue
		}
		for _, c := range m.chunks[docID] {
			if len(c.Embedding) == 0 {
				continue
			}
			out = append(out, ChunkWithTitle{Chunk: *c, DocumentTitle: doc.Title})
		}
	}
	return out, nil
}

func (m *Memory) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; !exists {
		m.convOrder = append(m.convOrder, conv.ID)
	}
	cp := *conv
	m.conversations[conv.ID] = &cp
	return nil
}

func (m *Memory) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (m *Memory) FindActiveConversation(ctx context.Context, orgID, customerPhone string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Most recent first.
	for i := len(m.convOrder) - 1; i >= 0; i-- {
		conv := m.conversations[m.convOrder[i]]
		if conv.OrganizationID == orgID &&
			conv.CustomerPhone == customerPhone &&
			conv.State == models.ConvActive {
			cp := *conv
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[msg.ConversationID]
	for i, existing := range msgs {
		if existing.ID == msg.ID {
			cp := *msg
			msgs[i] = &cp
			return nil
		}
	}
	cp := *msg
	m.messages[msg.ConversationID] = append(msgs, &cp)
	return nil
}

func (m *Memory) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}

	out := make([]*models.Message, 0, len(msgs)-start)
	for _, msg := range msgs[start:] {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) SaveOrganization(ctx context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.organizations[org.ID]; !exists {
		m.orgOrder = append(m.orgOrder, org.ID)
	}
	cp := *org
	m.organizations[org.ID] = &cp
	return nil
}

func (m *Memory) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	org, ok := m.organizations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (m *Memory) FindOrganizationByNumber(ctx context.Context, number string) (*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.orgOrder {
		if m.organizations[id].WhatsAppNumber == number {
			cp := *m.organizations[id]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListOrganizations(ctx context.Context) ([]*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Organization, 0, len(m.orgOrder))
	for _, id := range m.orgOrder {
		cp := *m.organizations[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Close() {}
