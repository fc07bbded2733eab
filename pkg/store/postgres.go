package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/xhad/ragbot/internal/models"
)

type PostgresConfig struct {
	ConnString string
	VectorDim  int
}

// Postgres is the pgvector-backed Store. It also satisfies the
// retriever's Searcher interface, letting the database rank chunks with
// the cosine operator instead of a linear scan.
type Postgres struct {
	config PostgresConfig
	pool   *pgxpool.Pool
}

func NewPostgres(ctx context.Context, config PostgresConfig) (*Postgres, error) {
	if config.VectorDim == 0 {
		config.VectorDim = 1536 // Default for OpenAI embeddings
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	p := &Postgres{
		config: config,
		pool:   pool,
	}

	if err := p.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return p, nil
}

func (p *Postgres) initialize(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %v", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			whatsapp_number TEXT NOT NULL,
			tone_of_voice TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL REFERENCES organizations(id),
			title TEXT NOT NULL,
			storage_path TEXT,
			content_type TEXT,
			state TEXT NOT NULL,
			uploaded_at TIMESTAMPTZ NOT NULL,
			source_conversation_id TEXT,
			source TEXT,
			original_filename TEXT,
			file_size BIGINT
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id),
			ordinal INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d)
		)`, p.config.VectorDim),
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL REFERENCES organizations(id),
			customer_phone TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			context JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			from_customer BOOLEAN NOT NULL,
			content TEXT NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT false,
			provider_sid TEXT,
			document_refs TEXT[]
		)`,
		`CREATE INDEX IF NOT EXISTS chunks_embedding_idx
			ON chunks
			USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = 100)`,
		`CREATE INDEX IF NOT EXISTS conversations_lookup_idx
			ON conversations (organization_id, customer_phone, state)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx
			ON messages (conversation_id, sent_at)`,
	}

	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %v", err)
		}
	}

	return nil
}

func (p *Postgres) SaveDocument(ctx context.Context, doc *models.Document) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (id, organization_id, title, storage_path, content_type,
			state, uploaded_at, source_conversation_id, source, original_filename, file_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			title = EXCLUDED.title`,
		doc.ID, doc.OrganizationID, doc.Title, doc.StoragePath, doc.ContentType,
		string(doc.State), doc.UploadedAt, doc.SourceConversationID, doc.Source,
		doc.OriginalFilename, doc.FileSize,
	)
	if err != nil {
		return fmt.Errorf("failed to save document: %v", err)
	}
	return nil
}

func (p *Postgres) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, organization_id, title, storage_path, content_type, state,
			uploaded_at, source_conversation_id, source, original_filename, file_size
		FROM documents WHERE id = $1`, id)

	var doc models.Document
	var state string
	err := row.Scan(&doc.ID, &doc.OrganizationID, &doc.Title, &doc.StoragePath,
		&doc.ContentType, &state, &doc.UploadedAt, &doc.SourceConversationID,
		&doc.Source, &doc.OriginalFilename, &doc.FileSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %v", err)
	}
	doc.State = models.DocumentState(state)
	return &doc, nil
}

func (p *Postgres) ListDocuments(ctx context.Context, orgID string, completedOnly bool) ([]*models.Document, error) {
	query := `
		SELECT id, organization_id, title, storage_path, content_type, state,
			uploaded_at, source_conversation_id, source, original_filename, file_size
		FROM documents WHERE organization_id = $1`
	if completedOnly {
		query += ` AND state = 'completed'`
	}
	query += ` ORDER BY uploaded_at, id`

	rows, err := p.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %v", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		var doc models.Document
		var state string
		err := rows.Scan(&doc.ID, &doc.OrganizationID, &doc.Title, &doc.StoragePath,
			&doc.ContentType, &state, &doc.UploadedAt, &doc.SourceConversationID,
			&doc.Source, &doc.OriginalFilename, &doc.FileSize)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %v", err)
		}
		doc.State = models.DocumentState(state)
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

func (p *Postgres) SaveChunks(ctx context.Context, chunks []*models.Chunk) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range chunks {
		var embedding *pgvector.Vector
		if len(c.Embedding) > 0 {
			v := pgvector.NewVector(c.Embedding)
			embedding = &v
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO chunks (id, document_id, ordinal, content, embedding)
			VALUES ($1, $2, $3, $4, $5)`,
			c.ID, c.DocumentID, c.Ordinal, c.Text, embedding)
		if err != nil {
			return fmt.Errorf("failed to insert chunk: %v", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %v", err)
	}
	return nil
}

func (p *Postgres) EligibleChunks(ctx context.Context, orgID string) ([]ChunkWithTitle, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT c.id, c.document_id, c.ordinal, c.content, c.embedding, d.title
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.organization_id = $1 AND d.state = 'completed' AND c.embedding IS NOT NULL
		ORDER BY d.uploaded_at, d.id, c.ordinal`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %v", err)
	}
	defer rows.Close()

	var out []ChunkWithTitle
	for rows.Next() {
		var c ChunkWithTitle
		var embedding pgvector.Vector
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Text, &embedding, &c.DocumentTitle); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %v", err)
		}
		c.Embedding = embedding.Slice()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Search ranks an organization's eligible chunks by cosine similarity in
// the database, matching the retriever's Searcher contract.
func (p *Postgres) Search(ctx context.Context, embedding []float32, orgID string, k int) ([]ScoredChunk, error) {
	query := pgvector.NewVector(embedding)

	rows, err := p.pool.Query(ctx, `
		SELECT c.id, c.document_id, c.ordinal, c.content, d.title,
			1 - (c.embedding <=> $1) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.organization_id = $2 AND d.state = 'completed' AND c.embedding IS NOT NULL
		ORDER BY c.embedding <=> $1, d.id, c.ordinal
		LIMIT $3`, query, orgID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %v", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		var score float64
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.Ordinal, &sc.Text, &sc.DocumentTitle, &score); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %v", err)
		}
		sc.Score = float32(score)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	var ended *time.Time
	if !conv.EndedAt.IsZero() {
		ended = &conv.EndedAt
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO conversations (id, organization_id, customer_phone, state,
			started_at, ended_at, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			ended_at = EXCLUDED.ended_at,
			context = EXCLUDED.context`,
		conv.ID, conv.OrganizationID, conv.CustomerPhone, string(conv.State),
		conv.StartedAt, ended, conv.Context)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %v", err)
	}
	return nil
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, organization_id, customer_phone, state, started_at, ended_at, context
		FROM conversations WHERE id = $1`, id)

	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %v", err)
	}
	return conv, nil
}

func (p *Postgres) FindActiveConversation(ctx context.Context, orgID, customerPhone string) (*models.Conversation, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, organization_id, customer_phone, state, started_at, ended_at, context
		FROM conversations
		WHERE organization_id = $1 AND customer_phone = $2 AND state = 'active'
		ORDER BY started_at DESC
		LIMIT 1`, orgID, customerPhone)

	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %v", err)
	}
	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	var state string
	var ended *time.Time
	err := row.Scan(&conv.ID, &conv.OrganizationID, &conv.CustomerPhone, &state,
		&conv.StartedAt, &ended, &conv.Context)
	if err != nil {
		return nil, err
	}
	conv.State = models.ConversationState(state)
	if ended != nil {
		conv.EndedAt = *ended
	}
	return &conv, nil
}

func (p *Postgres) SaveMessage(ctx context.Context, msg *models.Message) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, from_customer, content, sent_at,
			processed, provider_sid, document_refs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			processed = EXCLUDED.processed,
			provider_sid = EXCLUDED.provider_sid`,
		msg.ID, msg.ConversationID, msg.FromCustomer, msg.Content, msg.SentAt,
		msg.Processed, msg.ProviderSID, msg.DocumentRefs)
	if err != nil {
		return fmt.Errorf("failed to save message: %v", err)
	}
	return nil
}

func (p *Postgres) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, conversation_id, from_customer, content, sent_at, processed,
			COALESCE(provider_sid, ''), COALESCE(document_refs, '{}')
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = $1
			ORDER BY sent_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY sent_at, id`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %v", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.FromCustomer, &msg.Content,
			&msg.SentAt, &msg.Processed, &msg.ProviderSID, &msg.DocumentRefs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %v", err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveOrganization(ctx context.Context, org *models.Organization) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO organizations (id, name, whatsapp_number, tone_of_voice, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			whatsapp_number = EXCLUDED.whatsapp_number,
			tone_of_voice = EXCLUDED.tone_of_voice`,
		org.ID, org.Name, org.WhatsAppNumber, org.ToneOfVoice, org.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save organization: %v", err)
	}
	return nil
}

func (p *Postgres) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, name, whatsapp_number, COALESCE(tone_of_voice, ''), created_at
		FROM organizations WHERE id = $1`, id)

	var org models.Organization
	err := row.Scan(&org.ID, &org.Name, &org.WhatsAppNumber, &org.ToneOfVoice, &org.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %v", err)
	}
	return &org, nil
}

func (p *Postgres) FindOrganizationByNumber(ctx context.Context, number string) (*models.Organization, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, name, whatsapp_number, COALESCE(tone_of_voice, ''), created_at
		FROM organizations WHERE whatsapp_number = $1
		LIMIT 1`, number)

	var org models.Organization
	err := row.Scan(&org.ID, &org.Name, &org.WhatsAppNumber, &org.ToneOfVoice, &org.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find organization: %v", err)
	}
	return &org, nil
}

func (p *Postgres) ListOrganizations(ctx context.Context) ([]*models.Organization, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, whatsapp_number, COALESCE(tone_of_voice, ''), created_at
		FROM organizations ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %v", err)
	}
	defer rows.Close()

	var out []*models.Organization
	for rows.Next() {
		var org models.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.WhatsAppNumber, &org.ToneOfVoice, &org.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %v", err)
		}
		out = append(out, &org)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}
