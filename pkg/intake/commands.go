package intake

import (
	"context"
	"fmt"
	"strings"

	"github.com/xhad/ragbot/internal/models"
)

const helpText = `Available commands:
/help - show this message
/documents - list the documents I can answer questions about

Send me a question and I will answer it from your organization's documents.
You can also send a PDF or text file to add it to the knowledge base.`

// runCommand executes the body when it is a known command. Commands reply
// immediately and are never stored as conversation messages. Italian
// aliases are kept for existing users.
func (s *Service) runCommand(ctx context.Context, org *models.Organization, body string) (string, bool) {
	switch strings.ToLower(body) {
	case "/help", "/aiuto":
		return helpText, true
	case "/documents", "/documenti":
		return s.documentList(ctx, org), true
	default:
		return "", false
	}
}

func (s *Service) documentList(ctx context.Context, org *models.Organization) string {
	docs, err := s.config.Store.ListDocuments(ctx, org.ID, false)
	if err != nil {
		s.logger.Error("failed to list documents", "organization_id", org.ID, "error", err)
		return "I could not fetch the document list right now. Please try again later."
	}
	if len(docs) == 0 {
		return "No documents have been uploaded yet. Send me a PDF or text file to get started."
	}

	var b strings.Builder
	b.WriteString("Documents:\n")
	for i, doc := range docs {
		fmt.Fprintf(&b, "%d. %s", i+1, doc.Title)
		if !doc.UploadedAt.IsZero() {
			fmt.Fprintf(&b, " (%s)", doc.UploadedAt.Format("2006-01-02"))
		}
		switch doc.State {
		case models.DocCompleted:
		case models.DocError, models.DocUnsupported:
			b.WriteString(" - failed")
		default:
			b.WriteString(" ⏳")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
