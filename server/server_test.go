package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/ragbot/internal/models"
	"github.com/xhad/ragbot/pkg/intake"
	"github.com/xhad/ragbot/pkg/messaging"
	"github.com/xhad/ragbot/pkg/store"
	"github.com/xhad/ragbot/server"
)

type recordingHandler struct {
	inbound []intake.Inbound
}

func (r *recordingHandler) HandleInbound(ctx context.Context, in intake.Inbound) {
	r.inbound = append(r.inbound, in)
}

type panickingHandler struct{}

func (panickingHandler) HandleInbound(ctx context.Context, in intake.Inbound) {
	panic("nil map write")
}

type saveFailingStore struct {
	*store.Memory
}

func (s *saveFailingStore) SaveDocument(ctx context.Context, doc *models.Document) error {
	return errors.New("disk full")
}

type recordingSubmitter struct {
	ids []string
}

func (r *recordingSubmitter) Submit(docID string) bool {
	r.ids = append(r.ids, docID)
	return true
}

func newServer(t *testing.T) (*server.Server, *recordingHandler, *store.Memory, *recordingSubmitter) {
	t.Helper()
	handler := &recordingHandler{}
	submitter := &recordingSubmitter{}
	m := store.NewMemory()
	srv, err := server.New(server.Config{
		Handler:   handler,
		Store:     m,
		Submitter: submitter,
		UploadDir: t.TempDir(),
	})
	require.NoError(t, err)
	return srv, handler, m, submitter
}

func TestWebhookAlwaysAcksWithEmptyTwiML(t *testing.T) {
	srv, handler, _, _ := newServer(t)

	form := url.Values{}
	form.Set("From", "whatsapp:+39333")
	form.Set("To", "whatsapp:+15550001111")
	form.Set("Body", "hello")
	form.Set("NumMedia", "1")
	form.Set("MediaUrl0", "https://media/ME1")
	form.Set("MediaContentType0", "application/pdf")

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Equal(t, messaging.EmptyTwiML, rec.Body.String())

	require.Len(t, handler.inbound, 1)
	in := handler.inbound[0]
	assert.Equal(t, "whatsapp:+39333", in.From)
	assert.Equal(t, "hello", in.Body)
	require.Len(t, in.Attachments, 1)
	assert.Equal(t, "https://media/ME1", in.Attachments[0].URL)
	assert.Equal(t, "application/pdf", in.Attachments[0].ContentType)
}

func TestWebhookAcksEvenWhenFormIsBroken(t *testing.T) {
	srv, handler, _, _ := newServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader("%zz"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, messaging.EmptyTwiML, rec.Body.String())
	assert.Empty(t, handler.inbound)
}

func TestWebhookAcksEvenWhenHandlerPanics(t *testing.T) {
	srv, err := server.New(server.Config{
		Handler:   panickingHandler{},
		Store:     store.NewMemory(),
		UploadDir: t.TempDir(),
	})
	require.NoError(t, err)

	form := url.Values{}
	form.Set("From", "whatsapp:+39333")
	form.Set("To", "whatsapp:+15550001111")
	form.Set("Body", "hello")

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	assert.NotPanics(t, func() { srv.Handler().ServeHTTP(rec, req) })
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, messaging.EmptyTwiML, rec.Body.String())
}

func multipartUpload(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadCreatesReceivedDocumentAndSubmitsIt(t *testing.T) {
	srv, _, m, submitter := newServer(t)
	require.NoError(t, m.SaveOrganization(context.Background(), &models.Organization{
		ID: "org-1", Name: "Acme", WhatsAppNumber: "+1555",
	}))

	body, contentType := multipartUpload(t, map[string]string{
		"title":           "Price list",
		"organization_id": "org-1",
	}, "prices.txt", "A costs 10.")

	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		ID    string `json:"id"`
		State string `json:"state"`
		Title string `json:"title"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "received", resp.State)
	assert.Equal(t, "Price list", resp.Title)

	doc, err := m.GetDocument(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "org-1", doc.OrganizationID)
	assert.Equal(t, "upload", doc.Source)
	assert.Equal(t, int64(len("A costs 10.")), doc.FileSize)

	assert.Equal(t, []string{resp.ID}, submitter.ids)
}

func TestUploadValidation(t *testing.T) {
	srv, _, m, submitter := newServer(t)
	require.NoError(t, m.SaveOrganization(context.Background(), &models.Organization{
		ID: "org-1", Name: "Acme", WhatsAppNumber: "+1555",
	}))

	// Missing organization_id.
	body, contentType := multipartUpload(t, map[string]string{"title": "x"}, "f.txt", "data")
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown organization.
	body, contentType = multipartUpload(t, map[string]string{"organization_id": "nope"}, "f.txt", "data")
	req = httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing file.
	body, contentType = multipartUpload(t, map[string]string{"organization_id": "org-1"}, "", "")
	req = httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, submitter.ids)
}

func TestUploadRemovesFileWhenSaveFails(t *testing.T) {
	m := store.NewMemory()
	require.NoError(t, m.SaveOrganization(context.Background(), &models.Organization{
		ID: "org-1", Name: "Acme", WhatsAppNumber: "+1555",
	}))

	uploadDir := t.TempDir()
	srv, err := server.New(server.Config{
		Handler:   &recordingHandler{},
		Store:     &saveFailingStore{Memory: m},
		UploadDir: uploadDir,
	})
	require.NoError(t, err)

	body, contentType := multipartUpload(t, map[string]string{
		"title":           "Price list",
		"organization_id": "org-1",
	}, "prices.txt", "A costs 10.")

	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// No document row, so no file may stay behind in the upload dir.
	entries, err := os.ReadDir(uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListDocuments(t *testing.T) {
	srv, _, m, _ := newServer(t)
	ctx := context.Background()

	require.NoError(t, m.SaveDocument(ctx, &models.Document{
		ID: "d1", OrganizationID: "org-1", Title: "Doc", State: models.DocCompleted,
	}))

	req := httptest.NewRequest(http.MethodGet, "/documents?organization_id=org-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "completed", docs[0]["state"])

	// organization_id is mandatory.
	req = httptest.NewRequest(http.MethodGet, "/documents", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	srv, _, _, _ := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
