// Package server exposes the HTTP surface: the WhatsApp webhook, the
// document upload API and a health probe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xhad/ragbot/internal/models"
	"github.com/xhad/ragbot/pkg/intake"
	"github.com/xhad/ragbot/pkg/messaging"
	"github.com/xhad/ragbot/pkg/store"
)

// InboundHandler receives decoded webhook messages.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in intake.Inbound)
}

// Submitter schedules an uploaded document for ingestion.
type Submitter interface {
	Submit(docID string) bool
}

// Store is the persistence the HTTP surface needs: documents plus the
// organization lookup that validates uploads.
type Store interface {
	store.DocumentStore
	store.OrganizationStore
}

type Config struct {
	Port      int
	UploadDir string
	Handler   InboundHandler
	Store     Store
	Submitter Submitter
	Logger    *slog.Logger
}

type Server struct {
	config Config
	logger *slog.Logger
	http   *http.Server
}

func New(config Config) (*Server, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("inbound handler is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.UploadDir == "" {
		config.UploadDir = "uploads"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Server{
		config: config,
		logger: config.Logger.With("component", "server"),
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/whatsapp", s.handleWebhook)
	mux.HandleFunc("POST /documents", s.handleUpload)
	mux.HandleFunc("GET /documents", s.handleListDocuments)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.logRequests(s.recoverPanics(mux))
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// responseGuard remembers whether a handler already wrote a response, so
// the panic recovery below does not stack an error body onto an ack that
// went out before the panic.
type responseGuard struct {
	http.ResponseWriter
	wrote bool
}

func (g *responseGuard) WriteHeader(code int) {
	g.wrote = true
	g.ResponseWriter.WriteHeader(code)
}

func (g *responseGuard) Write(b []byte) (int, error) {
	g.wrote = true
	return g.ResponseWriter.Write(b)
}

// recoverPanics keeps a panicking handler from tearing down the
// connection. The webhook's deferred ack has usually been written by the
// time the panic reaches here; if nothing was written yet the client
// gets a plain 500.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		guard := &responseGuard{ResponseWriter: w}
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				if !guard.wrote {
					http.Error(guard, "internal server error", http.StatusInternalServerError)
				}
			}
		}()
		next.ServeHTTP(guard, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// handleWebhook decodes a Twilio form post and hands it to intake. The
// response is always 200 with an empty TwiML body: replies travel over
// the REST API, and a non-200 would only make Twilio retry.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer s.ackTwiML(w)

	if err := r.ParseForm(); err != nil {
		s.logger.Error("unparseable webhook form", "error", err)
		return
	}

	in := intake.Inbound{
		From: r.PostFormValue("From"),
		To:   r.PostFormValue("To"),
		Body: r.PostFormValue("Body"),
	}

	numMedia, _ := strconv.Atoi(r.PostFormValue("NumMedia"))
	for i := 0; i < numMedia; i++ {
		url := r.PostFormValue(fmt.Sprintf("MediaUrl%d", i))
		if url == "" {
			continue
		}
		in.Attachments = append(in.Attachments, intake.Attachment{
			URL:         url,
			ContentType: r.PostFormValue(fmt.Sprintf("MediaContentType%d", i)),
			Filename:    r.PostFormValue(fmt.Sprintf("MediaFileName%d", i)),
		})
	}

	s.config.Handler.HandleInbound(r.Context(), in)
}

func (s *Server) ackTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, messaging.EmptyTwiML)
}

type documentResponse struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Title          string `json:"title"`
	State          string `json:"state"`
	UploadedAt     string `json:"uploaded_at"`
}

func toDocumentResponse(doc *models.Document) documentResponse {
	return documentResponse{
		ID:             doc.ID,
		OrganizationID: doc.OrganizationID,
		Title:          doc.Title,
		State:          string(doc.State),
		UploadedAt:     doc.UploadedAt.Format(time.RFC3339),
	}
}

// handleUpload accepts a multipart document upload and schedules it for
// ingestion. The document is visible immediately in the received state.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	orgID := strings.TrimSpace(r.FormValue("organization_id"))
	if orgID == "" {
		s.writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}
	if _, err := s.config.Store.GetOrganization(r.Context(), orgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusBadRequest, "unknown organization")
			return
		}
		s.logger.Error("failed to look up organization", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to validate organization")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if title == "" {
		title = header.Filename
	}
	if strings.TrimSpace(title) == "" {
		s.writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	contentType := header.Header.Get("Content-Type")

	if err := os.MkdirAll(s.config.UploadDir, 0o755); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}
	filename := uuid.NewString() + "_" + filepath.Base(header.Filename)
	path := filepath.Join(s.config.UploadDir, filename)

	dst, err := os.Create(path)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}
	size, err := io.Copy(dst, file)
	dst.Close()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	doc := &models.Document{
		ID:               uuid.NewString(),
		OrganizationID:   orgID,
		Title:            title,
		StoragePath:      path,
		ContentType:      contentType,
		State:            models.DocReceived,
		UploadedAt:       time.Now(),
		Source:           "upload",
		OriginalFilename: header.Filename,
		FileSize:         size,
	}
	if err := s.config.Store.SaveDocument(r.Context(), doc); err != nil {
		s.logger.Error("failed to save document", "error", err)
		// The file on disk is unreachable without a document row.
		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.Error("failed to remove orphaned upload", "path", path, "error", rmErr)
		}
		s.writeError(w, http.StatusInternalServerError, "failed to save document")
		return
	}

	if s.config.Submitter != nil && !s.config.Submitter.Submit(doc.ID) {
		s.logger.Warn("ingestion queue rejected document", "document_id", doc.ID)
	}

	s.writeJSON(w, http.StatusCreated, toDocumentResponse(doc))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	if orgID == "" {
		s.writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}

	docs, err := s.config.Store.ListDocuments(r.Context(), orgID, false)
	if err != nil {
		s.logger.Error("failed to list documents", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}

	out := make([]documentResponse, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDocumentResponse(doc))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
