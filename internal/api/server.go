// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/filora/filora/internal/auth"
	"github.com/filora/filora/internal/events"
	"github.com/filora/filora/internal/files"
	"github.com/filora/filora/internal/logging"
	"github.com/filora/filora/internal/metadata"
	"github.com/filora/filora/internal/metrics"
	"github.com/filora/filora/internal/protocol"
	"github.com/filora/filora/internal/quota"
	"github.com/filora/filora/internal/rangeread"
	"github.com/filora/filora/internal/storage"
	"github.com/filora/filora/internal/upload"
)

// WebhookStore persists webhook subscriptions.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w *metadata.Webhook) error
	ListWebhooks(ctx context.Context, owner string) ([]metadata.Webhook, error)
}

// Server is the HTTP server.
type Server struct {
	uploads     *upload.Manager
	files       *files.Service
	webhooks    WebhookStore
	broadcaster *events.Broadcaster
	auth        *auth.Auth
	limiter     *quota.RateLimiter
	validate    *validator.Validate
}

// NewServer creates a new server. A nil limiter disables rate limiting.
func NewServer(
	uploads *upload.Manager,
	fileService *files.Service,
	webhooks WebhookStore,
	broadcaster *events.Broadcaster,
	authHandler *auth.Auth,
	limiter *quota.RateLimiter,
) *Server {
	return &Server{
		uploads:     uploads,
		files:       fileService,
		webhooks:    webhooks,
		broadcaster: broadcaster,
		auth:        authHandler,
		limiter:     limiter,
		validate:    validator.New(),
	}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Protected routes are registered on the same mux so the metrics
	// middleware sees the matched pattern. Auth runs before the limiter.
	protected := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.auth.Middleware(s.limiter.Middleware(h)))
	}

	// Uploads
	protected("POST /api/v1/uploads", s.handleInitUpload)
	protected("POST /api/v1/uploads/{id}/chunks", s.handleUploadChunk)
	protected("POST /api/v1/uploads/{id}/complete", s.handleCompleteUpload)
	protected("GET /api/v1/uploads/{id}", s.handleUploadStatus)
	protected("DELETE /api/v1/uploads/{id}", s.handleCancelUpload)

	// Files
	protected("GET /api/v1/files/{id}", s.handleGetFile)
	protected("GET /api/v1/files/{id}/download", s.handleDownload)
	protected("GET /api/v1/files/{id}/stream", s.handleStream)
	protected("DELETE /api/v1/files/{id}", s.handleDeleteFile)
	protected("GET /api/v1/files/{id}/versions", s.handleListVersions)
	protected("POST /api/v1/files/{id}/versions/{versionID}/restore", s.handleRestoreVersion)
	protected("PUT /api/v1/files/{id}/public", s.handleSetPublic)

	// Folders
	protected("POST /api/v1/folders", s.handleCreateFolder)

	// Integrations
	protected("POST /api/v1/webhooks", s.handleCreateWebhook)
	protected("GET /api/v1/webhooks", s.handleListWebhooks)
	protected("GET /api/v1/events", s.handleEvents)

	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe(owner(r))
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func owner(r *http.Request) string {
	return auth.GetClaims(r.Context()).Owner()
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// decode reads a JSON body into dst and runs its validate tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			sendError(w, http.StatusBadRequest, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
			return false
		}
		sendError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, upload.ErrTooLarge), errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, upload.ErrValidation), errors.Is(err, files.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrNotFound), errors.Is(err, files.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, files.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, upload.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, upload.ErrInvalidState), errors.Is(err, upload.ErrSizeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, rangeread.ErrMalformedRange):
		return http.StatusBadRequest
	case errors.Is(err, rangeread.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, storage.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendDomainError writes err with its mapped status. Server-side failures
// are logged and reported without internals.
func sendDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path), logging.Err(err))
		sendError(w, code, http.StatusText(code))
		return
	}
	sendError(w, code, err.Error())
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
