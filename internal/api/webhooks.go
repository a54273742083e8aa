package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"go.uber.org/zap"

	"github.com/filora/filora/internal/logging"
	"github.com/filora/filora/internal/metadata"
	"github.com/filora/filora/internal/protocol"
)

// ─── Webhooks ───────────────────────────────────────────────────────────────

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateWebhookRequest
	if !s.decode(w, r, &req) {
		return
	}
	secret := req.Secret
	if secret == "" {
		var err error
		if secret, err = generateSecret(); err != nil {
			sendDomainError(w, r, err)
			return
		}
	}

	hook := &metadata.Webhook{
		OwnerID: owner(r),
		URL:     req.URL,
		Secret:  secret,
		Events:  req.Events,
		Active:  true,
	}
	if err := s.webhooks.CreateWebhook(r.Context(), hook); err != nil {
		sendDomainError(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Info("webhook created",
		zap.String("webhook_id", hook.ID.String()),
		zap.Strings("events", hook.Events))

	resp := webhookResponse(hook)
	resp.Secret = secret
	sendJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.webhooks.ListWebhooks(r.Context(), owner(r))
	if err != nil {
		sendDomainError(w, r, err)
		return
	}
	out := make([]protocol.WebhookResponse, 0, len(hooks))
	for i := range hooks {
		out = append(out, webhookResponse(&hooks[i]))
	}
	sendJSON(w, http.StatusOK, out)
}

func webhookResponse(h *metadata.Webhook) protocol.WebhookResponse {
	return protocol.WebhookResponse{
		ID:        h.ID,
		URL:       h.URL,
		Events:    h.Events,
		Active:    h.Active,
		CreatedAt: h.CreatedAt,
	}
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
