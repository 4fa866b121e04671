package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/Daggahh/flow3.chat/internal/catalog"
	"github.com/Daggahh/flow3.chat/internal/cost"
	"github.com/Daggahh/flow3.chat/internal/crypto"
	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/entitlement"
	"github.com/Daggahh/flow3.chat/internal/guard"
	"github.com/Daggahh/flow3.chat/internal/notifications"
)

type keyRequest struct {
	Provider string `json:"provider" validate:"required"`
	APIKey   string `json:"apiKey" validate:"required,max=512"`
}

func (h *Handler) decodeKeyRequest(r *http.Request) (domain.ProviderID, string, error) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", "", fmt.Errorf("%w: invalid request body", domain.ErrBadRequest)
	}
	if err := h.validate.Struct(req); err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}
	p, ok := domain.ParseProviderID(req.Provider)
	if !ok {
		return "", "", fmt.Errorf("%w: unknown provider %q", domain.ErrBadRequest, req.Provider)
	}
	return p, req.APIKey, nil
}

func (h *Handler) handleSaveKey(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFrom(r)
	if !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}
	p, apiKey, err := h.decodeKeyRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ciphertext, err := h.vault.Encrypt(apiKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	now := time.Now().UTC()
	err = h.credentials.Upsert(r.Context(), &domain.Credential{
		UserID:     session.UserID,
		Provider:   p,
		Ciphertext: ciphertext,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		writeDomainError(w, fmt.Errorf("store key: %w", err))
		return
	}

	slog.Info("api key stored",
		"user_id", session.UserID,
		"provider", p,
		"fingerprint", crypto.Fingerprint(apiKey),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{"provider": p, "saved": true})
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFrom(r)
	if !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}
	p, ok := domain.ParseProviderID(r.URL.Query().Get("provider"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid provider")
		return
	}

	if err := h.credentials.Delete(r.Context(), session.UserID, p); err != nil {
		writeDomainError(w, err)
		return
	}

	if h.notifier != nil {
		n := notifications.Notification{
			Type:     notifications.NotificationCredentialRevoked,
			UserID:   session.UserID,
			Provider: p,
			Message:  fmt.Sprintf("API key for %s removed", p),
		}
		if err := h.notifier.Send(r.Context(), n); err != nil {
			slog.Warn("failed to send credential notification", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"provider": p, "deleted": true})
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFrom(r)
	if !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}

	creds, err := h.credentials.ListByUser(r.Context(), session.UserID)
	if err != nil {
		writeDomainError(w, fmt.Errorf("list keys: %w", err))
		return
	}
	providers := make([]domain.ProviderID, 0, len(creds))
	for _, c := range creds {
		providers = append(providers, c.Provider)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": providers})
}

// handleValidateKey asks the vendor whether a key works. The key is not stored.
func (h *Handler) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := sessionFrom(r); !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}
	p, apiKey, err := h.decodeKeyRequest(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	adapter, err := h.factory.NewAdapter(p, apiKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	valid, err := adapter.ValidateAPIKey(ctx)
	if err != nil {
		slog.Warn("key validation failed", "provider", p, "error", err)
		writeJSON(w, http.StatusOK, map[string]interface{}{"provider": p, "valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"provider": p, "valid": valid})
}

// keyBag decrypts the caller's stored keys. Keys that fail to decrypt are
// logged and left out so the turn falls back to the default key.
func (h *Handler) keyBag(ctx context.Context, userID string) map[domain.ProviderID]string {
	keys := make(map[domain.ProviderID]string)
	creds, err := h.credentials.ListByUser(ctx, userID)
	if err != nil {
		slog.Error("failed to load stored keys", "user_id", userID, "error", err)
		return keys
	}
	for _, c := range creds {
		plain, err := h.vault.Decrypt(c.Ciphertext)
		if err != nil {
			slog.Warn("dropping undecryptable key", "user_id", userID, "provider", c.Provider, "error", err)
			continue
		}
		keys[c.Provider] = plain
	}
	return keys
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFrom(r)
	if !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}
	usage, err := h.guard.Usage(r.Context(), session.UserID, session.Class)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := usageResponse{Usage: usage}
	if h.spend != nil {
		sum, err := h.spend.Summary(r.Context(), session.UserID, time.Now().Add(-24*time.Hour))
		if err != nil {
			slog.Warn("failed to load spend summary", "user_id", session.UserID, "error", err)
		} else {
			resp.Spend = &sum
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// usageResponse adds the trailing-day vendor spend to the quota view when a
// usage tracker is configured.
type usageResponse struct {
	guard.Usage
	Spend *cost.Summary `json:"spend,omitempty"`
}

// handleListModels returns the models the caller may pick. Anonymous callers
// see the guest view.
func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	class := domain.UserClassGuest
	if s, ok := sessionFrom(r); ok {
		class = s.Class
	}
	ent := entitlement.For(class)

	models := make([]catalog.Model, 0)
	for _, m := range h.catalog.All() {
		if ent.Allows(m.ID) || m.FreeTier {
			models = append(models, m)
		}
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object":    "list",
		"userClass": class,
		"data":      models,
	})
}
