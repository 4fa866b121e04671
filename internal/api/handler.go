package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Daggahh/flow3.chat/internal/auth"
	"github.com/Daggahh/flow3.chat/internal/catalog"
	"github.com/Daggahh/flow3.chat/internal/circuitbreaker"
	"github.com/Daggahh/flow3.chat/internal/cost"
	"github.com/Daggahh/flow3.chat/internal/crypto"
	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/guard"
	"github.com/Daggahh/flow3.chat/internal/notifications"
	"github.com/Daggahh/flow3.chat/internal/orchestrator"
	"github.com/Daggahh/flow3.chat/internal/provider"
	"github.com/Daggahh/flow3.chat/internal/repository"
	"github.com/Daggahh/flow3.chat/internal/stream"
	"github.com/Daggahh/flow3.chat/internal/telemetry"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultImageModel = "image-model"

type HandlerConfig struct {
	Factory      *provider.Factory
	Vault        *crypto.Vault
	Guard        *guard.Guard
	Orchestrator *orchestrator.Orchestrator
	Registry     stream.Registry
	Sessions     *auth.Verifier

	Chats       repository.ChatRepository
	Messages    repository.MessageRepository
	Streams     repository.StreamRepository
	Credentials repository.CredentialRepository

	// Optional.
	Notifier      notifications.Notifier
	Breakers      *circuitbreaker.Manager
	Spend         cost.Tracker
	ReadyCheckers []HealthChecker
	ImageModelID  string
	Version       string
}

type Handler struct {
	factory      *provider.Factory
	catalog      *catalog.Catalog
	vault        *crypto.Vault
	guard        *guard.Guard
	orchestrator *orchestrator.Orchestrator
	registry     stream.Registry
	resumer      *stream.Resumer
	sessions     *auth.Verifier

	chats       repository.ChatRepository
	messages    repository.MessageRepository
	streams     repository.StreamRepository
	credentials repository.CredentialRepository

	notifier     notifications.Notifier
	breakers     *circuitbreaker.Manager
	spend        cost.Tracker
	imageModelID string
	version      string

	validate *validator.Validate
	inflight *inflight
	mux      *http.ServeMux
	root     http.Handler
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Registry == nil {
		cfg.Registry = stream.NoopRegistry{}
	}
	if cfg.ImageModelID == "" {
		cfg.ImageModelID = defaultImageModel
	}

	h := &Handler{
		factory:      cfg.Factory,
		catalog:      cfg.Factory.Catalog(),
		vault:        cfg.Vault,
		guard:        cfg.Guard,
		orchestrator: cfg.Orchestrator,
		registry:     cfg.Registry,
		resumer:      stream.NewResumer(cfg.Registry, cfg.Chats, cfg.Streams, cfg.Messages),
		sessions:     cfg.Sessions,
		chats:        cfg.Chats,
		messages:     cfg.Messages,
		streams:      cfg.Streams,
		credentials:  cfg.Credentials,
		notifier:     cfg.Notifier,
		breakers:     cfg.Breakers,
		spend:        cfg.Spend,
		imageModelID: cfg.ImageModelID,
		version:      cfg.Version,
		validate:     validator.New(),
		inflight:     newInflight(),
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /api/chat", h.handleChat)
	h.mux.HandleFunc("GET /api/chat", h.handleResume)
	h.mux.HandleFunc("POST /api/chat/stop", h.handleStop)
	h.mux.HandleFunc("POST /api/auth/guest", h.handleGuestSession)
	h.mux.HandleFunc("POST /api/keys", h.handleSaveKey)
	h.mux.HandleFunc("DELETE /api/keys", h.handleDeleteKey)
	h.mux.HandleFunc("GET /api/keys", h.handleListKeys)
	h.mux.HandleFunc("POST /api/keys/validate", h.handleValidateKey)
	h.mux.HandleFunc("GET /api/usage", h.handleUsage)
	h.mux.HandleFunc("GET /api/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.ReadyCheckers, 2*time.Second, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	h.root = h.mux
	if h.sessions != nil {
		h.root = h.sessions.Middleware(h.mux)
	}
	h.root = telemetry.Middleware(h.root)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

// inflight maps a chat to the cancel func of its running generation on this node.
type inflight struct {
	mu      sync.Mutex
	cancels map[string]inflightEntry
}

type inflightEntry struct {
	requestID string
	cancel    context.CancelFunc
}

func newInflight() *inflight {
	return &inflight{cancels: make(map[string]inflightEntry)}
}

func (f *inflight) add(chatID, requestID string, cancel context.CancelFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels[chatID] = inflightEntry{requestID: requestID, cancel: cancel}
}

// remove drops the entry only if it still belongs to requestID.
func (f *inflight) remove(chatID, requestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.cancels[chatID]; ok && e.requestID == requestID {
		delete(f.cancels, chatID)
	}
}

func (f *inflight) cancel(chatID string) bool {
	f.mu.Lock()
	e, ok := f.cancels[chatID]
	delete(f.cancels, chatID)
	f.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

func sessionFrom(r *http.Request) (*auth.Session, bool) {
	return auth.SessionFromContext(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}

// writeDomainError maps err to a status code. Unclassified errors get a
// generic message so no internal or vendor detail reaches the client.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	case errors.Is(err, domain.ErrModelNotAllowed):
		writeError(w, http.StatusForbidden, "model_not_allowed", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "forbidden")
	case errors.Is(err, domain.ErrRateLimited):
		errType := domain.QuotaKind(err)
		if errType == "" {
			errType = "rate_limited"
		}
		writeError(w, http.StatusTooManyRequests, errType, err.Error())
	case errors.Is(err, domain.ErrMessageTooLong):
		writeError(w, http.StatusBadRequest, "message_too_long", err.Error())
	case errors.Is(err, domain.ErrBadRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrChatNotFound),
		errors.Is(err, domain.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, domain.ErrConfiguration):
		writeError(w, http.StatusBadRequest, "model_unavailable", "the selected model is not available")
	default:
		slog.Error("unhandled error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
