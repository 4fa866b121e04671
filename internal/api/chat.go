package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Daggahh/flow3.chat/internal/auth"
	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/entitlement"
	"github.com/Daggahh/flow3.chat/internal/guard"
	"github.com/Daggahh/flow3.chat/internal/metrics"
	"github.com/Daggahh/flow3.chat/internal/notifications"
	"github.com/Daggahh/flow3.chat/internal/orchestrator"
	"github.com/Daggahh/flow3.chat/internal/provider"
	"github.com/Daggahh/flow3.chat/internal/stream"
	"github.com/Daggahh/flow3.chat/internal/telemetry"
	"github.com/Daggahh/flow3.chat/internal/tools"
	"github.com/google/uuid"
)

const (
	// GuestCookie carries the anonymous identity the free-tier counter is keyed by.
	GuestCookie = "gemini_guest_count"

	guestCookieTTL  = 30 * 24 * time.Hour
	guestSessionTTL = 30 * 24 * time.Hour
	maxTitleLength  = 80
	ndjsonType      = "application/x-ndjson"
)

type chatRequest struct {
	ID                     string            `json:"id" validate:"required,uuid"`
	Message                messageInput      `json:"message" validate:"required"`
	SelectedChatModel      string            `json:"selectedChatModel" validate:"required"`
	SelectedVisibilityType domain.Visibility `json:"selectedVisibilityType" validate:"required,oneof=public private"`
	UseWebSearch           bool              `json:"useWebSearch"`
}

type messageInput struct {
	ID          string              `json:"id" validate:"required,uuid"`
	Role        string              `json:"role" validate:"required,eq=user"`
	Parts       []textPart          `json:"parts" validate:"required,min=1,dive"`
	Attachments []domain.Attachment `json:"experimental_attachments" validate:"omitempty,dive"`
}

type textPart struct {
	Type string `json:"type" validate:"required,eq=text"`
	Text string `json:"text" validate:"required,max=2000"`
}

func (m messageInput) toChatMessage(chatID string, now time.Time) domain.ChatMessage {
	parts := make([]domain.Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		parts = append(parts, domain.Part{Type: domain.PartText, Text: p.Text})
	}
	return domain.ChatMessage{
		ID:          m.ID,
		ChatID:      chatID,
		Role:        domain.RoleUser,
		Parts:       parts,
		Attachments: m.Attachments,
		CreatedAt:   now,
	}
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	session, ok := sessionFrom(r)
	if !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}

	logger := slog.With("request_id", requestID, "chat_id", req.ID, "user_id", session.UserID, "trace_id", telemetry.TraceID(ctx))

	keys := h.keyBag(ctx, session.UserID)
	userMsg := req.Message.toChatMessage(req.ID, time.Now().UTC())

	hasVendorKey := false
	if m, ok := h.catalog.Lookup(req.SelectedChatModel); ok {
		hasVendorKey = keys[m.Provider] != ""
	}

	gt := guard.Turn{
		UserID:       session.UserID,
		Class:        session.Class,
		ModelID:      req.SelectedChatModel,
		Text:         userMsg.Text(),
		HasVendorKey: hasVendorKey,
	}
	if h.guard.GuestTier(gt) {
		gt.GuestID = guestIdentity(w, r)
	}
	adm, err := h.guard.Admit(ctx, gt)
	if err != nil {
		logger.Info("chat turn rejected", "model", req.SelectedChatModel, "error", err)
		metrics.RecordGuardRejection(rejectionReason(err))
		h.notifyQuota(ctx, session, err)
		writeDomainError(w, err)
		return
	}

	// A reserved free-tier slot is refunded unless generation starts;
	// afterRun settles it from then on.
	dispatched := false
	defer func() {
		if !dispatched {
			h.releaseGuest(ctx, logger, adm)
		}
	}()

	prov := h.factory.BuildProvider(keys)
	model, err := prov.LanguageModel(req.SelectedChatModel)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	chat, err := h.ensureChat(ctx, session.UserID, req, userMsg.Text())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	prior, err := h.messages.ListByChat(ctx, chat.ID)
	if err != nil {
		writeDomainError(w, fmt.Errorf("load history: %w", err))
		return
	}
	if err := h.messages.Save(ctx, &userMsg); err != nil {
		writeDomainError(w, fmt.Errorf("save user message: %w", err))
		return
	}

	streamID := uuid.New().String()
	if h.registry.Enabled() {
		if err := h.registry.Register(ctx, streamID, chat.ID); err != nil {
			writeDomainError(w, fmt.Errorf("register stream: %w", err))
			return
		}
		if err := h.streams.CreateStreamID(ctx, streamID, chat.ID); err != nil {
			writeDomainError(w, fmt.Errorf("record stream id: %w", err))
			return
		}
	}

	turn := orchestrator.Request{
		RequestID: requestID,
		ChatID:    chat.ID,
		UserID:    session.UserID,
		UserClass: session.Class,
		History:   toHistory(prior),
		Message:   userMsg,
		Model:     model,
		Tools:     tools.Enabled{WebSearch: req.UseWebSearch},
		Hints:     hintsFrom(r),
		Images:    h.images(prov, session.Class),
	}

	w.Header().Set("Content-Type", ndjsonType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Stream-Id", streamID)
	w.Header().Set("X-Request-ID", requestID)

	out := newNDJSONWriter(w)

	if !h.registry.Enabled() {
		genCtx, cancel := context.WithCancel(ctx)
		h.inflight.add(chat.ID, requestID, cancel)
		defer func() {
			h.inflight.remove(chat.ID, requestID)
			cancel()
		}()

		dispatched = true
		_, err := h.orchestrator.Run(genCtx, turn, out)
		h.afterRun(ctx, logger, adm, err)
		return
	}

	events, err := h.registry.Subscribe(ctx, streamID)
	if err != nil {
		w.Header().Del("Content-Type")
		writeDomainError(w, fmt.Errorf("subscribe: %w", err))
		return
	}

	// Generation outlives the connection; only the time budget or an explicit
	// stop ends it early.
	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.inflight.add(chat.ID, requestID, cancel)
	dispatched = true
	go func() {
		defer func() {
			h.inflight.remove(chat.ID, requestID)
			cancel()
		}()

		_, err := h.orchestrator.Run(genCtx, turn, stream.NewPublisher(h.registry, streamID))
		h.afterRun(genCtx, logger, adm, err)
		if cerr := h.registry.Complete(context.WithoutCancel(genCtx), streamID); cerr != nil {
			logger.Error("failed to complete stream", "stream_id", streamID, "error", cerr)
		}
	}()

	out.drain(ctx, events)
}

// afterRun refunds the free-tier slot of a turn that did not complete.
func (h *Handler) afterRun(ctx context.Context, logger *slog.Logger, adm guard.Admission, err error) {
	if err == nil {
		return
	}
	h.releaseGuest(ctx, logger, adm)
}

func (h *Handler) releaseGuest(ctx context.Context, logger *slog.Logger, adm guard.Admission) {
	if !adm.FreeTier {
		return
	}
	if rerr := h.guard.ReleaseGuest(context.WithoutCancel(ctx), adm.GuestID); rerr != nil {
		logger.Warn("failed to release free-tier slot", "error", rerr)
	}
}

// ensureChat returns the chat the turn belongs to, creating it on the first turn.
func (h *Handler) ensureChat(ctx context.Context, userID string, req chatRequest, text string) (*domain.Chat, error) {
	chat, err := h.chats.GetByID(ctx, req.ID)
	if err == nil {
		if chat.UserID != userID {
			return nil, domain.ErrForbidden
		}
		return chat, nil
	}
	if !errors.Is(err, domain.ErrChatNotFound) {
		return nil, fmt.Errorf("load chat: %w", err)
	}

	chat = &domain.Chat{
		ID:         req.ID,
		UserID:     userID,
		Title:      titleFrom(text),
		Visibility: req.SelectedVisibilityType,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.chats.Create(ctx, chat); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

func titleFrom(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if title == "" {
		return "New chat"
	}
	if utf8.RuneCountInString(title) <= maxTitleLength {
		return title
	}
	return string([]rune(title)[:maxTitleLength])
}

// images returns the image generator for the turn, or nil when the caller
// may not generate images or no image vendor is reachable.
func (h *Handler) images(prov *provider.Provider, class domain.UserClass) tools.ImageFunc {
	if !entitlement.For(class).AllowImageGeneration {
		return nil
	}
	im, err := prov.ImageModel(h.imageModelID)
	if err != nil {
		slog.Debug("image generation unavailable", "error", err)
		return nil
	}
	return im.Generate
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrModelNotAllowed):
		return "model_not_allowed"
	case errors.Is(err, domain.ErrMessageTooLong):
		return "message_too_long"
	case errors.Is(err, domain.ErrRateLimited):
		if kind := domain.QuotaKind(err); kind != "" {
			return kind
		}
		return "rate_limited"
	default:
		return "error"
	}
}

func (h *Handler) notifyQuota(ctx context.Context, session *auth.Session, err error) {
	kind := domain.QuotaKind(err)
	if h.notifier == nil || kind == "" {
		return
	}
	n := notifications.Notification{
		Type:    notifications.NotificationQuotaExceeded,
		UserID:  session.UserID,
		Message: err.Error(),
		Data:    map[string]interface{}{"kind": kind, "user_class": string(session.Class)},
	}
	if serr := h.notifier.Send(context.WithoutCancel(ctx), n); serr != nil {
		slog.Warn("failed to send quota notification", "error", serr)
	}
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	var userID string
	if s, ok := sessionFrom(r); ok {
		userID = s.UserID
	}

	events, err := h.resumer.Resume(r.Context(), r.URL.Query().Get("chatId"), userID)
	if errors.Is(err, domain.ErrNoResumableStream) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", ndjsonType)
	w.Header().Set("Cache-Control", "no-cache")
	newNDJSONWriter(w).drain(r.Context(), events)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFrom(r)
	if !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}
	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "chatId is required")
		return
	}

	chat, err := h.chats.GetByID(r.Context(), chatID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if chat.UserID != session.UserID {
		writeDomainError(w, domain.ErrForbidden)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"stopped": h.inflight.cancel(chatID)})
}

// handleGuestSession issues a guest session token and sets it as a cookie.
func (h *Handler) handleGuestSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeDomainError(w, fmt.Errorf("%w: sessions are not configured", domain.ErrConfiguration))
		return
	}

	s := auth.Session{UserID: "guest-" + uuid.New().String(), Class: domain.UserClassGuest}
	token, err := h.sessions.Issue(s, guestSessionTTL)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(guestSessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusCreated, map[string]string{
		"token":     token,
		"userId":    s.UserID,
		"userClass": string(s.Class),
	})
}

// guestIdentity returns the anonymous id from the guest cookie, minting one
// when the request has none.
func guestIdentity(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(GuestCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     GuestCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(guestCookieTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func hintsFrom(r *http.Request) orchestrator.Hints {
	return orchestrator.Hints{
		Latitude:  r.Header.Get("X-Vercel-IP-Latitude"),
		Longitude: r.Header.Get("X-Vercel-IP-Longitude"),
		City:      r.Header.Get("X-Vercel-IP-City"),
		Country:   r.Header.Get("X-Vercel-IP-Country"),
	}
}

// toHistory rebuilds the vendor-neutral transcript from stored messages.
// Tool invocations become an assistant tool-call message followed by one
// tool message per result. Reasoning is not replayed.
func toHistory(msgs []*domain.ChatMessage) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != domain.RoleAssistant {
			out = append(out, domain.Message{Role: m.Role, Content: m.Text()})
			continue
		}

		var text strings.Builder
		var calls []domain.ToolCall
		var results []domain.Message
		flush := func() {
			if len(calls) == 0 {
				return
			}
			out = append(out, domain.Message{Role: domain.RoleAssistant, Content: text.String(), ToolCalls: calls})
			out = append(out, results...)
			text.Reset()
			calls, results = nil, nil
		}

		for _, p := range m.Parts {
			switch p.Type {
			case domain.PartText:
				flush()
				text.WriteString(p.Text)
			case domain.PartToolInvocation:
				inv := p.ToolInvocation
				if inv == nil {
					continue
				}
				calls = append(calls, domain.ToolCall{ID: inv.ToolCallID, Name: inv.ToolName, Args: inv.Args})
				results = append(results, domain.Message{
					Role:       domain.RoleTool,
					ToolCallID: inv.ToolCallID,
					Name:       inv.ToolName,
					Content:    string(inv.Result),
				})
			}
		}
		flush()
		if text.Len() > 0 {
			out = append(out, domain.Message{Role: domain.RoleAssistant, Content: text.String()})
		}
	}
	return out
}

// ndjsonWriter writes one JSON event per line and flushes after each.
type ndjsonWriter struct {
	enc     *json.Encoder
	flusher http.Flusher
}

func newNDJSONWriter(w http.ResponseWriter) *ndjsonWriter {
	f, _ := w.(http.Flusher)
	return &ndjsonWriter{enc: json.NewEncoder(w), flusher: f}
}

func (n *ndjsonWriter) Send(ctx context.Context, ev domain.DeltaEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.enc.Encode(ev); err != nil {
		return err
	}
	if n.flusher != nil {
		n.flusher.Flush()
	}
	return nil
}

// drain copies events to the response until the channel closes or the client leaves.
func (n *ndjsonWriter) drain(ctx context.Context, events <-chan domain.DeltaEvent) {
	for ev := range events {
		if err := n.Send(ctx, ev); err != nil {
			slog.Debug("stopped writing stream", "error", err)
			for range events {
			}
			return
		}
	}
}
