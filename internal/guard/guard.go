// Package guard runs the entitlement checks every chat turn passes before a
// vendor is contacted.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Daggahh/flow3.chat/internal/catalog"
	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/entitlement"
	"github.com/Daggahh/flow3.chat/internal/ratelimit"
	"github.com/Daggahh/flow3.chat/internal/repository"
	"github.com/tiktoken-go/tokenizer"
)

const quotaWindow = 24 * time.Hour

// MessageCounter is the slice of the message repository the quota check needs.
type MessageCounter interface {
	CountByUserSince(ctx context.Context, userID string, since time.Time) (int, error)
}

var _ MessageCounter = (repository.MessageRepository)(nil)

type Guard struct {
	messages MessageCounter
	catalog  *catalog.Catalog
	guests   *ratelimit.GuestLimiter
	burst    ratelimit.RateLimiter
	rpm      int
	now      func() time.Time
}

type Option func(*Guard)

// WithGuestLimiter enables the anonymous free tier.
func WithGuestLimiter(l *ratelimit.GuestLimiter) Option {
	return func(g *Guard) { g.guests = l }
}

// WithBurstLimit caps chat requests per user per minute.
func WithBurstLimit(l ratelimit.RateLimiter, rpm int) Option {
	return func(g *Guard) {
		g.burst = l
		g.rpm = rpm
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func New(messages MessageCounter, cat *catalog.Catalog, opts ...Option) *Guard {
	g := &Guard{
		messages: messages,
		catalog:  cat,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Usage summarizes the caller's standing against the daily quota.
type Usage struct {
	MessageCount      int              `json:"messageCount"`
	MaxMessagesPerDay int              `json:"maxMessagesPerDay"`
	Remaining         int              `json:"remaining"`
	UserClass         domain.UserClass `json:"userClass"`
}

func (g *Guard) Usage(ctx context.Context, userID string, class domain.UserClass) (Usage, error) {
	ent := entitlement.For(class)
	count, err := g.messages.CountByUserSince(ctx, userID, g.now().Add(-quotaWindow))
	if err != nil {
		return Usage{}, fmt.Errorf("count messages: %w", err)
	}
	remaining := ent.MaxMessagesPerDay - count
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		MessageCount:      count,
		MaxMessagesPerDay: ent.MaxMessagesPerDay,
		Remaining:         remaining,
		UserClass:         class,
	}, nil
}

// CheckQuota fails with ErrDailyQuota once the user has sent the daily maximum
// of messages in the trailing 24 hours.
func (g *Guard) CheckQuota(ctx context.Context, userID string, class domain.UserClass) error {
	u, err := g.Usage(ctx, userID, class)
	if err != nil {
		return err
	}
	if u.MessageCount >= u.MaxMessagesPerDay {
		return domain.ErrDailyQuota
	}
	return nil
}

func (g *Guard) CheckModelAllowed(class domain.UserClass, modelID string) error {
	if _, ok := g.catalog.Lookup(modelID); !ok {
		return fmt.Errorf("%w: unknown model %q", domain.ErrModelNotAllowed, modelID)
	}
	if !entitlement.For(class).Allows(modelID) {
		return fmt.Errorf("%w: %q", domain.ErrModelNotAllowed, modelID)
	}
	return nil
}

func (g *Guard) CheckMessageTokens(class domain.UserClass, text string) error {
	limit := entitlement.For(class).MaxTokensPerMessage
	if n := CountTokens(text); n > limit {
		return fmt.Errorf("%w: %d tokens, limit %d", domain.ErrMessageTooLong, n, limit)
	}
	return nil
}

// CheckBurst applies the per-user requests-per-minute limit. It is a no-op
// when no limiter is configured.
func (g *Guard) CheckBurst(ctx context.Context, userID string) error {
	if g.burst == nil || g.rpm <= 0 {
		return nil
	}
	allowed, _, _, err := g.burst.Allow(ctx, "chat:"+userID, g.rpm, time.Minute)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if !allowed {
		return domain.ErrRateLimited
	}
	return nil
}

// FreeTier reports whether modelID may be served on the default key under
// the anonymous free-tier counter.
func (g *Guard) FreeTier(modelID string) bool {
	return g.guests != nil && g.catalog.IsFreeTier(modelID)
}

// GuestTier reports whether t runs under the anonymous free-tier counter:
// a guest asking for a free-tier model without a key of its own.
func (g *Guard) GuestTier(t Turn) bool {
	return t.Class == domain.UserClassGuest && !t.HasVendorKey && g.FreeTier(t.ModelID)
}

// ReleaseGuest refunds a free-tier slot reserved by Admit.
func (g *Guard) ReleaseGuest(ctx context.Context, guestID string) error {
	if g.guests == nil || guestID == "" {
		return nil
	}
	return g.guests.Release(ctx, guestID)
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

// CountTokens returns the cl100k_base token count of text, or a chars/4
// estimate if the codec cannot be loaded.
func CountTokens(text string) int {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if codecErr != nil {
		return (len(text) + 3) / 4
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

// Turn describes one inbound chat turn for admission.
type Turn struct {
	UserID  string
	Class   domain.UserClass
	GuestID string
	ModelID string
	Text    string
	// HasVendorKey is true when the caller stored a key for the model's vendor.
	HasVendorKey bool
}

type Admission struct {
	// FreeTier is set when the turn holds a reserved slot on the guest
	// counter. The caller must ReleaseGuest if the turn does not complete.
	FreeTier bool
	GuestID  string
}

// Admit runs every pre-dispatch check in order: burst limit, model
// entitlement, message size, daily quota. Guests on the free tier reserve a
// slot on the anonymous counter last, so a rejected turn never holds one.
func (g *Guard) Admit(ctx context.Context, t Turn) (Admission, error) {
	if err := g.CheckBurst(ctx, t.UserID); err != nil {
		return Admission{}, err
	}

	guest := g.GuestTier(t)
	if !guest {
		if err := g.CheckModelAllowed(t.Class, t.ModelID); err != nil {
			return Admission{}, err
		}
	}

	if err := g.CheckMessageTokens(t.Class, t.Text); err != nil {
		return Admission{}, err
	}
	if err := g.CheckQuota(ctx, t.UserID, t.Class); err != nil {
		return Admission{}, err
	}

	if !guest {
		return Admission{}, nil
	}
	id := t.GuestID
	if id == "" {
		id = t.UserID
	}
	if _, err := g.guests.Reserve(ctx, id); err != nil {
		return Admission{}, err
	}
	return Admission{FreeTier: true, GuestID: id}, nil
}
