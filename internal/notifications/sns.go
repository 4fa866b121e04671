// Package notifications publishes operational events to an SNS topic.
package notifications

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Daggahh/flow3.chat/internal/circuitbreaker"
	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type NotificationType string

const (
	NotificationProviderDown      NotificationType = "provider_down"
	NotificationProviderUp        NotificationType = "provider_up"
	NotificationQuotaExceeded     NotificationType = "quota_exceeded"
	NotificationCredentialRevoked NotificationType = "credential_revoked"
)

type Notification struct {
	Type     NotificationType       `json:"type"`
	UserID   string                 `json:"user_id,omitempty"`
	Provider domain.ProviderID      `json:"provider,omitempty"`
	Message  string                 `json:"message"`
	Data     map[string]interface{} `json:"data,omitempty"`
	// Set by the publisher when empty.
	OccurredAt time.Time `json:"occurred_at"`
	Source     string    `json:"source,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// SNSPublisher is the part of the SNS client the notifier uses.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes JSON notifications with Type and Provider message
// attributes so subscribers can filter. FIFO topics get one message group
// per notification type.
type SNSNotifier struct {
	client   SNSPublisher
	topicArn string
	fifo     bool
	source   string
	now      func() time.Time
}

type SNSOption func(*SNSNotifier)

// WithSource stamps every notification with the publishing instance.
func WithSource(source string) SNSOption {
	return func(n *SNSNotifier) { n.source = source }
}

func NewSNSNotifier(ctx context.Context, region, topicArn string, opts ...SNSOption) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSNSNotifierWithClient(sns.NewFromConfig(cfg), topicArn, opts...), nil
}

func NewSNSNotifierWithClient(client SNSPublisher, topicArn string, opts ...SNSOption) *SNSNotifier {
	n := &SNSNotifier{
		client:   client,
		topicArn: topicArn,
		fifo:     strings.HasSuffix(topicArn, ".fifo"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func stringAttr(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	if notification.OccurredAt.IsZero() {
		notification.OccurredAt = n.now().UTC()
	}
	if notification.Source == "" {
		notification.Source = n.source
	}

	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Subject:  aws.String("flow3 " + string(notification.Type)),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": stringAttr(string(notification.Type)),
		},
	}
	if notification.Provider != "" {
		input.MessageAttributes["Provider"] = stringAttr(string(notification.Provider))
	}
	if n.fifo {
		input.MessageGroupId = aws.String(string(notification.Type))
		input.MessageDeduplicationId = aws.String(deduplicationID(message))
	}

	out, err := n.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"provider", notification.Provider,
		"user_id", notification.UserID,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

func deduplicationID(message []byte) string {
	sum := sha256.Sum256(message)
	return hex.EncodeToString(sum[:])
}

// BreakerHook turns circuit breaker transitions into provider_down and
// provider_up notifications. Delivery failures are logged.
func BreakerHook(n Notifier) circuitbreaker.TransitionFunc {
	return func(ctx context.Context, provider domain.ProviderID, from, to circuitbreaker.State) {
		var typ NotificationType
		switch {
		case to == circuitbreaker.StateOpen:
			typ = NotificationProviderDown
		case to == circuitbreaker.StateClosed && from != circuitbreaker.StateClosed:
			typ = NotificationProviderUp
		default:
			return
		}

		err := n.Send(context.WithoutCancel(ctx), Notification{
			Type:     typ,
			Provider: provider,
			Message:  fmt.Sprintf("circuit breaker for %s moved from %s to %s", provider, from, to),
			Data:     map[string]interface{}{"from": from.String(), "to": to.String()},
		})
		if err != nil {
			slog.Warn("failed to send breaker notification", "provider", provider, "error", err)
		}
	}
}

// InMemoryNotifier records notifications for tests.
type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{notifications: make([]Notification, 0)}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)
	slog.Debug("notification recorded", "type", notification.Type, "provider", notification.Provider)
	return nil
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}
