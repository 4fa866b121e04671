package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Daggahh/flow3.chat/internal/circuitbreaker"
	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type MockPublisherFunc struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error)
	inputs      []*sns.PublishInput
}

func (m *MockPublisherFunc) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, params)
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSNSNotifier_Send(t *testing.T) {
	pub := &MockPublisherFunc{}
	n := NewSNSNotifierWithClient(pub, "arn:aws:sns:us-east-1:123:flow3")

	err := n.Send(context.Background(), Notification{
		Type:     NotificationProviderDown,
		Provider: domain.ProviderAnthropic,
		Message:  "down",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(pub.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.inputs))
	}
	in := pub.inputs[0]
	if aws.ToString(in.TopicArn) != "arn:aws:sns:us-east-1:123:flow3" {
		t.Errorf("TopicArn = %s", aws.ToString(in.TopicArn))
	}
	if got := aws.ToString(in.MessageAttributes["Type"].StringValue); got != "provider_down" {
		t.Errorf("Type attribute = %s, want provider_down", got)
	}
	if got := aws.ToString(in.MessageAttributes["Provider"].StringValue); got != "anthropic" {
		t.Errorf("Provider attribute = %s, want anthropic", got)
	}

	var body Notification
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &body); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if body.Message != "down" {
		t.Errorf("Message = %q, want down", body.Message)
	}
}

func TestSNSNotifier_StampsAndFIFO(t *testing.T) {
	pub := &MockPublisherFunc{}
	n := NewSNSNotifierWithClient(pub, "arn:aws:sns:us-east-1:123:flow3.fifo", WithSource("pod-a"))
	at := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return at }

	if err := n.Send(context.Background(), Notification{Type: NotificationQuotaExceeded, UserID: "user-1"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	in := pub.inputs[0]
	if aws.ToString(in.MessageGroupId) != "quota_exceeded" {
		t.Errorf("MessageGroupId = %s, want quota_exceeded", aws.ToString(in.MessageGroupId))
	}
	if len(aws.ToString(in.MessageDeduplicationId)) != 64 {
		t.Errorf("MessageDeduplicationId = %q, want a sha256 hex digest", aws.ToString(in.MessageDeduplicationId))
	}
	if _, ok := in.MessageAttributes["Provider"]; ok {
		t.Error("Provider attribute should be omitted when empty")
	}

	var body Notification
	json.Unmarshal([]byte(aws.ToString(in.Message)), &body)
	if !body.OccurredAt.Equal(at) || body.Source != "pod-a" {
		t.Errorf("body = %+v, want stamped time and source", body)
	}
}

func TestSNSNotifier_StandardTopicHasNoGroup(t *testing.T) {
	pub := &MockPublisherFunc{}
	n := NewSNSNotifierWithClient(pub, "arn:aws:sns:us-east-1:123:flow3")

	n.Send(context.Background(), Notification{Type: NotificationCredentialRevoked, UserID: "user-1", Provider: domain.ProviderOpenAI})

	if pub.inputs[0].MessageGroupId != nil {
		t.Error("standard topics must not carry a message group")
	}
}

func TestSNSNotifier_SendError(t *testing.T) {
	pub := &MockPublisherFunc{PublishFunc: func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error) {
		return nil, errors.New("throttled")
	}}
	n := NewSNSNotifierWithClient(pub, "arn")

	if err := n.Send(context.Background(), Notification{Type: NotificationQuotaExceeded}); err == nil {
		t.Error("expected error")
	}
}

func TestBreakerHook(t *testing.T) {
	tests := []struct {
		name     string
		from, to circuitbreaker.State
		want     NotificationType
	}{
		{"opened", circuitbreaker.StateClosed, circuitbreaker.StateOpen, NotificationProviderDown},
		{"reopened from trial", circuitbreaker.StateHalfOpen, circuitbreaker.StateOpen, NotificationProviderDown},
		{"recovered", circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed, NotificationProviderUp},
		{"trial", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewInMemoryNotifier()
			BreakerHook(n)(context.Background(), domain.ProviderOpenAI, tt.from, tt.to)

			got := n.GetNotifications()
			if tt.want == "" {
				if len(got) != 0 {
					t.Errorf("expected no notification, got %+v", got)
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("expected 1 notification, got %d", len(got))
			}
			if got[0].Type != tt.want || got[0].Provider != domain.ProviderOpenAI {
				t.Errorf("notification = %+v", got[0])
			}
		})
	}
}

func TestBreakerHook_WithManager(t *testing.T) {
	n := NewInMemoryNotifier()
	m := circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 0},
		circuitbreaker.OnTransition(BreakerHook(n)))

	cb := m.Get(domain.ProviderMistral)
	cb.RecordFailure(context.Background())

	got := n.GetNotifications()
	if len(got) != 1 || got[0].Type != NotificationProviderDown {
		t.Errorf("notifications = %+v, want one provider_down", got)
	}
}
