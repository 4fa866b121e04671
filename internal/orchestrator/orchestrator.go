// Package orchestrator drives one chat turn: it dispatches to the selected
// model, runs tool calls between model steps, forwards every delta to a sink
// and persists the assistant message.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Daggahh/flow3.chat/internal/catalog"
	"github.com/Daggahh/flow3.chat/internal/cost"
	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/metrics"
	"github.com/Daggahh/flow3.chat/internal/provider"
	"github.com/Daggahh/flow3.chat/internal/repository"
	"github.com/Daggahh/flow3.chat/internal/telemetry"
	"github.com/Daggahh/flow3.chat/internal/tools"
	"github.com/google/uuid"
)

const (
	ReasonGeneric = "An error occurred while generating the response."
	ReasonTimeout = "The request timed out."
)

type State int

const (
	StateIdle State = iota
	StateDispatched
	StateStreaming
	StateFinished
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatched:
		return "dispatched"
	case StateStreaming:
		return "streaming"
	case StateFinished:
		return "finished"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Model is a language model bound to a vendor adapter.
type Model interface {
	ID() string
	Provider() domain.ProviderID
	Model() catalog.Model
	Stream(ctx context.Context, messages []domain.Message, opts provider.Options) (<-chan domain.DeltaEvent, <-chan error)
}

var _ Model = provider.LanguageModel{}

// Sink receives the turn's events in order.
type Sink interface {
	Send(ctx context.Context, ev domain.DeltaEvent) error
}

type SinkFunc func(ctx context.Context, ev domain.DeltaEvent) error

func (f SinkFunc) Send(ctx context.Context, ev domain.DeltaEvent) error { return f(ctx, ev) }

type Request struct {
	RequestID string
	ChatID    string
	UserID    string
	UserClass domain.UserClass
	// History is the prior transcript. It is never modified.
	History []domain.Message
	Message domain.ChatMessage
	Model   Model
	Tools   tools.Enabled
	Hints   Hints
	// Images is nil when the caller may not generate images.
	Images tools.ImageFunc
}

type Result struct {
	State        State
	Message      *domain.ChatMessage
	FinishReason string
	Usage        domain.Usage
}

type Config struct {
	Timeout      time.Duration
	MaxRetries   int
	MaxSteps     int
	RetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:      60 * time.Second,
		MaxRetries:   2,
		MaxSteps:     5,
		RetryBackoff: 500 * time.Millisecond,
	}
}

type Orchestrator struct {
	messages repository.MessageRepository
	tools    *tools.Registry
	costs    *cost.Calculator
	tracker  cost.Tracker
	cfg      Config
	now      func() time.Time
	newID    func() string
}

type Option func(*Orchestrator)

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

func WithTracker(t cost.Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(messages repository.MessageRepository, registry *tools.Registry, costs *cost.Calculator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		messages: messages,
		tools:    registry,
		costs:    costs,
		cfg:      DefaultConfig(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.MaxSteps < 1 {
		o.cfg.MaxSteps = 1
	}
	return o
}

// turn accumulates what the assistant produced across steps.
type turn struct {
	parts  []domain.Part
	usage  domain.Usage
	finish string
	state  State
}

func (t *turn) appendText(s string) {
	if n := len(t.parts); n > 0 && t.parts[n-1].Type == domain.PartText {
		t.parts[n-1].Text += s
		return
	}
	t.parts = append(t.parts, domain.Part{Type: domain.PartText, Text: s})
}

func (t *turn) appendReasoning(s string) {
	if n := len(t.parts); n > 0 && t.parts[n-1].Type == domain.PartReasoning {
		t.parts[n-1].Reasoning += s
		return
	}
	t.parts = append(t.parts, domain.Part{Type: domain.PartReasoning, Reasoning: s})
}

func (t *turn) appendTool(call domain.ToolCall, result json.RawMessage) {
	t.parts = append(t.parts, domain.Part{
		Type: domain.PartToolInvocation,
		ToolInvocation: &domain.ToolInvocation{
			State:      "result",
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Args:       call.Args,
			Result:     result,
		},
	})
}

// step is the output of a single model call.
type step struct {
	text  strings.Builder
	calls []domain.ToolCall
}

// Run executes one chat turn. Events go to sink as they are produced. When
// ctx is cancelled by the caller nothing is persisted and no terminal event
// is sent.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) (Result, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	runCtx, span := telemetry.StartSpan(runCtx, "chat.turn")
	defer span.End()
	telemetry.AddTurnAttributes(span, telemetry.Turn{
		RequestID: req.RequestID,
		ChatID:    req.ChatID,
		UserClass: string(req.UserClass),
		Provider:  string(req.Model.Provider()),
		Model:     req.Model.ID(),
	})

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	logger := slog.With(
		"request_id", req.RequestID,
		"chat_id", req.ChatID,
		"provider", req.Model.Provider(),
		"model", req.Model.ID(),
	)

	history := make([]domain.Message, 0, len(req.History)+1)
	history = append(history, req.History...)
	history = append(history, domain.Message{Role: domain.RoleUser, Content: req.Message.Text()})

	var specs []provider.ToolSpec
	if o.tools != nil && req.Model.Model().SupportsTools() && !IsReasoningModel(req.Model.Model()) {
		specs = o.tools.Specs(req.Tools)
	}
	opts := provider.Options{
		System: SystemPrompt(req.Model.Model(), req.Hints, specs),
		Tools:  specs,
	}
	env := tools.Env{UserID: req.UserID, Model: req.Model, Images: req.Images}

	t := &turn{state: StateIdle, finish: "stop"}
	var err error

	for i := 0; i < o.cfg.MaxSteps; i++ {
		telemetry.AddStepAttribute(span, i+1)

		var s *step
		s, err = o.runStep(runCtx, req.Model, history, opts, t, sink)
		if err != nil {
			break
		}
		if len(s.calls) == 0 {
			break
		}

		history = append(history, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   s.text.String(),
			ToolCalls: s.calls,
		})
		for _, call := range s.calls {
			result := o.executeTool(runCtx, env, call)
			t.appendTool(call, result)
			if err = sink.Send(runCtx, domain.ToolResultEvent(call.ID, call.Name, result)); err != nil {
				break
			}
			history = append(history, domain.Message{
				Role:       domain.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    string(result),
			})
		}
		if err != nil {
			break
		}
		t.finish = "tool-calls"
	}

	status := "success"
	switch {
	case err == nil:
		t.state = StateFinished
	case ctx.Err() != nil:
		// Caller went away or stopped the generation.
		logger.Info("generation cancelled", "error", err)
		t.state = StateErrored
		metrics.RecordRequest(string(req.UserClass), string(req.Model.Provider()), req.Model.ID(), "cancelled", time.Since(start).Seconds())
		return Result{State: t.state, Usage: t.usage}, ctx.Err()
	default:
		t.state = StateErrored
		status = "error"
	}

	result := Result{State: t.state, FinishReason: t.finish, Usage: t.usage}
	o.recordUsage(runCtx, req, t.usage, time.Since(start))
	metrics.RecordRequest(string(req.UserClass), string(req.Model.Provider()), req.Model.ID(), status, time.Since(start).Seconds())

	if t.state == StateFinished {
		msg := o.assistantMessage(req.ChatID, t.parts, false)
		if perr := o.persist(ctx, msg); perr != nil {
			logger.Error("failed to persist assistant message", "error", perr)
		}
		result.Message = msg
		if serr := sink.Send(ctx, domain.FinishEvent(t.finish, &t.usage)); serr != nil {
			logger.Warn("failed to deliver finish event", "error", serr)
		}
		logger.Info("chat turn finished",
			"finish_reason", t.finish,
			"prompt_tokens", t.usage.PromptTokens,
			"completion_tokens", t.usage.CompletionTokens,
			"duration", time.Since(start),
		)
		return result, nil
	}

	reason := ReasonGeneric
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		reason = ReasonTimeout
	}
	telemetry.AddErrorAttribute(span, err)
	metrics.RecordProviderError(string(req.Model.Provider()), errorType(err))
	logger.Error("chat turn failed", "error", err, "duration", time.Since(start))

	if len(t.parts) > 0 {
		msg := o.assistantMessage(req.ChatID, t.parts, true)
		if perr := o.persist(ctx, msg); perr != nil {
			logger.Error("failed to persist partial message", "error", perr)
		}
		result.Message = msg
	}
	if serr := sink.Send(ctx, domain.ErrorEvent(reason)); serr != nil {
		logger.Warn("failed to deliver error event", "error", serr)
	}
	return result, err
}

// runStep performs one model call. A retryable vendor failure before the
// first delta is retried with linear backoff.
func (o *Orchestrator) runStep(ctx context.Context, model Model, history []domain.Message, opts provider.Options, t *turn, sink Sink) (*step, error) {
	for attempt := 0; ; attempt++ {
		if t.state == StateIdle {
			t.state = StateDispatched
		}

		s := &step{}
		started, err := o.consume(ctx, model, history, opts, s, t, sink)
		if err == nil {
			return s, nil
		}
		if started || attempt >= o.cfg.MaxRetries || !provider.IsRetryable(err) || ctx.Err() != nil {
			return s, err
		}

		slog.Warn("retrying vendor dispatch",
			"provider", model.Provider(),
			"model", model.ID(),
			"attempt", attempt+1,
			"error", err,
		)
		select {
		case <-time.After(o.cfg.RetryBackoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// consume reads one vendor stream to its end. started reports whether any
// delta was received.
func (o *Orchestrator) consume(ctx context.Context, model Model, history []domain.Message, opts provider.Options, s *step, t *turn, sink Sink) (started bool, err error) {
	dispatchCtx, span := telemetry.StartSpan(ctx, "vendor.dispatch")
	defer span.End()
	dispatchCtx, abort := context.WithCancel(dispatchCtx)
	defer abort()

	deltas, errs := model.Stream(dispatchCtx, history, opts)

	var sinkErr error
	for ev := range deltas {
		if sinkErr != nil {
			abort()
			continue
		}
		started = true
		t.state = StateStreaming

		switch ev.Type {
		case domain.EventTextDelta:
			s.text.WriteString(ev.Content)
			t.appendText(ev.Content)
			sinkErr = sink.Send(ctx, ev)
		case domain.EventReasoningDelta:
			t.appendReasoning(ev.Content)
			sinkErr = sink.Send(ctx, ev)
		case domain.EventToolCall:
			s.calls = append(s.calls, domain.ToolCall{ID: ev.ToolCallID, Name: ev.Name, Args: ev.Args})
			sinkErr = sink.Send(ctx, ev)
		case domain.EventFinish:
			if ev.FinishReason != "" {
				t.finish = ev.FinishReason
			}
			if ev.Usage != nil {
				t.usage.PromptTokens += ev.Usage.PromptTokens
				t.usage.CompletionTokens += ev.Usage.CompletionTokens
				telemetry.AddTokenAttributes(span, ev.Usage.PromptTokens, ev.Usage.CompletionTokens)
			}
		}
	}
	if sinkErr != nil {
		return started, sinkErr
	}
	if err := <-errs; err != nil {
		telemetry.AddErrorAttribute(span, err)
		return started, err
	}
	if err := ctx.Err(); err != nil {
		return started, err
	}
	return started, nil
}

// executeTool always yields a JSON result. Failures become {"error": "..."}.
func (o *Orchestrator) executeTool(ctx context.Context, env tools.Env, call domain.ToolCall) json.RawMessage {
	result, err := o.tools.Execute(ctx, env, call)
	if err == nil {
		return result
	}
	var execErr *tools.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Result()
	}
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}

func (o *Orchestrator) assistantMessage(chatID string, parts []domain.Part, incomplete bool) *domain.ChatMessage {
	return &domain.ChatMessage{
		ID:          o.newID(),
		ChatID:      chatID,
		Role:        domain.RoleAssistant,
		Parts:       parts,
		Attachments: []domain.Attachment{},
		Incomplete:  incomplete,
		CreatedAt:   o.now().UTC(),
	}
}

// persist saves msg even when ctx has expired on a timeout.
func (o *Orchestrator) persist(ctx context.Context, msg *domain.ChatMessage) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return o.messages.Save(saveCtx, msg)
}

func (o *Orchestrator) recordUsage(ctx context.Context, req Request, usage domain.Usage, elapsed time.Duration) {
	providerID, model := string(req.Model.Provider()), req.Model.ID()
	metrics.RecordTokens(providerID, model, usage.PromptTokens, usage.CompletionTokens)

	if o.costs == nil {
		return
	}
	costUSD := o.costs.Calculate(model, usage)
	metrics.RecordCost(providerID, model, costUSD)
	telemetry.AddCostAttribute(ctx, costUSD)

	if o.tracker == nil {
		return
	}
	err := o.tracker.Record(context.WithoutCancel(ctx), cost.UsageRecord{
		UserID:       req.UserID,
		ChatID:       req.ChatID,
		RequestID:    req.RequestID,
		Model:        model,
		Provider:     providerID,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		CostUSD:      costUSD,
		LatencyMs:    elapsed.Milliseconds(),
		Timestamp:    o.now(),
	})
	if err != nil {
		slog.Warn("failed to record usage", "request_id", req.RequestID, "error", err)
	}
}

func errorType(err error) string {
	var ve *provider.VendorError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		return "circuit_open"
	case errors.Is(err, domain.ErrTransport):
		return "transport"
	case errors.As(err, &ve):
		switch {
		case ve.StatusCode == http.StatusTooManyRequests:
			return "rate_limit"
		case ve.StatusCode >= 500:
			return "server_error"
		default:
			return "client_error"
		}
	default:
		return "unknown"
	}
}
