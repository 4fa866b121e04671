// Package cohere adapts the Cohere v2 chat API.
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/httputil"
	"github.com/Daggahh/flow3.chat/internal/provider"
)

const defaultBaseURL = "https://api.cohere.com"

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

func New(apiKey, baseURL string, client *http.Client) provider.Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (a *Adapter) ID() domain.ProviderID { return domain.ProviderCohere }

func (a *Adapter) EstimateTokens(messages []domain.Message) int {
	return provider.EstimateTokens(messages)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type streamMessage struct {
	Content *struct {
		Text string `json:"text"`
	} `json:"content"`
	ToolPlan  string    `json:"tool_plan"`
	ToolCalls *toolCall `json:"tool_calls"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta *struct {
		Message      *streamMessage `json:"message"`
		FinishReason string `json:"finish_reason"`
		Usage        *struct {
			BilledUnits struct {
				InputTokens  float64 `json:"input_tokens"`
				OutputTokens float64 `json:"output_tokens"`
			} `json:"billed_units"`
		} `json:"usage"`
	} `json:"delta"`
}

func buildRequest(messages []domain.Message, modelID string, opts provider.Options) chatRequest {
	req := chatRequest{
		Model:       modelID,
		Stream:      true,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: opts.System})
	}
	for _, m := range messages {
		msg := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, toolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: functionCall{Name: tc.Name, Arguments: string(tc.Args)},
			})
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, t := range opts.Tools {
		var ct chatTool
		ct.Type = "function"
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.Parameters
		req.Tools = append(req.Tools, ct)
	}
	return req
}

func (a *Adapter) GenerateCompletion(ctx context.Context, messages []domain.Message, modelID string, opts provider.Options) (<-chan domain.DeltaEvent, <-chan error) {
	deltas := make(chan domain.DeltaEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		body, err := json.Marshal(buildRequest(messages, modelID, opts))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v2/chat", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

		resp, err := a.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- provider.TransportError(domain.ProviderCohere, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- &provider.VendorError{Provider: domain.ProviderCohere, StatusCode: resp.StatusCode, Body: httputil.ReadErrorBody(resp)}
			return
		}

		send := func(ev domain.DeltaEvent) error {
			select {
			case deltas <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var current *domain.ToolCall
		var args strings.Builder
		finishReason := "stop"
		var usage *domain.Usage

		ended := false
		err = httputil.ReadSSE(ctx, resp.Body, func(sse httputil.SSEEvent) error {
			var event streamEvent
			if err := json.Unmarshal([]byte(sse.Data), &event); err != nil {
				return nil
			}
			var msg *streamMessage
			if event.Delta != nil {
				msg = event.Delta.Message
			}

			switch event.Type {
			case "content-delta":
				if msg != nil && msg.Content != nil && msg.Content.Text != "" {
					return send(domain.TextDelta(msg.Content.Text))
				}
			case "tool-plan-delta":
				if msg != nil && msg.ToolPlan != "" {
					return send(domain.ReasoningDelta(msg.ToolPlan))
				}
			case "tool-call-start":
				if msg != nil && msg.ToolCalls != nil {
					current = &domain.ToolCall{ID: msg.ToolCalls.ID, Name: msg.ToolCalls.Function.Name}
					args.Reset()
					args.WriteString(msg.ToolCalls.Function.Arguments)
				}
			case "tool-call-delta":
				if current != nil && msg != nil && msg.ToolCalls != nil {
					args.WriteString(msg.ToolCalls.Function.Arguments)
				}
			case "tool-call-end":
				if current != nil {
					call := *current
					call.Args = rawArgs(args.String())
					current = nil
					return send(domain.ToolCallEvent(call))
				}
			case "message-end":
				ended = true
				if event.Delta == nil {
					return httputil.ErrStopStream
				}
				finishReason = mapFinishReason(event.Delta.FinishReason)
				if u := event.Delta.Usage; u != nil {
					usage = &domain.Usage{
						PromptTokens:     int(u.BilledUnits.InputTokens),
						CompletionTokens: int(u.BilledUnits.OutputTokens),
					}
				}
				return httputil.ErrStopStream
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errs <- provider.TransportError(domain.ProviderCohere, err)
			return
		}
		if !ended {
			errs <- provider.TransportError(domain.ProviderCohere, httputil.ErrTruncatedStream)
			return
		}

		send(domain.FinishEvent(finishReason, usage))
	}()

	return deltas, errs
}

func (a *Adapter) ValidateAPIKey(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", http.NoBody)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return false, provider.TransportError(domain.ProviderCohere, err)
	}
	defer resp.Body.Close()

	return provider.ValidationResult(domain.ProviderCohere, resp)
}

func rawArgs(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

func mapFinishReason(reason string) string {
	switch reason {
	case "COMPLETE", "STOP_SEQUENCE", "":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "TOOL_CALL":
		return "tool-calls"
	default:
		return provider.NormalizeFinishReason(reason)
	}
}
