// Package anthropic adapts the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/httputil"
	"github.com/Daggahh/flow3.chat/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

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

func (a *Adapter) ID() domain.ProviderID {
	return domain.ProviderAnthropic
}

func (a *Adapter) EstimateTokens(messages []domain.Message) int {
	return provider.EstimateTokens(messages)
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

func (a *Adapter) GenerateCompletion(ctx context.Context, messages []domain.Message, modelID string, opts provider.Options) (<-chan domain.DeltaEvent, <-chan error) {
	deltas := make(chan domain.DeltaEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		anthropicReq := toAnthropicRequest(messages, modelID, opts)
		anthropicReq.Stream = true
		body, err := json.Marshal(anthropicReq)
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		a.setHeaders(httpReq)

		resp, err := a.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- provider.TransportError(domain.ProviderAnthropic, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- &provider.VendorError{Provider: domain.ProviderAnthropic, StatusCode: resp.StatusCode, Body: httputil.ReadErrorBody(resp)}
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

		blocks := make(map[int]*toolBlock)
		var usage domain.Usage
		finishReason := "stop"
		stopped := false

		err = httputil.ReadSSE(ctx, resp.Body, func(sse httputil.SSEEvent) error {
			var event streamEvent
			if err := json.Unmarshal([]byte(sse.Data), &event); err != nil {
				return nil
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					usage.PromptTokens = event.Message.Usage.InputTokens
				}
			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					blocks[event.Index] = &toolBlock{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
				}
			case "content_block_delta":
				if event.Delta == nil {
					return nil
				}
				switch event.Delta.Type {
				case "text_delta":
					return send(domain.TextDelta(event.Delta.Text))
				case "thinking_delta":
					return send(domain.ReasoningDelta(event.Delta.Thinking))
				case "input_json_delta":
					if b, ok := blocks[event.Index]; ok {
						b.input.WriteString(event.Delta.PartialJSON)
					}
				}
			case "content_block_stop":
				if b, ok := blocks[event.Index]; ok {
					delete(blocks, event.Index)
					return send(domain.ToolCallEvent(b.call()))
				}
			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					finishReason = mapStopReason(event.Delta.StopReason)
				}
				if event.Usage != nil {
					usage.CompletionTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				stopped = true
				return httputil.ErrStopStream
			case "error":
				return streamError(event.Error)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ve *provider.VendorError
			if errors.As(err, &ve) {
				errs <- err
				return
			}
			errs <- provider.TransportError(domain.ProviderAnthropic, err)
			return
		}
		if !stopped {
			errs <- provider.TransportError(domain.ProviderAnthropic, httputil.ErrTruncatedStream)
			return
		}

		send(domain.FinishEvent(finishReason, &usage))
	}()

	return deltas, errs
}

// ValidateAPIKey lists models, the cheapest authenticated call.
func (a *Adapter) ValidateAPIKey(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", http.NoBody)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	a.setHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return false, provider.TransportError(domain.ProviderAnthropic, err)
	}
	defer resp.Body.Close()

	return provider.ValidationResult(domain.ProviderAnthropic, resp)
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream,omitempty"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *contentBlock   `json:"content_block,omitempty"`
	Delta        *streamDelta    `json:"delta,omitempty"`
	Usage        *anthropicUsage `json:"usage,omitempty"`
	Error        *streamErr      `json:"error,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Thinking    string `json:"thinking"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

type streamErr struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type toolBlock struct {
	id    string
	name  string
	input strings.Builder
}

func (b *toolBlock) call() domain.ToolCall {
	args := json.RawMessage(b.input.String())
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage("{}")
	}
	return domain.ToolCall{ID: b.id, Name: b.name, Args: args}
}

// streamError maps a mid-stream error event. Overload is reported with
// Anthropic's 529 so it counts as retryable.
func streamError(e *streamErr) error {
	if e == nil {
		return &provider.VendorError{Provider: domain.ProviderAnthropic, StatusCode: http.StatusInternalServerError}
	}
	status := http.StatusInternalServerError
	switch e.Type {
	case "overloaded_error":
		status = 529
	case "rate_limit_error":
		status = http.StatusTooManyRequests
	case "invalid_request_error":
		status = http.StatusBadRequest
	}
	return &provider.VendorError{Provider: domain.ProviderAnthropic, StatusCode: status, Body: e.Type + ": " + e.Message}
}

func toAnthropicRequest(messages []domain.Message, modelID string, opts provider.Options) anthropicRequest {
	var system []string
	if opts.System != "" {
		system = append(system, opts.System)
	}

	var out []anthropicMessage
	appendBlock := func(role string, block contentBlock) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: []contentBlock{block}})
	}

	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
		case domain.RoleUser:
			appendBlock("user", contentBlock{Type: "text", Text: m.Content})
		case domain.RoleAssistant:
			if m.Content != "" {
				appendBlock("assistant", contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				appendBlock("assistant", contentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
		case domain.RoleTool:
			appendBlock("user", contentBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		}
	}

	maxTokens := defaultMaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	req := anthropicRequest{
		Model:       modelID,
		Messages:    out,
		MaxTokens:   maxTokens,
		System:      strings.Join(system, "\n\n"),
		Temperature: opts.Temperature,
	}
	for _, t := range opts.Tools {
		req.Tools = append(req.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return req
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool-calls"
	default:
		return reason
	}
}
