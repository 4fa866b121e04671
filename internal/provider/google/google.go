// Package google adapts the Gemini generateContent API.
package google

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
	"github.com/google/uuid"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

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

func (a *Adapter) ID() domain.ProviderID { return domain.ProviderGoogle }

func (a *Adapter) EstimateTokens(messages []domain.Message) int {
	return provider.EstimateTokens(messages)
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func buildRequest(messages []domain.Message, opts provider.Options) geminiRequest {
	var req geminiRequest
	var system []geminiPart
	if opts.System != "" {
		system = append(system, geminiPart{Text: opts.System})
	}

	appendPart := func(role string, part geminiPart) {
		if n := len(req.Contents); n > 0 && req.Contents[n-1].Role == role {
			req.Contents[n-1].Parts = append(req.Contents[n-1].Parts, part)
			return
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: []geminiPart{part}})
	}

	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, geminiPart{Text: m.Content})
		case domain.RoleUser:
			appendPart("user", geminiPart{Text: m.Content})
		case domain.RoleAssistant:
			if m.Content != "" {
				appendPart("model", geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				appendPart("model", geminiPart{FunctionCall: &functionCall{Name: tc.Name, Args: tc.Args}})
			}
		case domain.RoleTool:
			appendPart("user", geminiPart{FunctionResponse: &functionResponse{
				Name:     m.Name,
				Response: responseObject(m.Content),
			}})
		}
	}

	if len(system) > 0 {
		req.SystemInstruction = &geminiContent{Parts: system}
	}
	if len(opts.Tools) > 0 {
		decls := make([]functionDeclaration, len(opts.Tools))
		for i, t := range opts.Tools {
			decls[i] = functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		req.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if opts.Temperature != nil || opts.MaxTokens > 0 {
		req.GenerationConfig = &geminiGenerationConfig{
			Temperature:     opts.Temperature,
			MaxOutputTokens: opts.MaxTokens,
		}
	}
	return req
}

// responseObject wraps non-object tool output, since Gemini only accepts
// objects as function responses.
func responseObject(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(map[string]string{"result": content})
	return b
}

func (a *Adapter) GenerateCompletion(ctx context.Context, messages []domain.Message, modelID string, opts provider.Options) (<-chan domain.DeltaEvent, <-chan error) {
	deltas := make(chan domain.DeltaEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		body, err := json.Marshal(buildRequest(messages, opts))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", a.baseURL, modelID)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", a.apiKey)

		resp, err := a.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- provider.TransportError(domain.ProviderGoogle, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- &provider.VendorError{Provider: domain.ProviderGoogle, StatusCode: resp.StatusCode, Body: httputil.ReadErrorBody(resp)}
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

		finishReason := "stop"
		calledTools := false
		var usage *domain.Usage

		// The last chunk of a complete response carries a finishReason.
		finished := false
		err = httputil.ReadSSE(ctx, resp.Body, func(ev httputil.SSEEvent) error {
			var chunk geminiResponse
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				return nil
			}
			if chunk.UsageMetadata != nil {
				usage = &domain.Usage{
					PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
					CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
				}
			}
			if len(chunk.Candidates) == 0 {
				return nil
			}

			cand := chunk.Candidates[0]
			if cand.FinishReason != "" {
				finished = true
				finishReason = mapFinishReason(cand.FinishReason)
			}
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					calledTools = true
					args := part.FunctionCall.Args
					if len(args) == 0 {
						args = json.RawMessage("{}")
					}
					call := domain.ToolCall{ID: "call_" + uuid.NewString(), Name: part.FunctionCall.Name, Args: args}
					if err := send(domain.ToolCallEvent(call)); err != nil {
						return err
					}
				case part.Thought && part.Text != "":
					if err := send(domain.ReasoningDelta(part.Text)); err != nil {
						return err
					}
				case part.Text != "":
					if err := send(domain.TextDelta(part.Text)); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errs <- provider.TransportError(domain.ProviderGoogle, err)
			return
		}
		if !finished {
			errs <- provider.TransportError(domain.ProviderGoogle, httputil.ErrTruncatedStream)
			return
		}

		if calledTools {
			finishReason = "tool-calls"
		}
		send(domain.FinishEvent(finishReason, usage))
	}()

	return deltas, errs
}

func (a *Adapter) ValidateAPIKey(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", http.NoBody)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return false, provider.TransportError(domain.ProviderGoogle, err)
	}
	defer resp.Body.Close()

	return provider.ValidationResult(domain.ProviderGoogle, resp)
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content-filter"
	default:
		return provider.NormalizeFinishReason(reason)
	}
}
