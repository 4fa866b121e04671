// Package openai adapts the OpenAI API through the official SDK. The same
// streaming core serves vendors that speak the chat completions wire format.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/httputil"
	"github.com/Daggahh/flow3.chat/internal/provider"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const defaultBaseURL = "https://api.openai.com/v1/"

type Adapter struct {
	id  domain.ProviderID
	cli openai.Client
}

var (
	_ provider.Adapter        = (*Adapter)(nil)
	_ provider.ImageGenerator = (*Adapter)(nil)
)

func New(apiKey, baseURL string, client *http.Client) provider.Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return NewFor(domain.ProviderOpenAI, apiKey, baseURL, client)
}

// NewFor builds an adapter for any vendor with an OpenAI-compatible
// endpoint at baseURL. Errors and metrics are attributed to id.
func NewFor(id domain.ProviderID, apiKey, baseURL string, client *http.Client) *Adapter {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if client != nil {
		opts = append(opts, option.WithHTTPClient(client))
	}
	return &Adapter{id: id, cli: openai.NewClient(opts...)}
}

func (a *Adapter) ID() domain.ProviderID {
	return a.id
}

func (a *Adapter) EstimateTokens(messages []domain.Message) int {
	return provider.EstimateTokens(messages)
}

func (a *Adapter) GenerateCompletion(ctx context.Context, messages []domain.Message, modelID string, opts provider.Options) (<-chan domain.DeltaEvent, <-chan error) {
	deltas := make(chan domain.DeltaEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		params := openai.ChatCompletionNewParams{
			Model:    shared.ChatModel(modelID),
			Messages: toParams(messages, opts.System),
			StreamOptions: openai.ChatCompletionStreamOptionsParam{
				IncludeUsage: openai.Bool(true),
			},
		}
		if opts.MaxTokens > 0 {
			// Compatible vendors only understand the older max_tokens field.
			if a.id == domain.ProviderOpenAI {
				params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
			} else {
				params.MaxTokens = openai.Int(int64(opts.MaxTokens))
			}
		}
		if opts.Temperature != nil {
			params.Temperature = openai.Float(*opts.Temperature)
		}
		if len(opts.Tools) > 0 {
			params.Tools = toTools(opts.Tools)
		}

		stream := a.cli.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		send := func(ev domain.DeltaEvent) bool {
			select {
			case deltas <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		calls := make(map[int64]*domain.ToolCall)
		args := make(map[int64]string)
		finishReason := "stop"
		finished := false
		var usage *domain.Usage

		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = &domain.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finished = true
				finishReason = provider.NormalizeFinishReason(choice.FinishReason)
			}
			if reasoning := reasoningContent(choice.Delta); reasoning != "" {
				if !send(domain.ReasoningDelta(reasoning)) {
					return
				}
			}
			if choice.Delta.Content != "" {
				if !send(domain.TextDelta(choice.Delta.Content)) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				call, ok := calls[tc.Index]
				if !ok {
					call = &domain.ToolCall{}
					calls[tc.Index] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				call.Name += tc.Function.Name
				args[tc.Index] += tc.Function.Arguments
			}
		}

		if err := stream.Err(); err != nil {
			errs <- a.mapError(ctx, err)
			return
		}
		if !finished {
			errs <- provider.TransportError(a.id, httputil.ErrTruncatedStream)
			return
		}

		indexes := make([]int64, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
		for _, i := range indexes {
			call := *calls[i]
			call.Args = rawArgs(args[i])
			if !send(domain.ToolCallEvent(call)) {
				return
			}
		}

		send(domain.FinishEvent(finishReason, usage))
	}()

	return deltas, errs
}

func (a *Adapter) ValidateAPIKey(ctx context.Context) (bool, error) {
	_, err := a.cli.Models.List(ctx)
	if err == nil {
		return true, nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest:
			return false, nil
		}
		return false, &provider.VendorError{Provider: a.id, StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
	}
	return false, provider.TransportError(a.id, err)
}

// GenerateImage renders prompt at 1024x1024 and returns the base64 PNG.
func (a *Adapter) GenerateImage(ctx context.Context, prompt, vendorModel string) (string, error) {
	resp, err := a.cli.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(vendorModel),
		N:              openai.Int(1),
		Size:           openai.ImageGenerateParamsSize1024x1024,
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	})
	if err != nil {
		return "", a.mapError(ctx, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return "", fmt.Errorf("%s: empty image response", a.id)
	}
	return resp.Data[0].B64JSON, nil
}

func (a *Adapter) mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &provider.VendorError{Provider: a.id, StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
	}
	return provider.TransportError(a.id, err)
}

// reasoningContent returns the reasoning_content extension some compatible
// vendors (DeepSeek, OpenRouter) stream alongside the regular delta.
func reasoningContent(delta openai.ChatCompletionChunkChoiceDelta) string {
	field, ok := delta.JSON.ExtraFields["reasoning_content"]
	if !ok {
		return ""
	}
	var text string
	if err := json.Unmarshal([]byte(field.Raw()), &text); err != nil {
		return ""
	}
	return text
}

func rawArgs(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

func toParams(messages []domain.Message, system string) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case domain.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case domain.RoleAssistant:
			asst := &openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(m.Content),
				}
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(tc.Args),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: asst})
		case domain.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func toTools(specs []provider.ToolSpec) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, len(specs))
	for i, s := range specs {
		out[i] = openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        s.Name,
					Description: openai.String(s.Description),
					Parameters:  shared.FunctionParameters(s.Parameters),
				},
			},
		}
	}
	return out
}
