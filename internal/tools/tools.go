// Package tools holds the functions a model may call during a chat turn.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/metrics"
	"github.com/Daggahh/flow3.chat/internal/provider"
	"github.com/Daggahh/flow3.chat/internal/repository"
	"github.com/Daggahh/flow3.chat/internal/telemetry"
	"github.com/go-playground/validator/v10"
)

const (
	GetWeather         = "getWeather"
	WebSearch          = "webSearch"
	CreateDocument     = "createDocument"
	UpdateDocument     = "updateDocument"
	RequestSuggestions = "requestSuggestions"
)

// Enabled selects the optional tools for one turn.
type Enabled struct {
	WebSearch bool
}

// TextModel is the slice of a language model the document tools drive.
type TextModel interface {
	Stream(ctx context.Context, messages []domain.Message, opts provider.Options) (<-chan domain.DeltaEvent, <-chan error)
}

// ImageFunc renders a prompt and returns a base64 image.
type ImageFunc func(ctx context.Context, prompt string) (string, error)

// Env carries the per-turn collaborators a tool may need.
type Env struct {
	UserID string
	Model  TextModel
	// Images is nil when the caller may not generate images.
	Images ImageFunc
}

type Tool interface {
	Spec() provider.ToolSpec
	Execute(ctx context.Context, env Env, args json.RawMessage) (any, error)
}

// ExecutionError reports a tool failure. Its message is returned to the model
// as the tool result.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{domain.ErrToolExecution, e.Err}
}

// Result renders the error as the JSON tool result handed back to the model.
func (e *ExecutionError) Result() json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": e.Err.Error()})
	return b
}

type Config struct {
	Client         *http.Client
	WeatherBaseURL string
	SerperAPIKey   string
	SerperURL      string
	// Documents is nil when no document store is configured; the document
	// tools are then never offered.
	Documents repository.DocumentRepository
}

type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}

	r := &Registry{tools: make(map[string]Tool)}
	r.register(newWeatherTool(cfg.Client, cfg.WeatherBaseURL))
	r.register(newSearchTool(cfg.Client, cfg.SerperURL, cfg.SerperAPIKey))
	if cfg.Documents != nil {
		r.register(&createDocumentTool{docs: cfg.Documents})
		r.register(&updateDocumentTool{docs: cfg.Documents})
		r.register(&requestSuggestionsTool{docs: cfg.Documents})
	}
	return r
}

func (r *Registry) register(t Tool) {
	name := t.Spec().Name
	r.tools[name] = t
	r.order = append(r.order, name)
}

// Specs lists the tool definitions offered to the model for one turn.
func (r *Registry) Specs(enabled Enabled) []provider.ToolSpec {
	specs := make([]provider.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		if name == WebSearch && !enabled.WebSearch {
			continue
		}
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// Execute runs the named tool and returns its JSON result. Failures come back
// as *ExecutionError.
func (r *Registry) Execute(ctx context.Context, env Env, call domain.ToolCall) (json.RawMessage, error) {
	ctx, span := telemetry.StartSpan(ctx, "tool.execute")
	defer span.End()
	telemetry.AddToolAttributes(span, call.Name, call.ID)

	start := time.Now()
	result, err := r.execute(ctx, env, call)
	status := "success"
	if err != nil {
		status = "error"
		telemetry.AddErrorAttribute(span, err)
		slog.Warn("tool execution failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", err,
		)
	}
	metrics.RecordToolCall(call.Name, status, time.Since(start).Seconds())
	return result, err
}

func (r *Registry) execute(ctx context.Context, env Env, call domain.ToolCall) (json.RawMessage, error) {
	t, ok := r.tools[call.Name]
	if !ok {
		return nil, &ExecutionError{Tool: call.Name, Err: errors.New("unknown tool")}
	}

	out, err := t.Execute(ctx, env, call.Args)
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return nil, err
		}
		return nil, &ExecutionError{Tool: call.Name, Err: err}
	}

	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, &ExecutionError{Tool: call.Name, Err: fmt.Errorf("marshal result: %w", err)}
	}
	return b, nil
}

// decodeArgs unmarshals args into v and validates its struct tags.
func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := argValidator.Struct(v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

var argValidator = validator.New()

// generateText runs one non-tool model call and returns the concatenated text.
func generateText(ctx context.Context, model TextModel, system, prompt string) (string, error) {
	if model == nil {
		return "", errors.New("no language model available")
	}

	deltas, errs := model.Stream(ctx, []domain.Message{{Role: domain.RoleUser, Content: prompt}}, provider.Options{System: system})

	var text []byte
	for ev := range deltas {
		if ev.Type == domain.EventTextDelta {
			text = append(text, ev.Content...)
		}
	}
	if err := <-errs; err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return string(text), nil
}
