package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/provider"
)

// wireRequest is the subset of the chat completions body the tests inspect.
type wireRequest struct {
	Model     string `json:"model"`
	Stream    bool   `json:"stream"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role       string `json:"role"`
		Content    any    `json:"content"`
		ToolCallID string `json:"tool_call_id"`
		ToolCalls  []struct {
			ID       string `json:"id"`
			Type     string `json:"type"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"messages"`
}

func sse(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, l := range lines {
		fmt.Fprintf(w, "data: %s\n\n", l)
	}
}

func collect(t *testing.T, deltas <-chan domain.DeltaEvent, errs <-chan error) ([]domain.DeltaEvent, error) {
	t.Helper()
	var events []domain.DeltaEvent
	for ev := range deltas {
		events = append(events, ev)
	}
	return events, <-errs
}

func TestAdapter_StreamsText(t *testing.T) {
	var got wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mk" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)

		sse(w,
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
			`[DONE]`,
		)
	}))
	defer srv.Close()

	a := New(domain.ProviderMistral, "mk", srv.URL, srv.Client())
	events, err := collect(t, a.GenerateCompletion(context.Background(),
		[]domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		"mistral-small", provider.Options{System: "be brief", MaxTokens: 100}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Content != "Hel" || events[1].Content != "lo" {
		t.Errorf("unexpected text deltas: %+v", events[:2])
	}
	finish := events[2]
	if finish.Type != domain.EventFinish || finish.FinishReason != "stop" {
		t.Errorf("unexpected finish %+v", finish)
	}
	if finish.Usage == nil || finish.Usage.PromptTokens != 5 || finish.Usage.CompletionTokens != 2 {
		t.Errorf("unexpected usage %+v", finish.Usage)
	}

	if got.Model != "mistral-small" || !got.Stream || got.MaxTokens != 100 {
		t.Errorf("unexpected request %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[0].Content != "be brief" {
		t.Errorf("expected system message first, got %+v", got.Messages)
	}
}

func TestAdapter_AccumulatesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"getWeather","arguments":"{\"latitude\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"52.5,\"longitude\":13.4}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`[DONE]`,
		)
	}))
	defer srv.Close()

	a := New(domain.ProviderGrok, "k", srv.URL, srv.Client())
	events, err := collect(t, a.GenerateCompletion(context.Background(), nil, "grok-3", provider.Options{
		Tools: []provider.ToolSpec{{Name: "getWeather", Parameters: map[string]any{"type": "object"}}},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("expected tool call and finish, got %+v", events)
	}
	call := events[0]
	if call.Type != domain.EventToolCall || call.ToolCallID != "call_1" || call.Name != "getWeather" {
		t.Errorf("unexpected tool call %+v", call)
	}
	if string(call.Args) != `{"latitude":52.5,"longitude":13.4}` {
		t.Errorf("unexpected args %s", call.Args)
	}
	if events[1].FinishReason != "tool-calls" {
		t.Errorf("unexpected finish reason %q", events[1].FinishReason)
	}
}

func TestAdapter_ReasoningContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"choices":[{"delta":{"reasoning_content":"thinking"}}]}`,
			`{"choices":[{"delta":{"content":"answer"},"finish_reason":"stop"}]}`,
			`[DONE]`,
		)
	}))
	defer srv.Close()

	a := New(domain.ProviderDeepSeek, "k", srv.URL, srv.Client())
	events, err := collect(t, a.GenerateCompletion(context.Background(), nil, "deepseek-reasoner", provider.Options{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events[0].Type != domain.EventReasoningDelta || events[0].Content != "thinking" {
		t.Errorf("expected reasoning delta first, got %+v", events[0])
	}
	if events[1].Type != domain.EventTextDelta {
		t.Errorf("expected text delta, got %+v", events[1])
	}
}

func TestAdapter_VendorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	a := New(domain.ProviderPerplexity, "k", srv.URL, srv.Client())
	events, err := collect(t, a.GenerateCompletion(context.Background(), nil, "sonar", provider.Options{}))

	if len(events) != 0 {
		t.Errorf("expected no events, got %+v", events)
	}
	var ve *provider.VendorError
	if !errors.As(err, &ve) {
		t.Fatalf("expected VendorError, got %v", err)
	}
	if ve.StatusCode != http.StatusTooManyRequests || ve.Provider != domain.ProviderPerplexity || !ve.Retryable() {
		t.Errorf("unexpected vendor error %+v", ve)
	}
}

func TestAdapter_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	a := New(domain.ProviderOpenRouter, "k", url, nil)
	_, err := collect(t, a.GenerateCompletion(context.Background(), nil, "openai/gpt-3.5-turbo", provider.Options{}))
	if !errors.Is(err, domain.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}

func TestAdapter_CancelAbortsRequest(t *testing.T) {
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(aborted)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	a := New(domain.ProviderMistral, "k", srv.URL, srv.Client())
	deltas, errs := a.GenerateCompletion(ctx, nil, "mistral-small", provider.Options{})

	if ev := <-deltas; ev.Content != "a" {
		t.Fatalf("unexpected first event %+v", ev)
	}
	cancel()

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("vendor request was not aborted")
	}
	for range deltas {
	}
	<-errs
}

func TestAdapter_ValidateAPIKey(t *testing.T) {
	tests := []struct {
		status  int
		valid   bool
		wantErr bool
	}{
		{http.StatusOK, true, false},
		{http.StatusUnauthorized, false, false},
		{http.StatusServiceUnavailable, false, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/models" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"object":"list","data":[]}`))
			}))
			defer srv.Close()

			valid, err := New(domain.ProviderGrok, "k", srv.URL, srv.Client()).ValidateAPIKey(context.Background())
			if valid != tt.valid || (err != nil) != tt.wantErr {
				t.Errorf("got (%v, %v), want (%v, err=%v)", valid, err, tt.valid, tt.wantErr)
			}
		})
	}
}

func TestBaseURL(t *testing.T) {
	for id, url := range BaseURLs {
		if got := BaseURL(id, ""); got != url {
			t.Errorf("%s base URL = %q, want %q", id, got, url)
		}
	}
	if got := BaseURL(domain.ProviderMistral, "http://local/v1"); got != "http://local/v1" {
		t.Errorf("explicit base URL overridden: %q", got)
	}
	if a := New(domain.ProviderDeepSeek, "k", "", nil); a.ID() != domain.ProviderDeepSeek {
		t.Errorf("adapter id = %s", a.ID())
	}
}

func TestAdapter_SendsToolHistory(t *testing.T) {
	var got wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		sse(w, `{"choices":[{"delta":{"content":"20 degrees"},"finish_reason":"stop"}]}`, `[DONE]`)
	}))
	defer srv.Close()

	a := New(domain.ProviderMistral, "k", srv.URL, srv.Client())
	_, err := collect(t, a.GenerateCompletion(context.Background(), []domain.Message{
		{Role: domain.RoleUser, Content: "weather?"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "c1", Name: "getWeather", Args: json.RawMessage(`{"latitude":1}`)}}},
		{Role: domain.RoleTool, ToolCallID: "c1", Content: `{"temp":20}`},
	}, "mistral-small", provider.Options{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got.Messages))
	}
	asst := got.Messages[1]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].Function.Arguments != `{"latitude":1}` || asst.ToolCalls[0].Type != "function" {
		t.Errorf("unexpected assistant tool calls %+v", asst.ToolCalls)
	}
	if got.Messages[2].ToolCallID != "c1" {
		t.Errorf("unexpected tool message %+v", got.Messages[2])
	}
}

func TestAdapter_TruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, `{"choices":[{"delta":{"content":"half an ans"}}]}`)
	}))
	defer srv.Close()

	a := New(domain.ProviderGrok, "k", srv.URL, srv.Client())
	events, err := collect(t, a.GenerateCompletion(context.Background(), nil, "grok-3", provider.Options{}))
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	for _, ev := range events {
		if ev.Type == domain.EventFinish {
			t.Errorf("truncated stream must not finish, got %+v", events)
		}
	}
}
