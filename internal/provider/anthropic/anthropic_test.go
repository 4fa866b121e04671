package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/provider"
)

func writeEvents(w http.ResponseWriter, events ...[2]string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, ev := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev[0], ev[1])
	}
}

func collect(deltas <-chan domain.DeltaEvent, errs <-chan error) ([]domain.DeltaEvent, error) {
	var events []domain.DeltaEvent
	for ev := range deltas {
		events = append(events, ev)
	}
	return events, <-errs
}

func TestAdapter_StreamsTextAndTools(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "ak" || r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)

		writeEvents(w,
			[2]string{"message_start", `{"type":"message_start","message":{"usage":{"input_tokens":12}}}`},
			[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`},
			[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`},
			[2]string{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			[2]string{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"text"}}`},
			[2]string{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Checking"}}`},
			[2]string{"content_block_stop", `{"type":"content_block_stop","index":1}`},
			[2]string{"content_block_start", `{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"getWeather"}}`},
			[2]string{"content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"latitude\":1,"}}`},
			[2]string{"content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"longitude\":2}"}}`},
			[2]string{"content_block_stop", `{"type":"content_block_stop","index":2}`},
			[2]string{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":30}}`},
			[2]string{"message_stop", `{"type":"message_stop"}`},
		)
	}))
	defer srv.Close()

	a := New("ak", srv.URL, srv.Client())
	events, err := collect(a.GenerateCompletion(context.Background(),
		[]domain.Message{
			{Role: domain.RoleSystem, Content: "history system"},
			{Role: domain.RoleUser, Content: "weather in x?"},
		},
		"claude-3-5-sonnet-latest",
		provider.Options{System: "be helpful", Tools: []provider.ToolSpec{{Name: "getWeather", Parameters: map[string]any{"type": "object"}}}},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantTypes := []domain.EventType{domain.EventReasoningDelta, domain.EventTextDelta, domain.EventToolCall, domain.EventFinish}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %+v", len(wantTypes), events)
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d type = %s, want %s", i, events[i].Type, want)
		}
	}
	if events[2].ToolCallID != "toolu_1" || string(events[2].Args) != `{"latitude":1,"longitude":2}` {
		t.Errorf("unexpected tool call %+v", events[2])
	}
	if events[3].FinishReason != "tool-calls" || events[3].Usage.PromptTokens != 12 || events[3].Usage.CompletionTokens != 30 {
		t.Errorf("unexpected finish %+v", events[3])
	}

	if got.System != "be helpful\n\nhistory system" {
		t.Errorf("unexpected system %q", got.System)
	}
	if got.MaxTokens != defaultMaxTokens || !got.Stream || len(got.Tools) != 1 {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestAdapter_MidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w,
			[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"par"}}`},
			[2]string{"error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`},
		)
	}))
	defer srv.Close()

	events, err := collect(New("k", srv.URL, srv.Client()).GenerateCompletion(context.Background(), nil, "claude-3-haiku-20240307", provider.Options{}))

	if len(events) != 1 {
		t.Errorf("expected the partial delta only, got %+v", events)
	}
	var ve *provider.VendorError
	if !errors.As(err, &ve) {
		t.Fatalf("expected VendorError, got %v", err)
	}
	if ve.StatusCode != 529 || !ve.Retryable() {
		t.Errorf("unexpected vendor error %+v", ve)
	}
}

func TestAdapter_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"type":"error","error":{"type":"authentication_error"}}`))
	}))
	defer srv.Close()

	_, err := collect(New("bad", srv.URL, srv.Client()).GenerateCompletion(context.Background(), nil, "claude-3-haiku-20240307", provider.Options{}))

	var ve *provider.VendorError
	if !errors.As(err, &ve) || ve.StatusCode != http.StatusUnauthorized || ve.Retryable() {
		t.Errorf("expected non-retryable 401 VendorError, got %v", err)
	}
}

func TestToAnthropicRequest_ToolRoundTrip(t *testing.T) {
	req := toAnthropicRequest([]domain.Message{
		{Role: domain.RoleUser, Content: "q"},
		{Role: domain.RoleAssistant, Content: "let me check", ToolCalls: []domain.ToolCall{
			{ID: "t1", Name: "getWeather", Args: json.RawMessage(`{"latitude":1}`)},
			{ID: "t2", Name: "webSearch", Args: json.RawMessage(`{"query":"x"}`)},
		}},
		{Role: domain.RoleTool, ToolCallID: "t1", Content: `{"temp":1}`},
		{Role: domain.RoleTool, ToolCallID: "t2", Content: `[]`},
	}, "claude-3-5-haiku-latest", provider.Options{MaxTokens: 512})

	if len(req.Messages) != 3 {
		t.Fatalf("expected user, assistant, user; got %+v", req.Messages)
	}
	if len(req.Messages[1].Content) != 3 {
		t.Errorf("expected text plus two tool_use blocks, got %+v", req.Messages[1].Content)
	}
	results := req.Messages[2]
	if results.Role != "user" || len(results.Content) != 2 || results.Content[0].Type != "tool_result" || results.Content[1].ToolUseID != "t2" {
		t.Errorf("expected merged tool results, got %+v", results)
	}
	if req.MaxTokens != 512 {
		t.Errorf("MaxTokens = %d, want 512", req.MaxTokens)
	}
}

func TestMapStopReason(t *testing.T) {
	tests := map[string]string{
		"end_turn":      "stop",
		"max_tokens":    "length",
		"stop_sequence": "stop",
		"tool_use":      "tool-calls",
		"other":         "other",
	}
	for in, want := range tests {
		if got := mapStopReason(in); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAdapter_ValidateAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") == "good" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	valid, err := New("good", srv.URL, srv.Client()).ValidateAPIKey(context.Background())
	if !valid || err != nil {
		t.Errorf("expected valid key, got (%v, %v)", valid, err)
	}
	valid, err = New("bad", srv.URL, srv.Client()).ValidateAPIKey(context.Background())
	if valid || err != nil {
		t.Errorf("expected invalid key without error, got (%v, %v)", valid, err)
	}
}

func TestAdapter_TruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w,
			[2]string{"message_start", `{"type":"message_start","message":{"usage":{"input_tokens":3}}}`},
			[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"half an ans"}}`},
		)
	}))
	defer srv.Close()

	events, err := collect(New("k", srv.URL, srv.Client()).GenerateCompletion(context.Background(), nil, "claude-3-haiku-20240307", provider.Options{}))

	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	for _, ev := range events {
		if ev.Type == domain.EventFinish {
			t.Errorf("truncated stream must not finish, got %+v", events)
		}
	}
}
