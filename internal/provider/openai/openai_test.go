package openai

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

func collect(deltas <-chan domain.DeltaEvent, errs <-chan error) ([]domain.DeltaEvent, error) {
	var events []domain.DeltaEvent
	for ev := range deltas {
		events = append(events, ev)
	}
	return events, <-errs
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) provider.Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("sk-test", srv.URL+"/", srv.Client())
}

func chunk(w http.ResponseWriter, data string) {
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestAdapter_StreamsText(t *testing.T) {
	var body map[string]any
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "text/event-stream")
		chunk(w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`)
		chunk(w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`)
		chunk(w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	events, err := collect(a.GenerateCompletion(context.Background(),
		[]domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		"gpt-4o", provider.Options{System: "sys", MaxTokens: 100}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %+v", events)
	}
	if events[0].Content != "Hel" || events[1].Content != "lo" {
		t.Errorf("unexpected text deltas %+v", events[:2])
	}
	finish := events[2]
	if finish.Type != domain.EventFinish || finish.FinishReason != "stop" || finish.Usage == nil || finish.Usage.CompletionTokens != 2 {
		t.Errorf("unexpected finish %+v", finish)
	}

	if body["stream"] != true {
		t.Errorf("expected stream=true in request, got %v", body["stream"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system and user message, got %v", body["messages"])
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("system prompt must lead, got %v", first)
	}
}

func TestAdapter_ToolCallsEmittedInIndexOrder(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunk(w, `{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"webSearch","arguments":"{\"query\""}}]}}]}`)
		chunk(w, `{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"getWeather","arguments":"{}"}}]}}]}`)
		chunk(w, `{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":":\"go\"}"}}]},"finish_reason":"tool_calls"}]}`)
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	events, err := collect(a.GenerateCompletion(context.Background(), nil, "gpt-4o", provider.Options{
		Tools: []provider.ToolSpec{{Name: "getWeather"}, {Name: "webSearch"}},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected two tool calls and finish, got %+v", events)
	}
	if events[0].ToolCallID != "call_a" || events[1].ToolCallID != "call_b" {
		t.Errorf("tool calls out of order: %+v", events[:2])
	}
	if string(events[1].Args) != `{"query":"go"}` {
		t.Errorf("unexpected args %s", events[1].Args)
	}
	if events[2].FinishReason != "tool-calls" {
		t.Errorf("unexpected finish reason %q", events[2].FinishReason)
	}
}

func TestAdapter_VendorError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`))
	})

	_, err := collect(a.GenerateCompletion(context.Background(), nil, "gpt-4o", provider.Options{}))

	var ve *provider.VendorError
	if !errors.As(err, &ve) {
		t.Fatalf("expected VendorError, got %v", err)
	}
	if ve.StatusCode != http.StatusTooManyRequests || !ve.Retryable() {
		t.Errorf("unexpected vendor error %+v", ve)
	}
}

func TestAdapter_ValidateAPIKey(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantValid bool
		wantErr   bool
	}{
		{"valid", http.StatusOK, true, false},
		{"unauthorized", http.StatusUnauthorized, false, false},
		{"server error", http.StatusInternalServerError, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/models" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"object":"list","data":[]}`))
			})

			valid, err := a.ValidateAPIKey(context.Background())
			if valid != tt.wantValid {
				t.Errorf("valid = %v, want %v", valid, tt.wantValid)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAdapter_GenerateImage(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["size"] != "1024x1024" || req["response_format"] != "b64_json" {
			t.Errorf("unexpected image request %v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"created":1,"data":[{"b64_json":"aGVsbG8="}]}`))
	})

	img, err := a.(provider.ImageGenerator).GenerateImage(context.Background(), "a cat", "dall-e-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img != "aGVsbG8=" {
		t.Errorf("unexpected image %q", img)
	}
}

func TestRawArgs(t *testing.T) {
	if got := string(rawArgs("")); got != "{}" {
		t.Errorf("empty args = %s, want {}", got)
	}
	if got := string(rawArgs("{bad")); got != "{}" {
		t.Errorf("invalid args = %s, want {}", got)
	}
	if got := string(rawArgs(`{"a":1}`)); got != `{"a":1}` {
		t.Errorf("valid args = %s", got)
	}
}
