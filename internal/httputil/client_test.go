package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestStreamingConfig(t *testing.T) {
	cfg := StreamingConfig()

	if cfg.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0 so ctx bounds the stream", cfg.Timeout)
	}
	if cfg.ResponseHeaderTimeout != 30*time.Second {
		t.Errorf("ResponseHeaderTimeout = %v, want 30s", cfg.ResponseHeaderTimeout)
	}
	if cfg.MaxIdleConnsPerHost != 20 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 20", cfg.MaxIdleConnsPerHost)
	}
}

func TestToolConfig(t *testing.T) {
	client := NewClient(ToolConfig())

	if client.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", client.Timeout)
	}
}

func TestNewClient_Transport(t *testing.T) {
	cfg := ClientConfig{
		DialTimeout:           5 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		MaxIdleConnsPerHost:   5,
		MaxConnsPerHost:       7,
	}

	ua, ok := NewClient(cfg).Transport.(*userAgentTransport)
	if !ok {
		t.Fatal("Transport should be wrapped with the user agent transport")
	}
	tr, ok := ua.next.(*http.Transport)
	if !ok {
		t.Fatal("inner transport should be *http.Transport")
	}
	if tr.ResponseHeaderTimeout != 15*time.Second {
		t.Errorf("ResponseHeaderTimeout = %v, want 15s", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != 5 || tr.MaxConnsPerHost != 7 {
		t.Errorf("per-host limits = %d/%d, want 5/7", tr.MaxIdleConnsPerHost, tr.MaxConnsPerHost)
	}
}

func TestUserAgent(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Header.Get("User-Agent"))
		mu.Unlock()
	}))
	defer srv.Close()

	client := NewClient(ToolConfig())

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if req.Header.Get("User-Agent") != "" {
		t.Error("the caller's request should not be mutated")
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "custom")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != UserAgent || got[1] != "custom" {
		t.Errorf("User-Agent headers = %v, want [%s custom]", got, UserAgent)
	}
}

func TestStreamingClient_ContextBoundsCall(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := NewClient(StreamingConfig()).Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 1)
	if _, err := resp.Body.Read(buf); err == nil {
		t.Error("reading a stalled stream should fail once ctx expires")
	}
}
