package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Daggahh/flow3.chat/internal/httputil"
	"github.com/Daggahh/flow3.chat/internal/provider"
)

const (
	defaultSerperURL = "https://google.serper.dev/search"
	maxSearchResults = 5
)

type searchArgs struct {
	Query string `json:"query" validate:"required,min=1,max=512"`
}

type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

type searchTool struct {
	client *http.Client
	url    string
	apiKey string
}

func newSearchTool(client *http.Client, url, apiKey string) *searchTool {
	if url == "" {
		url = defaultSerperURL
	}
	return &searchTool{client: client, url: url, apiKey: apiKey}
}

func (t *searchTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        WebSearch,
		Description: "Perform a web search and return results with title, snippet, and url.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "minLength": 1, "maxLength": 512},
			},
			"required": []string{"query"},
		},
	}
}

func (t *searchTool) Execute(ctx context.Context, env Env, args json.RawMessage) (any, error) {
	var in searchArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if t.apiKey == "" {
		return nil, errors.New("search is not configured")
	}

	body, err := json.Marshal(map[string]string{"q": in.Query})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search service returned %d: %s", resp.StatusCode, httputil.ReadErrorBody(resp))
	}

	var payload struct {
		Organic []struct {
			Title   string `json:"title"`
			Snippet string `json:"snippet"`
			Link    string `json:"link"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}

	results := make([]SearchResult, 0, maxSearchResults)
	for _, item := range payload.Organic {
		if len(results) == maxSearchResults {
			break
		}
		results = append(results, SearchResult{Title: item.Title, Snippet: item.Snippet, URL: item.Link})
	}
	return results, nil
}
