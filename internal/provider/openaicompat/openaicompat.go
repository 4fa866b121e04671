// Package openaicompat adapts vendors that speak the OpenAI chat completions
// wire format: Mistral, Grok, DeepSeek, Perplexity and OpenRouter. They share
// the OpenAI SDK client, pointed at each vendor's base URL.
package openaicompat

import (
	"net/http"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/provider"
	"github.com/Daggahh/flow3.chat/internal/provider/openai"
)

// BaseURLs are the public endpoints per vendor.
var BaseURLs = map[domain.ProviderID]string{
	domain.ProviderMistral:    "https://api.mistral.ai/v1/",
	domain.ProviderGrok:       "https://api.x.ai/v1/",
	domain.ProviderDeepSeek:   "https://api.deepseek.com/",
	domain.ProviderPerplexity: "https://api.perplexity.ai/",
	domain.ProviderOpenRouter: "https://openrouter.ai/api/v1/",
}

// BaseURL returns baseURL, or the vendor's public endpoint when it is empty.
func BaseURL(id domain.ProviderID, baseURL string) string {
	if baseURL == "" {
		return BaseURLs[id]
	}
	return baseURL
}

func New(id domain.ProviderID, apiKey, baseURL string, client *http.Client) *openai.Adapter {
	return openai.NewFor(id, apiKey, BaseURL(id, baseURL), client)
}

// Constructor returns a provider.Constructor bound to id.
func Constructor(id domain.ProviderID) provider.Constructor {
	return func(apiKey, baseURL string, client *http.Client) provider.Adapter {
		return New(id, apiKey, baseURL, client)
	}
}
