// Package vendors wires every adapter into a provider.Factory constructor table.
package vendors

import (
	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/provider"
	"github.com/Daggahh/flow3.chat/internal/provider/anthropic"
	"github.com/Daggahh/flow3.chat/internal/provider/cohere"
	"github.com/Daggahh/flow3.chat/internal/provider/google"
	"github.com/Daggahh/flow3.chat/internal/provider/openai"
	"github.com/Daggahh/flow3.chat/internal/provider/openaicompat"
)

// Constructors returns one constructor per supported vendor.
func Constructors() map[domain.ProviderID]provider.Constructor {
	return map[domain.ProviderID]provider.Constructor{
		domain.ProviderOpenAI:     openai.New,
		domain.ProviderAnthropic:  anthropic.New,
		domain.ProviderGoogle:     google.New,
		domain.ProviderCohere:     cohere.New,
		domain.ProviderMistral:    openaicompat.Constructor(domain.ProviderMistral),
		domain.ProviderGrok:       openaicompat.Constructor(domain.ProviderGrok),
		domain.ProviderDeepSeek:   openaicompat.Constructor(domain.ProviderDeepSeek),
		domain.ProviderPerplexity: openaicompat.Constructor(domain.ProviderPerplexity),
		domain.ProviderOpenRouter: openaicompat.Constructor(domain.ProviderOpenRouter),
	}
}
