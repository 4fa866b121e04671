// Package entitlement maps a user class to the models, quotas and features it may use.
package entitlement

import "github.com/Daggahh/flow3.chat/internal/domain"

type Entitlement struct {
	MaxMessagesPerDay    int
	MaxTokensPerMessage  int
	AllowImageGeneration bool
	AllowChatBranching   bool
	availableModels      map[string]struct{}
}

func (e Entitlement) Allows(modelID string) bool {
	_, ok := e.availableModels[modelID]
	return ok
}

// ModelIDs returns the allowed ids in no particular order.
func (e Entitlement) ModelIDs() []string {
	ids := make([]string, 0, len(e.availableModels))
	for id := range e.availableModels {
		ids = append(ids, id)
	}
	return ids
}

func newEntitlement(maxMessages, maxTokens int, images, branching bool, models ...string) Entitlement {
	set := make(map[string]struct{}, len(models))
	for _, m := range models {
		set[m] = struct{}{}
	}
	return Entitlement{
		MaxMessagesPerDay:    maxMessages,
		MaxTokensPerMessage:  maxTokens,
		AllowImageGeneration: images,
		AllowChatBranching:   branching,
		availableModels:      set,
	}
}

var table = map[domain.UserClass]Entitlement{
	domain.UserClassGuest: newEntitlement(20, 4000, true, false,
		"gpt-3.5-turbo",
		"openai/gpt-3.5-turbo",
		"claude-3-haiku-20240307",
		"claude-3-sonnet-20240229",
		"gemini-1.5-pro",
		"gemini-1.5-pro-latest",
		"mistral-small",
		"mixtral-8x7b",
		"command-r",
		"command",
		"deepseek-chat",
		"deepseek-reasoner",
		"pplx-7b-chat",
		"sonar",
		"anthropic/claude-3-haiku",
		"google/gemini-pro",
		"mistralai/mistral-large",
		"cohere/command-r",
		"perplexity/sonar-medium-online",
	),
	domain.UserClassRegular: newEntitlement(100, 8000, true, true,
		"gpt-4-turbo-preview",
		"gpt-4",
		"gpt-3.5-turbo",

		"openai/gpt-3.5-turbo",
		"anthropic/claude-3-haiku",
		"google/gemini-pro",
		"mistralai/mistral-large",
		"cohere/command-r",
		"perplexity/sonar-medium-online",

		"claude-4-opus-20250514",
		"claude-4-sonnet-20250514",
		"claude-3-7-sonnet-20250219",
		"claude-3-5-sonnet-latest",
		"claude-3-5-sonnet-20241022",
		"claude-3-5-sonnet-20240620",
		"claude-3-5-haiku-latest",
		"claude-3-opus-latest",
		"claude-3-opus-20240229",
		"claude-3-sonnet-20240229",
		"claude-3-haiku-20240307",

		"gemini-1.5-pro",
		"gemini-1.5-pro-latest",
		"gemini-1.5-pro-001",
		"gemini-1.5-pro-002",
		"gemini-2.0-pro-exp-02-05",
		"gemini-2.5-pro-preview-05-06",
		"gemini-2.5-pro-exp-03-25",

		"mistral-medium",
		"mistral-small",
		"mixtral-8x7b",
		"open-mistral-7b",
		"open-mixtral-8x22b",
		"mistral-large-latest",

		"grok-3",
		"grok-3-mini",
		"grok-2-vision-1212",
		"grok-2-1212",

		"command-r-plus",
		"command-r",
		"command",
		"command-nightly",
		"command-light",
		"command-light-nightly",

		"deepseek-chat",
		"deepseek-coder",
		"deepseek-reasoner",

		"pplx-70b-chat",
		"pplx-7b-chat",
		"sonar",
		"sonar-pro",
		"sonar-reasoning",
		"sonar-reasoning-pro",
		"sonar-deep-research",
	),
}

// For returns the entitlement of class. Unknown classes get the guest policy.
func For(class domain.UserClass) Entitlement {
	if e, ok := table[class]; ok {
		return e
	}
	return table[domain.UserClassGuest]
}
