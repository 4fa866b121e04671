package orchestrator

import (
	"fmt"
	"strings"

	"github.com/Daggahh/flow3.chat/internal/catalog"
	"github.com/Daggahh/flow3.chat/internal/provider"
	"github.com/Daggahh/flow3.chat/internal/tools"
)

const regularPrompt = "You are a friendly assistant! Keep your responses concise and helpful. " +
	"You have access to a web search tool for real-time information. " +
	"When you use web search, cite your sources as clickable footnotes under your response."

const artifactsPrompt = `Artifacts is a side panel that shows documents the user is writing or editing. Changes to a document are shown to the user as they happen.

When asked to write code, always use artifacts and name the language in the code fence. Supported languages are Python, JavaScript, TypeScript, Go and Rust.

Use createDocument for substantial content (more than 10 lines), for content the user is likely to save or reuse such as emails, code or essays, and when a document is explicitly requested. Do not use it for explanations, conversational replies, or when asked to keep the answer in the chat.

Use updateDocument for changes the user asks for. Prefer full rewrites for major changes and targeted edits for isolated ones.

Never update a document right after creating it. Wait for feedback or a request to change it.`

// Hints describe where a request came from.
type Hints struct {
	Latitude  string
	Longitude string
	City      string
	Country   string
}

func (h Hints) prompt() string {
	return fmt.Sprintf("About the origin of user's request:\n- lat: %s\n- lon: %s\n- city: %s\n- country: %s\n",
		h.Latitude, h.Longitude, h.City, h.Country)
}

// IsReasoningModel reports whether m is a dedicated reasoning model. Those
// get neither tools nor the artifacts prompt.
func IsReasoningModel(m catalog.Model) bool {
	return strings.Contains(m.ID, "reason")
}

// SystemPrompt builds the system message for one turn. The artifacts section
// is only included when document tools are on offer.
func SystemPrompt(m catalog.Model, hints Hints, specs []provider.ToolSpec) string {
	parts := []string{regularPrompt, hints.prompt()}
	if !IsReasoningModel(m) && offersDocuments(specs) {
		parts = append(parts, artifactsPrompt)
	}
	return strings.Join(parts, "\n\n")
}

func offersDocuments(specs []provider.ToolSpec) bool {
	for _, s := range specs {
		if s.Name == tools.CreateDocument {
			return true
		}
	}
	return false
}
