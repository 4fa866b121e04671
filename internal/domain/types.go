package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type ProviderID string

const (
	ProviderOpenAI     ProviderID = "openai"
	ProviderAnthropic  ProviderID = "anthropic"
	ProviderGoogle     ProviderID = "google"
	ProviderMistral    ProviderID = "mistral"
	ProviderCohere     ProviderID = "cohere"
	ProviderDeepSeek   ProviderID = "deepseek"
	ProviderPerplexity ProviderID = "perplexity"
	ProviderGrok       ProviderID = "grok"
	ProviderOpenRouter ProviderID = "openrouter"
)

var AllProviders = []ProviderID{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGoogle,
	ProviderMistral,
	ProviderCohere,
	ProviderDeepSeek,
	ProviderPerplexity,
	ProviderGrok,
	ProviderOpenRouter,
}

func ParseProviderID(s string) (ProviderID, bool) {
	for _, p := range AllProviders {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

type UserClass string

const (
	UserClassGuest   UserClass = "guest"
	UserClassRegular UserClass = "regular"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is the vendor-neutral shape handed to provider adapters.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"toolCallId"`
	Name string          `json:"toolName"`
	Args json.RawMessage `json:"args"`
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

type EventType string

const (
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventToolCall       EventType = "tool-call"
	EventToolResult     EventType = "tool-result"
	EventFinish         EventType = "finish"
	EventError          EventType = "error"
	EventAppendMessage  EventType = "append-message"
)

// DeltaEvent is one unit of streamed output. Type selects which fields are set.
type DeltaEvent struct {
	Type         EventType       `json:"type"`
	Content      string          `json:"content,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	Name         string          `json:"name,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Message      *ChatMessage    `json:"message,omitempty"`
}

func TextDelta(content string) DeltaEvent {
	return DeltaEvent{Type: EventTextDelta, Content: content}
}

func ReasoningDelta(content string) DeltaEvent {
	return DeltaEvent{Type: EventReasoningDelta, Content: content}
}

func ToolCallEvent(call ToolCall) DeltaEvent {
	return DeltaEvent{Type: EventToolCall, ToolCallID: call.ID, Name: call.Name, Args: call.Args}
}

func ToolResultEvent(callID, name string, result json.RawMessage) DeltaEvent {
	return DeltaEvent{Type: EventToolResult, ToolCallID: callID, Name: name, Result: result}
}

func FinishEvent(reason string, usage *Usage) DeltaEvent {
	return DeltaEvent{Type: EventFinish, FinishReason: reason, Usage: usage}
}

func ErrorEvent(reason string) DeltaEvent {
	return DeltaEvent{Type: EventError, Reason: reason}
}

func AppendMessageEvent(msg ChatMessage) DeltaEvent {
	return DeltaEvent{Type: EventAppendMessage, Message: &msg}
}

// Terminal reports whether no further events follow e on the same stream.
func (e DeltaEvent) Terminal() bool {
	return e.Type == EventFinish || e.Type == EventError || e.Type == EventAppendMessage
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Chat struct {
	ID         string
	UserID     string
	Title      string
	Visibility Visibility
	CreatedAt  time.Time
}

const (
	PartText           = "text"
	PartReasoning      = "reasoning"
	PartToolInvocation = "tool-invocation"
)

type Part struct {
	Type           string          `json:"type" validate:"required"`
	Text           string          `json:"text,omitempty"`
	Reasoning      string          `json:"reasoning,omitempty"`
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`
}

type ToolInvocation struct {
	State      string          `json:"state"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type Attachment struct {
	URL         string `json:"url" validate:"required,url"`
	Name        string `json:"name" validate:"required,max=2000"`
	ContentType string `json:"contentType" validate:"required,oneof=image/png image/jpg image/jpeg"`
}

// ChatMessage is a persisted transcript entry.
type ChatMessage struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chatId"`
	Role        string       `json:"role"`
	Parts       []Part       `json:"parts"`
	Attachments []Attachment `json:"attachments"`
	Incomplete  bool         `json:"incomplete,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Text concatenates the message's text parts.
func (m ChatMessage) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

type Credential struct {
	UserID     string
	Provider   ProviderID
	Ciphertext string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type DocumentKind string

const (
	DocumentText  DocumentKind = "text"
	DocumentCode  DocumentKind = "code"
	DocumentSheet DocumentKind = "sheet"
	DocumentImage DocumentKind = "image"
)

type Document struct {
	ID        string
	UserID    string
	Title     string
	Kind      DocumentKind
	Content   string
	CreatedAt time.Time
}

type Suggestion struct {
	ID            string
	DocumentID    string
	UserID        string
	OriginalText  string
	SuggestedText string
	Description   string
	CreatedAt     time.Time
}
