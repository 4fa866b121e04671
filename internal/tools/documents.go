package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/Daggahh/flow3.chat/internal/provider"
	"github.com/Daggahh/flow3.chat/internal/repository"
	"github.com/google/uuid"
)

const (
	textPrompt  = "Write about the given topic. Markdown is supported. Use headings wherever appropriate."
	codePrompt  = "You are a code generator that creates self-contained, executable code snippets. Supported languages include Python, JavaScript, TypeScript, Go, and Rust. Each snippet must run on its own, use only the standard library, print its results and stay under 15 lines. Always name the language in the code fence. Respond with the code only."
	sheetPrompt = "You are a spreadsheet creation assistant. Create a spreadsheet in csv format based on the given prompt. The spreadsheet should contain meaningful column headers and data. Respond with the csv only."

	suggestionsPrompt = `You are a writing assistant. Given a piece of writing, offer suggestions to improve it.
Respond with a JSON array of at most 5 objects with the fields "originalSentence", "suggestedSentence" and "description". Respond with the JSON only.`
)

func createPrompt(kind domain.DocumentKind) string {
	switch kind {
	case domain.DocumentCode:
		return codePrompt
	case domain.DocumentSheet:
		return sheetPrompt
	default:
		return textPrompt
	}
}

func updatePrompt(doc *domain.Document) string {
	switch doc.Kind {
	case domain.DocumentCode:
		return "Improve the following code snippet based on the given prompt.\n\n" + doc.Content
	case domain.DocumentSheet:
		return "Improve the following spreadsheet based on the given prompt.\n\n" + doc.Content
	default:
		return "Improve the following contents of the document based on the given prompt.\n\n" + doc.Content
	}
}

// generateContent produces the body of a document of the given kind.
func generateContent(ctx context.Context, env Env, kind domain.DocumentKind, system, prompt string) (string, error) {
	if kind == domain.DocumentImage {
		if env.Images == nil {
			return "", errors.New("image generation is not available")
		}
		return env.Images(ctx, prompt)
	}
	content, err := generateText(ctx, env.Model, system, prompt)
	if err != nil {
		return "", err
	}
	return stripFence(content), nil
}

// stripFence removes a single wrapping markdown code fence.
func stripFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") || len(trimmed) < 6 {
		return s
	}
	body := strings.TrimSuffix(trimmed, "```")
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		return strings.TrimSpace(body[i+1:])
	}
	return s
}

// loadOwned returns the document if it belongs to userID. Documents owned by
// other users are reported as not found.
func loadOwned(ctx context.Context, docs repository.DocumentRepository, id, userID string) (*domain.Document, error) {
	doc, err := docs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) {
			return nil, errors.New("document not found")
		}
		return nil, fmt.Errorf("load document: %w", err)
	}
	if doc.UserID != userID {
		return nil, errors.New("document not found")
	}
	return doc, nil
}

type documentResult struct {
	ID      string              `json:"id"`
	Title   string              `json:"title"`
	Kind    domain.DocumentKind `json:"kind"`
	Content string              `json:"content"`
}

type createDocumentArgs struct {
	Title string              `json:"title" validate:"required,max=256"`
	Kind  domain.DocumentKind `json:"kind" validate:"required,oneof=text code sheet image"`
}

type createDocumentTool struct {
	docs repository.DocumentRepository
}

func (t *createDocumentTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        CreateDocument,
		Description: "Create a document for writing or content creation activities. The content is generated from the title and kind.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{"type": "string"},
				"kind":  map[string]any{"type": "string", "enum": []string{"text", "code", "sheet", "image"}},
			},
			"required": []string{"title", "kind"},
		},
	}
}

func (t *createDocumentTool) Execute(ctx context.Context, env Env, args json.RawMessage) (any, error) {
	var in createDocumentArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	content, err := generateContent(ctx, env, in.Kind, createPrompt(in.Kind), in.Title)
	if err != nil {
		return nil, err
	}

	doc := &domain.Document{
		ID:        uuid.NewString(),
		UserID:    env.UserID,
		Title:     in.Title,
		Kind:      in.Kind,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := t.docs.Save(ctx, doc); err != nil {
		return nil, fmt.Errorf("save document: %w", err)
	}

	return documentResult{
		ID:      doc.ID,
		Title:   doc.Title,
		Kind:    doc.Kind,
		Content: "A document was created and is now visible to the user.",
	}, nil
}

type updateDocumentArgs struct {
	ID          string `json:"id" validate:"required"`
	Description string `json:"description" validate:"required"`
}

type updateDocumentTool struct {
	docs repository.DocumentRepository
}

func (t *updateDocumentTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        UpdateDocument,
		Description: "Update a document with the given description.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":          map[string]any{"type": "string", "description": "The ID of the document to update"},
				"description": map[string]any{"type": "string", "description": "The description of changes that need to be made"},
			},
			"required": []string{"id", "description"},
		},
	}
}

func (t *updateDocumentTool) Execute(ctx context.Context, env Env, args json.RawMessage) (any, error) {
	var in updateDocumentArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	doc, err := loadOwned(ctx, t.docs, in.ID, env.UserID)
	if err != nil {
		return nil, err
	}

	content, err := generateContent(ctx, env, doc.Kind, updatePrompt(doc), in.Description)
	if err != nil {
		return nil, err
	}

	next := *doc
	next.Content = content
	next.CreatedAt = time.Now().UTC()
	if err := t.docs.Save(ctx, &next); err != nil {
		return nil, fmt.Errorf("save document: %w", err)
	}

	return documentResult{
		ID:      doc.ID,
		Title:   doc.Title,
		Kind:    doc.Kind,
		Content: "The document has been updated successfully.",
	}, nil
}

type requestSuggestionsArgs struct {
	DocumentID string `json:"documentId" validate:"required"`
}

type requestSuggestionsTool struct {
	docs repository.DocumentRepository
}

func (t *requestSuggestionsTool) Spec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        RequestSuggestions,
		Description: "Request suggestions for a document.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"documentId": map[string]any{"type": "string", "description": "The ID of the document to request edits"},
			},
			"required": []string{"documentId"},
		},
	}
}

type suggestionDraft struct {
	OriginalSentence  string `json:"originalSentence"`
	SuggestedSentence string `json:"suggestedSentence"`
	Description       string `json:"description"`
}

func (t *requestSuggestionsTool) Execute(ctx context.Context, env Env, args json.RawMessage) (any, error) {
	var in requestSuggestionsArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	doc, err := loadOwned(ctx, t.docs, in.DocumentID, env.UserID)
	if err != nil {
		return nil, err
	}
	if doc.Kind == domain.DocumentImage {
		return nil, errors.New("suggestions are not supported for images")
	}

	raw, err := generateText(ctx, env.Model, suggestionsPrompt, doc.Content)
	if err != nil {
		return nil, err
	}

	var drafts []suggestionDraft
	if err := json.Unmarshal([]byte(stripFence(raw)), &drafts); err != nil {
		return nil, fmt.Errorf("parse suggestions: %w", err)
	}

	now := time.Now().UTC()
	suggestions := make([]*domain.Suggestion, 0, len(drafts))
	for _, d := range drafts {
		if d.OriginalSentence == "" || d.SuggestedSentence == "" {
			continue
		}
		suggestions = append(suggestions, &domain.Suggestion{
			ID:            uuid.NewString(),
			DocumentID:    doc.ID,
			UserID:        env.UserID,
			OriginalText:  d.OriginalSentence,
			SuggestedText: d.SuggestedSentence,
			Description:   d.Description,
			CreatedAt:     now,
		})
	}
	if len(suggestions) > 0 {
		if err := t.docs.SaveSuggestions(ctx, suggestions); err != nil {
			return nil, fmt.Errorf("save suggestions: %w", err)
		}
	}

	return map[string]any{
		"id":      doc.ID,
		"title":   doc.Title,
		"kind":    doc.Kind,
		"message": "Suggestions have been added to the document",
	}, nil
}
