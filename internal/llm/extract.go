package llm

import (
	"context"
	"fmt"
	"strings"
)

// NoSummary is stored when the model returns an empty summary.
const NoSummary = "No summary could be generated."

// DefaultIdentifierHints are the labels a business identifier usually
// carries in correspondence.
var DefaultIdentifierHints = []string{"Project ID", "Project #", "PO Number", "Purchase Order"}

const (
	summarySystemPrompt = "You are a helpful assistant that creates concise, professional email " +
		"summaries. Focus on extracting main purpose, key information, and action items from emails."
	identifierSystemPrompt = "You are an assistant that extracts business identifiers from emails. " +
		"Return only the identifier if found, or 'None' if not found."
)

// notFoundAnswers are model replies that mean no identifier was present.
var notFoundAnswers = map[string]bool{
	"":          true,
	"none":      true,
	"n/a":       true,
	"not found": true,
	"null":      true,
}

// Summarize asks for a short summary of text. Empty input skips the call.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	prompt := "Please provide a concise, professional summary of the following email in 2-3 sentences. " +
		"Focus on the main purpose, key points, and any action items or important information.\n\n" +
		text + "\n\nSummary:"

	out, err := c.Chat(ctx, ChatRequest{
		Messages: []Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   300,
		Temperature: temperature(0.3),
	})
	if err != nil {
		return "", fmt.Errorf("summarizing: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return NoSummary, nil
	}
	return out, nil
}

// ExtractIdentifier looks for a business identifier labelled like one of
// hints. found is false when the model reports none.
func (c *Client) ExtractIdentifier(ctx context.Context, text string, hints []string) (string, bool, error) {
	if strings.TrimSpace(text) == "" {
		return "", false, nil
	}
	if len(hints) == 0 {
		hints = DefaultIdentifierHints
	}
	prompt := "Extract the business identifier from the following email if present.\n" +
		"Look for patterns like: " + strings.Join(hints, ", ") + ".\n" +
		"Return only the identifier, or \"None\" if no identifier is found.\n\n" +
		text + "\n\nIdentifier:"

	out, err := c.Chat(ctx, ChatRequest{
		Messages: []Message{
			{Role: "system", Content: identifierSystemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   50,
		Temperature: temperature(0.1),
	})
	if err != nil {
		return "", false, fmt.Errorf("extracting identifier: %w", err)
	}
	id := strings.Trim(strings.TrimSpace(out), `"'`)
	if notFoundAnswers[strings.ToLower(strings.TrimSuffix(id, "."))] {
		return "", false, nil
	}
	return id, true, nil
}
