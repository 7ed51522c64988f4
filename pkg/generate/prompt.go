package generate

import (
	"fmt"
	"strings"

	"responder/pkg/kb"
	"responder/pkg/persistence"
)

// systemPrompt frames every reply request.
const systemPrompt = "You are a professional, empathetic customer support assistant. " +
	"Always respond with concise, actionable guidance."

const (
	snippetLimit      = 3
	snippetCharLimit  = 300
	promptTokenBudget = 6000
)

// Retriever yields knowledge-base snippets for a query. *kb.Index satisfies
// it; nil disables context injection.
type Retriever interface {
	Retrieve(query string, k int) ([]kb.Snippet, error)
}

func buildContext(snippets []kb.Snippet) string {
	lines := make([]string, 0, len(snippets))
	for _, sn := range snippets {
		text := sn.Text
		if len(text) > snippetCharLimit {
			text = text[:snippetCharLimit]
		}
		lines = append(lines, fmt.Sprintf("Doc snippet (score=%.2f): %s", sn.Score, text))
	}
	return strings.Join(lines, "\n")
}

// buildPrompt assembles the user prompt: retrieved context, message metadata,
// and the customer's text, truncated to the token budget.
func buildPrompt(msg *persistence.Email, retriever Retriever, counter *TokenCounter) string {
	var context string
	if retriever != nil {
		query := msg.Subject + " " + msg.Body
		if snippets, err := retriever.Retrieve(query, snippetLimit); err == nil && len(snippets) > 0 {
			context = buildContext(snippets)
		}
	}

	var b strings.Builder
	if context != "" {
		fmt.Fprintf(&b, "Context:\n%s\n\n", context)
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Sentiment: %s\nPriority: %s\n", msg.Sentiment, msg.Priority)
	fmt.Fprintf(&b, "Customer email:\n%s\n\nDraft a helpful support reply:", msg.Body)

	return counter.TruncateToTokenLimit(b.String(), promptTokenBudget)
}
