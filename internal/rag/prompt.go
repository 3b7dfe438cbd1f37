package rag

import (
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/newsrag/internal/db"
)

// NoArticlesMarker stands in for the context when nothing was retrieved.
const NoArticlesMarker = "No matching articles found."

// SystemPrompt constrains the backend to the supplied articles.
const SystemPrompt = `You are a concise financial news assistant.
Answer only from the articles provided in the user message.
If the articles do not contain the answer, say that no grounding was found instead of guessing.
Refer to the articles you relied on by their titles.`

// BuildContext renders docs as "Title/Summary" blocks in the given order.
func BuildContext(docs []db.Document) string {
	if len(docs) == 0 {
		return NoArticlesMarker
	}
	blocks := make([]string, 0, len(docs))
	for _, d := range docs {
		blocks = append(blocks, fmt.Sprintf("Title: %s\nSummary: %s", d.Title, strings.TrimSpace(d.Summary)))
	}
	return strings.Join(blocks, "\n\n")
}

// BuildPrompt returns the user prompt for question over the rendered context.
func BuildPrompt(question, context string) string {
	return fmt.Sprintf("You are a financial advisor AI. Based on the following news, answer the question: %q "+
		"Use the articles below to justify your answer.\n\nArticles:\n%s", question, context)
}
