package rag

import (
	"fmt"
	"strings"

	"docqa/internal/models"
	"docqa/internal/providers"
	"docqa/internal/vectorstore"
)

const (
	InsufficientInfoInstruction = "I don't have enough information to answer this question based on the provided documents."

	NoDocumentsAnswer = "I don't have any relevant documents to answer your question. Please make sure you have uploaded documents that contain information related to your query."

	ErrorAnswer = "Sorry, I encountered an error while processing your query. Please try again later."
)

var SystemPrompt = `You are a helpful AI assistant that answers questions based on the provided context documents.

Instructions:
- Use only the information from the provided context to answer questions
- If you cannot find the answer in the context, say "` + InsufficientInfoInstruction + `"
- Elaborate the answer in detail.
`

// BuildContext renders hits in the order given as numbered, source-attributed passages.
func BuildContext(hits []vectorstore.Hit) string {
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "Document %d (from %s):\n%s\n\n", i+1, h.Payload.Source, h.Payload.Content)
	}
	return b.String()
}

// BuildMessages assembles the completion request: system prompt, prior turns, then the question with its context.
func BuildMessages(system string, history []models.Turn, question string, hits []vectorstore.Hit) []providers.ChatMessage {
	msgs := make([]providers.ChatMessage, 0, len(history)+2)
	msgs = append(msgs, providers.ChatMessage{Role: "system", Content: system})
	for _, t := range history {
		msgs = append(msgs, providers.ChatMessage{Role: string(t.Role), Content: t.Content})
	}
	msgs = append(msgs, providers.ChatMessage{
		Role:    "user",
		Content: "Context:\n" + BuildContext(hits) + "\n\nQuestion: " + question + "\n\nAnswer:",
	})
	return msgs
}
