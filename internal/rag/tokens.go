package rag

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"docqa/internal/models"
)

type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// ApproxCounter estimates four characters per token.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// NewTokenCounter returns a tiktoken counter for model, falling back to cl100k_base
// and then to ApproxCounter when no encoding can be loaded.
func NewTokenCounter(model string) TokenCounter {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return tiktokenCounter{enc: enc}
	}
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		return tiktokenCounter{enc: enc}
	}
	return ApproxCounter{}
}

// TrimHistory keeps the last maxTurns user/assistant turns, oldest first, then drops the
// oldest until the total fits budget. A budget <= 0 disables the token limit.
func TrimHistory(history []models.Turn, maxTurns, budget int, counter TokenCounter) []models.Turn {
	kept := make([]models.Turn, 0, len(history))
	for _, t := range history {
		if t.Role == models.RoleUser || t.Role == models.RoleAssistant {
			kept = append(kept, t)
		}
	}
	if maxTurns >= 0 && len(kept) > maxTurns {
		kept = kept[len(kept)-maxTurns:]
	}
	if budget <= 0 || counter == nil {
		return kept
	}
	total := 0
	costs := make([]int, len(kept))
	for i, t := range kept {
		costs[i] = counter.Count(t.Content)
		total += costs[i]
	}
	drop := 0
	for drop < len(kept) && total > budget {
		total -= costs[drop]
		drop++
	}
	return kept[drop:]
}
