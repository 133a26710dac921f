// Package agents provides the model-backed collaborators: a Decision Maker
// and a Reflector for the orchestrator, and a Planner, Executor and Critic
// for the collaboration layer.
package agents

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultContextTokens bounds the rendered history when no budget is configured.
	DefaultContextTokens = 8000
	perMessageOverhead   = 4
)

// Budget counts tokens and trims rendered history to fit a context window.
type Budget struct {
	model     string
	maxTokens int

	once    sync.Once
	encoder *tiktoken.Tiktoken
	count   func(string) int
}

// NewBudget creates a budget for model. The encoding is loaded on first use;
// models without a known encoding use cl100k_base, and if that cannot be
// loaded either a 4-characters-per-token heuristic applies.
func NewBudget(model string, maxTokens int) *Budget {
	if maxTokens <= 0 {
		maxTokens = DefaultContextTokens
	}
	return &Budget{model: model, maxTokens: maxTokens}
}

// NewBudgetWithCounter creates a budget with a custom token counter.
func NewBudgetWithCounter(maxTokens int, count func(string) int) *Budget {
	b := NewBudget("", maxTokens)
	b.once.Do(func() {})
	b.count = count
	return b
}

// MaxTokens returns the budget's ceiling.
func (b *Budget) MaxTokens() int {
	return b.maxTokens
}

// Count returns the token count of text.
func (b *Budget) Count(text string) int {
	if text == "" {
		return 0
	}
	b.once.Do(b.loadEncoder)
	if b.count != nil {
		return b.count(text)
	}
	if b.encoder != nil {
		return len(b.encoder.Encode(text, nil, nil))
	}
	return heuristicTokens(text)
}

func (b *Budget) loadEncoder() {
	if b.model != "" {
		if enc, err := tiktoken.EncodingForModel(b.model); err == nil {
			b.encoder = enc
			return
		}
	}
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		b.encoder = enc
	}
}

// Fit keeps the newest items whose combined size, together with reserved
// tokens, stays within the budget. Items are ordered oldest first; the result
// keeps that order and reports how many leading items were dropped. The newest
// item is always kept.
func (b *Budget) Fit(reserved int, items []string) ([]string, int) {
	if len(items) == 0 {
		return items, 0
	}
	remaining := b.maxTokens - reserved
	start := len(items)
	for i := len(items) - 1; i >= 0; i-- {
		cost := b.Count(items[i]) + perMessageOverhead
		if cost > remaining && i != len(items)-1 {
			break
		}
		remaining -= cost
		start = i
	}
	return items[start:], start
}

func heuristicTokens(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return (runes + 3) / 4
}
