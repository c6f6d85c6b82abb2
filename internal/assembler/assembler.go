// Package assembler builds the per-turn completion request: system prompt,
// retrieved context, stored history, new user turn, and a context-window
// size derived from a character-count heuristic.
package assembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"chatrelay/internal/providers"
	"chatrelay/internal/retrieval"
)

// Context-window step function. The token estimate is characters divided by
// four, a deliberate cheap heuristic rather than a real tokenizer.
const (
	WindowBase = 8192
	Window16K  = 16384
	Window32K  = 32768
	Window64K  = 65536
	Window128K = 131072

	charsPerToken = 4
)

type Searcher interface {
	Search(ctx context.Context, collections []string, query string) ([]retrieval.Snippet, error)
}

type Assembler struct {
	gateway Searcher
	logger  zerolog.Logger
}

func New(gateway Searcher, logger zerolog.Logger) *Assembler {
	return &Assembler{gateway: gateway, logger: logger}
}

type Input struct {
	SystemPrompt string
	History      []providers.Message
	UserText     string
	Collections  []string
	Model        string
	Temperature  float64
	TopP         float64
	TopK         int
	MaxTokens    int
}

type Result struct {
	Request providers.CompletionRequest
	// ContextText is the synthesized retrieval block, empty when the turn
	// was not augmented. Recorded on the audit entry.
	ContextText     string
	EstimatedTokens int
}

// Build assembles the request. Retrieval failures degrade to an unaugmented
// turn; they are logged, never propagated. The result is immutable.
func (a *Assembler) Build(ctx context.Context, in Input) Result {
	messages := make([]providers.Message, 0, len(in.History)+3)
	if strings.TrimSpace(in.SystemPrompt) != "" {
		messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: in.SystemPrompt})
	}

	var contextText string
	if len(in.Collections) > 0 && a.gateway != nil {
		snippets, err := a.gateway.Search(ctx, in.Collections, in.UserText)
		if err != nil {
			a.logger.Warn().Err(err).Strs("collections", in.Collections).Msg("retrieval failed, continuing without context")
		} else if len(snippets) > 0 {
			contextText = renderContext(snippets)
			messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: contextText})
		}
	}

	messages = append(messages, in.History...)
	messages = append(messages, providers.Message{Role: providers.RoleUser, Content: in.UserText})

	estimated := EstimateTokens(messages)
	return Result{
		Request: providers.CompletionRequest{
			Model:         in.Model,
			Messages:      messages,
			ContextWindow: WindowFor(estimated),
			Temperature:   in.Temperature,
			TopP:          in.TopP,
			TopK:          in.TopK,
			MaxTokens:     in.MaxTokens,
		},
		ContextText:     contextText,
		EstimatedTokens: estimated,
	}
}

// EstimateTokens approximates token usage as total characters over four.
func EstimateTokens(messages []providers.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / charsPerToken
}

// WindowFor maps an estimate onto the monotonic window step function.
func WindowFor(estimatedTokens int) int {
	switch {
	case estimatedTokens > 48000:
		return Window128K
	case estimatedTokens > 24000:
		return Window64K
	case estimatedTokens > 12000:
		return Window32K
	case estimatedTokens > 6000:
		return Window16K
	default:
		return WindowBase
	}
}

func renderContext(snippets []retrieval.Snippet) string {
	var sb strings.Builder
	sb.WriteString("Retrieved context:\n")
	for _, s := range snippets {
		fmt.Fprintf(&sb, "\n[%s]\n%s\n", s.Filename, strings.TrimSpace(s.Content))
	}
	sb.WriteString("\nUse this context when it is relevant to the user's question; otherwise answer from general knowledge.")
	return sb.String()
}
