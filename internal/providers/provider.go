package providers

import (
	"context"
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is built fresh per turn and never mutated after
// construction.
type CompletionRequest struct {
	Model         string    `json:"model"`
	Messages      []Message `json:"messages"`
	ContextWindow int       `json:"context_window,omitempty"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	Temperature   float64   `json:"temperature,omitempty"`
	TopP          float64   `json:"top_p,omitempty"`
	TopK          int       `json:"top_k,omitempty"`
}

// StreamChunk is the uniform unit every adapter emits regardless of the
// upstream wire format. A chunk with Done or Err set is terminal; adapters
// emit exactly one terminal chunk and then close the channel.
type StreamChunk struct {
	Content string
	Done    bool
	Err     error
}

// Adapter translates one backend's streaming wire protocol into StreamChunks.
// The returned channel is closed after the terminal chunk. Cancelling ctx
// aborts the upstream call and ends the stream.
type Adapter interface {
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

// Complete drains a full stream into a single string. Used for short
// non-interactive completions such as title generation.
func Complete(ctx context.Context, a Adapter, req CompletionRequest) (string, error) {
	chunks, err := a.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		sb.WriteString(chunk.Content)
		if chunk.Done {
			break
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("provider returned an empty completion")
	}
	return sb.String(), nil
}
