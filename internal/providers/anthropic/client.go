// Package anthropic streams the Messages API: SSE events with typed kinds
// (content_block_delta carries text deltas, message_stop is terminal).
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chatrelay/internal/providers"
)

const (
	apiVersion     = "2023-06-01"
	defaultBaseURL = "https://api.anthropic.com"
)

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.StreamingHTTPClient()
	}
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	System      string       `json:"system,omitempty"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float64      `json:"temperature,omitempty"`
	TopP        float64      `json:"top_p,omitempty"`
	TopK        int          `json:"top_k,omitempty"`
	Stream      bool         `json:"stream"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Stream(ctx context.Context, req providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic api key is empty")
	}

	// The Messages API takes the system prompt top-level, not as a message.
	var system string
	apiMessages := make([]apiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == providers.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		apiMessages = append(apiMessages, apiMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body, err := json.Marshal(apiRequest{
		Model:       req.Model,
		Messages:    apiMessages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("accept", "text/event-stream")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("anthropic status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	out := make(chan providers.StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		relay(ctx, resp.Body, out)
	}()
	return out, nil
}

// relay consumes the event stream. Only `data:` lines matter; the event kind
// is carried inside the JSON payload's type field. message_stop is terminal
// and is surfaced exactly once even if repeated or missing upstream.
func relay(ctx context.Context, body io.Reader, out chan<- providers.StreamChunk) {
	reader := bufio.NewReader(body)
	terminal := false

	emit := func(chunk providers.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := reader.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if data, ok := bytes.CutPrefix(trimmed, []byte("data:")); ok {
			data = bytes.TrimSpace(data)
			var ev streamEvent
			if jsonErr := json.Unmarshal(data, &ev); jsonErr == nil {
				switch ev.Type {
				case "content_block_delta":
					if ev.Delta.Text != "" {
						if !emit(providers.StreamChunk{Content: ev.Delta.Text}) {
							return
						}
					}
				case "message_stop":
					if !terminal {
						terminal = true
						emit(providers.StreamChunk{Done: true})
					}
					return
				case "error":
					emit(providers.StreamChunk{Err: fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)})
					return
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				if !terminal {
					emit(providers.StreamChunk{Done: true})
				}
				return
			}
			emit(providers.StreamChunk{Err: fmt.Errorf("read anthropic stream: %w", err)})
			return
		}
	}
}
