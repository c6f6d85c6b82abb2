// Package ollama speaks the local model server's native line-delimited JSON
// streaming protocol (one JSON object per line on /api/chat).
package ollama

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

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.StreamingHTTPClient()
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

type chatRequest struct {
	Model    string              `json:"model"`
	Messages []providers.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type chatLine struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func (c *Client) Stream(ctx context.Context, req providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama base url is empty")
	}

	options := map[string]any{}
	if req.ContextWindow > 0 {
		options["num_ctx"] = req.ContextWindow
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		options["top_p"] = req.TopP
	}
	if req.TopK > 0 {
		options["top_k"] = req.TopK
	}

	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
		Options:  options,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			var errResp struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(respBody, &errResp) == nil && strings.Contains(errResp.Error, "not found") {
				return nil, fmt.Errorf("model %q not found on local server: %s", req.Model, errResp.Error)
			}
		}
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(respBody))
	}

	out := make(chan providers.StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		c.relay(ctx, resp.Body, out)
	}()
	return out, nil
}

// relay parses the NDJSON body line by line. Malformed lines are skipped.
// Exactly one terminal chunk is emitted even if the upstream omits or
// duplicates its done marker.
func (c *Client) relay(ctx context.Context, body io.Reader, out chan<- providers.StreamChunk) {
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
		if len(bytes.TrimSpace(line)) > 0 {
			var parsed chatLine
			if jsonErr := json.Unmarshal(line, &parsed); jsonErr == nil {
				if parsed.Error != "" {
					emit(providers.StreamChunk{Err: fmt.Errorf("ollama stream error: %s", parsed.Error)})
					return
				}
				if parsed.Message.Content != "" {
					if !emit(providers.StreamChunk{Content: parsed.Message.Content}) {
						return
					}
				}
				if parsed.Done && !terminal {
					terminal = true
					emit(providers.StreamChunk{Done: true})
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
			emit(providers.StreamChunk{Err: fmt.Errorf("read ollama stream: %w", err)})
			return
		}
	}
}
