// Package openai_compat streams chat completions from any OpenAI-style API
// (OpenAI, Groq, LM Studio): SSE `data:`-prefixed JSON lines carrying
// choices[0].delta.content, terminated by `data: [DONE]`.
package openai_compat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"chatrelay/internal/providers"
)

type Config struct {
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.StreamingHTTPClient()
	}
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

type streamLine struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) Stream(ctx context.Context, req providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
	endpoint, err := c.buildEndpointURL()
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   true,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		payload["top_p"] = req.TopP
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat completion payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	out := make(chan providers.StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		relay(ctx, resp.Body, out)
	}()
	return out, nil
}

// relay parses the SSE body. Partial lines are buffered by the reader;
// non-data lines are ignored. A missing or duplicated [DONE] still yields
// exactly one terminal chunk.
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
			if bytes.Equal(data, []byte("[DONE]")) {
				if !terminal {
					terminal = true
					emit(providers.StreamChunk{Done: true})
				}
				return
			}
			var parsed streamLine
			if jsonErr := json.Unmarshal(data, &parsed); jsonErr == nil && len(parsed.Choices) > 0 {
				if content := parsed.Choices[0].Delta.Content; content != "" {
					if !emit(providers.StreamChunk{Content: content}) {
						return
					}
				}
				if parsed.Choices[0].FinishReason != "" && !terminal {
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
			emit(providers.StreamChunk{Err: fmt.Errorf("read stream: %w", err)})
			return
		}
	}
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat/completions"
	return u.String(), nil
}
