// Package gemini streams generateContent responses: bare JSON objects
// (optionally wrapped in a streamed array) carrying
// candidates[0].content.parts[0].text.
package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com"

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

type content struct {
	Parts []part `json:"parts"`
	Role  string `json:"role,omitempty"`
}

type part struct {
	Text string `json:"text"`
}

type apiRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
	GenerationConfig  *genCfg   `json:"generationConfig,omitempty"`
}

type genCfg struct {
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	TopK            int     `json:"topK,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type apiChunk struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Stream(ctx context.Context, req providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}

	var system *content
	contents := make([]content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem:
			if system == nil {
				system = &content{Parts: []part{{Text: m.Content}}}
			} else {
				system.Parts = append(system.Parts, part{Text: m.Content})
			}
		case providers.RoleAssistant:
			contents = append(contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			contents = append(contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}

	var cfg *genCfg
	if req.Temperature > 0 || req.TopP > 0 || req.TopK > 0 || req.MaxTokens > 0 {
		cfg = &genCfg{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	body, err := json.Marshal(apiRequest{Contents: contents, SystemInstruction: system, GenerationConfig: cfg})
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent", c.cfg.BaseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("gemini status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	out := make(chan providers.StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		relay(ctx, resp.Body, out)
	}()
	return out, nil
}

// relay decodes consecutive JSON values from the body. The server streams a
// JSON array of chunk objects; a sequence of bare objects is accepted too.
// End of input is the terminal signal, emitted exactly once.
func relay(ctx context.Context, body io.Reader, out chan<- providers.StreamChunk) {
	emit := func(chunk providers.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	br := bufio.NewReader(body)
	inArray, err := skipToFirstValue(br)
	if err != nil {
		if err == io.EOF {
			emit(providers.StreamChunk{Done: true})
		} else {
			emit(providers.StreamChunk{Err: fmt.Errorf("read gemini stream: %w", err)})
		}
		return
	}

	dec := json.NewDecoder(br)
	if inArray {
		if _, err := dec.Token(); err != nil {
			emit(providers.StreamChunk{Err: fmt.Errorf("read gemini stream: %w", err)})
			return
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if inArray && !dec.More() {
			break
		}
		var chunk apiChunk
		if err := dec.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			emit(providers.StreamChunk{Err: fmt.Errorf("decode gemini chunk: %w", err)})
			return
		}
		if chunk.Error != nil {
			emit(providers.StreamChunk{Err: fmt.Errorf("gemini stream error %d: %s", chunk.Error.Code, chunk.Error.Message)})
			return
		}
		if len(chunk.Candidates) > 0 {
			for _, p := range chunk.Candidates[0].Content.Parts {
				if p.Text != "" {
					if !emit(providers.StreamChunk{Content: p.Text}) {
						return
					}
				}
			}
		}
	}
	emit(providers.StreamChunk{Done: true})
}

// skipToFirstValue consumes leading whitespace and reports whether the body
// is an array-wrapped stream. The opening bracket is left unread.
func skipToFirstValue(br *bufio.Reader) (bool, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return false, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return false, err
		}
		return b == '[', nil
	}
}
