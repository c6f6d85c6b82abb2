// Package retrieval is a thin gateway to the external retrieval service:
// fan out one query across the selected collections, merge the ranked
// snippets.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
)

// Snippet is one ranked piece of retrieved context.
type Snippet struct {
	Content    string  `json:"content"`
	Filename   string  `json:"filename"`
	Score      float64 `json:"score"`
	Collection string  `json:"collection,omitempty"`
}

type Config struct {
	BaseURL     string
	TopK        int
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	Logger      zerolog.Logger
}

type Gateway struct {
	cfg Config
}

func New(cfg Config) *Gateway {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	return &Gateway{cfg: cfg}
}

type searchRequest struct {
	Collection string `json:"collection"`
	Query      string `json:"query"`
	TopK       int    `json:"top_k"`
}

type searchResponse struct {
	Results []Snippet `json:"results"`
}

// Search queries every collection concurrently and returns the merged
// snippets, best score first, capped at TopK. A collection that fails is
// logged and skipped; an error is returned only when every collection fails.
func (g *Gateway) Search(ctx context.Context, collections []string, query string) ([]Snippet, error) {
	if g.cfg.BaseURL == "" {
		return nil, fmt.Errorf("retrieval base url is empty")
	}
	if len(collections) == 0 {
		return nil, nil
	}
	metrics.Global().RetrievalQueries.Inc()

	var mu sync.Mutex
	var merged []Snippet
	var failures int

	wg := sync.WaitGroup{}
	for _, collection := range collections {
		wg.Add(1)
		go func(collection string) {
			defer wg.Done()
			snippets, err := g.searchOne(ctx, collection, query)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				g.cfg.Logger.Warn().Err(err).Str("collection", collection).Msg("retrieval query failed")
				return
			}
			for i := range snippets {
				snippets[i].Collection = collection
			}
			merged = append(merged, snippets...)
		}(collection)
	}
	wg.Wait()

	if failures == len(collections) {
		return nil, fmt.Errorf("all %d retrieval queries failed", failures)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > g.cfg.TopK {
		merged = merged[:g.cfg.TopK]
	}
	return merged, nil
}

func (g *Gateway) searchOne(ctx context.Context, collection, query string) ([]Snippet, error) {
	body, err := json.Marshal(searchRequest{Collection: collection, Query: query, TopK: g.cfg.TopK})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		snippets, retry, err := g.callOnce(ctx, body)
		if err == nil {
			return snippets, nil
		}
		lastErr = err
		if !retry || attempt == g.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.cfg.BackoffBase * (1 << attempt)):
		}
	}
	return nil, lastErr
}

func (g *Gateway) callOnce(ctx context.Context, body []byte) (snippets []Snippet, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/api/search", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, false, fmt.Errorf("read search response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("retrieval temporary status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, fmt.Errorf("retrieval status %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, false, fmt.Errorf("decode search response: %w", err)
	}
	return parsed.Results, false, nil
}
