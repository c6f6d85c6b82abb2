package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatrelay/internal/providers"
)

func drain(t *testing.T, ch <-chan providers.StreamChunk) (string, int, error) {
	t.Helper()
	var sb strings.Builder
	var dones int
	var streamErr error
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
		sb.WriteString(chunk.Content)
		if chunk.Done {
			dones++
		}
	}
	return sb.String(), dones, streamErr
}

func jsonServer(t *testing.T, capture *[]byte, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") == "" {
			t.Error("missing x-goog-api-key header")
		}
		if capture != nil {
			b, _ := io.ReadAll(r.Body)
			*capture = b
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamArrayWrapped(t *testing.T) {
	var captured []byte
	srv := jsonServer(t, &captured, `[
		{"candidates":[{"content":{"parts":[{"text":"Hel"}],"role":"model"}}]},
		{"candidates":[{"content":{"parts":[{"text":"lo"}],"role":"model"},"finishReason":"STOP"}]}
	]`)
	c := New(Config{BaseURL: srv.URL, APIKey: "g-key"})

	ch, err := c.Stream(context.Background(), providers.CompletionRequest{
		Model: "gemini-pro",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "You are terse."},
			{Role: providers.RoleUser, Content: "hi"},
			{Role: providers.RoleAssistant, Content: "hello"},
			{Role: providers.RoleUser, Content: "more"},
		},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, dones, streamErr := drain(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}
	if text != "Hello" || dones != 1 {
		t.Fatalf("text = %q dones = %d", text, dones)
	}

	var req map[string]any
	if err := json.Unmarshal(captured, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req["systemInstruction"] == nil {
		t.Error("system instruction missing")
	}
	contents, _ := req["contents"].([]any)
	if len(contents) != 3 {
		t.Fatalf("contents = %d entries, want 3", len(contents))
	}
	second, _ := contents[1].(map[string]any)
	if second["role"] != "model" {
		t.Errorf("assistant role mapped to %v, want model", second["role"])
	}
}

func TestStreamBareObjects(t *testing.T) {
	srv := jsonServer(t, nil,
		`{"candidates":[{"content":{"parts":[{"text":"a"}]}}]}`+"\n"+
			`{"candidates":[{"content":{"parts":[{"text":"b"}]}}]}`+"\n")
	c := New(Config{BaseURL: srv.URL, APIKey: "g-key"})

	ch, err := c.Stream(context.Background(), providers.CompletionRequest{Model: "gemini-pro"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, dones, streamErr := drain(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}
	if text != "ab" || dones != 1 {
		t.Fatalf("text = %q dones = %d", text, dones)
	}
}

func TestStreamInlineError(t *testing.T) {
	srv := jsonServer(t, nil, `[{"error":{"code":429,"message":"quota exceeded"}}]`)
	c := New(Config{BaseURL: srv.URL, APIKey: "g-key"})

	ch, err := c.Stream(context.Background(), providers.CompletionRequest{Model: "gemini-pro"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	_, _, streamErr := drain(t, ch)
	if streamErr == nil || !strings.Contains(streamErr.Error(), "quota exceeded") {
		t.Fatalf("stream error = %v", streamErr)
	}
}

func TestStreamEmptyBody(t *testing.T) {
	srv := jsonServer(t, nil, "")
	c := New(Config{BaseURL: srv.URL, APIKey: "g-key"})

	ch, err := c.Stream(context.Background(), providers.CompletionRequest{Model: "gemini-pro"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, dones, _ := drain(t, ch)
	if text != "" || dones != 1 {
		t.Fatalf("text = %q dones = %d, want single terminal on empty body", text, dones)
	}
}

func TestStreamRequiresKey(t *testing.T) {
	c := New(Config{BaseURL: "http://localhost:1"})
	if _, err := c.Stream(context.Background(), providers.CompletionRequest{Model: "gemini-pro"}); err == nil {
		t.Fatal("expected error for missing api key")
	}
}
