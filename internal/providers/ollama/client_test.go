package ollama

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

func ndjsonServer(t *testing.T, capture *[]byte, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			*capture = body
		}
		flusher := w.(http.Flusher)
		for _, line := range lines {
			_, _ = w.Write([]byte(line))
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamDeltas(t *testing.T) {
	var captured []byte
	srv := ndjsonServer(t, &captured,
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`+"\n",
		`{"message":{"role":"assistant","content":"lo"},"done":false}`+"\n",
		`{"message":{"role":"assistant","content":""},"done":true}`+"\n",
	)
	c := New(Config{BaseURL: srv.URL})

	ch, err := c.Stream(context.Background(), providers.CompletionRequest{
		Model:         "llama3",
		Messages:      []providers.Message{{Role: "user", Content: "hi"}},
		ContextWindow: 8192,
		Temperature:   0.7,
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
	opts, ok := req["options"].(map[string]any)
	if !ok {
		t.Fatalf("options missing in request: %s", captured)
	}
	if opts["num_ctx"] != float64(8192) {
		t.Errorf("num_ctx = %v, want 8192", opts["num_ctx"])
	}
	if req["stream"] != true {
		t.Errorf("stream = %v, want true", req["stream"])
	}
}

func TestStreamSkipsMalformedLines(t *testing.T) {
	srv := ndjsonServer(t, nil,
		"not json at all\n",
		`{"message":{"content":"ok"},"done":false}`+"\n",
		`{"done":true}`+"\n",
	)
	c := New(Config{BaseURL: srv.URL})

	ch, err := c.Stream(context.Background(), providers.CompletionRequest{Model: "llama3"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, dones, streamErr := drain(t, ch)
	if streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}
	if text != "ok" || dones != 1 {
		t.Fatalf("text = %q dones = %d", text, dones)
	}
}

func TestStreamEOFSynthesizesDone(t *testing.T) {
	srv := ndjsonServer(t, nil,
		`{"message":{"content":"partial"},"done":false}`+"\n",
	)
	c := New(Config{BaseURL: srv.URL})

	ch, err := c.Stream(context.Background(), providers.CompletionRequest{Model: "llama3"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, dones, _ := drain(t, ch)
	if text != "partial" || dones != 1 {
		t.Fatalf("text = %q dones = %d, want synthesized terminal", text, dones)
	}
}

func TestStreamInlineError(t *testing.T) {
	srv := ndjsonServer(t, nil,
		`{"error":"model ran out of memory"}`+"\n",
	)
	c := New(Config{BaseURL: srv.URL})

	ch, err := c.Stream(context.Background(), providers.CompletionRequest{Model: "llama3"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	_, _, streamErr := drain(t, ch)
	if streamErr == nil || !strings.Contains(streamErr.Error(), "out of memory") {
		t.Fatalf("stream error = %v", streamErr)
	}
}

func TestStreamModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"nope\" not found, try pulling it first"}`))
	}))
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL})

	_, err := c.Stream(context.Background(), providers.CompletionRequest{Model: "nope"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want model-not-found", err)
	}
}
