package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chatrelay/internal/metrics"
)

// sseEmitter writes turn events to the caller as server-sent events. It is
// used from the relay goroutine only, so no locking is needed.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	metrics *metrics.Metrics
	start   time.Time
}

func newSSEEmitter(w http.ResponseWriter, m *metrics.Metrics) (*sseEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseEmitter{w: w, flusher: flusher, metrics: m, start: time.Now()}, nil
}

func (e *sseEmitter) UserSaved(messageID int64) {
	e.event("user_saved", map[string]any{"userMessageSaved": true, "userMessageId": messageID})
}

func (e *sseEmitter) Delta(content string) {
	e.metrics.DeltasRelayed.Inc()
	e.event("delta", map[string]any{"content": content})
}

func (e *sseEmitter) Done(messageID int64) {
	e.metrics.TurnsCompleted.Inc()
	e.metrics.TurnDuration.Observe(time.Since(e.start).Seconds())
	e.event("done", map[string]any{"done": true, "messageId": messageID})
}

func (e *sseEmitter) Error(err error) {
	e.metrics.TurnsFailed.Inc()
	e.event("error", map[string]any{"error": err.Error()})
}

func (e *sseEmitter) event(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data)
	e.flusher.Flush()
}
