package providers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// StreamingHTTPClient bounds dialing, TLS, and the wait for response
// headers but never the body read. An overall client Timeout would cut
// long streams off mid-body; stream lifetime belongs to the caller's
// context and WithTimeouts.
func StreamingHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

type timeoutAdapter struct {
	inner Adapter
	idle  time.Duration
	total time.Duration
}

// WithTimeouts wraps an adapter with a per-chunk idle timeout and a total
// stream timeout. Exceeding either surfaces as a terminal error chunk and
// aborts the upstream call. Zero disables the respective timeout.
func WithTimeouts(a Adapter, idle, total time.Duration) Adapter {
	if idle <= 0 && total <= 0 {
		return a
	}
	return &timeoutAdapter{inner: a, idle: idle, total: total}
}

func (t *timeoutAdapter) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	ctx, cancel := context.WithCancel(ctx)
	inner, err := t.inner.Stream(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer cancel()

		var totalC <-chan time.Time
		if t.total > 0 {
			totalTimer := time.NewTimer(t.total)
			defer totalTimer.Stop()
			totalC = totalTimer.C
		}

		for {
			var idleC <-chan time.Time
			var idleTimer *time.Timer
			if t.idle > 0 {
				idleTimer = time.NewTimer(t.idle)
				idleC = idleTimer.C
			}

			select {
			case chunk, ok := <-inner:
				if idleTimer != nil {
					idleTimer.Stop()
				}
				if !ok {
					return
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				if chunk.Done || chunk.Err != nil {
					return
				}
			case <-idleC:
				t.sendErr(ctx, out, fmt.Errorf("stream idle for %s waiting for next chunk", t.idle))
				return
			case <-totalC:
				if idleTimer != nil {
					idleTimer.Stop()
				}
				t.sendErr(ctx, out, fmt.Errorf("stream exceeded total timeout %s", t.total))
				return
			case <-ctx.Done():
				if idleTimer != nil {
					idleTimer.Stop()
				}
				return
			}
		}
	}()
	return out, nil
}

func (t *timeoutAdapter) sendErr(ctx context.Context, out chan<- StreamChunk, err error) {
	select {
	case out <- StreamChunk{Err: err}:
	case <-ctx.Done():
	}
}
