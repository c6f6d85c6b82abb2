package title

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatrelay/internal/providers"
	"chatrelay/internal/queue"
	"chatrelay/internal/storage"
)

// syncStore is safe to poll while the worker goroutines run.
type syncStore struct {
	mu     sync.Mutex
	chat   storage.Chat
	msgs   []storage.Message
	titles []string
}

func (s *syncStore) GetChat(ctx context.Context, chatID int64) (storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chat, nil
}

func (s *syncStore) ListMessages(ctx context.Context, chatID int64) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs, nil
}

func (s *syncStore) CountMessages(ctx context.Context, chatID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs), nil
}

func (s *syncStore) UpdateChatTitle(ctx context.Context, chatID int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return nil
}

func (s *syncStore) storedTitles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

func testQueue(t *testing.T) *queue.StreamQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.NewStreamQueue(rdb, "titles", "title-workers", "w1", 50*time.Millisecond)
}

func TestWorkerGeneratesTitle(t *testing.T) {
	store := &syncStore{
		chat: storage.Chat{ID: 7, Model: "llama3"},
		msgs: []storage.Message{
			{Role: "user", Content: "how do goroutines work?"},
			{Role: "assistant", Content: "They are lightweight threads."},
		},
	}
	resolver := &fixedResolver{adapter: &fixedAdapter{text: "Goroutine Basics"}}
	q := testQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.TitleJob{ChatID: 7, Model: "llama3"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := NewWorker(WorkerConfig{Store: store, Queue: q, Resolver: resolver, Logger: zerolog.Nop()})
	done := make(chan struct{})
	go func() {
		w.Start(ctx, 1)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for len(store.storedTitles()) == 0 {
		select {
		case <-deadline:
			t.Fatal("worker never stored a title")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	titles := store.storedTitles()
	if len(titles) != 1 || titles[0] != "Goroutine Basics" {
		t.Errorf("titles = %v", titles)
	}
}

type failingResolver struct {
	mu    sync.Mutex
	calls int
}

func (r *failingResolver) Resolve(ctx context.Context, model string) (providers.Adapter, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return nil, errors.New("provider down")
}

func (r *failingResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestWorkerRetriesThenDrops(t *testing.T) {
	store := &syncStore{
		chat: storage.Chat{ID: 7, Model: "llama3"},
		msgs: []storage.Message{{Role: "user", Content: "hi"}},
	}
	resolver := &failingResolver{}
	q := testQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := q.Enqueue(ctx, queue.TitleJob{ChatID: 7, Model: "llama3"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := NewWorker(WorkerConfig{Store: store, Queue: q, Resolver: resolver, MaxJobRetries: 2, Logger: zerolog.Nop()})
	done := make(chan struct{})
	go func() {
		w.Start(ctx, 1)
		close(done)
	}()

	// 1 original attempt + 2 retries.
	deadline := time.After(5 * time.Second)
	for resolver.callCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("resolver calls = %d, want 3", resolver.callCount())
		case <-time.After(10 * time.Millisecond):
		}
	}
	// Give the loop a moment to prove it does not keep retrying.
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	if n := resolver.callCount(); n != 3 {
		t.Errorf("resolver calls = %d, want 3", n)
	}
	if len(store.storedTitles()) != 0 {
		t.Errorf("titles = %v, want none", store.storedTitles())
	}
}
