package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/credentials"
	"chatrelay/internal/relay"
	"chatrelay/internal/storage"
)

type stubStore struct {
	chats map[int64]storage.Chat
	msgs  map[int64][]storage.Message
}

func newStubStore() *stubStore {
	return &stubStore{
		chats: map[int64]storage.Chat{1: {ID: 1, Model: "llama3", CreatedAt: time.Now(), UpdatedAt: time.Now()}},
		msgs:  map[int64][]storage.Message{},
	}
}

func (s *stubStore) CreateChat(ctx context.Context, model string, systemPrompt *string) (storage.Chat, error) {
	c := storage.Chat{ID: int64(len(s.chats) + 1), Model: model, SystemPrompt: systemPrompt, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	s.chats[c.ID] = c
	return c, nil
}

func (s *stubStore) GetChat(ctx context.Context, chatID int64) (storage.Chat, error) {
	c, ok := s.chats[chatID]
	if !ok {
		return storage.Chat{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *stubStore) ListChats(ctx context.Context, limit uint64) ([]storage.Chat, error) {
	out := make([]storage.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	return out, nil
}

func (s *stubStore) ListMessages(ctx context.Context, chatID int64) ([]storage.Message, error) {
	return s.msgs[chatID], nil
}

func (s *stubStore) ListAuditEntries(ctx context.Context, chatID int64, limit uint64) ([]storage.AuditEntry, error) {
	return nil, nil
}

type stubRunner struct {
	script func(em relay.Emitter)
	turns  []relay.Turn
}

func (r *stubRunner) Run(ctx context.Context, turn relay.Turn, em relay.Emitter) error {
	r.turns = append(r.turns, turn)
	if r.script != nil {
		r.script(em)
	}
	return nil
}

type stubCreds struct{ saved []credentials.Provider }

func (c *stubCreds) List(ctx context.Context) ([]credentials.Provider, error) {
	return []credentials.Provider{{Name: "groq", Kind: "openai_compat", APIKey: "sk-x", Models: []string{"llama3"}, Enabled: true}}, nil
}

func (c *stubCreds) Save(ctx context.Context, p credentials.Provider) error {
	c.saved = append(c.saved, p)
	return nil
}

type stubGuard struct{ busy bool }

func (g *stubGuard) Acquire(ctx context.Context, chatID int64) (bool, error) { return !g.busy, nil }
func (g *stubGuard) Release(ctx context.Context, chatID int64) error         { return nil }

type stubLimiter struct {
	deny  bool
	calls int
}

func (l *stubLimiter) Allow(ctx context.Context, chatID int64, now time.Time) (bool, int64, time.Time, error) {
	l.calls++
	return !l.deny, 1, now.Add(time.Hour), nil
}

func newTestServer(t *testing.T, runner TurnRunner, guard Guard, limiter Limiter) (*Server, *stubStore) {
	t.Helper()
	store := newStubStore()
	s := New(Config{
		Store:       store,
		Relay:       runner,
		Credentials: &stubCreds{},
		Guard:       guard,
		Limiter:     limiter,
		Logger:      zerolog.Nop(),
	})
	return s, store
}

func TestStreamEventOrder(t *testing.T) {
	runner := &stubRunner{script: func(em relay.Emitter) {
		em.UserSaved(11)
		em.Delta("Hel")
		em.Delta("lo")
		em.Done(12)
	}}
	s, _ := newTestServer(t, runner, nil, nil)

	req := httptest.NewRequest("POST", "/api/chats/1/stream", strings.NewReader(`{"text":"hi"}`))
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	wantInOrder := []string{
		`event: user_saved`,
		`"userMessageId":11`,
		`event: delta`,
		`"content":"Hel"`,
		`"content":"lo"`,
		`event: done`,
		`"messageId":12`,
	}
	pos := 0
	for _, want := range wantInOrder {
		idx := strings.Index(body[pos:], want)
		if idx < 0 {
			t.Fatalf("missing or out of order %q in body:\n%s", want, body)
		}
		pos += idx
	}
	if len(runner.turns) != 1 || runner.turns[0].ChatID != 1 || runner.turns[0].UserText != "hi" {
		t.Errorf("turns = %+v", runner.turns)
	}
}

func TestStreamRequiresText(t *testing.T) {
	s, _ := newTestServer(t, &stubRunner{}, nil, nil)
	req := httptest.NewRequest("POST", "/api/chats/1/stream", strings.NewReader(`{"text":"  "}`))
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStreamGuardConflict(t *testing.T) {
	limiter := &stubLimiter{}
	s, _ := newTestServer(t, &stubRunner{}, &stubGuard{busy: true}, limiter)
	req := httptest.NewRequest("POST", "/api/chats/1/stream", strings.NewReader(`{"text":"hi"}`))
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	// A rejected request must not spend one of the chat's hourly turns.
	if limiter.calls != 0 {
		t.Errorf("limiter consulted %d times on guard conflict, want 0", limiter.calls)
	}
}

func TestStreamRateLimited(t *testing.T) {
	s, _ := newTestServer(t, &stubRunner{}, nil, &stubLimiter{deny: true})
	req := httptest.NewRequest("POST", "/api/chats/1/stream", strings.NewReader(`{"text":"hi"}`))
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestCreateChat(t *testing.T) {
	s, store := newTestServer(t, &stubRunner{}, nil, nil)
	req := httptest.NewRequest("POST", "/api/chats", strings.NewReader(`{"model":"llama3","system_prompt":"You are terse."}`))
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got chatJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Model != "llama3" {
		t.Errorf("model = %q", got.Model)
	}
	if _, ok := store.chats[got.ID]; !ok {
		t.Errorf("chat %d not stored", got.ID)
	}
}

func TestCreateChatRequiresModel(t *testing.T) {
	s, _ := newTestServer(t, &stubRunner{}, nil, nil)
	req := httptest.NewRequest("POST", "/api/chats", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetChatNotFound(t *testing.T) {
	s, _ := newTestServer(t, &stubRunner{}, nil, nil)
	req := httptest.NewRequest("GET", "/api/chats/99", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSaveAndListProviders(t *testing.T) {
	creds := &stubCreds{}
	store := newStubStore()
	s := New(Config{Store: store, Relay: &stubRunner{}, Credentials: creds, Logger: zerolog.Nop()})

	req := httptest.NewRequest("PUT", "/api/providers/groq", strings.NewReader(`{"kind":"openai_compat","api_key":"sk-x","models":["llama3"],"enabled":true}`))
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("save status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(creds.saved) != 1 || creds.saved[0].Name != "groq" {
		t.Fatalf("saved = %+v", creds.saved)
	}

	req = httptest.NewRequest("GET", "/api/providers", nil)
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"has_key":true`) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-x") {
		t.Error("api key leaked in provider listing")
	}
}
