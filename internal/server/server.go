// Package server exposes the chat API over HTTP. Turn streaming is
// delivered as server-sent events on a long-lived response.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatrelay/internal/credentials"
	"chatrelay/internal/metrics"
	"chatrelay/internal/relay"
	"chatrelay/internal/storage"
)

type TurnRunner interface {
	Run(ctx context.Context, turn relay.Turn, em relay.Emitter) error
}

// ChatStore is the storage surface the HTTP handlers need.
type ChatStore interface {
	CreateChat(ctx context.Context, model string, systemPrompt *string) (storage.Chat, error)
	GetChat(ctx context.Context, chatID int64) (storage.Chat, error)
	ListChats(ctx context.Context, limit uint64) ([]storage.Chat, error)
	ListMessages(ctx context.Context, chatID int64) ([]storage.Message, error)
	ListAuditEntries(ctx context.Context, chatID int64, limit uint64) ([]storage.AuditEntry, error)
}

// Guard serializes turns per chat.
type Guard interface {
	Acquire(ctx context.Context, chatID int64) (bool, error)
	Release(ctx context.Context, chatID int64) error
}

// Limiter caps turns per chat per hour.
type Limiter interface {
	Allow(ctx context.Context, chatID int64, now time.Time) (bool, int64, time.Time, error)
}

type CredentialStore interface {
	List(ctx context.Context) ([]credentials.Provider, error)
	Save(ctx context.Context, p credentials.Provider) error
}

type Server struct {
	store       ChatStore
	relay       TurnRunner
	creds       CredentialStore
	guard       Guard
	limiter     Limiter
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	healthPath  string
	metricsPath string
}

type Config struct {
	Store       ChatStore
	Relay       TurnRunner
	Credentials CredentialStore
	// Guard and Limiter are optional; nil disables the check.
	Guard       Guard
	Limiter     Limiter
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	HealthPath  string
	MetricsPath string
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{
		store:       cfg.Store,
		relay:       cfg.Relay,
		creds:       cfg.Credentials,
		guard:       cfg.Guard,
		limiter:     cfg.Limiter,
		logger:      cfg.Logger,
		metrics:     m,
		healthPath:  cfg.HealthPath,
		metricsPath: cfg.MetricsPath,
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(s.healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(s.metricsPath, promhttp.Handler())

	mux.HandleFunc("POST /api/chats", s.handleCreateChat)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("GET /api/chats/{id}", s.handleGetChat)
	mux.HandleFunc("GET /api/chats/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/chats/{id}/audit", s.handleListAudit)
	mux.HandleFunc("POST /api/chats/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /api/providers", s.handleListProviders)
	mux.HandleFunc("PUT /api/providers/{name}", s.handleSaveProvider)
	return mux
}

type chatJSON struct {
	ID           int64   `json:"id"`
	Title        *string `json:"title"`
	Model        string  `json:"model"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func toChatJSON(c storage.Chat) chatJSON {
	return chatJSON{
		ID:           c.ID,
		Title:        c.Title,
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		CreatedAt:    c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type messageJSON struct {
	ID        int64   `json:"id"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Model     *string `json:"model,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model        string  `json:"model"`
		SystemPrompt *string `json:"system_prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		httpError(w, http.StatusBadRequest, "model is required")
		return
	}
	chat, err := s.store.CreateChat(r.Context(), req.Model, req.SystemPrompt)
	if err != nil {
		s.logger.Error().Err(err).Msg("create chat failed")
		httpError(w, http.StatusInternalServerError, "create chat failed")
		return
	}
	writeJSON(w, http.StatusCreated, toChatJSON(chat))
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats(r.Context(), 200)
	if err != nil {
		s.logger.Error().Err(err).Msg("list chats failed")
		httpError(w, http.StatusInternalServerError, "list chats failed")
		return
	}
	out := make([]chatJSON, 0, len(chats))
	for _, c := range chats {
		out = append(out, toChatJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	chat, err := s.store.GetChat(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "chat not found")
			return
		}
		s.logger.Error().Err(err).Int64("chat_id", id).Msg("get chat failed")
		httpError(w, http.StatusInternalServerError, "get chat failed")
		return
	}
	writeJSON(w, http.StatusOK, toChatJSON(chat))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", id).Msg("list messages failed")
		httpError(w, http.StatusInternalServerError, "list messages failed")
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Model:     m.Model,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entries, err := s.store.ListAuditEntries(r.Context(), id, 100)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", id).Msg("list audit failed")
		httpError(w, http.StatusInternalServerError, "list audit failed")
		return
	}
	type auditJSON struct {
		ID           int64  `json:"id"`
		Model        string `json:"model"`
		InputTokens  int    `json:"input_tokens"`
		OutputTokens int    `json:"output_tokens"`
		DurationMS   int64  `json:"duration_ms"`
		Error        string `json:"error,omitempty"`
		CreatedAt    string `json:"created_at"`
	}
	out := make([]auditJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditJSON{
			ID:           e.ID,
			Model:        e.Model,
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
			DurationMS:   e.DurationMS,
			Error:        e.Error,
			CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type streamRequest struct {
	Text        string   `json:"text"`
	Model       string   `json:"model"`
	Collections []string `json:"collections"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	TopK        int      `json:"top_k"`
	MaxTokens   int      `json:"max_tokens"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		httpError(w, http.StatusBadRequest, "text is required")
		return
	}

	// Guard first: a 409 must not burn a rate-limit token.
	if s.guard != nil {
		acquired, err := s.guard.Acquire(r.Context(), id)
		if err != nil {
			s.logger.Error().Err(err).Int64("chat_id", id).Msg("turn guard failed")
			httpError(w, http.StatusInternalServerError, "turn guard failed")
			return
		}
		if !acquired {
			httpError(w, http.StatusConflict, "a turn is already in flight for this chat")
			return
		}
		defer func() {
			if err := s.guard.Release(context.WithoutCancel(r.Context()), id); err != nil {
				s.logger.Warn().Err(err).Int64("chat_id", id).Msg("turn guard release failed")
			}
		}()
	}

	if s.limiter != nil {
		allowed, _, resetAt, err := s.limiter.Allow(r.Context(), id, time.Now())
		if err != nil {
			s.logger.Error().Err(err).Int64("chat_id", id).Msg("rate limit check failed")
			httpError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(resetAt).Seconds()), 10))
			httpError(w, http.StatusTooManyRequests, "hourly turn limit reached")
			return
		}
	}

	em, err := newSSEEmitter(w, s.metrics)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.metrics.TurnsStarted.Inc()
	err = s.relay.Run(r.Context(), relay.Turn{
		ChatID:      id,
		UserText:    req.Text,
		Model:       req.Model,
		Collections: req.Collections,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		MaxTokens:   req.MaxTokens,
	}, em)
	if errors.Is(err, relay.ErrCanceled) {
		s.metrics.TurnsCanceled.Inc()
	}
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	provs, err := s.creds.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list providers failed")
		httpError(w, http.StatusInternalServerError, "list providers failed")
		return
	}
	type providerJSON struct {
		Name    string   `json:"name"`
		Kind    string   `json:"kind"`
		BaseURL string   `json:"base_url,omitempty"`
		HasKey  bool     `json:"has_key"`
		Models  []string `json:"models"`
		Enabled bool     `json:"enabled"`
	}
	out := make([]providerJSON, 0, len(provs))
	for _, p := range provs {
		out = append(out, providerJSON{
			Name:    p.Name,
			Kind:    p.Kind,
			BaseURL: p.BaseURL,
			HasKey:  p.APIKey != "",
			Models:  p.Models,
			Enabled: p.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSaveProvider(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		httpError(w, http.StatusBadRequest, "provider name is required")
		return
	}
	var req struct {
		Kind    string   `json:"kind"`
		BaseURL string   `json:"base_url"`
		APIKey  string   `json:"api_key"`
		Models  []string `json:"models"`
		Enabled bool     `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Kind) == "" {
		httpError(w, http.StatusBadRequest, "kind is required")
		return
	}
	err := s.creds.Save(r.Context(), credentials.Provider{
		Name:    name,
		Kind:    req.Kind,
		BaseURL: req.BaseURL,
		APIKey:  req.APIKey,
		Models:  req.Models,
		Enabled: req.Enabled,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("provider", name).Msg("save provider failed")
		httpError(w, http.StatusInternalServerError, "save provider failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid chat id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
