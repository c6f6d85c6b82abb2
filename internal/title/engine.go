// Package title generates short chat titles after qualifying turns. The
// trigger decision runs in the response path but only enqueues a job; the
// generation itself happens on a background worker so it never delays the
// stream.
package title

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/internal/providers"
	"chatrelay/internal/queue"
	"chatrelay/internal/storage"
)

const (
	maxTitleRunes  = 60
	historyClipLen = 2000
)

const titleInstruction = "Summarize the conversation above in a short title of at most six words. Reply with the title only, no quotes, no punctuation at the end."

type Store interface {
	GetChat(ctx context.Context, chatID int64) (storage.Chat, error)
	ListMessages(ctx context.Context, chatID int64) ([]storage.Message, error)
	CountMessages(ctx context.Context, chatID int64) (int, error)
	UpdateChatTitle(ctx context.Context, chatID int64, title string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.TitleJob) (string, error)
}

// Engine decides when a chat needs a title and enqueues generation jobs.
type Engine struct {
	store           Store
	queue           Enqueuer
	enabled         bool
	triggerAfter    int
	regenerateAfter int
	model           string
	logger          zerolog.Logger
}

type Config struct {
	Store Store
	Queue Enqueuer
	// Enabled gates the whole feature.
	Enabled bool
	// TriggerAfter generates a title once an untitled chat reaches this
	// many messages.
	TriggerAfter int
	// RegenerateAfter, when positive, regenerates the title once the chat
	// reaches this many messages regardless of an existing title.
	RegenerateAfter int
	// Model is the model used for generation. Empty means the chat's own
	// active model.
	Model  string
	Logger zerolog.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.TriggerAfter < 1 {
		cfg.TriggerAfter = 2
	}
	return &Engine{
		store:           cfg.Store,
		queue:           cfg.Queue,
		enabled:         cfg.Enabled,
		triggerAfter:    cfg.TriggerAfter,
		regenerateAfter: cfg.RegenerateAfter,
		model:           cfg.Model,
		logger:          cfg.Logger,
	}
}

// TurnCompleted is called once per completed turn. Failures are logged and
// swallowed; the response path never sees them.
func (e *Engine) TurnCompleted(ctx context.Context, chatID int64) {
	if !e.enabled {
		return
	}
	chat, err := e.store.GetChat(ctx, chatID)
	if err != nil {
		e.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("title trigger: load chat failed")
		return
	}
	count, err := e.store.CountMessages(ctx, chatID)
	if err != nil {
		e.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("title trigger: count failed")
		return
	}
	if !e.shouldTrigger(chat.Title != nil, count) {
		return
	}

	model := e.model
	if model == "" {
		model = chat.Model
	}
	if _, err := e.queue.Enqueue(ctx, queue.TitleJob{ChatID: chatID, Model: model}); err != nil {
		e.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("title trigger: enqueue failed")
		return
	}
	metrics.Global().TitleJobsEnqueued.Inc()
}

// shouldTrigger fires on exact count boundaries. Message counts only grow
// and each qualifying turn calls TurnCompleted once, so each boundary fires
// at most once per chat.
func (e *Engine) shouldTrigger(hasTitle bool, count int) bool {
	if !hasTitle && count == e.triggerAfter {
		return true
	}
	if e.regenerateAfter > 0 && count == e.regenerateAfter {
		return true
	}
	return false
}

// Generate produces a title from the chat's history and stores it.
func Generate(ctx context.Context, store Store, resolver Resolver, chatID int64, model string) error {
	messages, err := store.ListMessages(ctx, chatID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	if len(messages) == 0 {
		return fmt.Errorf("chat %d has no messages", chatID)
	}

	adapter, err := resolver.Resolve(ctx, model)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", model, err)
	}

	req := providers.CompletionRequest{
		Model:     model,
		Messages:  buildPrompt(messages),
		MaxTokens: 64,
	}
	raw, err := providers.Complete(ctx, adapter, req)
	if err != nil {
		return fmt.Errorf("generate title: %w", err)
	}

	title := Sanitize(raw)
	if title == "" {
		return fmt.Errorf("model returned an unusable title")
	}
	if err := store.UpdateChatTitle(ctx, chatID, title); err != nil {
		return fmt.Errorf("store title: %w", err)
	}
	return nil
}

type Resolver interface {
	Resolve(ctx context.Context, model string) (providers.Adapter, error)
}

func buildPrompt(messages []storage.Message) []providers.Message {
	out := make([]providers.Message, 0, len(messages)+1)
	for _, m := range messages {
		content := m.Content
		if len(content) > historyClipLen {
			content = content[:historyClipLen]
		}
		out = append(out, providers.Message{Role: m.Role, Content: content})
	}
	out = append(out, providers.Message{Role: providers.RoleUser, Content: titleInstruction})
	return out
}

// Sanitize collapses whitespace, strips wrapping quotes and markdown
// artifacts, and bounds the length.
func Sanitize(raw string) string {
	s := strings.Join(strings.Fields(raw), " ")
	s = strings.Trim(s, `"'`)
	s = strings.TrimPrefix(s, "Title:")
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "*#")
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxTitleRunes {
		s = strings.TrimSpace(string(r[:maxTitleRunes]))
	}
	return s
}
