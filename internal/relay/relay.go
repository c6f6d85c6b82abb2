// Package relay drives a single chat turn end to end: persist the user
// message, assemble the request, stream deltas from the provider, and
// persist the outcome. A turn moves through a fixed set of states and
// always reaches exactly one terminal state.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/assembler"
	"chatrelay/internal/providers"
	"chatrelay/internal/storage"
)

type turnState int

const (
	statePending turnState = iota
	stateUserSaved
	stateStreaming
	stateCompleted
	stateFailed
)

func (s turnState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateUserSaved:
		return "user_saved"
	case stateStreaming:
		return "streaming"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrCanceled reports that the client went away mid-stream. Canceled turns
// leave no assistant message and no audit entry.
var ErrCanceled = errors.New("turn canceled by client")

// Emitter receives turn progress. Implementations must tolerate being
// called from the relay goroutine; exactly one of Done or Error is called,
// except on cancellation where the client is gone and nothing is emitted.
type Emitter interface {
	UserSaved(messageID int64)
	Delta(content string)
	Done(messageID int64)
	Error(err error)
}

type Resolver interface {
	Resolve(ctx context.Context, model string) (providers.Adapter, error)
}

type Builder interface {
	Build(ctx context.Context, in assembler.Input) assembler.Result
}

// Store is the subset of the storage layer a turn needs.
type Store interface {
	GetChat(ctx context.Context, chatID int64) (storage.Chat, error)
	ListMessages(ctx context.Context, chatID int64) ([]storage.Message, error)
	CreateMessage(ctx context.Context, m storage.Message) (int64, error)
	TouchChat(ctx context.Context, chatID int64, model string) error
	InsertAuditEntry(ctx context.Context, e storage.AuditEntry) error
}

// TitleNotifier is invoked after a turn completes so the title engine can
// decide whether to enqueue a generation job. Best effort.
type TitleNotifier interface {
	TurnCompleted(ctx context.Context, chatID int64)
}

type Relay struct {
	store    Store
	resolver Resolver
	builder  Builder
	titles   TitleNotifier
	logger   zerolog.Logger
}

func New(store Store, resolver Resolver, builder Builder, titles TitleNotifier, logger zerolog.Logger) *Relay {
	return &Relay{store: store, resolver: resolver, builder: builder, titles: titles, logger: logger}
}

// Turn describes one user submission against an existing chat.
type Turn struct {
	ChatID      int64
	UserText    string
	Model       string // overrides the chat's model when set
	Collections []string
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
}

// Run executes the turn. Provider resolution happens before any write so a
// misconfigured model rejects the turn without persisting anything. After
// the user message is saved every failure still produces a persisted
// assistant record and an audit entry, except client cancellation.
func (r *Relay) Run(ctx context.Context, turn Turn, em Emitter) error {
	start := time.Now()
	state := statePending
	advance := func(next turnState) {
		state = next
		r.logger.Debug().Int64("chat_id", turn.ChatID).Stringer("state", state).Msg("turn state")
	}

	chat, err := r.store.GetChat(ctx, turn.ChatID)
	if err != nil {
		em.Error(err)
		return err
	}
	model := turn.Model
	if model == "" {
		model = chat.Model
	}

	adapter, err := r.resolver.Resolve(ctx, model)
	if err != nil {
		em.Error(err)
		return fmt.Errorf("resolve %q: %w", model, err)
	}

	history, err := r.store.ListMessages(ctx, turn.ChatID)
	if err != nil {
		em.Error(err)
		return err
	}

	userID, err := r.store.CreateMessage(ctx, storage.Message{
		ChatID:  turn.ChatID,
		Role:    providers.RoleUser,
		Content: turn.UserText,
	})
	if err != nil {
		em.Error(err)
		return fmt.Errorf("persist user message: %w", err)
	}
	advance(stateUserSaved)
	em.UserSaved(userID)

	systemPrompt := ""
	if chat.SystemPrompt != nil {
		systemPrompt = *chat.SystemPrompt
	}
	res := r.builder.Build(ctx, assembler.Input{
		SystemPrompt: systemPrompt,
		History:      toProviderMessages(history),
		UserText:     turn.UserText,
		Collections:  turn.Collections,
		Model:        model,
		Temperature:  turn.Temperature,
		TopP:         turn.TopP,
		TopK:         turn.TopK,
		MaxTokens:    turn.MaxTokens,
	})

	ch, err := adapter.Stream(ctx, res.Request)
	if err != nil {
		if ctx.Err() != nil {
			r.logger.Debug().Int64("chat_id", turn.ChatID).Msg("turn canceled while opening stream")
			return ErrCanceled
		}
		advance(stateFailed)
		return r.fail(ctx, turn, model, res, err, start, em)
	}
	advance(stateStreaming)

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			if ctx.Err() != nil {
				r.logger.Debug().Int64("chat_id", turn.ChatID).Msg("turn canceled mid-stream")
				return ErrCanceled
			}
			advance(stateFailed)
			return r.fail(ctx, turn, model, res, chunk.Err, start, em)
		}
		if chunk.Content != "" {
			sb.WriteString(chunk.Content)
			em.Delta(chunk.Content)
		}
		if chunk.Done {
			break
		}
	}
	if ctx.Err() != nil {
		return ErrCanceled
	}

	full := sb.String()
	if full == "" {
		advance(stateFailed)
		return r.fail(ctx, turn, model, res, errors.New("provider returned an empty response"), start, em)
	}
	assistantID, err := r.store.CreateMessage(ctx, storage.Message{
		ChatID:  turn.ChatID,
		Role:    providers.RoleAssistant,
		Content: full,
		Model:   &model,
	})
	if err != nil {
		r.logger.Error().Err(err).Int64("chat_id", turn.ChatID).Msg("persist assistant message failed")
		r.audit(ctx, turn, model, res, full, err.Error(), start)
		em.Error(fmt.Errorf("persist assistant message: %w", err))
		return err
	}
	if err := r.store.TouchChat(ctx, turn.ChatID, model); err != nil {
		r.logger.Warn().Err(err).Int64("chat_id", turn.ChatID).Msg("touch chat failed")
	}
	r.audit(ctx, turn, model, res, full, "", start)
	advance(stateCompleted)

	em.Done(assistantID)
	if r.titles != nil {
		r.titles.TurnCompleted(ctx, turn.ChatID)
	}
	return nil
}

// fail records the failed terminal state. A synthetic assistant message is
// always written so the stored conversation never ends on an unanswered
// user turn, and the audit entry carries the error with no response text.
func (r *Relay) fail(ctx context.Context, turn Turn, model string, res assembler.Result, cause error, start time.Time, em Emitter) error {
	r.logger.Error().Err(cause).Int64("chat_id", turn.ChatID).Str("model", model).Msg("turn failed")
	notice := fmt.Sprintf("The model failed to respond: %s", cause.Error())
	if _, err := r.store.CreateMessage(ctx, storage.Message{
		ChatID:  turn.ChatID,
		Role:    providers.RoleAssistant,
		Content: notice,
		Model:   &model,
	}); err != nil {
		r.logger.Error().Err(err).Int64("chat_id", turn.ChatID).Msg("persist failure notice failed")
	}
	r.audit(ctx, turn, model, res, "", cause.Error(), start)
	em.Error(cause)
	return cause
}

func (r *Relay) audit(ctx context.Context, turn Turn, model string, res assembler.Result, response, errText string, start time.Time) {
	entry := storage.AuditEntry{
		ChatID:       turn.ChatID,
		Model:        model,
		ContextText:  res.ContextText,
		InputTokens:  res.EstimatedTokens,
		OutputTokens: len(response) / 4,
		DurationMS:   time.Since(start).Milliseconds(),
		Response:     response,
		Error:        errText,
		UserMessage:  turn.UserText,
	}
	if b, err := json.Marshal(res.Request); err == nil {
		entry.RequestJSON = string(b)
	}
	if b, err := json.Marshal(turn.Collections); err == nil {
		entry.CollectionsJSON = string(b)
	}
	if err := r.store.InsertAuditEntry(ctx, entry); err != nil {
		r.logger.Warn().Err(err).Int64("chat_id", turn.ChatID).Msg("audit insert failed")
	}
}

func toProviderMessages(history []storage.Message) []providers.Message {
	out := make([]providers.Message, 0, len(history))
	for _, m := range history {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
