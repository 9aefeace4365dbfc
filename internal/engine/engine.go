// Package engine runs one conversation turn: it records the user's message,
// replays the chat's whole history to the model and relays the answer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	cmdpkg "github.com/stupiduntilnot/ollagram/internal/commander"
	"github.com/stupiduntilnot/ollagram/internal/db"
	modelpkg "github.com/stupiduntilnot/ollagram/internal/model"
	"github.com/stupiduntilnot/ollagram/internal/session"
)

// User-facing notices.
const (
	NoticeModelFailed = "❌ Failed to get a reply from the model"
	NoticeEmptyReply  = "❌ The model returned an empty reply"
)

const (
	DefaultRequestTimeout = 300 * time.Second
	DefaultTypingInterval = 4 * time.Second

	// deliverTimeout bounds a reply sent after the job ctx was cancelled.
	deliverTimeout = 30 * time.Second
)

// Options tune an Engine. Zero values select the defaults.
type Options struct {
	SystemPrompt   string
	RequestTimeout time.Duration
	TypingInterval time.Duration
}

// Engine relays user messages to the model backend.
type Engine struct {
	store     *session.Store
	completer modelpkg.Completer
	sender    cmdpkg.Sender
	journal   *db.Journal
	log       *zap.Logger
	opts      Options
}

func New(store *session.Store, completer modelpkg.Completer, sender cmdpkg.Sender, journal *db.Journal, log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = DefaultTypingInterval
	}
	return &Engine{
		store:     store,
		completer: completer,
		sender:    sender,
		journal:   journal,
		log:       log,
		opts:      opts,
	}
}

// HandleUserMessage appends text as a user turn, asks the chat's model for an
// answer and delivers it. The user turn stays in the history whatever the
// outcome; an assistant turn is appended only for a non-empty answer. Every
// outcome produces a reply to the chat. The returned error reports a failed
// delivery only; backend failures are answered with a notice.
func (e *Engine) HandleUserMessage(ctx context.Context, chatID int64, text string) error {
	e.store.Append(chatID, session.Turn{Role: session.RoleUser, Content: text})
	modelName := e.store.Model(chatID)
	history := e.store.History(chatID)
	log := e.log.With(zap.Int64("chat_id", chatID), zap.String("model", modelName))

	msgEventID := e.journal.Record(ctx, db.EventMessageReceived, map[string]any{
		"chat_id":      chatID,
		"model":        modelName,
		"history_len":  len(history),
		"text_preview": truncate(text, 120),
	})
	ctx = db.WithParent(ctx, msgEventID)

	messages := Assemble(e.opts.SystemPrompt, history)
	e.journal.Record(ctx, db.EventContextAssembled, map[string]any{
		"message_count":     len(messages),
		"has_system_prompt": len(messages) > len(history),
	})

	resp, latency, err := e.complete(ctx, chatID, modelName, messages)
	switch {
	case errors.Is(err, modelpkg.ErrEmptyCompletion):
		log.Warn("model returned empty completion", zap.Duration("latency", latency))
		e.journal.Record(ctx, db.EventModelFailed, map[string]any{
			"model":      modelName,
			"error":      err.Error(),
			"empty":      true,
			"latency_ms": latency.Milliseconds(),
		})
		return e.reply(ctx, chatID, NoticeEmptyReply)
	case err != nil:
		log.Error("model request failed", zap.Duration("latency", latency), zap.Error(err))
		e.journal.Record(ctx, db.EventModelFailed, map[string]any{
			"model":      modelName,
			"error":      err.Error(),
			"latency_ms": latency.Milliseconds(),
		})
		return e.reply(ctx, chatID, NoticeModelFailed)
	}

	e.store.Append(chatID, session.Turn{Role: session.RoleAssistant, Content: resp.Content})
	log.Info("model replied",
		zap.Duration("latency", latency),
		zap.Int("input_tokens", resp.InputTokens),
		zap.Int("output_tokens", resp.OutputTokens),
	)
	e.journal.Record(ctx, db.EventModelReplied, map[string]any{
		"model":         modelName,
		"latency_ms":    latency.Milliseconds(),
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	})
	return e.reply(ctx, chatID, resp.Content)
}

func (e *Engine) complete(ctx context.Context, chatID int64, modelName string, messages []session.Turn) (modelpkg.CompletionResponse, time.Duration, error) {
	e.journal.Record(ctx, db.EventModelRequested, map[string]any{"model": modelName})

	stopTyping := startTyping(ctx, e.sender, chatID, e.opts.TypingInterval, e.log)
	defer stopTyping()

	reqCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	started := time.Now()
	resp, err := e.completer.ChatCompletion(reqCtx, modelName, messages)
	latency := time.Since(started)
	if err != nil {
		return resp, latency, fmt.Errorf("chat completion with %s: %w", modelName, err)
	}
	return resp, latency, nil
}

func (e *Engine) reply(ctx context.Context, chatID int64, text string) error {
	return Deliver(ctx, e.sender, e.journal, e.log, chatID, text)
}

// Deliver sends text to chatID and journals the outcome. The send outlives
// cancellation of ctx, bounded by deliverTimeout, so a job cancelled at
// shutdown still answers. Failures are logged with the chat id and returned;
// they are never retried.
func Deliver(ctx context.Context, sender cmdpkg.Sender, journal *db.Journal, log *zap.Logger, chatID int64, text string) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
	defer cancel()
	if err := sender.SendMessage(sendCtx, chatID, text); err != nil {
		log.Error("reply delivery failed", zap.Int64("chat_id", chatID), zap.Error(err))
		journal.Record(ctx, db.EventReplyFailed, map[string]any{
			"chat_id": chatID,
			"error":   err.Error(),
		})
		return fmt.Errorf("deliver reply to chat %d: %w", chatID, err)
	}
	journal.Record(ctx, db.EventReplySent, map[string]any{
		"chat_id":   chatID,
		"reply_len": len([]rune(text)),
	})
	return nil
}

// Assemble builds the request messages: the optional system prompt followed
// by the stored history.
func Assemble(systemPrompt string, history []session.Turn) []session.Turn {
	systemPrompt = strings.TrimSpace(systemPrompt)
	if systemPrompt == "" {
		return history
	}
	messages := make([]session.Turn, 0, 1+len(history))
	messages = append(messages, session.Turn{Role: session.RoleSystem, Content: systemPrompt})
	messages = append(messages, history...)
	return messages
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "..."
}
