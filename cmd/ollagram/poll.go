package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cmdpkg "github.com/stupiduntilnot/ollagram/internal/commander"
	"github.com/stupiduntilnot/ollagram/internal/control"
	"github.com/stupiduntilnot/ollagram/internal/db"
	"github.com/stupiduntilnot/ollagram/internal/dispatch"
)

// NoticeQueueFull answers a message dropped because its chat has too many
// queued messages.
const NoticeQueueFull = "⏳ Too many messages are waiting for a reply. This one was dropped, please resend it later."

const queueFullNoticeTimeout = 5 * time.Second

// updateHandler consumes one inbound update on its chat's worker.
type updateHandler interface {
	HandleUpdate(ctx context.Context, u cmdpkg.Update) error
}

// poller long-polls the commander and hands every text update to the
// dispatcher. It owns the offset and the circuit breaker.
type poller struct {
	commander  cmdpkg.Commander
	handler    updateHandler
	dispatcher *dispatch.Dispatcher
	journal    *db.Journal
	circuit    *control.CircuitBreaker
	log        *zap.Logger

	timeout       int
	idleSleep     time.Duration
	dropPending   bool
	pendingWindow int64
	pendingMax    int

	now     func() time.Time
	backoff func(failures int) time.Duration
}

// run polls until ctx is done. It returns nil on cancellation and an error
// only when startup state cannot be read.
func (p *poller) run(ctx context.Context) error {
	if p.now == nil {
		p.now = time.Now
	}
	if p.backoff == nil {
		p.backoff = control.Backoff
	}

	offset, err := p.journal.Offset()
	if err != nil {
		return err
	}
	if offset == 0 && p.dropPending {
		bootstrapped, err := bootstrapOffset(ctx, p.commander, p.pendingWindow, p.pendingMax, p.now())
		if err != nil {
			p.log.Warn("bootstrap offset failed", zap.Error(err))
		} else {
			offset = bootstrapped
		}
	}
	p.log.Info("polling", zap.Int64("offset", offset), zap.Int("timeout_seconds", p.timeout))

	for ctx.Err() == nil {
		prevState := p.circuit.State()
		if !p.circuit.Allow(p.now()) {
			sleepCtx(ctx, p.circuit.Remaining(p.now()))
			continue
		}
		if prevState == control.CircuitOpen && p.circuit.State() == control.CircuitHalfOpen {
			p.log.Info("circuit half-open", zap.String("error_class", string(p.circuit.OpenedClass())))
			p.journal.Record(ctx, db.EventCircuitHalfOpen, map[string]any{
				"error_class": p.circuit.OpenedClass(),
			})
		}

		updates, err := p.commander.GetUpdates(ctx, offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.pollFailed(ctx, err)
			continue
		}
		recovered := p.circuit.State() != control.CircuitClosed
		p.circuit.RecordSuccess()
		if recovered {
			p.log.Info("circuit closed")
			p.journal.Record(ctx, db.EventCircuitClosed, map[string]any{"recovered": true})
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if err := p.accept(ctx, u); err != nil {
				if ctx.Err() != nil || errors.Is(err, dispatch.ErrClosed) {
					return nil
				}
				p.log.Warn("update dropped", zap.Int64("update_id", u.UpdateID), zap.Error(err))
			}
		}
		if len(updates) == 0 {
			sleepCtx(ctx, p.idleSleep)
		}
	}
	return nil
}

func (p *poller) pollFailed(ctx context.Context, err error) {
	class := control.Classify(err)
	prev := p.circuit.State()
	p.circuit.RecordFailure(class, p.now())
	failures := p.circuit.Failures(class)
	delay := p.backoff(max(failures, 1))

	p.log.Warn("getUpdates failed",
		zap.String("error_class", string(class)),
		zap.Int("failures", failures),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
	failedID := p.journal.Record(ctx, db.EventPollFailed, map[string]any{
		"error_class": class,
		"error":       truncate(err.Error(), 500),
	})
	p.journal.Record(db.WithParent(ctx, failedID), db.EventRetryScheduled, map[string]any{
		"failures":        failures,
		"backoff_seconds": delay.Seconds(),
	})
	if prev != control.CircuitOpen && p.circuit.State() == control.CircuitOpen {
		p.log.Warn("circuit opened",
			zap.String("error_class", string(class)),
			zap.Duration("cooldown", p.circuit.Cooldown),
		)
		p.journal.Record(ctx, db.EventCircuitOpened, map[string]any{
			"error_class":      class,
			"threshold":        p.circuit.Threshold,
			"cooldown_seconds": int(p.circuit.Cooldown.Seconds()),
		})
		return
	}
	sleepCtx(ctx, delay)
}

// accept records u and queues it on its chat's worker. Updates without text
// and updates seen before are skipped.
func (p *poller) accept(ctx context.Context, u cmdpkg.Update) error {
	text := cmdpkg.TextOf(u)
	if strings.TrimSpace(text) == "" {
		p.journal.Record(ctx, db.EventUpdateSkipped, map[string]any{
			"update_id": u.UpdateID,
			"reason":    "no_text",
		})
		return nil
	}
	chatID := u.Message.Chat.ID
	fresh, err := p.journal.RecordUpdate(u.UpdateID, chatID, u.Message.Date)
	if err != nil {
		return err
	}
	if !fresh {
		p.log.Debug("duplicate update", zap.Int64("update_id", u.UpdateID))
		p.journal.Record(ctx, db.EventUpdateSkipped, map[string]any{
			"update_id": u.UpdateID,
			"reason":    "duplicate",
		})
		return nil
	}

	traceID := uuid.NewString()
	receivedID := p.journal.Record(ctx, db.EventUpdateReceived, map[string]any{
		"update_id": u.UpdateID,
		"chat_id":   chatID,
		"trace_id":  traceID,
		"text":      truncate(text, 1000),
	})
	p.log.Debug("update received",
		zap.Int64("update_id", u.UpdateID),
		zap.Int64("chat_id", chatID),
		zap.String("trace_id", traceID),
	)

	err = p.dispatcher.Submit(ctx, chatID, func(jobCtx context.Context) {
		jobCtx = db.WithParent(jobCtx, receivedID)
		if err := p.handler.HandleUpdate(jobCtx, u); err != nil {
			p.log.Warn("update handling failed",
				zap.Int64("chat_id", chatID),
				zap.String("trace_id", traceID),
				zap.Error(err),
			)
		}
	})
	if errors.Is(err, dispatch.ErrQueueFull) {
		p.queueFull(db.WithParent(ctx, receivedID), u.UpdateID, chatID, traceID)
		return nil
	}
	return err
}

// queueFull drops an update whose chat queue has no room and tells the chat.
// The notice is bounded by a short timeout so the poll loop keeps moving.
func (p *poller) queueFull(ctx context.Context, updateID, chatID int64, traceID string) {
	p.log.Warn("chat queue full, update dropped",
		zap.Int64("update_id", updateID),
		zap.Int64("chat_id", chatID),
		zap.String("trace_id", traceID),
	)
	p.journal.Record(ctx, db.EventUpdateSkipped, map[string]any{
		"update_id": updateID,
		"chat_id":   chatID,
		"reason":    "queue_full",
	})
	sendCtx, cancel := context.WithTimeout(ctx, queueFullNoticeTimeout)
	defer cancel()
	if err := p.commander.SendMessage(sendCtx, chatID, NoticeQueueFull); err != nil {
		p.log.Warn("queue full notice failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// bootstrapOffset picks the first offset of a fresh install: pending updates
// older than window seconds are skipped, and at most maxMessages of the
// recent ones are kept.
func bootstrapOffset(ctx context.Context, commander cmdpkg.Commander, window int64, maxMessages int, now time.Time) (int64, error) {
	updates, err := commander.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	cutoff := now.Unix() - window
	var inWindow []cmdpkg.Update
	for _, u := range updates {
		if u.Message != nil && u.Message.Date >= cutoff {
			inWindow = append(inWindow, u)
		}
	}
	if len(inWindow) == 0 {
		return updates[len(updates)-1].UpdateID + 1, nil
	}
	if maxMessages > 0 && len(inWindow) > maxMessages {
		inWindow = inWindow[len(inWindow)-maxMessages:]
	}
	return inWindow[0].UpdateID, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func truncate(s string, maxChars int) string {
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars]) + "..."
}
