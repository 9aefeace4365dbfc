// Package dispatch runs jobs in per-chat order. Each chat gets its own worker
// goroutine and FIFO queue; different chats run concurrently up to a global
// limit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stupiduntilnot/ollagram/internal/db"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("dispatcher closed")
	// ErrQueueFull is returned by Submit when the chat's queue has no room.
	ErrQueueFull = errors.New("chat queue full")
)

const (
	DefaultMaxConcurrency = 4
	DefaultQueueSize      = 16
	DefaultIdleTimeout    = 10 * time.Minute
)

// Job is one unit of work for a chat.
type Job func(ctx context.Context)

type Options struct {
	MaxConcurrency int
	QueueSize      int
	IdleTimeout    time.Duration
}

type worker struct {
	jobs chan Job
	// wake nudges a draining worker to re-read pending.
	wake chan struct{}
	// pending counts jobs accepted by Submit and not yet finished. Guarded by
	// Dispatcher.mu.
	pending int
}

// Dispatcher owns the per-chat workers.
type Dispatcher struct {
	ctx     context.Context
	opts    Options
	log     *zap.Logger
	journal *db.Journal
	sem     *semaphore.Weighted
	group   errgroup.Group
	quit    chan struct{}

	mu      sync.Mutex
	workers map[int64]*worker
	closed  bool
}

// New creates a dispatcher. Jobs receive ctx.
func New(ctx context.Context, opts Options, journal *db.Journal, log *zap.Logger) *Dispatcher {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		ctx:     ctx,
		opts:    opts,
		log:     log,
		journal: journal,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		quit:    make(chan struct{}),
		workers: make(map[int64]*worker),
	}
}

// Submit queues job behind the earlier jobs of chatID. It never blocks: a
// full queue rejects the job with ErrQueueFull so one busy chat cannot stall
// the others.
func (d *Dispatcher) Submit(ctx context.Context, chatID int64, job Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit to chat %d: %w", chatID, err)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	w, ok := d.workers[chatID]
	if !ok {
		w = &worker{
			jobs: make(chan Job, d.opts.QueueSize),
			wake: make(chan struct{}, 1),
		}
		d.workers[chatID] = w
		d.group.Go(func() error {
			d.run(chatID, w)
			return nil
		})
	}
	w.pending++
	d.mu.Unlock()

	select {
	case w.jobs <- job:
		return nil
	default:
		d.mu.Lock()
		w.pending--
		d.mu.Unlock()
		select {
		case w.wake <- struct{}{}:
		default:
		}
		return fmt.Errorf("submit to chat %d: %w", chatID, ErrQueueFull)
	}
}

// Workers returns the number of live chat workers.
func (d *Dispatcher) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Close rejects new jobs, lets every worker finish its queue and waits for
// them to exit. It is safe to call more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.quit)
	}
	d.mu.Unlock()
	return d.group.Wait()
}

func (d *Dispatcher) run(chatID int64, w *worker) {
	log := d.log.With(zap.Int64("chat_id", chatID))
	log.Debug("chat worker started")
	d.journal.Record(d.ctx, db.EventChatWorkerStart, map[string]any{"chat_id": chatID})
	reason := "idle"
	defer func() {
		log.Debug("chat worker stopped", zap.String("reason", reason))
		d.journal.Record(d.ctx, db.EventChatWorkerStop, map[string]any{"chat_id": chatID, "reason": reason})
	}()

	idle := time.NewTimer(d.opts.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case job := <-w.jobs:
			d.execute(chatID, w, job, log)
			idle.Reset(d.opts.IdleTimeout)
		case <-idle.C:
			if d.retire(chatID, w) {
				return
			}
			idle.Reset(d.opts.IdleTimeout)
		case <-d.quit:
			reason = "closed"
			d.drain(chatID, w, log)
			return
		}
	}
}

func (d *Dispatcher) drain(chatID int64, w *worker, log *zap.Logger) {
	for !d.retire(chatID, w) {
		select {
		case job := <-w.jobs:
			d.execute(chatID, w, job, log)
		case <-w.wake:
		}
	}
}

// retire removes w when it has no pending job. Submit looks workers up under
// the same lock, so a job is never handed to a retired worker.
func (d *Dispatcher) retire(chatID int64, w *worker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w.pending > 0 {
		return false
	}
	if d.workers[chatID] == w {
		delete(d.workers, chatID)
	}
	return true
}

func (d *Dispatcher) execute(chatID int64, w *worker, job Job, log *zap.Logger) {
	defer func() {
		d.mu.Lock()
		w.pending--
		d.mu.Unlock()
	}()

	// Acquire ignores cancellation so queued jobs still run while draining.
	if err := d.sem.Acquire(context.Background(), 1); err != nil {
		log.Error("acquire concurrency slot failed", zap.Error(err))
		return
	}
	defer d.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			log.Error("chat job panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	job(d.ctx)
}
