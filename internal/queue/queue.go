// Package queue serializes agent runs per chat. Each registered folder gets
// one worker goroutine; a weighted semaphore caps how many sandboxes run at
// once across all folders. Within a folder runs never overlap, so two
// sandboxes can never touch the same workspace.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Process is a launched sandbox as the queue sees it.
type Process interface {
	Frames() <-chan sandbox.OutputBlock
	WriteUserMessage(text string) error
	CloseStdin() error
	Wait(ctx context.Context) error
	Terminate()
	Kill()
}

// Launcher starts sandboxes. The production implementation wraps
// sandbox.Runner; tests substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, reg store.RegisteredChat, input sandbox.Input) (Process, error)
}

// Sender delivers agent output to chats.
type Sender interface {
	SendReply(ctx context.Context, chatID, text string) error
}

// TaskEvent is a scheduled task injected into a folder's run queue.
type TaskEvent struct {
	Task store.ScheduledTask
	// Done receives the run outcome; called exactly once.
	Done func(status, output string)
}

// Stats are lifetime queue counters.
type Stats struct {
	Completed int64
	Retried   int64
	Failed    int64
}

// Queue owns the per-folder workers.
type Queue struct {
	st       *store.Store
	launcher Launcher
	sender   Sender
	sem      *semaphore.Weighted

	idleTimeout   time.Duration
	coalesce      time.Duration
	maxAttempts   int
	retryBackoff  time.Duration
	shutdownGrace time.Duration
	provider      string

	mu      sync.Mutex
	workers map[string]*worker
	ctx     context.Context
	wg      sync.WaitGroup

	completed atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64

	log *slog.Logger
}

func New(cfg *config.Config, st *store.Store, launcher Launcher, sender Sender, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		st:            st,
		launcher:      launcher,
		sender:        sender,
		sem:           semaphore.NewWeighted(int64(cfg.Queue.MaxConcurrent)),
		idleTimeout:   cfg.IdleTimeout(),
		coalesce:      cfg.CoalesceWindow(),
		maxAttempts:   cfg.Queue.MaxAttempts,
		retryBackoff:  retryBackoffBase,
		shutdownGrace: cfg.ShutdownGrace(),
		provider:      cfg.Provider,
		workers:       map[string]*worker{},
		log:           log,
	}
}

// Run anchors worker lifetimes to ctx and blocks until shutdown completes.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	q.ctx = ctx
	q.mu.Unlock()
	<-ctx.Done()
	q.wg.Wait()
	return ctx.Err()
}

// Wake signals a folder's worker that work may be pending. Signals coalesce:
// a worker that is already awake sees at most one extra wakeup.
func (q *Queue) Wake(folder string) {
	w := q.workerFor(folder)
	if w == nil {
		return
	}
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// EnqueueTask hands a scheduled task to its folder's worker. Returns false
// when the worker's task buffer is full or the queue is shutting down.
func (q *Queue) EnqueueTask(ev TaskEvent) bool {
	w := q.workerFor(ev.Task.Folder)
	if w == nil {
		return false
	}
	select {
	case w.taskCh <- ev:
		return true
	default:
		q.log.Warn("task buffer full", "folder", ev.Task.Folder, "task", ev.Task.ID)
		return false
	}
}

// Stats returns lifetime counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Completed: q.completed.Load(),
		Retried:   q.retried.Load(),
		Failed:    q.failed.Load(),
	}
}

func (q *Queue) workerFor(folder string) *worker {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx == nil || q.ctx.Err() != nil {
		return nil
	}
	w, ok := q.workers[folder]
	if !ok {
		w = &worker{
			q:      q,
			folder: folder,
			wakeCh: make(chan struct{}, 1),
			taskCh: make(chan TaskEvent, 4),
			log:    q.log.With("folder", folder),
		}
		q.workers[folder] = w
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			w.run(q.ctx)
		}()
	}
	return w
}
