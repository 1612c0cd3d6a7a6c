package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/queue"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Scheduler sweeps for due tasks and hands them to the queue. Schedules are
// durable: next_run lives in the store, so restarts and missed windows
// resolve to at most one catch-up run per task.
type Scheduler struct {
	st   *store.Store
	q    TaskEnqueuer
	loc  *time.Location
	poll time.Duration
	log  *slog.Logger
	now  func() time.Time
}

// TaskEnqueuer is the queue surface the scheduler needs.
type TaskEnqueuer interface {
	EnqueueTask(ev queue.TaskEvent) bool
}

func New(st *store.Store, q TaskEnqueuer, loc *time.Location, poll time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	if poll <= 0 {
		poll = time.Minute
	}
	return &Scheduler{st: st, q: q, loc: loc, poll: poll, log: log, now: time.Now}
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	now := s.now()
	due, err := s.st.DueTasks(ctx, now)
	if err != nil {
		s.log.Warn("due task sweep failed", "error", err)
		return
	}
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, task, now)
	}
}

// fire dispatches one due task. next_run is advanced before the run starts
// so a slow run cannot double-fire on the next sweep; computing from now
// (not from the stale next_run) collapses missed windows into this single
// catch-up.
func (s *Scheduler) fire(ctx context.Context, task store.ScheduledTask, now time.Time) {
	next, err := NextRun(task.ScheduleType, task.ScheduleValue, now, s.loc, true)
	if err != nil {
		s.log.Error("task schedule no longer computes, marking failed",
			"task", task.ID, "error", err)
		if err := s.st.SetTaskStatus(ctx, task.ID, store.TaskFailed, nil, false); err != nil {
			s.log.Error("mark broken task failed", "task", task.ID, "error", err)
		}
		return
	}
	status := store.TaskActive
	if next == nil {
		status = store.TaskCompleted
	}
	if err := s.st.SetTaskStatus(ctx, task.ID, status, next, true); err != nil {
		s.log.Error("advance next_run failed", "task", task.ID, "error", err)
		return
	}

	runID, err := s.st.StartTaskRun(ctx, task.ID, now)
	if err != nil {
		s.log.Error("start run log failed", "task", task.ID, "error", err)
		return
	}
	// A typed-nil *time.Time would panic inside slog's TextMarshaler path on
	// Go <1.24; log an untyped nil instead.
	nextVal := any(next)
	if next == nil {
		nextVal = nil
	}
	s.log.Info("task due", "task", task.ID, "folder", task.Folder, "next_run", nextVal)

	started := s.now()
	ev := queue.TaskEvent{
		Task: task,
		Done: func(runStatus, output string) {
			bg := context.Background()
			elapsed := s.now().Sub(started).Milliseconds()
			if err := s.st.FinishTaskRun(bg, runID, runStatus, elapsed, output); err != nil {
				s.log.Warn("finish run log failed", "task", task.ID, "error", err)
			}
			if err := s.st.UpdateTaskAfterRun(bg, task.ID, started, output); err != nil {
				s.log.Warn("record task result failed", "task", task.ID, "error", err)
			}
			// A one-shot task has no further runs to recover in; a failed
			// run is its terminal state.
			if runStatus != "success" && task.ScheduleType == store.ScheduleOnce {
				if err := s.st.SetTaskStatus(bg, task.ID, store.TaskFailed, nil, false); err != nil {
					s.log.Warn("mark one-shot task failed", "task", task.ID, "error", err)
				}
			}
		},
	}
	if !s.q.EnqueueTask(ev) {
		// Queue full: mark the run skipped and put the task back as due so
		// the next sweep retries.
		if err := s.st.FinishTaskRun(ctx, runID, "skipped", 0, "queue full"); err != nil {
			s.log.Warn("mark run skipped failed", "task", task.ID, "error", err)
		}
		if err := s.st.SetTaskStatus(ctx, task.ID, store.TaskActive, &now, true); err != nil {
			s.log.Warn("requeue task failed", "task", task.ID, "error", err)
		}
	}
}
