package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schedule kinds accepted for scheduled tasks.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Context modes for task runs.
const (
	ContextIsolated = "isolated"
	ContextGroup    = "group"
)

// ScheduledTask is a durable timer owned by a workspace folder.
type ScheduledTask struct {
	ID            string
	Folder        string
	ChatJID       string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    *string
	Status        string
	CreatedAt     time.Time
}

// TaskRunLog is one execution record of a scheduled task.
type TaskRunLog struct {
	ID         int64
	TaskID     string
	StartedAt  time.Time
	DurationMs *int64
	Status     string
	Output     *string
}

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(ctx context.Context, t ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(id, folder, chat_jid, prompt, schedule_type, schedule_value,
			 context_mode, next_run, last_run, last_result, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Folder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, fmtTimePtr(t.NextRun), fmtTimePtr(t.LastRun), t.LastResult,
		t.Status, fmtTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns one task, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (ScheduledTask, error) {
	return s.scanTask(s.db.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id))
}

// ListTasks returns tasks, optionally restricted to one folder. Ordered by
// creation time.
func (s *Store) ListTasks(ctx context.Context, folder string) ([]ScheduledTask, error) {
	q := selectTask + ` ORDER BY created_at, id`
	args := []any{}
	if folder != "" {
		q = selectTask + ` WHERE folder = ? ORDER BY created_at, id`
		args = append(args, folder)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DueTasks returns active tasks with next_run at or before now, ordered by
// (next_run, id) so ties fire deterministically.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, selectTask+`
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run, id`,
		TaskActive, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTaskStatus updates the task status, and optionally its next_run
// (resume recomputes it; pause keeps it).
func (s *Store) SetTaskStatus(ctx context.Context, id, status string, nextRun *time.Time, touchNext bool) error {
	var err error
	if touchNext {
		_, err = s.db.ExecContext(ctx,
			`UPDATE scheduled_tasks SET status = ?, next_run = ? WHERE id = ?`,
			status, fmtTimePtr(nextRun), id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("set task %s status: %w", id, err)
	}
	return nil
}

// UpdateTaskAfterRun records a finished run: last_run and last_result only.
// next_run and status were advanced at dispatch, and a pause/resume/cancel
// applied while the run was in flight must not be clobbered here.
func (s *Store) UpdateTaskAfterRun(ctx context.Context, id string, ranAt time.Time, result string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET last_run = ?, last_result = ? WHERE id = ?`,
		fmtTime(ranAt), result, id)
	if err != nil {
		return fmt.Errorf("update task %s after run: %w", id, err)
	}
	return nil
}

// DeleteTask removes a task and its run logs.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s logs: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return tx.Commit()
}

// StartTaskRun inserts a run log row in "running" state and returns its id.
func (s *Store) StartTaskRun(ctx context.Context, taskID string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, started_at, status) VALUES (?, ?, 'running')`,
		taskID, fmtTime(startedAt))
	if err != nil {
		return 0, fmt.Errorf("start run log %s: %w", taskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("start run log %s: %w", taskID, err)
	}
	return id, nil
}

// FinishTaskRun completes a run log row.
func (s *Store) FinishTaskRun(ctx context.Context, runID int64, status string, durationMs int64, output string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_run_logs SET status = ?, duration_ms = ?, output = ? WHERE id = ?`,
		status, durationMs, output, runID)
	if err != nil {
		return fmt.Errorf("finish run log %d: %w", runID, err)
	}
	return nil
}

// TaskRunLogs returns the run history of one task, newest first.
func (s *Store) TaskRunLogs(ctx context.Context, taskID string, limit int) ([]TaskRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, started_at, duration_ms, status, output
		FROM task_run_logs WHERE task_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("run logs %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		var started string
		var dur sql.NullInt64
		var output sql.NullString
		if err := rows.Scan(&l.ID, &l.TaskID, &started, &dur, &l.Status, &output); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		if l.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		if dur.Valid {
			l.DurationMs = &dur.Int64
		}
		if output.Valid {
			l.Output = &output.String
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const selectTask = `
	SELECT id, folder, chat_jid, prompt, schedule_type, schedule_value,
	       context_mode, next_run, last_run, last_result, status, created_at
	FROM scheduled_tasks`

func (s *Store) scanTask(row rowScanner) (ScheduledTask, error) {
	var t ScheduledTask
	var next, last sql.NullString
	var result sql.NullString
	var created string
	err := row.Scan(&t.ID, &t.Folder, &t.ChatJID, &t.Prompt, &t.ScheduleType,
		&t.ScheduleValue, &t.ContextMode, &next, &last, &result, &t.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, ErrNotFound
	}
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("scan task: %w", err)
	}
	if t.NextRun, err = parseTimePtr(next); err != nil {
		return ScheduledTask{}, fmt.Errorf("scan task: %w", err)
	}
	if t.LastRun, err = parseTimePtr(last); err != nil {
		return ScheduledTask{}, fmt.Errorf("scan task: %w", err)
	}
	if result.Valid {
		t.LastResult = &result.String
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return ScheduledTask{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}
