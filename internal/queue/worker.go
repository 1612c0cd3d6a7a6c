package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// poisonNoticeFmt is sent to the chat when a batch is dropped after
// exhausting retries.
const poisonNoticeFmt = "The assistant failed to respond after %d attempts."

const retryBackoffBase = 2 * time.Second

type worker struct {
	q      *Queue
	folder string
	wakeCh chan struct{}
	taskCh chan TaskEvent
	log    *slog.Logger
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.taskCh:
			w.safely(func() { w.runTask(ctx, ev) })
		case <-w.wakeCh:
			w.safely(func() { w.processMessages(ctx) })
		}
	}
}

// safely keeps a panicking run from taking the whole worker down; the loop
// continues with fresh state.
func (w *worker) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker panic recovered", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// processMessages drains the folder's undelivered messages through one
// sandbox run, retrying the batch on transient failure.
func (w *worker) processMessages(ctx context.Context) {
	reg, err := w.q.st.GetRegisteredByFolder(ctx, w.folder)
	if err != nil {
		w.log.Warn("registration lookup failed", "error", err)
		return
	}

	// Let a burst land before batching it into one prompt.
	if !sleepCtx(ctx, w.q.coalesce) {
		return
	}
	// The burst's extra wakeups are covered by this run.
	select {
	case <-w.wakeCh:
	default:
	}

	cursor, err := w.q.st.Cursor(ctx, w.folder)
	if err != nil {
		w.log.Warn("cursor read failed", "error", err)
		return
	}
	msgs, err := w.q.st.MessagesSince(ctx, reg.ChatJID, cursor)
	if err != nil {
		w.log.Warn("batch read failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	for attempt := 1; attempt <= w.q.maxAttempts; attempt++ {
		ok, permanent := w.attemptRun(ctx, reg, msgs, attempt)
		if ok {
			w.q.completed.Add(1)
			return
		}
		if ctx.Err() != nil {
			return
		}
		w.q.retried.Add(1)
		if permanent {
			w.log.Error("permanent failure, not retrying", "attempt", attempt)
			break
		}
		if attempt < w.q.maxAttempts {
			backoff := w.q.retryBackoff << (attempt - 1)
			w.log.Warn("run failed, backing off", "attempt", attempt, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
		}
	}

	// Poison policy: skip the batch so one bad message cannot wedge the
	// chat forever, and tell the user.
	w.q.failed.Add(1)
	last := msgs[len(msgs)-1].Timestamp
	if err := w.q.st.AdvanceCursor(ctx, w.folder, last); err != nil {
		w.log.Error("poison cursor advance failed", "error", err)
		return
	}
	w.log.Error("batch dropped after exhausted retries", "messages", len(msgs), "through", last)
	notice := fmt.Sprintf(poisonNoticeFmt, w.q.maxAttempts)
	if err := w.q.sender.SendReply(ctx, reg.ChatJID, notice); err != nil {
		w.log.Warn("poison notice delivery failed", "error", err)
	}
}

// attemptRun is one sandbox execution of a message batch. It reports
// success only when at least one framed result was fully delivered and the
// cursor advanced.
func (w *worker) attemptRun(ctx context.Context, reg store.RegisteredChat, msgs []store.Message, attempt int) (ok, permanent bool) {
	sessionID, err := w.q.st.Session(ctx, w.folder)
	if err != nil {
		w.log.Warn("session read failed", "error", err)
	}
	input := sandbox.Input{
		Prompt:      formatMessages(msgs),
		ChatID:      reg.ChatJID,
		Folder:      w.folder,
		IsMain:      reg.IsMain(),
		SessionID:   sessionID,
		ContextMode: store.ContextGroup,
		Provider:    w.q.provider,
	}

	if err := w.q.sem.Acquire(ctx, 1); err != nil {
		return false, false
	}
	defer w.q.sem.Release(1)

	proc, err := w.q.launcher.Launch(ctx, reg, input)
	if err != nil {
		w.log.Warn("sandbox launch failed", "attempt", attempt, "error", err)
		return false, sandbox.IsPermanent(err)
	}

	delivered := msgs[len(msgs)-1].Timestamp
	anyDelivered := false
	sendFailed := false
	idle := time.NewTimer(w.q.idleTimeout)
	defer idle.Stop()
	stdinClosed := false

stream:
	for {
		select {
		case <-ctx.Done():
			w.shutdownProc(proc)
			return false, false

		case block, open := <-proc.Frames():
			if !open {
				break stream
			}
			resetTimer(idle, w.q.idleTimeout)
			if block.Status == sandbox.StatusError {
				w.log.Warn("agent reported error", "error", block.Error)
				continue
			}
			if block.Result != nil && *block.Result != "" {
				if err := w.q.sender.SendReply(ctx, reg.ChatJID, *block.Result); err != nil {
					// Not accepted by the transport: the cursor must not
					// move, the whole batch retries.
					w.log.Warn("reply delivery failed", "error", err)
					sendFailed = true
					proc.CloseStdin()
					stdinClosed = true
					continue
				}
			}
			if err := w.q.st.AdvanceCursorWithSession(ctx, w.folder, delivered, block.SessionID); err != nil {
				w.log.Error("cursor advance failed", "error", err)
				sendFailed = true
				continue
			}
			anyDelivered = true

		case <-w.wakeCh:
			// Messages arriving mid-run are piped into the live sandbox
			// instead of spawning a second one.
			if stdinClosed {
				continue
			}
			// Let the burst settle so it pipes as one batch.
			if !sleepCtx(ctx, w.q.coalesce) {
				continue
			}
			select {
			case <-w.wakeCh:
			default:
			}
			newMsgs, err := w.q.st.MessagesSince(ctx, reg.ChatJID, delivered)
			if err != nil {
				w.log.Warn("mid-run batch read failed", "error", err)
				continue
			}
			if len(newMsgs) == 0 {
				continue
			}
			if err := proc.WriteUserMessage(formatMessages(newMsgs)); err != nil {
				w.log.Warn("pipe to sandbox failed", "error", err)
				continue
			}
			delivered = newMsgs[len(newMsgs)-1].Timestamp
			resetTimer(idle, w.q.idleTimeout)

		case <-idle.C:
			if !stdinClosed {
				w.log.Debug("idle timeout, closing stdin")
				proc.CloseStdin()
				stdinClosed = true
				// One more idle period to drain, then force the issue.
				resetTimer(idle, w.q.idleTimeout)
				continue
			}
			w.log.Warn("sandbox did not exit after stdin close, terminating")
			proc.Terminate()
		}
	}

	err = proc.Wait(ctx)
	if sendFailed {
		return false, false
	}
	if err != nil {
		if anyDelivered {
			// The work reached the user and the cursor moved; a messy exit
			// is not worth a duplicate run.
			w.log.Warn("sandbox exit after delivered output", "error", err)
			return true, false
		}
		w.log.Warn("sandbox run failed", "attempt", attempt, "error", err)
		return false, false
	}
	return anyDelivered, false
}

// runTask executes one scheduled task run in this folder's lane.
func (w *worker) runTask(ctx context.Context, ev TaskEvent) {
	task := ev.Task
	status, output := w.executeTask(ctx, task)
	if ev.Done != nil {
		ev.Done(status, output)
	}
	if status == "success" {
		w.q.completed.Add(1)
	} else {
		w.q.failed.Add(1)
	}
}

func (w *worker) executeTask(ctx context.Context, task store.ScheduledTask) (status, output string) {
	reg, err := w.q.st.GetRegisteredByFolder(ctx, w.folder)
	if err != nil {
		return "failure", fmt.Sprintf("registration lookup: %v", err)
	}

	// Isolated tasks start a fresh provider session; group tasks continue
	// the chat's session.
	sessionID := ""
	if task.ContextMode == store.ContextGroup {
		if sessionID, err = w.q.st.Session(ctx, w.folder); err != nil {
			w.log.Warn("session read failed", "error", err)
		}
	}
	input := sandbox.Input{
		Prompt:          task.Prompt,
		ChatID:          task.ChatJID,
		Folder:          w.folder,
		IsMain:          reg.IsMain(),
		SessionID:       sessionID,
		ScheduledTaskID: task.ID,
		ContextMode:     task.ContextMode,
		Provider:        w.q.provider,
	}

	if err := w.q.sem.Acquire(ctx, 1); err != nil {
		return "failure", "queue shutting down"
	}
	defer w.q.sem.Release(1)

	proc, err := w.q.launcher.Launch(ctx, reg, input)
	if err != nil {
		return "failure", fmt.Sprintf("launch: %v", err)
	}

	var results []string
	var agentErr string
	idle := time.NewTimer(w.q.idleTimeout)
	defer idle.Stop()
	stdinClosed := false

stream:
	for {
		select {
		case <-ctx.Done():
			w.shutdownProc(proc)
			return "failure", "shutdown during task run"
		case block, open := <-proc.Frames():
			if !open {
				break stream
			}
			resetTimer(idle, w.q.idleTimeout)
			if block.Status == sandbox.StatusError {
				agentErr = block.Error
				continue
			}
			if block.Result != nil && *block.Result != "" {
				results = append(results, *block.Result)
				if err := w.q.sender.SendReply(ctx, task.ChatJID, *block.Result); err != nil {
					w.log.Warn("task result delivery failed", "task", task.ID, "error", err)
				}
			}
			if task.ContextMode == store.ContextGroup && block.SessionID != "" {
				if err := w.q.st.SaveSession(ctx, w.folder, block.SessionID); err != nil {
					w.log.Warn("session save failed", "error", err)
				}
			}
		case <-idle.C:
			if !stdinClosed {
				proc.CloseStdin()
				stdinClosed = true
				resetTimer(idle, w.q.idleTimeout)
				continue
			}
			proc.Terminate()
		}
	}

	err = proc.Wait(ctx)
	switch {
	case len(results) > 0:
		return "success", strings.Join(results, "\n")
	case agentErr != "":
		return "failure", agentErr
	case err != nil:
		return "failure", err.Error()
	default:
		return "success", ""
	}
}

// shutdownProc is the cooperative stop: close stdin, give the agent the
// grace window to finalize, then kill.
func (w *worker) shutdownProc(proc Process) {
	proc.CloseStdin()
	deadline := time.After(w.q.shutdownGrace)
	for {
		select {
		case _, open := <-proc.Frames():
			if !open {
				return
			}
		case <-deadline:
			w.log.Warn("shutdown grace expired, killing sandbox")
			proc.Kill()
			return
		}
	}
}

func formatMessages(msgs []store.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, formatMessage(m))
	}
	return strings.Join(lines, "\n")
}

func formatMessage(m store.Message) string {
	name := m.SenderName
	if name == "" {
		name = m.Sender
	}
	return fmt.Sprintf("[%s] %s: %s", m.Timestamp.UTC().Format("2006-01-02 15:04"), name, m.Content)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
