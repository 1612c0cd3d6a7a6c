package ipc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/scheduler"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

func (d *Dispatcher) handleSendMessage(ctx context.Context, req *Request) (Response, bool) {
	target := req.ChatID
	if req.TargetChatID != "" {
		target = req.TargetChatID
	}
	if err := d.sender.SendReply(ctx, target, req.Text); err != nil {
		// Transport failure: leave the request for the next sweep.
		d.log.Warn("ipc send_message failed, will retry",
			"chat", target, "request", req.RequestID, "error", err)
		return Response{}, true
	}
	return okResponse(nil), false
}

func (d *Dispatcher) handleScheduleTask(ctx context.Context, req *Request, reg store.RegisteredChat) (Response, bool) {
	if err := scheduler.ValidateSchedule(req.ScheduleType, req.ScheduleValue); err != nil {
		return errResponse(err.Error()), false
	}
	folder := req.WorkspaceFolder
	owner := reg
	if req.TargetFolder != "" && req.TargetFolder != req.WorkspaceFolder {
		folder = req.TargetFolder
		o, err := d.st.GetRegisteredByFolder(ctx, folder)
		if errors.Is(err, store.ErrNotFound) {
			return errResponse("unknown folder " + folder), false
		}
		if err != nil {
			return Response{}, true
		}
		owner = o
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = owner.ChatJID
	}
	contextMode := req.ContextMode
	if contextMode == "" {
		contextMode = store.ContextIsolated
	}
	now := time.Now()
	next, err := scheduler.NextRun(req.ScheduleType, req.ScheduleValue, now, d.loc, false)
	if err != nil {
		return errResponse(err.Error()), false
	}
	task := store.ScheduledTask{
		ID:            uuid.NewString(),
		Folder:        folder,
		ChatJID:       chatID,
		Prompt:        req.Prompt,
		ScheduleType:  req.ScheduleType,
		ScheduleValue: req.ScheduleValue,
		ContextMode:   contextMode,
		NextRun:       next,
		Status:        store.TaskActive,
		CreatedAt:     now,
	}
	if err := d.st.CreateTask(ctx, task); err != nil {
		d.log.Warn("ipc schedule_task store failure, will retry",
			"request", req.RequestID, "error", err)
		return Response{}, true
	}
	d.log.Info("task scheduled",
		"task", task.ID, "folder", task.Folder,
		"type", task.ScheduleType, "next_run", next)
	return okResponse(map[string]any{"taskId": task.ID, "nextRun": next}), false
}

// taskView is the wire shape of a task in list_tasks results.
type taskView struct {
	ID            string     `json:"id"`
	Folder        string     `json:"folder"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"scheduleType"`
	ScheduleValue string     `json:"scheduleValue"`
	ContextMode   string     `json:"contextMode"`
	Status        string     `json:"status"`
	NextRun       *time.Time `json:"nextRun,omitempty"`
	LastRun       *time.Time `json:"lastRun,omitempty"`
	LastResult    *string    `json:"lastResult,omitempty"`
}

func (d *Dispatcher) handleListTasks(ctx context.Context, req *Request, reg store.RegisteredChat) (Response, bool) {
	folder := req.WorkspaceFolder
	if reg.IsMain() && req.Scope == "all" {
		folder = ""
	}
	tasks, err := d.st.ListTasks(ctx, folder)
	if err != nil {
		return Response{}, true
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView{
			ID: t.ID, Folder: t.Folder, Prompt: t.Prompt,
			ScheduleType: t.ScheduleType, ScheduleValue: t.ScheduleValue,
			ContextMode: t.ContextMode, Status: t.Status,
			NextRun: t.NextRun, LastRun: t.LastRun, LastResult: t.LastResult,
		})
	}
	return okResponse(map[string]any{"tasks": views}), false
}

func (d *Dispatcher) handleTaskControl(ctx context.Context, req *Request, task *store.ScheduledTask) (Response, bool) {
	if task == nil {
		// Only main reaches here with a missing task.
		return errResponse("task not found"), false
	}
	switch req.Type {
	case TypePauseTask:
		// Pause keeps next_run so operators can see when it would have
		// fired.
		if err := d.st.SetTaskStatus(ctx, task.ID, store.TaskPaused, nil, false); err != nil {
			return Response{}, true
		}
	case TypeResumeTask:
		// Resume recomputes from now: a window missed while paused yields
		// at most one catch-up run.
		next, err := scheduler.NextRun(task.ScheduleType, task.ScheduleValue, time.Now(), d.loc, task.LastRun != nil)
		if err != nil {
			return errResponse(err.Error()), false
		}
		status := store.TaskActive
		if next == nil {
			status = store.TaskCompleted
		}
		if err := d.st.SetTaskStatus(ctx, task.ID, status, next, true); err != nil {
			return Response{}, true
		}
	case TypeCancelTask:
		if err := d.st.DeleteTask(ctx, task.ID); err != nil {
			return Response{}, true
		}
	}
	d.log.Info("task control applied", "task", task.ID, "op", req.Type)
	return okResponse(nil), false
}

func (d *Dispatcher) handleRegisterChat(ctx context.Context, req *Request) (Response, bool) {
	trigger := req.TriggerPhrase
	if trigger == "" {
		trigger = "@" + d.assistant
	}
	requires := true
	if req.RequiresTrigger != nil {
		requires = *req.RequiresTrigger
	}
	reg := store.RegisteredChat{
		ChatJID:         req.TargetChatID,
		Name:            req.TargetName,
		Folder:          req.TargetFolder,
		TriggerPhrase:   trigger,
		RequiresTrigger: requires,
		AddedAt:         time.Now(),
	}
	if err := d.st.RegisterChat(ctx, reg); err != nil {
		return Response{}, true
	}
	if err := d.EnsureFolderDirs(req.TargetFolder); err != nil {
		d.log.Warn("create ipc dirs for new registration", "folder", req.TargetFolder, "error", err)
	}
	d.log.Info("chat registered", "chat", req.TargetChatID, "folder", req.TargetFolder)
	return okResponse(map[string]any{"folder": req.TargetFolder}), false
}
