package ipc

import (
	"errors"
	"fmt"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// ErrNotAuthorized is returned when a request fails the authorization
// matrix. The result file carries the string "not_authorized".
var ErrNotAuthorized = errors.New("not_authorized")

// errMalformed marks validation failures; the dispatcher deletes the file
// instead of retrying.
var errMalformed = errors.New("malformed request")

// validate checks structural requirements per request type.
func validate(req *Request) error {
	// send_message is fire-and-forget; every other op writes a result file
	// keyed by the request id.
	if req.RequestID == "" && req.Type != TypeSendMessage {
		return fmt.Errorf("%w: %s needs requestId", errMalformed, req.Type)
	}
	if req.WorkspaceFolder == "" {
		return fmt.Errorf("%w: missing workspaceFolder", errMalformed)
	}
	switch req.Type {
	case TypeSendMessage:
		if req.ChatID == "" || req.Text == "" {
			return fmt.Errorf("%w: send_message needs chatId and text", errMalformed)
		}
	case TypeScheduleTask:
		if req.Prompt == "" || req.ScheduleType == "" || req.ScheduleValue == "" {
			return fmt.Errorf("%w: schedule_task needs prompt, scheduleType, scheduleValue", errMalformed)
		}
		switch req.ContextMode {
		case "", store.ContextIsolated, store.ContextGroup:
		default:
			return fmt.Errorf("%w: unknown contextMode %q", errMalformed, req.ContextMode)
		}
	case TypeListTasks:
		switch req.Scope {
		case "", "own", "all":
		default:
			return fmt.Errorf("%w: unknown scope %q", errMalformed, req.Scope)
		}
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		if req.TaskID == "" {
			return fmt.Errorf("%w: %s needs taskId", errMalformed, req.Type)
		}
	case TypeRegisterChat:
		if req.TargetChatID == "" || req.TargetFolder == "" {
			return fmt.Errorf("%w: register_chat needs targetChatId and targetFolder", errMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", errMalformed, req.Type)
	}
	return nil
}

// authorize applies the capability matrix. reg is the registration owning
// the request's folder; the main folder holds administrative rights, every
// other folder is confined to its own chat and its own tasks.
func authorize(req *Request, reg store.RegisteredChat, task *store.ScheduledTask) error {
	isMain := reg.IsMain()
	switch req.Type {
	case TypeSendMessage:
		target := req.ChatID
		if req.TargetChatID != "" {
			target = req.TargetChatID
		}
		if !isMain && target != reg.ChatJID {
			return fmt.Errorf("%w: folder %s cannot send to chat %s", ErrNotAuthorized, reg.Folder, target)
		}
	case TypeScheduleTask:
		if !isMain && req.TargetFolder != "" && req.TargetFolder != reg.Folder {
			return fmt.Errorf("%w: folder %s cannot schedule for folder %s", ErrNotAuthorized, reg.Folder, req.TargetFolder)
		}
		if !isMain && req.ChatID != "" && req.ChatID != reg.ChatJID {
			return fmt.Errorf("%w: folder %s cannot schedule for chat %s", ErrNotAuthorized, reg.Folder, req.ChatID)
		}
	case TypeListTasks:
		if !isMain && req.Scope == "all" {
			return fmt.Errorf("%w: folder %s cannot list all tasks", ErrNotAuthorized, reg.Folder)
		}
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		if !isMain && (task == nil || task.Folder != reg.Folder) {
			return fmt.Errorf("%w: folder %s does not own task %s", ErrNotAuthorized, reg.Folder, req.TaskID)
		}
	case TypeRegisterChat:
		if !isMain {
			return fmt.Errorf("%w: only the main folder registers chats", ErrNotAuthorized)
		}
	}
	return nil
}
