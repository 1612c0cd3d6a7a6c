// Package ipc is the file-based control plane between sandboxed agents and
// the host. Agents drop JSON request files under their folder's requests/
// directory; the host validates, authorizes, executes, and writes a result
// file. Files are removed only after successful handling, so processing is
// at-least-once.
package ipc

import "encoding/json"

// Request types.
const (
	TypeSendMessage  = "send_message"
	TypeScheduleTask = "schedule_task"
	TypeListTasks    = "list_tasks"
	TypePauseTask    = "pause_task"
	TypeResumeTask   = "resume_task"
	TypeCancelTask   = "cancel_task"
	TypeRegisterChat = "register_chat"
)

// Request is the flat envelope for every IPC operation. Unused fields stay
// empty; Validate enforces what each type needs.
type Request struct {
	Type            string `json:"type"`
	RequestID       string `json:"requestId"`
	WorkspaceFolder string `json:"workspaceFolder"`
	Timestamp       string `json:"timestamp,omitempty"`

	// send_message. TargetChatID (below) redirects the delivery; only the
	// main folder may target a chat other than its own.
	ChatID string `json:"chatId,omitempty"`
	Text   string `json:"text,omitempty"`

	// schedule_task. TargetFolder (below) places the task in another
	// folder; only the main folder may schedule cross-folder.
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"scheduleType,omitempty"`
	ScheduleValue string `json:"scheduleValue,omitempty"`
	ContextMode   string `json:"contextMode,omitempty"`

	// list_tasks
	Scope string `json:"scope,omitempty"` // "own" (default) or "all"

	// pause_task / resume_task / cancel_task
	TaskID string `json:"taskId,omitempty"`

	// register_chat, and cross-chat/cross-folder targets for the ops above
	TargetChatID    string `json:"targetChatId,omitempty"`
	TargetName      string `json:"targetName,omitempty"`
	TargetFolder    string `json:"targetFolder,omitempty"`
	TriggerPhrase   string `json:"triggerPhrase,omitempty"`
	RequiresTrigger *bool  `json:"requiresTrigger,omitempty"`
}

// Response is written to results/<requestId>.json.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func okResponse(data any) Response {
	if data == nil {
		return Response{OK: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{OK: false, Error: "encode result: " + err.Error()}
	}
	return Response{OK: true, Data: raw}
}

func errResponse(msg string) Response {
	return Response{OK: false, Error: msg}
}
