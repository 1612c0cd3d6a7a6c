package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

type fakeSender struct {
	sent []string
	fail bool
}

func (f *fakeSender) SendReply(_ context.Context, chatID, text string) error {
	if f.fail {
		return errors.New("transport down")
	}
	f.sent = append(f.sent, chatID+":"+text)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, *fakeSender, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	sender := &fakeSender{}
	d := NewDispatcher(filepath.Join(dir, "ipc"), st, sender, "Andy", time.UTC, 0, nil)

	ctx := context.Background()
	regs := []store.RegisteredChat{
		{ChatJID: "admin@chat", Folder: store.MainFolder, AddedAt: time.Now()},
		{ChatJID: "family@chat", Folder: "family", AddedAt: time.Now()},
	}
	for _, r := range regs {
		if err := st.RegisterChat(ctx, r); err != nil {
			t.Fatal(err)
		}
		if err := d.EnsureFolderDirs(r.Folder); err != nil {
			t.Fatal(err)
		}
	}
	return d, st, sender, filepath.Join(dir, "ipc")
}

func dropRequest(t *testing.T, root, folder string, req Request) string {
	t.Helper()
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), req.RequestID)
	path := filepath.Join(root, folder, requestsDir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readResult(t *testing.T, root, folder, requestID string) Response {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(root, folder, resultsDir, requestID+".json"))
	if err != nil {
		t.Fatalf("result file: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestDispatcherSendMessage(t *testing.T) {
	d, _, sender, root := newTestDispatcher(t)
	path := dropRequest(t, root, "family", Request{
		Type: TypeSendMessage, RequestID: "r1",
		WorkspaceFolder: "family", ChatID: "family@chat", Text: "hello",
	})

	d.processFile(context.Background(), "family", path)

	if len(sender.sent) != 1 || sender.sent[0] != "family@chat:hello" {
		t.Errorf("sent = %v", sender.sent)
	}
	if resp := readResult(t, root, "family", "r1"); !resp.OK {
		t.Errorf("resp = %+v, want ok", resp)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("request file not deleted after success")
	}
}

func TestDispatcherMainSendsToTargetChat(t *testing.T) {
	d, _, sender, root := newTestDispatcher(t)
	path := dropRequest(t, root, store.MainFolder, Request{
		Type: TypeSendMessage, RequestID: "r10",
		WorkspaceFolder: store.MainFolder, ChatID: "admin@chat",
		TargetChatID: "family@chat", Text: "hello family",
	})

	d.processFile(context.Background(), store.MainFolder, path)

	if len(sender.sent) != 1 || sender.sent[0] != "family@chat:hello family" {
		t.Errorf("sent = %v, want delivery to the target chat", sender.sent)
	}
	if resp := readResult(t, root, store.MainFolder, "r10"); !resp.OK {
		t.Errorf("resp = %+v, want ok", resp)
	}
}

func TestDispatcherDeniesTargetChatForNonMain(t *testing.T) {
	d, _, sender, root := newTestDispatcher(t)
	path := dropRequest(t, root, "family", Request{
		Type: TypeSendMessage, RequestID: "r11",
		WorkspaceFolder: "family", ChatID: "family@chat",
		TargetChatID: "admin@chat", Text: "escalate",
	})

	d.processFile(context.Background(), "family", path)

	if len(sender.sent) != 0 {
		t.Errorf("denied targeted send still delivered: %v", sender.sent)
	}
	resp := readResult(t, root, "family", "r11")
	if resp.OK || resp.Error != "not_authorized" {
		t.Errorf("resp = %+v, want not_authorized", resp)
	}
}

func TestDispatcherSendWithoutRequestID(t *testing.T) {
	d, _, sender, root := newTestDispatcher(t)
	path := dropRequest(t, root, "family", Request{
		Type:            TypeSendMessage,
		WorkspaceFolder: "family", ChatID: "family@chat", Text: "fire and forget",
	})

	d.processFile(context.Background(), "family", path)

	if len(sender.sent) != 1 || sender.sent[0] != "family@chat:fire and forget" {
		t.Errorf("sent = %v", sender.sent)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("request file not deleted after success")
	}

	// Every other op is request/response and still needs the id.
	path = dropRequest(t, root, "family", Request{
		Type:            TypeListTasks,
		WorkspaceFolder: "family",
	})
	d.processFile(context.Background(), "family", path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid request must be deleted")
	}
}

func TestDispatcherDeniesCrossChatSend(t *testing.T) {
	d, _, sender, root := newTestDispatcher(t)
	path := dropRequest(t, root, "family", Request{
		Type: TypeSendMessage, RequestID: "r2",
		WorkspaceFolder: "family", ChatID: "admin@chat", Text: "escalate",
	})

	d.processFile(context.Background(), "family", path)

	if len(sender.sent) != 0 {
		t.Errorf("denied send still delivered: %v", sender.sent)
	}
	resp := readResult(t, root, "family", "r2")
	if resp.OK || resp.Error != "not_authorized" {
		t.Errorf("resp = %+v, want not_authorized", resp)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("denied request file must be deleted")
	}
	if _, rejected := d.Stats(); rejected != 1 {
		t.Errorf("rejected counter = %d, want 1", rejected)
	}
}

func TestDispatcherFolderSpoofRejected(t *testing.T) {
	d, _, sender, root := newTestDispatcher(t)
	// File in family's directory claiming to come from main.
	path := dropRequest(t, root, "family", Request{
		Type: TypeSendMessage, RequestID: "r3",
		WorkspaceFolder: store.MainFolder, ChatID: "admin@chat", Text: "sudo",
	})

	d.processFile(context.Background(), "family", path)

	if len(sender.sent) != 0 {
		t.Errorf("spoofed send delivered: %v", sender.sent)
	}
	resp := readResult(t, root, "family", "r3")
	if resp.OK || resp.Error != "not_authorized" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestDispatcherRetryOnTransportFailure(t *testing.T) {
	d, _, sender, root := newTestDispatcher(t)
	sender.fail = true
	path := dropRequest(t, root, "family", Request{
		Type: TypeSendMessage, RequestID: "r4",
		WorkspaceFolder: "family", ChatID: "family@chat", Text: "hello",
	})

	d.processFile(context.Background(), "family", path)
	if _, err := os.Stat(path); err != nil {
		t.Fatal("request must remain for retry after transport failure")
	}

	sender.fail = false
	d.processFile(context.Background(), "family", path)
	if len(sender.sent) != 1 {
		t.Errorf("retry did not deliver: %v", sender.sent)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("request file not deleted after successful retry")
	}
}

func TestDispatcherMalformedDeleted(t *testing.T) {
	d, _, _, root := newTestDispatcher(t)
	path := filepath.Join(root, "family", requestsDir, "100-bad.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	d.processFile(context.Background(), "family", path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("malformed request must be deleted")
	}
}

func TestDispatcherScheduleAndControlTask(t *testing.T) {
	d, st, _, root := newTestDispatcher(t)
	ctx := context.Background()

	path := dropRequest(t, root, "family", Request{
		Type: TypeScheduleTask, RequestID: "r5",
		WorkspaceFolder: "family", Prompt: "water the plants",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "3600000",
	})
	d.processFile(ctx, "family", path)

	resp := readResult(t, root, "family", "r5")
	if !resp.OK {
		t.Fatalf("schedule resp = %+v", resp)
	}
	var data struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatal(err)
	}
	task, err := st.GetTask(ctx, data.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Folder != "family" || task.ChatJID != "family@chat" || task.NextRun == nil {
		t.Errorf("task = %+v", task)
	}

	// family pauses its own task
	path = dropRequest(t, root, "family", Request{
		Type: TypePauseTask, RequestID: "r6",
		WorkspaceFolder: "family", TaskID: data.TaskID,
	})
	d.processFile(ctx, "family", path)
	if resp := readResult(t, root, "family", "r6"); !resp.OK {
		t.Fatalf("pause resp = %+v", resp)
	}
	task, _ = st.GetTask(ctx, data.TaskID)
	if task.Status != store.TaskPaused {
		t.Errorf("status = %s, want paused", task.Status)
	}

	// main cancels it
	path = dropRequest(t, root, store.MainFolder, Request{
		Type: TypeCancelTask, RequestID: "r7",
		WorkspaceFolder: store.MainFolder, TaskID: data.TaskID,
	})
	d.processFile(ctx, store.MainFolder, path)
	if resp := readResult(t, root, store.MainFolder, "r7"); !resp.OK {
		t.Fatalf("cancel resp = %+v", resp)
	}
	if _, err := st.GetTask(ctx, data.TaskID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("task still present after cancel: %v", err)
	}
}

func TestDispatcherMainSchedulesForOtherFolder(t *testing.T) {
	d, st, _, root := newTestDispatcher(t)
	ctx := context.Background()

	path := dropRequest(t, root, store.MainFolder, Request{
		Type: TypeScheduleTask, RequestID: "r12",
		WorkspaceFolder: store.MainFolder, TargetFolder: "family",
		Prompt: "morning summary", ScheduleType: store.ScheduleInterval, ScheduleValue: "3600000",
	})
	d.processFile(ctx, store.MainFolder, path)

	resp := readResult(t, root, store.MainFolder, "r12")
	if !resp.OK {
		t.Fatalf("schedule resp = %+v", resp)
	}
	var data struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatal(err)
	}
	task, err := st.GetTask(ctx, data.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Folder != "family" || task.ChatJID != "family@chat" {
		t.Errorf("task = %+v, want it placed in the target folder", task)
	}

	// An unknown target folder is a terminal error, not a retry.
	path = dropRequest(t, root, store.MainFolder, Request{
		Type: TypeScheduleTask, RequestID: "r13",
		WorkspaceFolder: store.MainFolder, TargetFolder: "nowhere",
		Prompt: "lost", ScheduleType: store.ScheduleInterval, ScheduleValue: "3600000",
	})
	d.processFile(ctx, store.MainFolder, path)
	if resp := readResult(t, root, store.MainFolder, "r13"); resp.OK {
		t.Errorf("resp = %+v, want error for unknown folder", resp)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("unknown-folder request must be deleted")
	}
}

func TestDispatcherDeniesCrossFolderScheduleForNonMain(t *testing.T) {
	d, st, _, root := newTestDispatcher(t)
	ctx := context.Background()

	path := dropRequest(t, root, "family", Request{
		Type: TypeScheduleTask, RequestID: "r14",
		WorkspaceFolder: "family", TargetFolder: store.MainFolder,
		Prompt: "takeover", ScheduleType: store.ScheduleInterval, ScheduleValue: "3600000",
	})
	d.processFile(ctx, "family", path)

	resp := readResult(t, root, "family", "r14")
	if resp.OK || resp.Error != "not_authorized" {
		t.Errorf("resp = %+v, want not_authorized", resp)
	}
	tasks, err := st.ListTasks(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("denied schedule still created tasks: %+v", tasks)
	}
}

func TestDispatcherRegisterChatMainOnly(t *testing.T) {
	d, st, _, root := newTestDispatcher(t)
	ctx := context.Background()

	// Non-main denied.
	path := dropRequest(t, root, "family", Request{
		Type: TypeRegisterChat, RequestID: "r8",
		WorkspaceFolder: "family", TargetChatID: "new@chat", TargetFolder: "new",
	})
	d.processFile(ctx, "family", path)
	if resp := readResult(t, root, "family", "r8"); resp.OK {
		t.Fatal("non-main register must be denied")
	}

	// Main succeeds; trigger defaults to the assistant name.
	path = dropRequest(t, root, store.MainFolder, Request{
		Type: TypeRegisterChat, RequestID: "r9",
		WorkspaceFolder: store.MainFolder, TargetChatID: "new@chat",
		TargetName: "New Group", TargetFolder: "new",
	})
	d.processFile(ctx, store.MainFolder, path)
	if resp := readResult(t, root, store.MainFolder, "r9"); !resp.OK {
		t.Fatalf("register resp = %+v", resp)
	}
	reg, err := st.GetRegisteredChat(ctx, "new@chat")
	if err != nil {
		t.Fatal(err)
	}
	if reg.Folder != "new" || reg.TriggerPhrase != "@Andy" || !reg.RequiresTrigger {
		t.Errorf("registration = %+v", reg)
	}
	// IPC dirs prepared for the new folder.
	if _, err := os.Stat(filepath.Join(root, "new", requestsDir)); err != nil {
		t.Errorf("requests dir missing: %v", err)
	}
}
