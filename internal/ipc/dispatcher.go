package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Sender delivers outbound chat messages on behalf of agents.
type Sender interface {
	SendReply(ctx context.Context, chatID, text string) error
}

const (
	requestsDir = "requests"
	resultsDir  = "results"
)

// Dispatcher watches the IPC tree and executes agent requests.
type Dispatcher struct {
	root      string
	st        *store.Store
	sender    Sender
	assistant string
	loc       *time.Location
	poll      time.Duration
	log       *slog.Logger

	handled  atomic.Int64
	rejected atomic.Int64
}

func NewDispatcher(root string, st *store.Store, sender Sender, assistant string, loc *time.Location, poll time.Duration, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Dispatcher{
		root: root, st: st, sender: sender, assistant: assistant,
		loc: loc, poll: poll, log: log,
	}
}

// Stats returns lifetime counters: handled requests, rejected requests.
func (d *Dispatcher) Stats() (handled, rejected int64) {
	return d.handled.Load(), d.rejected.Load()
}

// EnsureFolderDirs creates the requests/results pair for a folder.
func (d *Dispatcher) EnsureFolderDirs(folder string) error {
	for _, sub := range []string{requestsDir, resultsDir} {
		if err := os.MkdirAll(filepath.Join(d.root, folder, sub), 0o755); err != nil {
			return fmt.Errorf("create ipc dir for %s: %w", folder, err)
		}
	}
	return nil
}

// Run processes requests until ctx is cancelled. fsnotify events trigger
// immediate scans; the poll ticker catches anything the watcher missed and
// picks up request directories created after startup.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("create ipc root: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ipc watcher: %w", err)
	}
	defer watcher.Close()
	watched := map[string]bool{}

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	d.scanAll(ctx, watcher, watched)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.scanAll(ctx, watcher, watched)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				d.scanAll(ctx, watcher, watched)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("ipc watcher error", "error", err)
		}
	}
}

// scanAll walks every folder's requests directory in filename order
// (unix-ms prefixes make that chronological).
func (d *Dispatcher) scanAll(ctx context.Context, watcher *fsnotify.Watcher, watched map[string]bool) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		d.log.Warn("read ipc root", "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		folder := e.Name()
		reqDir := filepath.Join(d.root, folder, requestsDir)
		if watcher != nil && !watched[reqDir] {
			if err := watcher.Add(reqDir); err == nil {
				watched[reqDir] = true
			}
		}
		files, err := os.ReadDir(reqDir)
		if err != nil {
			continue
		}
		names := make([]string, 0, len(files))
		for _, f := range files {
			if !f.IsDir() && filepath.Ext(f.Name()) == ".json" {
				names = append(names, f.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			if ctx.Err() != nil {
				return
			}
			d.processFile(ctx, folder, filepath.Join(reqDir, name))
		}
	}
}

// processFile handles one request file. Outcomes:
//   - malformed or spoofed: log, delete
//   - denied: audit log, not_authorized result, delete
//   - handler error: leave the file for the next sweep
//   - success: result file, then delete
func (d *Dispatcher) processFile(ctx context.Context, folder, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			d.log.Warn("read ipc request", "path", path, "error", err)
		}
		return
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		d.log.Warn("dropping malformed ipc request", "path", path, "error", err)
		d.remove(path)
		return
	}
	if err := validate(&req); err != nil {
		d.log.Warn("dropping invalid ipc request", "path", path, "error", err)
		d.writeResult(folder, req.RequestID, errResponse(err.Error()))
		d.remove(path)
		return
	}
	// The folder claimed inside the file must match the directory it was
	// dropped in; a mismatch is a spoof attempt.
	if req.WorkspaceFolder != folder {
		d.rejected.Add(1)
		d.log.Warn("ipc folder spoof rejected",
			"dir", folder, "claimed", req.WorkspaceFolder, "type", req.Type)
		d.writeResult(folder, req.RequestID, errResponse(ErrNotAuthorized.Error()))
		d.remove(path)
		return
	}

	reg, err := d.st.GetRegisteredByFolder(ctx, folder)
	if errors.Is(err, store.ErrNotFound) {
		d.rejected.Add(1)
		d.log.Warn("ipc request from unregistered folder", "folder", folder, "type", req.Type)
		d.writeResult(folder, req.RequestID, errResponse(ErrNotAuthorized.Error()))
		d.remove(path)
		return
	}
	if err != nil {
		d.log.Warn("ipc registration lookup failed, will retry", "folder", folder, "error", err)
		return
	}

	resp, retryable := d.dispatch(ctx, &req, reg)
	if retryable {
		// Leave the file; the next sweep retries (at-least-once).
		return
	}
	if !resp.OK && resp.Error == ErrNotAuthorized.Error() {
		d.rejected.Add(1)
		d.log.Warn("ipc request denied",
			"folder", folder, "type", req.Type, "request", req.RequestID)
	} else {
		d.handled.Add(1)
	}
	d.writeResult(folder, req.RequestID, resp)
	d.remove(path)
}

// dispatch authorizes and executes one request. retryable=true means a
// transient host failure, not a verdict on the request.
func (d *Dispatcher) dispatch(ctx context.Context, req *Request, reg store.RegisteredChat) (resp Response, retryable bool) {
	var task *store.ScheduledTask
	switch req.Type {
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		t, err := d.st.GetTask(ctx, req.TaskID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// leave task nil; non-main folders get not_authorized,
			// main gets a clean not-found below
		case err != nil:
			return Response{}, true
		default:
			task = &t
		}
	}

	if err := authorize(req, reg, task); err != nil {
		return errResponse(ErrNotAuthorized.Error()), false
	}

	switch req.Type {
	case TypeSendMessage:
		return d.handleSendMessage(ctx, req)
	case TypeScheduleTask:
		return d.handleScheduleTask(ctx, req, reg)
	case TypeListTasks:
		return d.handleListTasks(ctx, req, reg)
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		return d.handleTaskControl(ctx, req, task)
	case TypeRegisterChat:
		return d.handleRegisterChat(ctx, req)
	}
	return errResponse("unknown type"), false
}

func (d *Dispatcher) writeResult(folder, requestID string, resp Response) {
	if requestID == "" {
		return
	}
	dir := filepath.Join(d.root, folder, resultsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.log.Warn("create results dir", "folder", folder, "error", err)
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		d.log.Warn("encode ipc result", "request", requestID, "error", err)
		return
	}
	final := filepath.Join(dir, requestID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		d.log.Warn("write ipc result", "request", requestID, "error", err)
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		d.log.Warn("publish ipc result", "request", requestID, "error", err)
	}
}

func (d *Dispatcher) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.log.Warn("remove ipc request", "path", path, "error", err)
	}
}
