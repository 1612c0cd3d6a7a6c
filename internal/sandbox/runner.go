package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/config"
)

// ErrPermanent marks launch failures that retrying cannot fix (bad
// provider, rejected mounts, missing runtime). Everything else is treated
// as transient.
var ErrPermanent = errors.New("permanent sandbox failure")

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, exec.ErrNotFound)
}

// Input is the initial payload written to the agent's stdin as one JSON
// line.
type Input struct {
	Prompt          string `json:"prompt"`
	ChatID          string `json:"chatId"`
	Folder          string `json:"workspaceFolder"`
	IsMain          bool   `json:"isMain"`
	SessionID       string `json:"sessionId,omitempty"`
	ScheduledTaskID string `json:"scheduledTaskId,omitempty"`
	ContextMode     string `json:"contextMode,omitempty"`
	Provider        string `json:"provider,omitempty"`
}

// userLine is a follow-up message piped to a running sandbox.
type userLine struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// ContainerOverrides is the per-chat container_config payload: extra mounts
// and environment for that chat's sandboxes.
type ContainerOverrides struct {
	Mounts []Mount  `json:"mounts,omitempty"`
	Env    []string `json:"env,omitempty"`
}

// ParseContainerOverrides decodes a registration's container_config column.
func ParseContainerOverrides(raw *string) (ContainerOverrides, error) {
	var o ContainerOverrides
	if raw == nil || *raw == "" {
		return o, nil
	}
	if err := json.Unmarshal([]byte(*raw), &o); err != nil {
		return o, fmt.Errorf("parse container config: %w", err)
	}
	return o, nil
}

// Runner launches sandbox containers for workspace folders.
type Runner struct {
	image       string
	timeout     time.Duration
	grace       time.Duration
	workspaces  string
	state       string
	ipcRoot     string
	shared      string
	secretAllow []string
	policy      *MountPolicy
	log         *slog.Logger
}

func NewRunner(cfg *config.Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		image:       cfg.Container.Image,
		timeout:     cfg.ContainerTimeout(),
		grace:       cfg.ContainerGrace(),
		workspaces:  cfg.Paths.Workspaces,
		state:       cfg.Paths.State,
		ipcRoot:     cfg.Paths.IPCRoot,
		shared:      cfg.Paths.Shared,
		secretAllow: cfg.SecretEnvAllowlist,
		policy:      NewMountPolicy(cfg.MountAllowlist, cfg.MountDenylist),
		log:         log,
	}
}

// SpecFor assembles the container spec for one run: base mounts for the
// folder, policy-checked extras, filtered secrets, provider argv.
func (r *Runner) SpecFor(folder string, overrides ContainerOverrides, providerName string) (RunSpec, error) {
	provider, err := LookupProvider(providerName)
	if err != nil {
		return RunSpec{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	mounts := []Mount{
		{Source: filepath.Join(r.workspaces, folder), Target: WorkspaceTarget},
		{Source: filepath.Join(r.state, folder), Target: StateTarget},
		{Source: filepath.Join(r.ipcRoot, folder), Target: IPCTarget},
	}
	if r.shared != "" {
		mounts = append(mounts, Mount{Source: r.shared, Target: SharedTarget, ReadOnly: true})
	}
	for _, m := range overrides.Mounts {
		if err := r.policy.Validate(m.Source); err != nil {
			return RunSpec{}, fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		mounts = append(mounts, m)
	}
	for _, m := range mounts {
		if err := os.MkdirAll(m.Source, 0o755); err != nil && !m.ReadOnly {
			return RunSpec{}, fmt.Errorf("prepare mount %s: %w", m.Source, err)
		}
	}

	env := FilterEnv(os.Environ(), r.secretAllow)
	env = append(env, overrides.Env...)

	return RunSpec{
		Name:         fmt.Sprintf("nanoclaw-%s-%s", folder, uuid.NewString()[:8]),
		Image:        r.image,
		Mounts:       mounts,
		Env:          env,
		ProviderArgs: provider.Args,
	}, nil
}

// Sandbox is one running container.
type Sandbox struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan OutputBlock

	mu         sync.Mutex
	stdinOpen  bool
	stderrTail []string
	sawFrame   bool

	done     chan struct{}
	exitErr  error
	hardWall *time.Timer
	killer   *time.Timer
	log      *slog.Logger
}

// Launch starts a sandbox and writes the initial payload. The hard-wall
// timer starts now: at timeout the container gets SIGTERM, grace later
// SIGKILL.
func (r *Runner) Launch(ctx context.Context, spec RunSpec, input Input) (*Sandbox, error) {
	cmd := exec.Command("docker", spec.DockerArgs()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox %s: %w", spec.Name, err)
	}

	sb := &Sandbox{
		cmd:       cmd,
		stdin:     stdin,
		stdinOpen: true,
		frames:    make(chan OutputBlock, 8),
		done:      make(chan struct{}),
		log:       r.log.With("sandbox", spec.Name),
	}
	sb.hardWall = time.AfterFunc(r.timeout, func() {
		sb.log.Warn("sandbox hit hard-wall timeout, terminating")
		sb.Terminate()
	})
	sb.killer = time.AfterFunc(r.timeout+r.grace, sb.Kill)

	go sb.readStdout(stdout)
	go sb.readStderr(stderr)
	go func() {
		err := cmd.Wait()
		sb.hardWall.Stop()
		sb.killer.Stop()
		sb.mu.Lock()
		sb.exitErr = err
		sb.mu.Unlock()
		close(sb.done)
	}()

	// Cancellation cascades: the context owner stops the sandbox, not the
	// other way round.
	go func() {
		select {
		case <-ctx.Done():
			sb.Terminate()
			t := time.AfterFunc(r.grace, sb.Kill)
			<-sb.done
			t.Stop()
		case <-sb.done:
		}
	}()

	payload, err := json.Marshal(input)
	if err != nil {
		sb.Kill()
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	if err := sb.writeLine(payload); err != nil {
		sb.Kill()
		return nil, fmt.Errorf("write initial payload: %w", err)
	}
	sb.log.Info("sandbox launched", "image", spec.Image, "mounts", len(spec.Mounts))
	return sb, nil
}

func (sb *Sandbox) readStdout(stdout io.Reader) {
	defer close(sb.frames)
	var parser frameParser
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		block, err := parser.feed(scanner.Text())
		if err != nil {
			sb.log.Warn("dropping malformed output block", "error", err)
			continue
		}
		if block != nil {
			sb.mu.Lock()
			sb.sawFrame = true
			sb.mu.Unlock()
			sb.frames <- *block
		}
	}
}

const stderrTailLines = 20

func (sb *Sandbox) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sb.mu.Lock()
		sb.stderrTail = append(sb.stderrTail, scanner.Text())
		if len(sb.stderrTail) > stderrTailLines {
			sb.stderrTail = sb.stderrTail[1:]
		}
		sb.mu.Unlock()
	}
}

// Frames returns framed agent outputs. Closed when the container exits.
func (sb *Sandbox) Frames() <-chan OutputBlock {
	return sb.frames
}

// WriteUserMessage pipes a follow-up message to the running agent.
func (sb *Sandbox) WriteUserMessage(text string) error {
	payload, err := json.Marshal(userLine{Kind: "user_message", Text: text})
	if err != nil {
		return err
	}
	return sb.writeLine(payload)
}

func (sb *Sandbox) writeLine(payload []byte) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.stdinOpen {
		return fmt.Errorf("sandbox stdin closed")
	}
	_, err := sb.stdin.Write(append(payload, '\n'))
	return err
}

// CloseStdin signals end of input; a well-behaved agent finalizes and
// exits.
func (sb *Sandbox) CloseStdin() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.stdinOpen {
		return nil
	}
	sb.stdinOpen = false
	return sb.stdin.Close()
}

// Terminate asks the container to stop.
func (sb *Sandbox) Terminate() {
	if sb.cmd.Process != nil {
		_ = sb.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Kill stops the container immediately.
func (sb *Sandbox) Kill() {
	if sb.cmd.Process != nil {
		_ = sb.cmd.Process.Kill()
	}
}

// Wait blocks until the container exits or ctx is done. A run that exited
// without ever producing a framed block reports an error carrying the exit
// status and a stderr tail.
func (sb *Sandbox) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sb.done:
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.exitErr == nil && sb.sawFrame {
		return nil
	}
	if sb.exitErr == nil {
		return fmt.Errorf("sandbox exited without output: %s", sb.tailLocked())
	}
	var exitErr *exec.ExitError
	if errors.As(sb.exitErr, &exitErr) {
		return fmt.Errorf("sandbox exited with code %d: %s", exitErr.ExitCode(), sb.tailLocked())
	}
	return fmt.Errorf("sandbox wait: %w", sb.exitErr)
}

func (sb *Sandbox) tailLocked() string {
	if len(sb.stderrTail) == 0 {
		return "no stderr output"
	}
	return strings.Join(sb.stderrTail, " | ")
}
