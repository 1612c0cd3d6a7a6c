// Package config holds the host configuration: runtime limits, sandbox
// policy, and filesystem layout. Loaded once at startup from a JSON5 file
// overlaid with NANOCLAW_* environment variables and treated as a
// read-mostly snapshot afterwards.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the NanoClaw host.
type Config struct {
	// AssistantName builds the default trigger pattern ("@<name>").
	AssistantName string `json:"assistant_name,omitempty"`

	// Provider selects the agent implementation the sandbox invokes.
	Provider string `json:"provider,omitempty"`

	Paths     PathsConfig     `json:"paths,omitempty"`
	Container ContainerConfig `json:"container,omitempty"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	IPC       IPCConfig       `json:"ipc,omitempty"`
	Router    RouterConfig    `json:"router,omitempty"`

	// Timezone is the IANA zone used for cron evaluation. Empty = system zone.
	Timezone string `json:"timezone,omitempty"`

	// MountAllowlist lists absolute host paths permitted as extra mount sources.
	MountAllowlist []string `json:"mount_allowlist,omitempty"`

	// MountDenylist lists path fragments that override the allowlist
	// (credential stores, key material).
	MountDenylist []string `json:"mount_denylist,omitempty"`

	// SecretEnvAllowlist names the only host environment variables passed
	// through to sandboxes.
	SecretEnvAllowlist []string `json:"secret_env_allowlist,omitempty"`

	// Console enables the line-oriented console transport for local runs.
	Console bool `json:"console,omitempty"`

	// Verbose enables debug logging.
	Verbose bool `json:"verbose,omitempty"`
}

// PathsConfig is the on-disk layout of the host.
type PathsConfig struct {
	// Store is the sqlite database file.
	Store string `json:"store,omitempty"`
	// Workspaces is the root under which each folder's workspace lives.
	Workspaces string `json:"workspaces,omitempty"`
	// State is the root for per-folder agent-private session state.
	State string `json:"state,omitempty"`
	// IPCRoot is the root of the per-folder IPC directory tree.
	IPCRoot string `json:"ipc_root,omitempty"`
	// Shared is a read-only resource directory mounted into every sandbox.
	Shared string `json:"shared,omitempty"`
}

// ContainerConfig configures sandbox execution.
type ContainerConfig struct {
	Image string `json:"image,omitempty"`
	// TimeoutSec is the hard wall per sandbox, measured from launch.
	TimeoutSec int `json:"timeout_sec,omitempty"`
	// GraceSec is the wait between terminate and force-kill.
	GraceSec int `json:"grace_sec,omitempty"`
}

// QueueConfig configures the per-chat execution queue.
type QueueConfig struct {
	// MaxConcurrent is the global sandbox cap.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	// IdleTimeoutSec closes sandbox stdin after this much quiet.
	IdleTimeoutSec int `json:"idle_timeout_sec,omitempty"`
	// MaxAttempts caps consecutive attempts at one message batch.
	MaxAttempts int `json:"max_attempts,omitempty"`
	// CoalesceMs merges message bursts arriving within this window.
	CoalesceMs int `json:"coalesce_ms,omitempty"`
	// ShutdownGraceSec bounds the wait for sandboxes to drain on shutdown.
	ShutdownGraceSec int `json:"shutdown_grace_sec,omitempty"`
}

// SchedulerConfig configures the durable task scheduler.
type SchedulerConfig struct {
	// PollSec is the sweep cadence for due tasks.
	PollSec int `json:"poll_sec,omitempty"`
}

// IPCConfig configures the file-IPC dispatcher.
type IPCConfig struct {
	// PollMs is the directory scan cadence. fsnotify drives the fast path;
	// polling covers missed events.
	PollMs int `json:"poll_ms,omitempty"`
}

// RouterConfig configures the inbound router.
type RouterConfig struct {
	// PollSec is the fallback sweep that re-wakes folders with
	// undelivered messages.
	PollSec int `json:"poll_sec,omitempty"`
}

func (c *Config) ContainerTimeout() time.Duration {
	return time.Duration(c.Container.TimeoutSec) * time.Second
}

func (c *Config) ContainerGrace() time.Duration {
	return time.Duration(c.Container.GraceSec) * time.Second
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Queue.IdleTimeoutSec) * time.Second
}

func (c *Config) CoalesceWindow() time.Duration {
	return time.Duration(c.Queue.CoalesceMs) * time.Millisecond
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Queue.ShutdownGraceSec) * time.Second
}

func (c *Config) SchedulerPoll() time.Duration {
	return time.Duration(c.Scheduler.PollSec) * time.Second
}

func (c *Config) IPCPoll() time.Duration {
	return time.Duration(c.IPC.PollMs) * time.Millisecond
}

func (c *Config) RouterPoll() time.Duration {
	return time.Duration(c.Router.PollSec) * time.Second
}

// Location resolves the configured cron timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate rejects configurations the host cannot safely run with.
// A failure here refuses startup.
func (c *Config) Validate() error {
	if c.AssistantName == "" {
		return fmt.Errorf("assistant_name must not be empty")
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent must be >= 1, got %d", c.Queue.MaxConcurrent)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	// An idle timeout at or above the hard wall means sandboxes always hit
	// the hard kill instead of finalizing cleanly.
	if c.IdleTimeout() >= c.ContainerTimeout() {
		return fmt.Errorf("queue.idle_timeout_sec (%d) must be below container.timeout_sec (%d)",
			c.Queue.IdleTimeoutSec, c.Container.TimeoutSec)
	}
	if c.Paths.Store == "" {
		return fmt.Errorf("paths.store must not be empty")
	}
	if c.Paths.Workspaces == "" {
		return fmt.Errorf("paths.workspaces must not be empty")
	}
	if c.Paths.IPCRoot == "" {
		return fmt.Errorf("paths.ipc_root must not be empty")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
