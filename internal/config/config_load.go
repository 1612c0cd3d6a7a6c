package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns the built-in configuration. Every field that Load can
// override starts from these values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".nanoclaw")
	return &Config{
		AssistantName: "Andy",
		Provider:      "claude",
		Paths: PathsConfig{
			Store:      filepath.Join(base, "nanoclaw.db"),
			Workspaces: filepath.Join(base, "workspaces"),
			State:      filepath.Join(base, "state"),
			IPCRoot:    filepath.Join(base, "ipc"),
			Shared:     filepath.Join(base, "shared"),
		},
		Container: ContainerConfig{
			Image:      "nanoclaw-agent:latest",
			TimeoutSec: 1800,
			GraceSec:   5,
		},
		Queue: QueueConfig{
			MaxConcurrent:    2,
			IdleTimeoutSec:   300,
			MaxAttempts:      3,
			CoalesceMs:       500,
			ShutdownGraceSec: 15,
		},
		Scheduler: SchedulerConfig{PollSec: 60},
		IPC:       IPCConfig{PollMs: 500},
		Router:    RouterConfig{PollSec: 2},
		MountDenylist: []string{
			".ssh", ".gnupg", ".aws", ".config/gcloud", "credentials",
		},
	}
}

// Load builds the effective configuration: defaults, then the JSON5 file at
// path (if it exists), then NANOCLAW_* environment overrides. A missing file
// is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// run on defaults
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays NANOCLAW_* environment variables onto cfg.
func applyEnv(cfg *Config) error {
	envStr("NANOCLAW_ASSISTANT_NAME", &cfg.AssistantName)
	envStr("NANOCLAW_PROVIDER", &cfg.Provider)
	envStr("NANOCLAW_TIMEZONE", &cfg.Timezone)

	envStr("NANOCLAW_STORE_PATH", &cfg.Paths.Store)
	envStr("NANOCLAW_WORKSPACES_DIR", &cfg.Paths.Workspaces)
	envStr("NANOCLAW_STATE_DIR", &cfg.Paths.State)
	envStr("NANOCLAW_IPC_ROOT", &cfg.Paths.IPCRoot)
	envStr("NANOCLAW_SHARED_DIR", &cfg.Paths.Shared)

	envStr("NANOCLAW_CONTAINER_IMAGE", &cfg.Container.Image)

	var err error
	envInt("NANOCLAW_CONTAINER_TIMEOUT", &cfg.Container.TimeoutSec, &err)
	envInt("NANOCLAW_CONTAINER_GRACE", &cfg.Container.GraceSec, &err)
	envInt("NANOCLAW_MAX_CONCURRENT_SANDBOXES", &cfg.Queue.MaxConcurrent, &err)
	envInt("NANOCLAW_IDLE_TIMEOUT", &cfg.Queue.IdleTimeoutSec, &err)
	envInt("NANOCLAW_MAX_ATTEMPTS", &cfg.Queue.MaxAttempts, &err)
	envInt("NANOCLAW_COALESCE_MS", &cfg.Queue.CoalesceMs, &err)
	envInt("NANOCLAW_SHUTDOWN_GRACE", &cfg.Queue.ShutdownGraceSec, &err)
	envInt("NANOCLAW_SCHEDULER_POLL_INTERVAL", &cfg.Scheduler.PollSec, &err)
	envInt("NANOCLAW_IPC_POLL_MS", &cfg.IPC.PollMs, &err)
	envInt("NANOCLAW_ROUTER_POLL_INTERVAL", &cfg.Router.PollSec, &err)
	if err != nil {
		return err
	}

	envList("NANOCLAW_MOUNT_ALLOWLIST", &cfg.MountAllowlist)
	envList("NANOCLAW_MOUNT_DENYLIST", &cfg.MountDenylist)
	envList("NANOCLAW_SECRET_ENV_ALLOWLIST", &cfg.SecretEnvAllowlist)

	envBool("NANOCLAW_CONSOLE", &cfg.Console)
	envBool("NANOCLAW_VERBOSE", &cfg.Verbose)
	return nil
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int, errp *error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" || *errp != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errp = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
}

// envList parses a comma-separated list, trimming whitespace around entries.
func envList(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
