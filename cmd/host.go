package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/queue"
	"github.com/nanoclaw/nanoclaw/internal/router"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/scheduler"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/transport"
)

// outboundSendsPerSecond bounds outbound chat traffic across transports.
const outboundSendsPerSecond = 5

// statusInterval is the cadence of the periodic health log line.
const statusInterval = 5 * time.Minute

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the nanoclaw host",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runHost(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(hostCmd)
}

func runHost(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := slog.Default()

	st, err := store.Open(cfg.Paths.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	manager := transport.NewManager(outboundSendsPerSecond, &outboundRecorder{st: st}, log)
	if cfg.Console {
		manager.Register(transport.NewConsole(cfg.AssistantName, os.Stdin, os.Stdout))
		if err := bootstrapConsole(ctx, st); err != nil {
			return err
		}
	}

	runner := sandbox.NewRunner(cfg, log)
	q := queue.New(cfg, st, &runnerLauncher{runner: runner}, manager, log)
	rt := router.New(st, q, cfg.RouterPoll(), log)
	dispatcher := ipc.NewDispatcher(cfg.Paths.IPCRoot, st, manager, cfg.AssistantName, loc, cfg.IPCPoll(), log)
	sched := scheduler.New(st, q, loc, cfg.SchedulerPoll(), log)

	regs, err := st.ListRegisteredChats(ctx)
	if err != nil {
		return fmt.Errorf("list registrations: %w", err)
	}
	for _, reg := range regs {
		if err := dispatcher.EnsureFolderDirs(reg.Folder); err != nil {
			return err
		}
	}
	log.Info("nanoclaw host starting",
		"registered_chats", len(regs),
		"max_concurrent", cfg.Queue.MaxConcurrent,
		"provider", cfg.Provider)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(ctx) })
	g.Go(func() error { return rt.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return logStatus(ctx, q, dispatcher, log) })

	if err := manager.ConnectAll(ctx, rt.Callbacks()); err != nil {
		stop()
		g.Wait()
		return err
	}

	err = g.Wait()
	if derr := manager.DisconnectAll(); derr != nil {
		log.Warn("transport disconnect", "error", derr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("nanoclaw host stopped")
	return nil
}

// logStatus emits a periodic one-line health summary.
func logStatus(ctx context.Context, q *queue.Queue, d *ipc.Dispatcher, log *slog.Logger) error {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats := q.Stats()
			handled, rejected := d.Stats()
			log.Info("host status",
				"runs_completed", stats.Completed,
				"runs_retried", stats.Retried,
				"runs_failed", stats.Failed,
				"ipc_handled", handled,
				"ipc_rejected", rejected)
		}
	}
}

// bootstrapConsole registers the console chat as the main folder on first
// run so a fresh install is usable without any prior registration.
func bootstrapConsole(ctx context.Context, st *store.Store) error {
	_, err := st.GetRegisteredChat(ctx, transport.ConsoleChatID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := st.GetRegisteredByFolder(ctx, store.MainFolder); err == nil {
		// Main is already bound to a real chat; leave the console alone.
		return nil
	}
	return st.RegisterChat(ctx, store.RegisteredChat{
		ChatJID:         transport.ConsoleChatID,
		Name:            "console",
		Folder:          store.MainFolder,
		RequiresTrigger: false,
		AddedAt:         time.Now(),
	})
}

// runnerLauncher adapts sandbox.Runner to the queue's Launcher.
type runnerLauncher struct {
	runner *sandbox.Runner
}

func (l *runnerLauncher) Launch(ctx context.Context, reg store.RegisteredChat, input sandbox.Input) (queue.Process, error) {
	overrides, err := sandbox.ParseContainerOverrides(reg.ContainerConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrPermanent, err)
	}
	spec, err := l.runner.SpecFor(input.Folder, overrides, input.Provider)
	if err != nil {
		return nil, err
	}
	return l.runner.Launch(ctx, spec, input)
}

// outboundRecorder stores assistant-sent messages so history is complete.
type outboundRecorder struct {
	st *store.Store
}

func (r *outboundRecorder) RecordOutbound(ctx context.Context, chatID, text string) error {
	return r.st.StoreMessage(ctx, store.Message{
		ChatJID:   chatID,
		ID:        "out-" + uuid.NewString(),
		Sender:    "assistant",
		Content:   text,
		Timestamp: time.Now(),
		IsFromMe:  true,
	})
}
