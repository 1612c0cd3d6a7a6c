// Package cmd is the nanoclaw CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/config"
)

var (
	cfgPath string
	verbose bool

	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "nanoclaw",
	Short: "Personal AI assistant host: chats in, sandboxed agent runs out",
	Long: `nanoclaw connects chat transports to containerized agent runs.
Registered chats map to workspace folders; messages queue per chat, run
serially in sandboxes, and replies stream back to the chat.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "path to JSON5 config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the nanoclaw version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("nanoclaw", version)
		},
	})
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "nanoclaw.json5"
	}
	return home + "/.nanoclaw/config.json5"
}

// loadConfig loads configuration and installs the process-wide logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	level := slog.LevelInfo
	if verbose || cfg.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}
