// Package cli provides the command-line interface for dave.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/davechat/internal/client"
	"github.com/raphaelgruber/davechat/internal/config"
	"github.com/raphaelgruber/davechat/internal/metrics"
	"github.com/raphaelgruber/davechat/internal/persist"
	"github.com/raphaelgruber/davechat/internal/session"
)

// shutdownTimeout bounds how long pending persistence may delay exit.
const shutdownTimeout = 10 * time.Second

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config and session
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func() error
	apiClient *client.Client
	collector *metrics.Collector
	outbox    *persist.Outbox
	syncer    *persist.Synchronizer
	store     *session.Store
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "dave",
	Short: "Chat with the Dave agent from your terminal",
	Long: `Dave is a terminal client for the Dave agent service.

Answers stream in as they are generated, conversations are saved to the
backend in the background, and past conversations can be browsed, resumed,
renamed and deleted.

Run without arguments to start an interactive chat.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		return setup(interactive(cmd))
	},
	RunE: runChat,
}

// setup loads config and wires the session store. Full-screen commands log to
// the log file only.
func setup(fullScreen bool) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if verbose {
		level = slog.LevelDebug
	}
	if fullScreen {
		logger, closeLog = config.SetupQuietLogger(cfg.LogFile, level)
	} else {
		logger, closeLog = config.SetupLogger(cfg.LogFile, level)
	}
	slog.SetDefault(logger)

	userID := cfg.UserID
	if userID == "" {
		if userID, err = client.SubjectFromToken(cfg.Token); err != nil {
			logger.Warn("could not read user id from token", "error", err)
		}
	}

	apiClient = client.New(cfg.ServerURL,
		client.WithToken(cfg.Token),
		client.WithRequestTimeout(cfg.RequestTimeout),
		client.WithLogger(logger),
	)
	collector = metrics.NewCollector()

	if cfg.OutboxPath != "" {
		outbox, err = persist.OpenOutbox(cfg.OutboxPath, persist.WithOutboxLogger(logger))
		if err != nil {
			return fmt.Errorf("open outbox: %w", err)
		}
	}
	syncer = persist.New(apiClient, persist.Options{
		Logger:  logger,
		Metrics: collector,
		Outbox:  outbox,
	})

	store = session.New(apiClient, session.Options{
		Logger:       logger,
		Metrics:      collector,
		Sync:         syncer,
		UserID:       userID,
		Model:        cfg.Model,
		StallTimeout: cfg.StallTimeout,
	})

	logger.Debug("session ready", "server_url", apiClient.BaseURL(), "user_id", userID,
		"outbox", cfg.OutboxPath != "")
	return nil
}

// teardown flushes pending persistence and releases resources.
func teardown() {
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := store.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: unsaved messages may be lost: %v\n", err)
	}
	if err := syncer.Close(ctx); err != nil {
		logger.Warn("close synchronizer", "error", err)
	}
	if outbox != nil {
		if err := outbox.Close(); err != nil {
			logger.Warn("close outbox", "error", err)
		}
	}

	snap := collector.Snapshot()
	logger.Debug("session metrics", "completed", snap.Completed, "failed", snap.Failed,
		"cancelled", snap.Cancelled, "persist_failures", snap.PersistFailure)

	if closeLog != nil {
		_ = closeLog()
	}
}

// Execute runs the root command and tears the session down afterwards.
func Execute() error {
	defer teardown()
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	addChatFlags(rootCmd)

	// Add subcommands
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(bridgeCmd)
}
