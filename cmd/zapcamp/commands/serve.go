package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/channels"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/channels/discord"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/channels/whatsapp"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/chunker"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/collector"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/config"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/dispatch"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/generation"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/maintenance"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/processor"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/queue"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/sender"
)

// newServeCmd creates the `zapcamp serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with messaging channels",
		Long: `Start ZapCamp as a daemon, connecting to enabled channels
(WhatsApp, Discord), buffering inbound messages and delivering
paced replies.

Examples:
  zapcamp serve
  zapcamp serve --channel whatsapp
  zapcamp serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (whatsapp, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return fmt.Errorf("%w\nRun 'zapcamp setup' to create a configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	// ── Resolve secrets ──
	// Audit BEFORE resolving — checks the raw config values for hardcoded keys.
	config.AuditSecrets(cfg, logger)
	config.ResolveSecrets(cfg, logger)

	// ── Open the queue store ──
	store, err := queue.OpenSQLite(queue.SQLiteOptions{
		Path:         cfg.Database.Path,
		LeaseTimeout: cfg.Database.LeaseTimeout,
		MaxRetries:   cfg.Database.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("opening queue store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Register channels ──
	channelFilter, _ := cmd.Flags().GetStringSlice("channel")
	manager := channels.NewManager(logger)

	if shouldEnable("whatsapp", channelFilter, cfg.Channels.WhatsApp.Enabled) {
		wa := whatsapp.New(cfg.Channels.WhatsApp, logger)
		if err := manager.Register(wa); err != nil {
			logger.Error("failed to register WhatsApp", "error", err)
		} else {
			logger.Info("WhatsApp channel registered")
		}
	}

	if shouldEnable("discord", channelFilter, cfg.Channels.Discord.Enabled) && cfg.Channels.Discord.Token != "" {
		dc := discord.New(cfg.Channels.Discord, logger)
		if err := manager.Register(dc); err != nil {
			logger.Error("failed to register Discord", "error", err)
		} else {
			logger.Info("Discord channel registered")
		}
	}

	// ── Build the pipeline ──
	gen, err := generation.NewOpenAI(cfg.Generation, logger)
	if err != nil {
		return fmt.Errorf("creating generator: %w", err)
	}

	dispatcher, err := dispatch.New(cfg.Dispatch, store, logger)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	split := chunker.New(
		chunker.WithHardCeiling(cfg.Chunker.HardCeiling),
		chunker.WithIdealChunk(cfg.Chunker.IdealChunk),
		chunker.WithBeforeSplit(cfg.Chunker.BeforeSplit),
	)

	seen := collector.NewSeenCache(cfg.Collector.DedupTTL, cfg.Collector.DedupMaxEntries)
	coll := collector.New(cfg.Collector, store, seen, logger)
	proc := processor.New(cfg.Processor, store, gen, dispatcher, logger)
	snd := sender.New(cfg.Sender, store, manager, split, logger)
	maint := maintenance.New(cfg.Maintenance, store, logger)

	// ── Start everything ──
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}

	seen.Start(ctx)
	go coll.Run(ctx, manager.Events())
	proc.Start(ctx)
	snd.Start(ctx)

	if err := maint.Start(ctx); err != nil {
		logger.Error("failed to start maintenance jobs", "error", err)
	}

	// ── Wait for shutdown ──
	logger.Info("ZapCamp running. Press Ctrl+C to stop.",
		"window", cfg.Collector.Window,
		"hours", fmt.Sprintf("%s-%s %s", cfg.Dispatch.Hours.Start, cfg.Dispatch.Hours.End, cfg.Dispatch.Hours.Timezone),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		cancel()
		maint.Stop()
		proc.Stop()
		snd.Stop()
		manager.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads config from the --config flag or standard locations.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	if found := config.FindConfigFile(); found != "" {
		cfg, err := config.LoadFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, found, nil
	}

	return nil, "", fmt.Errorf("no configuration file found")
}

// shouldEnable checks if a channel should be enabled.
func shouldEnable(name string, filter []string, defaultEnabled bool) bool {
	if len(filter) == 0 {
		return defaultEnabled
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}
