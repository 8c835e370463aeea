package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/mixelka/tgmailsync/internal/config"
	"github.com/mixelka/tgmailsync/internal/database"
	"github.com/mixelka/tgmailsync/internal/deletion"
	"github.com/mixelka/tgmailsync/internal/delivery"
	"github.com/mixelka/tgmailsync/internal/email"
	"github.com/mixelka/tgmailsync/internal/formatter"
	"github.com/mixelka/tgmailsync/internal/poller"
	"github.com/mixelka/tgmailsync/internal/secret"
	"github.com/mixelka/tgmailsync/internal/telegram"
	"github.com/mixelka/tgmailsync/internal/threading"
)

// eventLogRestartDelay is the pause before reconnecting a dropped user session
const eventLogRestartDelay = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mail-to-telegram sync")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	secrets, err := secret.New(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to create cipher", "error", err)
		os.Exit(1)
	}

	// Seed accounts
	entries, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		logger.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}
	seeded, err := config.SeedAccounts(ctx, entries, db, secrets, nil, logger)
	if err != nil {
		logger.Error("failed to seed accounts", "error", err)
		os.Exit(1)
	}
	logger.Info("accounts loaded", "file", cfg.AccountsFile, "count", seeded)

	// Create components
	policy := cfg.RetryPolicy()
	dialer := email.NewDialer(cfg.IMAPDialTimeout, secrets, logger)

	bot, err := telegram.NewBot(telegram.BotDeps{
		Token:    cfg.TelegramToken,
		Accounts: db,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to create bot", "error", err)
		os.Exit(1)
	}

	engine, err := delivery.NewEngine(delivery.EngineDeps{
		Store:    db,
		Resolver: threading.NewResolver(db, cfg.SubjectMatchWindow, logger),
		Platform: telegram.NewPlatform(bot.API(), logger),
		Composer: formatter.NewTelegramFormatter(logger),
		Policy:   policy,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to create delivery engine", "error", err)
		os.Exit(1)
	}

	mailPoller := poller.New(poller.Config{
		Interval:       cfg.EmailPollInterval,
		DefaultFolders: cfg.DefaultFolders,
		MarkSeen:       cfg.MarkSeen,
		Concurrency:    cfg.PollConcurrency,
	}, poller.Deps{
		Accounts:  db,
		Store:     db,
		Dialer:    dialer,
		Deliverer: engine,
		Seen:      poller.NewDedupCache(cfg.SeenCacheSize),
		Logger:    logger,
	})
	bot.SetChecker(mailPoller)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("received shutdown signal", "signal", sig)
		logger.Info("shutting down...")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mailPoller.Run(ctx)
	}()

	if cfg.DeletionSyncEnabled() {
		eventLog := telegram.NewEventLog(telegram.EventLogConfig{
			AppID:       cfg.TelegramAPIID,
			AppHash:     cfg.TelegramAPIHash,
			SessionPath: cfg.TelegramSessionPath,
		}, logger)

		worker := deletion.NewWorker(deletion.Config{
			Interval:            cfg.DeletionScanInterval,
			SentFolder:          cfg.SentFolder,
			Policy:              policy,
			EmptyTargetAttempts: cfg.DeletionEmptyAttempts,
			EmptyTargetGrace:    cfg.DeletionEmptyTargetWait,
		}, db, eventLog, dialer, logger)

		wg.Add(2)
		go func() {
			defer wg.Done()
			runEventLog(ctx, eventLog, logger)
		}()
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	} else {
		logger.Warn("deletion sync disabled: TELEGRAM_API_ID, TELEGRAM_API_HASH and TELEGRAM_SESSION_PATH are required")
	}

	// Start bot
	logger.Info("bot is running, press Ctrl+C to stop")
	bot.Start(ctx)

	wg.Wait()
	logger.Info("bot stopped")
}

// runEventLog keeps the user session connected, reconnecting after drops
func runEventLog(ctx context.Context, eventLog *telegram.EventLog, logger *slog.Logger) {
	for {
		err := eventLog.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, telegram.ErrEventLogUnavailable) {
			logger.Error("deletion sync stays offline", "error", err)
			return
		}
		logger.Error("event log disconnected", "error", err, "retry_in", eventLogRestartDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(eventLogRestartDelay):
		}
	}
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
