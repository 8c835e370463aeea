package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mixelka/tgmailsync/internal/retry"
)

// Config application configuration
type Config struct {
	// Telegram
	TelegramToken string `env:"TELEGRAM_BOT_TOKEN,required"`

	// Deletion log (MTProto user session, optional)
	TelegramAPIID       int    `env:"TELEGRAM_API_ID"`
	TelegramAPIHash     string `env:"TELEGRAM_API_HASH"`
	TelegramSessionPath string `env:"TELEGRAM_SESSION_PATH" envDefault:"./data/session.json"`

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailsync.db"`
	AccountsFile string `env:"ACCOUNTS_FILE" envDefault:"./accounts.yaml"`

	// Email
	IMAPDialTimeout   time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`
	EmailPollInterval time.Duration `env:"EMAIL_POLL_INTERVAL" envDefault:"1m"`
	PollConcurrency   int           `env:"POLL_CONCURRENCY" envDefault:"4"`
	DefaultFolders    []string      `env:"DEFAULT_FOLDERS" envDefault:"INBOX" envSeparator:","`
	SentFolder        string        `env:"SENT_FOLDER" envDefault:"Sent"`
	MarkSeen          bool          `env:"MARK_SEEN_AFTER_DELIVERY" envDefault:"true"`
	SeenCacheSize     int           `env:"SEEN_CACHE_SIZE" envDefault:"10000"`

	// Threading
	SubjectMatchWindow time.Duration `env:"SUBJECT_MATCH_WINDOW" envDefault:"720h"`

	// Retries of single network operations
	RetryMaxAttempts     int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"1s"`
	RetryMaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"10s"`

	// Deletion sync
	DeletionScanInterval    time.Duration `env:"DELETION_SCAN_INTERVAL" envDefault:"3m"`
	DeletionEmptyAttempts   int           `env:"DELETION_EMPTY_ATTEMPTS" envDefault:"5"`
	DeletionEmptyTargetWait time.Duration `env:"DELETION_EMPTY_TARGET_WAIT" envDefault:"1h"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// DeletionSyncEnabled returns true if the deletion log credentials are configured
func (c *Config) DeletionSyncEnabled() bool {
	return c.TelegramAPIID != 0 && c.TelegramAPIHash != "" && c.TelegramSessionPath != ""
}

// RetryPolicy returns the configured retry bounds
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.RetryMaxAttempts,
		InitialInterval: c.RetryInitialInterval,
		MaxInterval:     c.RetryMaxInterval,
	}
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	return parse()
}

func parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate encryption key length (32 bytes for AES-256)
	if len(cfg.EncryptionKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(cfg.EncryptionKey))
	}
	if cfg.SubjectMatchWindow < 0 {
		return nil, fmt.Errorf("SUBJECT_MATCH_WINDOW must not be negative")
	}
	if cfg.RetryMaxAttempts < 1 {
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", cfg.RetryMaxAttempts)
	}

	return cfg, nil
}
