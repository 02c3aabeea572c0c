package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Victim selection policies for priority preemption.
const (
	VictimOldestStarted = "oldest_started"
	VictimOldestCreated = "oldest_created"
)

// Config struct for environment variables.
type Config struct {
	TargetDir string `envconfig:"TARGET_DIR" required:"true"`
	DBPath    string `envconfig:"DB_PATH" default:"data/state.db"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"INFO"`

	MaxConcurrent          int           `envconfig:"MAX_CONCURRENT" default:"5"`
	ProgressNotifyInterval time.Duration `envconfig:"PROGRESS_NOTIFY_INTERVAL" default:"2s"`
	ProgressReportBytes    int64         `envconfig:"PROGRESS_REPORT_BYTES" default:"524288"`
	ProgressWriteTimeout   time.Duration `envconfig:"PROGRESS_WRITE_TIMEOUT" default:"2s"`
	PreemptThreshold       int           `envconfig:"PREEMPT_THRESHOLD" default:"0"`
	PreemptVictim          string        `envconfig:"PREEMPT_VICTIM" default:"oldest_started"`

	BotToken     string  `envconfig:"BOT_TOKEN"`
	BotAPIURL    string  `envconfig:"BOT_API_URL" default:"https://api.telegram.org"`
	AdminUserIDs []int64 `envconfig:"ADMIN_USER_IDS"`
	// NotifyChatID receives status messages for rule downloads.
	NotifyChatID  int64         `envconfig:"NOTIFY_CHAT_ID"`
	PollTimeout   time.Duration `envconfig:"POLL_TIMEOUT" default:"30s"`
	APIRateLimit  float64       `envconfig:"API_RATE_LIMIT" default:"20"`
	NotifyBacklog int           `envconfig:"NOTIFY_BACKLOG" default:"256"`

	Breaker struct {
		Threshold   uint32        `split_words:"true" default:"5"`
		Timeout     time.Duration `split_words:"true" default:"30s"`
		MaxRequests uint32        `split_words:"true" default:"1"`
	}

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `envconfig:"SERVICE_NAME" default:"chat_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig loads an optional dotenv file and then reads environment variables
// into the Config struct. CONFIG_FILE overrides the default ".env" location.
// Variables already present in the environment win over the file.
func LoadConfig() (*Config, error) {
	file := os.Getenv("CONFIG_FILE")
	if file == "" {
		file = ".env"
	}

	if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading %s: %w", file, err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig can't express.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT must be at least 1, got %d", c.MaxConcurrent)
	}

	if c.ProgressReportBytes < 1 {
		return fmt.Errorf("PROGRESS_REPORT_BYTES must be positive, got %d", c.ProgressReportBytes)
	}

	switch c.PreemptVictim {
	case VictimOldestStarted, VictimOldestCreated:
	default:
		return fmt.Errorf("PREEMPT_VICTIM must be %q or %q, got %q", VictimOldestStarted, VictimOldestCreated, c.PreemptVictim)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsAdmin reports whether the user may submit direct downloads.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}

	return false
}
