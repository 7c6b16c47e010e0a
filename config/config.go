package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Storage
	DBPath            string
	DBRetries         int
	DBRetryBackoffSec int

	// Redis mirror. Empty addr disables the mirror entirely.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// HTTP surfaces. An empty TOTP secret leaves the admin API open;
	// set one to require an X-Admin-OTP header on mutating routes.
	MetricsAddr     string
	AdminAddr       string
	AdminTOTPSecret string

	// Scheduler
	TickMinutes       int
	TickBudgetMinutes int
	Workers           int
	BufferSeconds     int

	// Vendors
	Chain                   string
	BirdeyeBaseURL          string
	GeckoBaseURL            string
	PageSize                int
	CreditResetCheckMinutes int

	// Bootstrap
	NewTokenMaxAgeDays int

	// Alerts
	TouchGapSeconds  int
	MaxTouchNotifies int

	// Notification channels. Unset telegram falls back to log output.
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string

	// Self-ping so free hosting tiers don't idle the process out.
	KeepaliveURL     string
	KeepaliveMinutes int

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] no .env file found, using environment variables")
	}

	return &Config{
		DBPath:            getEnv("DB_PATH", "data/tokens.db"),
		DBRetries:         getEnvInt("DB_RETRIES", 3),
		DBRetryBackoffSec: getEnvInt("DB_RETRY_BACKOFF_SECONDS", 60),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MetricsAddr:     getEnv("METRICS_ADDR", ":9090"),
		AdminAddr:       getEnv("HTTP_ADDR", ":8080"),
		AdminTOTPSecret: getEnv("ADMIN_TOTP_SECRET", ""),

		TickMinutes:       getEnvInt("TICK_MINUTES", 5),
		TickBudgetMinutes: getEnvInt("TICK_BUDGET_MINUTES", 4),
		Workers:           getEnvInt("WORKERS", 4),
		BufferSeconds:     getEnvInt("BUFFER_SECONDS", 60),

		Chain:                   getEnv("CHAIN", "solana"),
		BirdeyeBaseURL:          getEnv("BIRDEYE_BASE_URL", "https://public-api.birdeye.so"),
		GeckoBaseURL:            getEnv("GECKO_BASE_URL", "https://api.geckoterminal.com/api/v2"),
		PageSize:                getEnvInt("PAGE_SIZE", 1000),
		CreditResetCheckMinutes: getEnvInt("CREDIT_RESET_CHECK_MINUTES", 10),

		NewTokenMaxAgeDays: getEnvInt("NEW_TOKEN_MAX_AGE_DAYS", 2),

		TouchGapSeconds:  getEnvInt("TOUCH_GAP_SECONDS", 7200),
		MaxTouchNotifies: getEnvInt("MAX_TOUCH_NOTIFIES", 2),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		KeepaliveURL:     getEnv("KEEPALIVE_URL", ""),
		KeepaliveMinutes: getEnvInt("KEEPALIVE_MINUTES", 10),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// RedisEnabled reports whether the optional redis mirror is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// TickInterval is the scheduler cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickMinutes) * time.Minute
}

// TickBudget bounds how long one tick may run.
func (c *Config) TickBudget() time.Duration {
	return time.Duration(c.TickBudgetMinutes) * time.Minute
}

// DBRetryBackoff is the pause between store write retries.
func (c *Config) DBRetryBackoff() time.Duration {
	return time.Duration(c.DBRetryBackoffSec) * time.Second
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
