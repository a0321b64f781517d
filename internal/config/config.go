// Package config parses the process environment into a typed Config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds runtime configuration derived from environment variables (spec §6).
type Config struct {
	TelegramToken string
	BotID         int64
	BotUsername   string

	DataPath  string
	CachePath string
	LogsPath  string

	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPoolMin  int
	PostgresPoolMax  int

	AdminIDs         []int64
	FeedbackTargetID int64

	OAIEnabled bool
	OAIAPIURL  string
	OAIAPIKey  string

	ProxyURL          string
	GroundingProxyURL string

	// DiscordToken is an optional secondary platform adapter credential;
	// the spec treats the messaging platform as a single event source, but
	// the orchestrator depends only on the platform.Client capability so a
	// second adapter can be wired without touching core logic.
	DiscordToken string

	// R2 mirror for the media cache (optional).
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicURL       string

	LogLevel  string
	LogFormat string
}

// Load parses environment variables into Config, enforcing the required set
// named in spec §6.
func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken: os.Getenv("TELEGRAM_TOKEN"),
		BotUsername:   os.Getenv("BOT_USERNAME"),
		DataPath:      os.Getenv("DATA_PATH"),
		CachePath:     os.Getenv("CACHE_PATH"),
		LogsPath:      os.Getenv("LOGS_PATH"),

		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),

		OAIAPIURL: os.Getenv("OAI_API_URL"),
		OAIAPIKey: os.Getenv("OAI_API_KEY"),

		ProxyURL:          os.Getenv("PROXY_URL"),
		GroundingProxyURL: os.Getenv("GROUNDING_PROXY_URL"),

		DiscordToken: os.Getenv("DISCORD_TOKEN"),

		R2AccountID:       os.Getenv("R2_ACCOUNT_ID"),
		R2AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
		R2SecretAccessKey: os.Getenv("R2_SECRET_ACCESS_KEY"),
		R2BucketName:      os.Getenv("R2_BUCKET_NAME"),
		R2PublicURL:       os.Getenv("R2_PUBLIC_URL"),

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "text"),
	}

	required := map[string]string{
		"TELEGRAM_TOKEN": cfg.TelegramToken,
		"BOT_USERNAME":   cfg.BotUsername,
		"DATA_PATH":      cfg.DataPath,
		"CACHE_PATH":     cfg.CachePath,
		"LOGS_PATH":      cfg.LogsPath,
		"POSTGRES_USER":  cfg.PostgresUser,
		"POSTGRES_HOST":  cfg.PostgresHost,
	}
	for key, value := range required {
		if value == "" {
			return nil, fmt.Errorf("%s is required", key)
		}
	}

	botID, err := parseBotID(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_TOKEN: %w", err)
	}
	cfg.BotID = botID

	cfg.PostgresPoolMin, err = envInt("POSTGRES_POOL_MIN_CONNECTIONS", 2)
	if err != nil {
		return nil, err
	}
	cfg.PostgresPoolMax, err = envInt("POSTGRES_POOL_MAX_CONNECTIONS", 10)
	if err != nil {
		return nil, err
	}

	admins, err := parseInt64List(os.Getenv("ADMIN_IDS"))
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_IDS entry: %w", err)
	}
	cfg.AdminIDs = admins

	if raw := os.Getenv("FEEDBACK_TARGET_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid FEEDBACK_TARGET_ID: %w", err)
		}
		cfg.FeedbackTargetID = id
	}

	cfg.OAIEnabled = strings.EqualFold(os.Getenv("OAI_ENABLED"), "true")

	return cfg, nil
}

// IsAdmin reports whether userID is a configured global administrator.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseInt64List(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part == "" {
			continue
		}
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// parseBotID extracts the numeric bot id, the prefix of a Telegram bot token
// before the colon (spec §6).
func parseBotID(token string) (int64, error) {
	idx := strings.IndexByte(token, ':')
	if idx <= 0 {
		return 0, fmt.Errorf("token missing numeric prefix")
	}
	return strconv.ParseInt(token[:idx], 10, 64)
}
