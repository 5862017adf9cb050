package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	TempDir    string `envconfig:"TEMP_DIR" default:"/tmp/vidfetch"`
	YtdlpPath  string `envconfig:"YTDLP_PATH" default:"yt-dlp"`
	FfmpegPath string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`

	MaxParallel        int           `envconfig:"MAX_PARALLEL" default:"3"`
	MaxFileSize        int64         `envconfig:"MAX_FILE_SIZE" default:"2147483648"`
	KeepArtifactsFor   time.Duration `envconfig:"KEEP_ARTIFACTS_FOR" default:"24h"`
	CleanupInterval    time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"10"`

	AllowedDomains []string `envconfig:"ALLOWED_DOMAINS" default:"youtube.com,youtu.be,instagram.com,tiktok.com,twitter.com,x.com,vimeo.com,dailymotion.com"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080,http://127.0.0.1:8080"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string `envconfig:"DB_PATH" default:"jobs.db"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"vidfetchd"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
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
