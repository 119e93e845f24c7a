package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Suno      SunoConfig
	Groq      GroqConfig
	R2        R2Config
	Relay     RelayConfig
	Telegram  TelegramConfig
	Dispatch  DispatchConfig
	Broadcast BroadcastConfig
	Station   StationConfig
}

type ServerConfig struct {
	OpsPort  string `validate:"required"`
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	Host     string `validate:"required"`
	Port     int    `validate:"required"`
	User     string `validate:"required"`
	Password string
	Name     string `validate:"required"`
	SSLMode  string
}

// DSN is the pgx pool connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// MigrateURL is the golang-migrate connection string (pgx5 scheme).
func (c DatabaseConfig) MigrateURL() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SunoConfig struct {
	APIKey  string
	BaseURL string
}

type GroqConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type RelayConfig struct {
	BaseURL string
	APIKey  string
	Timeout int // seconds
}

type TelegramConfig struct {
	BotToken       string
	AnnounceChatID int64
	MessagesPerMin int
}

type DispatchConfig struct {
	MaxConcurrent int           `validate:"min=1"`
	Interval      time.Duration `validate:"min=1s"`
	PollTimeout   time.Duration `validate:"min=1s"`
	SubmitTimeout time.Duration `validate:"min=1s"`
	StaleAfter    time.Duration `validate:"min=1m"`
	ArtifactDir   string        `validate:"required"`
}

type BroadcastConfig struct {
	Interval        time.Duration `validate:"min=1s"`
	DefaultDuration time.Duration `validate:"min=1s"`
	QueueThreshold  int           `validate:"min=1"`
}

type StationConfig struct {
	Name          string
	NowPlayingTTL time.Duration
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("DB_PASSWORD")
	readSecret("REDIS_PASSWORD")
	readSecret("SUNO_API_KEY")
	readSecret("GROQ_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("RELAY_API_KEY")
	readSecret("TELEGRAM_BOT_TOKEN")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.ops_port", "OPS_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("database.host", "DB_HOST")
	_ = viper.BindEnv("database.port", "DB_PORT")
	_ = viper.BindEnv("database.user", "DB_USER")
	_ = viper.BindEnv("database.password", "DB_PASSWORD")
	_ = viper.BindEnv("database.name", "DB_NAME")
	_ = viper.BindEnv("database.ssl_mode", "DB_SSL_MODE")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("suno.api_key", "SUNO_API_KEY")
	_ = viper.BindEnv("suno.base_url", "SUNO_BASE_URL")
	_ = viper.BindEnv("groq.api_key", "GROQ_API_KEY")
	_ = viper.BindEnv("groq.base_url", "GROQ_BASE_URL")
	_ = viper.BindEnv("groq.model", "GROQ_MODEL")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("relay.base_url", "RELAY_BASE_URL")
	_ = viper.BindEnv("relay.api_key", "RELAY_API_KEY")
	_ = viper.BindEnv("relay.timeout", "RELAY_TIMEOUT")
	_ = viper.BindEnv("telegram.bot_token", "TELEGRAM_BOT_TOKEN")
	_ = viper.BindEnv("telegram.announce_chat_id", "TELEGRAM_ANNOUNCE_CHAT_ID")
	_ = viper.BindEnv("telegram.messages_per_min", "TELEGRAM_MESSAGES_PER_MIN")
	_ = viper.BindEnv("dispatch.max_concurrent", "DISPATCH_MAX_CONCURRENT")
	_ = viper.BindEnv("dispatch.interval", "DISPATCH_INTERVAL")
	_ = viper.BindEnv("dispatch.poll_timeout", "DISPATCH_POLL_TIMEOUT")
	_ = viper.BindEnv("dispatch.submit_timeout", "DISPATCH_SUBMIT_TIMEOUT")
	_ = viper.BindEnv("dispatch.stale_after", "DISPATCH_STALE_AFTER")
	_ = viper.BindEnv("dispatch.artifact_dir", "DISPATCH_ARTIFACT_DIR")
	_ = viper.BindEnv("broadcast.interval", "BROADCAST_INTERVAL")
	_ = viper.BindEnv("broadcast.default_duration", "BROADCAST_DEFAULT_DURATION")
	_ = viper.BindEnv("broadcast.queue_threshold", "BROADCAST_QUEUE_THRESHOLD")
	_ = viper.BindEnv("station.name", "STATION_NAME")
	_ = viper.BindEnv("station.now_playing_ttl", "STATION_NOW_PLAYING_TTL")

	// Defaults
	viper.SetDefault("server.ops_port", "9090")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "radiod")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.name", "radiod")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Suno defaults
	viper.SetDefault("suno.base_url", "https://api.sunoapi.org")

	// Groq defaults
	viper.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("groq.model", "llama-3.3-70b-versatile")

	// Relay defaults. No base URL default: an empty base URL means no relay
	// and the director plays tracks directly.
	viper.SetDefault("relay.timeout", 10)

	// Telegram defaults
	viper.SetDefault("telegram.messages_per_min", 20)

	// Scheduler defaults
	viper.SetDefault("dispatch.max_concurrent", 3)
	viper.SetDefault("dispatch.interval", "30s")
	viper.SetDefault("dispatch.poll_timeout", "30s")
	viper.SetDefault("dispatch.submit_timeout", "60s")
	viper.SetDefault("dispatch.stale_after", "10m")
	viper.SetDefault("dispatch.artifact_dir", "./artifacts")
	viper.SetDefault("broadcast.interval", "60s")
	viper.SetDefault("broadcast.default_duration", "180s")
	viper.SetDefault("broadcast.queue_threshold", 2)

	// Station defaults
	viper.SetDefault("station.name", "Waveloop Radio")
	viper.SetDefault("station.now_playing_ttl", "10m")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			OpsPort:  viper.GetString("server.ops_port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Database: DatabaseConfig{
			Host:     viper.GetString("database.host"),
			Port:     viper.GetInt("database.port"),
			User:     viper.GetString("database.user"),
			Password: viper.GetString("database.password"),
			Name:     viper.GetString("database.name"),
			SSLMode:  viper.GetString("database.ssl_mode"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Suno: SunoConfig{
			APIKey:  viper.GetString("suno.api_key"),
			BaseURL: viper.GetString("suno.base_url"),
		},
		Groq: GroqConfig{
			APIKey:  viper.GetString("groq.api_key"),
			BaseURL: viper.GetString("groq.base_url"),
			Model:   viper.GetString("groq.model"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Relay: RelayConfig{
			BaseURL: viper.GetString("relay.base_url"),
			APIKey:  viper.GetString("relay.api_key"),
			Timeout: viper.GetInt("relay.timeout"),
		},
		Telegram: TelegramConfig{
			BotToken:       viper.GetString("telegram.bot_token"),
			AnnounceChatID: viper.GetInt64("telegram.announce_chat_id"),
			MessagesPerMin: viper.GetInt("telegram.messages_per_min"),
		},
		Dispatch: DispatchConfig{
			MaxConcurrent: viper.GetInt("dispatch.max_concurrent"),
			Interval:      viper.GetDuration("dispatch.interval"),
			PollTimeout:   viper.GetDuration("dispatch.poll_timeout"),
			SubmitTimeout: viper.GetDuration("dispatch.submit_timeout"),
			StaleAfter:    viper.GetDuration("dispatch.stale_after"),
			ArtifactDir:   viper.GetString("dispatch.artifact_dir"),
		},
		Broadcast: BroadcastConfig{
			Interval:        viper.GetDuration("broadcast.interval"),
			DefaultDuration: viper.GetDuration("broadcast.default_duration"),
			QueueThreshold:  viper.GetInt("broadcast.queue_threshold"),
		},
		Station: StationConfig{
			Name:          viper.GetString("station.name"),
			NowPlayingTTL: viper.GetDuration("station.now_playing_ttl"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
