package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Auth       AuthConfig       `yaml:"auth"`
	Log        LogConfig        `yaml:"log"`
	Notify     NotifyConfig     `yaml:"notify"`
	Moderation ModerationConfig `yaml:"moderation"`
	Cache      CacheConfig      `yaml:"cache"`
}

type ServerConfig struct {
	Port            string        `yaml:"port" env:"SERVER_PORT" env-default:"8080" validate:"required,numeric"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT" env-default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
	Limiter         LimiterConfig `yaml:"limiter"`
}

// LimiterConfig throttles content writes per caller.
type LimiterConfig struct {
	Enabled bool    `yaml:"enabled" env:"LIMITER_ENABLED"`
	RPS     float64 `yaml:"rps" env:"LIMITER_RPS" env-default:"2" validate:"gte=0"`
	Burst   int     `yaml:"burst" env:"LIMITER_BURST" env-default:"4" validate:"gte=0"`
}

type StorageConfig struct {
	Type string `yaml:"type" env:"STORAGE_TYPE" env-default:"memory" validate:"oneof=memory postgres"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
}

type AuthConfig struct {
	Secret   string        `yaml:"secret" env:"JWT_SECRET" env-default:"your-secret-key" validate:"required"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"JWT_TOKEN_TTL" env-default:"24h"`
	// DevTokens lets GET /token issue moderator tokens to anyone.
	DevTokens bool `yaml:"dev_tokens" env:"AUTH_DEV_TOKENS"`
}

type LogConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	Filename   string `yaml:"filename" env:"LOG_FILE"`
	MaxSize    int    `yaml:"max_size" env-default:"100"`
	MaxBackups int    `yaml:"max_backups" env-default:"3"`
	MaxAge     int    `yaml:"max_age" env-default:"28"`
	Compress   bool   `yaml:"compress"`
	Stdout     bool   `yaml:"stdout" env:"LOG_STDOUT"`
}

type NotifyConfig struct {
	AMQP  AMQPConfig  `yaml:"amqp"`
	Redis RedisConfig `yaml:"redis"`
}

type AMQPConfig struct {
	URL      string `yaml:"url" env:"AMQP_URL"`
	Exchange string `yaml:"exchange" env:"AMQP_EXCHANGE" env-default:"remy.notices"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type ModerationConfig struct {
	PremoderatePosts bool   `yaml:"premoderate_posts" env:"PREMODERATE_POSTS"`
	WordsFile        string `yaml:"words_file" env:"MODERATION_WORDS_FILE"`
	// ResyncSchedule is a cron expression for reloading the queue from storage.
	// Empty disables it.
	ResyncSchedule string `yaml:"resync_schedule" env:"MODERATION_RESYNC_SCHEDULE"`
}

type CacheConfig struct {
	AuthorTTL time.Duration `yaml:"author_ttl" env:"AUTHOR_CACHE_TTL" env-default:"5m"`
	BatchWait time.Duration `yaml:"batch_wait" env-default:"2ms"`
}

// Load reads the YAML file at path, then applies a .env file from the
// working directory and the process environment on top. A missing file is
// not an error; the environment and defaults are used alone.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks field constraints and the storage settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Type == "postgres" && c.Postgres.DSN == "" {
		return errors.New("invalid config: postgres.dsn is required for postgres storage")
	}
	return nil
}
