package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Mongo       MongoConfig       `yaml:"mongo"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
	Log         LogConfig         `yaml:"log"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Typing      TypingConfig      `yaml:"typing"`
	Sync        SyncConfig        `yaml:"sync"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ServerID        string        `yaml:"server_id"`
	AllowedOrigin   string        `yaml:"allowed_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

// MongoConfig selects the persistent store. An empty URI keeps everything
// in process memory.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// RedisConfig selects the change feed and typing store. An empty address
// keeps them in process.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type AttachmentsConfig struct {
	BaseURL   string `yaml:"base_url"`
	MaxBytes  int64  `yaml:"max_bytes"`
	ChunkSize int    `yaml:"chunk_size"`
}

type TypingConfig struct {
	IdleAfter    time.Duration `yaml:"idle_after"`
	RefreshEvery time.Duration `yaml:"refresh_every"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

type SyncConfig struct {
	MessageLimit int           `yaml:"message_limit"`
	BackoffMin   time.Duration `yaml:"backoff_min"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	OpTimeout    time.Duration `yaml:"op_timeout"`
}

const DefaultJWTSecret = "change-me-in-production"

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ServerID:        "server-1",
			AllowedOrigin:   "http://localhost:3000",
			ShutdownTimeout: 10 * time.Second,
			MaxMessageBytes: 48 << 20,
		},
		Mongo: MongoConfig{Database: "jobtalk"},
		Redis: RedisConfig{TopicPrefix: "jobtalk:"},
		Auth: AuthConfig{
			JWTSecret:      DefaultJWTSecret,
			AccessTokenTTL: 15 * time.Minute,
		},
		Log: LogConfig{Level: "info"},
		Attachments: AttachmentsConfig{
			BaseURL:   "http://localhost:8080",
			MaxBytes:  25 << 20,
			ChunkSize: 256 << 10,
		},
		Typing: TypingConfig{
			IdleAfter:    5 * time.Second,
			RefreshEvery: 2 * time.Second,
			StaleAfter:   5 * time.Second,
		},
		Sync: SyncConfig{
			MessageLimit: 100,
			BackoffMin:   200 * time.Millisecond,
			BackoffMax:   10 * time.Second,
			OpTimeout:    15 * time.Second,
		},
	}
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess validates the combined settings.
func (c *Config) PostProcess() error {
	c.Attachments.BaseURL = strings.TrimRight(c.Attachments.BaseURL, "/")
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	if c.Server.Port == "" {
		return errors.New("config: server.port is required")
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return errors.New("config: mongo.database is required with mongo.uri")
	}
	if c.Typing.IdleAfter <= 0 || c.Typing.StaleAfter <= 0 || c.Typing.RefreshEvery <= 0 {
		return errors.New("config: typing durations must be positive")
	}
	if c.Typing.RefreshEvery >= c.Typing.StaleAfter {
		return errors.New("config: typing.refresh_every must be below typing.stale_after")
	}
	if c.Sync.BackoffMin <= 0 || c.Sync.BackoffMax < c.Sync.BackoffMin {
		return errors.New("config: invalid sync backoff bounds")
	}
	if c.Attachments.MaxBytes <= 0 || c.Attachments.ChunkSize <= 0 {
		return errors.New("config: attachment limits must be positive")
	}
	return nil
}

// Load reads path (optional), then .env, then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	applyEnv(&cfg, os.LookupEnv)
	if err := cfg.PostProcess(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("PORT", &cfg.Server.Port)
	set("SERVER_ID", &cfg.Server.ServerID)
	set("ALLOWED_ORIGIN", &cfg.Server.AllowedOrigin)
	set("MONGODB_URI", &cfg.Mongo.URI)
	set("MONGODB_DATABASE", &cfg.Mongo.Database)
	set("REDIS_ADDR", &cfg.Redis.Addr)
	set("REDIS_PASSWORD", &cfg.Redis.Password)
	set("JWT_SECRET", &cfg.Auth.JWTSecret)
	set("LOG_LEVEL", &cfg.Log.Level)
	set("ATTACHMENT_BASE_URL", &cfg.Attachments.BaseURL)
}
