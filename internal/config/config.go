// Package config loads the notify server configuration.
// Precedence: defaults < YAML file < environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "notify.yaml"

type Config struct {
	Server   Server   `yaml:"server"`
	Hub      Hub      `yaml:"hub"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Auth     Auth     `yaml:"auth"`
	Logging  Logging  `yaml:"logging"`
}

type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Hub holds the live event registry settings.
type Hub struct {
	ChannelCapacity int           `yaml:"channel_capacity"`
	MaxUsers        int           `yaml:"max_users"`
	EvictAfter      time.Duration `yaml:"evict_after"` // 0 keeps channels forever
	Heartbeat       time.Duration `yaml:"heartbeat"`
}

// Postgres is the LISTEN/NOTIFY source; empty DSN disables it.
type Postgres struct {
	DSN string `yaml:"dsn"`
}

// Redis is the pub/sub source; empty URL disables it.
type Redis struct {
	URL     string `yaml:"url"`
	Pattern string `yaml:"pattern"`
}

type Auth struct {
	PublicKeyFile string   `yaml:"public_key_file"`
	JWKSURL       string   `yaml:"jwks_url"`
	Issuer        string   `yaml:"issuer"`
	Audience      []string `yaml:"audience"`
	// Insecure trusts the X-User-ID header. Local development only.
	Insecure bool `yaml:"insecure"`
}

type Logging struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"` // "json" or "text"
	Service string `yaml:"service"`
}

// Defaults returns a Config suitable for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "6687",
			CORSOrigin: "*",
		},
		Hub: Hub{
			ChannelCapacity: 256,
			EvictAfter:      30 * time.Second,
			Heartbeat:       time.Second,
		},
		Redis: Redis{
			Pattern: "notify:*",
		},
		Auth: Auth{
			Issuer:   "chat_server",
			Audience: []string{"chat_web"},
		},
		Logging: Logging{
			Level:   "info",
			Format:  "json",
			Service: "notify-server",
		},
	}
}

// Load returns a Config using defaults < YAML < ENV. A missing YAML file is
// not an error.
func Load(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.Port = getEnv("NOTIFY_PORT", cfg.Server.Port)
	cfg.Server.CORSOrigin = getEnv("NOTIFY_CORS_ORIGIN", cfg.Server.CORSOrigin)

	cfg.Hub.ChannelCapacity = getEnvInt("NOTIFY_CHANNEL_CAPACITY", cfg.Hub.ChannelCapacity)
	cfg.Hub.MaxUsers = getEnvInt("NOTIFY_MAX_USERS", cfg.Hub.MaxUsers)
	cfg.Hub.EvictAfter = getEnvDuration("NOTIFY_EVICT_AFTER", cfg.Hub.EvictAfter)
	cfg.Hub.Heartbeat = getEnvDuration("NOTIFY_HEARTBEAT", cfg.Hub.Heartbeat)

	cfg.Postgres.DSN = getEnv("DATABASE_URL", cfg.Postgres.DSN)
	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Pattern = getEnv("NOTIFY_REDIS_PATTERN", cfg.Redis.Pattern)

	cfg.Auth.PublicKeyFile = getEnv("JWT_PUBLIC_KEY_FILE", cfg.Auth.PublicKeyFile)
	cfg.Auth.JWKSURL = getEnv("JWT_JWKS_URL", cfg.Auth.JWKSURL)
	cfg.Auth.Issuer = getEnv("JWT_ISSUER", cfg.Auth.Issuer)
	if aud, ok := os.LookupEnv("JWT_AUDIENCE"); ok {
		cfg.Auth.Audience = nil
		if aud != "" {
			cfg.Auth.Audience = []string{aud}
		}
	}
	cfg.Auth.Insecure = getEnvBool("NOTIFY_AUTH_INSECURE", cfg.Auth.Insecure)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
}

func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Hub.ChannelCapacity < 1 {
		return errors.New("hub.channel_capacity must be >= 1")
	}
	if cfg.Hub.MaxUsers < 0 {
		return errors.New("hub.max_users must be >= 0")
	}
	if cfg.Hub.EvictAfter < 0 {
		return errors.New("hub.evict_after must be >= 0")
	}
	if cfg.Hub.Heartbeat <= 0 {
		return errors.New("hub.heartbeat must be > 0")
	}
	if cfg.Auth.PublicKeyFile == "" && cfg.Auth.JWKSURL == "" && !cfg.Auth.Insecure {
		return errors.New("auth: one of public_key_file, jwks_url or insecure is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
