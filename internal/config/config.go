// Package config loads roomcast settings from defaults, an optional YAML
// file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Identity modes for websocket clients.
const (
	AuthModeJWT   = "jwt"
	AuthModeQuery = "query"
)

const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	WS        WSConfig        `yaml:"ws"`
	Assistant AssistantConfig `yaml:"assistant"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"LISTEN_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// StorageConfig selects the persistence driver. The redis driver only holds
// the message log; rooms and users stay in memory.
type StorageConfig struct {
	Driver      string `yaml:"driver" env:"STORAGE_DRIVER"`
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	RedisAddr   string `yaml:"redis_addr" env:"REDIS_ADDR"`
	MaxMessages int    `yaml:"max_messages" env:"MAX_MESSAGES"`
}

type AuthConfig struct {
	Mode       string        `yaml:"mode" env:"AUTH_MODE"`
	Secret     string        `yaml:"secret" env:"AUTH_SECRET"`
	Issuer     string        `yaml:"issuer" env:"AUTH_ISSUER"`
	TokenTTL   time.Duration `yaml:"token_ttl" env:"AUTH_TOKEN_TTL"`
	BcryptCost int           `yaml:"bcrypt_cost" env:"AUTH_BCRYPT_COST"`
}

type WSConfig struct {
	QueueSize         int           `yaml:"queue_size" env:"WS_QUEUE_SIZE"`
	HistoryLimit      int           `yaml:"history_limit" env:"WS_HISTORY_LIMIT"`
	MaxConns          int           `yaml:"max_conns" env:"WS_MAX_CONNS"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"WS_IDLE_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"WS_WRITE_TIMEOUT"`
	MaxMessageLength  int           `yaml:"max_message_length" env:"WS_MAX_MESSAGE_LENGTH"`
	MessagesPerMinute int           `yaml:"messages_per_minute" env:"WS_MESSAGES_PER_MINUTE"`
	JoinsPerMinute    int           `yaml:"joins_per_minute" env:"WS_JOINS_PER_MINUTE"`
	AllowedOrigins    []string      `yaml:"allowed_origins" env:"WS_ALLOWED_ORIGINS" envSeparator:","`
	// TrustedProxies lists CIDRs or addresses whose X-Forwarded-For is honored.
	TrustedProxies []string `yaml:"trusted_proxies" env:"WS_TRUSTED_PROXIES" envSeparator:","`
}

type AssistantConfig struct {
	Enabled    bool          `yaml:"enabled" env:"ASSISTANT_ENABLED"`
	Name       string        `yaml:"name" env:"ASSISTANT_NAME"`
	WebhookURL string        `yaml:"webhook_url" env:"ASSISTANT_WEBHOOK_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"ASSISTANT_TIMEOUT"`
	Rooms      []string      `yaml:"rooms" env:"ASSISTANT_ROOMS" envSeparator:","`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: LogFormatConsole},
		Storage: StorageConfig{
			Driver:      DriverMemory,
			SQLitePath:  "roomcast.db",
			MaxMessages: 1000,
		},
		Auth: AuthConfig{
			Mode:       AuthModeJWT,
			Issuer:     "roomcast",
			TokenTTL:   24 * time.Hour,
			BcryptCost: 10,
		},
		WS: WSConfig{
			QueueSize:         64,
			HistoryLimit:      50,
			IdleTimeout:       10 * time.Minute,
			WriteTimeout:      5 * time.Second,
			MaxMessageLength:  2000,
			MessagesPerMinute: 60,
			JoinsPerMinute:    30,
		},
		Assistant: AssistantConfig{
			Name:    "@assistant",
			Timeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// CONFIG_FILE is consulted.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Log.Format {
	case LogFormatConsole, LogFormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	case DriverRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be memory, sqlite or redis", c.Storage.Driver))
	}
	switch c.Auth.Mode {
	case AuthModeJWT:
		if c.Auth.Secret == "" {
			errs = append(errs, errors.New("auth.secret is required in jwt mode"))
		}
	case AuthModeQuery:
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q must be jwt or query", c.Auth.Mode))
	}
	if c.WS.QueueSize <= 0 {
		errs = append(errs, errors.New("ws.queue_size must be positive"))
	}
	if c.WS.HistoryLimit < 0 {
		errs = append(errs, errors.New("ws.history_limit must not be negative"))
	}
	if c.WS.MaxConns < 0 {
		errs = append(errs, errors.New("ws.max_conns must not be negative"))
	}
	if c.WS.WriteTimeout <= 0 {
		errs = append(errs, errors.New("ws.write_timeout must be positive"))
	}
	if c.WS.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("ws.max_message_length must be positive"))
	}
	for _, p := range c.WS.TrustedProxies {
		if !validProxy(strings.TrimSpace(p)) {
			errs = append(errs, fmt.Errorf("ws.trusted_proxies entry %q is not an address or CIDR", p))
		}
	}
	if c.Assistant.Enabled && !strings.HasPrefix(c.Assistant.Name, "@") {
		errs = append(errs, errors.New("assistant.name must start with @"))
	}
	return errors.Join(errs...)
}

func validProxy(v string) bool {
	if strings.Contains(v, "/") {
		_, err := netip.ParsePrefix(v)
		return err == nil
	}
	_, err := netip.ParseAddr(v)
	return err == nil
}
