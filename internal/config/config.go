// Package config loads the chat server configuration from layered sources:
// built-in defaults, an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the complete server configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Typing     TypingConfig     `koanf:"typing"`
	Redis      RedisConfig      `koanf:"redis"`
	NATS       NATSConfig       `koanf:"nats"`
	Database   DatabaseConfig   `koanf:"database"`
	Auth       AuthConfig       `koanf:"auth"`
	RateLimit  RateLimitConfig  `koanf:"ratelimit"`
	Moderation ModerationConfig `koanf:"moderation"`
	Log        LogConfig        `koanf:"log"`
}

// ServerConfig holds listener and socket tuning.
type ServerConfig struct {
	ListenAddr        string        `koanf:"listen_addr" validate:"required"`
	MaxConnections    int           `koanf:"max_connections" validate:"min=1"`
	ReadTimeout       time.Duration `koanf:"read_timeout" validate:"min=0"`
	WriteTimeout      time.Duration `koanf:"write_timeout" validate:"min=0"`
	IdleTimeout       time.Duration `koanf:"idle_timeout" validate:"min=0"`
	MaxFrameBytes     int64         `koanf:"max_frame_bytes" validate:"min=512"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"min=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"min=0"`
	AllowedOrigins    string        `koanf:"allowed_origins"`
	HTTPRateLimit     int           `koanf:"http_rate_limit" validate:"min=0"`
	ServerName        string        `koanf:"server_name"`
}

// TypingConfig controls typing indicator expiry.
type TypingConfig struct {
	TTL           time.Duration `koanf:"ttl" validate:"required"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"required"`
}

// RedisConfig configures the shared Redis client. An empty Addr disables
// Redis-backed features (session tokens, distributed rate limits, bans).
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"min=0"`
}

// NATSConfig configures push notification publishing. An empty URL disables it.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	Name          string        `koanf:"name"`
	PushSubject   string        `koanf:"push_subject"`
	ReportSubject string        `koanf:"report_subject"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// DatabaseConfig selects the message store.
type DatabaseConfig struct {
	Driver       string `koanf:"driver" validate:"oneof=memory postgres"`
	URL          string `koanf:"url"`
	MaxOpenConns int    `koanf:"max_open_conns" validate:"min=0"`
	SeedFile     string `koanf:"seed_file"`
}

// AuthConfig selects how bearer tokens are resolved to identities.
type AuthConfig struct {
	Mode      string `koanf:"mode" validate:"oneof=jwt session"`
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
}

// RateLimitConfig bounds inbound send_message commands per user.
type RateLimitConfig struct {
	MessageLimit  int           `koanf:"message_limit" validate:"min=1"`
	MessageWindow time.Duration `koanf:"message_window" validate:"required"`
}

// ModerationConfig extends the built-in flood checks. BlockedTerms is a
// comma-separated list of words or phrases. ReportThreshold is the number
// of abuse reports within a day that bans a user when Redis is configured.
type ModerationConfig struct {
	BlockedTerms    string `koanf:"blocked_terms"`
	BlockLinks      bool   `koanf:"block_links"`
	ReportThreshold int    `koanf:"report_threshold" validate:"min=0"`
}

// Terms splits BlockedTerms on commas.
func (m ModerationConfig) Terms() []string {
	return splitList(m.BlockedTerms)
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:        ":8080",
			MaxConnections:    100000,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       90 * time.Second,
			MaxFrameBytes:     16 * 1024,
			HeartbeatInterval: 30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			AllowedOrigins:    "*",
			HTTPRateLimit:     120,
		},
		Typing: TypingConfig{
			TTL:           5 * time.Second,
			SweepInterval: 1 * time.Second,
		},
		NATS: NATSConfig{
			Name:          "groupchat",
			PushSubject:   "chat.push",
			ReportSubject: "chat.reports",
			ReconnectWait: 2 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       "memory",
			MaxOpenConns: 20,
		},
		Auth: AuthConfig{
			Mode: "jwt",
		},
		RateLimit: RateLimitConfig{
			MessageLimit:  10,
			MessageWindow: 10 * time.Second,
		},
		Moderation: ModerationConfig{
			ReportThreshold: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate runs struct tag validation and cross-field checks.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var errs []error
	if c.Auth.Mode == "jwt" && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required when auth.mode is jwt"))
	}
	if c.Auth.Mode == "session" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when auth.mode is session"))
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required when database.driver is postgres"))
	}
	if c.Typing.SweepInterval > c.Typing.TTL {
		errs = append(errs, errors.New("typing.sweep_interval must not exceed typing.ttl"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Origins splits AllowedOrigins on commas.
func (s ServerConfig) Origins() []string {
	return splitList(s.AllowedOrigins)
}

func splitList(v string) []string {
	var out []string
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
