package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "CONFIG_PATH"

// DefaultPaths are searched in order when PathEnvVar is unset.
var DefaultPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/groupchat/config.yaml",
}

// envMappings maps flat environment names to koanf paths.
var envMappings = map[string]string{
	"listen_addr":        "server.listen_addr",
	"max_connections":    "server.max_connections",
	"read_timeout":       "server.read_timeout",
	"write_timeout":      "server.write_timeout",
	"idle_timeout":       "server.idle_timeout",
	"max_frame_bytes":    "server.max_frame_bytes",
	"heartbeat_interval": "server.heartbeat_interval",
	"shutdown_timeout":   "server.shutdown_timeout",
	"allowed_origins":    "server.allowed_origins",
	"http_rate_limit":    "server.http_rate_limit",
	"server_name":        "server.server_name",

	"typing_ttl":            "typing.ttl",
	"typing_sweep_interval": "typing.sweep_interval",

	"redis_addr":     "redis.addr",
	"redis_password": "redis.password",
	"redis_db":       "redis.db",

	"nats_url":            "nats.url",
	"nats_name":           "nats.name",
	"nats_push_subject":   "nats.push_subject",
	"nats_report_subject": "nats.report_subject",
	"nats_reconnect":      "nats.reconnect_wait",

	"store_driver": "database.driver",
	"database_url": "database.url",
	"db_max_conns": "database.max_open_conns",
	"seed_file":    "database.seed_file",

	"auth_mode":  "auth.mode",
	"jwt_secret": "auth.jwt_secret",
	"jwt_issuer": "auth.issuer",

	"message_rate_limit":  "ratelimit.message_limit",
	"message_rate_window": "ratelimit.message_window",

	"blocked_terms":    "moderation.blocked_terms",
	"block_links":      "moderation.block_links",
	"report_threshold": "moderation.report_threshold",

	"log_level":  "log.level",
	"log_format": "log.format",
	"log_caller": "log.caller",
}

// Load builds the configuration: defaults, then the YAML file if one is
// found, then environment variables. The result is validated.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := findFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		return ""
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform returns "" for variables that are not ours so koanf skips them.
func envTransform(key string) string {
	return envMappings[strings.ToLower(key)]
}
