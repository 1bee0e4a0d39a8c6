package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestDefault_NeedsJWTSecret(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error without jwt secret")
	}
	if !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("error = %v, want mention of jwt_secret", err)
	}

	cfg.Auth.JWTSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() with secret: %v", err)
	}
}

func TestValidate_CrossField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"session mode without redis", func(c *Config) { c.Auth.Mode = "session" }, "redis.addr"},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }, "database.url"},
		{"sweep longer than ttl", func(c *Config) { c.Typing.SweepInterval = 10 * time.Second }, "sweep_interval"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "Driver"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "Format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.JWTSecret = "x"
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestOrigins(t *testing.T) {
	s := ServerConfig{AllowedOrigins: " https://a.example , ,https://b.example"}
	got := s.Origins()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("Origins() = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Layered loading
// ---------------------------------------------------------------------------

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "server:\n  listen_addr: \":9000\"\n  max_connections: 50\ntyping:\n  ttl: 4s\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(PathEnvVar, path)
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("MAX_CONNECTIONS", "75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000 from file", cfg.Server.ListenAddr)
	}
	if cfg.Server.MaxConnections != 75 {
		t.Errorf("MaxConnections = %d, want 75 from env", cfg.Server.MaxConnections)
	}
	if cfg.Typing.TTL != 4*time.Second {
		t.Errorf("Typing.TTL = %v, want 4s", cfg.Typing.TTL)
	}
	if cfg.Typing.SweepInterval != time.Second {
		t.Errorf("Typing.SweepInterval = %v, want default 1s", cfg.Typing.SweepInterval)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("JWTSecret = %q", cfg.Auth.JWTSecret)
	}
}

func TestEnvTransform(t *testing.T) {
	if got := envTransform("REDIS_ADDR"); got != "redis.addr" {
		t.Errorf("envTransform(REDIS_ADDR) = %q", got)
	}
	if got := envTransform("HOME"); got != "" {
		t.Errorf("envTransform(HOME) = %q, want empty", got)
	}
}

func TestModerationTerms(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("BLOCKED_TERMS", "spam, buy now ,")
	t.Setenv("BLOCK_LINKS", "true")
	t.Setenv(PathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	terms := cfg.Moderation.Terms()
	if len(terms) != 2 || terms[0] != "spam" || terms[1] != "buy now" {
		t.Errorf("Terms() = %q", terms)
	}
	if !cfg.Moderation.BlockLinks {
		t.Error("BlockLinks not loaded from env")
	}
}

// ---------------------------------------------------------------------------
// Seed file
// ---------------------------------------------------------------------------

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestLoadSeed(t *testing.T) {
	path := writeSeed(t, `
groups:
  - id: general
    name: General
    visibility: public
    members: [alice, bob]
  - id: ops
    members: [carol]
`)
	groups, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed() error: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].ID != "general" || groups[0].Visibility != "public" || len(groups[0].Members) != 2 {
		t.Errorf("groups[0] = %+v", groups[0])
	}
	if groups[1].Members[0] != "carol" {
		t.Errorf("groups[1].Members = %v", groups[1].Members)
	}
}

func TestLoadSeed_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing id", "groups:\n  - members: [a]\n", "ID"},
		{"no members", "groups:\n  - id: g\n", "Members"},
		{"bad visibility", "groups:\n  - id: g\n    visibility: secret\n    members: [a]\n", "Visibility"},
		{"duplicate id", "groups:\n  - id: g\n    members: [a]\n  - id: g\n    members: [b]\n", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSeed(writeSeed(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadSeed_MissingFile(t *testing.T) {
	if _, err := LoadSeed(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
