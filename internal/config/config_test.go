package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// mockSecrets is a test double for the secret store.
type mockSecrets map[string]string

func (m mockSecrets) Get(service, account string) (string, error) {
	if service != secretService {
		return "", errors.New("wrong service")
	}
	v, ok := m[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return newFileBackend(path)
}

// clearEnv blanks every variable the loader reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
		if s.legacy != "" {
			t.Setenv(s.legacy, "")
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, ""), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := defaults()
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	if cfg.Server.Port != 3000 || cfg.Resolver.MinBytes != 1024 || cfg.Resolver.Timeout != 15*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.FeishuConfigured() {
		t.Error("FeishuConfigured true without credentials")
	}
}

func TestFileValues(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{
  "server.port": 8080,
  "feishu.app_id": "cli_file",
  "feishu.send_enabled": "false",
  "resolver.deadline": "1m",
  "writeback.field": "图片标识",
  "mcp.enabled": true,
  "feishu.app_secret": "ignored-in-file"
}`)
	cfg, err := loadWith(b, mockSecrets{"feishu.app_secret": "from-secrets"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Feishu.AppID != "cli_file" || cfg.Feishu.SendEnabled {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Resolver.Deadline != time.Minute || cfg.Writeback.Field != "图片标识" || !cfg.MCP.Enabled {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Feishu.AppSecret != "from-secrets" {
		t.Errorf("AppSecret = %q, want value from secrets file", cfg.Feishu.AppSecret)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"server.port": 8080, "log.level": "warn"}`)
	t.Setenv("CARDBOT_SERVER_PORT", "9090")
	t.Setenv("CARDBOT_RESOLVER_TIMEOUT", "5s")
	t.Setenv("CARDBOT_FEISHU_APP_ID", "cli_env")
	t.Setenv("CARDBOT_FEISHU_APP_SECRET", "env-secret")

	cfg, err := loadWith(b, mockSecrets{"feishu.app_secret": "file-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Log.Level != "warn" || cfg.Resolver.Timeout != 5*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Feishu.AppSecret != "env-secret" {
		t.Errorf("AppSecret = %q, env should win", cfg.Feishu.AppSecret)
	}
	if !cfg.FeishuConfigured() {
		t.Error("FeishuConfigured = false")
	}
}

func TestLegacyEnvNames(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "5000")
	t.Setenv("FEISHU_APP_ID", "cli_legacy")
	t.Setenv("FEISHU_APP_SECRET", "legacy-secret")
	t.Setenv("OUTPUT_DIR", "/tmp/cards")
	t.Setenv("CARDBOT_OUTPUT_DIR", "/srv/cards")

	cfg, err := loadWith(writeTempConfig(t, ""), mockSecrets{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 5000 || cfg.Feishu.AppID != "cli_legacy" || cfg.Feishu.AppSecret != "legacy-secret" {
		t.Errorf("legacy env not applied: %+v", cfg)
	}
	if cfg.Output.Dir != "/srv/cards" {
		t.Errorf("Output.Dir = %q, CARDBOT_ name should win", cfg.Output.Dir)
	}
}

func TestInvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("CARDBOT_SERVER_PORT", "not-a-port")
	t.Setenv("CARDBOT_MCP_ENABLED", "maybe")
	cfg, err := loadWith(writeTempConfig(t, ""), mockSecrets{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 3000 || cfg.MCP.Enabled {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"timeout", func(c *Config) { c.Resolver.Timeout = 0 }, "resolver.timeout"},
		{"deadline", func(c *Config) { c.Resolver.Deadline = time.Second }, "resolver.deadline"},
		{"min bytes", func(c *Config) { c.Resolver.MinBytes = -1 }, "resolver.min_bytes"},
		{"half credentials", func(c *Config) { c.Feishu.AppID = "cli_x" }, "feishu.app_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.want)
			}
		})
	}
	if err := defaults().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, "")
	if err := setKey(b, "server.port", "8081"); err != nil {
		t.Fatal(err)
	}
	if err := setKey(b, "resolver.timeout", "20s"); err != nil {
		t.Fatal(err)
	}
	if err := setKey(b, "feishu.send_enabled", "0"); err != nil {
		t.Fatal(err)
	}

	for _, bad := range []struct{ key, val string }{
		{"server.port", "abc"},
		{"resolver.timeout", "soon"},
		{"feishu.app_secret", "x"},
		{"nope.key", "x"},
	} {
		if err := setKey(b, bad.key, bad.val); err == nil {
			t.Errorf("setKey(%s, %s) succeeded", bad.key, bad.val)
		}
	}

	// Reload from disk.
	clearEnv(t)
	cfg, err := loadWith(newFileBackend(b.path), mockSecrets{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8081 || cfg.Resolver.Timeout != 20*time.Second || cfg.Feishu.SendEnabled {
		t.Errorf("persisted values not loaded: %+v", cfg)
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Feishu.AppSecret = "supersecretvalue"
	var secret, token KeyInfo
	for _, k := range ShowAll(cfg) {
		switch k.Key {
		case "feishu.app_secret":
			secret = k
		case "server.api_token":
			token = k
		}
	}
	if secret.Value != "su******ue" || !secret.Secret {
		t.Errorf("secret shown as %+v", secret)
	}
	if token.Value != "(unset)" {
		t.Errorf("unset token shown as %q", token.Value)
	}
	for _, k := range ValidKeys() {
		if k == "feishu.app_secret" || k == "server.api_token" {
			t.Errorf("ValidKeys includes secret %s", k)
		}
	}
}

func TestSecretsFile(t *testing.T) {
	f := secretsFile{path: filepath.Join(t.TempDir(), "sub", "secrets.json")}
	if _, err := f.Get(secretService, "feishu.app_secret"); err == nil {
		t.Error("Get on missing file succeeded")
	}
	if err := f.Set(secretService, "feishu.app_secret", "s3"); err != nil {
		t.Fatal(err)
	}
	got, err := f.Get(secretService, "feishu.app_secret")
	if err != nil || got != "s3" {
		t.Errorf("Get = %q, %v", got, err)
	}
	info, err := os.Stat(f.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets mode = %v, want 0600", info.Mode().Perm())
	}
}
