package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	legacy  string // env name used by earlier deployments
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "CARDBOT_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "CARDBOT_SERVER_PORT", legacy: "PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.public_url", typ: kString, env: "CARDBOT_SERVER_PUBLIC_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.PublicURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.PublicURL },
	},
	{
		key: "server.api_token", typ: kString, env: "CARDBOT_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "CARDBOT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CARDBOT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "output.dir", typ: kString, env: "CARDBOT_OUTPUT_DIR", legacy: "OUTPUT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Output.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Output.Dir },
	},
	{
		key: "assets.dir", typ: kString, env: "CARDBOT_ASSETS_DIR", legacy: "ASSETS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Assets.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Assets.Dir },
	},
	{
		key: "assets.font_path", typ: kString, env: "CARDBOT_ASSETS_FONT_PATH",
		apply:   func(cfg *Config, v any) { cfg.Assets.FontPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Assets.FontPath },
	},
	{
		key: "feishu.base_url", typ: kString, env: "CARDBOT_FEISHU_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Feishu.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Feishu.BaseURL },
	},
	{
		key: "feishu.app_id", typ: kString, env: "CARDBOT_FEISHU_APP_ID", legacy: "FEISHU_APP_ID",
		apply:   func(cfg *Config, v any) { cfg.Feishu.AppID = v.(string) },
		extract: func(cfg Config) any { return cfg.Feishu.AppID },
	},
	{
		key: "feishu.app_secret", typ: kString, env: "CARDBOT_FEISHU_APP_SECRET", legacy: "FEISHU_APP_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Feishu.AppSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Feishu.AppSecret },
	},
	{
		key: "feishu.debug_open_id", typ: kString, env: "CARDBOT_FEISHU_DEBUG_OPEN_ID", legacy: "FEISHU_DEBUG_OPEN_ID",
		apply:   func(cfg *Config, v any) { cfg.Feishu.DebugOpenID = v.(string) },
		extract: func(cfg Config) any { return cfg.Feishu.DebugOpenID },
	},
	{
		key: "feishu.send_enabled", typ: kBool, env: "CARDBOT_FEISHU_SEND_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Feishu.SendEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Feishu.SendEnabled },
	},
	{
		key: "writeback.field", typ: kString, env: "CARDBOT_WRITEBACK_FIELD",
		apply:   func(cfg *Config, v any) { cfg.Writeback.Field = v.(string) },
		extract: func(cfg Config) any { return cfg.Writeback.Field },
	},
	{
		key: "writeback.status_field", typ: kString, env: "CARDBOT_WRITEBACK_STATUS_FIELD",
		apply:   func(cfg *Config, v any) { cfg.Writeback.StatusField = v.(string) },
		extract: func(cfg Config) any { return cfg.Writeback.StatusField },
	},
	{
		key: "resolver.timeout", typ: kDuration, env: "CARDBOT_RESOLVER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Resolver.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Resolver.Timeout },
	},
	{
		key: "resolver.deadline", typ: kDuration, env: "CARDBOT_RESOLVER_DEADLINE",
		apply:   func(cfg *Config, v any) { cfg.Resolver.Deadline = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Resolver.Deadline },
	},
	{
		key: "resolver.min_bytes", typ: kInt, env: "CARDBOT_RESOLVER_MIN_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Resolver.MinBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Resolver.MinBytes },
	},
	{
		key: "mcp.enabled", typ: kBool, env: "CARDBOT_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.MCP.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.MCP.Enabled },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text into the Go type a key expects.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := s.env, os.Getenv(s.env)
		if raw == "" && s.legacy != "" {
			name, raw = s.legacy, os.Getenv(s.legacy)
		}
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", name, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
