package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Output    OutputConfig
	Assets    AssetsConfig
	Feishu    FeishuConfig
	Writeback WritebackConfig
	Resolver  ResolverConfig
	MCP       MCPConfig
}

type ServerConfig struct {
	Host      string
	Port      int
	PublicURL string
	APIToken  string
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type OutputConfig struct {
	Dir string
}

type AssetsConfig struct {
	Dir      string
	FontPath string
}

type FeishuConfig struct {
	BaseURL     string
	AppID       string
	AppSecret   string
	DebugOpenID string
	SendEnabled bool
}

type WritebackConfig struct {
	Field       string
	StatusField string
}

type ResolverConfig struct {
	Timeout  time.Duration
	Deadline time.Duration
	MinBytes int
}

type MCPConfig struct {
	Enabled bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Output:  OutputConfig{Dir: "./output"},
		Assets:  AssetsConfig{Dir: "./assets"},
		Feishu: FeishuConfig{
			BaseURL:     "https://open.feishu.cn",
			SendEnabled: true,
		},
		Resolver: ResolverConfig{
			Timeout:  15 * time.Second,
			Deadline: 45 * time.Second,
			MinBytes: 1024,
		},
	}
}

// Load reads configuration from the JSON config file, the secrets file and
// environment variables.
//
// The config file lives at $XDG_CONFIG_HOME/cardbot/config.json. Secrets are
// never read from it; they come from CARDBOT_* environment variables or
// $XDG_DATA_HOME/cardbot/secrets.json. Environment variables override file
// values.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := secrets.Get(secretService, s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports values the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	if c.Resolver.Timeout <= 0 {
		errs = append(errs, errors.New("resolver.timeout must be positive"))
	}
	if c.Resolver.Deadline < c.Resolver.Timeout {
		errs = append(errs, errors.New("resolver.deadline must not be shorter than resolver.timeout"))
	}
	if c.Resolver.MinBytes < 0 {
		errs = append(errs, errors.New("resolver.min_bytes must not be negative"))
	}
	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir must be set"))
	}
	if (c.Feishu.AppID == "") != (c.Feishu.AppSecret == "") {
		errs = append(errs, errors.New("feishu.app_id and feishu.app_secret must be set together (secret via CARDBOT_FEISHU_APP_SECRET)"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// FeishuConfigured reports whether app credentials are available.
func (c Config) FeishuConfigured() bool {
	return c.Feishu.AppID != "" && c.Feishu.AppSecret != ""
}
