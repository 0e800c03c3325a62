package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Server   struct {
		URL            string `json:"url"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	} `json:"server"`
	Auth struct {
		Token  string `json:"token" secret:"true"`
		Header string `json:"header"`
	} `json:"auth"`
	Session struct {
		Interruption    string `json:"interruption"`
		AssistantChunks string `json:"assistant_chunks"`
	} `json:"session"`
	Health struct {
		Schedule string `json:"schedule"`
	} `json:"health"`
	Export struct {
		Concurrency int `json:"concurrency"`
	} `json:"export"`
	DevServer struct {
		Addr string `json:"addr"`
	} `json:"dev_server"`
}

// env holds the PACHA_* overrides. Empty values leave the file setting alone.
type env struct {
	URL        string `envconfig:"URL"`
	AuthToken  string `envconfig:"AUTH_TOKEN"`
	AuthHeader string `envconfig:"AUTH_HEADER"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
	DataDir    string `envconfig:"DATA_DIR"`
}

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "PACHA"

// DefaultPath returns ~/.pacha/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".pacha", "config.json")
}

func defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".pacha"),
		LogLevel: "info",
	}
	cfg.Server.URL = "http://localhost:8080"
	cfg.Server.TimeoutSeconds = 30
	cfg.Auth.Header = "X-Pacha-Auth-Token"
	cfg.Session.Interruption = "complete"
	cfg.Session.AssistantChunks = "concatenate"
	cfg.Health.Schedule = "@every 30s"
	cfg.Export.Concurrency = 4
	cfg.DevServer.Addr = "127.0.0.1:8080"
	return cfg
}

// Load reads the config file, writing defaults when it does not exist, and
// applies PACHA_* environment overrides.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	// Override from env (highest precedence)
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if e.URL != "" {
		cfg.Server.URL = e.URL
	}
	if e.AuthToken != "" {
		cfg.Auth.Token = e.AuthToken
	}
	if e.AuthHeader != "" {
		cfg.Auth.Header = e.AuthHeader
	}
	if e.LogLevel != "" {
		cfg.LogLevel = e.LogLevel
	}
	if e.DataDir != "" {
		cfg.DataDir = e.DataDir
	}

	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Timeout returns the HTTP timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// JournalDir is where received events are recorded.
func (c *Config) JournalDir() string {
	return filepath.Join(c.DataDir, "journal")
}

// Validate checks the settings that have a closed set of values.
func (c *Config) Validate() error {
	switch c.Session.Interruption {
	case "complete", "report":
	default:
		return fmt.Errorf("session.interruption must be complete or report, got %q", c.Session.Interruption)
	}
	switch c.Session.AssistantChunks {
	case "concatenate", "append":
	default:
		return fmt.Errorf("session.assistant_chunks must be concatenate or append, got %q", c.Session.AssistantChunks)
	}
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Export.Concurrency < 1 {
		return fmt.Errorf("export.concurrency must be at least 1, got %d", c.Export.Concurrency)
	}
	return nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ListValues returns every setting by dotted key, masking secrets when
// mask is set.
func ListValues(cfg *Config, mask bool) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v := k.Get(cfg)
		if s, ok := v.(string); ok && mask && k.Secret {
			v = Mask(s)
		}
		out[k.Name] = v
	}
	return out
}

// GetValue returns the stored value of a dotted key, ignoring environment
// overrides.
func GetValue(path, key string) (any, error) {
	k, ok := LookupKey(key)
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	return k.Get(cfg), nil
}

// SetValue stores value under a dotted key in an existing config file. The
// value is parsed by the key's type and the result must validate.
func SetValue(path, key, value string) error {
	k, ok := LookupKey(key)
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	cfg, err := loadFile(path)
	if err != nil {
		return err
	}
	if err := k.Set(cfg, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return Save(path, cfg)
}
