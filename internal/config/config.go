package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Storage     StorageConfig             `json:"storage" yaml:"storage"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Auth        AuthConfig                `json:"auth" yaml:"auth"`
	Chat        ChatConfig                `json:"chat" yaml:"chat"`
	Provider    string                    `json:"provider" yaml:"provider"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
}

type BasicConfig struct {
	ServerAddress     string   `json:"server_address" yaml:"server_address"`
	Environment       string   `json:"environment" yaml:"environment"`
	LogFile           string   `json:"log_file" yaml:"log_file"`
	CORSOrigins       []string `json:"cors_origins" yaml:"cors_origins"`
	MinWorkers        int      `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int      `json:"max_workers" yaml:"max_workers"`
	QueueSize         int      `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int      `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // seconds
}

// StorageConfig selects the document store. Driver is "file", "sqlite3" or "mysql".
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Path   string `json:"path" yaml:"path"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type AuthConfig struct {
	Enabled  bool `json:"enabled" yaml:"enabled"`
	TokenTTL int  `json:"token_ttl" yaml:"token_ttl"` // minutes
}

// ChatConfig holds the conversation tuning knobs.
type ChatConfig struct {
	HistoryWindow  int `json:"history_window" yaml:"history_window"`
	ExtractEvery   int `json:"extract_every" yaml:"extract_every"`
	TitleLength    int `json:"title_length" yaml:"title_length"`
	ExtractTimeout int `json:"extract_timeout" yaml:"extract_timeout"` // seconds
}

type ProviderConfig struct {
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Model       string  `json:"model" yaml:"model"`
	APIKey      string  `json:"api_key" yaml:"api_key"`
	Temperature float32 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress:     ":5000",
			Environment:       "development",
			CORSOrigins:       []string{"*"},
			MinWorkers:        1,
			MaxWorkers:        4,
			QueueSize:         64,
			WorkerIdleTimeout: 30,
		},
		Storage: StorageConfig{Driver: "file", Path: "database.json"},
		Redis:   RedisConfig{Host: "127.0.0.1", Port: 6379},
		Auth:    AuthConfig{TokenTTL: 24 * 60},
		Chat: ChatConfig{
			HistoryWindow:  10,
			ExtractEvery:   2,
			TitleLength:    30,
			ExtractTimeout: 60,
		},
		Provider: "gemini",
		Providers: map[string]ProviderConfig{
			"gemini": {Model: "gemini-2.5-flash", Temperature: 0.7, MaxTokens: 500},
		},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing file is not an error: defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("KAICHAT_CONFIG")
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := decode(file, absPath, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	applyEnv(cfg)
	if err := cfg.normalize(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(r).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.NewDecoder(r).Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.BasicConfig.ServerAddress = ":" + port
	}
	if v := os.Getenv("KAICHAT_ENV"); v != "" {
		cfg.BasicConfig.Environment = v
	}
	if v := os.Getenv("KAICHAT_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("KAICHAT_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("KAICHAT_DB_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Enabled = true
		host, port, found := strings.Cut(addr, ":")
		cfg.Redis.Host = host
		if found {
			if p, err := strconv.Atoi(port); err == nil {
				cfg.Redis.Port = p
			}
		}
	}
	if v := os.Getenv("KAICHAT_AUTH"); v != "" {
		cfg.Auth.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("KAICHAT_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		p := cfg.Providers["gemini"]
		p.APIKey = key
		cfg.Providers["gemini"] = p
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p := cfg.Providers["openai"]
		p.APIKey = key
		cfg.Providers["openai"] = p
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p := cfg.Providers["claude"]
		p.APIKey = key
		cfg.Providers["claude"] = p
	}
}

func (c *Config) normalize(baseDir string) error {
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case "", "file", "json":
		c.Storage.Driver = "file"
		if c.Storage.Path == "" {
			return errors.New("storage.path must be configured")
		}
	case "sqlite", "sqlite3":
		c.Storage.Driver = "sqlite3"
		if c.Storage.DSN == "" && c.Storage.Path == "" {
			return errors.New("storage.dsn or storage.path must be configured for sqlite3")
		}
	case "mysql":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn must be configured for mysql")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Storage.Path != "" && !filepath.IsAbs(c.Storage.Path) {
		c.Storage.Path = filepath.Join(baseDir, c.Storage.Path)
	}
	if c.BasicConfig.LogFile != "" && !filepath.IsAbs(c.BasicConfig.LogFile) {
		c.BasicConfig.LogFile = filepath.Join(baseDir, c.BasicConfig.LogFile)
	}
	if c.Chat.HistoryWindow <= 0 {
		c.Chat.HistoryWindow = 10
	}
	if c.Chat.ExtractEvery <= 0 {
		c.Chat.ExtractEvery = 2
	}
	if c.Chat.TitleLength <= 0 {
		c.Chat.TitleLength = 30
	}
	return nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.BasicConfig.Environment, "production")
}

// ActiveProvider returns the name and settings of the selected model provider.
func (c *Config) ActiveProvider() (string, ProviderConfig) {
	name := c.Provider
	if name == "" {
		name = "gemini"
	}
	return name, c.Providers[name]
}
