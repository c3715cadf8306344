package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" toml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" toml:"databases"`
	Redis       RedisConfig               `json:"redis" toml:"redis"`
	Providers   map[string]ProviderConfig `json:"providers" toml:"providers"`
	Chat        ChatConfig                `json:"chat" toml:"chat"`
	Auth        AuthConfig                `json:"auth" toml:"auth"`
	Telemetry   TelemetryConfig           `json:"telemetry" toml:"telemetry"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" toml:"base_url"`
	Model   string `json:"model" toml:"model"`
	APIKey  string `json:"api_key" toml:"api_key"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" toml:"server_address"`
	// Database selects the entry of Databases to open.
	Database           string `json:"database" toml:"database"`
	MinWorkers         int    `json:"min_workers" toml:"min_workers"`
	MaxWorkers         int    `json:"max_workers" toml:"max_workers"`
	QueueSize          int    `json:"queue_size" toml:"queue_size"`
	WorkerIdleTimeout  int    `json:"worker_idle_timeout" toml:"worker_idle_timeout"`   // minutes
	SendTimeout        int    `json:"send_timeout" toml:"send_timeout"`                 // seconds
	TokenTTL           int    `json:"token_ttl" toml:"token_ttl"`                       // hours
	TokenCleanInterval int    `json:"token_clean_interval" toml:"token_clean_interval"` // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" toml:"dsn"`
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DBName   string `json:"dbname" toml:"dbname"`
	Params   string `json:"params" toml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" toml:"enabled"`
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DB       int    `json:"db" toml:"db"`
}

// GenerationConfig holds sampling parameters passed to the model.
type GenerationConfig struct {
	Temperature     float32 `json:"temperature" toml:"temperature"`
	TopP            float32 `json:"top_p" toml:"top_p"`
	TopK            float32 `json:"top_k" toml:"top_k"`
	MaxOutputTokens int32   `json:"max_output_tokens" toml:"max_output_tokens"`
}

type ChatConfig struct {
	Provider      string           `json:"provider" toml:"provider"`
	TitleProvider string           `json:"title_provider" toml:"title_provider"`
	TitleModel    string           `json:"title_model" toml:"title_model"`
	WebSearch     bool             `json:"web_search" toml:"web_search"`
	Search        SearchConfig     `json:"search" toml:"search"`
	Session       GenerationConfig `json:"session" toml:"session"`
	Stateless     GenerationConfig `json:"stateless" toml:"stateless"`
}

// SearchConfig configures the web search tool. Google is used when both
// credentials are set; DuckDuckGo needs none.
type SearchConfig struct {
	GoogleAPIKey   string `json:"google_api_key" toml:"google_api_key"`
	GoogleEngineID string `json:"google_engine_id" toml:"google_engine_id"`
	MaxResults     int    `json:"max_results" toml:"max_results"`
}

type AuthConfig struct {
	OTPIssuer      string `json:"otp_issuer" toml:"otp_issuer"`
	OTPPeriod      uint   `json:"otp_period" toml:"otp_period"`           // seconds
	ResendInterval int    `json:"resend_interval" toml:"resend_interval"` // seconds
}

type TelemetryConfig struct {
	LogDir      string `json:"log_dir" toml:"log_dir"`
	LogLevel    string `json:"log_level" toml:"log_level"`
	ServiceName string `json:"service_name" toml:"service_name"`
	Tracing     bool   `json:"tracing" toml:"tracing"`
	Metrics     bool   `json:"metrics" toml:"metrics"`
}

var (
	DefaultSessionGeneration   = GenerationConfig{Temperature: 0.9, TopP: 1, TopK: 1, MaxOutputTokens: 2048}
	DefaultStatelessGeneration = GenerationConfig{Temperature: 0.7, TopP: 0.8, TopK: 40, MaxOutputTokens: 2048}
)

var providerKeyEnv = map[string]string{
	"gemini": "GEMINI_API_KEY",
	"openai": "OPENAI_API_KEY",
	"claude": "ANTHROPIC_API_KEY",
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .toml are decoded as TOML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(absPath), ".toml") {
		if _, err := toml.DecodeFile(absPath, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(absPath)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", absPath, err)
		}
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(absPath))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" && c.Chat.Search.GoogleAPIKey == "" {
		c.Chat.Search.GoogleAPIKey = v
	}
	if v := os.Getenv("GOOGLE_SEARCH_ENGINE_ID"); v != "" && c.Chat.Search.GoogleEngineID == "" {
		c.Chat.Search.GoogleEngineID = v
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, env := range providerKeyEnv {
		key := os.Getenv(env)
		if key == "" {
			continue
		}
		p := c.Providers[name]
		if p.APIKey == "" {
			p.APIKey = key
			c.Providers[name] = p
		}
	}
}

func (c *Config) applyDefaults(baseDir string) {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.Database == "" {
		b.Database = "sqlite3"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.SendTimeout <= 0 {
		b.SendTimeout = 120
	}
	if b.TokenTTL <= 0 {
		b.TokenTTL = 24
	}
	if b.TokenCleanInterval <= 0 {
		b.TokenCleanInterval = 30
	}

	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	for name, db := range c.Databases {
		if isSQLite(name) && db.DSN != "" && !strings.HasPrefix(db.DSN, ":memory:") &&
			!strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(baseDir, db.DSN)
			c.Databases[name] = db
		}
	}
	if _, ok := c.Databases[b.Database]; !ok && isSQLite(b.Database) {
		c.Databases[b.Database] = DatabaseConfig{DSN: filepath.Join(baseDir, "geminichat.db")}
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Chat.Provider == "" {
		c.Chat.Provider = "gemini"
	}
	if c.Chat.TitleProvider == "" {
		c.Chat.TitleProvider = c.Chat.Provider
	}
	if c.Chat.Session == (GenerationConfig{}) {
		c.Chat.Session = DefaultSessionGeneration
	}
	if c.Chat.Stateless == (GenerationConfig{}) {
		c.Chat.Stateless = DefaultStatelessGeneration
	}
	if c.Chat.Search.MaxResults <= 0 {
		c.Chat.Search.MaxResults = 5
	}

	if c.Auth.OTPIssuer == "" {
		c.Auth.OTPIssuer = "geminichat"
	}
	if c.Auth.OTPPeriod == 0 {
		c.Auth.OTPPeriod = 600
	}
	if c.Auth.ResendInterval <= 0 {
		c.Auth.ResendInterval = 60
	}

	if c.Telemetry.LogDir == "" {
		c.Telemetry.LogDir = "logs"
	}
	if !filepath.IsAbs(c.Telemetry.LogDir) {
		c.Telemetry.LogDir = filepath.Join(baseDir, c.Telemetry.LogDir)
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "info"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "geminichat"
	}
}

func (c *Config) validate() error {
	if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.Database)
	}
	switch c.Chat.Provider {
	case "gemini", "openai", "claude":
	default:
		return fmt.Errorf("unsupported chat provider: %s", c.Chat.Provider)
	}
	return nil
}

// Provider returns the settings of the named provider, empty when unset.
func (c *Config) Provider(name string) ProviderConfig {
	return c.Providers[name]
}

func isSQLite(name string) bool {
	name = strings.ToLower(name)
	return name == "sqlite" || name == "sqlite3"
}
