package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/stellarlinkco/bennet/internal/errs"
)

const (
	DefaultModel         = "gpt-4o-mini"
	DefaultMaxTokens     = 1024
	DefaultTemperature   = 0.7
	DefaultSystemMessage = "You are a helpful assistant."
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 18790
	DefaultBufSize       = 100

	DefaultMaxHistoryLength   = 10
	DefaultMaxTokenLimit      = 8000
	DefaultTokenSafetyMargin  = 200
	DefaultTokensPerCharacter = 0.25

	DefaultPollInterval   = 1
	DefaultRetryDelay     = 5
	DefaultModuleRetries  = 3
	DefaultReloadDebounce = 2

	DefaultRateLimitRequests = 20
	DefaultRateLimitWindow   = 60
	DefaultProviderRetries   = 3
	DefaultBackoffInitial    = 1.0
	DefaultBackoffMultiplier = 1.5
	DefaultRateLimitDelay    = 60
	DefaultProviderTimeout   = 60

	DefaultRedisKey = "bennet:module_states"
)

// Provider types accepted by ProviderConfig.Type.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
	ProviderDeepSeek   = "deepseek"
	ProviderOllama     = "ollama"
)

type Config struct {
	Log       LogConfig        `json:"log"`
	Agent     AgentConfig      `json:"agent"`
	Provider  ProviderConfig   `json:"provider"`
	Fallbacks []ProviderConfig `json:"fallbacks,omitempty"`
	History   HistoryConfig    `json:"history"`
	Modules   ModulesConfig    `json:"modules"`
	Channels  ChannelsConfig   `json:"channels"`
	Gateway   GatewayConfig    `json:"gateway"`
	RateLimit RateLimitConfig  `json:"rateLimit"`
	Retry     RetryConfig      `json:"retry"`
}

type LogConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`
	Format string `json:"format" envconfig:"FORMAT"` // "console" or "json"
}

type AgentConfig struct {
	Model         string  `json:"model" envconfig:"MODEL"`
	MaxTokens     int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature   float64 `json:"temperature" envconfig:"TEMPERATURE"`
	SystemMessage string  `json:"systemMessage" envconfig:"SYSTEM_MESSAGE"`
}

type ProviderConfig struct {
	Type           string `json:"type,omitempty" envconfig:"TYPE"` // openai (default), anthropic, openrouter, deepseek, ollama
	APIKey         string `json:"apiKey" envconfig:"API_KEY"`
	BaseURL        string `json:"baseUrl,omitempty" envconfig:"BASE_URL"`
	Model          string `json:"model,omitempty" envconfig:"MODEL"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" envconfig:"TIMEOUT_SECONDS"`
}

type HistoryConfig struct {
	DBPath             string  `json:"dbPath,omitempty" envconfig:"DB_PATH"`
	Driver             string  `json:"driver,omitempty" envconfig:"DRIVER"` // "sqlite" (default) or "sqlite3"
	MaxHistoryLength   int     `json:"maxHistoryLength" envconfig:"MAX_HISTORY_LENGTH"`
	MaxTokenLimit      int     `json:"maxTokenLimit" envconfig:"MAX_TOKEN_LIMIT"`
	TokenSafetyMargin  int     `json:"tokenSafetyMargin" envconfig:"TOKEN_SAFETY_MARGIN"`
	TokensPerCharacter float64 `json:"tokensPerCharacter" envconfig:"TOKENS_PER_CHARACTER"`
}

type ModulesConfig struct {
	Enabled            bool                      `json:"enabled" envconfig:"ENABLED"`
	Dir                string                    `json:"dir,omitempty" envconfig:"DIR"`
	HotReload          bool                      `json:"hotReload" envconfig:"HOT_RELOAD"`
	StateBackend       string                    `json:"stateBackend,omitempty" envconfig:"STATE_BACKEND"` // "file" (default) or "redis"
	StatePath          string                    `json:"statePath,omitempty" envconfig:"STATE_PATH"`
	Redis              RedisConfig               `json:"redis" ignored:"true"`
	PollIntervalSecs   int                       `json:"pollIntervalSeconds" envconfig:"POLL_INTERVAL_SECONDS"`
	RetryDelaySecs     int                       `json:"retryDelaySeconds" envconfig:"RETRY_DELAY_SECONDS"`
	MaxRetries         int                       `json:"maxRetries" envconfig:"MAX_RETRIES"`
	ReloadDebounceSecs int                       `json:"reloadDebounceSeconds" envconfig:"RELOAD_DEBOUNCE_SECONDS"`
	Settings           map[string]map[string]any `json:"settings,omitempty" ignored:"true"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty" envconfig:"REDIS_ADDR"`
	Password string `json:"password,omitempty" envconfig:"REDIS_PASSWORD"`
	DB       int    `json:"db,omitempty" envconfig:"REDIS_DB"`
	Key      string `json:"key,omitempty" envconfig:"REDIS_KEY"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WebUI    WebUIConfig    `json:"webui"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" envconfig:"ENABLED"`
	Token     string   `json:"token" envconfig:"TOKEN"`
	AllowFrom []string `json:"allowFrom" envconfig:"ALLOW_FROM"`
	Proxy     string   `json:"proxy,omitempty" envconfig:"PROXY"`
}

type WebUIConfig struct {
	Enabled bool `json:"enabled" envconfig:"ENABLED"`
}

type GatewayConfig struct {
	Host         string `json:"host" envconfig:"HOST"`
	Port         int    `json:"port" envconfig:"PORT"`
	AdminChannel string `json:"adminChannel,omitempty" envconfig:"ADMIN_CHANNEL"`
	AdminChatID  string `json:"adminChatId,omitempty" envconfig:"ADMIN_CHAT_ID"`
}

type RateLimitConfig struct {
	Requests      int `json:"requests" envconfig:"REQUESTS"`
	WindowSeconds int `json:"windowSeconds" envconfig:"WINDOW_SECONDS"`
}

type RetryConfig struct {
	MaxRetries         int     `json:"maxRetries" envconfig:"MAX_RETRIES"`
	InitialSeconds     float64 `json:"initialSeconds" envconfig:"INITIAL_SECONDS"`
	Multiplier         float64 `json:"multiplier" envconfig:"MULTIPLIER"`
	RateLimitDelaySecs int     `json:"rateLimitDelaySeconds" envconfig:"RATE_LIMIT_DELAY_SECONDS"`
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Agent: AgentConfig{
			Model:         DefaultModel,
			MaxTokens:     DefaultMaxTokens,
			Temperature:   DefaultTemperature,
			SystemMessage: DefaultSystemMessage,
		},
		Provider: ProviderConfig{Type: ProviderOpenAI, TimeoutSeconds: DefaultProviderTimeout},
		History: HistoryConfig{
			DBPath:             filepath.Join(dir, "data", "chat_history.db"),
			Driver:             "sqlite",
			MaxHistoryLength:   DefaultMaxHistoryLength,
			MaxTokenLimit:      DefaultMaxTokenLimit,
			TokenSafetyMargin:  DefaultTokenSafetyMargin,
			TokensPerCharacter: DefaultTokensPerCharacter,
		},
		Modules: ModulesConfig{
			Enabled:            true,
			Dir:                filepath.Join(dir, "modules"),
			HotReload:          true,
			StateBackend:       "file",
			StatePath:          filepath.Join(dir, "data", "module_states.json"),
			Redis:              RedisConfig{Addr: "localhost:6379", Key: DefaultRedisKey},
			PollIntervalSecs:   DefaultPollInterval,
			RetryDelaySecs:     DefaultRetryDelay,
			MaxRetries:         DefaultModuleRetries,
			ReloadDebounceSecs: DefaultReloadDebounce,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		RateLimit: RateLimitConfig{
			Requests:      DefaultRateLimitRequests,
			WindowSeconds: DefaultRateLimitWindow,
		},
		Retry: RetryConfig{
			MaxRetries:         DefaultProviderRetries,
			InitialSeconds:     DefaultBackoffInitial,
			Multiplier:         DefaultBackoffMultiplier,
			RateLimitDelaySecs: DefaultRateLimitDelay,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".bennet")
}

func ConfigPath() string {
	if p := os.Getenv("BENNET_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

// LoadConfigFrom reads path (a missing file means defaults) and applies the
// environment overlay. It does not validate.
func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errs.E(errs.ErrConfig, "parse config", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, errs.E(errs.ErrConfig, "apply env", err)
	}
	fillDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		spec   any
	}{
		{"BENNET_LOG", &cfg.Log},
		{"BENNET_AGENT", &cfg.Agent},
		{"BENNET_PROVIDER", &cfg.Provider},
		{"BENNET_HISTORY", &cfg.History},
		{"BENNET_MODULES", &cfg.Modules},
		{"BENNET_MODULES", &cfg.Modules.Redis},
		{"BENNET_TELEGRAM", &cfg.Channels.Telegram},
		{"BENNET_WEBUI", &cfg.Channels.WebUI},
		{"BENNET_GATEWAY", &cfg.Gateway},
		{"BENNET_RATE_LIMIT", &cfg.RateLimit},
		{"BENNET_RETRY", &cfg.Retry},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.spec); err != nil {
			return fmt.Errorf("%s: %w", s.prefix, err)
		}
	}

	// Conventional provider keys, used only when nothing more specific is set.
	if cfg.Provider.APIKey == "" {
		keyEnv := map[string]string{
			ProviderOpenAI:     "OPENAI_API_KEY",
			ProviderAnthropic:  "ANTHROPIC_API_KEY",
			ProviderOpenRouter: "OPENROUTER_API_KEY",
			ProviderDeepSeek:   "DEEPSEEK_API_KEY",
		}
		if name, ok := keyEnv[cfg.Provider.Type]; ok {
			cfg.Provider.APIKey = os.Getenv(name)
		}
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" && cfg.Channels.Telegram.Token == "" {
		cfg.Channels.Telegram.Token = token
	}
	return nil
}

func fillDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = ProviderOpenAI
	}
	if cfg.Provider.TimeoutSeconds <= 0 {
		cfg.Provider.TimeoutSeconds = DefaultProviderTimeout
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.SystemMessage == "" {
		cfg.Agent.SystemMessage = DefaultSystemMessage
	}
	if cfg.History.DBPath == "" {
		cfg.History.DBPath = def.History.DBPath
	}
	if cfg.History.Driver == "" {
		cfg.History.Driver = def.History.Driver
	}
	if cfg.History.TokensPerCharacter <= 0 {
		cfg.History.TokensPerCharacter = DefaultTokensPerCharacter
	}
	if cfg.Modules.Dir == "" {
		cfg.Modules.Dir = def.Modules.Dir
	}
	if cfg.Modules.StatePath == "" {
		cfg.Modules.StatePath = def.Modules.StatePath
	}
	if cfg.Modules.Redis.Key == "" {
		cfg.Modules.Redis.Key = DefaultRedisKey
	}
	if cfg.Modules.PollIntervalSecs <= 0 {
		cfg.Modules.PollIntervalSecs = DefaultPollInterval
	}
	if cfg.Modules.ReloadDebounceSecs <= 0 {
		cfg.Modules.ReloadDebounceSecs = DefaultReloadDebounce
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		cfg.RateLimit.WindowSeconds = DefaultRateLimitWindow
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = DefaultBackoffMultiplier
	}
	if cfg.Retry.InitialSeconds <= 0 {
		cfg.Retry.InitialSeconds = DefaultBackoffInitial
	}
}

// Validate reports settings that make the service unable to start.
func (c *Config) Validate() error {
	var problems []string
	switch c.Provider.Type {
	case ProviderOpenAI, ProviderAnthropic, ProviderOpenRouter, ProviderDeepSeek:
		if c.Provider.APIKey == "" {
			problems = append(problems, fmt.Sprintf("provider %s: api key not set", c.Provider.Type))
		}
	case ProviderOllama:
	default:
		problems = append(problems, fmt.Sprintf("unknown provider type %q", c.Provider.Type))
	}
	if c.History.MaxHistoryLength <= 0 {
		problems = append(problems, "history.maxHistoryLength must be positive")
	}
	if c.History.MaxTokenLimit <= c.History.TokenSafetyMargin {
		problems = append(problems, "history.maxTokenLimit must exceed history.tokenSafetyMargin")
	}
	if c.History.TokenSafetyMargin < 0 {
		problems = append(problems, "history.tokenSafetyMargin must not be negative")
	}
	switch c.History.Driver {
	case "sqlite", "sqlite3":
	default:
		problems = append(problems, fmt.Sprintf("unknown history driver %q", c.History.Driver))
	}
	switch c.Modules.StateBackend {
	case "", "file", "redis", "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown module state backend %q", c.Modules.StateBackend))
	}
	if c.Modules.MaxRetries < 0 || c.Retry.MaxRetries < 0 {
		problems = append(problems, "retry counts must not be negative")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		problems = append(problems, "telegram enabled but token not set")
	}
	if len(problems) > 0 {
		return errs.New(errs.ErrConfig, "validate config", "%s", strings.Join(problems, "; "))
	}
	return nil
}

func (m ModulesConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalSecs) * time.Second
}

func (m ModulesConfig) RetryDelay() time.Duration {
	return time.Duration(m.RetryDelaySecs) * time.Second
}

func (m ModulesConfig) ReloadDebounce() time.Duration {
	return time.Duration(m.ReloadDebounceSecs) * time.Second
}

func (r RetryConfig) Initial() time.Duration {
	return time.Duration(r.InitialSeconds * float64(time.Second))
}

func (r RetryConfig) RateLimitDelay() time.Duration {
	return time.Duration(r.RateLimitDelaySecs) * time.Second
}

func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func SaveConfig(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
