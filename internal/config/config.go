// Package config loads skyth configuration from defaults, an optional YAML
// file, a .env file and SKYTH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	TTS     TTSConfig     `mapstructure:"tts" yaml:"tts"`
	Router  RouterConfig  `mapstructure:"router" yaml:"router"`
	Memory  MemoryConfig  `mapstructure:"memory" yaml:"memory"`
	Collab  CollabConfig  `mapstructure:"collab" yaml:"collab"`
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Uploads UploadsConfig `mapstructure:"uploads" yaml:"uploads"`
	MCP     MCPConfig     `mapstructure:"mcp" yaml:"mcp"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port           string        `mapstructure:"port" yaml:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	CORSOrigins    []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// StoreConfig selects the memory store engine
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite, duckdb
	Path   string `mapstructure:"path" yaml:"path"`
}

// ModelsConfig names the model used for each kind of call
type ModelsConfig struct {
	Conversational string `mapstructure:"conversational" yaml:"conversational"`
	Visualization  string `mapstructure:"visualization" yaml:"visualization"`
	Reasoning      string `mapstructure:"reasoning" yaml:"reasoning"`
	Utility        string `mapstructure:"utility" yaml:"utility"`
	Image          string `mapstructure:"image" yaml:"image"`
	ImageEdit      string `mapstructure:"image_edit" yaml:"image_edit"`
	TTS            string `mapstructure:"tts" yaml:"tts"`
	Transcribe     string `mapstructure:"transcribe" yaml:"transcribe"`
}

// LLMConfig holds the OpenAI-compatible endpoint settings
type LLMConfig struct {
	APIKey        string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	Models        ModelsConfig  `mapstructure:"models" yaml:"models"`
	CallTimeout   time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	RouterTimeout time.Duration `mapstructure:"router_timeout" yaml:"router_timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int           `mapstructure:"burst" yaml:"burst"`
}

// VoicesConfig maps personas to speech voices
type VoicesConfig struct {
	Default  string `mapstructure:"default" yaml:"default"`
	Academic string `mapstructure:"academic" yaml:"academic"`
	Coding   string `mapstructure:"coding" yaml:"coding"`
	Unhinged string `mapstructure:"unhinged" yaml:"unhinged"`
	Custom   string `mapstructure:"custom" yaml:"custom"`
}

// TTSConfig holds speech synthesis settings. Empty BaseURL and APIKey reuse the LLM endpoint.
type TTSConfig struct {
	BaseURL string       `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string       `mapstructure:"api_key" yaml:"api_key"`
	Voices  VoicesConfig `mapstructure:"voices" yaml:"voices"`
}

// RouterConfig bounds the history shown to the intent router
type RouterConfig struct {
	HistoryTurns  int `mapstructure:"history_turns" yaml:"history_turns"`
	HistoryTokens int `mapstructure:"history_tokens" yaml:"history_tokens"`
}

// MemoryConfig bounds context assembly and toggles fact extraction
type MemoryConfig struct {
	HistoryTurns  int  `mapstructure:"history_turns" yaml:"history_turns"`
	HistoryTokens int  `mapstructure:"history_tokens" yaml:"history_tokens"`
	Extract       bool `mapstructure:"extract" yaml:"extract"`
}

// CollabConfig holds external collaborator endpoints and limits
type CollabConfig struct {
	SearchURL        string        `mapstructure:"search_url" yaml:"search_url"`
	NewsURL          string        `mapstructure:"news_url" yaml:"news_url"`
	ScrapeTimeout    time.Duration `mapstructure:"scrape_timeout" yaml:"scrape_timeout"`
	MaxScrapeBytes   int64         `mapstructure:"max_scrape_bytes" yaml:"max_scrape_bytes"`
	StockCommand     string        `mapstructure:"stock_command" yaml:"stock_command"`
	StockTimeout     time.Duration `mapstructure:"stock_timeout" yaml:"stock_timeout"`
	ImageFallbackURL string        `mapstructure:"image_fallback_url" yaml:"image_fallback_url"`
}

// CacheConfig sizes the discover caches
type CacheConfig struct {
	Size        int           `mapstructure:"size" yaml:"size"`
	ArticlesTTL time.Duration `mapstructure:"articles_ttl" yaml:"articles_ttl"`
	ContentTTL  time.Duration `mapstructure:"content_ttl" yaml:"content_ttl"`
	TopicsTTL   time.Duration `mapstructure:"topics_ttl" yaml:"topics_ttl"`
}

// GoogleConfig holds OAuth client credentials
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
}

// AuthConfig holds session and OAuth settings
type AuthConfig struct {
	SessionSecret string        `mapstructure:"session_secret" yaml:"session_secret"`
	SessionTTL    time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	Google        GoogleConfig  `mapstructure:"google" yaml:"google"`
	LocalUser     string        `mapstructure:"local_user" yaml:"local_user"`
}

// OAuthEnabled reports whether Google login is configured
func (a AuthConfig) OAuthEnabled() bool {
	return a.Google.ClientID != "" && a.Google.ClientSecret != ""
}

// UploadsConfig limits upload sizes
type UploadsConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes" yaml:"max_bytes"`
}

// MCPConfig controls the MCP tool server
type MCPConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	User    string `mapstructure:"user" yaml:"user"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // console, json
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "5000",
			RequestTimeout: 60 * time.Second,
			BaseURL:        "http://localhost:5000",
			CORSOrigins:    []string{"*"},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "memory.db",
		},
		LLM: LLMConfig{
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/",
			Models: ModelsConfig{
				Conversational: "gemini-2.5-flash-lite",
				Visualization:  "gemini-2.5-flash",
				Reasoning:      "gemini-2.5-pro",
				Utility:        "gemini-2.5-flash-lite",
				Image:          "imagen-3.0-generate-002",
				ImageEdit:      "gemini-2.0-flash-preview-image-generation",
				TTS:            "tts-1",
				Transcribe:     "whisper-1",
			},
			CallTimeout:   60 * time.Second,
			RouterTimeout: 15 * time.Second,
			RatePerSecond: 5,
			Burst:         10,
		},
		TTS: TTSConfig{
			Voices: VoicesConfig{
				Default:  "en-US-AvaMultilingualNeural",
				Academic: "en-US-AndrewMultilingualNeural",
				Coding:   "en-US-BrianMultilingualNeural",
				Unhinged: "en-US-AndrewMultilingualNeural",
				Custom:   "en-US-AvaMultilingualNeural",
			},
		},
		Router: RouterConfig{
			HistoryTurns:  6,
			HistoryTokens: 1500,
		},
		Memory: MemoryConfig{
			HistoryTurns:  20,
			HistoryTokens: 6000,
			Extract:       true,
		},
		Collab: CollabConfig{
			SearchURL:        "https://html.duckduckgo.com/html/",
			NewsURL:          "https://html.duckduckgo.com/html/",
			ScrapeTimeout:    20 * time.Second,
			MaxScrapeBytes:   2 << 20,
			StockCommand:     "stockfetch",
			StockTimeout:     30 * time.Second,
			ImageFallbackURL: "https://image.pollinations.ai",
		},
		Cache: CacheConfig{
			Size:        256,
			ArticlesTTL: 10 * time.Minute,
			ContentTTL:  time.Hour,
			TopicsTTL:   12 * time.Hour,
		},
		Auth: AuthConfig{
			SessionTTL: 720 * time.Hour,
			LocalUser:  "local@localhost",
		},
		Uploads: UploadsConfig{
			MaxBytes: 20 << 20,
		},
		MCP: MCPConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// legacyEnv maps pre-existing variable names onto config keys
var legacyEnv = map[string]string{
	"llm.api_key":               "GEMINI_API_KEY",
	"auth.google.client_id":     "GOOGLE_CLIENT_ID",
	"auth.google.client_secret": "GOOGLE_CLIENT_SECRET",
	"auth.session_secret":       "SECRET_KEY",
	"server.port":               "PORT",
	"store.path":                "DATABASE",
	"llm.models.conversational": "CONVERSATIONAL_MODEL",
	"llm.models.visualization":  "VISUALIZATION_MODEL",
	"llm.models.reasoning":      "REASONING_MODEL",
	"llm.models.utility":        "UTILITY_MODEL",
}

// Load reads configuration. An empty configPath searches for skyth.yaml in
// the working directory; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SKYTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		v.BindEnv(key, "SKYTH_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("skyth")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.MCP.User == "" {
		cfg.MCP.User = cfg.Auth.LocalUser
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and required combinations
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("invalid server port %q", c.Server.Port)
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "duckdb" {
		return fmt.Errorf("invalid store driver: %s (must be sqlite or duckdb)", c.Store.Driver)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	timeouts := map[string]time.Duration{
		"server.request_timeout": c.Server.RequestTimeout,
		"llm.call_timeout":       c.LLM.CallTimeout,
		"llm.router_timeout":     c.LLM.RouterTimeout,
		"collab.scrape_timeout":  c.Collab.ScrapeTimeout,
		"collab.stock_timeout":   c.Collab.StockTimeout,
	}
	for key, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if c.Auth.OAuthEnabled() && c.Auth.SessionSecret == "" {
		return fmt.Errorf("auth.session_secret is required when Google OAuth is configured")
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s (must be console or json)", c.Logging.Format)
	}
	return nil
}

// WriteDefaults writes the default configuration as YAML to path
func WriteDefaults(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("server.base_url", d.Server.BaseURL)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.models.conversational", d.LLM.Models.Conversational)
	v.SetDefault("llm.models.visualization", d.LLM.Models.Visualization)
	v.SetDefault("llm.models.reasoning", d.LLM.Models.Reasoning)
	v.SetDefault("llm.models.utility", d.LLM.Models.Utility)
	v.SetDefault("llm.models.image", d.LLM.Models.Image)
	v.SetDefault("llm.models.image_edit", d.LLM.Models.ImageEdit)
	v.SetDefault("llm.models.tts", d.LLM.Models.TTS)
	v.SetDefault("llm.models.transcribe", d.LLM.Models.Transcribe)
	v.SetDefault("llm.call_timeout", d.LLM.CallTimeout)
	v.SetDefault("llm.router_timeout", d.LLM.RouterTimeout)
	v.SetDefault("llm.rate_per_second", d.LLM.RatePerSecond)
	v.SetDefault("llm.burst", d.LLM.Burst)
	v.SetDefault("tts.base_url", d.TTS.BaseURL)
	v.SetDefault("tts.api_key", d.TTS.APIKey)
	v.SetDefault("tts.voices.default", d.TTS.Voices.Default)
	v.SetDefault("tts.voices.academic", d.TTS.Voices.Academic)
	v.SetDefault("tts.voices.coding", d.TTS.Voices.Coding)
	v.SetDefault("tts.voices.unhinged", d.TTS.Voices.Unhinged)
	v.SetDefault("tts.voices.custom", d.TTS.Voices.Custom)
	v.SetDefault("router.history_turns", d.Router.HistoryTurns)
	v.SetDefault("router.history_tokens", d.Router.HistoryTokens)
	v.SetDefault("memory.history_turns", d.Memory.HistoryTurns)
	v.SetDefault("memory.history_tokens", d.Memory.HistoryTokens)
	v.SetDefault("memory.extract", d.Memory.Extract)
	v.SetDefault("collab.search_url", d.Collab.SearchURL)
	v.SetDefault("collab.news_url", d.Collab.NewsURL)
	v.SetDefault("collab.scrape_timeout", d.Collab.ScrapeTimeout)
	v.SetDefault("collab.max_scrape_bytes", d.Collab.MaxScrapeBytes)
	v.SetDefault("collab.stock_command", d.Collab.StockCommand)
	v.SetDefault("collab.stock_timeout", d.Collab.StockTimeout)
	v.SetDefault("collab.image_fallback_url", d.Collab.ImageFallbackURL)
	v.SetDefault("cache.size", d.Cache.Size)
	v.SetDefault("cache.articles_ttl", d.Cache.ArticlesTTL)
	v.SetDefault("cache.content_ttl", d.Cache.ContentTTL)
	v.SetDefault("cache.topics_ttl", d.Cache.TopicsTTL)
	v.SetDefault("auth.session_secret", d.Auth.SessionSecret)
	v.SetDefault("auth.session_ttl", d.Auth.SessionTTL)
	v.SetDefault("auth.google.client_id", d.Auth.Google.ClientID)
	v.SetDefault("auth.google.client_secret", d.Auth.Google.ClientSecret)
	v.SetDefault("auth.local_user", d.Auth.LocalUser)
	v.SetDefault("uploads.max_bytes", d.Uploads.MaxBytes)
	v.SetDefault("mcp.enabled", d.MCP.Enabled)
	v.SetDefault("mcp.user", d.MCP.User)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
}
