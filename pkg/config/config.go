package config

import (
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DeleteModeNoop  = "noop"
	DeleteModePurge = "purge"
)

// Config holds everything the server reads from the environment.
type Config struct {
	AppEnv       string `yaml:"app_env"`
	IsProduction bool   `yaml:"-"`
	Port         string `yaml:"port"`

	// flow-execution service (Langflow)
	LangflowBaseURL string `yaml:"langflow_base_url"`
	LangflowFlowID  string `yaml:"langflow_flow_id"`
	LangflowAPIKey  string `yaml:"langflow_api_key"`
	LangflowStream  bool   `yaml:"langflow_stream"`

	DatabaseURL string `yaml:"database_url"`
	// empty disables stream resumption
	RedisURL string `yaml:"redis_url"`

	DeleteMode   string `yaml:"delete_mode"`
	PersistTurns bool   `yaml:"persist_turns"`

	CORSOrigins []string `yaml:"cors_origins"`

	// runtime tunables
	RateLimitWindowSeconds  int `yaml:"rate_limit_window_seconds"`
	RateLimitCapacity       int `yaml:"rate_limit_capacity"`
	SessionConcurrencyLimit int `yaml:"session_concurrency_limit"`
	HistoryCacheTTLSeconds  int `yaml:"history_cache_ttl_seconds"`
	HistoryCacheMaxItems    int `yaml:"history_cache_max_items"`
}

// ErrMissingFlowConfig is returned by Validate when the flow service cannot be addressed.
var ErrMissingFlowConfig = errors.New("LANGFLOW_BASE_URL and LANGFLOW_FLOW_ID must be set")

func defaults() *Config {
	return &Config{
		AppEnv:                  "development",
		Port:                    "5000",
		LangflowStream:          true,
		DeleteMode:              DeleteModeNoop,
		CORSOrigins:             []string{"http://localhost:3000", "http://127.0.0.1:3000", "http://localhost:5173", "http://127.0.0.1:5173"},
		RateLimitWindowSeconds:  10,
		RateLimitCapacity:       5,
		SessionConcurrencyLimit: 2,
		HistoryCacheTTLSeconds:  5,
		HistoryCacheMaxItems:    500,
	}
}

// loadAppEnv loads .env unless APP_ENV is production.
// A missing .env is not an error; the host environment may carry everything.
func loadAppEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	_ = godotenv.Load()
}

// Load builds the configuration from an optional YAML file and the environment.
// Environment variables win over the file. Load does not validate; call Validate.
func Load(path string) (*Config, error) {
	loadAppEnv()

	cfg := defaults()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	cfg.AppEnv = envOr("APP_ENV", cfg.AppEnv)
	cfg.Port = envOr("PORT", cfg.Port)
	cfg.LangflowBaseURL = strings.TrimRight(envOr("LANGFLOW_BASE_URL", cfg.LangflowBaseURL), "/")
	cfg.LangflowFlowID = envOr("LANGFLOW_FLOW_ID", cfg.LangflowFlowID)
	cfg.LangflowAPIKey = envOr("LANGFLOW_API_KEY", cfg.LangflowAPIKey)
	cfg.LangflowStream = boolOr(os.Getenv("LANGFLOW_STREAM"), cfg.LangflowStream)
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.DeleteMode = strings.ToLower(envOr("DELETE_MODE", cfg.DeleteMode))
	cfg.PersistTurns = boolOr(os.Getenv("PERSIST_TURNS"), cfg.PersistTurns)

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	cfg.RateLimitWindowSeconds = atoiOr(os.Getenv("RATE_LIMIT_WINDOW_SECONDS"), cfg.RateLimitWindowSeconds)
	cfg.RateLimitCapacity = atoiOr(os.Getenv("RATE_LIMIT_CAPACITY"), cfg.RateLimitCapacity)
	cfg.SessionConcurrencyLimit = atoiOr(os.Getenv("SESSION_CONCURRENCY_LIMIT"), cfg.SessionConcurrencyLimit)
	cfg.HistoryCacheTTLSeconds = atoiOr(os.Getenv("HISTORY_CACHE_TTL_SECONDS"), cfg.HistoryCacheTTLSeconds)
	cfg.HistoryCacheMaxItems = atoiOr(os.Getenv("HISTORY_CACHE_MAX_ITEMS"), cfg.HistoryCacheMaxItems)

	cfg.IsProduction = cfg.AppEnv == "production"
	if cfg.DatabaseURL == "" && !cfg.IsProduction {
		cfg.DatabaseURL = "sqlite://flowchat.db"
	}
	return cfg, nil
}

// Validate reports configuration the process must not start without.
func (c *Config) Validate() error {
	if c.LangflowBaseURL == "" || c.LangflowFlowID == "" {
		return ErrMissingFlowConfig
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL must be set in production")
	}
	if !slices.Contains([]string{DeleteModeNoop, DeleteModePurge}, c.DeleteMode) {
		return errors.Errorf("DELETE_MODE must be %q or %q, got %q", DeleteModeNoop, DeleteModePurge, c.DeleteMode)
	}
	return nil
}

// ResumeEnabled reports whether a stream broker is configured.
func (c *Config) ResumeEnabled() bool {
	return c.RedisURL != ""
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return def
}

func boolOr(s string, def bool) bool {
	if s == "" {
		return def
	}
	if v, err := strconv.ParseBool(s); err == nil {
		return v
	}
	return def
}
