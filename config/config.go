package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the planning assistant and its surfaces.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Search    SearchConfig    `mapstructure:"search"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}
	return nil
}

// LLMConfig contains LLM provider configurations.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration.
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, anthropic
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration.
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for different agent roles.
type LLMRoutingConfig struct {
	Analysis   string `mapstructure:"analysis"`
	Breakdown  string `mapstructure:"breakdown"`
	Research   string `mapstructure:"research"`
	Prioritize string `mapstructure:"prioritize"`
	Decision   string `mapstructure:"decision"`
	Enrich     string `mapstructure:"enrich"`
	Fallback   string `mapstructure:"fallback"`
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	MetricsPort  int  `mapstructure:"metrics_port"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// AgentsConfig contains agent-specific settings.
type AgentsConfig struct {
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs"`
	AgentTimeout      time.Duration `mapstructure:"agent_timeout"`
	MaxSearchResults  int           `mapstructure:"max_search_results"`
	MaxFetchedPages   int           `mapstructure:"max_fetched_pages"`
}

// SearchConfig contains web search provider settings.
type SearchConfig struct {
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// FetchConfig contains web page fetching settings.
type FetchConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxChars    int           `mapstructure:"max_chars"`
	UseHeadless bool          `mapstructure:"use_headless"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// WorkerConfig contains worker process settings.
type WorkerConfig struct {
	ConsumerGroup    string        `mapstructure:"consumer_group"`
	ConsumerName     string        `mapstructure:"consumer_name"`
	PlanningStream   string        `mapstructure:"planning_stream"`
	CompletedStream  string        `mapstructure:"completed_stream"`
	EnrichStream     string        `mapstructure:"enrich_stream"`
	ClaimMinIdle     time.Duration `mapstructure:"claim_min_idle"`
	ReadBlock        time.Duration `mapstructure:"read_block"`
	ReadCount        int64         `mapstructure:"read_count"`
	SchedulerEnabled bool          `mapstructure:"scheduler_enabled"`
	SchedulerTick    time.Duration `mapstructure:"scheduler_tick"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("KANBAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.max_processing_time", "10m")
	v.SetDefault("general.default_timeout", "30s")

	v.SetDefault("server.address", ":10002")

	v.SetDefault("agents.max_concurrent_runs", 4)
	v.SetDefault("agents.agent_timeout", "2m")
	v.SetDefault("agents.max_search_results", 8)
	v.SetDefault("agents.max_fetched_pages", 5)

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics_port", 9090)
	v.SetDefault("telemetry.cost_tracking", true)

	v.SetDefault("search.max_results", 10)
	v.SetDefault("search.timeout", "30s")

	v.SetDefault("fetch.timeout", "20s")
	v.SetDefault("fetch.max_chars", 12000)
	v.SetDefault("fetch.use_headless", false)

	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", "5s")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.timeout", "5s")

	v.SetDefault("worker.consumer_group", "planner")
	v.SetDefault("worker.consumer_name", "worker-1")
	v.SetDefault("worker.planning_stream", "planning.requested")
	v.SetDefault("worker.completed_stream", "planning.completed")
	v.SetDefault("worker.enrich_stream", "enrich.requested")
	v.SetDefault("worker.claim_min_idle", "5m")
	v.SetDefault("worker.read_block", "5s")
	v.SetDefault("worker.read_count", 16)
	v.SetDefault("worker.scheduler_enabled", true)
	v.SetDefault("worker.scheduler_tick", "1h")
}

func validateConfig(cfg *Config) error {
	if len(cfg.LLM.Providers) == 0 {
		return fmt.Errorf("at least one LLM provider must be configured")
	}
	routing := []string{
		cfg.LLM.Routing.Analysis,
		cfg.LLM.Routing.Breakdown,
		cfg.LLM.Routing.Research,
		cfg.LLM.Routing.Prioritize,
		cfg.LLM.Routing.Decision,
		cfg.LLM.Routing.Enrich,
		cfg.LLM.Routing.Fallback,
	}
	for _, model := range routing {
		if model == "" {
			continue
		}
		// Providers resolve routed models by map key, so validation must too.
		found := false
		for _, provider := range cfg.LLM.Providers {
			if _, ok := provider.Models[model]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("routing model '%s' not found in any provider", model)
		}
	}
	if err := cfg.Server.Validate(); err != nil {
		return err
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		return err
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return err
	}
	return cfg.Telemetry.Validate()
}
