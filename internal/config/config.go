package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Tracing   TracingConfig    `mapstructure:"tracing"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Tokens    TokensConfig     `mapstructure:"tokens"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Usage     UsageConfig      `mapstructure:"usage"`
	Providers []ProviderConfig `mapstructure:"providers" validate:"dive"`
	Models    []ModelConfig    `mapstructure:"models" validate:"dive"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Env             string        `mapstructure:"env"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Color  bool   `mapstructure:"color"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// LimitClassConfig is one named rate-limit bucket.
type LimitClassConfig struct {
	Limit  int64         `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type IPRateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type RateLimitConfig struct {
	Chat  LimitClassConfig  `mapstructure:"chat"`
	Image LimitClassConfig  `mapstructure:"image"`
	IP    IPRateLimitConfig `mapstructure:"ip"`
}

type TokensConfig struct {
	DefaultEncoding string `mapstructure:"default_encoding"`
}

type AuthConfig struct {
	StaticKeys  []string `mapstructure:"static_keys"`
	AdminSecret string   `mapstructure:"admin_secret"`
}

type UsageConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// ProviderConfig represents the configuration for a single upstream integration.
type ProviderConfig struct {
	ID       string            `mapstructure:"id" validate:"required"`
	Type     string            `mapstructure:"type" validate:"required"`
	Name     string            `mapstructure:"name"`
	BaseURL  string            `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey   string            `mapstructure:"api_key"`
	APIKeys  []string          `mapstructure:"api_keys"`
	RotateOn []string          `mapstructure:"rotate_on"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Enabled  bool              `mapstructure:"enabled"`
	Breaker  BreakerConfig     `mapstructure:"breaker"`
	Config   map[string]string `mapstructure:"config"`

	// Models served by this provider, injected from the top-level model table.
	Models []ModelConfig `mapstructure:"-"`
}

// Credentials returns the ordered credential list; api_keys wins over api_key.
func (p ProviderConfig) Credentials() []string {
	if len(p.APIKeys) > 0 {
		return p.APIKeys
	}
	if p.APIKey != "" {
		return []string{p.APIKey}
	}
	return nil
}

// Option reads a provider specific option with a fallback.
func (p ProviderConfig) Option(key, fallback string) string {
	if v, ok := p.Config[key]; ok && v != "" {
		return v
	}
	return fallback
}

const (
	CapabilityChat  = "chat"
	CapabilityImage = "image"
)

// ModelConfig is one row of the static model table.
type ModelConfig struct {
	ID                   string  `mapstructure:"id" validate:"required,contains=/"`
	Provider             string  `mapstructure:"provider" validate:"required"`
	Upstream             string  `mapstructure:"upstream"`
	Capability           string  `mapstructure:"capability" validate:"required,oneof=chat image"`
	MaxInputTokens       int     `mapstructure:"max_input_tokens" validate:"gte=0"`
	MaxOutputTokens      int     `mapstructure:"max_output_tokens" validate:"gte=0"`
	CostPerMillionTokens float64 `mapstructure:"cost_per_million_tokens" validate:"gte=0"`
	// Streaming is nil when the model streams normally; false forces
	// non-streaming responses and StreamingNote says why.
	Streaming     *bool  `mapstructure:"streaming"`
	StreamingNote string `mapstructure:"streaming_note"`
	Tokenizer     string `mapstructure:"tokenizer"`
	Created       int64  `mapstructure:"created"`
	Description   string `mapstructure:"description"`
}

// UpstreamName is the name sent to the provider.
func (m ModelConfig) UpstreamName() string {
	if m.Upstream != "" {
		return m.Upstream
	}
	if i := strings.Index(m.ID, "/"); i >= 0 {
		return m.ID[i+1:]
	}
	return m.ID
}

// SupportsStreaming reports whether the model may stream.
func (m ModelConfig) SupportsStreaming() bool {
	return m.Streaming == nil || *m.Streaming
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (*Config, error) {
	return Load("")
}

// Load reads configuration; an empty path searches the default locations.
func Load(path string) (*Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.APIKey = resolveSecret(v, p.APIKey)
		for j, k := range p.APIKeys {
			p.APIKeys[j] = resolveSecret(v, k)
		}
	}
	cfg.Auth.AdminSecret = resolveSecret(v, cfg.Auth.AdminSecret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.attachModels()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.color", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "model-gateway")

	v.SetDefault("database.dsn", "file:gateway.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("rate_limit.chat.limit", 10)
	v.SetDefault("rate_limit.chat.window", 60*time.Second)
	v.SetDefault("rate_limit.image.limit", 50)
	v.SetDefault("rate_limit.image.window", 60*time.Second)
	v.SetDefault("rate_limit.ip.enabled", false)
	v.SetDefault("rate_limit.ip.requests_per_second", 10.0)
	v.SetDefault("rate_limit.ip.burst", 20)

	v.SetDefault("tokens.default_encoding", "cl100k_base")

	v.SetDefault("usage.buffer_size", 10000)
	v.SetDefault("usage.batch_size", 50)
	v.SetDefault("usage.flush_interval", 5*time.Second)
}

// resolveSecret expands "ENV:NAME" references.
func resolveSecret(v *viper.Viper, value string) string {
	if !strings.HasPrefix(value, "ENV:") {
		return value
	}
	envVar := strings.TrimPrefix(value, "ENV:")
	// process environment first, then anything viper knows about
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return v.GetString(envVar)
}

// Validate checks struct tags and the cross references between the provider
// and model tables. Any error here is a startup failure.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if providers[p.ID] {
			return fmt.Errorf("invalid configuration: duplicate provider id %q", p.ID)
		}
		providers[p.ID] = true
	}

	models := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if models[m.ID] {
			return fmt.Errorf("invalid configuration: duplicate model id %q", m.ID)
		}
		models[m.ID] = true
		if !providers[m.Provider] {
			return fmt.Errorf("invalid configuration: model %q references unknown provider %q", m.ID, m.Provider)
		}
		if name := strings.TrimPrefix(m.ID, m.Provider+"/"); name == m.ID || name == "" {
			return fmt.Errorf("invalid configuration: model id %q must be %q followed by a name", m.ID, m.Provider+"/")
		}
		if m.Capability == CapabilityChat && (m.MaxInputTokens <= 0 || m.MaxOutputTokens <= 0) {
			return fmt.Errorf("invalid configuration: chat model %q needs positive token limits", m.ID)
		}
	}
	return nil
}

func (c *Config) attachModels() {
	for i := range c.Providers {
		c.Providers[i].Models = nil
		for _, m := range c.Models {
			if m.Provider == c.Providers[i].ID {
				c.Providers[i].Models = append(c.Providers[i].Models, m)
			}
		}
	}
}
