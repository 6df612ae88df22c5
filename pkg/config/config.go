package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cinevault/shield/pkg/detector"
	"github.com/cinevault/shield/pkg/policy"
	"github.com/cinevault/shield/pkg/rules"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Protection ProtectionConfig `mapstructure:"protection"`
}

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	AdminPort   int    `mapstructure:"admin_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	SecretKey   string `mapstructure:"secret_key"`
	LogLevel    string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProtectionConfig is the declarative rule set loaded at startup. Every
// section can also be managed at runtime through the admin API.
type ProtectionConfig struct {
	Rules      []EndpointRule     `mapstructure:"rules"`
	RateLimits []RateLimitRule    `mapstructure:"rate_limits"`
	Patterns   []detector.Pattern `mapstructure:"patterns"`
	Policies   []policy.Policy    `mapstructure:"policies"`
	Webhooks   []WebhookConfig    `mapstructure:"webhooks"`
}

// EndpointRule binds a protection config to an endpoint. Endpoint is an
// exact match; Pattern, when set, takes precedence as a regular expression.
type EndpointRule struct {
	Endpoint string                 `mapstructure:"endpoint"`
	Pattern  string                 `mapstructure:"pattern"`
	Config   rules.ProtectionConfig `mapstructure:"config"`
}

type RateLimitRule struct {
	Endpoint string                `mapstructure:"endpoint"`
	Pattern  string                `mapstructure:"pattern"`
	Config   rules.RateLimitConfig `mapstructure:"config"`
}

type WebhookConfig struct {
	Name        string            `mapstructure:"name"`
	URL         string            `mapstructure:"url"`
	MinSeverity string            `mapstructure:"min_severity"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	Headers     map[string]string `mapstructure:"headers"`
}

// Matcher resolves the rule's endpoint matcher, compiling the pattern when
// one is present.
func (r EndpointRule) Matcher() (rules.EndpointMatcher, error) {
	return matcherFor(r.Pattern, r.Endpoint)
}

func (r RateLimitRule) Matcher() (rules.EndpointMatcher, error) {
	return matcherFor(r.Pattern, r.Endpoint)
}

func matcherFor(pattern, endpoint string) (rules.EndpointMatcher, error) {
	if pattern != "" {
		return rules.Pattern(pattern)
	}
	if endpoint == "" {
		return nil, errors.New("rule needs an endpoint or a pattern")
	}
	return rules.Exact(endpoint), nil
}

// Load reads config.yaml from the given path (falling back to ./config and
// the working directory) with environment variable overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No file is fine: defaults plus environment variables apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.admin_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
}

func validate(cfg *Config) error {
	if cfg.Server.SecretKey == "" {
		return errors.New("server.secret_key is required")
	}
	for _, r := range cfg.Protection.Rules {
		if _, err := r.Matcher(); err != nil {
			return fmt.Errorf("protection rule: %w", err)
		}
	}
	for _, r := range cfg.Protection.RateLimits {
		if _, err := r.Matcher(); err != nil {
			return fmt.Errorf("rate limit rule: %w", err)
		}
	}
	return nil
}

// Addr formats the redis connection address.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
