// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/your-org/homebuying-assistant/internal/scope"
)

var (
	// ErrMissingRequiredField is returned when a required configuration field is missing
	ErrMissingRequiredField = errors.New("missing required configuration field")
	// ErrInvalidConfigValue is returned when a configuration value is invalid
	ErrInvalidConfigValue = errors.New("invalid configuration value")
)

// EnvPrefix prefixes environment overrides, e.g. HOMEBUYING_SERVER_PORT
const EnvPrefix = "HOMEBUYING"

// Config represents the complete application configuration
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Scope     ScopeConfig     `mapstructure:"scope"`
	Server    ServerConfig    `mapstructure:"server"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// LLMConfig selects the completion provider and its call parameters
type LLMConfig struct {
	Provider            string        `mapstructure:"provider"`
	Model               string        `mapstructure:"model"`
	Temperature         float64       `mapstructure:"temperature"`
	MaxTokens           int           `mapstructure:"max_tokens"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	CircuitMaxFailures  int           `mapstructure:"circuit_max_failures"`
	CircuitResetTimeout time.Duration `mapstructure:"circuit_reset_timeout"`
}

// OpenAIConfig contains OpenAI API configuration
type OpenAIConfig struct {
	APIKey   string `mapstructure:"apikey"`
	Endpoint string `mapstructure:"endpoint"`
}

// GeminiConfig contains Gemini API configuration
type GeminiConfig struct {
	APIKey string `mapstructure:"apikey"`
}

// ScopeConfig holds the topic allow-list and forbidden keyword list. Empty
// lists fall back to the built-in defaults.
type ScopeConfig struct {
	AllowedTopics     []string `mapstructure:"allowed_topics"`
	ForbiddenKeywords []string `mapstructure:"forbidden_keywords"`
	MaxContextItems   int      `mapstructure:"max_context_items"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	RequireJSON  bool          `mapstructure:"require_json"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For is
	// believed. Empty means the peer address identifies the client.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// RateLimitConfig contains per-client rate limiting settings
type RateLimitConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Backend       string        `mapstructure:"backend"`
	Window        time.Duration `mapstructure:"window"`
	MaxRequests   int           `mapstructure:"max_requests"`
	MaxKeys       int           `mapstructure:"max_keys"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RedisConfig contains the shared Redis connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuditConfig contains answer audit trail settings
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
}

// MetricsConfig contains prometheus settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	File   string `mapstructure:"file"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	ValidateRequired bool
}

// Load loads configuration from file and environment variables
// Environment variables take precedence over config file values
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := setConfigFile(v, opts.ConfigPath); err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}

	// Enable environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Env-only deployments have no config file
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setEnvironmentMappings(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config, opts.ValidateRequired); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// LLM defaults
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 600)
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("llm.max_retries", 0)
	v.SetDefault("llm.circuit_max_failures", 5)
	v.SetDefault("llm.circuit_reset_timeout", "30s")

	v.SetDefault("openai.apikey", "")
	v.SetDefault("openai.endpoint", "https://api.openai.com/v1")
	v.SetDefault("gemini.apikey", "")

	// Scope defaults
	v.SetDefault("scope.allowed_topics", scope.DefaultAllowedTopics)
	v.SetDefault("scope.forbidden_keywords", scope.DefaultForbiddenKeywords)
	v.SetDefault("scope.max_context_items", scope.StrictMaxContextItems)

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "lenient")
	v.SetDefault("server.require_json", true)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.max_body_bytes", 64*1024)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "45s")

	// Rate limit defaults
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.max_requests", 20)
	v.SetDefault("ratelimit.max_keys", 10000)
	v.SetDefault("ratelimit.sweep_interval", "1m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Audit defaults
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.driver", "sqlite3")
	v.SetDefault("audit.dsn", "./audit.db")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file", "homebuying-assistant.log")
}

// setConfigFile sets the configuration file path with fallback logic
func setConfigFile(v *viper.Viper, configPath string) error {
	// Check for CONFIG_PATH environment variable
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return nil
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return nil
	}

	// Default fallback locations
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	return nil
}

// setEnvironmentMappings sets explicit environment variable mappings
func setEnvironmentMappings(v *viper.Viper) {
	envMappings := map[string]string{
		"OPENAI_API_KEY":     "openai.apikey",
		"OPENAI_ENDPOINT":    "openai.endpoint",
		"GEMINI_API_KEY":     "gemini.apikey",
		"LLM_PROVIDER":       "llm.provider",
		"LLM_MODEL":          "llm.model",
		"REDIS_ADDR":         "redis.addr",
		"REDIS_PASSWORD":     "redis.password",
		"RATE_LIMIT_BACKEND": "ratelimit.backend",
		"AUDIT_DRIVER":       "audit.driver",
		"AUDIT_DSN":          "audit.dsn",
		"PORT":               "server.port",
		"SERVER_MODE":        "server.mode",
		"LOG_LEVEL":          "logging.level",
		"LOG_FORMAT":         "logging.format",
		"LOG_OUTPUT":         "logging.output",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}
}

// validateConfig validates the configuration. requireCredentials adds the
// provider API key check, which commands that never call the provider skip.
func validateConfig(config *Config, requireCredentials bool) error {
	var errs []ValidationError

	// LLM provider and credentials
	switch config.LLM.Provider {
	case "openai":
		if requireCredentials && config.OpenAI.APIKey == "" {
			errs = append(errs, ValidationError{
				Field:   "openai.apikey",
				Message: "OpenAI API key is required. Set via config file or OPENAI_API_KEY environment variable",
			})
		}
	case "gemini":
		if requireCredentials && config.Gemini.APIKey == "" {
			errs = append(errs, ValidationError{
				Field:   "gemini.apikey",
				Message: "Gemini API key is required. Set via config file or GEMINI_API_KEY environment variable",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "llm.provider",
			Message: "provider must be one of: openai, gemini",
		})
	}

	if config.LLM.Model == "" {
		errs = append(errs, ValidationError{Field: "llm.model", Message: "model is required"})
	}
	if config.LLM.MaxTokens <= 0 {
		errs = append(errs, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be greater than 0",
		})
	}
	if config.LLM.Temperature < 0 || config.LLM.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}
	if config.LLM.Timeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "llm.timeout",
			Message: "timeout must be greater than 0",
		})
	}
	if config.LLM.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "llm.max_retries",
			Message: "max_retries must be greater than or equal to 0",
		})
	}

	if config.Scope.MaxContextItems < 0 {
		errs = append(errs, ValidationError{
			Field:   "scope.max_context_items",
			Message: "max_context_items must be greater than or equal to 0",
		})
	}

	// Server
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: "port must be between 1 and 65535",
		})
	}
	validModes := []string{"strict", "lenient"}
	if !contains(validModes, config.Server.Mode) {
		errs = append(errs, ValidationError{
			Field:   "server.mode",
			Message: fmt.Sprintf("mode must be one of: %s", strings.Join(validModes, ", ")),
		})
	}

	for _, proxy := range config.Server.TrustedProxies {
		if !isIPOrCIDR(proxy) {
			errs = append(errs, ValidationError{
				Field:   "server.trusted_proxies",
				Message: fmt.Sprintf("%q is not an IP address or CIDR", proxy),
			})
		}
	}

	// Rate limiting
	if config.RateLimit.Enabled {
		validBackends := []string{"memory", "redis"}
		if !contains(validBackends, config.RateLimit.Backend) {
			errs = append(errs, ValidationError{
				Field:   "ratelimit.backend",
				Message: fmt.Sprintf("backend must be one of: %s", strings.Join(validBackends, ", ")),
			})
		}
		if config.RateLimit.Window <= 0 {
			errs = append(errs, ValidationError{
				Field:   "ratelimit.window",
				Message: "window must be greater than 0",
			})
		}
		if config.RateLimit.MaxRequests <= 0 {
			errs = append(errs, ValidationError{
				Field:   "ratelimit.max_requests",
				Message: "max_requests must be greater than 0",
			})
		}
		if config.RateLimit.Backend == "redis" && config.Redis.Addr == "" {
			errs = append(errs, ValidationError{
				Field:   "redis.addr",
				Message: "Redis address is required for the redis rate limit backend",
			})
		}
	}

	// Audit trail
	if config.Audit.Enabled {
		validDrivers := []string{"sqlite3", "postgres"}
		if !contains(validDrivers, config.Audit.Driver) {
			errs = append(errs, ValidationError{
				Field:   "audit.driver",
				Message: fmt.Sprintf("driver must be one of: %s", strings.Join(validDrivers, ", ")),
			})
		}
		if config.Audit.DSN == "" {
			errs = append(errs, ValidationError{
				Field:   "audit.dsn",
				Message: "audit DSN is required. Set via config file or AUDIT_DSN environment variable",
			})
		} else if config.Audit.Driver == "sqlite3" {
			if err := validateDirectoryExists(filepath.Dir(config.Audit.DSN)); err != nil {
				errs = append(errs, ValidationError{
					Field:   "audit.dsn",
					Message: fmt.Sprintf("audit database directory does not exist: %s", filepath.Dir(config.Audit.DSN)),
				})
			}
		}
	}

	// Logging
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, config.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("log level must be one of: %s", strings.Join(validLogLevels, ", ")),
		})
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Logging.Format) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("log format must be one of: %s", strings.Join(validLogFormats, ", ")),
		})
	}

	if len(errs) > 0 {
		var errorMessages []string
		for _, err := range errs {
			errorMessages = append(errorMessages, err.Error())
		}
		return fmt.Errorf("%w:\n%s", ErrInvalidConfigValue, strings.Join(errorMessages, "\n"))
	}

	return nil
}

// Policy builds the topic policy from the scope section
func (c ScopeConfig) Policy() *scope.Policy {
	return scope.NewPolicy(c.AllowedTopics, c.ForbiddenKeywords, c.MaxContextItems)
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	if masked.OpenAI.APIKey != "" {
		masked.OpenAI.APIKey = maskValue(masked.OpenAI.APIKey)
	}
	if masked.Gemini.APIKey != "" {
		masked.Gemini.APIKey = maskValue(masked.Gemini.APIKey)
	}
	if masked.Redis.Password != "" {
		masked.Redis.Password = maskValue(masked.Redis.Password)
	}
	if masked.Audit.DSN != "" && masked.Audit.Driver == "postgres" {
		masked.Audit.DSN = maskValue(masked.Audit.DSN)
	}

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

// contains checks if a slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func isIPOrCIDR(value string) bool {
	if _, _, err := net.ParseCIDR(value); err == nil {
		return true
	}
	return net.ParseIP(value) != nil
}

// validateDirectoryExists checks if a directory exists
func validateDirectoryExists(path string) error {
	if path == "" || path == "." {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	return nil
}

// WatchConfig reloads the configuration whenever the config file changes and
// hands each successfully validated result to callback. It fails when no
// config file is in use.
func WatchConfig(configPath string, logger *zap.Logger, callback func(*Config)) error {
	v := viper.New()

	if err := setConfigFile(v, configPath); err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("cannot watch config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("Config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))

		config, err := Load(v.ConfigFileUsed())
		if err != nil {
			logger.Error("Failed to reload config", zap.Error(err))
			return
		}

		callback(config)
	})
	v.WatchConfig()

	return nil
}
