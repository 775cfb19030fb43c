package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ModelTypeChat marks a model served through the chat-completions and
	// responses endpoints.
	ModelTypeChat = "chat"
	// ModelTypeEmbedding marks a model served through the embeddings endpoint.
	ModelTypeEmbedding = "embedding"
)

const (
	defaultChunkSize      = 100
	defaultMaxConcurrency = 4
	defaultCacheSize      = 1024
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Auth       AuthConfig                `yaml:"auth"`
	Embeddings EmbeddingsConfig          `yaml:"embeddings"`
	RateLimit  RateLimitConfig           `yaml:"rate_limit"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// AuthConfig lists the bearer credentials the gateway accepts. The
// credentials are opaque; the gateway only matches them byte-for-byte.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// EmbeddingsConfig tunes the embedding batch coordinator.
type EmbeddingsConfig struct {
	ChunkSize      int `yaml:"chunk_size"`
	MaxConcurrency int `yaml:"max_concurrency"`
	CacheSize      int `yaml:"cache_size"`
}

// RateLimitConfig tunes the per-credential token bucket. Zero RPS disables
// rate limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Models  []ModelConfig     `yaml:"models"`
	Headers Headers           `yaml:"headers"`
	Aliases map[string]string `yaml:"aliases"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// ModelConfig describes a model exposed by a provider.
type ModelConfig struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"`
	Rewrite string `yaml:"rewrite"`
}

// Load reads YAML configuration from disk, expands ${VAR} references from
// the environment, and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Embeddings.ChunkSize == 0 {
		c.Embeddings.ChunkSize = defaultChunkSize
	}
	if c.Embeddings.MaxConcurrency == 0 {
		c.Embeddings.MaxConcurrency = defaultMaxConcurrency
	}
	if c.Embeddings.CacheSize == 0 {
		c.Embeddings.CacheSize = defaultCacheSize
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = int(c.RateLimit.RPS)
		if c.RateLimit.Burst < 1 {
			c.RateLimit.Burst = 1
		}
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if c.Embeddings.ChunkSize <= 0 {
		return fmt.Errorf("embeddings.chunk_size must be positive, got %d", c.Embeddings.ChunkSize)
	}
	if c.Embeddings.MaxConcurrency <= 0 {
		return fmt.Errorf("embeddings.max_concurrency must be positive, got %d", c.Embeddings.MaxConcurrency)
	}
	if c.Embeddings.CacheSize < 0 {
		return fmt.Errorf("embeddings.cache_size must not be negative, got %d", c.Embeddings.CacheSize)
	}

	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate_limit.rps must not be negative, got %v", c.RateLimit.RPS)
	}

	for _, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("auth.api_keys must not contain empty entries")
		}
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	for name, provider := range c.Providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("provider name must not be empty")
	}
	if strings.TrimSpace(provider.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key must be provided", name)
	}
	if strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if len(provider.Models) == 0 {
		return fmt.Errorf("provider %s: at least one model must be configured", name)
	}

	for _, model := range provider.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", name)
		}
		if err := validateModelType(name, model.ID, model.Type); err != nil {
			return err
		}
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range provider.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("provider %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: alias %q target must not be empty", name, alias)
		}
	}

	return nil
}

func validateModelType(providerName, modelID, modelType string) error {
	switch modelType {
	case ModelTypeChat, ModelTypeEmbedding:
		return nil
	case "":
		return fmt.Errorf("provider %s: model %s is missing a type", providerName, modelID)
	default:
		return fmt.Errorf("provider %s: model %s type %q must be one of %q or %q",
			providerName, modelID, modelType, ModelTypeChat, ModelTypeEmbedding)
	}
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
