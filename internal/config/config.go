// Package config provides configuration management for darwin.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultHTTPAddr is the default listen address for the HTTP API.
	DefaultHTTPAddr = ":8787"

	// DefaultStoreURL points at a local Redis.
	DefaultStoreURL = "redis://localhost:6379/0"

	// DefaultEmbeddingDim is the vector width for the default embedding model.
	DefaultEmbeddingDim = 384

	// DefaultLLMModel is the model alias used for classification, rule
	// extraction and fix generation prompts.
	DefaultLLMModel = "claude-sonnet-4-20250514"
)

// Config holds the application configuration.
type Config struct {
	// HTTP settings
	HTTPAddr     string        `yaml:"http_addr"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// Store settings
	StoreURL      string `yaml:"store_url"`
	StoreBackend  string `yaml:"store_backend"`  // redis | memory
	VectorBackend string `yaml:"vector_backend"` // redisearch | pgvector
	PGVectorDSN   string `yaml:"pgvector_dsn"`

	// Embedding settings
	EmbeddingProvider string `yaml:"embedding_provider"` // local | openai
	EmbeddingDim      int    `yaml:"embedding_dim"`
	EmbeddingAPIKey   string `yaml:"embedding_api_key"`
	EmbeddingBaseURL  string `yaml:"embedding_base_url"`
	EmbeddingModel    string `yaml:"embedding_model"`

	// LLM settings
	LLMProvider string  `yaml:"llm_provider"` // anthropic
	LLMModel    string  `yaml:"llm_model"`
	LLMAPIKey   string  `yaml:"llm_api_key"`
	LLMRPS      float64 `yaml:"llm_rps"`

	// Clustering thresholds
	ClusterThresholdHigh float64 `yaml:"cluster_threshold_high"`
	ClusterThresholdLow  float64 `yaml:"cluster_threshold_low"`

	// Classification
	ClassifyConfidenceMin float64 `yaml:"classify_confidence_min"`

	// Queues
	QueueBackpressure int64 `yaml:"queue_backpressure"`

	// Fix generation
	FixAutoIterMax int           `yaml:"fix_auto_iter_max"`
	AgentCommand   string        `yaml:"agent_command"`
	AgentTimeout   time.Duration `yaml:"agent_timeout"`

	// Forge settings
	ForgeToken    string `yaml:"forge_token"`
	WebhookSecret string `yaml:"webhook_secret"`

	// ProductRepos maps product names (lowercased) to owner/repo slugs.
	ProductRepos map[string]string `yaml:"product_repos"`

	mu sync.RWMutex
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		HTTPAddr:              DefaultHTTPAddr,
		DrainTimeout:          30 * time.Second,
		StoreURL:              DefaultStoreURL,
		StoreBackend:          "redis",
		VectorBackend:         "redisearch",
		EmbeddingProvider:     "local",
		EmbeddingDim:          DefaultEmbeddingDim,
		LLMProvider:           "anthropic",
		LLMModel:              DefaultLLMModel,
		LLMRPS:                2,
		ClusterThresholdHigh:  0.75,
		ClusterThresholdLow:   0.60,
		ClassifyConfidenceMin: 0.5,
		QueueBackpressure:     10000,
		FixAutoIterMax:        3,
		AgentTimeout:          15 * time.Minute,
		ProductRepos:          map[string]string{},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// DARWIN_CONFIG, and environment variable overrides, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("DARWIN_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.mergeEnv()
	cfg.SetProductRepos(cfg.ProductRepos)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() {
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setDuration(&c.DrainTimeout, "DRAIN_TIMEOUT")
	setString(&c.StoreURL, "STORE_URL")
	setString(&c.StoreBackend, "STORE_BACKEND")
	setString(&c.VectorBackend, "VECTOR_BACKEND")
	setString(&c.PGVectorDSN, "PGVECTOR_DSN")
	setString(&c.EmbeddingProvider, "EMBEDDING_PROVIDER")
	setInt(&c.EmbeddingDim, "EMBEDDING_DIM")
	setString(&c.EmbeddingAPIKey, "EMBEDDING_API_KEY")
	setString(&c.EmbeddingBaseURL, "EMBEDDING_BASE_URL")
	setString(&c.EmbeddingModel, "EMBEDDING_MODEL")
	setString(&c.LLMProvider, "LLM_PROVIDER")
	setString(&c.LLMModel, "LLM_MODEL")
	setString(&c.LLMAPIKey, "ANTHROPIC_API_KEY")
	setFloat(&c.LLMRPS, "LLM_RPS")
	setFloat(&c.ClusterThresholdHigh, "CLUSTER_THRESHOLD_HIGH")
	setFloat(&c.ClusterThresholdLow, "CLUSTER_THRESHOLD_LOW")
	setFloat(&c.ClassifyConfidenceMin, "CLASSIFY_CONFIDENCE_MIN")
	setInt64(&c.QueueBackpressure, "QUEUE_BACKPRESSURE")
	setInt(&c.FixAutoIterMax, "FIX_AUTO_ITER_MAX")
	setString(&c.AgentCommand, "AGENT_COMMAND")
	setDuration(&c.AgentTimeout, "AGENT_TIMEOUT")
	setString(&c.ForgeToken, "GITHUB_TOKEN")
	setString(&c.WebhookSecret, "WEBHOOK_SECRET")

	if v := os.Getenv("PRODUCT_REPOS"); v != "" {
		c.SetProductRepos(parseProductRepos(v))
	}
}

// Validate checks value ranges; a Config that fails validation must not be
// used to start the service.
func (c *Config) Validate() error {
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim must be positive, got %d", c.EmbeddingDim)
	}
	if c.ClusterThresholdHigh < 0 || c.ClusterThresholdHigh > 1 {
		return fmt.Errorf("cluster_threshold_high out of range: %v", c.ClusterThresholdHigh)
	}
	if c.ClusterThresholdLow < 0 || c.ClusterThresholdLow > 1 {
		return fmt.Errorf("cluster_threshold_low out of range: %v", c.ClusterThresholdLow)
	}
	if c.ClusterThresholdLow > c.ClusterThresholdHigh {
		return fmt.Errorf("cluster_threshold_low %v exceeds cluster_threshold_high %v",
			c.ClusterThresholdLow, c.ClusterThresholdHigh)
	}
	if c.ClassifyConfidenceMin < 0 || c.ClassifyConfidenceMin > 1 {
		return fmt.Errorf("classify_confidence_min out of range: %v", c.ClassifyConfidenceMin)
	}
	if c.FixAutoIterMax < 0 {
		return fmt.Errorf("fix_auto_iter_max must not be negative, got %d", c.FixAutoIterMax)
	}
	switch c.StoreBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown store_backend %q", c.StoreBackend)
	}
	switch c.VectorBackend {
	case "redisearch", "pgvector":
	default:
		return fmt.Errorf("unknown vector_backend %q", c.VectorBackend)
	}
	if c.VectorBackend == "pgvector" && c.PGVectorDSN == "" {
		return fmt.Errorf("pgvector_dsn is required when vector_backend=pgvector")
	}
	return nil
}

// RepoFor resolves a product name to its owner/repo slug. Lookup is
// case-insensitive; ok is false for unrouted products.
func (c *Config) RepoFor(product string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	repo, ok := c.ProductRepos[strings.ToLower(product)]
	return repo, ok
}

// SetProductRepos replaces the product routing table. Keys are lowercased.
func (c *Config) SetProductRepos(repos map[string]string) {
	normalized := make(map[string]string, len(repos))
	for k, v := range repos {
		normalized[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	c.mu.Lock()
	c.ProductRepos = normalized
	c.mu.Unlock()
}

// parseProductRepos parses "product=owner/repo,other=owner/other" pairs.
func parseProductRepos(s string) map[string]string {
	repos := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		repos[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return repos
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
