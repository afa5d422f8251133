package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Faultline server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Loki      LokiConfig
	AI        AIConfig
	Embedding EmbeddingConfig
	Vector    VectorConfig
	Rerank    RerankConfig
	GitHub    GitHubConfig
	WebSearch WebSearchConfig
	Analysis  AnalysisConfig
	CRAG      CRAGConfig
	Aging     AgingConfig
	Keyword   KeywordConfig
	Events    EventsConfig
	Policy    *Policy
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

// LokiConfig backs the logs.get_recent tool. An empty BaseURL disables the tool.
type LokiConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	RequestsPerMin   int
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

type EmbeddingConfig struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
}

type VectorConfig struct {
	Backend    string
	ChromemDir string
}

// RerankConfig points at a cross-encoder server exposing a TEI-style /rerank endpoint.
// An empty URL selects the lexical reranker.
type RerankConfig struct {
	URL     string
	Timeout time.Duration
}

type GitHubConfig struct {
	Token   string
	BaseURL string
}

// WebSearchConfig enables the CRAG web fallback when URL is set.
type WebSearchConfig struct {
	URL     string
	Timeout time.Duration
}

type AnalysisConfig struct {
	Deadline             time.Duration
	IterationCap         int
	CacheTTL             time.Duration
	SourceFetchThreshold float64
	TargetConfidence     float64
	ToolTimeout          time.Duration
	KSource              int
	KRerank              int
	KFinal               int
}

type CRAGConfig struct {
	Weights       Weights
	PassThreshold float64
	HITLThreshold float64
	ConcernFloor  float64
	HITLSLA       time.Duration
}

// Weights are the CRAG component weights. They must sum to 1.
type Weights struct {
	Relevance      float64 `yaml:"relevance"`
	Consistency    float64 `yaml:"consistency"`
	Grounding      float64 `yaml:"grounding"`
	Completeness   float64 `yaml:"completeness"`
	Classification float64 `yaml:"classification"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Relevance + w.Consistency + w.Grounding + w.Completeness + w.Classification
}

type AgingConfig struct {
	Enabled        bool
	MinOccurrences int
	MinSpan        time.Duration
	Interval       time.Duration
	RatePerMinute  int
	Burst          int
	BatchSize      int
}

type KeywordConfig struct {
	IndexDir        string
	RebuildInterval time.Duration
}

type EventsConfig struct {
	Channel    string
	WebhookURL string
}

// DefaultWeights are the CRAG weights used when none are configured.
var DefaultWeights = Weights{
	Relevance:      0.30,
	Consistency:    0.20,
	Grounding:      0.25,
	Completeness:   0.15,
	Classification: 0.10,
}

// Absolute iteration ceiling for the ReAct loop.
const MaxIterationCap = 8

var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"mock":      true,
	"none":      true,
}

var validEmbedders = map[string]bool{
	"openai": true,
	"hash":   true,
}

var validVectorBackends = map[string]bool{
	"pgvector": true,
	"chromem":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("FAULTLINE_PORT", 8080),
			Env:      envString("FAULTLINE_ENV", "development"),
			LogLevel: envString("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Loki: LokiConfig{
			BaseURL:  os.Getenv("LOKI_BASE_URL"),
			Username: os.Getenv("LOKI_USERNAME"),
			Password: os.Getenv("LOKI_PASSWORD"),
			Timeout:  envDuration("LOKI_TIMEOUT", 10*time.Second),
		},
		AI: AIConfig{
			Provider:         envString("AI_PROVIDER", "none"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 30*time.Second),
			RequestsPerMin:   envInt("AI_REQUESTS_PER_MIN", 30),
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				BaseURL: os.Getenv("OPENAI_BASE_URL"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
		Embedding: EmbeddingConfig{
			Provider:  envString("EMBEDDING_PROVIDER", "hash"),
			BaseURL:   os.Getenv("EMBEDDING_BASE_URL"),
			APIKey:    os.Getenv("EMBEDDING_API_KEY"),
			Model:     envString("EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimension: envInt("EMBEDDING_DIMENSION", 384),
		},
		Vector: VectorConfig{
			Backend:    envString("VECTOR_BACKEND", "pgvector"),
			ChromemDir: os.Getenv("VECTOR_CHROMEM_DIR"),
		},
		Rerank: RerankConfig{
			URL:     os.Getenv("RERANK_URL"),
			Timeout: envDuration("RERANK_TIMEOUT", 5*time.Second),
		},
		GitHub: GitHubConfig{
			Token:   os.Getenv("GITHUB_TOKEN"),
			BaseURL: os.Getenv("GITHUB_BASE_URL"),
		},
		WebSearch: WebSearchConfig{
			URL:     os.Getenv("WEBSEARCH_URL"),
			Timeout: envDuration("WEBSEARCH_TIMEOUT", 8*time.Second),
		},
		Analysis: AnalysisConfig{
			Deadline:             envDurationSecs("ANALYSIS_DEADLINE_SECS", 60*time.Second),
			IterationCap:         envInt("ANALYSIS_ITERATION_CAP", 5),
			CacheTTL:             envDuration("ANALYSIS_CACHE_TTL", time.Hour),
			SourceFetchThreshold: envFloat("ANALYSIS_SOURCE_FETCH_THRESHOLD", 0.70),
			TargetConfidence:     envFloat("ANALYSIS_TARGET_CONFIDENCE", 0.85),
			ToolTimeout:          envDurationSecs("ANALYSIS_TOOL_TIMEOUT_SECS", 10*time.Second),
			KSource:              envInt("RETRIEVAL_K_SOURCE", 50),
			KRerank:              envInt("RETRIEVAL_K_RERANK", 50),
			KFinal:               envInt("RETRIEVAL_K_FINAL", 5),
		},
		CRAG: CRAGConfig{
			Weights: Weights{
				Relevance:      envFloat("CRAG_WEIGHT_RELEVANCE", DefaultWeights.Relevance),
				Consistency:    envFloat("CRAG_WEIGHT_CONSISTENCY", DefaultWeights.Consistency),
				Grounding:      envFloat("CRAG_WEIGHT_GROUNDING", DefaultWeights.Grounding),
				Completeness:   envFloat("CRAG_WEIGHT_COMPLETENESS", DefaultWeights.Completeness),
				Classification: envFloat("CRAG_WEIGHT_CLASSIFICATION", DefaultWeights.Classification),
			},
			PassThreshold: envFloat("CRAG_PASS_THRESHOLD", 0.85),
			HITLThreshold: envFloat("CRAG_HITL_THRESHOLD", 0.65),
			ConcernFloor:  envFloat("CRAG_CONCERN_FLOOR", 0.70),
			HITLSLA:       envDuration("HITL_SLA", 2*time.Hour),
		},
		Aging: AgingConfig{
			Enabled:        envBool("AGING_ENABLED", true),
			MinOccurrences: envInt("AGING_MIN_OCCURRENCES", 2),
			MinSpan:        envDuration("AGING_MIN_SPAN", 72*time.Hour),
			Interval:       envDuration("AGING_INTERVAL", time.Hour),
			RatePerMinute:  envInt("AGING_RATE_PER_MIN", 10),
			Burst:          envInt("AGING_BURST", 2),
			BatchSize:      envInt("AGING_BATCH_SIZE", 100),
		},
		Keyword: KeywordConfig{
			IndexDir:        envString("KEYWORD_INDEX_DIR", "data/keyword"),
			RebuildInterval: envDuration("KEYWORD_REBUILD_INTERVAL", 7*24*time.Hour),
		},
		Events: EventsConfig{
			Channel:    envString("EVENTS_CHANNEL", "faultline:events"),
			WebhookURL: os.Getenv("EVENTS_WEBHOOK_URL"),
		},
	}

	if path := os.Getenv("POLICY_FILE"); path != "" {
		policy, err := LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		cfg.Policy = policy
		if policy.Weights != nil {
			cfg.CRAG.Weights = *policy.Weights
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Loki.BaseURL != "" && !strings.HasPrefix(c.Loki.BaseURL, "http://") && !strings.HasPrefix(c.Loki.BaseURL, "https://") {
		return fmt.Errorf("LOKI_BASE_URL must start with http:// or https://, got %q", c.Loki.BaseURL)
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of openai, anthropic, mock, none; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" && c.AI.OpenAI.BaseURL == "" {
		return fmt.Errorf("OPENAI_API_KEY or OPENAI_BASE_URL is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}

	if !validEmbedders[c.Embedding.Provider] {
		return fmt.Errorf("EMBEDDING_PROVIDER must be one of openai, hash; got %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be positive, got %d", c.Embedding.Dimension)
	}
	if !validVectorBackends[c.Vector.Backend] {
		return fmt.Errorf("VECTOR_BACKEND must be one of pgvector, chromem; got %q", c.Vector.Backend)
	}

	if c.Analysis.IterationCap < 1 || c.Analysis.IterationCap > MaxIterationCap {
		return fmt.Errorf("ANALYSIS_ITERATION_CAP must be between 1 and %d, got %d", MaxIterationCap, c.Analysis.IterationCap)
	}
	if c.Analysis.Deadline <= 0 {
		return fmt.Errorf("ANALYSIS_DEADLINE_SECS must be positive")
	}
	if c.Analysis.KFinal <= 0 || c.Analysis.KRerank < c.Analysis.KFinal || c.Analysis.KSource <= 0 {
		return fmt.Errorf("retrieval sizes must satisfy 0 < RETRIEVAL_K_FINAL <= RETRIEVAL_K_RERANK and RETRIEVAL_K_SOURCE > 0")
	}

	if err := c.CRAG.Weights.validate(); err != nil {
		return err
	}
	if !(0 < c.CRAG.HITLThreshold && c.CRAG.HITLThreshold < c.CRAG.PassThreshold && c.CRAG.PassThreshold <= 1) {
		return fmt.Errorf("CRAG thresholds must satisfy 0 < CRAG_HITL_THRESHOLD < CRAG_PASS_THRESHOLD <= 1")
	}

	if c.Aging.MinOccurrences < 1 {
		return fmt.Errorf("AGING_MIN_OCCURRENCES must be at least 1")
	}
	if c.Aging.RatePerMinute <= 0 || c.Aging.Burst <= 0 {
		return fmt.Errorf("AGING_RATE_PER_MIN and AGING_BURST must be positive")
	}

	return nil
}

func (w Weights) validate() error {
	for name, v := range map[string]float64{
		"relevance":      w.Relevance,
		"consistency":    w.Consistency,
		"grounding":      w.Grounding,
		"completeness":   w.Completeness,
		"classification": w.Classification,
	} {
		if v < 0 {
			return fmt.Errorf("CRAG weight %s must be non-negative, got %v", name, v)
		}
	}
	if math.Abs(w.Sum()-1) > 0.001 {
		return fmt.Errorf("CRAG weights must sum to 1, got %.3f", w.Sum())
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
