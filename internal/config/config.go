package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel       = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.2

	// Conversation history is bounded; oldest turns are dropped first.
	DefaultHistoryLimit = 40

	DefaultResultPreviewItems = 5
	DefaultSearchLimit        = 10

	// Knowledge tier weights. Tier 2 (site-specific) is most actionable.
	DefaultTier1Weight = 1.0
	DefaultTier2Weight = 1.5
	DefaultTier3Weight = 1.3

	DefaultScopeBoost             = 0.3
	DefaultEffectivenessThreshold = 0.7
	DefaultEffectivenessBoost     = 0.1
	DefaultConfidenceThreshold    = 0.85
	DefaultConfidenceBoost        = 0.1

	// Staleness thresholds in days since last validation, per tier.
	DefaultTier1StaleDays = 365
	DefaultTier2StaleDays = 90
	DefaultTier3StaleDays = 180

	DefaultEmbeddingBatchSize = 100
	DefaultEmbeddingTimeoutMs = 10000

	// Message bus channel buffer.
	DefaultBufSize = 64
)

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Provider  ProviderConfig  `json:"provider"`
	Channels  ChannelsConfig  `json:"channels"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Trial     TrialConfig     `json:"trial"`
	Protocols ProtocolsConfig `json:"protocols"`
}

type AgentConfig struct {
	Model        string  `json:"model"`
	MaxTokens    int     `json:"maxTokens"`
	Temperature  float64 `json:"temperature"`
	HistoryLimit int     `json:"historyLimit"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type KnowledgeConfig struct {
	DBPath    string          `json:"dbPath,omitempty"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Embedding EmbeddingConfig `json:"embedding"`
}

// RetrievalConfig carries the relevance-scoring weights. The defaults are
// hand-tuned; changing them shifts ranking behavior across all tiers.
type RetrievalConfig struct {
	Tier1Weight            float64 `json:"tier1Weight,omitempty"`
	Tier2Weight            float64 `json:"tier2Weight,omitempty"`
	Tier3Weight            float64 `json:"tier3Weight,omitempty"`
	ScopeBoost             float64 `json:"scopeBoost,omitempty"`
	EffectivenessThreshold float64 `json:"effectivenessThreshold,omitempty"`
	EffectivenessBoost     float64 `json:"effectivenessBoost,omitempty"`
	ConfidenceThreshold    float64 `json:"confidenceThreshold,omitempty"`
	ConfidenceBoost        float64 `json:"confidenceBoost,omitempty"`
}

type EmbeddingConfig struct {
	Enabled   bool   `json:"enabled"`
	Provider  string `json:"provider,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type TrialConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type ProtocolsConfig struct {
	Dir string `json:"dir,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:        DefaultModel,
			MaxTokens:    DefaultMaxTokens,
			Temperature:  DefaultTemperature,
			HistoryLimit: DefaultHistoryLimit,
		},
		Provider: ProviderConfig{},
		Channels: ChannelsConfig{},
		Knowledge: KnowledgeConfig{
			Retrieval: DefaultRetrievalConfig(),
			Embedding: EmbeddingConfig{
				BatchSize: DefaultEmbeddingBatchSize,
				TimeoutMs: DefaultEmbeddingTimeoutMs,
			},
		},
	}
}

func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		Tier1Weight:            DefaultTier1Weight,
		Tier2Weight:            DefaultTier2Weight,
		Tier3Weight:            DefaultTier3Weight,
		ScopeBoost:             DefaultScopeBoost,
		EffectivenessThreshold: DefaultEffectivenessThreshold,
		EffectivenessBoost:     DefaultEffectivenessBoost,
		ConfidenceThreshold:    DefaultConfidenceThreshold,
		ConfidenceBoost:        DefaultConfidenceBoost,
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".cadence")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("CADENCE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("CADENCE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("CADENCE_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if token := os.Getenv("CADENCE_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if dbPath := os.Getenv("CADENCE_KNOWLEDGE_DB_PATH"); dbPath != "" {
		cfg.Knowledge.DBPath = dbPath
	}
	if dbPath := os.Getenv("CADENCE_TRIAL_DB_PATH"); dbPath != "" {
		cfg.Trial.DBPath = dbPath
	}
	if dir := os.Getenv("CADENCE_PROTOCOLS_DIR"); dir != "" {
		cfg.Protocols.Dir = dir
	}
	if enabled := os.Getenv("CADENCE_EMBEDDING_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Knowledge.Embedding.Enabled = parsed
		}
	}
	if key := os.Getenv("CADENCE_EMBEDDING_API_KEY"); key != "" {
		cfg.Knowledge.Embedding.APIKey = key
	}
	if url := os.Getenv("CADENCE_EMBEDDING_BASE_URL"); url != "" {
		cfg.Knowledge.Embedding.BaseURL = url
	}
	if model := os.Getenv("CADENCE_EMBEDDING_MODEL"); model != "" {
		cfg.Knowledge.Embedding.Model = model
	}

	normalize(cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.MaxTokens <= 0 {
		cfg.Agent.MaxTokens = DefaultMaxTokens
	}
	if cfg.Agent.Temperature < 0 {
		cfg.Agent.Temperature = DefaultTemperature
	}
	if cfg.Agent.HistoryLimit <= 0 {
		cfg.Agent.HistoryLimit = DefaultHistoryLimit
	}

	r := &cfg.Knowledge.Retrieval
	def := DefaultRetrievalConfig()
	if r.Tier1Weight <= 0 {
		r.Tier1Weight = def.Tier1Weight
	}
	if r.Tier2Weight <= 0 {
		r.Tier2Weight = def.Tier2Weight
	}
	if r.Tier3Weight <= 0 {
		r.Tier3Weight = def.Tier3Weight
	}
	if r.ScopeBoost <= 0 {
		r.ScopeBoost = def.ScopeBoost
	}
	if r.EffectivenessThreshold <= 0 {
		r.EffectivenessThreshold = def.EffectivenessThreshold
	}
	if r.EffectivenessBoost <= 0 {
		r.EffectivenessBoost = def.EffectivenessBoost
	}
	if r.ConfidenceThreshold <= 0 {
		r.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if r.ConfidenceBoost <= 0 {
		r.ConfidenceBoost = def.ConfidenceBoost
	}

	e := &cfg.Knowledge.Embedding
	if e.BatchSize <= 0 {
		e.BatchSize = DefaultEmbeddingBatchSize
	}
	if e.TimeoutMs <= 0 {
		e.TimeoutMs = DefaultEmbeddingTimeoutMs
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
