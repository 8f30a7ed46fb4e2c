// Package config loads engine configuration from .mnemo/config.json with
// per-subsystem sections and MNEMO_-prefixed environment overrides.
// Configuration is immutable after init: components receive their section as
// a constructor argument and never re-read it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Storage       StorageConfig       `json:"storage"`
	Compression   CompressionConfig   `json:"compression"`
	Embeddings    EmbeddingsConfig    `json:"embeddings"`
	Provider      ProviderConfig      `json:"provider"`
	Working       WorkingConfig       `json:"working"`
	Consolidation ConsolidationConfig `json:"consolidation"`
	Heuristics    HeuristicsConfig    `json:"heuristics"`
	Retrieval     RetrievalConfig     `json:"retrieval"`
	Logging       LoggingConfig       `json:"logging"`
}

// StorageConfig selects and tunes the driver set.
type StorageConfig struct {
	// Provider: "in-process", "embedded-file", "networked-sql", "networked-kv"
	Provider string `json:"provider"`

	// Connection is the driver-specific endpoint: a file path for
	// embedded-file, a postgres URI for networked-sql, a redis address for
	// networked-kv. Ignored by in-process.
	Connection string `json:"connection"`

	// EnableFallback wraps the primary driver with retry + an in-process
	// fallback store.
	EnableFallback bool `json:"enable_fallback"`

	// MaxRetries is the attempt count per operation before falling back.
	MaxRetries int `json:"max_retries"`

	// OpTimeout bounds each storage operation.
	OpTimeout Duration `json:"op_timeout"`
}

// CompressionConfig tunes selective compression of free-text blobs.
type CompressionConfig struct {
	Enabled bool `json:"enabled"`

	// Algorithm: "gzip", "brotli", "selective-gzip", "selective-brotli".
	// The selective variants only compress payloads at or above
	// ThresholdBytes and keep the raw form when compression doesn't shrink.
	Algorithm      string `json:"algorithm"`
	ThresholdBytes int    `json:"threshold_bytes"`
}

// EmbeddingsConfig tunes vector storage in the semantic tier.
type EmbeddingsConfig struct {
	// QuantizationEnabled stores float32 embeddings as int8 with per-vector
	// min-max scale/offset. Transparent to callers.
	QuantizationEnabled bool `json:"quantization_enabled"`

	// Precision: "float32" or "int8".
	Precision string `json:"precision"`
}

// ProviderConfig configures the external embedding/completion collaborator.
type ProviderConfig struct {
	// Backend: "ollama" or "genai". Empty disables the collaborator; the
	// engine falls back to surface heuristics everywhere.
	Backend string `json:"backend"`

	OllamaEndpoint  string `json:"ollama_endpoint"`
	OllamaEmbed     string `json:"ollama_embed_model"`
	OllamaCompleter string `json:"ollama_completion_model"`

	GenAIAPIKey     string `json:"genai_api_key"`
	GenAIEmbed      string `json:"genai_embed_model"`
	GenAICompleter  string `json:"genai_completion_model"`
	GenAIDimensions int    `json:"genai_dimensions"`
}

// WorkingConfig tunes the working tier.
type WorkingConfig struct {
	// TTL after which unpromoted working-tier items are discarded.
	TTL Duration `json:"ttl"`

	// MaxItems is the per-user cap that triggers consolidation.
	MaxItems int `json:"max_items"`

	// RecentDefault is the message count RetrieveContext pulls from working.
	RecentDefault int `json:"recent_default"`
}

// ConsolidationConfig tunes the hippocampus pipeline.
type ConsolidationConfig struct {
	Period            Duration `json:"period"`
	ThresholdMessages int      `json:"threshold_messages"`

	// Phase-1 candidate rules.
	MinImportance float64  `json:"min_importance"`
	MinAccess     int      `json:"min_access"`
	MinAge        Duration `json:"min_age"`

	// Phase-2 clustering.
	ClusterSimilarity float64  `json:"cluster_similarity"`
	ClusterWindow     Duration `json:"cluster_window"`
	FactMinConfidence float64  `json:"fact_min_confidence"`
	FactMinAge        Duration `json:"fact_min_age"`

	// Phase-3 pattern mining.
	PatternWindow        Duration `json:"pattern_window"`
	PatternMinOccurrence int      `json:"pattern_min_occurrence"`
	PatternMinSuccess    float64  `json:"pattern_min_success"`

	// Eviction.
	FactTTL       Duration `json:"fact_ttl"`
	FactMinAccess int      `json:"fact_min_access"`

	// Retry on cycle failure.
	RetryBase Duration `json:"retry_base"`
	Retries   int      `json:"retries"`

	// QueueCapacity bounds the consolidation request channel.
	QueueCapacity int `json:"queue_capacity"`
}

// HeuristicsConfig tunes the amygdala and prefrontal heuristics.
type HeuristicsConfig struct {
	// SpecificLayersThreshold is the planner confidence below which the LLM
	// classifier is consulted.
	SpecificLayersThreshold float64 `json:"specific_layers_threshold"`

	// Dampening multiplies the weighted importance sum.
	Dampening float64 `json:"dampening"`

	// DefaultImportance is the floor assigned when signals are absent.
	DefaultImportance float64 `json:"default_importance"`

	// RecencyTau is the time constant of the recency component.
	RecencyTau Duration `json:"recency_tau"`

	// PromotionThreshold partitions scores; >= is promotion-eligible.
	PromotionThreshold float64 `json:"promotion_threshold"`

	// Component weights for the composite importance score.
	Weights ImportanceWeights `json:"weights"`
}

// ImportanceWeights are the per-component weights of the composite score.
type ImportanceWeights struct {
	Base      float64 `json:"base"`
	Decision  float64 `json:"decision"`
	Question  float64 `json:"question"`
	Novelty   float64 `json:"novelty"`
	Sentiment float64 `json:"sentiment"`
	Technical float64 `json:"technical"`
	Recency   float64 `json:"recency"`
}

// RetrievalConfig tunes context assembly.
type RetrievalConfig struct {
	// Deadline bounds the parallel tier reads of one retrieval.
	Deadline Duration `json:"deadline"`

	// SemanticTopK and EpisodicTopK are the per-tier candidate counts.
	SemanticTopK int `json:"semantic_top_k"`
	EpisodicTopK int `json:"episodic_top_k"`

	// SemanticThreshold is the minimum cosine similarity for fact hits.
	SemanticThreshold float64 `json:"semantic_threshold"`
}

// LoggingConfig mirrors the logging package's expectations.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
}

// Duration is a time.Duration that marshals as a string ("5m", "1h").
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration: %s", data)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the documented defaults for every section.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Provider:       "in-process",
			EnableFallback: true,
			MaxRetries:     3,
			OpTimeout:      Duration(30 * time.Second),
		},
		Compression: CompressionConfig{
			Enabled:        false,
			Algorithm:      "selective-gzip",
			ThresholdBytes: 1024,
		},
		Embeddings: EmbeddingsConfig{
			QuantizationEnabled: false,
			Precision:           "float32",
		},
		Provider: ProviderConfig{
			Backend:         "",
			OllamaEndpoint:  "http://localhost:11434",
			OllamaEmbed:     "embeddinggemma",
			OllamaCompleter: "llama3.2",
			GenAIEmbed:      "gemini-embedding-001",
			GenAICompleter:  "gemini-2.0-flash",
			GenAIDimensions: 1536,
		},
		Working: WorkingConfig{
			TTL:           Duration(time.Hour),
			MaxItems:      1000,
			RecentDefault: 10,
		},
		Consolidation: ConsolidationConfig{
			Period:               Duration(5 * time.Minute),
			ThresholdMessages:    20,
			MinImportance:        0.7,
			MinAccess:            3,
			MinAge:               Duration(15 * time.Minute),
			ClusterSimilarity:    0.85,
			ClusterWindow:        Duration(7 * 24 * time.Hour),
			FactMinConfidence:    0.8,
			FactMinAge:           Duration(2 * time.Hour),
			PatternWindow:        Duration(30 * 24 * time.Hour),
			PatternMinOccurrence: 3,
			PatternMinSuccess:    0.6,
			FactTTL:              Duration(30 * 24 * time.Hour),
			FactMinAccess:        3,
			RetryBase:            Duration(5 * time.Second),
			Retries:              3,
			QueueCapacity:        1000,
		},
		Heuristics: HeuristicsConfig{
			SpecificLayersThreshold: 0.80,
			Dampening:               0.90,
			DefaultImportance:       0.30,
			RecencyTau:              Duration(30 * time.Minute),
			PromotionThreshold:      0.7,
			Weights: ImportanceWeights{
				Base:      0.15,
				Decision:  0.25,
				Question:  0.10,
				Novelty:   0.15,
				Sentiment: 0.10,
				Technical: 0.15,
				Recency:   0.10,
			},
		},
		Retrieval: RetrievalConfig{
			Deadline:          Duration(500 * time.Millisecond),
			SemanticTopK:      5,
			EpisodicTopK:      5,
			SemanticThreshold: 0.5,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads .mnemo/config.json under the workspace, merging over defaults
// and then applying environment overrides. A missing file yields defaults.
func Load(workspace string) (Config, error) {
	cfg := Default()

	path := filepath.Join(workspace, ".mnemo", "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

// Validate rejects out-of-range thresholds before the engine starts.
func (c Config) Validate() error {
	switch c.Storage.Provider {
	case "in-process", "embedded-file", "networked-sql", "networked-kv":
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	if c.Heuristics.SpecificLayersThreshold < 0 || c.Heuristics.SpecificLayersThreshold > 1 {
		return fmt.Errorf("heuristics.specific_layers_threshold out of range: %f", c.Heuristics.SpecificLayersThreshold)
	}
	if c.Heuristics.Dampening <= 0 || c.Heuristics.Dampening > 1 {
		return fmt.Errorf("heuristics.dampening out of range: %f", c.Heuristics.Dampening)
	}
	if c.Consolidation.ClusterSimilarity < 0 || c.Consolidation.ClusterSimilarity > 1 {
		return fmt.Errorf("consolidation.cluster_similarity out of range: %f", c.Consolidation.ClusterSimilarity)
	}
	return nil
}

// applyEnvOverrides maps MNEMO_* variables onto config fields. Only the
// operationally useful knobs are exposed; everything else is file-only.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MNEMO_STORAGE_PROVIDER"); v != "" {
		cfg.Storage.Provider = v
	}
	if v := os.Getenv("MNEMO_STORAGE_CONNECTION"); v != "" {
		cfg.Storage.Connection = v
	}
	if v := os.Getenv("MNEMO_STORAGE_ENABLE_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.EnableFallback = b
		}
	}
	if v := os.Getenv("MNEMO_STORAGE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Storage.MaxRetries = n
		}
	}
	if v := os.Getenv("MNEMO_PROVIDER_BACKEND"); v != "" {
		cfg.Provider.Backend = v
	}
	if v := os.Getenv("MNEMO_GENAI_API_KEY"); v != "" {
		cfg.Provider.GenAIAPIKey = v
	}
	if v := os.Getenv("MNEMO_OLLAMA_ENDPOINT"); v != "" {
		cfg.Provider.OllamaEndpoint = v
	}
	if v := os.Getenv("MNEMO_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
}
