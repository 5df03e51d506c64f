// Package config loads and validates the external brain's configuration.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration, mirroring spec.md §6.
type Config struct {
	Version       int                 `yaml:"version" json:"version"`
	Paths         PathsConfig         `yaml:"paths" json:"paths"`
	Vector        VectorConfig        `yaml:"vector" json:"vector"`
	Chunking      ChunkingConfig      `yaml:"chunking" json:"chunking"`
	Reranker      RerankerConfig      `yaml:"reranker" json:"reranker"`
	Project       ProjectConfig       `yaml:"project" json:"project"`
	Consolidation ConsolidationConfig `yaml:"consolidation" json:"consolidation"`
	WorkingMemory WorkingMemoryConfig `yaml:"working_memory" json:"working_memory"`
	Router        RouterConfig        `yaml:"router" json:"router"`
	Weights       WeightsConfig       `yaml:"weights" json:"weights"`
	Server        ServerConfig        `yaml:"server" json:"server"`
}

// PathsConfig configures where persisted state lives.
type PathsConfig struct {
	// DataDir is the root of all persisted state (§6 "Persisted state layout").
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// VectorConfig configures C1/C8 candidate sizing.
type VectorConfig struct {
	CandidateCount int `yaml:"candidate_count" json:"candidate_count"`
	TopK           int `yaml:"top_k" json:"top_k"`
	Dimensions     int `yaml:"dimensions" json:"dimensions"`
}

// ChunkingConfig configures C4.
type ChunkingConfig struct {
	MaxTokens      int     `yaml:"max_tokens" json:"max_tokens"`
	OverlapPercent float64 `yaml:"overlap_percent" json:"overlap_percent"`
}

// RerankerConfig configures C9.
type RerankerConfig struct {
	MaxCandidates     int     `yaml:"max_candidates" json:"max_candidates"`
	ParallelWorkers   int     `yaml:"parallel_workers" json:"parallel_workers"`
	CacheL1Size       int     `yaml:"cache_l1_size" json:"cache_l1_size"`
	CacheL2Size       int     `yaml:"cache_l2_size" json:"cache_l2_size"`
	CacheTTLSeconds   int     `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	SemanticThreshold float64 `yaml:"semantic_threshold" json:"semantic_threshold"`
	QueueWaitMaxMS    int     `yaml:"queue_wait_max_ms" json:"queue_wait_max_ms"`
	L3MaxPerCandidate int     `yaml:"l3_max_per_candidate" json:"l3_max_per_candidate"`
}

// ProjectConfig configures C10.
type ProjectConfig struct {
	PrefetchMinConfidence float64 `yaml:"prefetch_min_confidence" json:"prefetch_min_confidence"`
	MaxMemories           int     `yaml:"max_memories" json:"max_memories"`
	PoolTTLSeconds        int     `yaml:"pool_ttl_seconds" json:"pool_ttl_seconds"`
	MinScoreThreshold     float64 `yaml:"min_score_threshold" json:"min_score_threshold"`
}

// ConsolidationConfig configures C11/C12.
type ConsolidationConfig struct {
	Schedule            string  `yaml:"schedule" json:"schedule"`
	AgeThresholdDays     int     `yaml:"age_threshold_days" json:"age_threshold_days"`
	ImportanceThreshold  float64 `yaml:"importance_threshold" json:"importance_threshold"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	MinClusterSize       int     `yaml:"min_cluster_size" json:"min_cluster_size"`
	ForgetImportanceMax  float64 `yaml:"forget_importance_max" json:"forget_importance_max"`
	ForgetInactiveDays   int     `yaml:"forget_inactive_days" json:"forget_inactive_days"`
	PromotionMinRefs     int     `yaml:"promotion_min_refs" json:"promotion_min_refs"`
	PromotionImportance  float64 `yaml:"promotion_importance" json:"promotion_importance"`
	MisfireGraceSeconds  int     `yaml:"misfire_grace_seconds" json:"misfire_grace_seconds"`
	RegressionDeltaGate  float64 `yaml:"regression_delta_gate" json:"regression_delta_gate"`
	RegressionAbsoluteMin float64 `yaml:"regression_absolute_min" json:"regression_absolute_min"`
}

// WorkingMemoryConfig configures tier promotion timing.
type WorkingMemoryConfig struct {
	RetentionHours int `yaml:"retention_hours" json:"retention_hours"`
}

// RouterConfig configures C3 task dispatch thresholds.
type RouterConfig struct {
	ShortSummaryMaxTokens int    `yaml:"short_summary_max_tokens" json:"short_summary_max_tokens"`
	LongSummaryMinTokens  int    `yaml:"long_summary_min_tokens" json:"long_summary_min_tokens"`
	LocalHost             string `yaml:"local_host" json:"local_host"`
	LocalModel            string `yaml:"local_model" json:"local_model"`
	ExternalHost          string `yaml:"external_host" json:"external_host"`
	ExternalModel         string `yaml:"external_model" json:"external_model"`
}

// WeightsConfig are the C8 fusion weights; must be non-negative and sum to 1.0.
type WeightsConfig struct {
	MemoryStrength float64 `yaml:"memory_strength" json:"memory_strength"`
	Recency        float64 `yaml:"recency" json:"recency"`
	RefsReliability float64 `yaml:"refs_reliability" json:"refs_reliability"`
	BM25           float64 `yaml:"bm25" json:"bm25"`
	Vector         float64 `yaml:"vector" json:"vector"`
	Metadata       float64 `yaml:"metadata" json:"metadata"`
	RecencyTauDays float64 `yaml:"recency_tau_days" json:"recency_tau_days"`
}

// ServerConfig configures the thin CLI/daemon surface.
type ServerConfig struct {
	LogLevel string `yaml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" json:"log_file"`
}

// NewConfig returns a Config populated with spec.md §6's documented defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			DataDir: defaultDataDir(),
		},
		Vector: VectorConfig{
			CandidateCount: 50,
			TopK:           10,
			Dimensions:     768,
		},
		Chunking: ChunkingConfig{
			MaxTokens:      512,
			OverlapPercent: 0.10,
		},
		Reranker: RerankerConfig{
			MaxCandidates:     20,
			ParallelWorkers:   3,
			CacheL1Size:       128,
			CacheL2Size:       128,
			CacheTTLSeconds:   28800,
			SemanticThreshold: 0.85,
			QueueWaitMaxMS:    500,
			L3MaxPerCandidate: 5,
		},
		Project: ProjectConfig{
			PrefetchMinConfidence: 0.75,
			MaxMemories:           100,
			PoolTTLSeconds:        28800,
			MinScoreThreshold:     0.3,
		},
		Consolidation: ConsolidationConfig{
			Schedule:              "0 3 * * *",
			AgeThresholdDays:      30,
			ImportanceThreshold:   0.3,
			SimilarityThreshold:   0.9,
			MinClusterSize:        2,
			ForgetImportanceMax:   0.1,
			ForgetInactiveDays:    180,
			PromotionMinRefs:      3,
			PromotionImportance:   0.6,
			MisfireGraceSeconds:   3600,
			RegressionDeltaGate:   0.02,
			RegressionAbsoluteMin: 0.80,
		},
		WorkingMemory: WorkingMemoryConfig{
			RetentionHours: 8,
		},
		Router: RouterConfig{
			ShortSummaryMaxTokens: 100,
			LongSummaryMinTokens:  500,
			LocalHost:             "http://localhost:11434",
			LocalModel:            "qwen3:0.6b",
			ExternalHost:          "",
			ExternalModel:         "",
		},
		Weights: WeightsConfig{
			MemoryStrength:  0.15,
			Recency:         0.15,
			RefsReliability: 0.10,
			BM25:            0.25,
			Vector:          0.25,
			Metadata:        0.10,
			RecencyTauDays:  30,
		},
		Server: ServerConfig{
			LogLevel: "info",
			LogFile:  "",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".externalbrain")
	}
	return filepath.Join(home, ".externalbrain")
}

// Load applies configuration in order of increasing precedence:
//  1. Hardcoded defaults.
//  2. YAML file at <dir>/.externalbrain.yaml (or .yml).
//  3. BRAIN_* environment variable overrides.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{".externalbrain.yaml", ".externalbrain.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return c.loadYAML(path)
		}
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith overlays non-zero fields from other onto c. The weights block is
// the exception: if any of its fields is set, it replaces c.Weights whole,
// zero fields included.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.Paths.DataDir != "" {
		c.Paths.DataDir = other.Paths.DataDir
	}

	if other.Vector.CandidateCount != 0 {
		c.Vector.CandidateCount = other.Vector.CandidateCount
	}
	if other.Vector.TopK != 0 {
		c.Vector.TopK = other.Vector.TopK
	}
	if other.Vector.Dimensions != 0 {
		c.Vector.Dimensions = other.Vector.Dimensions
	}

	if other.Chunking.MaxTokens != 0 {
		c.Chunking.MaxTokens = other.Chunking.MaxTokens
	}
	if other.Chunking.OverlapPercent != 0 {
		c.Chunking.OverlapPercent = other.Chunking.OverlapPercent
	}

	if other.Reranker.MaxCandidates != 0 {
		c.Reranker.MaxCandidates = other.Reranker.MaxCandidates
	}
	if other.Reranker.ParallelWorkers != 0 {
		c.Reranker.ParallelWorkers = other.Reranker.ParallelWorkers
	}
	if other.Reranker.CacheL1Size != 0 {
		c.Reranker.CacheL1Size = other.Reranker.CacheL1Size
	}
	if other.Reranker.CacheL2Size != 0 {
		c.Reranker.CacheL2Size = other.Reranker.CacheL2Size
	}
	if other.Reranker.CacheTTLSeconds != 0 {
		c.Reranker.CacheTTLSeconds = other.Reranker.CacheTTLSeconds
	}
	if other.Reranker.SemanticThreshold != 0 {
		c.Reranker.SemanticThreshold = other.Reranker.SemanticThreshold
	}
	if other.Reranker.QueueWaitMaxMS != 0 {
		c.Reranker.QueueWaitMaxMS = other.Reranker.QueueWaitMaxMS
	}
	if other.Reranker.L3MaxPerCandidate != 0 {
		c.Reranker.L3MaxPerCandidate = other.Reranker.L3MaxPerCandidate
	}

	if other.Project.PrefetchMinConfidence != 0 {
		c.Project.PrefetchMinConfidence = other.Project.PrefetchMinConfidence
	}
	if other.Project.MaxMemories != 0 {
		c.Project.MaxMemories = other.Project.MaxMemories
	}
	if other.Project.PoolTTLSeconds != 0 {
		c.Project.PoolTTLSeconds = other.Project.PoolTTLSeconds
	}
	if other.Project.MinScoreThreshold != 0 {
		c.Project.MinScoreThreshold = other.Project.MinScoreThreshold
	}

	if other.Consolidation.Schedule != "" {
		c.Consolidation.Schedule = other.Consolidation.Schedule
	}
	if other.Consolidation.AgeThresholdDays != 0 {
		c.Consolidation.AgeThresholdDays = other.Consolidation.AgeThresholdDays
	}
	if other.Consolidation.ImportanceThreshold != 0 {
		c.Consolidation.ImportanceThreshold = other.Consolidation.ImportanceThreshold
	}
	if other.Consolidation.SimilarityThreshold != 0 {
		c.Consolidation.SimilarityThreshold = other.Consolidation.SimilarityThreshold
	}
	if other.Consolidation.MinClusterSize != 0 {
		c.Consolidation.MinClusterSize = other.Consolidation.MinClusterSize
	}
	if other.Consolidation.ForgetImportanceMax != 0 {
		c.Consolidation.ForgetImportanceMax = other.Consolidation.ForgetImportanceMax
	}
	if other.Consolidation.ForgetInactiveDays != 0 {
		c.Consolidation.ForgetInactiveDays = other.Consolidation.ForgetInactiveDays
	}
	if other.Consolidation.PromotionMinRefs != 0 {
		c.Consolidation.PromotionMinRefs = other.Consolidation.PromotionMinRefs
	}
	if other.Consolidation.PromotionImportance != 0 {
		c.Consolidation.PromotionImportance = other.Consolidation.PromotionImportance
	}
	if other.Consolidation.MisfireGraceSeconds != 0 {
		c.Consolidation.MisfireGraceSeconds = other.Consolidation.MisfireGraceSeconds
	}
	if other.Consolidation.RegressionDeltaGate != 0 {
		c.Consolidation.RegressionDeltaGate = other.Consolidation.RegressionDeltaGate
	}
	if other.Consolidation.RegressionAbsoluteMin != 0 {
		c.Consolidation.RegressionAbsoluteMin = other.Consolidation.RegressionAbsoluteMin
	}

	if other.WorkingMemory.RetentionHours != 0 {
		c.WorkingMemory.RetentionHours = other.WorkingMemory.RetentionHours
	}

	if other.Router.ShortSummaryMaxTokens != 0 {
		c.Router.ShortSummaryMaxTokens = other.Router.ShortSummaryMaxTokens
	}
	if other.Router.LongSummaryMinTokens != 0 {
		c.Router.LongSummaryMinTokens = other.Router.LongSummaryMinTokens
	}
	if other.Router.LocalHost != "" {
		c.Router.LocalHost = other.Router.LocalHost
	}
	if other.Router.LocalModel != "" {
		c.Router.LocalModel = other.Router.LocalModel
	}
	if other.Router.ExternalHost != "" {
		c.Router.ExternalHost = other.Router.ExternalHost
	}
	if other.Router.ExternalModel != "" {
		c.Router.ExternalModel = other.Router.ExternalModel
	}

	if other.Weights != (WeightsConfig{}) {
		c.Weights = other.Weights
	}

	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
	if other.Server.LogFile != "" {
		c.Server.LogFile = other.Server.LogFile
	}
}

// applyEnvOverrides applies BRAIN_* environment variable overrides, highest precedence.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BRAIN_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("BRAIN_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("BRAIN_ROUTER_LOCAL_HOST"); v != "" {
		c.Router.LocalHost = v
	}
	if v := os.Getenv("BRAIN_ROUTER_EXTERNAL_HOST"); v != "" {
		c.Router.ExternalHost = v
	}
	if v := os.Getenv("BRAIN_RERANKER_PARALLEL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Reranker.ParallelWorkers = n
		}
	}
	if v := os.Getenv("BRAIN_VECTOR_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Vector.TopK = n
		}
	}
}

// Validate checks invariants documented in spec.md §8 property 4 (weights) and basic
// range sanity for the rest of the configuration.
func (c *Config) Validate() error {
	sum := c.Weights.MemoryStrength + c.Weights.Recency + c.Weights.RefsReliability +
		c.Weights.BM25 + c.Weights.Vector + c.Weights.Metadata
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("weights must sum to 1.0 (±1e-6), got %.6f", sum)
	}
	for name, w := range map[string]float64{
		"memory_strength": c.Weights.MemoryStrength,
		"recency":         c.Weights.Recency,
		"refs_reliability": c.Weights.RefsReliability,
		"bm25":            c.Weights.BM25,
		"vector":          c.Weights.Vector,
		"metadata":        c.Weights.Metadata,
	} {
		if w < 0 {
			return fmt.Errorf("weight %q must be non-negative, got %f", name, w)
		}
	}

	if c.Reranker.ParallelWorkers < 1 {
		return fmt.Errorf("reranker.parallel_workers must be >= 1, got %d", c.Reranker.ParallelWorkers)
	}
	if c.Reranker.SemanticThreshold < 0 || c.Reranker.SemanticThreshold > 1 {
		return fmt.Errorf("reranker.semantic_threshold must be in [0,1], got %f", c.Reranker.SemanticThreshold)
	}
	if c.Vector.TopK < 0 || c.Vector.CandidateCount < 0 {
		return fmt.Errorf("vector.top_k and vector.candidate_count must be non-negative")
	}
	if c.Project.PrefetchMinConfidence < 0 || c.Project.PrefetchMinConfidence > 1 {
		return fmt.Errorf("project.prefetch_min_confidence must be in [0,1], got %f", c.Project.PrefetchMinConfidence)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultIndexWorkers returns a sensible parallelism default for batch embedding.
func DefaultIndexWorkers() int {
	return runtime.NumCPU()
}

// RerankerCacheTTL returns the reranker cache TTL as a time.Duration.
func (c *Config) RerankerCacheTTL() time.Duration {
	return time.Duration(c.Reranker.CacheTTLSeconds) * time.Second
}

// ProjectPoolTTL returns the project pool TTL as a time.Duration.
func (c *Config) ProjectPoolTTL() time.Duration {
	return time.Duration(c.Project.PoolTTLSeconds) * time.Second
}

// WorkingMemoryRetention returns the working-memory retention window.
func (c *Config) WorkingMemoryRetention() time.Duration {
	return time.Duration(c.WorkingMemory.RetentionHours) * time.Hour
}
