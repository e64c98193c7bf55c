package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Reasoner   ReasonerConfig   `yaml:"reasoner" mapstructure:"reasoner"`
	Embed      EmbedConfig      `yaml:"embed" mapstructure:"embed"`
	Analyzer   AnalyzerConfig   `yaml:"analyzer" mapstructure:"analyzer"`
	Router     RouterConfig     `yaml:"router" mapstructure:"router"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" mapstructure:"dispatcher"`
	Budget     BudgetConfig     `yaml:"budget" mapstructure:"budget"`
	Miner      MinerConfig      `yaml:"miner" mapstructure:"miner"`
	Normalizer NormalizerConfig `yaml:"normalizer" mapstructure:"normalizer"`
	Gate       GateConfig       `yaml:"gate" mapstructure:"gate"`
	Supervisor SupervisorConfig `yaml:"supervisor" mapstructure:"supervisor"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite or postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// ReasonerConfig holds reasoning-model API settings and the per-route
// model mapping.
type ReasonerConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	SmallModel  string `yaml:"small_model" mapstructure:"small_model"`
	LargeModel  string `yaml:"large_model" mapstructure:"large_model"`
	VisionModel string `yaml:"vision_model" mapstructure:"vision_model"`
	MaxTokens   int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// EmbedConfig holds embedding-service settings.
type EmbedConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
	Local   bool   `yaml:"local" mapstructure:"local"`
}

// AnalyzerConfig configures the segment pre-analyzer.
type AnalyzerConfig struct {
	SentenceLenBaseline float64 `yaml:"sentence_len_baseline" mapstructure:"sentence_len_baseline"`
	DefaultComplexity   float64 `yaml:"default_complexity" mapstructure:"default_complexity"`
}

// RouterConfig configures routing thresholds and batching. Routing
// thresholds are configuration, not hardcoded constants.
type RouterConfig struct {
	NoModelMaxEntities   int     `yaml:"no_model_max_entities" mapstructure:"no_model_max_entities"`
	SmallMaxEntities     int     `yaml:"small_max_entities" mapstructure:"small_max_entities"`
	SmallMaxComplexity   float64 `yaml:"small_max_complexity" mapstructure:"small_max_complexity"`
	SmallTokenCeiling    int     `yaml:"small_token_ceiling" mapstructure:"small_token_ceiling"`
	LargeTokenCeiling    int     `yaml:"large_token_ceiling" mapstructure:"large_token_ceiling"`
	BatchMinSegments     int     `yaml:"batch_min_segments" mapstructure:"batch_min_segments"`
	BatchMaxSegments     int     `yaml:"batch_max_segments" mapstructure:"batch_max_segments"`
	VisionCapDefault     int     `yaml:"vision_cap_default" mapstructure:"vision_cap_default"`
	VisionCapImageHeavy  int     `yaml:"vision_cap_image_heavy" mapstructure:"vision_cap_image_heavy"`
	ImageHeavyRatio      float64 `yaml:"image_heavy_ratio" mapstructure:"image_heavy_ratio"`
	CacheSimilarityFloor float64 `yaml:"cache_similarity_floor" mapstructure:"cache_similarity_floor"`
}

// RouteLimit holds per-route dispatcher limits.
type RouteLimit struct {
	Concurrency       int `yaml:"concurrency" mapstructure:"concurrency"`
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	TokensPerMinute   int `yaml:"tokens_per_minute" mapstructure:"tokens_per_minute"`
}

// DispatcherConfig configures the rate-limited dispatcher.
type DispatcherConfig struct {
	Small       RouteLimit `yaml:"small" mapstructure:"small"`
	Large       RouteLimit `yaml:"large" mapstructure:"large"`
	Vision      RouteLimit `yaml:"vision" mapstructure:"vision"`
	MaxAttempts int        `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// BudgetConfig configures per-document and per-tenant-per-day caps.
type BudgetConfig struct {
	DocSmallCalls      int     `yaml:"doc_small_calls" mapstructure:"doc_small_calls"`
	DocLargeCalls      int     `yaml:"doc_large_calls" mapstructure:"doc_large_calls"`
	DocVisionCalls     int     `yaml:"doc_vision_calls" mapstructure:"doc_vision_calls"`
	DocCostCeilingUSD  float64 `yaml:"doc_cost_ceiling_usd" mapstructure:"doc_cost_ceiling_usd"`
	ImageHeavyCostMul  float64 `yaml:"image_heavy_cost_mul" mapstructure:"image_heavy_cost_mul"`
	TenantDailyCostUSD float64 `yaml:"tenant_daily_cost_usd" mapstructure:"tenant_daily_cost_usd"`
	TenantDailyDocs    int     `yaml:"tenant_daily_docs" mapstructure:"tenant_daily_docs"`
	WarnFraction       float64 `yaml:"warn_fraction" mapstructure:"warn_fraction"`
	SmallCallCostUSD   float64 `yaml:"small_call_cost_usd" mapstructure:"small_call_cost_usd"`
	LargeCallCostUSD   float64 `yaml:"large_call_cost_usd" mapstructure:"large_call_cost_usd"`
	VisionCallCostUSD  float64 `yaml:"vision_call_cost_usd" mapstructure:"vision_call_cost_usd"`
}

// MinerConfig configures the cross-segment pattern miner.
type MinerConfig struct {
	TopK                  int     `yaml:"top_k" mapstructure:"top_k"`
	EligibilityCutoff     float64 `yaml:"eligibility_cutoff" mapstructure:"eligibility_cutoff"`
	ComplexityWeight      float64 `yaml:"complexity_weight" mapstructure:"complexity_weight"`
	ComplexityThreshold   float64 `yaml:"complexity_threshold" mapstructure:"complexity_threshold"`
	NarrativeWeight       float64 `yaml:"narrative_weight" mapstructure:"narrative_weight"`
	ConnectivityWeight    float64 `yaml:"connectivity_weight" mapstructure:"connectivity_weight"`
	ConnectivityThreshold float64 `yaml:"connectivity_threshold" mapstructure:"connectivity_threshold"`
	GenericRelationCap    float64 `yaml:"generic_relation_cap" mapstructure:"generic_relation_cap"`
}

// NormalizerConfig configures near-duplicate merging.
type NormalizerConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
}

// GateConfig configures the promotion gatekeeper. ProfilePath points at
// the directory of per-(domain, language) rubric profiles.
type GateConfig struct {
	ProfilePath             string  `yaml:"profile_path" mapstructure:"profile_path"`
	SecondOpinionConfidence float64 `yaml:"second_opinion_confidence" mapstructure:"second_opinion_confidence"`
	NearDuplicatePenaltyN   int     `yaml:"near_duplicate_penalty_n" mapstructure:"near_duplicate_penalty_n"`
}

// SupervisorConfig configures the per-document FSM.
type SupervisorConfig struct {
	GlobalTimeout       time.Duration `yaml:"global_timeout" mapstructure:"global_timeout"`
	StateTimeout        time.Duration `yaml:"state_timeout" mapstructure:"state_timeout"`
	ExtractBatchTimeout time.Duration `yaml:"extract_batch_timeout" mapstructure:"extract_batch_timeout"`
	CrossSegmentTimeout time.Duration `yaml:"cross_segment_timeout" mapstructure:"cross_segment_timeout"`
	MaxTransitions      int           `yaml:"max_transitions" mapstructure:"max_transitions"`
	StateRetries        int           `yaml:"state_retries" mapstructure:"state_retries"`
}

// BatchConfig configures multi-document processing.
type BatchConfig struct {
	MaxConcurrentDocuments int `yaml:"max_concurrent_documents" mapstructure:"max_concurrent_documents"`
}

// ServerConfig configures the ingestion HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures metric collection and alerting.
type MonitoringConfig struct {
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Limit returns the dispatcher limit for a route name.
func (d DispatcherConfig) Limit(route string) RouteLimit {
	switch route {
	case "LARGE":
		return d.Large
	case "VISION":
		return d.Vision
	default:
		return d.Small
	}
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "ingest.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("batch.max_concurrent_documents", 5)

	v.SetDefault("reasoner.small_model", "claude-haiku-4-5-20251001")
	v.SetDefault("reasoner.large_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("reasoner.vision_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("reasoner.max_tokens", 4096)

	v.SetDefault("embed.base_url", "https://api.jina.ai/v1/embeddings")
	v.SetDefault("embed.model", "jina-embeddings-v3")
	v.SetDefault("embed.local", false)

	v.SetDefault("analyzer.sentence_len_baseline", 30)
	v.SetDefault("analyzer.default_complexity", 0.5)

	v.SetDefault("router.no_model_max_entities", 3)
	v.SetDefault("router.small_max_entities", 8)
	v.SetDefault("router.small_max_complexity", 0.6)
	v.SetDefault("router.small_token_ceiling", 1800)
	v.SetDefault("router.large_token_ceiling", 3000)
	v.SetDefault("router.batch_min_segments", 2)
	v.SetDefault("router.batch_max_segments", 6)
	v.SetDefault("router.vision_cap_default", 2)
	v.SetDefault("router.vision_cap_image_heavy", 100)
	v.SetDefault("router.image_heavy_ratio", 0.08)
	v.SetDefault("router.cache_similarity_floor", 0.95)

	v.SetDefault("dispatcher.small.concurrency", 20)
	v.SetDefault("dispatcher.small.requests_per_minute", 300)
	v.SetDefault("dispatcher.small.tokens_per_minute", 200000)
	v.SetDefault("dispatcher.large.concurrency", 5)
	v.SetDefault("dispatcher.large.requests_per_minute", 60)
	v.SetDefault("dispatcher.large.tokens_per_minute", 80000)
	v.SetDefault("dispatcher.vision.concurrency", 2)
	v.SetDefault("dispatcher.vision.requests_per_minute", 20)
	v.SetDefault("dispatcher.vision.tokens_per_minute", 40000)
	v.SetDefault("dispatcher.max_attempts", 3)

	v.SetDefault("budget.doc_small_calls", 120)
	v.SetDefault("budget.doc_large_calls", 8)
	v.SetDefault("budget.doc_vision_calls", 2)
	v.SetDefault("budget.doc_cost_ceiling_usd", 2.50)
	v.SetDefault("budget.image_heavy_cost_mul", 4.0)
	v.SetDefault("budget.tenant_daily_cost_usd", 200.0)
	v.SetDefault("budget.tenant_daily_docs", 500)
	v.SetDefault("budget.warn_fraction", 0.9)
	v.SetDefault("budget.small_call_cost_usd", 0.004)
	v.SetDefault("budget.large_call_cost_usd", 0.045)
	v.SetDefault("budget.vision_call_cost_usd", 0.060)

	v.SetDefault("miner.top_k", 3)
	v.SetDefault("miner.eligibility_cutoff", 0.5)
	v.SetDefault("miner.complexity_weight", 0.4)
	v.SetDefault("miner.complexity_threshold", 0.7)
	v.SetDefault("miner.narrative_weight", 0.4)
	v.SetDefault("miner.connectivity_weight", 0.2)
	v.SetDefault("miner.connectivity_threshold", 0.3)
	v.SetDefault("miner.generic_relation_cap", 0.05)

	v.SetDefault("normalizer.similarity_threshold", 0.85)

	v.SetDefault("gate.profile_path", "profiles")
	v.SetDefault("gate.second_opinion_confidence", 0.75)
	v.SetDefault("gate.near_duplicate_penalty_n", 3)

	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.cost_threshold_usd", 100.0)

	v.SetDefault("supervisor.global_timeout", "300s")
	v.SetDefault("supervisor.state_timeout", "30s")
	v.SetDefault("supervisor.extract_batch_timeout", "60s")
	v.SetDefault("supervisor.cross_segment_timeout", "45s")
	v.SetDefault("supervisor.max_transitions", 50)
	v.SetDefault("supervisor.state_retries", 3)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
