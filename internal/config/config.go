package config

import "time"

// ModelTier identifies one of the four provider/model slots a role can map to.
type ModelTier string

const (
	TierFast        ModelTier = "fast"
	TierMid         ModelTier = "mid"
	TierIntelligent ModelTier = "intelligent"
	TierVerifier    ModelTier = "verifier"
)

// TierConfig describes the provider endpoint backing one model tier.
type TierConfig struct {
	Provider string `yaml:"provider"` // "openai" (any openai-compatible base URL) or "anthropic"
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"baseURL"`
	APIKey   string `yaml:"apiKey"`
}

// RoleConfig maps an agent role onto a tier plus per-role generation limits.
type RoleConfig struct {
	Type        ModelTier `yaml:"type"`
	MaxTokens   int       `yaml:"maxTokens"`
	Temperature *float64  `yaml:"temperature"`
}

// LLMConfig groups dispatcher-level settings.
type LLMConfig struct {
	Tiers          map[ModelTier]TierConfig
	Roles          map[string]RoleConfig
	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	// PricingBaseURL, when set, is queried lazily for a models->price map
	// (openrouter-style /models payload). Empty disables cost computation.
	PricingBaseURL string
}

// EmbeddingConfig describes the embedding HTTP endpoint.
type EmbeddingConfig struct {
	BaseURL              string
	Model                string
	APIKey               string
	APIHeader            string
	Path                 string
	TimeoutSeconds       int
	BatchSize            int
	MaxConcurrentQueries int
	Dimensions           int
	SparseDimension      int
}

// RerankerConfig describes the cross-encoder rerank endpoint.
type RerankerConfig struct {
	URL       string
	Model     string
	BatchSize int
}

// VectorConfig selects and parameterizes the hybrid vector store backend.
type VectorConfig struct {
	Backend     string // "file" or "qdrant"
	Path        string // file backend root directory
	QdrantAddr  string
	LockTimeout time.Duration
}

// MissionStoreConfig selects the mission persistence backend.
type MissionStoreConfig struct {
	Backend string // "auto", "memory", "postgres"
	DSN     string
}

// EventsConfig selects the mission event sink transport.
type EventsConfig struct {
	Backend string // "memory" or "kafka"
	Brokers string
	Topic   string
}

// RedisConfig enables the optional cross-process price cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// WebConfig parameterizes web search and page fetching.
type WebConfig struct {
	SearXNGURL     string
	MaxResults     int
	MaxQueryLength int
}

// DocumentsConfig bounds filesystem access for full-document reads.
type DocumentsConfig struct {
	AllowedBasePath    string
	ReadTimeoutSeconds int
}

// ObsConfig controls OpenTelemetry export.
type ObsConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLP           string
}

// ResearchConfig carries every knob of the mission pipeline.
type ResearchConfig struct {
	MaxTotalDepth                 int
	InitialResearchMaxDepth       int
	InitialResearchMaxQuestions   int
	InitialExplorationDocResults  int
	InitialExplorationWebResults  int
	InitialExplorationUseReranker bool
	MainResearchDocResults        int
	MainResearchWebResults        int
	StructuredResearchRounds      int
	WritingPasses                 int
	ResearchNoteContentLimit      int
	MaxPlanningContextChars       int
	WritingPreviousContentPreview int
	ThoughtPadContextLimit        int
	MaxNotesForAssignment         int
	MaxConcurrentRequests         int
	MaxQuestionsPerSection        int
	SkipFinalReplanning           bool
	AutoOptimizeParams            bool
}

// Config is the full environment-driven configuration surface.
type Config struct {
	DataPath string
	LogLevel string
	LogPath  string

	LLM       LLMConfig
	Embedding EmbeddingConfig
	Reranker  RerankerConfig
	Vector    VectorConfig
	Mission   MissionStoreConfig
	Events    EventsConfig
	Redis     RedisConfig
	Web       WebConfig
	Documents DocumentsConfig
	Obs       ObsConfig
	Research  ResearchConfig
}

// TierFor resolves the tier an agent role maps to, falling back to the
// "default" role entry and finally to mid.
func (c *Config) TierFor(role string) ModelTier {
	if rc, ok := c.LLM.Roles[role]; ok && rc.Type != "" {
		return rc.Type
	}
	if rc, ok := c.LLM.Roles["default"]; ok && rc.Type != "" {
		return rc.Type
	}
	return TierMid
}

// RoleLimits returns the max tokens and temperature configured for a role.
// Zero max tokens means provider default; nil temperature likewise.
func (c *Config) RoleLimits(role string) (int, *float64) {
	if rc, ok := c.LLM.Roles[role]; ok {
		return rc.MaxTokens, rc.Temperature
	}
	if rc, ok := c.LLM.Roles["default"]; ok {
		return rc.MaxTokens, rc.Temperature
	}
	return 0, nil
}
