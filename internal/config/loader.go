package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Load reads configuration from environment variables (optionally .env) and,
// when present, a config.yaml supplying the per-role model tables.
func Load() (Config, error) {
	// Overload so .env values override the OS environment: repository-local
	// configuration deterministically controls runtime behavior in development.
	_ = godotenv.Overload()

	cfg := Config{}
	cfg.DataPath = strings.TrimSpace(os.Getenv("MERIDIAN_DATA_PATH"))
	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	cfg.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))

	cfg.LLM.Tiers = map[ModelTier]TierConfig{}
	for _, tier := range []ModelTier{TierFast, TierMid, TierIntelligent, TierVerifier} {
		prefix := strings.ToUpper(string(tier))
		tc := TierConfig{
			Provider: strings.TrimSpace(os.Getenv(prefix + "_LLM_PROVIDER")),
			Model:    strings.TrimSpace(os.Getenv(prefix + "_LLM_MODEL")),
			BaseURL:  strings.TrimSpace(os.Getenv(prefix + "_LLM_BASE_URL")),
			APIKey:   strings.TrimSpace(os.Getenv(prefix + "_LLM_API_KEY")),
		}
		cfg.LLM.Tiers[tier] = tc
	}
	if v := strings.TrimSpace(os.Getenv("MAX_RETRIES")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.LLM.MaxRetries = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RETRY_DELAY")); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.LLM.RetryDelay = time.Duration(f * float64(time.Second))
		}
	}
	if v := strings.TrimSpace(os.Getenv("LLM_REQUEST_TIMEOUT")); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.LLM.RequestTimeout = time.Duration(f * float64(time.Second))
		}
	}
	cfg.LLM.PricingBaseURL = strings.TrimSpace(os.Getenv("LLM_PRICING_BASE_URL"))

	cfg.Embedding.BaseURL = strings.TrimSpace(os.Getenv("EMBED_BASE_URL"))
	cfg.Embedding.Model = strings.TrimSpace(os.Getenv("EMBED_MODEL"))
	cfg.Embedding.APIKey = strings.TrimSpace(os.Getenv("EMBED_API_KEY"))
	cfg.Embedding.APIHeader = strings.TrimSpace(os.Getenv("EMBED_API_HEADER"))
	cfg.Embedding.Path = strings.TrimSpace(os.Getenv("EMBED_PATH"))
	readIntEnv("EMBED_TIMEOUT", &cfg.Embedding.TimeoutSeconds)
	readIntEnv("EMBEDDING_BATCH_SIZE", &cfg.Embedding.BatchSize)
	readIntEnv("EMBEDDING_MAX_CONCURRENT_QUERIES", &cfg.Embedding.MaxConcurrentQueries)
	readIntEnv("EMBED_DIMENSIONS", &cfg.Embedding.Dimensions)
	readIntEnv("EMBEDDING_SPARSE_DIMENSION", &cfg.Embedding.SparseDimension)

	cfg.Reranker.URL = strings.TrimSpace(os.Getenv("RERANKER_URL"))
	cfg.Reranker.Model = strings.TrimSpace(os.Getenv("RERANKER_MODEL"))
	readIntEnv("RERANKER_BATCH_SIZE", &cfg.Reranker.BatchSize)

	cfg.Vector.Backend = strings.TrimSpace(os.Getenv("VECTOR_BACKEND"))
	cfg.Vector.Path = strings.TrimSpace(os.Getenv("VECTOR_PATH"))
	cfg.Vector.QdrantAddr = strings.TrimSpace(os.Getenv("QDRANT_ADDR"))
	if v := strings.TrimSpace(os.Getenv("VECTOR_LOCK_TIMEOUT")); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.Vector.LockTimeout = time.Duration(f * float64(time.Second))
		}
	}

	cfg.Mission.Backend = strings.TrimSpace(os.Getenv("MISSION_BACKEND"))
	cfg.Mission.DSN = firstNonEmpty(
		strings.TrimSpace(os.Getenv("DATABASE_URL")),
		strings.TrimSpace(os.Getenv("POSTGRES_DSN")),
	)

	cfg.Events.Backend = strings.TrimSpace(os.Getenv("EVENTS_BACKEND"))
	cfg.Events.Brokers = strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	cfg.Events.Topic = strings.TrimSpace(os.Getenv("KAFKA_EVENTS_TOPIC"))

	cfg.Redis.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.Redis.Password = strings.TrimSpace(os.Getenv("REDIS_PASSWORD"))
	readIntEnv("REDIS_DB", &cfg.Redis.DB)

	cfg.Web.SearXNGURL = strings.TrimSpace(os.Getenv("SEARXNG_URL"))
	readIntEnv("WEB_MAX_RESULTS", &cfg.Web.MaxResults)
	readIntEnv("MAX_QUERY_LENGTH", &cfg.Web.MaxQueryLength)

	cfg.Documents.AllowedBasePath = strings.TrimSpace(os.Getenv("DOCUMENTS_BASE_PATH"))
	readIntEnv("DOCUMENT_READ_TIMEOUT", &cfg.Documents.ReadTimeoutSeconds)

	cfg.Obs.ServiceName = strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME"))
	cfg.Obs.ServiceVersion = strings.TrimSpace(os.Getenv("SERVICE_VERSION"))
	cfg.Obs.Environment = strings.TrimSpace(os.Getenv("ENVIRONMENT"))
	cfg.Obs.OTLP = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))

	r := &cfg.Research
	readIntEnv("MAX_TOTAL_DEPTH", &r.MaxTotalDepth)
	readIntEnv("INITIAL_RESEARCH_MAX_DEPTH", &r.InitialResearchMaxDepth)
	readIntEnv("INITIAL_RESEARCH_MAX_QUESTIONS", &r.InitialResearchMaxQuestions)
	readIntEnv("INITIAL_EXPLORATION_DOC_RESULTS", &r.InitialExplorationDocResults)
	readIntEnv("INITIAL_EXPLORATION_WEB_RESULTS", &r.InitialExplorationWebResults)
	readBoolEnv("INITIAL_EXPLORATION_USE_RERANKER", &r.InitialExplorationUseReranker)
	readIntEnv("MAIN_RESEARCH_DOC_RESULTS", &r.MainResearchDocResults)
	readIntEnv("MAIN_RESEARCH_WEB_RESULTS", &r.MainResearchWebResults)
	readIntEnv("STRUCTURED_RESEARCH_ROUNDS", &r.StructuredResearchRounds)
	readIntEnv("WRITING_PASSES", &r.WritingPasses)
	readIntEnv("RESEARCH_NOTE_CONTENT_LIMIT", &r.ResearchNoteContentLimit)
	readIntEnv("MAX_PLANNING_CONTEXT_CHARS", &r.MaxPlanningContextChars)
	readIntEnv("WRITING_PREVIOUS_CONTENT_PREVIEW_CHARS", &r.WritingPreviousContentPreview)
	readIntEnv("THOUGHT_PAD_CONTEXT_LIMIT", &r.ThoughtPadContextLimit)
	readIntEnv("MAX_NOTES_FOR_ASSIGNMENT_RERANKING", &r.MaxNotesForAssignment)
	readIntEnv("MAX_CONCURRENT_REQUESTS", &r.MaxConcurrentRequests)
	readIntEnv("MAX_QUESTIONS_PER_SECTION", &r.MaxQuestionsPerSection)
	readBoolEnv("SKIP_FINAL_REPLANNING", &r.SkipFinalReplanning)
	readBoolEnv("AUTO_OPTIMIZE_PARAMS", &r.AutoOptimizeParams)

	if err := loadRoles(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	return cfg, validate(cfg)
}

// loadRoles populates cfg.LLM.Roles from a YAML file when present. The path
// can be set with ROLES_CONFIG; otherwise config.yaml / config.yml in the
// working directory are tried. Shape:
//
//	roles:
//	  planning: {type: intelligent, maxTokens: 8000, temperature: 0.4}
//	tiers:
//	  fast: {provider: openai, model: gpt-4o-mini}
func loadRoles(cfg *Config) error {
	var paths []string
	if p := strings.TrimSpace(os.Getenv("ROLES_CONFIG")); p != "" {
		paths = append(paths, p)
	}
	paths = append(paths, "config.yaml", "config.yml")
	var data []byte
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err == nil {
			data = b
			break
		}
		if os.IsNotExist(err) {
			continue
		}
		return fmt.Errorf("read %s: %w", p, err)
	}
	cfg.LLM.Roles = map[string]RoleConfig{}
	if len(data) == 0 {
		return nil // optional
	}
	var doc struct {
		Roles map[string]RoleConfig    `yaml:"roles"`
		Tiers map[ModelTier]TierConfig `yaml:"tiers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse roles config: %w", err)
	}
	for name, rc := range doc.Roles {
		cfg.LLM.Roles[strings.ToLower(strings.TrimSpace(name))] = rc
	}
	// YAML tier entries fill gaps the environment left empty.
	for tier, tc := range doc.Tiers {
		cur := cfg.LLM.Tiers[tier]
		if cur.Provider == "" {
			cur.Provider = tc.Provider
		}
		if cur.Model == "" {
			cur.Model = tc.Model
		}
		if cur.BaseURL == "" {
			cur.BaseURL = tc.BaseURL
		}
		if cur.APIKey == "" {
			cur.APIKey = tc.APIKey
		}
		cfg.LLM.Tiers[tier] = cur
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataPath == "" {
		cfg.DataPath = "data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.LLM.MaxRetries <= 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.RetryDelay <= 0 {
		cfg.LLM.RetryDelay = time.Second
	}
	if cfg.LLM.RequestTimeout <= 0 {
		cfg.LLM.RequestTimeout = 300 * time.Second
	}
	for tier, tc := range cfg.LLM.Tiers {
		if tc.Provider == "" {
			tc.Provider = "openai"
		}
		cfg.LLM.Tiers[tier] = tc
	}
	if cfg.LLM.Roles == nil {
		cfg.LLM.Roles = map[string]RoleConfig{}
	}
	if _, ok := cfg.LLM.Roles["default"]; !ok {
		cfg.LLM.Roles["default"] = RoleConfig{Type: TierMid}
	}
	// Role table defaults mirror the pipeline's cost profile: cheap models for
	// chatty roles, the strong model where structure is produced.
	for role, tier := range map[string]ModelTier{
		"messenger":          TierFast,
		"planning":           TierIntelligent,
		"research":           TierMid,
		"reflection":         TierFast,
		"note_assignment":    TierMid,
		"writing":            TierMid,
		"writing_reflection": TierFast,
		"query_preparation":  TierFast,
	} {
		if _, ok := cfg.LLM.Roles[role]; !ok {
			cfg.LLM.Roles[role] = RoleConfig{Type: tier}
		}
	}

	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "https://api.openai.com"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.APIHeader == "" {
		cfg.Embedding.APIHeader = "Authorization"
	}
	if cfg.Embedding.Path == "" {
		cfg.Embedding.Path = "/v1/embeddings"
	}
	if cfg.Embedding.TimeoutSeconds == 0 {
		cfg.Embedding.TimeoutSeconds = 30
	}
	if cfg.Embedding.BatchSize <= 0 {
		cfg.Embedding.BatchSize = 16
	}
	if cfg.Embedding.MaxConcurrentQueries <= 0 {
		cfg.Embedding.MaxConcurrentQueries = 4
	}
	if cfg.Embedding.Dimensions <= 0 {
		cfg.Embedding.Dimensions = 1536
	}
	if cfg.Embedding.SparseDimension <= 0 {
		cfg.Embedding.SparseDimension = 30000
	}

	if cfg.Reranker.BatchSize <= 0 {
		cfg.Reranker.BatchSize = 32
	}

	if cfg.Vector.Backend == "" {
		if cfg.Vector.QdrantAddr != "" {
			cfg.Vector.Backend = "qdrant"
		} else {
			cfg.Vector.Backend = "file"
		}
	}
	if cfg.Vector.Path == "" {
		cfg.Vector.Path = filepath.Join(cfg.DataPath, "vector_store")
	}
	if cfg.Vector.LockTimeout <= 0 {
		cfg.Vector.LockTimeout = 300 * time.Second
	}

	if cfg.Mission.Backend == "" {
		if cfg.Mission.DSN != "" {
			cfg.Mission.Backend = "auto"
		} else {
			cfg.Mission.Backend = "memory"
		}
	}

	if cfg.Events.Backend == "" {
		cfg.Events.Backend = "memory"
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = "meridian.mission.events"
	}

	if cfg.Web.SearXNGURL == "" {
		cfg.Web.SearXNGURL = "http://localhost:8080"
	}
	if cfg.Web.MaxResults <= 0 {
		cfg.Web.MaxResults = 5
	}
	if cfg.Web.MaxQueryLength <= 0 {
		cfg.Web.MaxQueryLength = 350
	}

	if cfg.Documents.ReadTimeoutSeconds <= 0 {
		cfg.Documents.ReadTimeoutSeconds = 30
	}

	if cfg.Obs.ServiceName == "" {
		cfg.Obs.ServiceName = "meridian"
	}
	if cfg.Obs.Environment == "" {
		cfg.Obs.Environment = "dev"
	}

	r := &cfg.Research
	if r.MaxTotalDepth <= 0 {
		r.MaxTotalDepth = 2
	}
	if r.InitialResearchMaxDepth <= 0 {
		r.InitialResearchMaxDepth = 1
	}
	if r.InitialResearchMaxQuestions <= 0 {
		r.InitialResearchMaxQuestions = 10
	}
	if r.InitialExplorationDocResults <= 0 {
		r.InitialExplorationDocResults = 5
	}
	if r.InitialExplorationWebResults <= 0 {
		r.InitialExplorationWebResults = 3
	}
	if r.MainResearchDocResults <= 0 {
		r.MainResearchDocResults = 5
	}
	if r.MainResearchWebResults <= 0 {
		r.MainResearchWebResults = 3
	}
	if r.StructuredResearchRounds <= 0 {
		r.StructuredResearchRounds = 2
	}
	if r.WritingPasses <= 0 {
		r.WritingPasses = 2
	}
	if r.ResearchNoteContentLimit <= 0 {
		r.ResearchNoteContentLimit = 4000
	}
	if r.MaxPlanningContextChars <= 0 {
		r.MaxPlanningContextChars = 120000
	}
	if r.WritingPreviousContentPreview <= 0 {
		r.WritingPreviousContentPreview = 2000
	}
	if r.ThoughtPadContextLimit <= 0 {
		r.ThoughtPadContextLimit = 10
	}
	if r.MaxNotesForAssignment <= 0 {
		r.MaxNotesForAssignment = 80
	}
	if r.MaxConcurrentRequests <= 0 {
		r.MaxConcurrentRequests = 5
	}
	if r.MaxQuestionsPerSection <= 0 {
		r.MaxQuestionsPerSection = 3
	}
}

func validate(cfg Config) error {
	for tier, tc := range cfg.LLM.Tiers {
		switch tc.Provider {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("tier %s: provider must be openai or anthropic (got %q)", tier, tc.Provider)
		}
	}
	if cfg.Vector.Backend != "file" && cfg.Vector.Backend != "qdrant" {
		return fmt.Errorf("VECTOR_BACKEND must be file or qdrant (got %q)", cfg.Vector.Backend)
	}
	if cfg.Vector.Backend == "qdrant" && cfg.Vector.QdrantAddr == "" {
		return errors.New("VECTOR_BACKEND=qdrant requires QDRANT_ADDR")
	}
	switch cfg.Mission.Backend {
	case "auto", "memory", "postgres":
	default:
		return fmt.Errorf("MISSION_BACKEND must be auto, memory, or postgres (got %q)", cfg.Mission.Backend)
	}
	if cfg.Mission.Backend == "postgres" && cfg.Mission.DSN == "" {
		return errors.New("MISSION_BACKEND=postgres requires DATABASE_URL")
	}
	switch cfg.Events.Backend {
	case "memory", "kafka":
	default:
		return fmt.Errorf("EVENTS_BACKEND must be memory or kafka (got %q)", cfg.Events.Backend)
	}
	if cfg.Events.Backend == "kafka" && cfg.Events.Brokers == "" {
		return errors.New("EVENTS_BACKEND=kafka requires KAFKA_BROKERS")
	}
	return nil
}

func readIntEnv(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := parseInt(v); err == nil {
			*dst = n
		}
	}
}

func readBoolEnv(key string, dst *bool) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
	}
}

func parseInt(s string) (int, error) { return strconv.Atoi(strings.TrimSpace(s)) }

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(strings.TrimSpace(s), 64) }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
