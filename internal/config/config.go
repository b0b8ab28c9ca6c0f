package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/llm"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/reputation"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/spam"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "RAMENMAP"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabasePath      = "ramenmap.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "ramen_session"
	defaultLLMModel          = "gemini-2.0-flash"
	defaultLLMTimeout        = 30 * time.Second
	defaultFallbackPolicy    = "none"
	defaultWorkers           = 4
	defaultQueueSize         = 256
	defaultCascadeThreshold  = 0.80
	defaultCascadeLimit      = 20
	defaultCascadeWorkers    = 4
	defaultVerdictCacheTTL   = 10 * time.Minute
	defaultSanctionSchedule  = "@every 1m"
	defaultBlocklistSchedule = "@every 10m"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server and the moderation core.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string

	Spam       SpamConfig
	RateLimit  RateLimitConfig
	Reputation ReputationConfig
	LLM        LLMConfig
	Moderation ModerationConfig
	Lexicon    LexiconConfig
}

// SpamConfig tunes the scorer and the history probe.
type SpamConfig struct {
	Threshold          float64
	Weights            spam.Weights
	RecentLimit        int
	NearDuplicateRatio float64
	BurstWindow        time.Duration
	BurstLimit         int
}

// RateLimitConfig tunes the limiter.
type RateLimitConfig struct {
	Enabled bool
	Budgets map[ratelimit.Action]ratelimit.Budget
}

// ReputationConfig carries the rank ladder, the status bounds and the sanction sweep schedule.
type ReputationConfig struct {
	Ranks            reputation.RankTable
	Statuses         reputation.StatusThresholds
	SanctionSchedule string
}

// LLMConfig configures the moderation model.
type LLMConfig struct {
	APIKey         string
	Endpoint       string
	Model          string
	SystemPrompt   string
	Timeout        time.Duration
	Tiers          moderation.Tiers
	FallbackPolicy moderation.FallbackPolicy
}

// ModerationConfig sizes the background queue and the cascade.
type ModerationConfig struct {
	Workers            int
	QueueSize          int
	CascadeThreshold   float64
	CascadeLimit       int
	CascadeConcurrency int
	VerdictCacheTTL    time.Duration
}

// LexiconConfig points at the badword and blocklist files.
type LexiconConfig struct {
	BadwordsPath    string
	BlocklistPath   string
	RefreshSchedule string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", "json")
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", "ramenmap-auth")
	configViper.SetDefault("auth.cookie_name", defaultCookieName)

	configViper.SetDefault("spam.threshold", spam.DefaultThreshold)
	configViper.SetDefault("spam.history.recent_limit", 20)
	configViper.SetDefault("spam.history.near_duplicate_ratio", 0.95)
	configViper.SetDefault("spam.history.burst_window", 5*time.Minute)
	configViper.SetDefault("spam.history.burst_limit", 5)

	configViper.SetDefault("ratelimit.enabled", true)

	ranks := reputation.DefaultRankTable()
	statuses := reputation.DefaultStatusThresholds()
	configViper.SetDefault("reputation.rank_thresholds", intSlice(ranks.Thresholds))
	configViper.SetDefault("reputation.rank_labels", ranks.Labels)
	configViper.SetDefault("reputation.status.banned", statuses.Banned)
	configViper.SetDefault("reputation.status.restricted", statuses.Restricted)
	configViper.SetDefault("reputation.status.warning", statuses.Warning)
	configViper.SetDefault("reputation.sanction_schedule", defaultSanctionSchedule)

	configViper.SetDefault("llm.api_key", "")
	configViper.SetDefault("llm.endpoint", llm.DefaultEndpoint)
	configViper.SetDefault("llm.model", defaultLLMModel)
	configViper.SetDefault("llm.system_prompt", llm.DefaultSystemPrompt)
	configViper.SetDefault("llm.timeout", defaultLLMTimeout)
	configViper.SetDefault("llm.fallback_policy", defaultFallbackPolicy)
	for tier, policy := range moderation.DefaultTiers() {
		configViper.SetDefault(fmt.Sprintf("llm.tiers.%s.threshold", tier), policy.Threshold)
		configViper.SetDefault(fmt.Sprintf("llm.tiers.%s.temperature", tier), policy.Temperature)
	}

	configViper.SetDefault("moderation.workers", defaultWorkers)
	configViper.SetDefault("moderation.queue_size", defaultQueueSize)
	configViper.SetDefault("moderation.cascade_threshold", defaultCascadeThreshold)
	configViper.SetDefault("moderation.cascade_limit", defaultCascadeLimit)
	configViper.SetDefault("moderation.cascade_concurrency", defaultCascadeWorkers)
	configViper.SetDefault("moderation.verdict_cache_ttl", defaultVerdictCacheTTL)

	configViper.SetDefault("lexicon.badwords_path", "")
	configViper.SetDefault("lexicon.blocklist_path", "")
	configViper.SetDefault("lexicon.refresh_schedule", defaultBlocklistSchedule)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		Spam: SpamConfig{
			Threshold:          configViper.GetFloat64("spam.threshold"),
			Weights:            spam.DefaultWeights().Merge(floatMap(configViper, "spam.weights")),
			RecentLimit:        configViper.GetInt("spam.history.recent_limit"),
			NearDuplicateRatio: configViper.GetFloat64("spam.history.near_duplicate_ratio"),
			BurstWindow:        configViper.GetDuration("spam.history.burst_window"),
			BurstLimit:         configViper.GetInt("spam.history.burst_limit"),
		},
		RateLimit: RateLimitConfig{
			Enabled: configViper.GetBool("ratelimit.enabled"),
			Budgets: budgets(configViper),
		},
		Reputation: ReputationConfig{
			Ranks: reputation.RankTable{
				Thresholds: int64Slice(configViper.GetIntSlice("reputation.rank_thresholds")),
				Labels:     configViper.GetStringSlice("reputation.rank_labels"),
			},
			Statuses: reputation.StatusThresholds{
				Banned:     configViper.GetInt("reputation.status.banned"),
				Restricted: configViper.GetInt("reputation.status.restricted"),
				Warning:    configViper.GetInt("reputation.status.warning"),
			},
			SanctionSchedule: configViper.GetString("reputation.sanction_schedule"),
		},
		LLM: LLMConfig{
			APIKey:         configViper.GetString("llm.api_key"),
			Endpoint:       configViper.GetString("llm.endpoint"),
			Model:          configViper.GetString("llm.model"),
			SystemPrompt:   configViper.GetString("llm.system_prompt"),
			Timeout:        configViper.GetDuration("llm.timeout"),
			Tiers:          tiers(configViper),
			FallbackPolicy: moderation.FallbackPolicy(strings.ToLower(strings.TrimSpace(configViper.GetString("llm.fallback_policy")))),
		},
		Moderation: ModerationConfig{
			Workers:            configViper.GetInt("moderation.workers"),
			QueueSize:          configViper.GetInt("moderation.queue_size"),
			CascadeThreshold:   configViper.GetFloat64("moderation.cascade_threshold"),
			CascadeLimit:       configViper.GetInt("moderation.cascade_limit"),
			CascadeConcurrency: configViper.GetInt("moderation.cascade_concurrency"),
			VerdictCacheTTL:    configViper.GetDuration("moderation.verdict_cache_ttl"),
		},
		Lexicon: LexiconConfig{
			BadwordsPath:    configViper.GetString("lexicon.badwords_path"),
			BlocklistPath:   configViper.GetString("lexicon.blocklist_path"),
			RefreshSchedule: configViper.GetString("lexicon.refresh_schedule"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// DatabaseTarget returns the path or DSN the selected driver connects to.
func (c AppConfig) DatabaseTarget() string {
	if c.DatabaseDriver == DriverPostgres {
		return c.DatabaseDSN
	}
	return c.DatabasePath
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.Spam.Threshold <= 0 {
		return fmt.Errorf("spam.threshold must be positive")
	}
	for signal, weight := range c.Spam.Weights {
		if weight < 0 {
			return fmt.Errorf("spam.weights.%s must not be negative", signal)
		}
	}
	for action, budget := range c.RateLimit.Budgets {
		if budget.Limit <= 0 || budget.Window <= 0 {
			return fmt.Errorf("ratelimit.budgets.%s needs a positive limit and window", action)
		}
	}
	if err := c.Reputation.Ranks.Validate(); err != nil {
		return err
	}
	if err := c.Reputation.Statuses.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Tiers.Validate(); err != nil {
		return err
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	switch c.LLM.FallbackPolicy {
	case moderation.FallbackNone, moderation.FallbackHumanReview:
	default:
		return fmt.Errorf("llm.fallback_policy %q is not supported", c.LLM.FallbackPolicy)
	}
	if c.Moderation.Workers <= 0 || c.Moderation.QueueSize <= 0 {
		return fmt.Errorf("moderation.workers and moderation.queue_size must be positive")
	}
	high := c.LLM.Tiers[moderation.TierHigh].Threshold
	if c.Moderation.CascadeThreshold > 1 || c.Moderation.CascadeThreshold < high {
		return fmt.Errorf("moderation.cascade_threshold must be within [%.2f, 1]", high)
	}
	return nil
}

func floatMap(configViper *viper.Viper, key string) map[string]float64 {
	raw := configViper.GetStringMap(key)
	values := make(map[string]float64, len(raw))
	for name := range raw {
		values[name] = configViper.GetFloat64(key + "." + name)
	}
	return values
}

func budgets(configViper *viper.Viper) map[ratelimit.Action]ratelimit.Budget {
	merged := ratelimit.DefaultBudgets()
	for name := range configViper.GetStringMap("ratelimit.budgets") {
		action := ratelimit.Action(strings.ToLower(name))
		budget := merged[action]
		prefix := "ratelimit.budgets." + name
		if configViper.IsSet(prefix + ".limit") {
			budget.Limit = configViper.GetInt(prefix + ".limit")
		}
		if configViper.IsSet(prefix + ".window") {
			budget.Window = configViper.GetDuration(prefix + ".window")
		}
		merged[action] = budget
	}
	return merged
}

func tiers(configViper *viper.Viper) moderation.Tiers {
	configured := moderation.Tiers{}
	for tier := range moderation.DefaultTiers() {
		prefix := fmt.Sprintf("llm.tiers.%s", tier)
		configured[tier] = moderation.TierPolicy{
			Threshold:   configViper.GetFloat64(prefix + ".threshold"),
			Temperature: configViper.GetFloat64(prefix + ".temperature"),
		}
	}
	return configured
}

func int64Slice(values []int) []int64 {
	converted := make([]int64, len(values))
	for index, value := range values {
		converted[index] = int64(value)
	}
	return converted
}

func intSlice(values []int64) []int {
	converted := make([]int, len(values))
	for index, value := range values {
		converted[index] = int(value)
	}
	return converted
}
