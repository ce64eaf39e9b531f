// Package config loads and validates the orchestrator's declarative
// configuration document (spec §6): provider registrations, router
// rules, consensus groups, state/event storage locations, engine
// timeouts, and budget defaults.
//
// Grounded on examples/multi-llm-review/main.go's Config struct:
// yaml-tagged nested structs loaded with go.yaml.in/yaml/v2, validated
// by hand (no reflection-based validation library appears anywhere in
// the retrieval pack) rather than a generic Config.Validate() method
// dispatched via struct tags, matching graph/policy.go's own
// RetryPolicy.Validate() idiom.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v2"

	"github.com/devflow/orchestrator/domain"
	"github.com/devflow/orchestrator/errkind"
	"github.com/devflow/orchestrator/router"
)

// Config is the root configuration document (spec §6's recognized
// options).
type Config struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Router    RouterConfig              `yaml:"router"`
	Consensus map[string]ConsensusGroup `yaml:"consensus"`
	State     StateConfig               `yaml:"state"`
	Events    EventsConfig              `yaml:"events"`
	Engine    EngineConfig              `yaml:"engine"`
	Budgets   BudgetsConfig             `yaml:"budgets"`
}

// ProviderConfig configures one named LLM backend.
type ProviderConfig struct {
	Enabled          bool   `yaml:"enabled"`
	APIKeyEnv        string `yaml:"api_key_env"`
	BaseURL          string `yaml:"base_url"`
	DefaultModel     string `yaml:"default_model"`
	ConcurrencyLimit int    `yaml:"concurrency_limit"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

// APIKey resolves the provider's API key from the environment variable
// named by APIKeyEnv. Returns "" if APIKeyEnv is unset or the variable
// itself is unset.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// RouterConfig is the ordered rule list plus required default decision.
type RouterConfig struct {
	Rules   []RuleConfig          `yaml:"rules"`
	Default RoutingDecisionConfig `yaml:"default"`
}

// RuleConfig is one yaml-level when/then router rule.
type RuleConfig struct {
	When struct {
		Phase    string   `yaml:"phase"`
		Kind     string   `yaml:"kind"`
		ModelSet string   `yaml:"model_set"`
		Tags     []string `yaml:"tags"`
	} `yaml:"when"`
	Then RoutingDecisionConfig `yaml:"then"`
}

// RoutingDecisionConfig is the yaml-level shape of a router.RoutingDecision.
type RoutingDecisionConfig struct {
	Provider           string   `yaml:"provider"`
	Model              string   `yaml:"model"`
	Temperature        float64  `yaml:"temperature"`
	MaxTokens          int      `yaml:"max_tokens"`
	UseConsensus       bool     `yaml:"use_consensus"`
	ConsensusStrategy  string   `yaml:"consensus_strategy"`
	ConsensusProviders []string `yaml:"consensus_providers"`
	MinSuccessful      int      `yaml:"min_successful"`
}

func (d RoutingDecisionConfig) toDomain() router.RoutingDecision {
	return router.RoutingDecision{
		Provider:           d.Provider,
		Model:              d.Model,
		Temperature:        d.Temperature,
		MaxTokens:          d.MaxTokens,
		UseConsensus:       d.UseConsensus,
		ConsensusStrategy:  router.ConsensusStrategy(d.ConsensusStrategy),
		ConsensusProviders: d.ConsensusProviders,
		MinSuccessful:      d.MinSuccessful,
	}
}

// ConsensusGroup names a reusable {providers, strategy, min_successful,
// timeout} bundle referenced by name from a RoutingDecision (spec §6).
type ConsensusGroup struct {
	Providers      []string `yaml:"providers"`
	Strategy       string   `yaml:"strategy"`
	Synthesizer    string   `yaml:"synthesizer"`
	MinSuccessful  int      `yaml:"min_successful"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// StateConfig locates the State Manager's backing store.
type StateConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (default), "mysql", or "memory"
	DBPath string `yaml:"db_path"`
	DSN    string `yaml:"dsn"` // mysql only
}

// EventsConfig locates the Event Bus's durable journal and worker pool
// size.
type EventsConfig struct {
	JournalPath string `yaml:"journal_path"`
	MaxWorkers  int    `yaml:"max_workers"`
}

// EngineConfig carries the Workflow Engine's timeouts and port ranges.
type EngineConfig struct {
	StuckThresholdSeconds      int        `yaml:"stuck_threshold_seconds"`
	DefaultMaxAttempts         int        `yaml:"default_max_attempts"`
	ProviderCallTimeoutSeconds int        `yaml:"provider_call_timeout_seconds"`
	ConsensusTimeoutSeconds    int        `yaml:"consensus_timeout_seconds"`
	RetryBaseDelaySeconds      float64    `yaml:"retry_base_delay_seconds"`
	RetryMaxDelaySeconds       float64    `yaml:"retry_max_delay_seconds"`
	PortRanges                 PortRanges `yaml:"port_ranges"`
}

// PortRanges names the backend/frontend port pools (spec §5: 9100-9199,
// 9200-9299 by default).
type PortRanges struct {
	BackendMin  int `yaml:"backend_min"`
	BackendMax  int `yaml:"backend_max"`
	FrontendMin int `yaml:"frontend_min"`
	FrontendMax int `yaml:"frontend_max"`
}

// BudgetsConfig carries the workflow-wide default cost ceiling.
type BudgetsConfig struct {
	DefaultUSD *float64 `yaml:"default_usd"`
}

// Load reads and parses the YAML document at path, applies defaults and
// validates the result. No environment expansion is done here: API keys
// are resolved lazily via ProviderConfig.APIKey.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := rejectTotalCostAlias(data); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// rejectTotalCostAlias enforces spec §9's cost_usd/total_cost Open
// Question resolution at the config layer: a caller supplying
// total_cost anywhere in the document is a ValidationError, since
// cost_usd is the sole canonical field name and Config has no
// total_cost field for yaml.Unmarshal to silently ignore it into.
func rejectTotalCostAlias(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil // malformed YAML surfaces properly from the real Unmarshal below
	}
	if containsKey(raw, "total_cost") {
		return errkind.NewValidation("config: total_cost is not a recognized field, use budgets.default_usd")
	}
	return nil
}

func containsKey(v any, key string) bool {
	switch m := v.(type) {
	case map[string]any:
		if _, ok := m[key]; ok {
			return true
		}
		for _, child := range m {
			if containsKey(child, key) {
				return true
			}
		}
	case map[any]any:
		for k, child := range m {
			if fmt.Sprint(k) == key {
				return true
			}
			if containsKey(child, key) {
				return true
			}
		}
	case []any:
		for _, child := range m {
			if containsKey(child, key) {
				return true
			}
		}
	}
	return false
}

func (c *Config) applyDefaults() {
	if c.Engine.StuckThresholdSeconds <= 0 {
		c.Engine.StuckThresholdSeconds = 3600
	}
	if c.Engine.DefaultMaxAttempts <= 0 {
		c.Engine.DefaultMaxAttempts = 3
	}
	if c.Engine.ProviderCallTimeoutSeconds <= 0 {
		c.Engine.ProviderCallTimeoutSeconds = 120
	}
	if c.Engine.ConsensusTimeoutSeconds <= 0 {
		c.Engine.ConsensusTimeoutSeconds = 30
	}
	if c.Engine.RetryBaseDelaySeconds <= 0 {
		c.Engine.RetryBaseDelaySeconds = 1
	}
	if c.Engine.RetryMaxDelaySeconds <= 0 {
		c.Engine.RetryMaxDelaySeconds = 60
	}
	if c.Engine.PortRanges.BackendMin == 0 && c.Engine.PortRanges.BackendMax == 0 {
		c.Engine.PortRanges.BackendMin, c.Engine.PortRanges.BackendMax = 9100, 9199
	}
	if c.Engine.PortRanges.FrontendMin == 0 && c.Engine.PortRanges.FrontendMax == 0 {
		c.Engine.PortRanges.FrontendMin, c.Engine.PortRanges.FrontendMax = 9200, 9299
	}
	if c.Events.MaxWorkers <= 0 {
		c.Events.MaxWorkers = 10
	}
	if c.State.Driver == "" {
		c.State.Driver = "sqlite"
	}
}

// Validate checks every sub-struct by hand, following the teacher's own
// hand-written validation idiom rather than a reflection-based
// validation library (spec §6: "EXTERNAL INTERFACES — AMBIENT STACK").
func (c *Config) Validate() error {
	for name, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if p.APIKeyEnv == "" {
			return fmt.Errorf("config: provider %q is enabled but has no api_key_env", name)
		}
		if p.DefaultModel == "" {
			return fmt.Errorf("config: provider %q is enabled but has no default_model", name)
		}
		if p.ConcurrencyLimit < 0 {
			return fmt.Errorf("config: provider %q has negative concurrency_limit", name)
		}
	}
	if c.Router.Default.Provider == "" {
		return fmt.Errorf("config: router.default is required (spec §4.3: default must exist)")
	}
	for name, g := range c.Consensus {
		if len(g.Providers) == 0 {
			return fmt.Errorf("config: consensus group %q has no providers", name)
		}
		if g.MinSuccessful <= 0 || g.MinSuccessful > len(g.Providers) {
			return fmt.Errorf("config: consensus group %q has invalid min_successful %d for %d providers",
				name, g.MinSuccessful, len(g.Providers))
		}
		switch router.ConsensusStrategy(g.Strategy) {
		case router.StrategyMajorityVote, router.StrategyBestOfN, router.StrategySynthesize:
		default:
			return fmt.Errorf("config: consensus group %q has unknown strategy %q", name, g.Strategy)
		}
	}
	if c.Engine.PortRanges.BackendMin >= c.Engine.PortRanges.BackendMax {
		return fmt.Errorf("config: engine.port_ranges backend range is empty or inverted")
	}
	if c.Engine.PortRanges.FrontendMin >= c.Engine.PortRanges.FrontendMax {
		return fmt.Errorf("config: engine.port_ranges frontend range is empty or inverted")
	}
	if c.Budgets.DefaultUSD != nil && *c.Budgets.DefaultUSD <= 0 {
		return fmt.Errorf("config: budgets.default_usd must be positive if set")
	}
	switch c.State.Driver {
	case "sqlite":
		if c.State.DBPath == "" {
			return fmt.Errorf("config: state.db_path is required for the sqlite driver")
		}
	case "mysql":
		if c.State.DSN == "" {
			return fmt.Errorf("config: state.dsn is required for the mysql driver")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown state.driver %q", c.State.Driver)
	}
	return nil
}

// Rules converts the yaml-level router rules into router.Rule values.
func (c *Config) Rules() []router.Rule {
	rules := make([]router.Rule, 0, len(c.Router.Rules))
	for _, rc := range c.Router.Rules {
		rules = append(rules, router.Rule{
			When: router.Predicate{
				Phase:    domain.PhaseName(rc.When.Phase),
				Kind:     domain.WorkflowKind(rc.When.Kind),
				ModelSet: domain.ModelSet(rc.When.ModelSet),
				Tags:     rc.When.Tags,
			},
			Then: rc.Then.toDomain(),
		})
	}
	return rules
}

// DefaultDecision converts the yaml-level default routing decision.
func (c *Config) DefaultDecision() router.RoutingDecision {
	return c.Router.Default.toDomain()
}

// ProviderConcurrencyLimits builds the name->limit map resource.NewProviderSemaphores
// expects, from every configured (not necessarily enabled) provider.
func (c *Config) ProviderConcurrencyLimits() map[string]int {
	limits := make(map[string]int, len(c.Providers))
	for name, p := range c.Providers {
		if p.ConcurrencyLimit > 0 {
			limits[name] = p.ConcurrencyLimit
		}
	}
	return limits
}

// EngineStuckThreshold, EngineProviderCallTimeout, EngineConsensusTimeout,
// EngineRetryBaseDelay and EngineRetryMaxDelay convert the yaml-level
// second/float fields into time.Duration for engine.Options.
func (c *Config) EngineStuckThreshold() time.Duration {
	return time.Duration(c.Engine.StuckThresholdSeconds) * time.Second
}

func (c *Config) EngineProviderCallTimeout() time.Duration {
	return time.Duration(c.Engine.ProviderCallTimeoutSeconds) * time.Second
}

func (c *Config) EngineConsensusTimeout() time.Duration {
	return time.Duration(c.Engine.ConsensusTimeoutSeconds) * time.Second
}

func (c *Config) EngineRetryBaseDelay() time.Duration {
	return time.Duration(c.Engine.RetryBaseDelaySeconds * float64(time.Second))
}

func (c *Config) EngineRetryMaxDelay() time.Duration {
	return time.Duration(c.Engine.RetryMaxDelaySeconds * float64(time.Second))
}
