// Package config loads coordinator settings: built-in defaults, then an
// optional YAML file named by IAS_CONFIG, then IAS_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cosmossdk.io/math"
	"gopkg.in/yaml.v3"

	"github.com/salazarsebas/iasppt/internal/ledger"
)

type Config struct {
	Owner    string `yaml:"owner"`
	LogLevel string `yaml:"log_level"`

	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	// GRPCTokens maps node service bearer tokens to the node id each may act
	// as ("*" for any). Empty disables the check.
	GRPCTokens map[string]string `yaml:"grpc_tokens"`

	Store      StoreConfig     `yaml:"store"`
	Outbox     OutboxConfig    `yaml:"outbox"`
	Params     ParamsConfig    `yaml:"params"`
	Registry   RegistryConfig  `yaml:"registry"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	Rewards    RewardsConfig   `yaml:"rewards"`
	Slashing   SlashingConfig  `yaml:"slashing"`
	Verifier   VerifierConfig  `yaml:"verifier"`
	Keeper     KeeperConfig    `yaml:"keeper"`
	PolicyFile string          `yaml:"policy_file"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend"` // memory|postgres
	PostgresDSN string `yaml:"postgres_dsn"`
}

type OutboxConfig struct {
	Backend       string        `yaml:"backend"` // memory|redis
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisKey      string        `yaml:"redis_key"`
	RedisTimeout  time.Duration `yaml:"redis_timeout"`
	MaxDepth      int           `yaml:"max_depth"`
}

// ParamsConfig seeds the administrative parameters on first start. Once
// persisted, UpdateParams is the only way to change them.
type ParamsConfig struct {
	MinStake        TokenAmount   `yaml:"min_stake"`
	MaxTasksPerNode int           `yaml:"max_tasks_per_node"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
}

type RegistryConfig struct {
	RequireUniqueEndpoint bool             `yaml:"require_unique_endpoint"`
	Reputation            ReputationConfig `yaml:"reputation"`
}

type ReputationConfig struct {
	Floor     int `yaml:"floor"`
	Ceiling   int `yaml:"ceiling"`
	Baseline  int `yaml:"baseline"`
	Gain      int `yaml:"gain"`
	Loss      int `yaml:"loss"`
	Threshold int `yaml:"eligibility_threshold"`
}

type TaskTypeConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	RewardFactor Decimal       `yaml:"reward_factor"`
}

type SchedulerConfig struct {
	MinPriority    int                       `yaml:"min_priority"`
	MaxPriority    int                       `yaml:"max_priority"`
	MaxRetries     int                       `yaml:"max_retries"`
	HeartbeatGrace time.Duration             `yaml:"heartbeat_grace"`
	TaskTypes      map[string]TaskTypeConfig `yaml:"task_types"`
}

type RewardsConfig struct {
	ReputationFloor Decimal       `yaml:"reputation_floor"`
	UptimeBonusMax  Decimal       `yaml:"uptime_bonus_max"`
	UptimeWindow    time.Duration `yaml:"uptime_window"`
	CapAtBudget     bool          `yaml:"cap_at_budget"`
}

type SlashingConfig struct {
	Strict                bool    `yaml:"strict"`
	OnVerifyFailure       bool    `yaml:"on_verify_failure"`
	VerifyFailureFraction Decimal `yaml:"verify_failure_fraction"`
	OnTimeout             bool    `yaml:"on_timeout"`
	TimeoutFraction       Decimal `yaml:"timeout_fraction"`
}

type VerifierConfig struct {
	// Mode is one of sha256, keccak256, signature, attestation, accept_all.
	Mode              string `yaml:"mode"`
	AttestationModule string `yaml:"attestation_module"`
}

type KeeperConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

type RateLimitConfig struct {
	SubmitPerRequesterPerMin int `yaml:"submit_per_requester_per_min"`
	SubmitGlobalPerMin       int `yaml:"submit_global_per_min"`
}

// TokenAmount is a decimal token quantity in YAML, stored as base units.
type TokenAmount struct {
	math.Int
}

func (a *TokenAmount) UnmarshalYAML(node *yaml.Node) error {
	v, err := ledger.ParseTokens(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	a.Int = v
	return nil
}

func (a TokenAmount) MarshalYAML() (any, error) {
	return ledger.FormatTokens(a.Int), nil
}

// Decimal is a fixed-point multiplier in YAML.
type Decimal struct {
	math.LegacyDec
}

func (d *Decimal) UnmarshalYAML(node *yaml.Node) error {
	v, err := math.LegacyNewDecFromStr(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: parse decimal %q: %w", node.Line, node.Value, err)
	}
	d.LegacyDec = v
	return nil
}

func (d Decimal) MarshalYAML() (any, error) {
	return d.LegacyDec.String(), nil
}

func dec(s string) Decimal {
	return Decimal{math.LegacyMustNewDecFromStr(s)}
}

func Default() Config {
	return Config{
		Owner:    "operator",
		LogLevel: "info",
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Store:    StoreConfig{Backend: "memory"},
		Outbox:   OutboxConfig{Backend: "memory", RedisKey: "ias:outbox", RedisTimeout: 3 * time.Second, MaxDepth: 1024},
		Params: ParamsConfig{
			MinStake:        TokenAmount{ledger.Tokens(100)},
			MaxTasksPerNode: 10,
			TaskTimeout:     time.Hour,
		},
		Registry: RegistryConfig{
			RequireUniqueEndpoint: true,
			Reputation:            ReputationConfig{Floor: 0, Ceiling: 1000, Baseline: 100, Gain: 10, Loss: 50, Threshold: 0},
		},
		Scheduler: SchedulerConfig{
			MinPriority:    1,
			MaxPriority:    10,
			MaxRetries:     3,
			HeartbeatGrace: 5 * time.Minute,
			TaskTypes: map[string]TaskTypeConfig{
				"inference":       {RewardFactor: dec("1")},
				"text_generation": {RewardFactor: dec("1")},
				"classification":  {RewardFactor: dec("1")},
				"embedding":       {RewardFactor: dec("1")},
			},
		},
		Rewards: RewardsConfig{
			ReputationFloor: dec("0.5"),
			UptimeBonusMax:  dec("0.1"),
			UptimeWindow:    24 * time.Hour,
			CapAtBudget:     true,
		},
		Slashing: SlashingConfig{
			OnVerifyFailure:       true,
			VerifyFailureFraction: dec("0.1"),
			OnTimeout:             false,
			TimeoutFraction:       dec("0.05"),
		},
		Verifier: VerifierConfig{Mode: "sha256"},
		Keeper:   KeeperConfig{Enabled: true, Schedule: "@every 30s"},
		RateLimit: RateLimitConfig{
			SubmitPerRequesterPerMin: 600,
			SubmitGlobalPerMin:       5000,
		},
	}
}

// Load applies the YAML file named by IAS_CONFIG (if any) and environment
// overrides on top of the defaults, then validates the result.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("IAS_CONFIG")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Owner, "IAS_OWNER")
	setString(&c.LogLevel, "IAS_LOG_LEVEL")
	setString(&c.HTTPAddr, "IAS_HTTP_ADDR")
	setString(&c.GRPCAddr, "IAS_GRPC_ADDR")
	setString(&c.Store.Backend, "IAS_STORE_BACKEND")
	setString(&c.Store.PostgresDSN, "IAS_POSTGRES_DSN")
	setString(&c.Outbox.Backend, "IAS_OUTBOX_BACKEND")
	setString(&c.Outbox.RedisAddr, "IAS_REDIS_ADDR")
	setString(&c.Outbox.RedisPassword, "IAS_REDIS_PASSWORD")
	setString(&c.Outbox.RedisKey, "IAS_REDIS_KEY")
	setString(&c.Verifier.Mode, "IAS_VERIFIER")
	setString(&c.Verifier.AttestationModule, "IAS_ATTESTATION_MODULE")
	setString(&c.Keeper.Schedule, "IAS_SWEEP_SCHEDULE")
	setString(&c.PolicyFile, "IAS_POLICY_FILE")

	for _, f := range []struct {
		key string
		dst *int
	}{
		{"IAS_REDIS_DB", &c.Outbox.RedisDB},
		{"IAS_OUTBOX_MAX_DEPTH", &c.Outbox.MaxDepth},
		{"IAS_MAX_TASKS_PER_NODE", &c.Params.MaxTasksPerNode},
		{"IAS_MAX_RETRIES", &c.Scheduler.MaxRetries},
		{"IAS_SUBMIT_RATE_LIMIT_PER_MIN", &c.RateLimit.SubmitPerRequesterPerMin},
		{"IAS_SUBMIT_GLOBAL_RATE_LIMIT_PER_MIN", &c.RateLimit.SubmitGlobalPerMin},
	} {
		if err := setInt(f.dst, f.key); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		key string
		dst *time.Duration
	}{
		{"IAS_TASK_TIMEOUT", &c.Params.TaskTimeout},
		{"IAS_HEARTBEAT_GRACE", &c.Scheduler.HeartbeatGrace},
	} {
		if err := setDuration(f.dst, f.key); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		key string
		dst *bool
	}{
		{"IAS_SLASH_STRICT", &c.Slashing.Strict},
		{"IAS_SLASH_ON_VERIFY_FAILURE", &c.Slashing.OnVerifyFailure},
		{"IAS_SLASH_ON_TIMEOUT", &c.Slashing.OnTimeout},
		{"IAS_KEEPER_ENABLED", &c.Keeper.Enabled},
		{"IAS_REQUIRE_UNIQUE_ENDPOINT", &c.Registry.RequireUniqueEndpoint},
	} {
		if err := setBool(f.dst, f.key); err != nil {
			return err
		}
	}
	if raw := strings.TrimSpace(os.Getenv("IAS_GRPC_TOKENS")); raw != "" {
		tokens, err := parseNodeTokens(raw)
		if err != nil {
			return fmt.Errorf("IAS_GRPC_TOKENS: %w", err)
		}
		c.GRPCTokens = tokens
	}
	if raw := strings.TrimSpace(os.Getenv("IAS_MIN_STAKE")); raw != "" {
		v, err := ledger.ParseTokens(raw)
		if err != nil {
			return fmt.Errorf("IAS_MIN_STAKE: %w", err)
		}
		c.Params.MinStake = TokenAmount{v}
	}
	return nil
}

// parseNodeTokens reads "token:node-id,token:node-id".
func parseNodeTokens(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, nodeID, ok := strings.Cut(entry, ":")
		token, nodeID = strings.TrimSpace(token), strings.TrimSpace(nodeID)
		if !ok || token == "" || nodeID == "" {
			return nil, fmt.Errorf("entry %q is not token:node-id", entry)
		}
		out[token] = nodeID
	}
	return out, nil
}

func (c Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store backend postgres requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Outbox.Backend {
	case "memory":
	case "redis":
		if c.Outbox.RedisAddr == "" {
			return fmt.Errorf("outbox backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown outbox backend %q", c.Outbox.Backend)
	}
	if c.Params.MinStake.IsNil() || !c.Params.MinStake.IsPositive() {
		return fmt.Errorf("params.min_stake must be greater than zero")
	}
	if c.Params.MaxTasksPerNode < 1 || c.Params.MaxTasksPerNode > 100 {
		return fmt.Errorf("params.max_tasks_per_node must be within 1..100")
	}
	if c.Params.TaskTimeout < 5*time.Minute || c.Params.TaskTimeout > 24*time.Hour {
		return fmt.Errorf("params.task_timeout must be within 5m..24h")
	}
	rep := c.Registry.Reputation
	if rep.Floor < 0 || rep.Ceiling <= rep.Floor || rep.Baseline < rep.Floor || rep.Baseline > rep.Ceiling {
		return fmt.Errorf("reputation bounds must satisfy 0 <= floor <= baseline <= ceiling")
	}
	if rep.Gain < 0 || rep.Loss < 0 {
		return fmt.Errorf("reputation gain and loss must not be negative")
	}
	if c.Scheduler.MinPriority < 1 || c.Scheduler.MaxPriority < c.Scheduler.MinPriority {
		return fmt.Errorf("scheduler priority range is invalid")
	}
	if c.Scheduler.MaxRetries < 1 {
		return fmt.Errorf("scheduler.max_retries must be at least 1")
	}
	if c.Scheduler.HeartbeatGrace <= 0 {
		return fmt.Errorf("scheduler.heartbeat_grace must be positive")
	}
	if len(c.Scheduler.TaskTypes) == 0 {
		return fmt.Errorf("scheduler.task_types must name at least one task type")
	}
	for name, tt := range c.Scheduler.TaskTypes {
		if tt.Timeout < 0 {
			return fmt.Errorf("task type %s: timeout must not be negative", name)
		}
		if !tt.RewardFactor.IsNil() && tt.RewardFactor.IsNegative() {
			return fmt.Errorf("task type %s: reward_factor must not be negative", name)
		}
	}
	for name, d := range map[string]Decimal{
		"rewards.reputation_floor":         c.Rewards.ReputationFloor,
		"slashing.verify_failure_fraction": c.Slashing.VerifyFailureFraction,
		"slashing.timeout_fraction":        c.Slashing.TimeoutFraction,
	} {
		if d.IsNil() || d.IsNegative() || d.GT(math.LegacyOneDec()) {
			return fmt.Errorf("%s must be within 0..1", name)
		}
	}
	if c.Rewards.UptimeBonusMax.IsNil() || c.Rewards.UptimeBonusMax.IsNegative() {
		return fmt.Errorf("rewards.uptime_bonus_max must not be negative")
	}
	if c.Rewards.UptimeWindow <= 0 {
		return fmt.Errorf("rewards.uptime_window must be positive")
	}
	switch c.Verifier.Mode {
	case "sha256", "keccak256", "signature", "accept_all":
	case "attestation":
		if c.Verifier.AttestationModule == "" {
			return fmt.Errorf("verifier mode attestation requires attestation_module")
		}
	default:
		return fmt.Errorf("unknown verifier mode %q", c.Verifier.Mode)
	}
	if c.Owner == "" {
		return fmt.Errorf("owner must be set")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func setBool(dst *bool, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	default:
		return fmt.Errorf("%s: invalid boolean %q", key, raw)
	}
	return nil
}
