// Package config defines all configuration for ployd. Config is loaded
// from a YAML file (default: configs/config.yaml) with sensitive fields
// overridable via PLOY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	Venue       VenueConfig       `mapstructure:"venue"`
	SpotFeed    SpotFeedConfig    `mapstructure:"spot_feed"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	Matcher     MatcherConfig     `mapstructure:"matcher"`
	Agents      AgentsConfig      `mapstructure:"agents"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Store       StoreConfig       `mapstructure:"store"`
	Reconciler  ReconcilerConfig  `mapstructure:"reconciler"`
	Claimer     ClaimerConfig     `mapstructure:"claimer"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
}

// WalletConfig holds the Ethereum wallet used for signing orders and
// sending on-chain redemption transactions.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
	RPCURL        string `mapstructure:"rpc_url"`
}

// VenueConfig holds the prediction-market venue's REST/WS endpoints and
// optional pre-derived L2 credentials. If ApiKey/Secret/Passphrase are
// empty, the signer derives them via L1 auth on startup.
type VenueConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`

	ConditionalTokensAddr string `mapstructure:"conditional_tokens_addr"`
	CollateralAddr        string `mapstructure:"collateral_addr"`
	ExchangeAddr          string `mapstructure:"exchange_addr"`
}

// SpotFeedConfig controls the underlying-spot price feed (e.g. Binance).
type SpotFeedConfig struct {
	WSURL             string        `mapstructure:"ws_url"`
	Symbols           []string      `mapstructure:"symbols"`
	TickRingSize      int           `mapstructure:"tick_ring_size"`
	MaxOutagesPerHour int           `mapstructure:"max_outages_per_hour"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
}

// CatalogConfig controls how often the catalog client polls the venue's
// series/event listing endpoints.
type CatalogConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	SeriesIDs      []string      `mapstructure:"series_ids"`
	MaxEndDateDays int           `mapstructure:"max_end_date_days"`
}

// MatcherConfig tunes event discovery, staleness pruning, and dedup
// retention windows. RetentionByHorizon overrides the default retention
// for specific horizon labels (e.g. "1d": "168h"); any horizon absent from
// the map uses DefaultRetention.
type MatcherConfig struct {
	RefreshInterval   time.Duration            `mapstructure:"refresh_interval"`
	MinRemaining      time.Duration            `mapstructure:"min_remaining"`
	DefaultRetention  time.Duration            `mapstructure:"default_retention"`
	RetentionByHorizon map[string]time.Duration `mapstructure:"retention_by_horizon"`
}

// AgentsConfig holds per-agent tuning blocks. Each agent type is enabled
// independently so a deployment can run any subset.
type AgentsConfig struct {
	Momentum MomentumConfig `mapstructure:"momentum"`
	LobML    LobMLConfig    `mapstructure:"lob_ml"`
	RLPolicy RLPolicyConfig `mapstructure:"rl_policy"`
}

// PriceExitConfig tunes the venue-quote-update mark-to-market exit path
// shared by every agent type (spec §4.5 item 3): once a position has
// cleared MinHoldSecs, a realized-PnL fraction crossing EdgeFloor takes
// profit, crossing -PriceBand stops out.
type PriceExitConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	EdgeFloor float64 `mapstructure:"exit_edge_floor"`
	PriceBand float64 `mapstructure:"exit_price_band"`
}

// MomentumConfig mirrors the original crypto-momentum agent's tunables.
type MomentumConfig struct {
	Enabled            bool            `mapstructure:"enabled"`
	Domain             string          `mapstructure:"domain"`
	SumThreshold       float64         `mapstructure:"sum_threshold"`
	MinWindowMovePct   float64         `mapstructure:"min_window_move_pct"`
	MinEdge            float64         `mapstructure:"min_edge"`
	EntryCooldown      time.Duration   `mapstructure:"entry_cooldown"`
	OrderSizeUSD       float64         `mapstructure:"order_size_usd"`
	VolatilityWindow   time.Duration   `mapstructure:"volatility_window"`
	MaxRequiredReturn  float64         `mapstructure:"max_required_return"`
	RequireMTFAgreement bool           `mapstructure:"require_mtf_agreement"`
	MinTimeRemaining   time.Duration   `mapstructure:"min_time_remaining"`
	MaxTimeRemaining   time.Duration   `mapstructure:"max_time_remaining"`
	PriceExit          PriceExitConfig `mapstructure:"price_exit"`
}

// LobMLConfig tunes the order-book-feature agent.
type LobMLConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	Domain       string          `mapstructure:"domain"`
	ModelPath    string          `mapstructure:"model_path"`
	MinEdge      float64         `mapstructure:"min_edge"`
	OrderSizeUSD float64         `mapstructure:"order_size_usd"`
	PriceExit    PriceExitConfig `mapstructure:"price_exit"`
}

// RLPolicyConfig tunes the reinforcement-learning policy agent.
type RLPolicyConfig struct {
	Enabled        bool            `mapstructure:"enabled"`
	Domain         string          `mapstructure:"domain"`
	PolicyPath     string          `mapstructure:"policy_path"`
	ObservationVer string          `mapstructure:"observation_version"`
	OrderSizeUSD   float64         `mapstructure:"order_size_usd"`
	PriceExit      PriceExitConfig `mapstructure:"price_exit"`
}

// CoordinatorConfig sets hard limits that trigger the kill switch, mirrors
// the teacher's RiskConfig generalized to the coordinator's wider scope.
type CoordinatorConfig struct {
	MaxPositionPerMarket float64       `mapstructure:"max_position_per_market"`
	MaxGlobalExposure    float64       `mapstructure:"max_global_exposure"`
	MaxMarketsActive     int           `mapstructure:"max_markets_active"`
	KillSwitchDropPct    float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec  int           `mapstructure:"kill_switch_window_sec"`
	MaxDailyLoss         float64       `mapstructure:"max_daily_loss"`
	CooldownAfterKill    time.Duration `mapstructure:"cooldown_after_kill"`
	DedupWindow          time.Duration `mapstructure:"dedup_window"`

	// AllowedDomains gates every intent before risk review (spec §4.6 step
	// 1): an intent whose Domain isn't in this set is rejected outright.
	// Empty means every domain is allowed — a deployment with only one
	// trading domain need not enumerate it.
	AllowedDomains []string `mapstructure:"allowed_domains"`

	// DomainLimits overrides the per-(agent, domain) risk envelope (spec
	// §4.6.1/invariant 4) for a named domain. A domain absent from this
	// map falls back to DefaultDomainLimit.
	DomainLimits       map[string]DomainRiskConfig `mapstructure:"domain_limits"`
	DefaultDomainLimit DomainRiskConfig            `mapstructure:"default_domain_limit"`
}

// DomainRiskConfig is one domain's per-agent risk envelope: max notional
// exposure, max shares in a single order, max concurrent positions, and
// max daily realized loss before that (agent, domain) pair is cut off.
// Zero means "no limit" for that dimension.
type DomainRiskConfig struct {
	MaxExposure       float64 `mapstructure:"max_exposure"`
	MaxSharesPerOrder float64 `mapstructure:"max_shares_per_order"`
	MaxPositions      int     `mapstructure:"max_positions"`
	MaxDailyLoss      float64 `mapstructure:"max_daily_loss"`
}

// StoreConfig sets the Postgres connection used for persistence.
type StoreConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	CheckpointDir   string        `mapstructure:"checkpoint_dir"`
	CheckpointEvery time.Duration `mapstructure:"checkpoint_every"`
}

// ReconcilerConfig tunes the local-vs-venue position reconciliation loop.
type ReconcilerConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	WarningThreshold float64       `mapstructure:"warning_threshold"`
	CriticalThreshold float64      `mapstructure:"critical_threshold"`
	AutoCorrect      bool          `mapstructure:"auto_correct"`
}

// ClaimerConfig tunes the on-chain redemption loop.
type ClaimerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	MinClaimSizeUSD    float64       `mapstructure:"min_claim_size_usd"`
	MinNativeGasWei    string        `mapstructure:"min_native_gas_wei"`
	AutoClaim          bool          `mapstructure:"auto_claim"`
	AllowPriceFallback bool          `mapstructure:"allow_price_fallback"`
	ConditionalTokensAddr string     `mapstructure:"conditional_tokens_addr"`
	CollateralAddr     string        `mapstructure:"collateral_addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SupervisorConfig tunes alerting rate limits and housekeeping cron jobs.
type SupervisorConfig struct {
	AlertCooldown      time.Duration `mapstructure:"alert_cooldown"`
	MaxAlertsPerMinute int           `mapstructure:"max_alerts_per_minute"`
	HealthPort         int           `mapstructure:"health_port"`
	NotifyInfo         bool          `mapstructure:"notify_info"`
	DailyResetCron     string        `mapstructure:"daily_reset_cron"`
	StalePruneCron     string        `mapstructure:"stale_prune_cron"`
	StaleEventAge      time.Duration `mapstructure:"stale_event_age"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: PLOY_PRIVATE_KEY, PLOY_API_KEY,
// PLOY_API_SECRET, PLOY_PASSPHRASE, PLOY_STORE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PLOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("PLOY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("PLOY_API_KEY"); key != "" {
		cfg.Venue.ApiKey = key
	}
	if secret := os.Getenv("PLOY_API_SECRET"); secret != "" {
		cfg.Venue.Secret = secret
	}
	if pass := os.Getenv("PLOY_PASSPHRASE"); pass != "" {
		cfg.Venue.Passphrase = pass
	}
	if dsn := os.Getenv("PLOY_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if os.Getenv("PLOY_DRY_RUN") == "true" || os.Getenv("PLOY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set PLOY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for Polygon mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.Venue.CLOBBaseURL == "" {
		return fmt.Errorf("venue.clob_base_url is required")
	}
	if c.Coordinator.MaxPositionPerMarket <= 0 {
		return fmt.Errorf("coordinator.max_position_per_market must be > 0")
	}
	if c.Coordinator.MaxGlobalExposure <= 0 {
		return fmt.Errorf("coordinator.max_global_exposure must be > 0")
	}
	if c.Coordinator.MaxMarketsActive <= 0 {
		return fmt.Errorf("coordinator.max_markets_active must be > 0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required (set PLOY_STORE_DSN)")
	}
	return nil
}

// RetentionFor returns the dedup retention window for a horizon label,
// falling back to DefaultRetention when no per-horizon override exists.
func (m MatcherConfig) RetentionFor(horizon string) time.Duration {
	if d, ok := m.RetentionByHorizon[horizon]; ok {
		return d
	}
	return m.DefaultRetention
}
