package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string        `yaml:"env"`
	Chain   ChainConfig   `yaml:"chain"`
	Venue   VenueConfig   `yaml:"venue"`
	Relay   RelayConfig   `yaml:"relay"`
	Trading TradingConfig `yaml:"trading"`
	Logger  LoggerConfig  `yaml:"logger"`
	Alert   AlertConfig   `yaml:"alert"`
	Audit   AuditConfig   `yaml:"audit"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tokens  []TokenConfig `yaml:"tokens"`
}

// ChainConfig 保存 NEAR 侧的 RPC/账户/密钥信息。
type ChainConfig struct {
	RPCURL          string `yaml:"rpcURL"`
	AccountID       string `yaml:"accountID"`
	IntentsContract string `yaml:"intentsContract"`
	PrivateKey      string `yaml:"privateKey"` // ed25519:<base58>, 推荐用 SOLVER_NEAR_PRIVATE_KEY 注入
}

// VenueConfig selects the perpetual venue endpoints and instrument.
type VenueConfig struct {
	Mainnet      bool    `yaml:"mainnet"`
	APIURL       string  `yaml:"apiURL"`  // override; empty uses mainnet/testnet default
	WSURL        string  `yaml:"wsURL"`   // override; empty uses mainnet/testnet default
	Coin         string  `yaml:"coin"`    // e.g. BTC
	AssetIndex   int     `yaml:"assetIndex"`
	APIKey       string  `yaml:"apiKey"`    // 推荐用 SOLVER_VENUE_API_KEY 注入
	APISecret    string  `yaml:"apiSecret"` // 推荐用 SOLVER_VENUE_API_SECRET 注入
	TickDecimals int32   `yaml:"tickDecimals"` // price precision, 1 for BTC
	RESTRate     float64 `yaml:"restRate"`     // REST 限流：每秒令牌数
	RESTBurst    int     `yaml:"restBurst"`
}

// RelayConfig points at the solver-bus websocket endpoint.
type RelayConfig struct {
	URL string `yaml:"url"`
}

// TradingConfig carries the quoting/hedging tunables. All spread values are
// in basis points, sizes in BTC, funding as an hourly decimal.
type TradingConfig struct {
	MaxBTCInventory        float64 `yaml:"maxBTCInventory"`
	MinUSDReserve          float64 `yaml:"minUSDReserve"`
	TargetSpreadBips       float64 `yaml:"targetSpreadBips"`
	BaseSpreadBips         float64 `yaml:"baseSpreadBips"`
	MaxSpreadBips          float64 `yaml:"maxSpreadBips"`
	MinTradeSizeBTC        float64 `yaml:"minTradeSizeBTC"`
	MaxTradeSizeBTC        float64 `yaml:"maxTradeSizeBTC"`
	MinMarginThreshold     float64 `yaml:"minMarginThreshold"`
	MaxNegativeFundingRate float64 `yaml:"maxNegativeFundingRate"` // most-negative acceptable hourly funding
	DriftThresholdBTC      float64 `yaml:"driftThresholdBTC"`
	HedgeSlippageBps       float64 `yaml:"hedgeSlippageBps"`
	MaxOrderbookAgeMs      int64   `yaml:"maxOrderbookAgeMs"`
	HedgingEnabled         bool    `yaml:"hedgingEnabled"`
	DynamicSpreadEnabled   bool    `yaml:"dynamicSpreadEnabled"`
	PollIntervalMs         int64   `yaml:"pollIntervalMs"` // settlement poll fallback tick
	SpotPrimaryURL         string  `yaml:"spotPrimaryURL"`
	SpotFallbackURL        string  `yaml:"spotFallbackURL"`
}

// LoggerConfig mirrors infrastructure/logger.Config so the yaml surface stays
// in one place.
type LoggerConfig struct {
	Level      string   `yaml:"level"`
	Outputs    []string `yaml:"outputs"`
	OutputFile string   `yaml:"outputFile"`
	Format     string   `yaml:"format"`
}

type AlertConfig struct {
	ThrottleSeconds int    `yaml:"throttleSeconds"`
	WebhookURL      string `yaml:"webhookURL"`
}

type AuditConfig struct {
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the /metrics server
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("SOLVER_NEAR_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := os.Getenv("SOLVER_NEAR_ACCOUNT_ID"); v != "" {
		cfg.Chain.AccountID = v
	}
	if v := os.Getenv("SOLVER_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("SOLVER_VENUE_API_KEY"); v != "" {
		cfg.Venue.APIKey = v
	}
	if v := os.Getenv("SOLVER_VENUE_API_SECRET"); v != "" {
		cfg.Venue.APISecret = v
	}
	return cfg, Validate(cfg)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Venue.Coin == "" {
		cfg.Venue.Coin = "BTC"
	}
	if cfg.Venue.TickDecimals == 0 {
		cfg.Venue.TickDecimals = 1
	}
	if cfg.Venue.RESTRate <= 0 {
		cfg.Venue.RESTRate = 5
	}
	if cfg.Venue.RESTBurst <= 0 {
		cfg.Venue.RESTBurst = 10
	}
	if cfg.Trading.MaxOrderbookAgeMs <= 0 {
		cfg.Trading.MaxOrderbookAgeMs = 5000
	}
	if cfg.Trading.PollIntervalMs <= 0 {
		cfg.Trading.PollIntervalMs = 1500
	}
	if cfg.Trading.TargetSpreadBips <= 0 {
		cfg.Trading.TargetSpreadBips = 30
	}
	if cfg.Alert.ThrottleSeconds <= 0 {
		cfg.Alert.ThrottleSeconds = 60
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = "data"
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if len(cfg.Logger.Outputs) == 0 {
		cfg.Logger.Outputs = []string{"stdout"}
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
}

// Validate ensures required fields are present and bounds are sane.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Chain.RPCURL == "" {
		return errors.New("chain.rpcURL is required")
	}
	if cfg.Chain.AccountID == "" {
		return errors.New("chain.accountID is required (or SOLVER_NEAR_ACCOUNT_ID)")
	}
	if cfg.Chain.IntentsContract == "" {
		return errors.New("chain.intentsContract is required")
	}
	if cfg.Chain.PrivateKey == "" {
		return errors.New("chain.privateKey is required (or SOLVER_NEAR_PRIVATE_KEY)")
	}
	if cfg.Relay.URL == "" {
		return errors.New("relay.url is required (or SOLVER_RELAY_URL)")
	}
	t := cfg.Trading
	if t.MaxBTCInventory <= 0 {
		return errors.New("trading.maxBTCInventory must be > 0")
	}
	if t.MinTradeSizeBTC <= 0 || t.MaxTradeSizeBTC <= 0 {
		return errors.New("trading size bounds must be > 0")
	}
	if t.MinTradeSizeBTC > t.MaxTradeSizeBTC {
		return errors.New("trading.minTradeSizeBTC must be <= maxTradeSizeBTC")
	}
	if t.TargetSpreadBips < 0 || t.BaseSpreadBips < 0 || t.MaxSpreadBips < 0 {
		return errors.New("trading spread values must be >= 0")
	}
	if t.DynamicSpreadEnabled && t.BaseSpreadBips <= 0 {
		return errors.New("trading.baseSpreadBips must be > 0 when dynamic spread is enabled")
	}
	if t.HedgeSlippageBps < 0 {
		return errors.New("trading.hedgeSlippageBps must be >= 0")
	}
	if t.MaxNegativeFundingRate > 0 {
		return errors.New("trading.maxNegativeFundingRate is a negative hourly decimal (e.g. -0.0005)")
	}
	if len(cfg.Tokens) == 0 {
		return errors.New("tokens config is required")
	}
	if _, err := BuildTokenTable(cfg.Tokens); err != nil {
		return err
	}
	return nil
}
