package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/wTHU1Ew/papaya/pkg/models"
)

// Environment variables that override secrets from the YAML file.
const (
	EnvVenueAPIKey     = "PAPAYA_VENUE_API_KEY"
	EnvVenueAPISecret  = "PAPAYA_VENUE_API_SECRET"
	EnvVenuePassphrase = "PAPAYA_VENUE_PASSPHRASE"
	EnvDatabasePath    = "PAPAYA_DB_PATH"
)

// Config 配置结构 / Configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Assets      []AssetConfig     `yaml:"assets"`
	Risk        RiskConfig        `yaml:"risk"`
	Interest    InterestConfig    `yaml:"interest"`
	Liquidation LiquidationConfig `yaml:"liquidation"`
	Venue       VenueConfig       `yaml:"venue"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Alerts      AlertsConfig      `yaml:"alerts"`
}

// ServerConfig HTTP服务配置 / HTTP API configuration
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置 / Database configuration
type DatabaseConfig struct {
	Path         string `yaml:"path"`
	WALMode      bool   `yaml:"wal_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	BusyRetries  int    `yaml:"busy_retries"`
}

// LoggingConfig 日志配置 / Logging configuration
type LoggingConfig struct {
	FilePath   string `yaml:"file_path"`
	Level      string `yaml:"level"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
	Console    bool   `yaml:"console"`
}

// OracleConfig 价格预言机配置 / Price oracle configuration
type OracleConfig struct {
	CryptoURL       string  `yaml:"crypto_url"`
	FiatURL         string  `yaml:"fiat_url"`
	Timeout         int     `yaml:"timeout"` // seconds per provider call
	MaxConcurrency  int     `yaml:"max_concurrency"`
	DefaultFallback float64 `yaml:"default_fallback"`
}

// AssetConfig 资产配置（含兜底价格）/ Asset catalog entry including its fallback price
type AssetConfig struct {
	Symbol           string  `yaml:"symbol"`
	Decimals         int32   `yaml:"decimals"`
	IsFiat           bool    `yaml:"is_fiat"`
	ProviderID       string  `yaml:"provider_id"`
	FallbackPrice    float64 `yaml:"fallback_price"`
	CollateralWeight float64 `yaml:"collateral_weight"`
	BorrowRate       float64 `yaml:"borrow_rate"` // annual rate seeded at startup when no rate is recorded
}

// RiskConfig 风控阈值 / Risk thresholds
type RiskConfig struct {
	HealthyThreshold     float64 `yaml:"healthy_threshold"`
	LiquidationThreshold float64 `yaml:"liquidation_threshold"`
	TargetRecovery       float64 `yaml:"target_recovery"`
	LiquidationPenalty   float64 `yaml:"liquidation_penalty"`
	MaxSlippage          float64 `yaml:"max_slippage"`
}

// InterestConfig 计息配置 / Interest accrual configuration
type InterestConfig struct {
	Mode          string `yaml:"mode"`
	PeriodSeconds int64  `yaml:"period_seconds"`
	Schedule      string `yaml:"schedule"`
}

// LiquidationConfig 清算配置 / Liquidation engine configuration
type LiquidationConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ScanSchedule string `yaml:"scan_schedule"`
	Workers      int    `yaml:"workers"`
	MaxLegs      int    `yaml:"max_legs"`
	QueueSize    int    `yaml:"queue_size"`
	// AllowFallbackPrices lets the engine liquidate positions valued with fallback prices.
	AllowFallbackPrices bool `yaml:"allow_fallback_prices"`
}

// VenueConfig 交易场所配置 / Trading venue configuration (OKX v5 compatible)
type VenueConfig struct {
	Mode           string   `yaml:"mode"` // okx or paper
	APIURL         string   `yaml:"api_url"`
	APIKey         string   `yaml:"api_key"`
	APISecret      string   `yaml:"api_secret"`
	Passphrase     string   `yaml:"passphrase"`
	Account        string   `yaml:"account"`
	Timeout        int      `yaml:"timeout"`
	MaxRetries     int      `yaml:"max_retries"`
	MaxAttempts    int      `yaml:"max_attempts"`
	BackoffInitMs  int      `yaml:"backoff_initial_ms"`
	BackoffMaxMs   int      `yaml:"backoff_max_ms"`
	ConfirmTimeout int      `yaml:"confirm_timeout"`
	PollIntervalMs int      `yaml:"poll_interval_ms"`
	Instruments    []string `yaml:"instruments"`
	DebugEnable    bool     `yaml:"debug"`
}

// ReconcileConfig 对账配置 / Settlement reconciliation configuration
type ReconcileConfig struct {
	Schedule     string `yaml:"schedule"`
	GraceSeconds int    `yaml:"grace_seconds"`
	MaxAgeSecs   int    `yaml:"max_age_seconds"`
}

// AlertsConfig 告警配置 / Operator alert configuration
type AlertsConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// Load 加载配置文件 / Load configuration from file
// 先加载 .env（可选），再解析YAML，然后用环境变量覆盖密钥，最后验证并补全默认值
// Load optional .env, parse YAML, apply environment overrides for secrets, then validate and apply defaults
//
// Parameters:
//   - path: Path to the configuration file (e.g., "configs/config.yaml")
//
// Returns:
//   - *Config: 已验证的配置对象 / Validated configuration object with all settings
//   - error: 文件不存在、解析失败或验证失败时返回错误 / Error if file not found, parsing fails, or validation fails
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		templatePath := "configs/config.template.yaml"
		if _, err := os.Stat(templatePath); err == nil {
			return nil, fmt.Errorf("config file not found at %s. Please copy %s to %s and fill in your credentials", path, templatePath, path)
		}
		return nil, fmt.Errorf("config file not found at %s", path)
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvVenueAPIKey); v != "" {
		c.Venue.APIKey = v
	}
	if v := os.Getenv(EnvVenueAPISecret); v != "" {
		c.Venue.APISecret = v
	}
	if v := os.Getenv(EnvVenuePassphrase); v != "" {
		c.Venue.Passphrase = v
	}
	if v := os.Getenv(EnvDatabasePath); v != "" {
		c.Database.Path = v
	}
}

// Validate 验证配置 / Validate configuration
// 验证所有配置项的有效性，并为未设置的项应用默认值
// Validate all configuration items and apply default values for unset items
//
// Returns:
//   - error: 当必需配置项缺失或无效时返回错误 / Error when required items are missing or invalid
func (c *Config) Validate() error {
	if err := c.validateVenue(); err != nil {
		return err
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10
	}

	if c.Database.Path == "" {
		c.Database.Path = "./data/papaya.db"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 1
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 1
	}
	if c.Database.BusyRetries <= 0 {
		c.Database.BusyRetries = 5
	}

	if err := c.validateLogging(); err != nil {
		return err
	}

	if c.Oracle.CryptoURL == "" {
		c.Oracle.CryptoURL = "https://api.coingecko.com/api/v3"
	}
	if c.Oracle.FiatURL == "" {
		c.Oracle.FiatURL = "https://api.exchangerate-api.com/v4"
	}
	if c.Oracle.Timeout <= 0 {
		c.Oracle.Timeout = 5
	}
	if c.Oracle.MaxConcurrency <= 0 {
		c.Oracle.MaxConcurrency = 4
	}
	if c.Oracle.DefaultFallback <= 0 {
		c.Oracle.DefaultFallback = 1.0
	}

	if len(c.Assets) == 0 {
		c.Assets = DefaultAssets()
	}
	if _, err := c.Catalog(); err != nil {
		return err
	}

	if err := c.validateRisk(); err != nil {
		return err
	}

	if c.Interest.Mode == "" {
		c.Interest.Mode = string(models.InterestModeCompound)
	}
	c.Interest.Mode = strings.ToLower(c.Interest.Mode)
	if !models.InterestMode(c.Interest.Mode).IsValid() {
		return fmt.Errorf("invalid interest.mode: %s (must be compound or simple)", c.Interest.Mode)
	}
	if c.Interest.PeriodSeconds <= 0 {
		c.Interest.PeriodSeconds = 86400
	}
	if c.Interest.Schedule == "" {
		c.Interest.Schedule = "@every 1h"
	}

	if c.Liquidation.ScanSchedule == "" {
		c.Liquidation.ScanSchedule = "@every 15s"
	}
	if c.Liquidation.Workers <= 0 {
		c.Liquidation.Workers = 4
	}
	if c.Liquidation.MaxLegs <= 0 {
		c.Liquidation.MaxLegs = 4
	}
	if c.Liquidation.QueueSize <= 0 {
		c.Liquidation.QueueSize = 256
	}

	if c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = "@every 1m"
	}
	if err := c.validateReconcile(); err != nil {
		return err
	}

	for name, spec := range map[string]string{
		"interest.schedule":         c.Interest.Schedule,
		"liquidation.scan_schedule": c.Liquidation.ScanSchedule,
		"reconcile.schedule":        c.Reconcile.Schedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, spec, err)
		}
	}

	if len(c.Alerts.KafkaBrokers) > 0 && c.Alerts.KafkaTopic == "" {
		c.Alerts.KafkaTopic = "papaya.alerts"
	}

	return nil
}

// SettlementBudget 单次结算最长耗时 / Longest a single venue settlement can take before it gives up
// 每次尝试：带重试的订单查询 + 一次下单；尝试之间按退避上限（含 50% 抖动）等待；最后加上成交确认超时
// Each attempt is a retried order lookup plus one placement, attempts are separated by at most
// 1.5x backoff_max_ms (backoff jitter), and confirmation polls for up to confirm_timeout.
func (v VenueConfig) SettlementBudget() time.Duration {
	timeout := time.Duration(v.Timeout) * time.Second
	lookup := time.Duration(v.MaxRetries+1)*timeout + time.Duration(v.MaxRetries)*venueReadBackoffMax
	attempt := lookup + timeout
	wait := time.Duration(v.BackoffMaxMs) * time.Millisecond * 3 / 2
	return time.Duration(v.MaxAttempts)*attempt +
		time.Duration(max(v.MaxAttempts-1, 0))*wait +
		time.Duration(v.ConfirmTimeout)*time.Second
}

// venueReadBackoffMax is the venue client's cap between retried reads.
const venueReadBackoffMax = 2 * time.Second

// validateReconcile 对账配置校验 / Reconcile defaults and the grace period check
// 宽限期必须超过单次结算的最长耗时，否则对账可能判定仍在执行中的结算
// The grace period must outlast the settlement budget so a pass never judges a settlement still running elsewhere.
func (c *Config) validateReconcile() error {
	budget := c.Venue.SettlementBudget()
	budgetSecs := int((budget + time.Second - 1) / time.Second)
	if c.Reconcile.GraceSeconds <= 0 {
		c.Reconcile.GraceSeconds = budgetSecs + 60
	}
	if c.Reconcile.GraceSeconds <= budgetSecs {
		return fmt.Errorf("reconcile.grace_seconds (%d) must exceed the venue settlement budget of %ds "+
			"(venue.max_attempts, timeout, max_retries, backoff_max_ms and confirm_timeout)",
			c.Reconcile.GraceSeconds, budgetSecs)
	}
	if c.Reconcile.MaxAgeSecs <= 0 {
		c.Reconcile.MaxAgeSecs = 3600
	}
	if c.Reconcile.MaxAgeSecs <= c.Reconcile.GraceSeconds {
		return fmt.Errorf("reconcile.max_age_seconds (%d) must exceed reconcile.grace_seconds (%d)",
			c.Reconcile.MaxAgeSecs, c.Reconcile.GraceSeconds)
	}
	return nil
}

// Venue modes.
const (
	VenueModeOKX   = "okx"
	VenueModePaper = "paper"
)

func (c *Config) validateVenue() error {
	c.Venue.Mode = strings.ToLower(c.Venue.Mode)
	if c.Venue.Mode == "" {
		c.Venue.Mode = VenueModeOKX
	}
	switch c.Venue.Mode {
	case VenueModeOKX:
		if err := c.validateCredentials(); err != nil {
			return err
		}
	case VenueModePaper:
	default:
		return fmt.Errorf("invalid venue.mode: %s (must be okx or paper)", c.Venue.Mode)
	}
	return c.validateVenueDefaults()
}

func (c *Config) validateCredentials() error {
	if c.Venue.APIURL == "" {
		return fmt.Errorf("venue.api_url is required")
	}
	if c.Venue.APIKey == "" || strings.Contains(c.Venue.APIKey, "your-api-key") {
		return fmt.Errorf("venue.api_key is required and must not be a placeholder value")
	}
	if c.Venue.APISecret == "" || strings.Contains(c.Venue.APISecret, "your-api-secret") {
		return fmt.Errorf("venue.api_secret is required and must not be a placeholder value")
	}
	if c.Venue.Passphrase == "" || strings.Contains(c.Venue.Passphrase, "your-api-passphrase") {
		return fmt.Errorf("venue.passphrase is required and must not be a placeholder value")
	}
	return nil
}

func (c *Config) validateVenueDefaults() error {
	if c.Venue.Account == "" {
		c.Venue.Account = "platform"
	}
	if c.Venue.Timeout <= 0 {
		c.Venue.Timeout = 10
	}
	if c.Venue.MaxRetries < 0 {
		c.Venue.MaxRetries = 3
	}
	if c.Venue.MaxAttempts <= 0 {
		c.Venue.MaxAttempts = 5
	}
	if c.Venue.BackoffInitMs <= 0 {
		c.Venue.BackoffInitMs = 500
	}
	if c.Venue.BackoffMaxMs <= 0 {
		c.Venue.BackoffMaxMs = 8000
	}
	if c.Venue.ConfirmTimeout <= 0 {
		c.Venue.ConfirmTimeout = 30
	}
	if c.Venue.PollIntervalMs <= 0 {
		c.Venue.PollIntervalMs = 500
	}
	if len(c.Venue.Instruments) == 0 {
		c.Venue.Instruments = []string{"BTC-USDC", "ETH-USDC", "SOL-USDC", "XRP-USDC", "USDT-USDC", "BTC-USDT", "ETH-USDT"}
	}
	for _, inst := range c.Venue.Instruments {
		if parts := strings.Split(inst, "-"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("invalid venue instrument %q (expected BASE-QUOTE)", inst)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "./logs/papaya.log"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	validLevels := map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}
	if !validLevels[strings.ToUpper(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be DEBUG, INFO, WARN, or ERROR)", c.Logging.Level)
	}
	c.Logging.Level = strings.ToUpper(c.Logging.Level)

	if c.Logging.MaxSize <= 0 {
		c.Logging.MaxSize = 100
	}
	if c.Logging.MaxAge <= 0 {
		c.Logging.MaxAge = 30
	}
	if c.Logging.MaxBackups < 0 {
		c.Logging.MaxBackups = 10
	}
	return nil
}

func (c *Config) validateRisk() error {
	r := &c.Risk
	if r.HealthyThreshold <= 0 {
		r.HealthyThreshold = 1.5
	}
	if r.LiquidationThreshold <= 0 {
		r.LiquidationThreshold = 1.0
	}
	if r.TargetRecovery <= 0 {
		r.TargetRecovery = 1.1
	}
	if r.MaxSlippage <= 0 {
		r.MaxSlippage = 0.01
	}
	if r.LiquidationThreshold >= r.HealthyThreshold {
		return fmt.Errorf("risk.liquidation_threshold (%v) must be below risk.healthy_threshold (%v)", r.LiquidationThreshold, r.HealthyThreshold)
	}
	if r.TargetRecovery <= r.LiquidationThreshold {
		return fmt.Errorf("risk.target_recovery (%v) must be above risk.liquidation_threshold (%v)", r.TargetRecovery, r.LiquidationThreshold)
	}
	if r.LiquidationPenalty < 0 || r.LiquidationPenalty >= 0.5 {
		return fmt.Errorf("risk.liquidation_penalty must be within [0, 0.5)")
	}
	if r.MaxSlippage >= 0.5 {
		return fmt.Errorf("risk.max_slippage must be below 0.5")
	}
	return nil
}

// Catalog 构建资产目录 / Build the asset catalog from the configured table
func (c *Config) Catalog() (*models.Catalog, error) {
	assets := make([]models.Asset, 0, len(c.Assets))
	for _, a := range c.Assets {
		assets = append(assets, models.Asset{
			Symbol:           a.Symbol,
			Decimals:         a.Decimals,
			IsFiat:           a.IsFiat,
			ProviderID:       a.ProviderID,
			FallbackPrice:    decimal.NewFromFloat(a.FallbackPrice),
			CollateralWeight: decimal.NewFromFloat(a.CollateralWeight),
		})
	}
	return models.NewCatalog(assets...)
}

// DefaultAssets 默认资产表 / Default asset table with fallback prices
func DefaultAssets() []AssetConfig {
	return []AssetConfig{
		{Symbol: "BTC", Decimals: 8, ProviderID: "bitcoin", FallbackPrice: 42000, CollateralWeight: 0.8},
		{Symbol: "ETH", Decimals: 18, ProviderID: "ethereum", FallbackPrice: 3500, CollateralWeight: 0.8},
		{Symbol: "SOL", Decimals: 9, ProviderID: "solana", FallbackPrice: 100, CollateralWeight: 0.6},
		{Symbol: "XRP", Decimals: 6, ProviderID: "ripple", FallbackPrice: 0.52, CollateralWeight: 0.6},
		{Symbol: "USDC", Decimals: 6, ProviderID: "usd-coin", FallbackPrice: 1.0, CollateralWeight: 0.9, BorrowRate: 0.08},
		{Symbol: "USDT", Decimals: 6, ProviderID: "tether", FallbackPrice: 1.0, CollateralWeight: 0.9, BorrowRate: 0.08},
		{Symbol: "KSH", Decimals: 2, IsFiat: true, ProviderID: "KES", FallbackPrice: 1.0 / 130.0, CollateralWeight: 0.9},
	}
}

// MaskSensitive 屏蔽敏感信息用于日志记录 / Mask sensitive information for logging
func (c *Config) MaskSensitive() string {
	return fmt.Sprintf("Config{Server{Addr=%s}, Venue{Mode=%s, APIURL=%s, APIKey=%s, Account=%s, MaxAttempts=%d}, Database{Path=%s}, Risk{Healthy=%v, Liquidation=%v, Target=%v, Penalty=%v}, Interest{Mode=%s, Period=%ds}, Assets=%d, Logging{Level=%s}}",
		c.Server.Addr,
		c.Venue.Mode,
		c.Venue.APIURL,
		maskString(c.Venue.APIKey),
		c.Venue.Account,
		c.Venue.MaxAttempts,
		c.Database.Path,
		c.Risk.HealthyThreshold,
		c.Risk.LiquidationThreshold,
		c.Risk.TargetRecovery,
		c.Risk.LiquidationPenalty,
		c.Interest.Mode,
		c.Interest.PeriodSeconds,
		len(c.Assets),
		c.Logging.Level,
	)
}

// maskString 屏蔽字符串，只显示前4个字符 / Mask string, show only first 4 characters
func maskString(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
