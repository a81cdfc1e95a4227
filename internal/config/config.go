package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

// Live reports whether orders reach a real exchange account.
func (m Mode) Live() bool { return m == ModeTestnet || m == ModeLive }

type ExclusionRefresh string

const (
	ModePaper   Mode = "paper"
	ModeReplay  Mode = "replay"
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

const (
	ExclusionOnTrade   ExclusionRefresh = "on_trade"
	ExclusionEveryTick ExclusionRefresh = "every_tick"
)

// Environment overrides for secrets, applied after the file is decoded.
const (
	EnvAPIKey        = "ROTATOR_API_KEY"
	EnvAPISecret     = "ROTATOR_API_SECRET"
	EnvTelegramToken = "ROTATOR_TELEGRAM_TOKEN"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	InstanceID     string               `yaml:"instance_id"`
	Bridge         string               `yaml:"bridge"`
	Coins          []string             `yaml:"coins"`
	Trading        TradingConfig        `yaml:"trading"`
	Engine         EngineConfig         `yaml:"engine"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Paper          PaperConfig          `yaml:"paper"`
	Replay         ReplayConfig         `yaml:"replay"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	HTTP           HTTPConfig           `yaml:"http"`
	Log            LogConfig            `yaml:"log"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type TradingConfig struct {
	Fee                Decimal          `yaml:"fee"`
	GrowthFactor       Decimal          `yaml:"growth_factor"`
	ConcentrationLimit Decimal          `yaml:"concentration_limit"`
	TradableFraction   Decimal          `yaml:"tradable_fraction"`
	ExclusionRefresh   ExclusionRefresh `yaml:"exclusion_refresh"`
	Tiers              []TierConfig     `yaml:"tiers"`
}

type TierConfig struct {
	Above    Decimal `yaml:"above"`
	Fraction Decimal `yaml:"fraction"`
}

type EngineConfig struct {
	CandleInterval    string `yaml:"candle_interval"`
	PollIntervalMs    int64  `yaml:"poll_interval_ms"`
	PollConcurrency   int    `yaml:"poll_concurrency"`
	StatusIntervalSec int64  `yaml:"status_interval_sec"`
	AutoStart         *bool  `yaml:"auto_start"`
}

type ExchangeConfig struct {
	APIKey            string  `yaml:"api_key"`
	APISecret         string  `yaml:"api_secret"`
	RestBaseURL       string  `yaml:"rest_base_url"`
	WSBaseURL         string  `yaml:"ws_base_url"`
	RecvWindowMs      int64   `yaml:"recv_window_ms"`
	HTTPTimeoutSec    int64   `yaml:"http_timeout_sec"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	RequestBurst      int     `yaml:"request_burst"`
}

type PaperConfig struct {
	FeeRate         Decimal            `yaml:"fee_rate"`
	InitialBalances map[string]Decimal `yaml:"initial_balances"`
}

// ReplayConfig points at kline files laid out as <data_dir>/<MARKET>/<interval>/*.jsonl.
type ReplayConfig struct {
	DataDir string `yaml:"data_dir"`
	PaceMs  int64  `yaml:"pace_ms"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LedgerPath   string `yaml:"ledger_path"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxPollFailures      int   `yaml:"max_poll_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	CooldownSec          int64 `yaml:"cooldown_sec"`
	ProbePasses          int   `yaml:"probe_passes"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type ObservabilityConfig struct {
	Telegram         TelegramConfig `yaml:"telegram"`
	AlertThrottleSec int64          `yaml:"alert_throttle_sec"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.applyEnv(os.Getenv)
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvAPIKey); v != "" {
		c.Exchange.APIKey = v
	}
	if v := getenv(EnvAPISecret); v != "" {
		c.Exchange.APISecret = v
	}
	if v := getenv(EnvTelegramToken); v != "" {
		c.Observability.Telegram.BotToken = v
	}
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Bridge = strings.ToUpper(strings.TrimSpace(c.Bridge))
	coins := make([]string, 0, len(c.Coins))
	for _, code := range c.Coins {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" {
			coins = append(coins, code)
		}
	}
	c.Coins = coins
	c.Trading.ExclusionRefresh = ExclusionRefresh(strings.ToLower(strings.TrimSpace(string(c.Trading.ExclusionRefresh))))
	c.Engine.CandleInterval = strings.TrimSpace(c.Engine.CandleInterval)
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	if len(c.Paper.InitialBalances) > 0 {
		balances := make(map[string]Decimal, len(c.Paper.InitialBalances))
		for code, v := range c.Paper.InitialBalances {
			balances[strings.ToUpper(strings.TrimSpace(code))] = v
		}
		c.Paper.InitialBalances = balances
	}
	c.Replay.DataDir = strings.TrimSpace(c.Replay.DataDir)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.State.LedgerPath = strings.TrimSpace(c.State.LedgerPath)
	c.HTTP.Listen = strings.TrimSpace(c.HTTP.Listen)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.File = strings.TrimSpace(c.Log.File)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Bridge == "" {
		c.Bridge = "USDT"
	}
	if !c.Trading.Fee.set() {
		c.Trading.Fee = mustDecimal("0.001")
	}
	if !c.Trading.GrowthFactor.set() {
		c.Trading.GrowthFactor = mustDecimal("0.85")
	}
	if !c.Trading.ConcentrationLimit.set() {
		c.Trading.ConcentrationLimit = mustDecimal("0.5")
	}
	if !c.Trading.TradableFraction.set() {
		c.Trading.TradableFraction = mustDecimal("0.25")
	}
	if c.Trading.ExclusionRefresh == "" {
		c.Trading.ExclusionRefresh = ExclusionOnTrade
	}
	if len(c.Trading.Tiers) == 0 {
		c.Trading.Tiers = []TierConfig{
			{Above: mustDecimal("1.0"), Fraction: mustDecimal("0.25")},
			{Above: mustDecimal("1.15"), Fraction: mustDecimal("0.35")},
			{Above: mustDecimal("1.3"), Fraction: mustDecimal("0.5")},
		}
	}
	if c.Engine.CandleInterval == "" {
		c.Engine.CandleInterval = "1m"
	}
	if c.Engine.PollIntervalMs == 0 {
		c.Engine.PollIntervalMs = 3000
	}
	if c.Engine.PollConcurrency == 0 {
		c.Engine.PollConcurrency = 8
	}
	if c.Engine.StatusIntervalSec == 0 {
		c.Engine.StatusIntervalSec = 30
	}
	if c.Engine.AutoStart == nil {
		enabled := true
		c.Engine.AutoStart = &enabled
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.RequestsPerSecond == 0 {
		c.Exchange.RequestsPerSecond = 10
	}
	if c.Exchange.RequestBurst == 0 {
		c.Exchange.RequestBurst = 5
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binance.vision"
		case ModeLive, ModePaper, ModeReplay:
			c.Exchange.RestBaseURL = "https://api.binance.com"
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = "wss://stream.testnet.binance.vision"
		case ModeLive, ModePaper, ModeReplay:
			c.Exchange.WSBaseURL = "wss://stream.binance.com:9443"
		}
	}
	if c.Replay.DataDir == "" {
		c.Replay.DataDir = "data/binance"
	}
	if !c.Paper.FeeRate.set() {
		c.Paper.FeeRate = mustDecimal("0.001")
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxPollFailures == 0 {
		c.CircuitBreaker.MaxPollFailures = 20
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.CircuitBreaker.ProbePasses == 0 {
		c.CircuitBreaker.ProbePasses = 1
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LedgerPath == "" {
		c.State.LedgerPath = "ledger.db"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.AlertThrottleSec == 0 {
		c.Observability.AlertThrottleSec = 60
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeReplay, ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be paper, replay, testnet, or live")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if !isValidCoin(c.Bridge) {
		return fmt.Errorf("bridge must match [A-Z0-9], length 2..12")
	}
	seen := make(map[string]struct{}, len(c.Coins))
	for _, code := range c.Coins {
		if !isValidCoin(code) {
			return fmt.Errorf("coin %q must match [A-Z0-9], length 2..12", code)
		}
		if code == c.Bridge {
			return fmt.Errorf("coins must not contain the bridge %s", c.Bridge)
		}
		if _, dup := seen[code]; dup {
			return fmt.Errorf("coin %s listed twice", code)
		}
		seen[code] = struct{}{}
	}
	one := decimal.NewFromInt(1)
	if c.Trading.Fee.Cmp(decimal.Zero) < 0 || c.Trading.Fee.Cmp(one) >= 0 {
		return fmt.Errorf("trading.fee must be in [0, 1)")
	}
	if c.Trading.GrowthFactor.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("trading.growth_factor must be > 0")
	}
	if c.Trading.ConcentrationLimit.Cmp(decimal.Zero) <= 0 || c.Trading.ConcentrationLimit.Cmp(one) > 0 {
		return fmt.Errorf("trading.concentration_limit must be in (0, 1]")
	}
	if c.Trading.TradableFraction.Cmp(decimal.Zero) <= 0 || c.Trading.TradableFraction.Cmp(one) > 0 {
		return fmt.Errorf("trading.tradable_fraction must be in (0, 1]")
	}
	switch c.Trading.ExclusionRefresh {
	case ExclusionOnTrade, ExclusionEveryTick:
	default:
		return fmt.Errorf("trading.exclusion_refresh must be on_trade or every_tick")
	}
	for i, tier := range c.Trading.Tiers {
		if tier.Above.Cmp(decimal.Zero) < 0 {
			return fmt.Errorf("trading.tiers[%d].above must be >= 0", i)
		}
		if tier.Fraction.Cmp(decimal.Zero) <= 0 || tier.Fraction.Cmp(one) > 0 {
			return fmt.Errorf("trading.tiers[%d].fraction must be in (0, 1]", i)
		}
	}
	if !isValidInterval(c.Engine.CandleInterval) {
		return fmt.Errorf("engine.candle_interval %q is not a kline interval", c.Engine.CandleInterval)
	}
	if c.Engine.PollIntervalMs < 100 || c.Engine.PollIntervalMs > 600000 {
		return fmt.Errorf("engine.poll_interval_ms must be between 100 and 600000")
	}
	if c.Engine.PollConcurrency < 1 || c.Engine.PollConcurrency > 64 {
		return fmt.Errorf("engine.poll_concurrency must be between 1 and 64")
	}
	if c.Engine.StatusIntervalSec < 0 || c.Engine.StatusIntervalSec > 3600 {
		return fmt.Errorf("engine.status_interval_sec must be between 0 and 3600")
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.RequestsPerSecond <= 0 || c.Exchange.RequestsPerSecond > 100 {
		return fmt.Errorf("exchange requests_per_second must be in (0, 100]")
	}
	if c.Exchange.RequestBurst < 1 {
		return fmt.Errorf("exchange request_burst must be >= 1")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if c.Mode.Live() && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return fmt.Errorf("exchange api_key/api_secret are required for %s mode", c.Mode)
	}
	if c.Paper.FeeRate.Cmp(decimal.Zero) < 0 || c.Paper.FeeRate.Cmp(one) >= 0 {
		return fmt.Errorf("paper.fee_rate must be in [0, 1)")
	}
	for code, v := range c.Paper.InitialBalances {
		if v.Cmp(decimal.Zero) < 0 {
			return fmt.Errorf("paper.initial_balances.%s must be >= 0", code)
		}
	}
	if c.Replay.PaceMs < 0 || c.Replay.PaceMs > 60000 {
		return fmt.Errorf("replay.pace_ms must be between 0 and 60000")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxPollFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_poll_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ProbePasses < 1 || c.CircuitBreaker.ProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.probe_passes must be between 1 and 20")
		}
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be trace, debug, info, warn, or error")
	}
	if c.Log.MaxSizeMB < 1 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation limits must be positive")
	}
	if c.Observability.AlertThrottleSec < 0 || c.Observability.AlertThrottleSec > 3600 {
		return fmt.Errorf("observability.alert_throttle_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidCoin(v string) bool {
	if len(v) < 2 || len(v) > 12 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

var klineIntervals = map[string]struct{}{
	"1s": {}, "1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {}, "1M": {},
}

func isValidInterval(v string) bool {
	_, ok := klineIntervals[v]
	return ok
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
