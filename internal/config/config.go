package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Binance  Binance  `mapstructure:"binance"`
	Trading  Trading  `mapstructure:"trading"`
	Risk     Risk     `mapstructure:"risk"`
	Strategy Strategy `mapstructure:"strategy"`
	Signal   Signal   `mapstructure:"signal"`
	Fees     Fees     `mapstructure:"fees"`
	Telegram Telegram `mapstructure:"telegram"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Binance holds the configuration for the Binance API.
type Binance struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Trading holds the shared trading loop configuration.
type Trading struct {
	Symbols        []string `mapstructure:"symbols"`       // e.g. BTCUSDT
	QuoteAsset     string   `mapstructure:"quote_asset"`   // bridge currency
	AnchorSymbol   string   `mapstructure:"anchor_symbol"` // symbol used for rebalancing orders
	Interval       string   `mapstructure:"interval"`      // candle timeframe
	CandleLimit    int      `mapstructure:"candle_limit"`
	TickInterval   int      `mapstructure:"tick_interval"` // seconds between cycles
	MaxConcurrent  int      `mapstructure:"max_concurrent_fetches"`
	InitialBalance float64  `mapstructure:"initial_balance"`
	DryRun         bool     `mapstructure:"dry_run"`
}

// Risk holds the risk manager limits.
type Risk struct {
	MaxPositionSize      float64 `mapstructure:"max_position_size"`
	MaxDailyLoss         float64 `mapstructure:"max_daily_loss"`
	MaxDrawdown          float64 `mapstructure:"max_drawdown"`
	StopLossPct          float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct        float64 `mapstructure:"take_profit_pct"`
	PositionTimeoutHours int     `mapstructure:"position_timeout_hours"`
	MaxLeverage          int     `mapstructure:"max_leverage"`
	RiskPerTrade         float64 `mapstructure:"risk_per_trade"`
	ShortPositionLimit   float64 `mapstructure:"short_position_limit"`
	ShortSqueezePct      float64 `mapstructure:"short_squeeze_threshold"`
}

// Strategy holds the hybrid portfolio strategy configuration.
// The zero value of every threshold means "take it from the preset".
type Strategy struct {
	Preset               string  `mapstructure:"preset"` // conservative | aggressive
	SpotAllocation       float64 `mapstructure:"spot_allocation"`
	FuturesAllocation    float64 `mapstructure:"futures_allocation"`
	ArbitrageThreshold   float64 `mapstructure:"arbitrage_threshold"`
	ArbitrageMinConf     float64 `mapstructure:"arbitrage_min_confidence"`
	TrendMinStrength     float64 `mapstructure:"trend_min_strength"`
	TrendMinConf         float64 `mapstructure:"trend_min_confidence"`
	HedgeMinConf         float64 `mapstructure:"hedge_min_confidence"`
	HedgeRatio           float64 `mapstructure:"hedge_ratio"`
	MomentumRSIBand      float64 `mapstructure:"momentum_rsi_band"` // widens the 30/70 extreme band
	MomentumMinConf      float64 `mapstructure:"momentum_min_confidence"`
	RebalanceThreshold   float64 `mapstructure:"rebalance_threshold"`
	RebalanceIntervalHrs int     `mapstructure:"rebalance_interval_hours"`
	MinTradeNotional     float64 `mapstructure:"min_trade_notional"`
	MinRebalanceBalance  float64 `mapstructure:"min_rebalance_balance"`
}

// Signal holds the indicator configuration.
type Signal struct {
	RSIPeriod     int     `mapstructure:"rsi_period"`
	RSIOversold   float64 `mapstructure:"rsi_oversold"`
	RSIOverbought float64 `mapstructure:"rsi_overbought"`
	MACDFast      int     `mapstructure:"macd_fast"`
	MACDSlow      int     `mapstructure:"macd_slow"`
	MACDSignal    int     `mapstructure:"macd_signal"`
	BBPeriod      int     `mapstructure:"bb_period"`
	BBStdDev      float64 `mapstructure:"bb_stddev"`
	StochPeriod   int     `mapstructure:"stoch_period"`
	ATRPeriod     int     `mapstructure:"atr_period"`
	CacheTTL      int     `mapstructure:"cache_ttl"` // seconds
}

// Fees holds the per-venue fee rates.
type Fees struct {
	SpotMaker    float64 `mapstructure:"spot_maker"`
	SpotTaker    float64 `mapstructure:"spot_taker"`
	FuturesMaker float64 `mapstructure:"futures_maker"`
	FuturesTaker float64 `mapstructure:"futures_taker"`
	Slippage     float64 `mapstructure:"slippage"`
}

// Telegram holds the notification configuration.
type Telegram struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Server holds the configuration for the web servers.
type Server struct {
	Port    int `mapstructure:"port"`     // cmd/ui
	ApiPort int `mapstructure:"api_port"` // trader status API
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	config.ApplyPreset()
	err = config.Validate()
	return
}

func setDefaults() {
	viper.SetDefault("binance.rate_limit", 20)
	viper.SetDefault("binance.rate_limit_burst", 5)

	viper.SetDefault("trading.symbols", []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "ADAUSDT", "SOLUSDT"})
	viper.SetDefault("trading.quote_asset", "USDT")
	viper.SetDefault("trading.anchor_symbol", "BTCUSDT")
	viper.SetDefault("trading.interval", "1h")
	viper.SetDefault("trading.candle_limit", 100)
	viper.SetDefault("trading.tick_interval", 60)
	viper.SetDefault("trading.max_concurrent_fetches", 4)
	viper.SetDefault("trading.initial_balance", 1000)
	viper.SetDefault("trading.dry_run", true)

	viper.SetDefault("risk.max_position_size", 0.2)
	viper.SetDefault("risk.max_daily_loss", 0.05)
	viper.SetDefault("risk.max_drawdown", 0.20)
	viper.SetDefault("risk.stop_loss_pct", 0.05)
	viper.SetDefault("risk.take_profit_pct", 0.10)
	viper.SetDefault("risk.position_timeout_hours", 24)
	viper.SetDefault("risk.max_leverage", 5)
	viper.SetDefault("risk.risk_per_trade", 0.02)
	viper.SetDefault("risk.short_position_limit", 0.3)
	viper.SetDefault("risk.short_squeeze_threshold", 0.10)

	viper.SetDefault("strategy.preset", "conservative")
	viper.SetDefault("strategy.spot_allocation", 0.6)
	viper.SetDefault("strategy.futures_allocation", 0.4)
	viper.SetDefault("strategy.hedge_ratio", 0.8)
	viper.SetDefault("strategy.rebalance_threshold", 0.05)
	viper.SetDefault("strategy.rebalance_interval_hours", 12)
	viper.SetDefault("strategy.min_trade_notional", 10)
	viper.SetDefault("strategy.min_rebalance_balance", 100)

	viper.SetDefault("signal.rsi_period", 14)
	viper.SetDefault("signal.rsi_oversold", 30)
	viper.SetDefault("signal.rsi_overbought", 70)
	viper.SetDefault("signal.macd_fast", 12)
	viper.SetDefault("signal.macd_slow", 26)
	viper.SetDefault("signal.macd_signal", 9)
	viper.SetDefault("signal.bb_period", 20)
	viper.SetDefault("signal.bb_stddev", 2)
	viper.SetDefault("signal.stoch_period", 14)
	viper.SetDefault("signal.atr_period", 14)
	viper.SetDefault("signal.cache_ttl", 300)

	viper.SetDefault("fees.spot_maker", 0.001)
	viper.SetDefault("fees.spot_taker", 0.001)
	viper.SetDefault("fees.futures_maker", 0.0002)
	viper.SetDefault("fees.futures_taker", 0.0004)
	viper.SetDefault("fees.slippage", 0.0005)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.api_port", 8081)

	viper.SetDefault("database.dsn", "trading_bot.db")
}

type presetValues struct {
	arbThreshold float64
	arbMinConf   float64
	trendMin     float64
	trendConf    float64
	hedgeConf    float64
	rsiBand      float64
	momConf      float64
}

var presets = map[string]presetValues{
	// Waits for a clear premium and high signal confidence.
	"conservative": {
		arbThreshold: 0.002,
		arbMinConf:   0.7,
		trendMin:     0.3,
		trendConf:    0.6,
		hedgeConf:    0.7,
		rsiBand:      0,
		momConf:      0.8,
	},
	// Reacts to much smaller premiums and weaker signals.
	"aggressive": {
		arbThreshold: 0.0005,
		arbMinConf:   0.3,
		trendMin:     0.15,
		trendConf:    0.4,
		hedgeConf:    0.5,
		rsiBand:      5,
		momConf:      0.5,
	},
}

// ApplyPreset fills the strategy thresholds that were not set explicitly.
func (c *Config) ApplyPreset() {
	p, ok := presets[c.Strategy.Preset]
	if !ok {
		p = presets["conservative"]
	}

	if c.Strategy.ArbitrageThreshold == 0 {
		c.Strategy.ArbitrageThreshold = p.arbThreshold
	}
	if c.Strategy.ArbitrageMinConf == 0 {
		c.Strategy.ArbitrageMinConf = p.arbMinConf
	}
	if c.Strategy.TrendMinStrength == 0 {
		c.Strategy.TrendMinStrength = p.trendMin
	}
	if c.Strategy.TrendMinConf == 0 {
		c.Strategy.TrendMinConf = p.trendConf
	}
	if c.Strategy.HedgeMinConf == 0 {
		c.Strategy.HedgeMinConf = p.hedgeConf
	}
	if c.Strategy.MomentumRSIBand == 0 {
		c.Strategy.MomentumRSIBand = p.rsiBand
	}
	if c.Strategy.MomentumMinConf == 0 {
		c.Strategy.MomentumMinConf = p.momConf
	}
}

// Validate checks invariants that would make the bot misbehave at runtime.
func (c *Config) Validate() error {
	allocSum := c.Strategy.SpotAllocation + c.Strategy.FuturesAllocation
	if allocSum < 0.999 || allocSum > 1.001 {
		return fmt.Errorf("spot_allocation + futures_allocation must sum to 1.0, got %.3f", allocSum)
	}
	if c.Risk.RiskPerTrade > 0.1 {
		return fmt.Errorf("risk_per_trade %.3f exceeds the 10%% safety cap", c.Risk.RiskPerTrade)
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must not be empty")
	}
	if c.Trading.AnchorSymbol == "" {
		return fmt.Errorf("trading.anchor_symbol is required")
	}
	anchorListed := false
	for _, s := range c.Trading.Symbols {
		if s == c.Trading.AnchorSymbol {
			anchorListed = true
			break
		}
	}
	if !anchorListed {
		return fmt.Errorf("anchor_symbol %s must be one of trading.symbols", c.Trading.AnchorSymbol)
	}
	if c.Risk.MaxLeverage < 1 {
		return fmt.Errorf("risk.max_leverage must be at least 1")
	}
	return nil
}
