package signal

import (
	"math"
	"sync"
	"time"

	"hybrid-trade-bot-go/internal/config"
	"hybrid-trade-bot-go/internal/exchange"

	"go.uber.org/zap"
)

// IndicatorSet holds the latest indicator values computed from one candle
// series. Every field is a finite number: insufficient data degrades to the
// neutral default instead of NaN.
type IndicatorSet struct {
	RSI           float64
	MACDHistPrev  float64
	MACDHist      float64
	BBUpper       float64
	BBMiddle      float64
	BBLower       float64
	StochK        float64
	ATR           float64 // absolute price distance
	Volatility    float64 // ATR relative to the last close
	LastClose     float64
	LastCloseTime time.Time
}

// Vector is the normalized signal output. Each component is in [-1, 1];
// Combined is the arithmetic mean of the finite components.
type Vector struct {
	RSI        float64
	MACD       float64
	Bollinger  float64
	Stochastic float64
	Combined   float64
}

type cacheEntry struct {
	indicators IndicatorSet
	vector     Vector
	storedAt   time.Time
}

// Analyzer converts OHLCV candle series into indicator sets and normalized
// signal vectors. Analysis is a pure function of its input; a short-lived
// cache keyed by symbol, venue and last candle close avoids recomputing
// indicators over unchanged data.
type Analyzer struct {
	cfg    config.Signal
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewAnalyzer creates a signal analyzer.
func NewAnalyzer(cfg config.Signal, logger *zap.Logger) *Analyzer {
	ttl := time.Duration(cfg.CacheTTL) * time.Second
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Analyzer{
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]cacheEntry),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Analyze computes the indicator set for a candle series.
func (a *Analyzer) Analyze(candles []exchange.Candle) IndicatorSet {
	var set IndicatorSet
	if len(candles) == 0 {
		set.RSI = 50
		set.StochK = 50
		return set
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	last := candles[len(candles)-1]
	set.LastClose = last.Close
	set.LastCloseTime = last.CloseTime

	set.RSI = calculateRSI(closes, a.cfg.RSIPeriod)
	set.MACDHistPrev, set.MACDHist = calculateMACD(closes, a.cfg.MACDFast, a.cfg.MACDSlow, a.cfg.MACDSignal)
	set.BBUpper, set.BBMiddle, set.BBLower = calculateBollingerBands(closes, a.cfg.BBPeriod, a.cfg.BBStdDev)
	set.StochK = calculateStochasticK(highs, lows, closes, a.cfg.StochPeriod)
	set.ATR = calculateATR(highs, lows, closes, a.cfg.ATRPeriod)
	if last.Close > 0 {
		set.Volatility = set.ATR / last.Close
	}

	sanitizeIndicators(&set)
	return set
}

// GenerateSignals converts an indicator set into a normalized signal vector.
// Non-finite components are treated as neutral before aggregation so that
// downstream consumers never see NaN.
func (a *Analyzer) GenerateSignals(set IndicatorSet) Vector {
	var v Vector

	rsi := set.RSI
	switch {
	case rsi < a.cfg.RSIOversold:
		v.RSI = 1.0
	case rsi > a.cfg.RSIOverbought:
		v.RSI = -1.0
	}

	// Histogram zero-crossings, not the histogram level.
	switch {
	case set.MACDHist > 0 && set.MACDHistPrev <= 0:
		v.MACD = 1.0
	case set.MACDHist < 0 && set.MACDHistPrev >= 0:
		v.MACD = -1.0
	}

	// Collapsed bands mean the series was too short to compute them, so
	// neither branch may fire.
	price := set.LastClose
	switch {
	case price > 0 && set.BBUpper > set.BBLower && price <= set.BBLower:
		v.Bollinger = 1.0
	case price > 0 && set.BBUpper > set.BBLower && price >= set.BBUpper:
		v.Bollinger = -1.0
	}

	switch {
	case set.StochK < 20:
		v.Stochastic = 1.0
	case set.StochK > 80:
		v.Stochastic = -1.0
	}

	components := []float64{v.RSI, v.MACD, v.Bollinger, v.Stochastic}
	sum, count := 0.0, 0
	for i, c := range components {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			components[i] = 0
			continue
		}
		sum += c
		count++
	}
	v.RSI, v.MACD, v.Bollinger, v.Stochastic = components[0], components[1], components[2], components[3]

	if count == 0 {
		a.logger.Warn("No finite signal components, returning neutral combined signal")
		v.Combined = 0
		return v
	}
	v.Combined = sum / float64(count)
	return v
}

// AnalyzeSymbol computes indicators and signals for one symbol+venue series,
// consulting the cache first.
func (a *Analyzer) AnalyzeSymbol(symbol string, venue exchange.Venue, candles []exchange.Candle) (IndicatorSet, Vector) {
	key := symbol + "/" + string(venue)
	var lastClose time.Time
	if len(candles) > 0 {
		lastClose = candles[len(candles)-1].CloseTime
	}

	a.mu.Lock()
	if entry, ok := a.cache[key]; ok {
		if entry.indicators.LastCloseTime.Equal(lastClose) && a.now().Sub(entry.storedAt) < a.ttl {
			a.mu.Unlock()
			return entry.indicators, entry.vector
		}
	}
	a.mu.Unlock()

	set := a.Analyze(candles)
	vec := a.GenerateSignals(set)

	a.mu.Lock()
	a.cache[key] = cacheEntry{indicators: set, vector: vec, storedAt: a.now()}
	a.mu.Unlock()

	return set, vec
}

// sanitizeIndicators replaces any non-finite indicator value with its
// neutral default.
func sanitizeIndicators(set *IndicatorSet) {
	fix := func(v *float64, neutral float64) {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			*v = neutral
		}
	}
	fix(&set.RSI, 50)
	fix(&set.MACDHist, 0)
	fix(&set.MACDHistPrev, 0)
	fix(&set.BBUpper, set.LastClose)
	fix(&set.BBMiddle, set.LastClose)
	fix(&set.BBLower, set.LastClose)
	fix(&set.StochK, 50)
	fix(&set.ATR, 0)
	fix(&set.Volatility, 0)
}
