package strategy

import (
	"math"
	"sort"
	"sync"
	"time"

	"hybrid-trade-bot-go/internal/config"
	"hybrid-trade-bot-go/internal/exchange"
	"hybrid-trade-bot-go/internal/signal"

	"go.uber.org/zap"
)

// Balance fractions each opportunity category may commit per cycle.
const (
	arbitrageBalanceFrac = 0.05
	trendBalanceFrac     = 0.03
	momentumBalanceFrac  = 0.02
	maxIntentsPerCycle   = 10
	hedgeDetectBand      = 0.5
	trendFuturesLeverage = 2
)

// ArbitrageDirection tells which leg is long.
type ArbitrageDirection string

const (
	LongSpotShortFutures ArbitrageDirection = "long_spot_short_futures"
	ShortSpotLongFutures ArbitrageDirection = "short_spot_long_futures"
)

// MarketData is one symbol's per-cycle snapshot across both venues.
type MarketData struct {
	SpotTicker        *exchange.Ticker
	FuturesTicker     *exchange.Ticker
	SpotSignals       signal.Vector
	FuturesSignals    signal.Vector
	SpotIndicators    signal.IndicatorSet
	FuturesIndicators signal.IndicatorSet
}

// Arbitrage is a futures premium (or discount) wide enough to capture.
type Arbitrage struct {
	Symbol         string
	Premium        float64
	SpotPrice      float64
	FuturesPrice   float64
	Direction      ArbitrageDirection
	ExpectedProfit float64
	Confidence     float64
}

// TrendFollowing is an agreement of both venues' combined signals.
type TrendFollowing struct {
	Symbol          string
	Direction       string // bullish | bearish
	SpotStrength    float64
	FuturesStrength float64
	Confidence      float64
}

// Hedging is an open spot position threatened by an opposing futures signal.
type Hedging struct {
	Symbol          string
	HedgeType       string // protective_short | protective_long
	SpotPosition    PositionInfo
	FuturesStrength float64
	Confidence      float64
}

// Momentum is a simultaneous RSI extreme on both venues.
type Momentum struct {
	Symbol     string
	Type       string // oversold_bounce | overbought_correction
	SpotRSI    float64
	FuturesRSI float64
	Confidence float64
}

// Opportunities collects everything one analysis pass found.
type Opportunities struct {
	Arbitrage      []Arbitrage
	TrendFollowing []TrendFollowing
	Hedging        []Hedging
	Momentum       []Momentum
}

// Total returns the number of opportunities across all categories.
func (o Opportunities) Total() int {
	return len(o.Arbitrage) + len(o.TrendFollowing) + len(o.Hedging) + len(o.Momentum)
}

// TradeIntent is a sized, ranked instruction for the portfolio manager.
// Lower priority values execute first.
type TradeIntent struct {
	Strategy       string
	Symbol         string
	Venue          exchange.Venue
	Action         exchange.Side
	Size           float64
	Confidence     float64
	ExpectedReturn float64
	Priority       int
}

// PortfolioState is the per-cycle valuation snapshot the strategy decides on.
type PortfolioState struct {
	TotalBalance   float64
	SpotBalance    float64
	FuturesBalance float64
	SpotFree       float64
	FuturesFree    float64
	CurrentPrices  map[string]float64
}

// PositionInfo is the strategy's own record of an open position, kept
// separately from the risk manager's authoritative copy.
type PositionInfo struct {
	Side       exchange.Side
	Size       float64
	EntryPrice float64
}

// Metrics summarizes the allocation state for status reporting.
type Metrics struct {
	TotalValue         float64 `json:"total_value"`
	SpotValue          float64 `json:"spot_value"`
	FuturesValue       float64 `json:"futures_value"`
	SpotRatio          float64 `json:"spot_ratio"`
	FuturesRatio       float64 `json:"futures_ratio"`
	TargetSpotRatio    float64 `json:"target_spot_ratio"`
	TargetFuturesRatio float64 `json:"target_futures_ratio"`
	SpotDeviation      float64 `json:"spot_deviation"`
	FuturesDeviation   float64 `json:"futures_deviation"`
	LeverageRatio      float64 `json:"leverage_ratio"`
	RiskLevel          string  `json:"risk_level"`
	RebalancingNeeded  bool    `json:"rebalancing_needed"`
	LastRebalance      string  `json:"last_rebalance"`
	SpotPositions      int     `json:"spot_positions"`
	FuturesPositions   int     `json:"futures_positions"`
}

// minQty holds per-symbol exchange lot constraints. Symbols not listed fall
// back to a conservative default.
var minQty = map[string]float64{
	"BTCUSDT": 0.00001,
	"ETHUSDT": 0.0001,
	"BNBUSDT": 0.001,
	"ADAUSDT": 1,
	"SOLUSDT": 0.01,
}

const defaultMinQty = 0.001

// Hybrid coordinates spot and futures exposure for one account. It detects
// cross-venue opportunities, converts them into ranked trade intents, and
// decides when the allocation has drifted far enough to rebalance.
type Hybrid struct {
	cfg          config.Strategy
	anchorSymbol string
	maxLeverage  int
	logger       *zap.Logger

	mu            sync.Mutex
	spotPositions map[string]PositionInfo
	futsPositions map[string]PositionInfo
	lastRebalance time.Time
	now           func() time.Time
}

// NewHybrid creates the hybrid spot/futures strategy.
func NewHybrid(cfg config.Strategy, anchorSymbol string, maxLeverage int, logger *zap.Logger) *Hybrid {
	return &Hybrid{
		cfg:           cfg,
		anchorSymbol:  anchorSymbol,
		maxLeverage:   maxLeverage,
		logger:        logger,
		spotPositions: make(map[string]PositionInfo),
		futsPositions: make(map[string]PositionInfo),
		lastRebalance: time.Now(),
		now:           time.Now,
	}
}

// AnalyzeMarketOpportunity scans a market snapshot for arbitrage, trend,
// hedging and momentum setups. Symbols with missing or non-positive prices
// are skipped, never failed on.
func (h *Hybrid) AnalyzeMarketOpportunity(market map[string]*MarketData) Opportunities {
	h.mu.Lock()
	defer h.mu.Unlock()

	var opps Opportunities
	for symbol, data := range market {
		if data == nil || data.SpotTicker == nil || data.FuturesTicker == nil {
			continue
		}
		spotPrice := data.SpotTicker.Last
		futuresPrice := data.FuturesTicker.Last
		if spotPrice <= 0 || futuresPrice <= 0 {
			continue
		}

		if arb, ok := h.detectArbitrage(symbol, spotPrice, futuresPrice); ok {
			opps.Arbitrage = append(opps.Arbitrage, arb)
		}
		if trend, ok := h.detectTrend(symbol, data); ok {
			opps.TrendFollowing = append(opps.TrendFollowing, trend)
		}
		if hedge, ok := h.detectHedgeLocked(symbol, data); ok {
			opps.Hedging = append(opps.Hedging, hedge)
		}
		if mom, ok := h.detectMomentum(symbol, data); ok {
			opps.Momentum = append(opps.Momentum, mom)
		}
	}

	if n := opps.Total(); n > 0 {
		h.logger.Debug("Market opportunities detected",
			zap.Int("arbitrage", len(opps.Arbitrage)),
			zap.Int("trend_following", len(opps.TrendFollowing)),
			zap.Int("hedging", len(opps.Hedging)),
			zap.Int("momentum", len(opps.Momentum)))
	}
	return opps
}

func (h *Hybrid) detectArbitrage(symbol string, spotPrice, futuresPrice float64) (Arbitrage, bool) {
	premium := (futuresPrice - spotPrice) / spotPrice
	if math.Abs(premium) <= h.cfg.ArbitrageThreshold {
		return Arbitrage{}, false
	}

	direction := ShortSpotLongFutures
	if premium > 0 {
		direction = LongSpotShortFutures
	}
	return Arbitrage{
		Symbol:         symbol,
		Premium:        premium,
		SpotPrice:      spotPrice,
		FuturesPrice:   futuresPrice,
		Direction:      direction,
		ExpectedProfit: math.Abs(premium),
		Confidence:     math.Min(math.Abs(premium)/h.cfg.ArbitrageThreshold, 1.0),
	}, true
}

func (h *Hybrid) detectTrend(symbol string, data *MarketData) (TrendFollowing, bool) {
	spot := data.SpotSignals.Combined
	futures := data.FuturesSignals.Combined

	if math.Abs(spot) <= h.cfg.TrendMinStrength || math.Abs(futures) <= h.cfg.TrendMinStrength {
		return TrendFollowing{}, false
	}
	if spot*futures <= 0 {
		return TrendFollowing{}, false
	}

	direction := "bearish"
	if spot > 0 {
		direction = "bullish"
	}
	return TrendFollowing{
		Symbol:          symbol,
		Direction:       direction,
		SpotStrength:    spot,
		FuturesStrength: futures,
		Confidence:      (math.Abs(spot) + math.Abs(futures)) / 2,
	}, true
}

func (h *Hybrid) detectHedgeLocked(symbol string, data *MarketData) (Hedging, bool) {
	pos, ok := h.spotPositions[symbol]
	if !ok {
		return Hedging{}, false
	}

	futures := data.FuturesSignals.Combined
	if math.Abs(futures) <= hedgeDetectBand {
		return Hedging{}, false
	}

	switch {
	case pos.Side == exchange.SideBuy && futures < -hedgeDetectBand:
		return Hedging{
			Symbol:          symbol,
			HedgeType:       "protective_short",
			SpotPosition:    pos,
			FuturesStrength: futures,
			Confidence:      math.Abs(futures),
		}, true
	case pos.Side == exchange.SideSell && futures > hedgeDetectBand:
		return Hedging{
			Symbol:          symbol,
			HedgeType:       "protective_long",
			SpotPosition:    pos,
			FuturesStrength: futures,
			Confidence:      math.Abs(futures),
		}, true
	}
	return Hedging{}, false
}

func (h *Hybrid) detectMomentum(symbol string, data *MarketData) (Momentum, bool) {
	spotRSI := data.SpotIndicators.RSI
	futuresRSI := data.FuturesIndicators.RSI

	oversold := 30 + h.cfg.MomentumRSIBand
	overbought := 70 - h.cfg.MomentumRSIBand

	switch {
	case spotRSI < oversold && futuresRSI < oversold:
		return Momentum{
			Symbol:     symbol,
			Type:       "oversold_bounce",
			SpotRSI:    spotRSI,
			FuturesRSI: futuresRSI,
			Confidence: math.Abs(50-spotRSI) / 50,
		}, true
	case spotRSI > overbought && futuresRSI > overbought:
		return Momentum{
			Symbol:     symbol,
			Type:       "overbought_correction",
			SpotRSI:    spotRSI,
			FuturesRSI: futuresRSI,
			Confidence: math.Abs(50-spotRSI) / 50,
		}, true
	}
	return Momentum{}, false
}

// GeneratePortfolioSignals converts detected opportunities into sized trade
// intents. Categories are walked in priority order, each under its own
// confidence floor and balance-fraction cap; intents below the minimum
// notional are dropped rather than sent undersized. At most 10 intents
// survive a cycle.
func (h *Hybrid) GeneratePortfolioSignals(opps Opportunities, state PortfolioState) []TradeIntent {
	h.mu.Lock()
	defer h.mu.Unlock()

	var intents []TradeIntent

	sort.SliceStable(opps.Arbitrage, func(i, j int) bool {
		return opps.Arbitrage[i].ExpectedProfit > opps.Arbitrage[j].ExpectedProfit
	})
	for _, arb := range opps.Arbitrage {
		if arb.Confidence <= h.cfg.ArbitrageMinConf {
			continue
		}
		intents = append(intents, h.arbitrageIntents(arb, state)...)
	}

	sort.SliceStable(opps.TrendFollowing, func(i, j int) bool {
		return opps.TrendFollowing[i].Confidence > opps.TrendFollowing[j].Confidence
	})
	for _, trend := range opps.TrendFollowing {
		if trend.Confidence <= h.cfg.TrendMinConf {
			continue
		}
		intents = append(intents, h.trendIntents(trend, state)...)
	}

	for _, hedge := range opps.Hedging {
		if hedge.Confidence <= h.cfg.HedgeMinConf {
			continue
		}
		if intent, ok := h.hedgeIntent(hedge); ok {
			intents = append(intents, intent)
		}
	}

	sort.SliceStable(opps.Momentum, func(i, j int) bool {
		return opps.Momentum[i].Confidence > opps.Momentum[j].Confidence
	})
	for _, mom := range opps.Momentum {
		if mom.Confidence <= h.cfg.MomentumMinConf {
			continue
		}
		intents = append(intents, h.momentumIntents(mom, state)...)
	}

	sort.SliceStable(intents, func(i, j int) bool {
		return intents[i].Priority < intents[j].Priority
	})
	if len(intents) > maxIntentsPerCycle {
		intents = intents[:maxIntentsPerCycle]
	}
	return intents
}

func (h *Hybrid) arbitrageIntents(arb Arbitrage, state PortfolioState) []TradeIntent {
	budget := math.Min(state.SpotFree, state.FuturesFree) * arbitrageBalanceFrac

	spotSize := h.safeQuantityLocked(arb.Symbol, budget, arb.SpotPrice)
	futuresSize := h.safeQuantityLocked(arb.Symbol, budget, arb.FuturesPrice)
	if spotSize == 0 || futuresSize == 0 {
		return nil
	}

	spotAction, futuresAction := exchange.SideBuy, exchange.SideSell
	if arb.Direction == ShortSpotLongFutures {
		spotAction, futuresAction = exchange.SideSell, exchange.SideBuy
	}

	return []TradeIntent{
		{
			Strategy:       "arbitrage",
			Symbol:         arb.Symbol,
			Venue:          exchange.VenueSpot,
			Action:         spotAction,
			Size:           spotSize,
			Confidence:     arb.Confidence,
			ExpectedReturn: arb.ExpectedProfit,
			Priority:       1,
		},
		{
			Strategy:       "arbitrage",
			Symbol:         arb.Symbol,
			Venue:          exchange.VenueFutures,
			Action:         futuresAction,
			Size:           futuresSize,
			Confidence:     arb.Confidence,
			ExpectedReturn: arb.ExpectedProfit,
			Priority:       1,
		},
	}
}

func (h *Hybrid) trendIntents(trend TrendFollowing, state PortfolioState) []TradeIntent {
	price := state.CurrentPrices[trend.Symbol]
	if price <= 0 {
		return nil
	}

	action := exchange.SideSell
	if trend.Direction == "bullish" {
		action = exchange.SideBuy
	}

	leverage := trendFuturesLeverage
	if h.maxLeverage < leverage {
		leverage = h.maxLeverage
	}

	spotSize := h.safeQuantityLocked(trend.Symbol, state.SpotFree*trendBalanceFrac, price)
	futuresSize := h.safeQuantityLocked(trend.Symbol, state.FuturesFree*trendBalanceFrac*float64(leverage), price)

	var intents []TradeIntent
	if spotSize > 0 {
		intents = append(intents, TradeIntent{
			Strategy:   "trend_following",
			Symbol:     trend.Symbol,
			Venue:      exchange.VenueSpot,
			Action:     action,
			Size:       spotSize,
			Confidence: trend.Confidence,
			Priority:   2,
		})
	}
	if futuresSize > 0 {
		intents = append(intents, TradeIntent{
			Strategy:   "trend_following",
			Symbol:     trend.Symbol,
			Venue:      exchange.VenueFutures,
			Action:     action,
			Size:       futuresSize,
			Confidence: trend.Confidence,
			Priority:   2,
		})
	}
	return intents
}

func (h *Hybrid) hedgeIntent(hedge Hedging) (TradeIntent, bool) {
	size := hedge.SpotPosition.Size * h.cfg.HedgeRatio
	if size <= 0 {
		return TradeIntent{}, false
	}

	action := exchange.SideBuy
	if hedge.HedgeType == "protective_short" {
		action = exchange.SideSell
	}
	return TradeIntent{
		Strategy:   "hedging",
		Symbol:     hedge.Symbol,
		Venue:      exchange.VenueFutures,
		Action:     action,
		Size:       size,
		Confidence: hedge.Confidence,
		Priority:   3,
	}, true
}

func (h *Hybrid) momentumIntents(mom Momentum, state PortfolioState) []TradeIntent {
	price := state.CurrentPrices[mom.Symbol]
	if price <= 0 {
		return nil
	}
	budget := math.Min(state.SpotFree, state.FuturesFree) * momentumBalanceFrac

	if mom.Type == "oversold_bounce" {
		spotSize := h.safeQuantityLocked(mom.Symbol, budget, price)
		futuresSize := h.safeQuantityLocked(mom.Symbol, budget*1.5, price)

		var intents []TradeIntent
		if spotSize > 0 {
			intents = append(intents, TradeIntent{
				Strategy:   "momentum",
				Symbol:     mom.Symbol,
				Venue:      exchange.VenueSpot,
				Action:     exchange.SideBuy,
				Size:       spotSize,
				Confidence: mom.Confidence,
				Priority:   4,
			})
		}
		if futuresSize > 0 {
			intents = append(intents, TradeIntent{
				Strategy:   "momentum",
				Symbol:     mom.Symbol,
				Venue:      exchange.VenueFutures,
				Action:     exchange.SideBuy,
				Size:       futuresSize,
				Confidence: mom.Confidence,
				Priority:   4,
			})
		}
		return intents
	}

	// Overbought correction is shorted on futures only.
	size := h.safeQuantityLocked(mom.Symbol, budget*2, price)
	if size == 0 {
		return nil
	}
	return []TradeIntent{{
		Strategy:   "momentum",
		Symbol:     mom.Symbol,
		Venue:      exchange.VenueFutures,
		Action:     exchange.SideSell,
		Size:       size,
		Confidence: mom.Confidence,
		Priority:   4,
	}}
}

// CheckRebalancingNeeded reports whether either venue's allocation ratio has
// drifted strictly beyond the configured threshold, or the time-based
// interval has elapsed. The time trigger bounds allocation drift even during
// quiet markets.
func (h *Hybrid) CheckRebalancingNeeded(state PortfolioState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rebalancingNeededLocked(state)
}

func (h *Hybrid) rebalancingNeededLocked(state PortfolioState) bool {
	if state.TotalBalance <= 0 {
		return false
	}

	spotRatio := state.SpotBalance / state.TotalBalance
	futuresRatio := state.FuturesBalance / state.TotalBalance
	spotDeviation := math.Abs(spotRatio - h.cfg.SpotAllocation)
	futuresDeviation := math.Abs(futuresRatio - h.cfg.FuturesAllocation)

	interval := time.Duration(h.cfg.RebalanceIntervalHrs) * time.Hour
	elapsed := h.now().Sub(h.lastRebalance)

	needed := spotDeviation > h.cfg.RebalanceThreshold ||
		futuresDeviation > h.cfg.RebalanceThreshold ||
		(interval > 0 && elapsed > interval)

	if needed {
		h.logger.Info("Rebalancing needed",
			zap.Float64("spot_ratio", spotRatio),
			zap.Float64("target_spot_ratio", h.cfg.SpotAllocation),
			zap.Float64("futures_ratio", futuresRatio),
			zap.Float64("target_futures_ratio", h.cfg.FuturesAllocation),
			zap.Duration("since_last_rebalance", elapsed))
	}
	return needed
}

// GenerateRebalancingOrders computes per-venue adjustments toward the target
// allocation and emits anchor-symbol intents at priority 0. A near-empty
// account is never rebalanced, and adjustments under 1% of the total balance
// are ignored to avoid thrashing.
func (h *Hybrid) GenerateRebalancingOrders(state PortfolioState) []TradeIntent {
	h.mu.Lock()
	defer h.mu.Unlock()

	if state.TotalBalance < h.cfg.MinRebalanceBalance {
		return nil
	}
	price := state.CurrentPrices[h.anchorSymbol]
	if price <= 0 {
		h.logger.Warn("No anchor price available, skipping rebalance",
			zap.String("symbol", h.anchorSymbol))
		return nil
	}

	minAdjustment := state.TotalBalance * 0.01
	var orders []TradeIntent

	spotAdjustment := state.TotalBalance*h.cfg.SpotAllocation - state.SpotBalance
	if math.Abs(spotAdjustment) > minAdjustment {
		if intent, ok := h.rebalanceIntent(exchange.VenueSpot, spotAdjustment, price); ok {
			orders = append(orders, intent)
		}
	}

	futuresAdjustment := state.TotalBalance*h.cfg.FuturesAllocation - state.FuturesBalance
	if math.Abs(futuresAdjustment) > minAdjustment {
		if intent, ok := h.rebalanceIntent(exchange.VenueFutures, futuresAdjustment, price); ok {
			orders = append(orders, intent)
		}
	}

	if len(orders) > 0 {
		h.lastRebalance = h.now()
		h.logger.Info("Rebalancing orders generated", zap.Int("count", len(orders)))
	}
	return orders
}

func (h *Hybrid) rebalanceIntent(venue exchange.Venue, adjustment, price float64) (TradeIntent, bool) {
	size := h.safeQuantityLocked(h.anchorSymbol, math.Abs(adjustment), price)
	if size == 0 {
		return TradeIntent{}, false
	}

	action := exchange.SideSell
	if adjustment > 0 {
		action = exchange.SideBuy
	}
	return TradeIntent{
		Strategy:   "rebalancing",
		Symbol:     h.anchorSymbol,
		Venue:      venue,
		Action:     action,
		Size:       size,
		Confidence: 1.0,
		Priority:   0,
	}, true
}

// SafeQuantity converts a quote-currency amount into a tradable base
// quantity, enforcing the symbol's minimum lot and the minimum notional.
// A zero return means "do not trade", never a valid zero-size order.
func (h *Hybrid) SafeQuantity(symbol string, amount, price float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.safeQuantityLocked(symbol, amount, price)
}

func (h *Hybrid) safeQuantityLocked(symbol string, amount, price float64) float64 {
	if price <= 0 || amount <= 0 {
		return 0
	}
	if amount < h.cfg.MinTradeNotional {
		return 0
	}

	lot, ok := minQty[symbol]
	if !ok {
		lot = defaultMinQty
	}

	qty := amount / price
	if qty < lot {
		return 0
	}
	// Round down to the lot step so the exchange accepts the quantity.
	return math.Floor(qty/lot) * lot
}

// UpdatePosition records a fill so hedge detection and sizing can see it.
func (h *Hybrid) UpdatePosition(symbol string, venue exchange.Venue, info PositionInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch venue {
	case exchange.VenueSpot:
		h.spotPositions[symbol] = info
	case exchange.VenueFutures:
		h.futsPositions[symbol] = info
	default:
		return
	}
	h.logger.Debug("Strategy position updated",
		zap.String("symbol", symbol),
		zap.String("venue", string(venue)))
}

// RemovePosition forgets a closed position.
func (h *Hybrid) RemovePosition(symbol string, venue exchange.Venue) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch venue {
	case exchange.VenueSpot:
		delete(h.spotPositions, symbol)
	case exchange.VenueFutures:
		delete(h.futsPositions, symbol)
	}
}

// PortfolioMetrics derives the allocation health figures for status reports.
func (h *Hybrid) PortfolioMetrics(state PortfolioState) Metrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := Metrics{
		TotalValue:         state.TotalBalance,
		SpotValue:          state.SpotBalance,
		FuturesValue:       state.FuturesBalance,
		TargetSpotRatio:    h.cfg.SpotAllocation,
		TargetFuturesRatio: h.cfg.FuturesAllocation,
		RebalancingNeeded:  h.rebalancingNeededLocked(state),
		LastRebalance:      h.lastRebalance.Format(time.RFC3339),
		SpotPositions:      len(h.spotPositions),
		FuturesPositions:   len(h.futsPositions),
	}
	if state.TotalBalance > 0 {
		m.SpotRatio = state.SpotBalance / state.TotalBalance
		m.FuturesRatio = state.FuturesBalance / state.TotalBalance
	}
	m.SpotDeviation = math.Abs(m.SpotRatio - h.cfg.SpotAllocation)
	m.FuturesDeviation = math.Abs(m.FuturesRatio - h.cfg.FuturesAllocation)

	if state.SpotBalance > 0 {
		m.LeverageRatio = state.FuturesBalance / state.SpotBalance
	}
	switch {
	case m.LeverageRatio < 1:
		m.RiskLevel = "low"
	case m.LeverageRatio < 2:
		m.RiskLevel = "medium"
	default:
		m.RiskLevel = "high"
	}
	return m
}
