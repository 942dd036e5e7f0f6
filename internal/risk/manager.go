package risk

import (
	"fmt"
	"sync"
	"time"

	"hybrid-trade-bot-go/internal/config"
	"hybrid-trade-bot-go/internal/exchange"

	"go.uber.org/zap"
)

// Kelly criterion assumptions used for position sizing.
const (
	kellyWinRate  = 0.55
	kellyAvgWin   = 0.15
	kellyAvgLoss  = 0.08
	kellyMaxFrac  = 0.25
	atrMultiplier = 2.0
	rewardRisk    = 2.0
)

// alertQueueCap bounds the pending alert queue. When full, the oldest alert
// is dropped so that the freshest conditions survive until the next drain.
const alertQueueCap = 64

// AlertKind classifies a risk alert.
type AlertKind string

const (
	AlertStopLoss      AlertKind = "stop_loss"
	AlertTakeProfit    AlertKind = "take_profit"
	AlertTimeout       AlertKind = "timeout"
	AlertEmergencyStop AlertKind = "emergency_stop"
)

// Alert is a queued risk condition. Alerts are delivered at most once:
// DrainAlerts empties the queue, and an alert missed before the next
// overflow is lost.
type Alert struct {
	Kind      AlertKind
	Symbol    string
	Message   string
	Timestamp time.Time
}

// Position is the risk manager's view of an open position. The risk manager
// is the sole authority on stop-loss/take-profit triggers.
type Position struct {
	Symbol          string
	Side            exchange.Side
	Size            float64
	EntryPrice      float64
	CurrentPrice    float64
	Venue           exchange.Venue
	StopLossPrice   float64
	TakeProfitPrice float64
	UnrealizedPnL   float64
	EntryTime       time.Time
	LastUpdate      time.Time
}

// ValidationResult is the outcome of a trade validation. Rejection is an
// expected control-flow outcome, not an error: Errors carries the itemized
// hard failures and Warnings the soft conditions that only adjusted the size.
type ValidationResult struct {
	IsValid      bool
	AdjustedSize float64
	Warnings     []string
	Errors       []string
}

// Summary is a snapshot of the aggregate risk state.
type Summary struct {
	DailyPnL           float64 `json:"daily_pnl"`
	CurrentDrawdown    float64 `json:"current_drawdown"`
	PeakBalance        float64 `json:"peak_balance"`
	TotalPositions     int     `json:"total_positions"`
	TotalPositionValue float64 `json:"total_position_value"`
	TotalUnrealizedPnL float64 `json:"total_unrealized_pnl"`
	ShortPositionValue float64 `json:"short_position_value"`
	PendingAlerts      int     `json:"pending_alerts"`
}

// Manager validates proposed trades against balance, leverage, drawdown and
// short-exposure limits, sizes positions, and tracks open positions with
// their exit triggers. It never returns errors on the hot path: failures
// degrade to safe defaults and are logged.
type Manager struct {
	cfg    config.Risk
	logger *zap.Logger

	mu              sync.Mutex
	dailyPnL        float64
	peakBalance     float64
	currentDrawdown float64
	positions       map[string]*Position
	alerts          []Alert
	now             func() time.Time
}

// NewManager creates a risk manager.
func NewManager(cfg config.Risk, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		positions: make(map[string]*Position),
		now:       time.Now,
	}
}

// ValidateTrade checks a proposed trade against all configured limits.
//
// Soft conditions (oversized position, high margin usage) reduce the size or
// add a warning; the trade still goes through. Hard conditions (daily loss
// breached, drawdown breached, short limit exceeded) reject it outright.
// The preference for down-sizing over refusal is deliberate, except where
// capital preservation is at stake.
func (m *Manager) ValidateTrade(symbol string, side exchange.Side, size, price, balance float64, venue exchange.Venue) ValidationResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := ValidationResult{IsValid: true, AdjustedSize: size}

	if price <= 0 || size <= 0 {
		result.IsValid = false
		result.AdjustedSize = 0
		result.Errors = append(result.Errors, fmt.Sprintf("invalid trade parameters: size=%.8f price=%.8f", size, price))
		return result
	}

	// 1. Position size cap: clamp, don't reject.
	positionValue := size * price
	maxPositionValue := balance * m.cfg.MaxPositionSize
	if positionValue > maxPositionValue {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("position value %.2f exceeds limit %.2f, size clamped", positionValue, maxPositionValue))
		result.AdjustedSize = maxPositionValue / price
	}

	// 2. Daily loss limit: hard failure once breached.
	if m.dailyPnL < -balance*m.cfg.MaxDailyLoss {
		result.IsValid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("daily loss limit breached: pnl %.2f, limit %.2f", m.dailyPnL, -balance*m.cfg.MaxDailyLoss))
	}

	// 3. Drawdown limit: hard failure once breached.
	if m.currentDrawdown > m.cfg.MaxDrawdown {
		result.IsValid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("max drawdown exceeded: %.2f%% > %.2f%%", m.currentDrawdown*100, m.cfg.MaxDrawdown*100))
	}

	// 4. Short exposure checks for futures sells.
	if side == exchange.SideSell && venue == exchange.VenueFutures {
		m.validateShortLocked(symbol, result.AdjustedSize, price, balance, &result)
	}

	// 5. Margin usage for any futures trade: warning only.
	if venue == exchange.VenueFutures && m.cfg.MaxLeverage > 0 {
		requiredMargin := result.AdjustedSize * price / float64(m.cfg.MaxLeverage)
		if requiredMargin > balance*0.8 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("high leverage usage: required margin %.2f", requiredMargin))
		}
	}

	if !result.IsValid {
		m.logger.Warn("Trade rejected by risk checks",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.Strings("errors", result.Errors))
	}
	return result
}

func (m *Manager) validateShortLocked(symbol string, size, price, balance float64, result *ValidationResult) {
	shortValue := 0.0
	for _, pos := range m.positions {
		if pos.Side == exchange.SideSell && pos.Venue == exchange.VenueFutures {
			shortValue += pos.Size * pos.EntryPrice
		}
	}

	newShortValue := shortValue + size*price
	maxShortValue := balance * m.cfg.ShortPositionLimit
	if newShortValue > maxShortValue {
		result.IsValid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("short exposure limit exceeded: %.2f > %.2f", newShortValue, maxShortValue))
	}

	// Squeeze risk: price moved against an existing futures short on this
	// symbol. A long on the same symbol gaining value is not a squeeze.
	if pos, ok := m.positions[symbol]; ok &&
		pos.Side == exchange.SideSell && pos.Venue == exchange.VenueFutures && pos.EntryPrice > 0 {
		change := (pos.CurrentPrice - pos.EntryPrice) / pos.EntryPrice
		if change > m.cfg.ShortSqueezePct {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("short squeeze risk: price up %.2f%% since entry", change*100))
		}
	}
}

// PositionSize computes a Kelly-derived position size (in base units) for a
// trade, scaled by signal strength and dampened by volatility. The final
// notional never exceeds balance * risk_per_trade.
func (m *Manager) PositionSize(symbol string, signalStrength, balance, price, volatility float64) float64 {
	if price <= 0 || balance <= 0 {
		return 0
	}

	kelly := (kellyWinRate*kellyAvgWin - (1-kellyWinRate)*kellyAvgLoss) / kellyAvgWin
	if kelly < 0 {
		kelly = 0
	}
	if kelly > kellyMaxFrac {
		kelly = kellyMaxFrac
	}

	fraction := kelly * signalStrength
	fraction *= 1 / (1 + volatility*10)

	positionValue := balance * fraction
	maxRisk := balance * m.cfg.RiskPerTrade
	if positionValue > maxRisk {
		positionValue = maxRisk
	}
	if positionValue < 0 {
		positionValue = 0
	}

	size := positionValue / price
	m.logger.Debug("Position size computed",
		zap.String("symbol", symbol),
		zap.Float64("size", size),
		zap.Float64("signal_strength", signalStrength))
	return size
}

// StopLoss computes the stop-loss price for an entry. The distance is the
// larger of the configured percentage and twice the relative volatility, so
// that a volatile market gets wider stops. A failed computation degrades to
// the entry price itself, an immediate-exit stop.
func (m *Manager) StopLoss(symbol string, side exchange.Side, entryPrice, volatility float64) float64 {
	if entryPrice <= 0 {
		return entryPrice
	}

	distance := m.cfg.StopLossPct
	if v := volatility * atrMultiplier; v > distance {
		distance = v
	}

	if side == exchange.SideBuy {
		return entryPrice * (1 - distance)
	}
	return entryPrice * (1 + distance)
}

// TakeProfit computes the take-profit price for an entry. Signal strength
// stretches the target, but the distance is capped at twice the stop-loss
// percentage to hold a 2:1 reward-to-risk ratio.
func (m *Manager) TakeProfit(symbol string, side exchange.Side, entryPrice, signalStrength float64) float64 {
	if entryPrice <= 0 {
		return entryPrice
	}

	distance := m.cfg.TakeProfitPct * (1 + signalStrength)
	if limit := m.cfg.StopLossPct * rewardRisk; distance > limit {
		distance = limit
	}

	if side == exchange.SideBuy {
		return entryPrice * (1 + distance)
	}
	return entryPrice * (1 - distance)
}

// AddPosition registers a filled trade for stop-loss/take-profit tracking.
func (m *Manager) AddPosition(symbol string, side exchange.Side, size, price float64, venue exchange.Venue, stopLoss, takeProfit float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions[symbol] = &Position{
		Symbol:          symbol,
		Side:            side,
		Size:            size,
		EntryPrice:      price,
		CurrentPrice:    price,
		Venue:           venue,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
		EntryTime:       m.now(),
		LastUpdate:      m.now(),
	}
	m.logger.Info("Position opened",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("size", size),
		zap.Float64("price", price),
		zap.String("venue", string(venue)))
}

// RemovePosition drops a tracked position, ending its risk monitoring.
func (m *Manager) RemovePosition(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[symbol]; ok {
		delete(m.positions, symbol)
		m.logger.Info("Position closed", zap.String("symbol", symbol))
	}
}

// Position returns a copy of the tracked position for symbol, if any.
func (m *Manager) Position(symbol string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Positions returns a copy of all tracked positions.
func (m *Manager) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// UpdatePositionRisk refreshes a position with the latest price and queues
// stop-loss, take-profit or timeout alerts when the conditions are crossed.
// Unknown symbols are ignored.
func (m *Manager) UpdatePositionRisk(symbol string, currentPrice, unrealizedPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return
	}

	pos.CurrentPrice = currentPrice
	pos.UnrealizedPnL = unrealizedPnL
	pos.LastUpdate = m.now()

	if m.shouldStopLoss(pos, currentPrice) {
		m.queueAlertLocked(Alert{
			Kind:      AlertStopLoss,
			Symbol:    symbol,
			Message:   fmt.Sprintf("stop loss hit: %s at %.6f", symbol, currentPrice),
			Timestamp: m.now(),
		})
	}

	if m.shouldTakeProfit(pos, currentPrice) {
		m.queueAlertLocked(Alert{
			Kind:      AlertTakeProfit,
			Symbol:    symbol,
			Message:   fmt.Sprintf("take profit hit: %s at %.6f", symbol, currentPrice),
			Timestamp: m.now(),
		})
	}

	timeout := time.Duration(m.cfg.PositionTimeoutHours) * time.Hour
	if timeout > 0 && m.now().Sub(pos.EntryTime) > timeout {
		m.queueAlertLocked(Alert{
			Kind:      AlertTimeout,
			Symbol:    symbol,
			Message:   fmt.Sprintf("position timeout: %s held longer than %s", symbol, timeout),
			Timestamp: m.now(),
		})
	}
}

func (m *Manager) shouldStopLoss(pos *Position, price float64) bool {
	if pos.StopLossPrice == 0 {
		return false
	}
	if pos.Side == exchange.SideBuy {
		return price <= pos.StopLossPrice
	}
	return price >= pos.StopLossPrice
}

func (m *Manager) shouldTakeProfit(pos *Position, price float64) bool {
	if pos.TakeProfitPrice == 0 {
		return false
	}
	if pos.Side == exchange.SideBuy {
		return price >= pos.TakeProfitPrice
	}
	return price <= pos.TakeProfitPrice
}

func (m *Manager) queueAlertLocked(alert Alert) {
	if len(m.alerts) >= alertQueueCap {
		dropped := m.alerts[0]
		m.alerts = m.alerts[1:]
		m.logger.Warn("Alert queue full, dropping oldest alert",
			zap.String("kind", string(dropped.Kind)),
			zap.String("symbol", dropped.Symbol))
	}
	m.alerts = append(m.alerts, alert)
}

// DrainAlerts returns and clears all pending alerts. Delivery is
// at-most-once: a second call returns nothing until new alerts are queued.
func (m *Manager) DrainAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.alerts) == 0 {
		return nil
	}
	out := m.alerts
	m.alerts = nil
	return out
}

// UpdateDailyPnL adds a realized profit or loss to the daily total.
func (m *Manager) UpdateDailyPnL(realized float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyPnL += realized
	m.logger.Debug("Daily PnL updated", zap.Float64("daily_pnl", m.dailyPnL))
}

// UpdateDrawdown maintains the running balance peak and the current drawdown
// from it. A new peak resets the drawdown to zero.
func (m *Manager) UpdateDrawdown(balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if balance > m.peakBalance {
		m.peakBalance = balance
		m.currentDrawdown = 0
		return
	}
	if m.peakBalance > 0 {
		m.currentDrawdown = (m.peakBalance - balance) / m.peakBalance
	}
}

// CurrentDrawdown returns the drawdown from the running peak.
func (m *Manager) CurrentDrawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentDrawdown
}

// DailyPnL returns the realized profit and loss accumulated today.
func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL
}

// ResetDailyMetrics zeroes the daily PnL counter, typically at UTC midnight.
func (m *Manager) ResetDailyMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyPnL = 0
	m.logger.Info("Daily risk metrics reset")
}

// EmergencyStop queues a high-severity alert that callers must treat as a
// halt signal, distinct from routine risk rejections.
func (m *Manager) EmergencyStop(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queueAlertLocked(Alert{
		Kind:      AlertEmergencyStop,
		Symbol:    "ALL",
		Message:   "emergency stop: " + reason,
		Timestamp: m.now(),
	})
	m.logger.Error("Emergency stop triggered", zap.String("reason", reason))
}

// Snapshot returns the aggregate risk state.
func (m *Manager) Snapshot() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		DailyPnL:        m.dailyPnL,
		CurrentDrawdown: m.currentDrawdown,
		PeakBalance:     m.peakBalance,
		TotalPositions:  len(m.positions),
		PendingAlerts:   len(m.alerts),
	}
	for _, pos := range m.positions {
		s.TotalPositionValue += pos.Size * pos.CurrentPrice
		s.TotalUnrealizedPnL += pos.UnrealizedPnL
		if pos.Side == exchange.SideSell && pos.Venue == exchange.VenueFutures {
			s.ShortPositionValue += pos.Size * pos.CurrentPrice
		}
	}
	return s
}
