package portfolio

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"hybrid-trade-bot-go/internal/config"
	"hybrid-trade-bot-go/internal/database"
	"hybrid-trade-bot-go/internal/exchange"
	"hybrid-trade-bot-go/internal/models"
	"hybrid-trade-bot-go/internal/risk"
	"hybrid-trade-bot-go/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// balanceHistoryCap bounds the in-memory balance series used for the
// performance metrics.
const balanceHistoryCap = 1000

// TradeRequest describes one trade for execution. Volatility and Confidence
// feed the stop-loss and take-profit computation for the opened position.
type TradeRequest struct {
	Symbol     string
	Side       exchange.Side
	Size       float64
	Price      float64 // 0 means "fetch a reference price"
	Venue      exchange.Venue
	OrderType  exchange.OrderType
	Strategy   string
	Confidence float64
	Volatility float64
}

// TradeResult is the outcome of one execution attempt. A risk rejection is
// reported here with Success=false, not as an error.
type TradeResult struct {
	Success  bool
	Record   *models.Trade
	Warnings []string
	Error    string
}

// Performance holds the derived portfolio metrics. All of them are
// recomputed from the balance and trade history, never persisted on their
// own.
type Performance struct {
	TotalReturn float64 `json:"total_return"`
	SharpeRatio float64 `json:"sharpe_ratio"`
	MaxDrawdown float64 `json:"max_drawdown"`
	WinRate     float64 `json:"win_rate"`
	TotalTrades int     `json:"total_trades"`
	TotalFees   float64 `json:"total_fees"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// Summary is the portfolio snapshot exposed by the status API.
type Summary struct {
	State       strategy.PortfolioState `json:"state"`
	Performance Performance             `json:"performance"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

type balancePoint struct {
	balance float64
	at      time.Time
}

// Manager owns the portfolio's valuation state and executes validated trade
// intents. Every trade passes through the risk manager first; fills are
// recorded immutably and forwarded to both the risk manager and strategy so
// their position views stay in sync.
type Manager struct {
	cfg      *config.Config
	gateway  exchange.Gateway
	risk     *risk.Manager
	strategy *strategy.Hybrid
	store    *database.Store
	logger   *zap.Logger

	mu             sync.Mutex
	state          strategy.PortfolioState
	balanceHistory []balancePoint
	initialBalance float64
	realizedPnL    float64
	totalFees      float64
	totalTrades    int
	winningTrades  int
	updatedAt      time.Time
	now            func() time.Time
}

// NewManager creates a portfolio manager.
func NewManager(cfg *config.Config, gateway exchange.Gateway, riskMgr *risk.Manager, strat *strategy.Hybrid, store *database.Store, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:            cfg,
		gateway:        gateway,
		risk:           riskMgr,
		strategy:       strat,
		store:          store,
		logger:         logger,
		initialBalance: cfg.Trading.InitialBalance,
		state: strategy.PortfolioState{
			CurrentPrices: make(map[string]float64),
		},
		now: time.Now,
	}
}

// UpdateState refreshes balances, positions and prices from the exchange.
// It is a pure refresh: no trading happens here. A failed balance read
// degrades to the venue's previous values so the cycle can continue.
func (m *Manager) UpdateState(ctx context.Context) error {
	spotValue, spotFree, prices := m.spotValuation(ctx)

	futuresValue, futuresFree := m.futuresValuation(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	for symbol, price := range prices {
		m.state.CurrentPrices[symbol] = price
	}
	if spotValue >= 0 {
		m.state.SpotBalance = spotValue
		m.state.SpotFree = spotFree
	}
	if futuresValue >= 0 {
		m.state.FuturesBalance = futuresValue
		m.state.FuturesFree = futuresFree
	}
	m.state.TotalBalance = m.state.SpotBalance + m.state.FuturesBalance
	m.updatedAt = m.now()

	if m.initialBalance == 0 && m.state.TotalBalance > 0 {
		m.initialBalance = m.state.TotalBalance
	}

	m.balanceHistory = append(m.balanceHistory, balancePoint{balance: m.state.TotalBalance, at: m.updatedAt})
	if len(m.balanceHistory) > balanceHistoryCap {
		m.balanceHistory = m.balanceHistory[len(m.balanceHistory)-balanceHistoryCap:]
	}

	m.risk.UpdateDrawdown(m.state.TotalBalance)

	if m.store != nil {
		snapshot := &models.BalanceSnapshot{
			TotalBalance:   m.state.TotalBalance,
			SpotBalance:    m.state.SpotBalance,
			FuturesBalance: m.state.FuturesBalance,
			Timestamp:      m.updatedAt.Unix(),
		}
		if err := m.store.InsertBalanceSnapshot(snapshot); err != nil {
			m.logger.Warn("Failed to persist balance snapshot", zap.Error(err))
		}
	}
	return nil
}

// spotValuation sums the USDT value of tracked assets plus the free quote
// balance. Untracked assets are deliberately ignored. Returns -1 for the
// value when the balance read fails.
func (m *Manager) spotValuation(ctx context.Context) (value, free float64, prices map[string]float64) {
	prices = make(map[string]float64)

	balance, err := m.gateway.GetBalance(ctx, exchange.VenueSpot)
	if err != nil {
		m.logger.Warn("Spot balance fetch failed", zap.Error(err))
		return -1, 0, prices
	}

	quote := m.cfg.Trading.QuoteAsset
	value = balance.Total[quote]
	free = balance.Free[quote]

	for _, symbol := range m.cfg.Trading.Symbols {
		asset := strings.TrimSuffix(symbol, quote)
		amount := balance.Total[asset]
		if amount == 0 {
			continue
		}
		ticker, err := m.gateway.GetTicker(ctx, symbol, exchange.VenueSpot)
		if err != nil {
			m.logger.Warn("Ticker fetch failed during valuation",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		prices[symbol] = ticker.Last
		value += amount * ticker.Last
	}
	return value, free, prices
}

// futuresValuation is the futures USDT balance plus unrealized PnL across
// open positions. Returns -1 for the value when the balance read fails.
func (m *Manager) futuresValuation(ctx context.Context) (value, free float64) {
	balance, err := m.gateway.GetBalance(ctx, exchange.VenueFutures)
	if err != nil {
		m.logger.Warn("Futures balance fetch failed", zap.Error(err))
		return -1, 0
	}

	quote := m.cfg.Trading.QuoteAsset
	value = balance.Total[quote]
	free = balance.Free[quote]

	positions, err := m.gateway.GetPositions(ctx)
	if err != nil {
		m.logger.Warn("Futures positions fetch failed", zap.Error(err))
		return value, free
	}
	for _, pos := range positions {
		value += pos.UnrealizedPnL
	}
	return value, free
}

// State returns a copy of the current valuation snapshot.
func (m *Manager) State() strategy.PortfolioState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyStateLocked()
}

func (m *Manager) copyStateLocked() strategy.PortfolioState {
	state := m.state
	state.CurrentPrices = make(map[string]float64, len(m.state.CurrentPrices))
	for k, v := range m.state.CurrentPrices {
		state.CurrentPrices[k] = v
	}
	return state
}

// ExecuteTrade validates, sizes and places one trade. On risk rejection the
// exchange is never touched and the result carries the itemized reasons. On
// acceptance the risk-adjusted size is used, never the requested one.
func (m *Manager) ExecuteTrade(ctx context.Context, req TradeRequest) TradeResult {
	m.mu.Lock()
	balance := m.state.TotalBalance
	refPrice := m.state.CurrentPrices[req.Symbol]
	m.mu.Unlock()

	price := req.Price
	if price <= 0 {
		price = refPrice
	}
	if price <= 0 {
		ticker, err := m.gateway.GetTicker(ctx, req.Symbol, req.Venue)
		if err != nil {
			return TradeResult{Success: false, Error: fmt.Sprintf("no reference price for %s: %v", req.Symbol, err)}
		}
		price = ticker.Last
	}

	validation := m.risk.ValidateTrade(req.Symbol, req.Side, req.Size, price, balance, req.Venue)
	if !validation.IsValid {
		return TradeResult{
			Success:  false,
			Warnings: validation.Warnings,
			Error:    strings.Join(validation.Errors, "; "),
		}
	}
	size := validation.AdjustedSize

	result, err := m.placeOrder(ctx, req, size, price)
	if err != nil {
		return TradeResult{Success: false, Warnings: validation.Warnings, Error: err.Error()}
	}

	fillPrice := result.AvgPrice
	if fillPrice <= 0 {
		fillPrice = price
	}
	fillQty := result.ExecutedQty
	if fillQty <= 0 {
		fillQty = size
	}

	notional := fillQty * fillPrice
	fees := notional * m.feeRate(req.Venue, req.OrderType)

	record := &models.Trade{
		Symbol:       req.Symbol,
		Side:         string(req.Side),
		Venue:        string(req.Venue),
		Strategy:     req.Strategy,
		Quantity:     fillQty,
		Price:        fillPrice,
		Notional:     notional,
		Fees:         fees,
		OrderID:      result.OrderID,
		Timestamp:    m.now().Unix(),
		IsSimulation: m.cfg.Trading.DryRun,
	}
	m.recordTrade(record)

	stopLoss := m.risk.StopLoss(req.Symbol, req.Side, fillPrice, req.Volatility)
	takeProfit := m.risk.TakeProfit(req.Symbol, req.Side, fillPrice, req.Confidence)
	m.risk.AddPosition(req.Symbol, req.Side, fillQty, fillPrice, req.Venue, stopLoss, takeProfit)
	m.strategy.UpdatePosition(req.Symbol, req.Venue, strategy.PositionInfo{
		Side:       req.Side,
		Size:       fillQty,
		EntryPrice: fillPrice,
	})

	m.logger.Info("Trade executed",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("venue", string(req.Venue)),
		zap.String("strategy", req.Strategy),
		zap.Float64("size", fillQty),
		zap.Float64("price", fillPrice),
		zap.Float64("fees", fees),
		zap.Bool("dry_run", m.cfg.Trading.DryRun))

	return TradeResult{Success: true, Record: record, Warnings: validation.Warnings}
}

// placeOrder sends the order to the exchange, or simulates the fill in dry
// run mode. Futures leverage is re-asserted before every order since the
// exchange-side setting cannot be assumed persistent.
func (m *Manager) placeOrder(ctx context.Context, req TradeRequest, size, price float64) (*exchange.OrderResult, error) {
	clientOrderID := uuid.NewString()

	if m.cfg.Trading.DryRun {
		return &exchange.OrderResult{
			OrderID:       "dry-" + clientOrderID,
			ClientOrderID: clientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Status:        "FILLED",
			ExecutedQty:   size,
			AvgPrice:      price,
			TransactTime:  m.now(),
		}, nil
	}

	if req.Venue == exchange.VenueFutures {
		if err := m.gateway.SetLeverage(ctx, req.Symbol, m.cfg.Risk.MaxLeverage); err != nil {
			m.logger.Warn("Failed to set leverage",
				zap.String("symbol", req.Symbol), zap.Error(err))
		}
	}

	order := exchange.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.OrderType,
		Quantity:      size,
		Price:         price,
		Venue:         req.Venue,
		ClientOrderID: clientOrderID,
	}
	result, err := m.gateway.PlaceOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("order placement failed: %w", err)
	}
	return result, nil
}

// ClosePosition exits a tracked position with a market order and books the
// realized PnL net of entry and exit fees.
func (m *Manager) ClosePosition(ctx context.Context, symbol string, reason string) TradeResult {
	pos, ok := m.risk.Position(symbol)
	if !ok {
		return TradeResult{Success: false, Error: fmt.Sprintf("no open position for %s", symbol)}
	}

	m.mu.Lock()
	exitPrice := m.state.CurrentPrices[symbol]
	m.mu.Unlock()
	if exitPrice <= 0 {
		exitPrice = pos.CurrentPrice
	}
	if exitPrice <= 0 {
		exitPrice = pos.EntryPrice
	}

	closeSide := exchange.SideSell
	if pos.Side == exchange.SideSell {
		closeSide = exchange.SideBuy
	}

	result, err := m.placeOrder(ctx, TradeRequest{
		Symbol:    symbol,
		Side:      closeSide,
		Venue:     pos.Venue,
		OrderType: exchange.OrderTypeMarket,
	}, pos.Size, exitPrice)
	if err != nil {
		return TradeResult{Success: false, Error: err.Error()}
	}

	fillPrice := result.AvgPrice
	if fillPrice <= 0 {
		fillPrice = exitPrice
	}

	direction := 1.0
	if pos.Side == exchange.SideSell {
		direction = -1.0
	}
	gross := (fillPrice - pos.EntryPrice) * pos.Size * direction

	rate := m.feeRate(pos.Venue, exchange.OrderTypeMarket)
	entryFee := pos.Size * pos.EntryPrice * rate
	exitFee := pos.Size * fillPrice * rate
	pnl := gross - entryFee - exitFee

	record := &models.Trade{
		Symbol:       symbol,
		Side:         string(closeSide),
		Venue:        string(pos.Venue),
		Strategy:     "close_" + reason,
		Quantity:     pos.Size,
		Price:        fillPrice,
		Notional:     pos.Size * fillPrice,
		Fees:         exitFee,
		PnL:          pnl,
		OrderID:      result.OrderID,
		Timestamp:    m.now().Unix(),
		IsSimulation: m.cfg.Trading.DryRun,
	}
	m.recordTrade(record)

	m.risk.RemovePosition(symbol)
	m.risk.UpdateDailyPnL(pnl)
	m.strategy.RemovePosition(symbol, pos.Venue)

	m.mu.Lock()
	m.realizedPnL += pnl
	if pnl > 0 {
		m.winningTrades++
	}
	m.mu.Unlock()

	m.logger.Info("Position closed",
		zap.String("symbol", symbol),
		zap.String("reason", reason),
		zap.Float64("pnl", pnl),
		zap.Float64("exit_price", fillPrice))

	return TradeResult{Success: true, Record: record}
}

// feeRate returns the per-trade fee fraction for a venue and order type,
// slippage included. Futures rates run at roughly a fifth of spot.
func (m *Manager) feeRate(venue exchange.Venue, orderType exchange.OrderType) float64 {
	fees := m.cfg.Fees
	var rate float64
	switch {
	case venue == exchange.VenueFutures && orderType == exchange.OrderTypeLimit:
		rate = fees.FuturesMaker
	case venue == exchange.VenueFutures:
		rate = fees.FuturesTaker
	case orderType == exchange.OrderTypeLimit:
		rate = fees.SpotMaker
	default:
		rate = fees.SpotTaker
	}
	return rate + fees.Slippage
}

func (m *Manager) recordTrade(record *models.Trade) {
	m.mu.Lock()
	m.totalTrades++
	m.totalFees += record.Fees
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	if err := m.store.InsertTrade(record); err != nil {
		m.logger.Warn("Failed to persist trade record", zap.Error(err))
	}
}

// GetSummary returns the valuation snapshot plus the derived performance
// metrics.
func (m *Manager) GetSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Summary{
		State:       m.copyStateLocked(),
		Performance: m.performanceLocked(),
		UpdatedAt:   m.updatedAt,
	}
}

func (m *Manager) performanceLocked() Performance {
	perf := Performance{
		TotalTrades: m.totalTrades,
		TotalFees:   m.totalFees,
		RealizedPnL: m.realizedPnL,
	}
	if m.initialBalance > 0 && m.state.TotalBalance > 0 {
		perf.TotalReturn = (m.state.TotalBalance - m.initialBalance) / m.initialBalance
	}
	if m.totalTrades > 0 {
		perf.WinRate = float64(m.winningTrades) / float64(m.totalTrades)
	}
	perf.SharpeRatio = m.sharpeLocked()
	perf.MaxDrawdown = m.maxDrawdownLocked()
	return perf
}

// sharpeLocked computes an annualized Sharpe ratio over the balance history
// returns, assuming a zero risk-free rate. History points arrive once per
// cycle, not once per day, so the annualization factor comes from the
// observed sampling interval rather than a fixed daily assumption.
func (m *Manager) sharpeLocked() float64 {
	if len(m.balanceHistory) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(m.balanceHistory)-1)
	for i := 1; i < len(m.balanceHistory); i++ {
		prev := m.balanceHistory[i-1].balance
		if prev <= 0 {
			continue
		}
		returns = append(returns, (m.balanceHistory[i].balance-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)

	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return 0
	}

	first := m.balanceHistory[0].at
	last := m.balanceHistory[len(m.balanceHistory)-1].at
	elapsed := last.Sub(first)
	if elapsed <= 0 {
		return 0
	}
	meanInterval := elapsed / time.Duration(len(m.balanceHistory)-1)
	periodsPerYear := float64(365*24*time.Hour) / float64(meanInterval)

	return mean / stddev * math.Sqrt(periodsPerYear)
}

// maxDrawdownLocked walks the balance history tracking the running peak.
func (m *Manager) maxDrawdownLocked() float64 {
	peak := 0.0
	maxDD := 0.0
	for _, point := range m.balanceHistory {
		if point.balance > peak {
			peak = point.balance
		}
		if peak > 0 {
			dd := (peak - point.balance) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
