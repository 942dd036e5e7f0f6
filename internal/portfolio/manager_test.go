package portfolio

import (
	"context"
	"math"
	"testing"
	"time"

	"hybrid-trade-bot-go/internal/config"
	"hybrid-trade-bot-go/internal/exchange"
	"hybrid-trade-bot-go/internal/risk"
	"hybrid-trade-bot-go/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// MockGateway is a mock implementation of exchange.Gateway.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) GetBalance(ctx context.Context, venue exchange.Venue) (*exchange.Balance, error) {
	args := m.Called(ctx, venue)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.Balance), args.Error(1)
}

func (m *MockGateway) GetTicker(ctx context.Context, symbol string, venue exchange.Venue) (*exchange.Ticker, error) {
	args := m.Called(ctx, symbol, venue)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.Ticker), args.Error(1)
}

func (m *MockGateway) GetCandles(ctx context.Context, symbol, interval string, limit int, venue exchange.Venue) ([]exchange.Candle, error) {
	args := m.Called(ctx, symbol, interval, limit, venue)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]exchange.Candle), args.Error(1)
}

func (m *MockGateway) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]exchange.Position), args.Error(1)
}

func (m *MockGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.OrderResult), args.Error(1)
}

func (m *MockGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	args := m.Called(ctx, symbol, leverage)
	return args.Error(0)
}

func (m *MockGateway) SetMarginMode(ctx context.Context, symbol, mode string) error {
	args := m.Called(ctx, symbol, mode)
	return args.Error(0)
}

func testConfig() *config.Config {
	return &config.Config{
		Trading: config.Trading{
			Symbols:        []string{"BTCUSDT", "ETHUSDT"},
			QuoteAsset:     "USDT",
			AnchorSymbol:   "BTCUSDT",
			InitialBalance: 10000,
			DryRun:         true,
		},
		Risk: config.Risk{
			MaxPositionSize:      0.2,
			MaxDailyLoss:         0.05,
			MaxDrawdown:          0.20,
			StopLossPct:          0.05,
			TakeProfitPct:        0.10,
			PositionTimeoutHours: 24,
			MaxLeverage:          5,
			RiskPerTrade:         0.02,
			ShortPositionLimit:   0.3,
			ShortSqueezePct:      0.10,
		},
		Strategy: config.Strategy{
			SpotAllocation:    0.6,
			FuturesAllocation: 0.4,
			HedgeRatio:        0.8,
		},
		Fees: config.Fees{
			SpotMaker:    0.001,
			SpotTaker:    0.001,
			FuturesMaker: 0.0002,
			FuturesTaker: 0.0004,
			Slippage:     0.0005,
		},
	}
}

// setupTest builds a manager wired to a mock gateway, dry run enabled, with
// a seeded valuation snapshot so trades validate against a real balance.
func setupTest(t *testing.T) (*Manager, *MockGateway) {
	t.Helper()

	cfg := testConfig()
	gateway := new(MockGateway)
	logger := zap.NewNop()

	riskMgr := risk.NewManager(cfg.Risk, logger)
	strat := strategy.NewHybrid(cfg.Strategy, cfg.Trading.AnchorSymbol, cfg.Risk.MaxLeverage, logger)
	m := NewManager(cfg, gateway, riskMgr, strat, nil, logger)

	m.mu.Lock()
	m.state.TotalBalance = 10000
	m.state.SpotBalance = 6000
	m.state.FuturesBalance = 4000
	m.state.SpotFree = 6000
	m.state.FuturesFree = 4000
	m.state.CurrentPrices["BTCUSDT"] = 50000
	m.state.CurrentPrices["ETHUSDT"] = 3000
	m.mu.Unlock()

	return m, gateway
}

func TestExecuteTrade_DryRunFill(t *testing.T) {
	m, gateway := setupTest(t)

	result := m.ExecuteTrade(context.Background(), TradeRequest{
		Symbol:    "BTCUSDT",
		Side:      exchange.SideBuy,
		Size:      0.01,
		Venue:     exchange.VenueSpot,
		OrderType: exchange.OrderTypeMarket,
		Strategy:  "trend_following",
	})

	assert.True(t, result.Success)
	assert.NotNil(t, result.Record)
	assert.Equal(t, 0.01, result.Record.Quantity)
	assert.Equal(t, 50000.0, result.Record.Price)
	assert.True(t, result.Record.IsSimulation)
	// taker + slippage on a $500 notional
	assert.InDelta(t, 500*0.0015, result.Record.Fees, 1e-9)

	// Dry run must not reach the exchange order endpoint.
	gateway.AssertNotCalled(t, "PlaceOrder")

	// The fill is tracked for risk monitoring.
	pos, ok := m.risk.Position("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, 0.01, pos.Size)
	assert.Less(t, pos.StopLossPrice, 50000.0)
	assert.Greater(t, pos.TakeProfitPrice, 50000.0)
}

func TestExecuteTrade_RiskRejectionSkipsExchange(t *testing.T) {
	m, gateway := setupTest(t)
	m.risk.UpdateDailyPnL(-600) // breaches the 5% daily loss limit on $10k

	result := m.ExecuteTrade(context.Background(), TradeRequest{
		Symbol:    "BTCUSDT",
		Side:      exchange.SideBuy,
		Size:      0.01,
		Venue:     exchange.VenueSpot,
		OrderType: exchange.OrderTypeMarket,
		Strategy:  "momentum",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "daily loss limit")
	gateway.AssertNotCalled(t, "PlaceOrder")

	_, ok := m.risk.Position("BTCUSDT")
	assert.False(t, ok)
}

func TestExecuteTrade_UsesRiskAdjustedSize(t *testing.T) {
	m, _ := setupTest(t)

	// 1 BTC at $50k far exceeds 20% of the $10k balance.
	result := m.ExecuteTrade(context.Background(), TradeRequest{
		Symbol:    "BTCUSDT",
		Side:      exchange.SideBuy,
		Size:      1.0,
		Venue:     exchange.VenueSpot,
		OrderType: exchange.OrderTypeMarket,
		Strategy:  "trend_following",
	})

	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Warnings)
	assert.InDelta(t, 10000*0.2/50000, result.Record.Quantity, 1e-9)
}

func TestExecuteTrade_NoPriceAnywhereFails(t *testing.T) {
	m, gateway := setupTest(t)
	gateway.On("GetTicker", mock.Anything, "DOGEUSDT", exchange.VenueSpot).
		Return(nil, assert.AnError)

	result := m.ExecuteTrade(context.Background(), TradeRequest{
		Symbol:    "DOGEUSDT",
		Side:      exchange.SideBuy,
		Size:      100,
		Venue:     exchange.VenueSpot,
		OrderType: exchange.OrderTypeMarket,
	})

	assert.False(t, result.Success)
	gateway.AssertExpectations(t)
}

func TestClosePosition_RoundTripFeesOnlyLoss(t *testing.T) {
	m, _ := setupTest(t)

	open := m.ExecuteTrade(context.Background(), TradeRequest{
		Symbol:    "BTCUSDT",
		Side:      exchange.SideBuy,
		Size:      0.01,
		Venue:     exchange.VenueSpot,
		OrderType: exchange.OrderTypeMarket,
		Strategy:  "trend_following",
	})
	assert.True(t, open.Success)

	// Close with no price change: PnL is exactly the two fees.
	result := m.ClosePosition(context.Background(), "BTCUSDT", "manual")

	assert.True(t, result.Success)
	rate := 0.001 + 0.0005
	expected := -(0.01*50000*rate + 0.01*50000*rate)
	assert.InDelta(t, expected, result.Record.PnL, 1e-9)

	// Position tracking ends on close.
	_, ok := m.risk.Position("BTCUSDT")
	assert.False(t, ok)

	// Realized loss lands in the daily PnL.
	assert.InDelta(t, expected, m.risk.DailyPnL(), 1e-9)
}

func TestClosePosition_ShortProfitsFromDrop(t *testing.T) {
	m, _ := setupTest(t)

	open := m.ExecuteTrade(context.Background(), TradeRequest{
		Symbol:    "ETHUSDT",
		Side:      exchange.SideSell,
		Size:      0.1,
		Venue:     exchange.VenueFutures,
		OrderType: exchange.OrderTypeMarket,
		Strategy:  "momentum",
	})
	assert.True(t, open.Success)

	m.mu.Lock()
	m.state.CurrentPrices["ETHUSDT"] = 2700
	m.mu.Unlock()

	result := m.ClosePosition(context.Background(), "ETHUSDT", "take_profit")

	assert.True(t, result.Success)
	rate := 0.0004 + 0.0005
	gross := (3000.0 - 2700.0) * 0.1
	expected := gross - 0.1*3000*rate - 0.1*2700*rate
	assert.InDelta(t, expected, result.Record.PnL, 1e-9)
}

func TestClosePosition_UnknownSymbol(t *testing.T) {
	m, _ := setupTest(t)

	result := m.ClosePosition(context.Background(), "XRPUSDT", "manual")

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no open position")
}

func TestUpdateState_ValuationAndDegradedReads(t *testing.T) {
	m, gateway := setupTest(t)

	gateway.On("GetBalance", mock.Anything, exchange.VenueSpot).Return(&exchange.Balance{
		Total: map[string]float64{"USDT": 1000, "BTC": 0.1, "SHIB": 99999},
		Free:  map[string]float64{"USDT": 1000, "BTC": 0.1},
		Used:  map[string]float64{},
	}, nil)
	gateway.On("GetTicker", mock.Anything, "BTCUSDT", exchange.VenueSpot).
		Return(&exchange.Ticker{Symbol: "BTCUSDT", Last: 50000}, nil)
	gateway.On("GetBalance", mock.Anything, exchange.VenueFutures).Return(&exchange.Balance{
		Total: map[string]float64{"USDT": 2000},
		Free:  map[string]float64{"USDT": 1800},
		Used:  map[string]float64{"USDT": 200},
	}, nil)
	gateway.On("GetPositions", mock.Anything).Return([]exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.SideSell, Size: 0.01, UnrealizedPnL: 50},
	}, nil)

	err := m.UpdateState(context.Background())
	assert.NoError(t, err)

	state := m.State()
	// Spot: 1000 USDT + 0.1 BTC * 50000. SHIB is untracked and ignored.
	assert.InDelta(t, 6000.0, state.SpotBalance, 1e-9)
	// Futures: 2000 USDT + 50 unrealized.
	assert.InDelta(t, 2050.0, state.FuturesBalance, 1e-9)
	assert.InDelta(t, 8050.0, state.TotalBalance, 1e-9)
	assert.Equal(t, 50000.0, state.CurrentPrices["BTCUSDT"])
	gateway.AssertExpectations(t)
}

func TestUpdateState_BalanceFailureKeepsPreviousValues(t *testing.T) {
	m, gateway := setupTest(t)

	gateway.On("GetBalance", mock.Anything, exchange.VenueSpot).Return(nil, assert.AnError)
	gateway.On("GetBalance", mock.Anything, exchange.VenueFutures).Return(nil, assert.AnError)

	err := m.UpdateState(context.Background())
	assert.NoError(t, err)

	// The seeded valuation survives the failed reads.
	state := m.State()
	assert.InDelta(t, 6000.0, state.SpotBalance, 1e-9)
	assert.InDelta(t, 4000.0, state.FuturesBalance, 1e-9)
}

func TestGetSummary_PerformanceMetrics(t *testing.T) {
	m, _ := setupTest(t)

	// Walk the balance history through a peak and a trough, one point per day.
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, b := range []float64{10000, 10500, 9500, 9800} {
		m.mu.Lock()
		m.balanceHistory = append(m.balanceHistory, balancePoint{
			balance: b,
			at:      base.Add(time.Duration(i) * 24 * time.Hour),
		})
		m.state.TotalBalance = b
		m.mu.Unlock()
	}

	summary := m.GetSummary()

	assert.InDelta(t, (9800.0-10000.0)/10000.0, summary.Performance.TotalReturn, 1e-9)
	assert.InDelta(t, (10500.0-9500.0)/10500.0, summary.Performance.MaxDrawdown, 1e-9)
	assert.NotZero(t, summary.Performance.SharpeRatio)
}

func TestSharpe_AnnualizedBySamplingFrequency(t *testing.T) {
	balances := []float64{10000, 10200, 10100, 10400, 10300}
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	seed := func(m *Manager, interval time.Duration) {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, b := range balances {
			m.balanceHistory = append(m.balanceHistory, balancePoint{
				balance: b,
				at:      base.Add(time.Duration(i) * interval),
			})
		}
	}

	daily, _ := setupTest(t)
	seed(daily, 24*time.Hour)
	hourly, _ := setupTest(t)
	seed(hourly, time.Hour)

	daily.mu.Lock()
	dailySharpe := daily.sharpeLocked()
	daily.mu.Unlock()
	hourly.mu.Lock()
	hourlySharpe := hourly.sharpeLocked()
	hourly.mu.Unlock()

	assert.NotZero(t, dailySharpe)
	// Identical per-sample returns, 24x the sampling rate: the annualized
	// ratio scales by sqrt(24).
	assert.InDelta(t, math.Sqrt(24), hourlySharpe/dailySharpe, 1e-9)
}

func TestFeeRate_VenueAndOrderType(t *testing.T) {
	m, _ := setupTest(t)

	assert.InDelta(t, 0.0015, m.feeRate(exchange.VenueSpot, exchange.OrderTypeMarket), 1e-9)
	assert.InDelta(t, 0.0015, m.feeRate(exchange.VenueSpot, exchange.OrderTypeLimit), 1e-9)
	assert.InDelta(t, 0.0009, m.feeRate(exchange.VenueFutures, exchange.OrderTypeMarket), 1e-9)
	assert.InDelta(t, 0.0007, m.feeRate(exchange.VenueFutures, exchange.OrderTypeLimit), 1e-9)
}
