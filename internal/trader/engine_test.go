package trader

import (
	"context"
	"testing"
	"time"

	"hybrid-trade-bot-go/internal/config"
	"hybrid-trade-bot-go/internal/exchange"
	"hybrid-trade-bot-go/internal/notify"
	"hybrid-trade-bot-go/internal/portfolio"
	"hybrid-trade-bot-go/internal/risk"
	"hybrid-trade-bot-go/internal/signal"
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

func testEngineConfig() *config.Config {
	cfg := &config.Config{
		Trading: config.Trading{
			Symbols:        []string{"BTCUSDT", "ETHUSDT"},
			QuoteAsset:     "USDT",
			AnchorSymbol:   "BTCUSDT",
			Interval:       "1h",
			CandleLimit:    50,
			TickInterval:   60,
			MaxConcurrent:  2,
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
			Preset:            "conservative",
			SpotAllocation:    0.6,
			FuturesAllocation: 0.4,
		},
		Signal: config.Signal{
			RSIPeriod: 14, RSIOversold: 30, RSIOverbought: 70,
			MACDFast: 12, MACDSlow: 26, MACDSignal: 9,
			BBPeriod: 20, BBStdDev: 2, StochPeriod: 14, ATRPeriod: 14,
			CacheTTL: 300,
		},
		Fees: config.Fees{
			SpotMaker: 0.001, SpotTaker: 0.001,
			FuturesMaker: 0.0002, FuturesTaker: 0.0004,
			Slippage: 0.0005,
		},
	}
	cfg.ApplyPreset()
	return cfg
}

func setupEngine(t *testing.T) (*Engine, *MockGateway, *portfolio.Manager, *risk.Manager) {
	t.Helper()

	cfg := testEngineConfig()
	gateway := new(MockGateway)
	logger := zap.NewNop()

	analyzer := signal.NewAnalyzer(cfg.Signal, logger)
	riskMgr := risk.NewManager(cfg.Risk, logger)
	strat := strategy.NewHybrid(cfg.Strategy, cfg.Trading.AnchorSymbol, cfg.Risk.MaxLeverage, logger)
	pm := portfolio.NewManager(cfg, gateway, riskMgr, strat, nil, logger)

	engine := NewEngine(logger, cfg, gateway, analyzer, riskMgr, strat, pm, nil, notify.Nop{})
	return engine, gateway, pm, riskMgr
}

// seedBalances funds both venues with quote currency so trade validation
// has a real balance to size against.
func seedBalances(t *testing.T, gateway *MockGateway, pm *portfolio.Manager) {
	t.Helper()

	gateway.On("GetBalance", mock.Anything, exchange.VenueSpot).
		Return(&exchange.Balance{
			Total: map[string]float64{"USDT": 6000},
			Free:  map[string]float64{"USDT": 6000},
		}, nil).Once()
	gateway.On("GetBalance", mock.Anything, exchange.VenueFutures).
		Return(&exchange.Balance{
			Total: map[string]float64{"USDT": 4000},
			Free:  map[string]float64{"USDT": 4000},
		}, nil).Once()
	gateway.On("GetPositions", mock.Anything).
		Return([]exchange.Position{}, nil).Once()

	err := pm.UpdateState(context.Background())
	assert.NoError(t, err)
}

func flatCandles(n int, price float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		candles[i] = exchange.Candle{
			OpenTime:  base.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price * 1.001,
			Low:       price * 0.999,
			Close:     price,
			Volume:    10,
			CloseTime: base.Add(time.Duration(i+1) * time.Hour),
		}
	}
	return candles
}

func TestCollectMarketData_PartialFailureTolerated(t *testing.T) {
	engine, gateway, _, _ := setupEngine(t)

	// BTC succeeds on both venues.
	gateway.On("GetTicker", mock.Anything, "BTCUSDT", exchange.VenueSpot).
		Return(&exchange.Ticker{Symbol: "BTCUSDT", Last: 65000}, nil)
	gateway.On("GetTicker", mock.Anything, "BTCUSDT", exchange.VenueFutures).
		Return(&exchange.Ticker{Symbol: "BTCUSDT", Last: 65010}, nil)
	gateway.On("GetCandles", mock.Anything, "BTCUSDT", "1h", 50, mock.Anything).
		Return(flatCandles(50, 65000), nil)

	// ETH fails at the first fetch.
	gateway.On("GetTicker", mock.Anything, "ETHUSDT", exchange.VenueSpot).
		Return(nil, assert.AnError)

	market := engine.collectMarketData(context.Background())

	assert.Len(t, market, 1)
	assert.Contains(t, market, "BTCUSDT")
	assert.NotContains(t, market, "ETHUSDT")
	assert.Equal(t, 65000.0, market["BTCUSDT"].SpotTicker.Last)
}

func TestHandleRiskAlerts_StopLossClosesPosition(t *testing.T) {
	engine, gateway, pm, riskMgr := setupEngine(t)
	seedBalances(t, gateway, pm)

	// Open a position in dry run, then push the price through the stop.
	result := pm.ExecuteTrade(context.Background(), portfolio.TradeRequest{
		Symbol:    "BTCUSDT",
		Side:      exchange.SideBuy,
		Size:      0.001,
		Price:     65000,
		Venue:     exchange.VenueFutures,
		OrderType: exchange.OrderTypeMarket,
		Strategy:  "trend_following",
	})
	assert.True(t, result.Success)

	pos, ok := riskMgr.Position("BTCUSDT")
	assert.True(t, ok)

	riskMgr.UpdatePositionRisk("BTCUSDT", pos.StopLossPrice*0.99, -10)
	engine.handleRiskAlerts(context.Background())

	_, ok = riskMgr.Position("BTCUSDT")
	assert.False(t, ok, "position must be closed after a stop loss alert")
	assert.Empty(t, riskMgr.DrainAlerts())
}

func TestHandleRiskAlerts_EmergencyStopHaltsTrading(t *testing.T) {
	engine, gateway, pm, riskMgr := setupEngine(t)
	seedBalances(t, gateway, pm)

	result := pm.ExecuteTrade(context.Background(), portfolio.TradeRequest{
		Symbol:    "ETHUSDT",
		Side:      exchange.SideBuy,
		Size:      0.01,
		Price:     3000,
		Venue:     exchange.VenueSpot,
		OrderType: exchange.OrderTypeMarket,
		Strategy:  "momentum",
	})
	assert.True(t, result.Success)

	riskMgr.EmergencyStop("test halt")
	engine.handleRiskAlerts(context.Background())

	assert.True(t, engine.halted.Load())
	_, ok := riskMgr.Position("ETHUSDT")
	assert.False(t, ok, "emergency stop must flatten all positions")
}

func TestRefreshPositionRisk_FeedsVenuePrice(t *testing.T) {
	engine, gateway, pm, riskMgr := setupEngine(t)
	seedBalances(t, gateway, pm)

	result := pm.ExecuteTrade(context.Background(), portfolio.TradeRequest{
		Symbol:    "BTCUSDT",
		Side:      exchange.SideBuy,
		Size:      0.001,
		Price:     65000,
		Venue:     exchange.VenueFutures,
		OrderType: exchange.OrderTypeMarket,
		Strategy:  "trend_following",
	})
	assert.True(t, result.Success)

	market := map[string]*strategy.MarketData{
		"BTCUSDT": {
			SpotTicker:    &exchange.Ticker{Last: 66000},
			FuturesTicker: &exchange.Ticker{Last: 66100},
		},
	}
	engine.refreshPositionRisk(market)

	pos, ok := riskMgr.Position("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, 66100.0, pos.CurrentPrice)
	assert.InDelta(t, (66100.0-65000.0)*0.001, pos.UnrealizedPnL, 1e-9)
}
