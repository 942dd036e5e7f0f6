package trader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"hybrid-trade-bot-go/internal/config"
	"hybrid-trade-bot-go/internal/database"
	"hybrid-trade-bot-go/internal/exchange"
	"hybrid-trade-bot-go/internal/models"
	"hybrid-trade-bot-go/internal/notify"
	"hybrid-trade-bot-go/internal/portfolio"
	"hybrid-trade-bot-go/internal/risk"
	"hybrid-trade-bot-go/internal/signal"
	"hybrid-trade-bot-go/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const portfolioNotifyInterval = time.Hour

// Engine runs the trading loop: one discrete cycle per tick, each over a
// consistent snapshot of market data. Data collection fans out per symbol
// under a bounded concurrency limit; all strategy and risk decisions run
// sequentially afterwards.
type Engine struct {
	UUID      string
	StartTime time.Time

	logger    *zap.Logger
	cfg       *config.Config
	gateway   exchange.Gateway
	analyzer  *signal.Analyzer
	risk      *risk.Manager
	strategy  *strategy.Hybrid
	portfolio *portfolio.Manager
	store     *database.Store
	sink      notify.Sink

	lastPortfolioNotify time.Time
	lastDailyReset      time.Time

	// Read by API handlers on their own goroutines.
	halted     atomic.Bool
	cycleCount atomic.Int64
}

// NewEngine creates a new trading engine.
func NewEngine(logger *zap.Logger, cfg *config.Config, gateway exchange.Gateway, analyzer *signal.Analyzer, riskMgr *risk.Manager, strat *strategy.Hybrid, pm *portfolio.Manager, store *database.Store, sink notify.Sink) *Engine {
	return &Engine{
		UUID:      uuid.NewString(),
		StartTime: time.Now(),
		logger:    logger,
		cfg:       cfg,
		gateway:   gateway,
		analyzer:  analyzer,
		risk:      riskMgr,
		strategy:  strat,
		portfolio: pm,
		store:     store,
		sink:      sink,
	}
}

// Run starts the trading engine's main loop and blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.lastDailyReset = time.Now().UTC().Truncate(24 * time.Hour)

	interval := time.Duration(e.cfg.Trading.TickInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Starting trading loop",
		zap.Duration("interval", interval),
		zap.Strings("symbols", e.cfg.Trading.Symbols),
		zap.Bool("dry_run", e.cfg.Trading.DryRun))
	e.sink.NotifyStartup(e.UUID, e.cfg.Trading.Symbols, e.cfg.Trading.DryRun)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping trading engine...")
			e.sink.NotifyShutdown("shutdown signal received")
			return
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// runCycle executes one trading cycle. A panic anywhere inside is caught
// here so a single bad cycle never terminates the long-running process.
func (e *Engine) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Cycle panicked, will retry next tick", zap.Any("panic", r))
		}
	}()

	cycle := e.cycleCount.Add(1)
	start := time.Now()

	if err := e.portfolio.UpdateState(ctx); err != nil {
		e.logger.Error("Portfolio refresh failed", zap.Error(err))
	}
	state := e.portfolio.State()

	market := e.collectMarketData(ctx)

	e.refreshPositionRisk(market)
	e.handleRiskAlerts(ctx)

	if e.halted.Load() {
		e.logger.Warn("Trading halted, cycle limited to monitoring")
		return
	}

	// Rebalancing intents run before opportunity intents.
	if e.strategy.CheckRebalancingNeeded(state) {
		for _, intent := range e.strategy.GenerateRebalancingOrders(state) {
			e.executeIntent(ctx, intent, market)
		}
		state = e.portfolio.State()
	}

	opportunities := e.strategy.AnalyzeMarketOpportunity(market)
	for _, intent := range e.strategy.GeneratePortfolioSignals(opportunities, state) {
		e.executeIntent(ctx, intent, market)
	}

	e.maybeResetDailyMetrics()
	e.maybeNotifyPortfolio()

	e.logger.Debug("Cycle complete",
		zap.Int64("cycle", cycle),
		zap.Int("symbols", len(market)),
		zap.Int("opportunities", opportunities.Total()),
		zap.Duration("elapsed", time.Since(start)))
}

// collectMarketData fetches tickers and candles for every symbol on both
// venues, at most MaxConcurrent symbols in flight. A symbol whose data
// cannot be fetched is skipped this cycle, never aborting the others.
func (e *Engine) collectMarketData(ctx context.Context) map[string]*strategy.MarketData {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		market = make(map[string]*strategy.MarketData)
	)

	limit := e.cfg.Trading.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	for _, symbol := range e.cfg.Trading.Symbols {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			data, err := e.fetchSymbolData(ctx, symbol)
			if err != nil {
				e.logger.Warn("Skipping symbol this cycle",
					zap.String("symbol", symbol), zap.Error(err))
				return
			}

			mu.Lock()
			market[symbol] = data
			mu.Unlock()
		}(symbol)
	}

	wg.Wait()
	return market
}

func (e *Engine) fetchSymbolData(ctx context.Context, symbol string) (*strategy.MarketData, error) {
	spotTicker, err := e.gateway.GetTicker(ctx, symbol, exchange.VenueSpot)
	if err != nil {
		return nil, err
	}
	futuresTicker, err := e.gateway.GetTicker(ctx, symbol, exchange.VenueFutures)
	if err != nil {
		return nil, err
	}

	interval := e.cfg.Trading.Interval
	limit := e.cfg.Trading.CandleLimit

	spotCandles, err := e.gateway.GetCandles(ctx, symbol, interval, limit, exchange.VenueSpot)
	if err != nil {
		return nil, err
	}
	futuresCandles, err := e.gateway.GetCandles(ctx, symbol, interval, limit, exchange.VenueFutures)
	if err != nil {
		return nil, err
	}

	spotIndicators, spotSignals := e.analyzer.AnalyzeSymbol(symbol, exchange.VenueSpot, spotCandles)
	futuresIndicators, futuresSignals := e.analyzer.AnalyzeSymbol(symbol, exchange.VenueFutures, futuresCandles)

	return &strategy.MarketData{
		SpotTicker:        spotTicker,
		FuturesTicker:     futuresTicker,
		SpotSignals:       spotSignals,
		FuturesSignals:    futuresSignals,
		SpotIndicators:    spotIndicators,
		FuturesIndicators: futuresIndicators,
	}, nil
}

// refreshPositionRisk feeds current prices into the risk manager's position
// tracking so exit triggers can fire.
func (e *Engine) refreshPositionRisk(market map[string]*strategy.MarketData) {
	for _, pos := range e.risk.Positions() {
		data, ok := market[pos.Symbol]
		if !ok {
			continue
		}

		price := data.SpotTicker.Last
		if pos.Venue == exchange.VenueFutures {
			price = data.FuturesTicker.Last
		}
		if price <= 0 {
			continue
		}

		direction := 1.0
		if pos.Side == exchange.SideSell {
			direction = -1.0
		}
		unrealized := (price - pos.EntryPrice) * pos.Size * direction
		e.risk.UpdatePositionRisk(pos.Symbol, price, unrealized)
	}
}

// handleRiskAlerts drains the alert queue and acts on every alert: exit
// triggers close the position, an emergency stop halts trading. Each alert
// is also notified and persisted.
func (e *Engine) handleRiskAlerts(ctx context.Context) {
	for _, alert := range e.risk.DrainAlerts() {
		e.logger.Warn("Risk alert",
			zap.String("kind", string(alert.Kind)),
			zap.String("symbol", alert.Symbol),
			zap.String("message", alert.Message))
		e.sink.NotifyRiskAlert(alert)

		if e.store != nil {
			record := &models.RiskAlert{
				Kind:      string(alert.Kind),
				Symbol:    alert.Symbol,
				Message:   alert.Message,
				Timestamp: alert.Timestamp.Unix(),
			}
			if err := e.store.InsertRiskAlert(record); err != nil {
				e.logger.Warn("Failed to persist risk alert", zap.Error(err))
			}
		}

		switch alert.Kind {
		case risk.AlertStopLoss, risk.AlertTakeProfit, risk.AlertTimeout:
			result := e.portfolio.ClosePosition(ctx, alert.Symbol, string(alert.Kind))
			if !result.Success {
				e.logger.Error("Failed to close position on alert",
					zap.String("symbol", alert.Symbol),
					zap.String("error", result.Error))
			} else if result.Record != nil {
				e.sink.NotifyTrade(result.Record)
			}
		case risk.AlertEmergencyStop:
			e.halted.Store(true)
			e.closeAllPositions(ctx)
		}
	}
}

func (e *Engine) closeAllPositions(ctx context.Context) {
	for _, pos := range e.risk.Positions() {
		result := e.portfolio.ClosePosition(ctx, pos.Symbol, "emergency_stop")
		if !result.Success {
			e.logger.Error("Failed to close position during emergency stop",
				zap.String("symbol", pos.Symbol),
				zap.String("error", result.Error))
		}
	}
}

// executeIntent converts a strategy intent into a portfolio trade request.
// Volatility for the stop-loss computation comes from the venue's ATR.
func (e *Engine) executeIntent(ctx context.Context, intent strategy.TradeIntent, market map[string]*strategy.MarketData) {
	var volatility float64
	if data, ok := market[intent.Symbol]; ok {
		if intent.Venue == exchange.VenueFutures {
			volatility = data.FuturesIndicators.Volatility
		} else {
			volatility = data.SpotIndicators.Volatility
		}
	}

	result := e.portfolio.ExecuteTrade(ctx, portfolio.TradeRequest{
		Symbol:     intent.Symbol,
		Side:       intent.Action,
		Size:       intent.Size,
		Venue:      intent.Venue,
		OrderType:  exchange.OrderTypeMarket,
		Strategy:   intent.Strategy,
		Confidence: intent.Confidence,
		Volatility: volatility,
	})

	if !result.Success {
		e.logger.Warn("Trade intent rejected",
			zap.String("symbol", intent.Symbol),
			zap.String("strategy", intent.Strategy),
			zap.String("error", result.Error),
			zap.Strings("warnings", result.Warnings))
		return
	}
	if result.Record != nil {
		e.sink.NotifyTrade(result.Record)
	}
}

// maybeResetDailyMetrics sends the daily summary and resets the daily PnL
// counter once per UTC day.
func (e *Engine) maybeResetDailyMetrics() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if !today.After(e.lastDailyReset) {
		return
	}

	summary := e.portfolio.GetSummary()
	e.sink.NotifyDailySummary(summary, e.risk.DailyPnL())
	e.risk.ResetDailyMetrics()
	e.lastDailyReset = today
}

func (e *Engine) maybeNotifyPortfolio() {
	if time.Since(e.lastPortfolioNotify) < portfolioNotifyInterval {
		return
	}
	e.sink.NotifyPortfolio(e.portfolio.GetSummary())
	e.lastPortfolioNotify = time.Now()
}
