package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"hybrid-trade-bot-go/internal/binance"
	"hybrid-trade-bot-go/internal/config"
	"hybrid-trade-bot-go/internal/database"
	"hybrid-trade-bot-go/internal/logger"
	"hybrid-trade-bot-go/internal/notify"
	"hybrid-trade-bot-go/internal/portfolio"
	"hybrid-trade-bot-go/internal/risk"
	"hybrid-trade-bot-go/internal/signal"
	"hybrid-trade-bot-go/internal/strategy"
	"hybrid-trade-bot-go/internal/trader"

	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.String("preset", cfg.Strategy.Preset))

	// Initialize database
	db, err := database.NewDatabase(&cfg)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	store := database.NewStore(db)
	log.Info("Database connection successful and schema migrated.")

	// Initialize Binance REST client for both venues
	gateway := binance.NewRestClient(&cfg.Binance, log)

	// Notification sink
	var sink notify.Sink = notify.Nop{}
	if cfg.Telegram.Enabled {
		telegram, err := notify.NewTelegram(cfg.Telegram, log)
		if err != nil {
			log.Warn("Telegram disabled", zap.Error(err))
		} else {
			sink = telegram
		}
	}

	// Core components
	analyzer := signal.NewAnalyzer(cfg.Signal, log)
	riskMgr := risk.NewManager(cfg.Risk, log)
	strat := strategy.NewHybrid(cfg.Strategy, cfg.Trading.AnchorSymbol, cfg.Risk.MaxLeverage, log)
	pm := portfolio.NewManager(&cfg, gateway, riskMgr, strat, store, log)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Initialize and run the trading engine
	engine := trader.NewEngine(log, &cfg, gateway, analyzer, riskMgr, strat, pm, store, sink)

	api := trader.NewAPIServer(engine, log)
	api.Start()
	defer api.Stop(context.Background())

	engine.Run(ctx)

	log.Info("Bot has been shut down.")
}
