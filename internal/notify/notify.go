package notify

import (
	"hybrid-trade-bot-go/internal/models"
	"hybrid-trade-bot-go/internal/portfolio"
	"hybrid-trade-bot-go/internal/risk"
)

// Sink receives bot events. All methods are fire-and-forget: delivery
// failure must never block or fail the calling operation, so implementations
// send asynchronously and only log errors.
type Sink interface {
	NotifyStartup(version string, symbols []string, dryRun bool)
	NotifyShutdown(reason string)
	NotifyTrade(trade *models.Trade)
	NotifyRiskAlert(alert risk.Alert)
	NotifyPortfolio(summary portfolio.Summary)
	NotifyDailySummary(summary portfolio.Summary, dailyPnL float64)
}

// Nop is a Sink that discards every event. Used when Telegram is disabled
// and in tests.
type Nop struct{}

func (Nop) NotifyStartup(string, []string, bool)          {}
func (Nop) NotifyShutdown(string)                         {}
func (Nop) NotifyTrade(*models.Trade)                     {}
func (Nop) NotifyRiskAlert(risk.Alert)                    {}
func (Nop) NotifyPortfolio(portfolio.Summary)             {}
func (Nop) NotifyDailySummary(portfolio.Summary, float64) {}
