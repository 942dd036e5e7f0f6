package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"hybrid-trade-bot-go/internal/config"
	"hybrid-trade-bot-go/internal/models"
	"hybrid-trade-bot-go/internal/portfolio"
	"hybrid-trade-bot-go/internal/risk"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const sendRetries = 3

// Telegram sends bot events to a Telegram chat. Sends run on their own
// goroutine with a small linear-backoff retry; a failed delivery is logged
// and dropped.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

var _ Sink = (*Telegram)(nil)

// NewTelegram creates a Telegram notification sink.
func NewTelegram(cfg config.Telegram, logger *zap.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	return &Telegram{bot: bot, chatID: chatID, logger: logger}, nil
}

// send delivers a MarkdownV2 message asynchronously.
func (t *Telegram) send(text string) {
	go func() {
		msg := tgbotapi.NewMessage(t.chatID, text)
		msg.ParseMode = "MarkdownV2"

		var lastErr error
		for i := 0; i < sendRetries; i++ {
			_, err := t.bot.Send(msg)
			if err == nil {
				return
			}
			lastErr = err
			time.Sleep(time.Second * time.Duration(i+1))
		}
		t.logger.Warn("Telegram delivery failed", zap.Error(lastErr))
	}()
}

func (t *Telegram) NotifyStartup(version string, symbols []string, dryRun bool) {
	mode := "live"
	if dryRun {
		mode = "dry run"
	}
	t.send(fmt.Sprintf("🤖 *Trading bot started*\nVersion: %s\nMode: %s\nSymbols: %s",
		escapeMarkdownV2(version),
		escapeMarkdownV2(mode),
		escapeMarkdownV2(strings.Join(symbols, ", "))))
}

func (t *Telegram) NotifyShutdown(reason string) {
	t.send(fmt.Sprintf("🛑 *Trading bot stopped*\n%s", escapeMarkdownV2(reason)))
}

func (t *Telegram) NotifyTrade(trade *models.Trade) {
	emoji := "🟢"
	if trade.Side == "sell" {
		emoji = "🔴"
	}
	t.send(fmt.Sprintf("%s *Trade executed*\n%s %s %s\nQty: %s\nPrice: %s\nStrategy: %s",
		emoji,
		escapeMarkdownV2(strings.ToUpper(trade.Side)),
		escapeMarkdownV2(trade.Symbol),
		escapeMarkdownV2(trade.Venue),
		escapeMarkdownV2(fmt.Sprintf("%.6f", trade.Quantity)),
		escapeMarkdownV2(fmt.Sprintf("%.4f", trade.Price)),
		escapeMarkdownV2(trade.Strategy)))
}

func (t *Telegram) NotifyRiskAlert(alert risk.Alert) {
	emoji := "⚠️"
	if alert.Kind == risk.AlertEmergencyStop {
		emoji = "🚨"
	}
	t.send(fmt.Sprintf("%s *Risk alert: %s*\n%s",
		emoji,
		escapeMarkdownV2(string(alert.Kind)),
		escapeMarkdownV2(alert.Message)))
}

func (t *Telegram) NotifyPortfolio(summary portfolio.Summary) {
	state := summary.State
	t.send(fmt.Sprintf("📊 *Portfolio update*\nTotal: %s\nSpot: %s\nFutures: %s\nReturn: %s",
		escapeMarkdownV2(fmt.Sprintf("$%.2f", state.TotalBalance)),
		escapeMarkdownV2(fmt.Sprintf("$%.2f", state.SpotBalance)),
		escapeMarkdownV2(fmt.Sprintf("$%.2f", state.FuturesBalance)),
		escapeMarkdownV2(fmt.Sprintf("%.2f%%", summary.Performance.TotalReturn*100))))
}

func (t *Telegram) NotifyDailySummary(summary portfolio.Summary, dailyPnL float64) {
	emoji := "📈"
	if dailyPnL < 0 {
		emoji = "📉"
	}
	t.send(fmt.Sprintf("%s *Daily summary*\nDaily PnL: %s\nTotal: %s\nTrades: %d\nWin rate: %s",
		emoji,
		escapeMarkdownV2(fmt.Sprintf("$%.2f", dailyPnL)),
		escapeMarkdownV2(fmt.Sprintf("$%.2f", summary.State.TotalBalance)),
		summary.Performance.TotalTrades,
		escapeMarkdownV2(fmt.Sprintf("%.1f%%", summary.Performance.WinRate*100))))
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
