package database

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"hybrid-trade-bot-go/internal/config"
	"hybrid-trade-bot-go/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates or updates the schema. Trade history is append-only
// audit data, so existing tables are migrated in place, never dropped.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(&models.Trade{}, &models.RiskAlert{}, &models.BalanceSnapshot{})
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// TradeFilter narrows a trade history query. Zero values mean "no filter".
type TradeFilter struct {
	Symbol   string
	Strategy string
	Since    time.Time
	Limit    int
}

// Statistics aggregates the trade history over a period.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	TotalFees     float64 `json:"total_fees"`
	TotalVolume   float64 `json:"total_volume"`
}

// Store wraps the database with the bot's persistence operations.
type Store struct {
	db *gorm.DB
}

// NewStore creates a trade store over an open database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// InsertTrade appends one trade record.
func (s *Store) InsertTrade(trade *models.Trade) error {
	if err := s.db.Create(trade).Error; err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// InsertRiskAlert appends one risk alert record.
func (s *Store) InsertRiskAlert(alert *models.RiskAlert) error {
	if err := s.db.Create(alert).Error; err != nil {
		return fmt.Errorf("failed to insert risk alert: %w", err)
	}
	return nil
}

// InsertBalanceSnapshot appends one balance snapshot.
func (s *Store) InsertBalanceSnapshot(snapshot *models.BalanceSnapshot) error {
	if err := s.db.Create(snapshot).Error; err != nil {
		return fmt.Errorf("failed to insert balance snapshot: %w", err)
	}
	return nil
}

// Trades returns trade records matching the filter, most recent first.
func (s *Store) Trades(filter TradeFilter) ([]models.Trade, error) {
	query := s.db.Order("timestamp desc")
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.Strategy != "" {
		query = query.Where("strategy = ?", filter.Strategy)
	}
	if !filter.Since.IsZero() {
		query = query.Where("timestamp >= ?", filter.Since.Unix())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var trades []models.Trade
	if err := query.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	return trades, nil
}

// GetStatistics aggregates the trade history since the given time.
func (s *Store) GetStatistics(since time.Time) (*Statistics, error) {
	trades, err := s.Trades(TradeFilter{Since: since})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{TotalTrades: len(trades)}
	for _, t := range trades {
		stats.TotalPnL += t.PnL
		stats.TotalFees += t.Fees
		stats.TotalVolume += t.Notional
		if t.PnL > 0 {
			stats.WinningTrades++
		}
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
	}
	return stats, nil
}

// ExportTradesCSV writes the filtered trade history as CSV.
func (s *Store) ExportTradesCSV(w io.Writer, filter TradeFilter) error {
	trades, err := s.Trades(filter)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{"timestamp", "symbol", "side", "venue", "strategy", "quantity", "price", "notional", "fees", "pnl", "order_id"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, t := range trades {
		row := []string{
			time.Unix(t.Timestamp, 0).UTC().Format(time.RFC3339),
			t.Symbol,
			t.Side,
			t.Venue,
			t.Strategy,
			strconv.FormatFloat(t.Quantity, 'f', -1, 64),
			strconv.FormatFloat(t.Price, 'f', -1, 64),
			strconv.FormatFloat(t.Notional, 'f', -1, 64),
			strconv.FormatFloat(t.Fees, 'f', -1, 64),
			strconv.FormatFloat(t.PnL, 'f', -1, 64),
			t.OrderID,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
