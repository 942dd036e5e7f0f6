package models

import "gorm.io/gorm"

// Trade is an immutable record of one executed trade. Rows are written once
// per fill and never updated.
type Trade struct {
	gorm.Model
	Symbol       string  `json:"symbol" gorm:"index"`
	Side         string  `json:"side"` // "buy" or "sell"
	Venue        string  `json:"venue"`
	Strategy     string  `json:"strategy" gorm:"index"`
	Quantity     float64 `json:"quantity"`
	Price        float64 `json:"price"`
	Notional     float64 `json:"notional"`
	Fees         float64 `json:"fees"`
	PnL          float64 `json:"pnl"`
	OrderID      string  `json:"order_id"`
	Timestamp    int64   `json:"timestamp"`
	IsSimulation bool    `json:"is_simulation"`
}
