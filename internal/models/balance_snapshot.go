package models

import "gorm.io/gorm"

// BalanceSnapshot is a periodic record of the portfolio valuation, the raw
// series behind the performance metrics.
type BalanceSnapshot struct {
	gorm.Model
	TotalBalance   float64 `json:"total_balance"`
	SpotBalance    float64 `json:"spot_balance"`
	FuturesBalance float64 `json:"futures_balance"`
	Timestamp      int64   `json:"timestamp" gorm:"index"`
}
