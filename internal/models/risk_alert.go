package models

import "gorm.io/gorm"

// RiskAlert is a persisted risk event for later auditing.
type RiskAlert struct {
	gorm.Model
	Kind      string `json:"kind" gorm:"index"`
	Symbol    string `json:"symbol"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
