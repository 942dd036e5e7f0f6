package main

import (
	"encoding/json"
	"net/http"
	"time"

	"hybrid-trade-bot-go/internal/database"

	"go.uber.org/zap"
)

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log   *zap.Logger
	store *database.Store
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, store *database.Store) *APIHandler {
	return &APIHandler{log: log, store: store}
}

// TradesHandler returns historical trades, most recent first. Optional query
// parameters: symbol, strategy.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	filter := database.TradeFilter{
		Symbol:   r.URL.Query().Get("symbol"),
		Strategy: r.URL.Query().Get("strategy"),
		Limit:    500,
	}

	trades, err := h.store.Trades(filter)
	if err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h *database.Statistics `json:"since_24h"`
	AllTime  *database.Statistics `json:"all_time"`
}

// StatisticsHandler calculates and returns trading statistics.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	allTime, err := h.store.GetStatistics(time.Time{})
	if err != nil {
		h.log.Error("Failed to calculate statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	last24h, err := h.store.GetStatistics(time.Now().Add(-24 * time.Hour))
	if err != nil {
		h.log.Error("Failed to calculate statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatisticsResponse{Since24h: last24h, AllTime: allTime})
}

// TradesCSVHandler exports the trade history as a CSV download.
func (h *APIHandler) TradesCSVHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=trades.csv")

	filter := database.TradeFilter{
		Symbol:   r.URL.Query().Get("symbol"),
		Strategy: r.URL.Query().Get("strategy"),
	}
	if err := h.store.ExportTradesCSV(w, filter); err != nil {
		h.log.Error("Failed to export trades", zap.Error(err))
	}
}
