package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// APIServer provides an HTTP interface for the trading engine.
type APIServer struct {
	server *http.Server
	engine *Engine
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(engine *Engine, logger *zap.Logger) *APIServer {
	addr := fmt.Sprintf(":%d", engine.cfg.Server.ApiPort)
	server := &http.Server{
		Addr: addr,
	}

	return &APIServer{
		server: server,
		engine: engine,
		logger: logger.Named("api-server"),
	}
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/portfolio", s.portfolioHandler)
	mux.HandleFunc("/risk", s.riskHandler)
	mux.HandleFunc("/health", s.healthHandler)
	s.server.Handler = mux

	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		UUID      string   `json:"uuid"`
		Strategy  string   `json:"strategy"`
		Symbols   []string `json:"symbols"`
		DryRun    bool     `json:"dry_run"`
		Halted    bool     `json:"halted"`
		Cycles    int64    `json:"cycles"`
		StartTime string   `json:"start_time"`
		Uptime    string   `json:"uptime"`
	}{
		UUID:      s.engine.UUID,
		Strategy:  "hybrid_spot_futures",
		Symbols:   s.engine.cfg.Trading.Symbols,
		DryRun:    s.engine.cfg.Trading.DryRun,
		Halted:    s.engine.halted.Load(),
		Cycles:    s.engine.cycleCount.Load(),
		StartTime: s.engine.StartTime.Format(time.RFC3339),
		Uptime:    time.Since(s.engine.StartTime).String(),
	}

	s.writeJSON(w, status)
}

func (s *APIServer) portfolioHandler(w http.ResponseWriter, r *http.Request) {
	summary := s.engine.portfolio.GetSummary()
	metrics := s.engine.strategy.PortfolioMetrics(summary.State)

	s.writeJSON(w, struct {
		Summary   interface{} `json:"summary"`
		Portfolio interface{} `json:"portfolio"`
	}{Summary: summary, Portfolio: metrics})
}

func (s *APIServer) riskHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.risk.Snapshot())
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
