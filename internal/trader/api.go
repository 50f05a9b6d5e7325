package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// APIServer provides a read-only HTTP interface for the trading engine.
type APIServer struct {
	server *http.Server
	engine *Engine
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer. gatherer backs the /metrics endpoint.
func NewAPIServer(engine *Engine, gatherer prometheus.Gatherer, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine: engine,
		logger: logger.Named("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ledger", s.ledgerHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", engine.cfg.Trading.ApiPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	current, _, err := s.engine.CurrentCoin(r.Context())
	if err != nil {
		s.logger.Error("Failed to read current coin", zap.Error(err))
		http.Error(w, "Failed to read current coin", http.StatusInternalServerError)
		return
	}

	status := struct {
		UUID        string `json:"uuid"`
		Name        string `json:"name"`
		Strategy    string `json:"strategy"`
		CurrentCoin string `json:"current_coin"`
		Bridge      string `json:"bridge"`
		StartTime   string `json:"start_time"`
		Uptime      string `json:"uptime"`
	}{
		UUID:        s.engine.UUID,
		Name:        s.engine.Name,
		Strategy:    s.engine.StrategyName(),
		CurrentCoin: current,
		Bridge:      s.engine.cfg.Trading.Bridge,
		StartTime:   s.engine.StartTime.Format(time.RFC3339),
		Uptime:      time.Since(s.engine.StartTime).String(),
	}

	s.writeJSON(w, status)
}

func (s *APIServer) ledgerHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Ledger().List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list ledger entries", zap.Error(err))
		http.Error(w, "Failed to list ledger entries", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, entries)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
