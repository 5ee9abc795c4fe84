// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/data"
	"github.com/atlas-desktop/backtest-lab/internal/executor"
	"github.com/atlas-desktop/backtest-lab/internal/jobs"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// maxSyncBacktestBars bounds the synchronous backtest endpoint. Anything
// larger belongs on the job queue.
const maxSyncBacktestBars = 100_000

// Deps collects the collaborators the server exposes over HTTP.
type Deps struct {
	Queue    *jobs.Queue
	Results  *data.ResultStore
	Store    *data.Store
	Registry *strategy.Registry
	Executor *executor.Executor
	Gatherer prometheus.Gatherer
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	server := &Server{
		logger: logger,
		config: config,
		deps:   deps,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	deps.Queue.SetProgressListener(func(runID string, kind types.JobKind, progress types.JobProgress) {
		server.hub.PublishRunProgress(runID, kind, progress)
	})

	server.setupRoutes()
	return server
}

// runRoute describes one job kind's REST surface.
type runRoute struct {
	prefix string
	kind   types.JobKind
	config func() any
}

func (s *Server) runRoutes() []runRoute {
	return []runRoute{
		{"/api/v1/optimizations", types.JobKindOptimization, func() any { return new(types.OptimizationConfig) }},
		{"/api/v1/walkforward", types.JobKindWalkForward, func() any { return new(types.WalkForwardConfig) }},
		{"/api/v1/montecarlo", types.JobKindMonteCarlo, func() any { return new(jobs.MonteCarloRequest) }},
		{"/api/v1/regimes", types.JobKindRegimeDetection, func() any { return new(types.RegimeConfig) }},
		{"/api/v1/multiasset", types.JobKindMultiAsset, func() any { return new(types.MultiAssetConfig) }},
	}
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	// Data endpoints
	s.router.HandleFunc("/api/v1/data/symbols", s.handleGetSymbols).Methods("GET")
	s.router.HandleFunc("/api/v1/data/history/{symbol:.+}", s.handleGetHistory).Methods("GET")

	// Strategy catalog
	s.router.HandleFunc("/api/v1/strategies", s.handleGetStrategies).Methods("GET")

	// Synchronous single-run backtest
	s.router.HandleFunc("/api/v1/backtest", s.handleRunBacktest).Methods("POST")

	// Queued engine runs share one lifecycle surface per kind
	for _, route := range s.runRoutes() {
		route := route
		s.router.HandleFunc(route.prefix, s.handleStartRun(route)).Methods("POST")
		s.router.HandleFunc(route.prefix+"/{runId}/status", s.handleRunStatus(route)).Methods("GET")
		s.router.HandleFunc(route.prefix+"/{runId}/results", s.handleRunResults(route)).Methods("GET")
		s.router.HandleFunc(route.prefix+"/{runId}/abort", s.handleAbortRun(route)).Methods("POST")
	}

	// Metrics
	if s.config.EnableMetrics && s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// WebSocket
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Router exposes the configured routes for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go s.hub.Run()

	s.logger.Info("Starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// apiError is the structured error half of the response envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// apiResponse is the uniform envelope every endpoint returns.
type apiResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

func (s *Server) writeSuccess(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data}); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiResponse{Error: &apiError{Code: code, Message: message}}); err != nil {
		s.logger.Error("Failed to encode error response", zap.Error(err))
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// handleGetSymbols returns symbols with stored or synthesizable history
func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := s.deps.Store.AvailableSymbols()

	// Symbols the synthetic generator covers out of the box
	if len(symbols) == 0 {
		symbols = []string{"SOL/USDC", "ETH/USDC", "BTC/USDC"}
	}

	s.writeSuccess(w, http.StatusOK, map[string]any{
		"symbols": symbols,
	})
}

// handleGetStrategies returns the registered strategy names
func (s *Server) handleGetStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, http.StatusOK, map[string]any{
		"strategies": s.deps.Registry.List(),
	})
}

// handleGetHistory returns historical bars for a symbol
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	// Path segments arrive with URL-safe separators ("sol-usdc").
	symbol := utils.FormatSymbol(vars["symbol"])

	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "1h"
	}

	start := time.Now().AddDate(0, -1, 0)
	end := time.Now()

	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "start must be RFC3339")
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "end must be RFC3339")
			return
		}
		end = t
	}

	bars, err := s.deps.Store.LoadBars(r.Context(), symbol, types.Timeframe(timeframe), start, end)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	s.writeSuccess(w, http.StatusOK, map[string]any{
		"symbol":    symbol,
		"timeframe": timeframe,
		"bars":      bars,
		"count":     len(bars),
	})
}

// handleRunBacktest runs one bounded backtest on the request path
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var config types.BacktestConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := config.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	bars, err := s.deps.Store.LoadBars(r.Context(), config.Symbol, config.Timeframe, config.Range.Start, config.Range.End)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if len(bars) > maxSyncBacktestBars {
		s.writeError(w, http.StatusUnprocessableEntity, "too_large",
			fmt.Sprintf("range spans %d bars, synchronous limit is %d", len(bars), maxSyncBacktestBars))
		return
	}

	result, err := s.deps.Executor.Run(r.Context(), executor.RunSpec{
		Strategy:       config.Strategy,
		Params:         config.Parameters,
		Symbol:         config.Symbol,
		Bars:           bars,
		InitialCapital: config.InitialCapital,
		Commission:     config.Commission,
		Seed:           config.Seed,
	})
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "run_failed", err.Error())
		return
	}

	s.writeSuccess(w, http.StatusOK, map[string]any{
		"id":     uuid.New().String(),
		"config": config,
		"result": result,
	})
}

// handleWebSocket upgrades the connection and attaches it to the hub
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	s.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}
