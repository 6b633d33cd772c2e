// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/data"
	"github.com/atlas-desktop/signal-trader/internal/events"
	"github.com/atlas-desktop/signal-trader/internal/observability"
	"github.com/atlas-desktop/signal-trader/internal/optimization"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	research   *ResearchHandlers
	gatherer   prometheus.Gatherer
	trades     TradeLister
	started    time.Time
}

// TradeLister reads the persisted live trade log.
type TradeLister interface {
	List(ctx context.Context, instrument string, limit int) ([]events.TradeEvent, error)
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Metrics    *observability.Metrics
	Gatherer   prometheus.Gatherer
	Optimizer  *optimization.Optimizer
	Trades     TradeLister
	Workers    int
	RunTimeout time.Duration
}

// NewServer creates a new API server backed by source. The hub must be run by
// the caller.
func NewServer(logger *zap.Logger, config *types.ServerConfig, source data.HistoricalSource, hub *Hub, opts Options) *Server {
	server := &Server{
		logger:   logger.Named("api"),
		config:   config,
		router:   mux.NewRouter(),
		hub:      hub,
		research: NewResearchHandlers(logger, source, hub, opts.Metrics, opts.Optimizer, opts.Workers, opts.RunTimeout),
		gatherer: opts.Gatherer,
		trades:   opts.Trades,
		started:  time.Now(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.research.RegisterRoutes(s.router)

	if s.trades != nil {
		s.router.HandleFunc("/api/v1/trades/{instrument}", s.handleListTrades).Methods("GET")
	}

	if s.config.EnableMetrics && s.gatherer != nil {
		s.router.Handle("/metrics", observability.Handler(s.gatherer)).Methods("GET")
	}

	path := s.config.WebSocketPath
	if path == "" {
		path = "/ws"
	}
	s.router.HandleFunc(path, s.hub.ServeWS)
}

// Router returns the route table, wrapped in the CORS policy.
func (s *Server) Router() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Start serves until Stop is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server and waits for queued backtests.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		errs = append(errs, s.httpServer.Shutdown(ctx))
	}
	errs = append(errs, s.research.Close())
	return errors.Join(errs...)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.research.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"time":    time.Now().Unix(),
		"uptime":  time.Since(s.started).String(),
		"clients": s.hub.ClientCount(),
	})
}

// handleListTrades returns the stored trades of one instrument.
func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	instrument := mux.Vars(r)["instrument"]

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.research.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	trades, err := s.trades.List(r.Context(), instrument, limit)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.String("instrument", instrument), zap.Error(err))
		s.research.writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []events.TradeEvent{}
	}

	s.research.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instrument": instrument,
		"trades":     trades,
		"count":      len(trades),
	})
}
