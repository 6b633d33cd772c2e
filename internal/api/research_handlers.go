package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-trader/internal/backtester"
	"github.com/atlas-desktop/signal-trader/internal/data"
	"github.com/atlas-desktop/signal-trader/internal/indicators"
	"github.com/atlas-desktop/signal-trader/internal/observability"
	"github.com/atlas-desktop/signal-trader/internal/optimization"
	"github.com/atlas-desktop/signal-trader/internal/strategy"
	"github.com/atlas-desktop/signal-trader/internal/workers"
	"github.com/atlas-desktop/signal-trader/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Backtest run states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ResearchHandlers serves backtests and grid searches over a historical source.
type ResearchHandlers struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	source    data.HistoricalSource
	hub       *Hub
	metrics   *observability.Metrics
	optimizer *optimization.Optimizer
	pool      *workers.Pool
	timeout   time.Duration
	backtests map[string]*BacktestState
}

// BacktestState tracks an asynchronous backtest.
type BacktestState struct {
	ID       string               `json:"id"`
	Config   types.BacktestConfig `json:"config"`
	Status   string               `json:"status"`
	Started  time.Time            `json:"started"`
	Finished time.Time            `json:"finished,omitempty"`
	Error    string               `json:"error,omitempty"`
	Report   *backtester.Report   `json:"report,omitempty"`

	result *backtester.Result
}

// NewResearchHandlers creates the research handlers. Backtests run on a pool
// of workers goroutines, each bounded by timeout.
func NewResearchHandlers(logger *zap.Logger, source data.HistoricalSource, hub *Hub, metrics *observability.Metrics,
	optimizer *optimization.Optimizer, workerCount int, timeout time.Duration) *ResearchHandlers {
	if optimizer == nil {
		optimizer = optimization.NewOptimizer(logger, nil)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	config := workers.DefaultPoolConfig("backtests")
	if workerCount > 0 {
		config.NumWorkers = workerCount
	}
	config.QueueSize = 64

	pool := workers.NewPool(logger, config)
	pool.Start()

	return &ResearchHandlers{
		logger:    logger.Named("research-api"),
		source:    source,
		hub:       hub,
		metrics:   metrics,
		optimizer: optimizer,
		pool:      pool,
		timeout:   timeout,
		backtests: make(map[string]*BacktestState),
	}
}

// RegisterRoutes registers the research API routes.
func (h *ResearchHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/strategies", h.ListStrategies).Methods("GET")
	r.HandleFunc("/api/v1/backtest", h.RunBacktest).Methods("POST")
	r.HandleFunc("/api/v1/backtest/{id}", h.GetBacktest).Methods("GET")
	r.HandleFunc("/api/v1/backtest/{id}/montecarlo", h.MonteCarlo).Methods("GET")
	r.HandleFunc("/api/v1/optimize", h.Optimize).Methods("POST")
	r.HandleFunc("/api/v1/walkforward", h.WalkForward).Methods("POST")
}

// Close waits for running backtests and stops the worker pool.
func (h *ResearchHandlers) Close() error {
	h.pool.Wait()
	return h.pool.Stop()
}

// ==================== Strategy Endpoints ====================

// ListStrategies returns the registered strategy kinds.
func (h *ResearchHandlers) ListStrategies(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": strategy.NewStrategyRegistry().List(),
	})
}

// ==================== Backtest Endpoints ====================

// RunBacktest validates the request and queues the backtest.
func (h *ResearchHandlers) RunBacktest(w http.ResponseWriter, r *http.Request) {
	var config types.BacktestConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := config.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if config.ID == "" {
		config.ID = uuid.NewString()
	}

	state := &BacktestState{
		ID:      config.ID,
		Config:  config,
		Status:  StatusRunning,
		Started: time.Now().UTC(),
	}

	h.mu.Lock()
	if _, exists := h.backtests[config.ID]; exists {
		h.mu.Unlock()
		h.writeError(w, http.StatusConflict, "Backtest already exists")
		return
	}
	h.backtests[config.ID] = state
	h.mu.Unlock()

	err := h.pool.SubmitFunc(r.Context(), func(ctx context.Context) error {
		return h.runBacktest(ctx, state)
	})
	if err != nil {
		h.mu.Lock()
		delete(h.backtests, config.ID)
		h.mu.Unlock()
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      state.ID,
		"status":  StatusRunning,
		"started": state.Started,
	})
}

func (h *ResearchHandlers) runBacktest(ctx context.Context, state *BacktestState) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cfg := state.Config
	res, err := func() (*backtester.Result, error) {
		series, err := h.source.Fetch(ctx, cfg.Symbol, cfg.StartDate, cfg.EndDate)
		if err != nil {
			return nil, err
		}
		bt, err := backtester.New(h.logger, series, cfg.Strategy, cfg.TradingCost, backtester.WithMetrics(h.metrics))
		if err != nil {
			return nil, err
		}
		return bt.Test(ctx)
	}()

	h.mu.Lock()
	state.Finished = time.Now().UTC()
	if err != nil {
		state.Status = StatusFailed
		state.Error = err.Error()
	} else {
		report := res.Report()
		report.ID = state.ID
		state.Status = StatusCompleted
		state.Report = &report
		state.result = res
	}
	status := state.Status
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("Backtest failed", zap.String("id", state.ID), zap.Error(err))
	}
	if h.hub != nil {
		h.hub.Broadcast(MsgTypeBacktestComplete, map[string]interface{}{"id": state.ID, "status": status})
	}
	return err
}

// GetBacktest returns the state of a backtest. With ?series=true a completed
// run also returns its per-bar columns.
func (h *ResearchHandlers) GetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	h.mu.RLock()
	state, ok := h.backtests[id]
	var snapshot BacktestState
	if ok {
		snapshot = *state
	}
	h.mu.RUnlock()

	if !ok {
		h.writeError(w, http.StatusNotFound, "Backtest not found")
		return
	}

	response := map[string]interface{}{"backtest": snapshot}
	if r.URL.Query().Get("series") == "true" && snapshot.result != nil {
		response["series"] = snapshot.result.Series
	}
	h.writeJSON(w, http.StatusOK, response)
}

// MonteCarlo bootstraps the returns of a completed backtest.
func (h *ResearchHandlers) MonteCarlo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var config backtester.MonteCarloConfig
	if v := r.URL.Query().Get("seed"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "seed must be an integer")
			return
		}
		config.Seed = n
	}
	if v := r.URL.Query().Get("iterations"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100000 {
			h.writeError(w, http.StatusBadRequest, "iterations must be between 1 and 100000")
			return
		}
		config.Iterations = n
	}

	h.mu.RLock()
	state, ok := h.backtests[id]
	var res *backtester.Result
	if ok {
		res = state.result
	}
	h.mu.RUnlock()

	if !ok {
		h.writeError(w, http.StatusNotFound, "Backtest not found")
		return
	}
	if res == nil {
		h.writeError(w, http.StatusConflict, "Backtest has no result")
		return
	}

	mc, err := backtester.MonteCarlo(res, config)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, mc)
}

// ==================== Optimization Endpoints ====================

// OptimizeRequest is a grid search over one strategy kind.
type OptimizeRequest struct {
	Symbol      string               `json:"symbol"`
	Strategy    types.StrategyConfig `json:"strategy"`
	StartDate   time.Time            `json:"startDate"`
	EndDate     time.Time            `json:"endDate"`
	TradingCost float64              `json:"tradingCost"`
	Axes        []optimization.Axis  `json:"axes"`
	Top         int                  `json:"top"`
}

// OptimizeResponse reports the winning parameters and its backtest.
type OptimizeResponse struct {
	BestParams optimization.ParamSet           `json:"bestParams"`
	BestScore  float64                         `json:"bestScore"`
	Strategy   string                          `json:"strategy"`
	Iterations int                             `json:"iterations"`
	Duration   time.Duration                   `json:"duration"`
	Top        []optimization.EvaluationResult `json:"top"`
	Report     backtester.Report               `json:"report"`
}

// Optimize runs a grid search synchronously.
func (h *ResearchHandlers) Optimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Top <= 0 {
		req.Top = 10
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	bt, err := h.session(ctx, req)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	opt, res, err := bt.Optimize(ctx, req.Axes)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, OptimizeResponse{
		BestParams: opt.BestParams,
		BestScore:  opt.BestScore,
		Strategy:   res.Strategy.String(),
		Iterations: opt.Iterations,
		Duration:   opt.Duration,
		Top:        opt.Top(req.Top),
		Report:     res.Report(),
	})
}

// WalkForwardRequest is a grid search repeated over rolling windows.
type WalkForwardRequest struct {
	OptimizeRequest
	Window backtester.WalkForwardConfig `json:"window"`
}

// WalkForward runs a walk-forward analysis synchronously.
func (h *ResearchHandlers) WalkForward(w http.ResponseWriter, r *http.Request) {
	var req WalkForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Window.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	bt, err := h.session(ctx, req.OptimizeRequest)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	result, err := bt.WalkForward(ctx, req.Axes, req.Window)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (req OptimizeRequest) validate() error {
	check := types.BacktestConfig{
		Symbol:      req.Symbol,
		Strategy:    req.Strategy,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		TradingCost: req.TradingCost,
	}
	return check.Validate()
}

// session loads the requested series and binds it to a backtest session.
func (h *ResearchHandlers) session(ctx context.Context, req OptimizeRequest) (*backtester.Backtester, error) {
	series, err := h.source.Fetch(ctx, req.Symbol, req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}
	return backtester.New(h.logger, series, req.Strategy, req.TradingCost,
		backtester.WithMetrics(h.metrics), backtester.WithOptimizer(h.optimizer))
}

// statusFor maps research errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, data.ErrSymbolNotFound):
		return http.StatusNotFound
	case errors.Is(err, optimization.ErrInvalidAxis),
		errors.Is(err, optimization.ErrEmptyGrid),
		errors.Is(err, indicators.ErrInvalidWindow),
		errors.Is(err, backtester.ErrInsufficientData),
		errors.Is(err, backtester.ErrNoWindows),
		errors.Is(err, types.ErrUnknownStrategy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ==================== Helpers ====================

func (h *ResearchHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (h *ResearchHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
