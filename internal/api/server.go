// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/internal/monitoring"
	"github.com/atlas-desktop/backtest-engine/internal/results"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Config holds the listener settings
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// Run states reported by the API. Finished runs report their RunStatus.
const (
	StateRunning = "running"
	StateFailed  = "failed"
)

// Server is the HTTP/WebSocket API server
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	runner     *backtester.Runner
	sink       results.Sink
	defaults   func(types.Pair) types.Pair
	now        func() time.Time
	baseCtx    context.Context
	stopRuns   context.CancelFunc
	runs       map[string]*BacktestState
	wg         sync.WaitGroup
}

// BacktestState tracks a submitted backtest
type BacktestState struct {
	ID       string
	Pair     types.Pair
	Status   string
	Started  time.Time
	Finished time.Time
	Result   *types.Result
	Err      string
	Last     types.Event

	cancel context.CancelFunc
}

// Option configures a Server
type Option func(*Server)

// WithSink persists every finished result
func WithSink(sink results.Sink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithPairDefaults fills empty pair fields of submitted backtests
func WithPairDefaults(fn func(types.Pair) types.Pair) Option {
	return func(s *Server) { s.defaults = fn }
}

// WithClock replaces the wall clock that anchors submitted runs
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config Config, runner *backtester.Runner, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		hub:      NewHub(logger, config.AllowedOrigins),
		runner:   runner,
		defaults: func(p types.Pair) types.Pair { return p },
		now:      time.Now,
		baseCtx:  ctx,
		stopRuns: cancel,
		runs:     make(map[string]*BacktestState),
	}
	for _, opt := range opts {
		opt(server)
	}

	server.setupRoutes()
	return server
}

// Router returns the route table without middleware
func (s *Server) Router() *mux.Router { return s.router }

// Hub returns the progress hub
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the router behind the CORS middleware
func (s *Server) Handler() http.Handler {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", monitoring.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/strategies", s.handleStrategies).Methods("GET")
	api.HandleFunc("/backtests", s.handleListBacktests).Methods("GET")
	api.HandleFunc("/backtests", s.handleRunBacktest).Methods("POST")
	api.HandleFunc("/backtests/{id}", s.handleGetBacktest).Methods("GET")
	api.HandleFunc("/backtests/{id}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/backtests/{id}/balance", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/backtests/{id}/cancel", s.handleCancelBacktest).Methods("POST")

	s.router.HandleFunc("/ws", s.hub.ServeWS)
}

// Start starts the hub and the HTTP server; it blocks until Stop
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	go s.hub.Run(s.baseCtx)

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Starting API server", zap.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop cancels running backtests, waits for them and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.stopRuns()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Backtests still running at shutdown")
	}

	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"time":    time.Now().Unix(),
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": s.runner.Strategies().Describe(),
	})
}

// handleRunBacktest validates a pair and starts its run in the background
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var pair types.Pair
	if err := json.NewDecoder(r.Body).Decode(&pair); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	pair = s.defaults(pair)
	if err := pair.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.runner.Strategies().Has(pair.Strategy) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown strategy %q", pair.Strategy))
		return
	}

	now := s.now()
	id := backtester.RunID(pair, now)
	ctx, cancel := context.WithCancel(s.baseCtx)
	state := &BacktestState{
		ID:      id,
		Pair:    pair,
		Status:  StateRunning,
		Started: time.Now(),
		cancel:  cancel,
	}

	s.mu.Lock()
	if _, exists := s.runs[id]; exists {
		s.mu.Unlock()
		cancel()
		s.writeError(w, http.StatusConflict, "Backtest already submitted")
		return
	}
	s.runs[id] = state
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runBacktest(ctx, state, now)

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      id,
		"status":  StateRunning,
		"started": state.Started.Unix(),
	})
}

// runBacktest runs one submitted backtest and records its outcome
func (s *Server) runBacktest(ctx context.Context, state *BacktestState, now time.Time) {
	defer s.wg.Done()
	defer state.cancel()

	track := backtester.EmitterFunc(func(ev types.Event) {
		s.mu.Lock()
		state.Last = ev
		s.mu.Unlock()
	})
	res, err := s.runner.RunWithID(ctx, state.ID, state.Pair, now, backtester.MultiEmitter{track, s.hub})

	if res != nil && s.sink != nil {
		if serr := s.sink.Save(context.WithoutCancel(ctx), res); serr != nil {
			s.logger.Error("Failed to save result", zap.String("id", state.ID), zap.Error(serr))
		}
	}

	s.mu.Lock()
	state.Finished = time.Now()
	state.Result = res
	switch {
	case res != nil:
		state.Status = string(res.Status)
	default:
		state.Status = StateFailed
	}
	if err != nil {
		state.Err = err.Error()
		s.logger.Error("Backtest failed", zap.String("id", state.ID), zap.Error(err))
	}
	status := state.Status
	s.mu.Unlock()

	if res == nil {
		// runs rejected before the first candle emit nothing; close the stream here
		s.hub.Emit(types.Event{
			RunID:   state.ID,
			Pair:    state.Pair.String(),
			Type:    types.EventDone,
			Status:  types.RunStatus(status),
			Message: state.Err,
		})
	}
}

// snapshot copies the state under the lock
func (s *Server) snapshot(id string) (BacktestState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.runs[id]
	if !ok {
		return BacktestState{}, false
	}
	return *state, true
}

func (s *Server) summary(state BacktestState) map[string]interface{} {
	response := map[string]interface{}{
		"id":       state.ID,
		"pair":     state.Pair,
		"status":   state.Status,
		"started":  state.Started.Unix(),
		"progress": state.Last.Progress(),
	}
	if !state.Finished.IsZero() {
		response["finished"] = state.Finished.Unix()
	}
	if state.Err != "" {
		response["error"] = state.Err
	}
	if state.Result != nil {
		brief := *state.Result
		brief.Positions = nil
		brief.Balance = nil
		response["result"] = brief
	}
	return response
}

func (s *Server) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	list := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		if state, ok := s.snapshot(id); ok {
			list = append(list, s.summary(state))
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"backtests": list, "count": len(list)})
}

// handleGetBacktest returns the status and summary of a backtest
func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.snapshot(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "Backtest not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.summary(state))
}

// finished resolves the id to a completed result or writes the error response
func (s *Server) finished(w http.ResponseWriter, r *http.Request) (*types.Result, bool) {
	state, ok := s.snapshot(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "Backtest not found")
		return nil, false
	}
	if state.Result == nil {
		if state.Status == StateRunning {
			s.writeError(w, http.StatusConflict, "Backtest not complete")
		} else {
			s.writeError(w, http.StatusNotFound, "Backtest has no result")
		}
		return nil, false
	}
	return state.Result, true
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	res, ok := s.finished(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        res.RunID,
		"positions": res.Positions,
		"count":     len(res.Positions),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	res, ok := s.finished(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      res.RunID,
		"balance": res.Balance,
		"count":   len(res.Balance),
	})
}

// handleCancelBacktest cancels a running backtest at the next candle boundary
func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	var status string
	if ok {
		status = state.Status
	}
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, http.StatusNotFound, "Backtest not found")
		return
	}
	if status != StateRunning {
		s.writeError(w, http.StatusBadRequest, "Backtest not running")
		return
	}

	state.cancel()
	s.logger.Info("Backtest cancel requested", zap.String("id", id))

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     id,
		"status": string(types.RunCanceled),
	})
}
