package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/copyleftdev/gradsearch/internal/config"
	apierrors "github.com/copyleftdev/gradsearch/internal/errors"
	"github.com/copyleftdev/gradsearch/internal/logging"
	"github.com/copyleftdev/gradsearch/internal/metrics"
	"github.com/copyleftdev/gradsearch/internal/optimization"
	"github.com/copyleftdev/gradsearch/internal/optimization/gradsearch"
	"github.com/copyleftdev/gradsearch/internal/trajectory"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]any)
	Info(msg string, fields ...map[string]any)
	Warn(msg string, fields ...map[string]any)
	Error(msg string, fields ...map[string]any)
	Fatal(msg string, fields ...map[string]any)
	WithFields(fields map[string]any) *logging.Logger
}

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusConverged = "converged"
	StatusCancelled = "cancelled"
)

// maxPrealloc bounds the trajectory capacity reserved up front.
const maxPrealloc = 4096

// OptimizationState tracks the progress of a single gradient search job.
// Fields are guarded by Server.optimizationsMu.
type OptimizationState struct {
	ID            string
	Status        string
	Function      string
	Direction     optimization.Direction
	StartTime     time.Time
	EndTime       *time.Time
	Progress      float64
	Iterations    int
	MaxIterations int
	StepSize      float64
	Stats         gradsearch.Stats
	Current       *optimization.Solution
	Trajectory    *trajectory.Recorder
	CancelFunc    context.CancelFunc
	LastUpdated   time.Time
}

func (s *OptimizationState) terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusConverged, StatusCancelled:
		return true
	}
	return false
}

// Server exposes gradient search jobs over HTTP and JSON-RPC 2.0.
type Server struct {
	cfg     *config.Config
	logger  Logger
	zap     *zap.Logger
	metrics *metrics.Metrics

	optimizations   map[string]*OptimizationState
	optimizationsMu sync.RWMutex // Protects the optimizations map and every state in it
	running         sync.WaitGroup
	nextID          atomic.Uint64
}

// NewServer creates a new server instance. A nil m uses unregistered
// collectors.
func NewServer(cfg *config.Config, logger Logger, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Server{
		cfg:           cfg,
		logger:        logger,
		zap:           logging.NewZapLogger(logger.WithFields(map[string]any{"component": "runner"})),
		metrics:       m,
		optimizations: make(map[string]*OptimizationState),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/status/{id}", s.handleStatus)
		r.Get("/optimization/{id}/trajectory", s.handleTrajectory)
		r.Delete("/optimization/{id}", s.handleCancel)
		r.Get("/functions", s.handleFunctions)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

type idParams struct {
	OptimizationID string `json:"optimization_id"`
}

// startResult is returned by optimization.start.
type startResult struct {
	OptimizationID string `json:"optimization_id"`
	Status         string `json:"status"`
}

type solutionView struct {
	Parameters []float64 `json:"parameters"`
	Value      *float64  `json:"value,omitempty"`
}

type pointView struct {
	Iteration  int       `json:"iteration"`
	Parameters []float64 `json:"parameters"`
	Value      *float64  `json:"value,omitempty"`
}

// statusResult is returned by optimization.status.
type statusResult struct {
	ID            string        `json:"optimization_id"`
	Status        string        `json:"status"`
	Function      string        `json:"function"`
	Direction     string        `json:"direction"`
	Progress      float64       `json:"progress"`
	Iterations    int           `json:"iterations"`
	MaxIterations int           `json:"max_iterations"`
	StepSize      float64       `json:"step_size"`
	Accepted      int           `json:"accepted"`
	Rejected      int           `json:"rejected"`
	NonFinite     int           `json:"non_finite"`
	StartTime     string        `json:"start_time"`
	LastUpdate    string        `json:"last_update"`
	EndTime       string        `json:"end_time,omitempty"`
	Current       *solutionView `json:"current,omitempty"`
	Best          *pointView    `json:"best,omitempty"`
	History       []pointView   `json:"history,omitempty"`
}

// finite returns nil for values encoding/json cannot represent.
func finite(v float64) *float64 {
	if !optimization.IsFinite(v) {
		return nil
	}
	return &v
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}

	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", request.ID)
		return
	}

	var result any
	var err error

	switch request.Method {
	case "optimization.start":
		job := s.defaultJob()
		if err = decodeParams(request.Params, job); err == nil {
			result, err = s.startOptimization(job)
		}
	case "optimization.status":
		var p idParams
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.optimizationStatus(p.OptimizationID)
		}
	case "optimization.cancel":
		var p idParams
		if err = decodeParams(request.Params, &p); err == nil {
			err = s.cancelOptimization(p.OptimizationID)
			result = map[string]string{"status": StatusCancelled}
		}
	case "optimization.functions":
		result = optimization.FunctionNames()
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	if err != nil {
		code := -32000
		if apierrors.StatusCode(err) == http.StatusBadRequest {
			code = -32602
		}
		s.respondWithError(w, code, err.Error(), request.ID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// decodeParams accepts params given either as an object or as a
// single-element array holding the object.
func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return apierrors.Wrap(apierrors.ErrInvalidInput, "missing required parameters")
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
			return apierrors.Wrap(apierrors.ErrInvalidInput, "invalid parameter format, expected object")
		}
		raw = list[0]
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apierrors.Wrapf(apierrors.ErrInvalidInput, "invalid parameters: %v", err)
	}
	return nil
}

// defaultJob returns a job carrying the configured defaults; request
// parameters are decoded on top of it.
func (s *Server) defaultJob() *config.Job {
	return &config.Job{
		Direction:  optimization.Minimize.String(),
		Iterations: s.cfg.Optimization.MaxIterations,
		StepSize:   s.cfg.Optimization.StepSize,
		PrintEvery: s.cfg.Optimization.ProgressEvery,
	}
}

// startOptimization validates job, creates its optimizer and runs it in
// the background.
func (s *Server) startOptimization(job *config.Job) (*startResult, error) {
	if err := job.Validate(); err != nil {
		return nil, apierrors.Wrap(fmt.Errorf("%w: %w", apierrors.ErrInvalidInput, err), "invalid job").
			WithOperation("optimization.start")
	}
	if err := s.cfg.Optimization.CheckLimits(job); err != nil {
		return nil, apierrors.Wrap(fmt.Errorf("%w: %w", apierrors.ErrInvalidInput, err), "job too large").
			WithOperation("optimization.start")
	}

	fn, _ := optimization.Lookup(job.Function)
	dir, _ := optimization.ParseDirection(job.Direction)

	formula := gradsearch.Central
	if job.Gradient == "forward" {
		formula = gradsearch.Forward
	}
	stepSize := job.StepSize
	if stepSize == 0 {
		stepSize = s.cfg.Optimization.StepSize
	}

	id := fmt.Sprintf("opt_%d", s.nextID.Add(1))
	gs, err := gradsearch.New[any](nil, job.Start, fn, dir,
		gradsearch.WithStepSize(stepSize),
		gradsearch.WithGrowth(s.cfg.Optimization.Growth),
		gradsearch.WithDecay(s.cfg.Optimization.Decay),
		gradsearch.WithGradientFormula(formula),
		gradsearch.WithConcurrentGradient(job.ConcurrentGradient),
		gradsearch.WithLogger(s.zap.With(zap.String("optimization_id", id))),
	)
	if err != nil {
		return nil, apierrors.Wrap(err, "failed to create optimizer").WithOperation("optimization.start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	state := &OptimizationState{
		ID:            id,
		Status:        StatusPending,
		Function:      job.Function,
		Direction:     dir,
		StartTime:     now,
		MaxIterations: job.Iterations,
		StepSize:      gs.StepSize(),
		Trajectory:    trajectory.NewRecorder(min(job.Iterations, maxPrealloc)),
		CancelFunc:    cancel,
		LastUpdated:   now,
	}

	s.optimizationsMu.Lock()
	if s.activeLocked() >= s.cfg.Optimization.MaxJobs {
		s.optimizationsMu.Unlock()
		cancel()
		gs.Destroy()
		return nil, apierrors.Wrapf(apierrors.ErrTooManyJobs, "limit is %d", s.cfg.Optimization.MaxJobs).
			WithOperation("optimization.start")
	}
	s.optimizations[id] = state
	s.running.Add(1)
	s.optimizationsMu.Unlock()

	s.logger.Info("Optimization started", map[string]any{
		"optimization_id": id,
		"function":        job.Function,
		"direction":       dir.String(),
		"dimension":       len(job.Start),
		"max_iterations":  job.Iterations,
	})

	go s.runOptimization(ctx, state, gs, job.Improvement(s.cfg.Optimization.MinImprovement), job.PrintEvery)

	return &startResult{OptimizationID: id, Status: StatusPending}, nil
}

func (s *Server) activeLocked() int {
	n := 0
	for _, st := range s.optimizations {
		if !st.terminal() {
			n++
		}
	}
	return n
}

// runOptimization steps the optimizer until the iteration budget is spent,
// the improvement threshold is met or the job is cancelled.
func (s *Server) runOptimization(ctx context.Context, state *OptimizationState, gs *gradsearch.GradSearch[any], minImprovement float64, progressEvery int) {
	defer s.running.Done()
	defer gs.Destroy()

	s.metrics.JobStarted()
	start := time.Now()
	logger := s.zap.With(zap.String("optimization_id", state.ID), zap.String("function", state.Function))

	s.optimizationsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
	}
	maxIterations := state.MaxIterations
	s.optimizationsMu.Unlock()

	final := StatusCompleted
	for i := 0; i < maxIterations; i++ {
		if ctx.Err() != nil {
			final = StatusCancelled
			break
		}

		before := gs.Stats()
		current := gs.Vector()
		u0 := gs.Step()
		after := gs.Stats()
		accepted := after.Accepted > before.Accepted

		s.metrics.ObserveStep(state.Function, accepted, after.NonFinite > before.NonFinite)
		s.metrics.StepSize.WithLabelValues(state.ID).Set(gs.StepSize())

		s.optimizationsMu.Lock()
		state.Trajectory.Record(i, current, u0)
		state.Iterations = gs.Iterations()
		state.Progress = float64(i+1) / float64(maxIterations)
		state.StepSize = gs.StepSize()
		state.Stats = after
		state.Current = gs.Solution()
		state.LastUpdated = time.Now()
		s.optimizationsMu.Unlock()

		if progressEvery > 0 && (i+1)%progressEvery == 0 {
			logger.Info("progress",
				zap.Int("iteration", i+1),
				zap.Float64("utility", gs.LastUtility()),
				zap.Float64("step_size", gs.StepSize()),
				zap.Float64s("vector", gs.Vector()))
		}

		if accepted && math.Abs(gs.LastUtility()-u0) < minImprovement {
			final = StatusConverged
			break
		}
	}

	s.optimizationsMu.Lock()
	if state.Status == StatusCancelled {
		final = StatusCancelled
	}
	s.metrics.JobFinished(state.ID, state.Function, final, time.Since(start))
	now := time.Now()
	state.Status = final
	state.EndTime = &now
	state.LastUpdated = now
	state.CancelFunc()
	s.optimizationsMu.Unlock()

	logger.Info("Optimization finished",
		zap.String("status", final),
		zap.Int("iterations", gs.Iterations()),
		zap.Float64("utility", gs.LastUtility()))
}

// optimizationStatus returns a snapshot of the job with the given id.
func (s *Server) optimizationStatus(id string) (*statusResult, error) {
	if id == "" {
		return nil, apierrors.Wrap(apierrors.ErrInvalidInput, "optimization_id is required")
	}

	s.optimizationsMu.RLock()
	defer s.optimizationsMu.RUnlock()

	state, exists := s.optimizations[id]
	if !exists {
		return nil, apierrors.Wrapf(apierrors.ErrNotFound, "optimization %s", id)
	}

	res := &statusResult{
		ID:            state.ID,
		Status:        state.Status,
		Function:      state.Function,
		Direction:     state.Direction.String(),
		Progress:      state.Progress,
		Iterations:    state.Iterations,
		MaxIterations: state.MaxIterations,
		StepSize:      state.StepSize,
		Accepted:      state.Stats.Accepted,
		Rejected:      state.Stats.Rejected,
		NonFinite:     state.Stats.NonFinite,
		StartTime:     state.StartTime.Format(time.RFC3339),
		LastUpdate:    state.LastUpdated.Format(time.RFC3339),
	}
	if state.EndTime != nil {
		res.EndTime = state.EndTime.Format(time.RFC3339)
	}
	if state.Current != nil {
		res.Current = &solutionView{
			Parameters: append([]float64(nil), state.Current.Parameters...),
			Value:      finite(state.Current.Value),
		}
	}
	if best, ok := state.Trajectory.Best(state.Direction); ok {
		res.Best = &pointView{Iteration: best.Index, Parameters: best.Vector, Value: finite(best.Utility)}
	}
	for _, p := range state.Trajectory.Points() {
		res.History = append(res.History, pointView{
			Iteration:  p.Index,
			Parameters: p.Vector,
			Value:      finite(p.Utility),
		})
	}
	return res, nil
}

// cancelOptimization cancels a pending or running job.
func (s *Server) cancelOptimization(id string) error {
	if id == "" {
		return apierrors.Wrap(apierrors.ErrInvalidInput, "optimization_id is required")
	}

	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	state, exists := s.optimizations[id]
	if !exists {
		return apierrors.Wrapf(apierrors.ErrNotFound, "optimization %s", id)
	}
	if state.terminal() {
		return apierrors.Wrapf(apierrors.ErrConflict, "cannot cancel optimization with status %s", state.Status)
	}

	state.CancelFunc()
	state.Status = StatusCancelled
	state.LastUpdated = time.Now()

	s.logger.Info("Optimization cancelled", map[string]any{
		"optimization_id": id,
	})
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id any) {
	s.logger.Warn("JSON-RPC error", map[string]any{
		"code":    code,
		"message": message,
	})

	response := map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// Close cancels every running job and waits for the runners to exit.
func (s *Server) Close() error {
	s.optimizationsMu.Lock()
	for _, opt := range s.optimizations {
		if !opt.terminal() {
			opt.CancelFunc()
			opt.Status = StatusCancelled
		}
	}
	s.optimizationsMu.Unlock()

	s.running.Wait()
	return s.zap.Sync()
}

// handleOptimize handles POST /api/v1/optimize
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	job := s.defaultJob()
	if err := json.NewDecoder(r.Body).Decode(job); err != nil {
		apierrors.WriteJSON(w, http.StatusBadRequest, apierrors.Wrapf(apierrors.ErrInvalidInput, "invalid request body: %v", err))
		return
	}

	result, err := s.startOptimization(job)
	if err != nil {
		apierrors.WriteJSON(w, 0, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(result)
}

// handleStatus handles GET /api/v1/status/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.optimizationStatus(chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteJSON(w, 0, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// handleTrajectory handles GET /api/v1/optimization/{id}/trajectory and
// returns the recorded points as a plain-text table.
func (s *Server) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.optimizationsMu.RLock()
	state, exists := s.optimizations[id]
	var snapshot trajectory.Recorder
	if exists {
		for _, p := range state.Trajectory.Points() {
			snapshot.Record(p.Index, p.Vector, p.Utility)
		}
	}
	s.optimizationsMu.RUnlock()

	if !exists {
		apierrors.WriteJSON(w, 0, apierrors.Wrapf(apierrors.ErrNotFound, "optimization %s", id))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := snapshot.WriteTable(w); err != nil {
		s.logger.Error("Failed to write trajectory", map[string]any{
			"optimization_id": id,
			"error":           err.Error(),
		})
	}
}

// handleCancel handles DELETE /api/v1/optimization/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cancelOptimization(chi.URLParam(r, "id")); err != nil {
		apierrors.WriteJSON(w, 0, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "cancellation requested",
	})
}

// handleFunctions handles GET /api/v1/functions
func (s *Server) handleFunctions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]string{
		"functions": optimization.FunctionNames(),
	})
}
