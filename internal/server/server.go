// Package server exposes runs, collaborations and the reflection cache over
// HTTP, including an OpenAI-compatible chat endpoint and a websocket stream
// of run events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/reflexion/internal/collab"
	"github.com/codefionn/reflexion/internal/logger"
	"github.com/codefionn/reflexion/internal/orchestrator"
	"github.com/codefionn/reflexion/internal/reflection"
	"github.com/codefionn/reflexion/internal/store"
)

const (
	maxBodySize  = 1 << 20 // 1MB
	recentRuns   = 100
	shutdownWait = 5 * time.Second
)

// Runner executes tasks. *orchestrator.Orchestrator implements it.
type Runner interface {
	RunWithConfig(ctx context.Context, task string, cfg orchestrator.Config) (*orchestrator.Summary, error)
	Cache() *reflection.Cache
}

// Collaborator runs the planner, executor and critic protocol.
// *collab.Coordinator implements it.
type Collaborator interface {
	Run(ctx context.Context, task string, maxIterations int, threshold float64) (*collab.Result, error)
}

// RunReader looks up persisted runs. *store.Database implements it.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*orchestrator.Summary, error)
}

// Options configures a Server.
type Options struct {
	Addr         string
	Runner       Runner
	Collaborator Collaborator
	// Runs is optional; without it only runs served by this process are found
	Runs RunReader
	Hub  *Hub
	// Metrics serves /metrics when set
	Metrics http.Handler
	// Profiling mounts the runtime profiles under /debug/pprof/
	Profiling bool

	Defaults         orchestrator.Config
	MaxIterations    int
	QualityThreshold float64

	Logger *logger.Logger
}

// Server is the HTTP façade.
type Server struct {
	addr       string
	runner     Runner
	collab     Collaborator
	runs       RunReader
	hub        *Hub
	metrics    http.Handler
	profiling  bool
	router     *httprouter.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	log        *logger.Logger
	started    time.Time

	mu               sync.RWMutex
	defaults         orchestrator.Config
	maxIterations    int
	qualityThreshold float64
	recent           map[string]*orchestrator.Summary
	recentOrder      []string
}

// New creates a server. The hub is started here and stopped by Stop.
func New(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global().WithPrefix("server")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = collab.DefaultMaxIterations
	}
	if opts.QualityThreshold <= 0 {
		opts.QualityThreshold = collab.DefaultQualityThreshold
	}
	if opts.Defaults.MaxSteps == 0 {
		opts.Defaults = orchestrator.DefaultConfig()
	}

	s := &Server{
		addr:             opts.Addr,
		runner:           opts.Runner,
		collab:           opts.Collaborator,
		runs:             opts.Runs,
		hub:              opts.Hub,
		metrics:          opts.Metrics,
		profiling:        opts.Profiling,
		router:           httprouter.New(),
		log:              opts.Logger,
		started:          time.Now(),
		defaults:         opts.Defaults,
		maxIterations:    opts.MaxIterations,
		qualityThreshold: opts.QualityThreshold,
		recent:           make(map[string]*orchestrator.Summary),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.setupRoutes()
	go s.hub.Run()
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Handler(http.MethodGet, "/metrics", s.metrics)
	}

	s.router.POST("/v1/runs", s.handleRun)
	s.router.GET("/v1/runs/:id", s.handleGetRun)
	s.router.POST("/v1/collaborate", s.handleCollaborate)

	s.router.GET("/v1/reflections", s.handleReflections)
	s.router.GET("/v1/reflections/stats", s.handleReflectionStats)

	s.router.GET("/v1/models", s.handleModels)
	s.router.POST("/v1/chat/completions", s.handleChatCompletions)

	s.router.GET("/v1/stream", s.handleStream)

	if s.profiling {
		s.router.HandlerFunc(http.MethodGet, "/debug/pprof/", pprof.Index)
		s.router.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", pprof.Cmdline)
		s.router.HandlerFunc(http.MethodGet, "/debug/pprof/profile", pprof.Profile)
		s.router.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", pprof.Symbol)
		s.router.HandlerFunc(http.MethodGet, "/debug/pprof/trace", pprof.Trace)
		for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"} {
			s.router.Handler(http.MethodGet, "/debug/pprof/"+name, pprof.Handler(name))
		}
	}
}

// Handler exposes the router for embedding or testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// SetDefaults replaces the run configuration used when a request carries no
// overrides. Used by config hot reload.
func (s *Server) SetDefaults(cfg orchestrator.Config, maxIterations int, threshold float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = cfg
	if maxIterations > 0 {
		s.maxIterations = maxIterations
	}
	if threshold > 0 {
		s.qualityThreshold = threshold
	}
}

// Defaults returns the current default run configuration.
func (s *Server) Defaults() orchestrator.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.hub.Stop()
		return err
	case <-ctx.Done():
	}
	return s.Stop()
}

// Stop shuts the HTTP server down and disconnects stream clients.
func (s *Server) Stop() error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"time":           time.Now().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"stream_clients": s.hub.ClientCount(),
		"persistence":    s.runs != nil,
		"collaboration":  s.collab != nil,
	})
}

// runRequest starts a run. Config overrides are applied on top of the
// server defaults (or the named preset); durations are Go duration strings.
type runRequest struct {
	Task   string          `json:"task"`
	Preset string          `json:"preset,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

type configOverrides struct {
	MaxSteps              *int    `json:"max_steps"`
	MaxHistory            *int    `json:"max_history"`
	EarlyStopThreshold    *int    `json:"early_stop_threshold"`
	RepetitionWindow      *int    `json:"repetition_window"`
	EnableReflectionCache *bool   `json:"enable_reflection_cache"`
	EnablePersistence     *bool   `json:"enable_persistence"`
	ReflectOnSuccess      *bool   `json:"reflect_on_success"`
	PerCallTimeout        *string `json:"per_call_timeout"`
}

func (s *Server) runConfig(req runRequest) (orchestrator.Config, error) {
	cfg := s.Defaults()
	if req.Preset != "" {
		preset, err := orchestrator.Preset(req.Preset)
		if err != nil {
			return cfg, err
		}
		// presets tune the loop, the deployment decides about storage
		preset.EnablePersistence = cfg.EnablePersistence
		preset.MaxHistory = cfg.MaxHistory
		cfg = preset
	}
	if len(req.Config) == 0 {
		return cfg, nil
	}

	var o configOverrides
	if err := json.Unmarshal(req.Config, &o); err != nil {
		return cfg, fmt.Errorf("invalid config overrides: %w", err)
	}
	setInt(&cfg.MaxSteps, o.MaxSteps)
	setInt(&cfg.MaxHistory, o.MaxHistory)
	setInt(&cfg.EarlyStopThreshold, o.EarlyStopThreshold)
	setInt(&cfg.RepetitionWindow, o.RepetitionWindow)
	setBool(&cfg.EnableReflectionCache, o.EnableReflectionCache)
	setBool(&cfg.EnablePersistence, o.EnablePersistence)
	setBool(&cfg.ReflectOnSuccess, o.ReflectOnSuccess)
	if o.PerCallTimeout != nil {
		d, err := time.ParseDuration(*o.PerCallTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid per_call_timeout: %w", err)
		}
		cfg.PerCallTimeout = d
	}
	return cfg, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	cfg, err := s.runConfig(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	summary, err := s.runner.RunWithConfig(r.Context(), req.Task, cfg)
	if summary != nil {
		s.remember(summary)
	}
	if err != nil {
		// rejected before the first step: the summary explains why
		writeJSON(w, http.StatusBadRequest, summary)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) remember(summary *orchestrator.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recent[summary.RunID]; !ok {
		s.recentOrder = append(s.recentOrder, summary.RunID)
	}
	s.recent[summary.RunID] = summary
	for len(s.recentOrder) > recentRuns {
		delete(s.recent, s.recentOrder[0])
		s.recentOrder = s.recentOrder[1:]
	}
}

func (s *Server) lookup(ctx context.Context, id string) (*orchestrator.Summary, error) {
	if s.runs != nil {
		summary, err := s.runs.GetRun(ctx, id)
		if err == nil {
			return summary, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if summary, ok := s.recent[id]; ok {
		return summary, nil
	}
	return nil, store.ErrNotFound
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	summary, err := s.lookup(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run %s not found", id)
		return
	}
	if err != nil {
		s.log.Error("failed to load run %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load run: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type collaborateRequest struct {
	Task             string   `json:"task"`
	MaxIterations    *int     `json:"max_iterations"`
	QualityThreshold *float64 `json:"quality_threshold"`
}

func (s *Server) collabArgs(maxIterations *int, threshold *float64) (int, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, q := s.maxIterations, s.qualityThreshold
	if maxIterations != nil {
		n = *maxIterations
	}
	if threshold != nil {
		q = *threshold
	}
	return n, q
}

func (s *Server) handleCollaborate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.collab == nil {
		writeError(w, http.StatusServiceUnavailable, "collaboration is not configured")
		return
	}
	var req collaborateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	n, q := s.collabArgs(req.MaxIterations, req.QualityThreshold)
	result, err := s.collab.Run(r.Context(), req.Task, n, q)
	if errors.Is(err, collab.ErrInvalidArgs) {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReflections(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	entries := s.runner.Cache().Entries()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if string(e.Kind) == kind {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if sortBy := r.URL.Query().Get("sort"); sortBy == "hits" {
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Hits > entries[j].Hits })
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit %q", raw)
			return
		}
		if limit < len(entries) {
			entries = entries[:limit]
		}
	}
	if entries == nil {
		entries = []reflection.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handleReflectionStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.runner.Cache().Statistics())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed: %v", err)
		return
	}
	c := newClient(s.hub, conn, strings.TrimSpace(r.URL.Query().Get("run_id")))
	select {
	case s.hub.register <- c:
	case <-s.hub.quit:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
