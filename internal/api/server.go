package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/wardpager/wardpager/internal/alerter"
	"github.com/wardpager/wardpager/internal/logbuf"
	"github.com/wardpager/wardpager/internal/types"
	"github.com/wardpager/wardpager/internal/version"
)

// AlertService is the engine surface the API needs
type AlertService interface {
	CreateAlert(ctx context.Context, urgency types.Urgency, alertContext map[string]string) (types.Alert, error)
	Acknowledge(ctx context.Context, id, by string) (types.Alert, error)
	Resolve(ctx context.Context, id, by string) (types.Alert, error)
	Get(ctx context.Context, id string) (types.Alert, error)
	Active() []types.Alert
	Report(ctx context.Context, id string) (types.DeliveryReport, error)
	Stats() alerter.Stats
}

// ReloadFunc is called when a config reload is requested
type ReloadFunc func(ctx context.Context) error

// Server provides the HTTP API
type Server struct {
	engine    AlertService
	logger    zerolog.Logger
	addr      string
	logBuffer *logbuf.Buffer
	startTime time.Time

	mu         sync.RWMutex
	reloadFunc ReloadFunc
	realtime   http.Handler
	metrics    http.Handler
	httpServer *http.Server
}

type createRequest struct {
	Urgency string            `json:"urgency"`
	Context map[string]string `json:"context"`
}

type actorRequest struct {
	By string `json:"by"`
}

type transitionResponse struct {
	Alert           types.Alert `json:"alert"`
	AlreadyTerminal bool        `json:"already_terminal"`
}

// NewServer creates a new API server
func NewServer(engine AlertService, logger zerolog.Logger, addr string) *Server {
	return &Server{
		engine:    engine,
		logger:    logger.With().Str("component", "api").Logger(),
		addr:      addr,
		startTime: time.Now(),
	}
}

// SetLogBuffer sets the buffer served by /api/logs
func (s *Server) SetLogBuffer(lb *logbuf.Buffer) {
	s.logBuffer = lb
}

// SetReloadFunc sets the function to call when config reload is requested
func (s *Server) SetReloadFunc(fn ReloadFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadFunc = fn
}

// SetRealtimeHandler mounts the websocket hub on /ws
func (s *Server) SetRealtimeHandler(h http.Handler) {
	s.realtime = h
}

// SetMetricsHandler mounts the Prometheus handler on /metrics
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts", s.handleCreateAlert).Methods(http.MethodPost)
	r.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id}/ack", s.handleAcknowledge).Methods(http.MethodPost)
	r.HandleFunc("/alerts/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	r.HandleFunc("/reports/{id}", s.handleGetReport).Methods(http.MethodGet)

	r.HandleFunc("/api/logs", s.handleLogs).Methods(http.MethodGet)
	r.HandleFunc("/api/reload", s.handleReload).Methods(http.MethodPost)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	if s.realtime != nil {
		r.Handle("/ws", s.realtime)
	}
	return r
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info().Str("address", s.addr).Msg("Starting API server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus returns current state summary
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	info := version.Get()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_alerts":     stats.Active,
		"armed_timers":      stats.ArmedTimers,
		"degraded_channels": stats.DegradedChannels,
		"time":              time.Now().UTC().Format(time.RFC3339),
		"uptime":            time.Since(s.startTime).String(),
		"version":           info.Version,
		"commit":            info.Commit,
		"build_date":        info.BuildDate,
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.engine.Active()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	urgency, err := types.ParseUrgency(req.Urgency)
	if err != nil {
		s.writeError(w, err)
		return
	}

	alert, err := s.engine.CreateAlert(r.Context(), urgency, req.Context)
	if err != nil && alert.ID != "" {
		// stored but not distributed yet; the engine retries distribution
		s.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("alert stored, distribution pending")
		w.Header().Set("Location", "/alerts/"+alert.ID)
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":    err.Error(),
			"alert_id": alert.ID,
			"alert":    alert,
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/alerts/"+alert.ID)
	writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.engine.Acknowledge)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.engine.Resolve)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, apply func(context.Context, string, string) (types.Alert, error)) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.By == "" {
		writeErrorMessage(w, http.StatusBadRequest, "body must contain \"by\"")
		return
	}

	alert, err := apply(r.Context(), mux.Vars(r)["id"], req.By)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, transitionResponse{Alert: alert})
	case errors.Is(err, alerter.ErrAlreadyTerminal):
		writeJSON(w, http.StatusOK, transitionResponse{Alert: alert, AlreadyTerminal: true})
	default:
		s.writeError(w, err)
	}
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Report(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleLogs returns recent log entries, optionally for one alert
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeErrorMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries := []logbuf.Entry{}
	if s.logBuffer != nil {
		entries = s.logBuffer.Recent(limit, r.URL.Query().Get("alert_id"))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	reload := s.reloadFunc
	s.mu.RUnlock()

	if reload == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]interface{}{
			"success": false,
			"error":   "Config reload not configured",
		})
		return
	}

	s.logger.Info().Msg("Config reload requested via API")

	if err := reload(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Config reload failed")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	s.logger.Info().Msg("Config reloaded successfully")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// writeError maps engine errors to HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, alerter.ErrInvalidUrgency):
		status = http.StatusBadRequest
	case errors.Is(err, alerter.ErrAlertNotFound), errors.Is(err, alerter.ErrReportNotFound):
		status = http.StatusNotFound
	case errors.Is(err, alerter.ErrInvalidTransition), errors.Is(err, alerter.ErrAlreadyTerminal):
		status = http.StatusConflict
	case errors.Is(err, alerter.ErrPersistenceUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= 500 {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeErrorMessage(w, status, err.Error())
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
