package prometheus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cboxdk/queue-autoscaler/internal/autoscaler"
	"github.com/cboxdk/queue-autoscaler/internal/telemetry"
	"github.com/cboxdk/queue-autoscaler/internal/types"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 30 * time.Second

// StatusProvider exposes the scheduler's view of its targets
type StatusProvider interface {
	Targets() []autoscaler.TargetStatus
	Target(id string) (autoscaler.TargetStatus, bool)
	LastRefresh() (autoscaler.RefreshReport, bool)
}

// HealthChecker reports the composite health of the process
type HealthChecker interface {
	Health(ctx context.Context) types.HealthResult
}

// EventReader reads the stored event history
type EventReader interface {
	GetEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error)
}

// Components are the collaborators served by the HTTP endpoints. Events
// and Mode are optional.
type Components struct {
	Status  StatusProvider
	Health  HealthChecker
	Events  EventReader
	Mode    func() string
	Version string
}

// Server serves metrics, health and the read-only status API
type Server struct {
	config     ServerConfig
	exporter   *Exporter
	components Components
	logger     *zap.Logger
	startTime  time.Time

	metricsLimiter *rate.Limiter
	apiLimiter     *rate.Limiter
}

// ErrorResponse is the body of every API error
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Version   string `json:"version,omitempty"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// TargetsResponse is the body of /api/v1/targets
type TargetsResponse struct {
	Targets          []autoscaler.TargetStatus `json:"targets"`
	Count            int                       `json:"count"`
	LastRefresh      *autoscaler.RefreshReport `json:"last_refresh,omitempty"`
	LastRefreshError string                    `json:"last_refresh_error,omitempty"`
}

// NewServer creates the HTTP server
func NewServer(config ServerConfig, exporter *Exporter, components Components, logger *zap.Logger) *Server {
	config = config.WithDefaults()
	return &Server{
		config:         config,
		exporter:       exporter,
		components:     components,
		logger:         logger,
		startTime:      time.Now(),
		metricsLimiter: rate.NewLimiter(100, 200),
		apiLimiter:     rate.NewLimiter(rate.Limit(config.API.MaxRequests), config.API.MaxRequests*2),
	}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Handle(s.config.MetricsPath,
		s.rateLimitMiddleware(s.metricsLimiter)(s.authMiddleware(s.exporter.Handler()))).
		Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)

	if s.config.API.Enabled {
		api := router.PathPrefix("/api/v1").Subrouter()
		api.Use(s.loggingMiddleware, s.rateLimitMiddleware(s.apiLimiter), s.authMiddleware)
		api.HandleFunc("/targets", s.handleTargets).Methods(http.MethodGet)
		api.HandleFunc("/targets/{id}", s.handleTarget).Methods(http.MethodGet)
		api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	}

	return router
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.config.BindAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("Starting HTTP server",
		zap.String("bind_address", s.config.BindAddress),
		zap.String("metrics_path", s.config.MetricsPath),
		zap.Bool("api", s.config.API.Enabled),
		zap.Bool("tls", s.config.TLS.Enabled))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLS.Enabled {
			err = server.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Server shutdown failed", zap.Error(err))
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<html>
<head><title>Queue Autoscaler</title></head>
<body>
<h1>Queue Autoscaler</h1>
<p><a href="%s">Metrics</a></p>
<p><a href="/health">Health</a></p>
</body>
</html>`, s.config.MetricsPath)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	result := types.Healthy("")
	if s.components.Health != nil {
		result = s.components.Health.Health(r.Context())
	}

	response := HealthResponse{
		Status:    string(result.State),
		Message:   result.Message,
		Version:   s.components.Version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.components.Mode != nil {
		response.Mode = s.components.Mode()
	}

	status := http.StatusOK
	if !result.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, response)
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	if s.components.Status == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}

	targets := s.components.Status.Targets()
	response := TargetsResponse{
		Targets: targets,
		Count:   len(targets),
	}
	if report, ok := s.components.Status.LastRefresh(); ok {
		response.LastRefresh = &report
		if report.Err != nil {
			response.LastRefreshError = report.Err.Error()
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	if s.components.Status == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}

	id := mux.Vars(r)["id"]
	status, ok := s.components.Status.Target(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("target %q not found", id))
		return
	}

	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.components.Events == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event storage not available")
		return
	}

	filter, err := parseEventFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.components.Events.GetEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to retrieve events", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve events")
		return
	}
	if events == nil {
		events = []telemetry.Event{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func parseEventFilter(r *http.Request) (telemetry.EventFilter, error) {
	query := r.URL.Query()
	filter := telemetry.EventFilter{
		Target:   query.Get("target"),
		Type:     telemetry.EventType(query.Get("type")),
		Severity: telemetry.EventSeverity(query.Get("severity")),
		Limit:    DefaultEventLimit,
	}

	if v := query.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid start_time, use RFC3339")
		}
		filter.StartTime = t
	}
	if v := query.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid end_time, use RFC3339")
		}
		filter.EndTime = t
	}
	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > MaxEventLimit {
			return filter, fmt.Errorf("limit must be between 1 and %d", MaxEventLimit)
		}
		filter.Limit = limit
	}

	return filter, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}
