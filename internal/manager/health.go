package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusSource is what the health server reports on.
type StatusSource interface {
	Ping(ctx context.Context) error
	State() string
}

// HealthServer serves /healthz and /metrics.
type HealthServer struct {
	source   StatusSource
	gatherer prometheus.Gatherer
	addr     string
	logger   *zap.Logger
	server   *http.Server
}

// NewHealthServer creates a health server listening on addr.
// A nil gatherer disables /metrics.
func NewHealthServer(source StatusSource, gatherer prometheus.Gatherer, addr string, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthServer{
		source:   source,
		gatherer: gatherer,
		addr:     addr,
		logger:   logger.Named("health"),
	}
}

// Handler returns the HTTP handler of the server.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start starts the server in the background.
func (h *HealthServer) Start() error {
	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("Health server error", zap.Error(err))
		}
	}()

	h.logger.Info("Health server listening", zap.String("addr", h.addr))
	return nil
}

// Shutdown gracefully shuts down the server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz.
// Returns 200 OK if the message channel answers, 503 Service Unavailable otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status: "healthy",
		Queue:  "connected",
		State:  h.source.State(),
	}
	code := http.StatusOK

	if err := h.source.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Queue = "disconnected"
		response.Error = err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}

// HealthResponse is the JSON body of /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Queue  string `json:"queue,omitempty"`
	State  string `json:"state,omitempty"`
	Error  string `json:"error,omitempty"`
}
