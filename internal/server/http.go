package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiomesh/fabric/internal/config"
	"github.com/audiomesh/fabric/internal/metrics"
	"github.com/audiomesh/fabric/internal/registry"
	"github.com/audiomesh/fabric/internal/routing"
)

// HTTPServer is the diagnostics-only read surface: health, stats, config
// and Prometheus metrics. It performs no routing mutation; all mutation
// flows through the control-plane websocket.
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	registry *registry.Registry
	routing  *routing.Engine
	udp      *UDPServer
	metrics  *metrics.Metrics

	startTime time.Time
	mu        sync.RWMutex
}

// HTTPServerConfig is the diagnostics HTTP listener's own bind settings.
type HTTPServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// NewHTTPServer creates the diagnostics HTTP server.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger,
	appConfig *config.Config, reg *registry.Registry, routingEngine *routing.Engine, udp *UDPServer, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		registry:  reg,
		routing:   routingEngine,
		udp:       udp,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/endpoints", h.withMetrics("/endpoints", h.handleEndpoints))
	mux.HandleFunc("/routes", h.withMetrics("/routes", h.handleRoutes))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	mux.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(start).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start launches the diagnostics listener.
func (h *HTTPServer) Start() error {
	h.logger.Info("starting diagnostics HTTP server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("diagnostics HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the diagnostics listener.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("stopping diagnostics HTTP server...")
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	udpStats := h.udp.GetStatistics()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "audiomesh-fabric",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"datagram_server": map[string]interface{}{
				"status":           "running",
				"packets_received": udpStats.PacketsReceived,
				"packets_routed":   udpStats.PacketsRouted,
				"packets_dropped":  udpStats.PacketsDropped,
				"queue_size":       udpStats.QueueSize,
			},
			"registry": map[string]interface{}{
				"status": "running",
				"count":  h.registry.Count(),
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleEndpoints implements the /endpoints read-only snapshot.
func (h *HTTPServer) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snaps := h.registry.List()

	response := map[string]interface{}{
		"total_endpoints": len(snaps),
		"timestamp":       time.Now().UTC(),
		"endpoints":       snaps,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleRoutes implements the /routes read-only routing matrix.
func (h *HTTPServer) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	matrix := h.routing.RoutingMatrix()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(matrix)
}

func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitized := map[string]interface{}{
		"udp": map[string]interface{}{
			"server_port":       h.config.UDP.ServerPort,
			"device_port_start": h.config.UDP.DevicePortStart,
			"max_packet_size":   h.config.UDP.MaxPacketSize,
		},
		"audio": map[string]interface{}{
			"sample_rate":    h.config.Audio.SampleRate,
			"frame_duration": h.config.Audio.FrameDuration,
			"channels":       h.config.Audio.Channels,
			"opus_bitrate":   h.config.Audio.OpusBitrate,
		},
		"device": map[string]interface{}{
			"max_devices":        h.config.Device.MaxDevices,
			"timeout_seconds":    h.config.Device.TimeoutSeconds,
			"heartbeat_interval": h.config.Device.HeartbeatInterval,
			"gc_seconds":         h.config.Device.GCSeconds,
		},
		"routing": map[string]interface{}{
			"default_mode":  h.config.Routing.DefaultMode,
			"max_group_size": h.config.Routing.MaxGroupSize,
		},
		"websocket": map[string]interface{}{
			"port":          h.config.WebSocket.Port,
			"ping_interval": h.config.WebSocket.PingInterval,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitized)
}

func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	udpStats := h.udp.GetStatistics()
	pacerStats := h.udp.Pacer().Stats()
	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"datagram": map[string]interface{}{
			"packets_received": udpStats.PacketsReceived,
			"packets_routed":   udpStats.PacketsRouted,
			"packets_dropped":  udpStats.PacketsDropped,
			"queue_size":       udpStats.QueueSize,
			"queue_capacity":   udpStats.QueueCapacity,
		},
		"pacer": pacerStats,
		"registry": map[string]interface{}{
			"endpoint_count": h.registry.Count(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "audiomesh fabric",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":          "API documentation",
			"GET /health":    "Service health check",
			"GET /endpoints": "Endpoint registry snapshot",
			"GET /routes":    "Routing matrix snapshot",
			"GET /config":    "Sanitized configuration",
			"GET /stats":     "Datagram server and pacer statistics",
			"GET /metrics":   "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
