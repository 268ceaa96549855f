package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/audiomesh/fabric/internal/bridge"
	"github.com/audiomesh/fabric/internal/config"
	"github.com/audiomesh/fabric/internal/controlplane"
	"github.com/audiomesh/fabric/internal/metrics"
	"github.com/audiomesh/fabric/internal/registry"
	"github.com/audiomesh/fabric/internal/routing"
	"github.com/audiomesh/fabric/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "audio-fabric"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := pflag.String("config", defaultConfigPath, "path to configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("configuration loaded",
		slog.Int("udp_port", cfg.UDP.ServerPort),
		slog.Int("max_packet_size", cfg.UDP.MaxPacketSize),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("frame_duration_ms", cfg.Audio.FrameDuration),
		slog.String("routing_default_mode", cfg.Routing.DefaultMode),
		slog.Int("websocket_port", cfg.WebSocket.Port),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.New()
	logger.Info("prometheus metrics initialized")

	reg := registry.New(logger, registry.Config{
		Timeout:       cfg.Device.TimeoutValue(),
		GC:            cfg.Device.GCValue(),
		FrameDuration: cfg.Audio.FrameDurationValue(),
		MaxDevices:    cfg.Device.MaxDevices,
	}, appMetrics)
	reg.Start()
	logger.Info("endpoint registry initialized",
		slog.Duration("timeout", cfg.Device.TimeoutValue()),
		slog.Duration("gc", cfg.Device.GCValue()),
	)

	routingEngine := routing.New(reg, cfg.Routing.MaxGroupSize)
	if cfg.Routing.DefaultMode != "" && cfg.Routing.DefaultMode != "none" {
		logger.Info("routing default mode configured (label only, not applied to the engine)",
			slog.String("mode", cfg.Routing.DefaultMode),
		)
	}

	udpServer := server.New(cfg.UDP, logger, reg, routingEngine, appMetrics)
	logger.Info("datagram server initialized")

	cpServer := controlplane.New(cfg.WebSocket, cfg.Audio, logger, reg, routingEngine, udpServer, appMetrics)
	logger.Info("control-plane server initialized")

	audioBridge := bridge.New(logger, reg, routingEngine, udpServer, appMetrics)
	logger.Info("bridge server initialized")

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpConfig := server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
			Enabled: cfg.HTTP.Enabled,
		}
		httpServer = server.NewHTTPServer(httpConfig, logger, cfg, reg, routingEngine, udpServer, appMetrics)
		logger.Info("diagnostics http server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/control", cpServer.HandleWS)
	mux.HandleFunc("/ws/bridge", audioBridge.HandleWS)
	wsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebSocket.Port),
		Handler: mux,
	}

	if err := udpServer.Start(); err != nil {
		logger.Error("failed to start datagram server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	cpServer.Start()
	audioBridge.Start()

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("failed to start diagnostics http server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	go func() {
		logger.Info("websocket listener starting", slog.Int("port", cfg.WebSocket.Port))
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("websocket listener failed", slog.String("error", err.Error()))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("service started successfully, waiting for signals...",
		slog.Int("udp_port", cfg.UDP.ServerPort),
		slog.Int("websocket_port", cfg.WebSocket.Port),
	)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error stopping websocket listener", slog.String("error", err.Error()))
	}

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("error stopping diagnostics http server", slog.String("error", err.Error()))
		}
	}

	audioBridge.Stop()
	cpServer.Stop()

	if err := udpServer.Stop(); err != nil {
		logger.Error("error stopping datagram server", slog.String("error", err.Error()))
	}

	reg.Stop()

	stats := udpServer.GetStatistics()
	logger.Info("final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_routed", stats.PacketsRouted),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
	)

	logger.Info("service stopped")
}

// initLogger creates the structured logger for the level, format and
// output destination named in configuration.
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
