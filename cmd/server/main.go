package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/api"
	"github.com/tendant/simple-records/pkg/simplerecords/config"
	"github.com/tendant/simple-records/pkg/simplerecords/metrics"
)

func main() {
	_ = godotenv.Load()

	serverConfig, err := config.Load(config.WithEnv())
	if err != nil {
		slog.Error("Failed to load server configuration", "err", err)
		os.Exit(1)
	}
	setupLogging(serverConfig.Environment)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink, err := metrics.New(registry)
	if err != nil {
		slog.Error("Failed to register metrics", "err", err)
		os.Exit(1)
	}

	svc, cleanup, err := serverConfig.BuildService(context.Background(), simplerecords.WithEventSink(sink))
	if err != nil {
		slog.Error("Failed to build service", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	server := NewHTTPServer(svc, serverConfig, registry)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", serverConfig.Port),
		Handler: server.Routes(),
	}

	go func() {
		slog.Info("Simple Records Server starting",
			"port", serverConfig.Port,
			"env", serverConfig.Environment,
			"database", serverConfig.DatabaseType,
			"blob_backend", svc.Backend().Name())

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "err", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "err", err)
	}
	slog.Info("Server exiting")
}

func setupLogging(environment string) {
	var handler slog.Handler
	if environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

// HTTPServer wraps the simple-records service for HTTP access
type HTTPServer struct {
	service  simplerecords.Service
	config   *config.ServerConfig
	registry *prometheus.Registry
}

// NewHTTPServer creates a new HTTP server wrapper
func NewHTTPServer(service simplerecords.Service, serverConfig *config.ServerConfig, registry *prometheus.Registry) *HTTPServer {
	return &HTTPServer{
		service:  service,
		config:   serverConfig,
		registry: registry,
	}
}

// Routes sets up the HTTP routes
func (s *HTTPServer) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Handle("/metrics", metrics.Handler(s.registry))
	}

	// No middleware.Timeout: file downloads stream for as long as they need.
	r.Mount("/", api.Routes(s.service, s.config.HandlerOptions()...))

	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{
		"status":       "healthy",
		"environment":  s.config.Environment,
		"blob_backend": s.service.Backend().Name(),
	})
}
