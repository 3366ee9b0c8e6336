// Package httpserver serves the EventSub webhook route and the operational
// endpoints (health, metrics, version).
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/streamwizard/streamwizard-backend/internal/adapter/metrics"
)

const (
	defaultWebhookRate  = 500
	defaultWebhookBurst = 1000
)

// Config wires the server. Webhook and Metrics may be nil, in which case the
// route is not mounted.
type Config struct {
	Port         string
	Webhook      http.Handler
	Metrics      http.Handler
	HTTPMetrics  *metrics.HTTPMetrics
	HealthChecks []HealthCheck

	// WebhookRate limits webhook requests per client IP (requests/second).
	WebhookRate  float64
	WebhookBurst int
}

type Server struct {
	echo   *echo.Echo
	config Config

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.WebhookRate <= 0 {
		cfg.WebhookRate = defaultWebhookRate
	}
	if cfg.WebhookBurst <= 0 {
		cfg.WebhookBurst = defaultWebhookBurst
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		healthChecks: cfg.HealthChecks,
		startTime:    time.Now(),
	}
	e.HTTPErrorHandler = srv.handleHTTPError

	srv.registerRoutes()
	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks until the server stops. A shutdown is not an error.
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
