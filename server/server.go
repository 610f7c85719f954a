// Package server exposes the operational HTTP surface: liveness and
// Prometheus metrics. Chat traffic never flows through here.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/personabot/internal/profile"
	"github.com/hrygo/personabot/metrics"
)

// Server wraps the echo instance serving the ops endpoints.
type Server struct {
	echo    *echo.Echo
	profile *profile.Profile
}

// NewServer builds the ops server and registers its routes.
func NewServer(prof *profile.Profile, exporter *metrics.Exporter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(exporter.Handler()))

	return &Server{
		echo:    e,
		profile: prof,
	}
}

// Start serves until the listener fails. http.ErrServerClosed is the normal
// shutdown result and is not returned as an error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests with a short deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
