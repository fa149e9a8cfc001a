// Package admin serves the gateway's HTTP admin surface: health, metrics
// and the list of attached sessions.
package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dalnet/imgate/internal/metrics"
	"github.com/dalnet/imgate/internal/poll"
	"github.com/dalnet/imgate/internal/storage"
)

// Server is the admin HTTP server.
type Server struct {
	echo    *echo.Echo
	poll    poll.Poll
	dataDir string
	log     zerolog.Logger
}

// New builds the admin server over p. dataDir holds the oper audit log.
func New(p poll.Poll, dataDir string, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		poll:    p,
		dataDir: dataDir,
		log:     logger.With().Str("component", "admin").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	s.echo.GET("/sessions", s.handleSessions)
	s.echo.POST("/rehash", s.handleRehash)
	s.echo.GET("/operlog", s.handleOperLog)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("Admin server listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.poll.Sessions())
}

// handleRehash behaves like SIGHUP.
func (s *Server) handleRehash(c echo.Context) error {
	s.log.Info().Str("remote", c.RealIP()).Msg("Rehash requested")
	s.poll.Rehash()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "rehashing"})
}

// handleOperLog lists OPER and REHASH events, newest first.
func (s *Server) handleOperLog(c echo.Context) error {
	entries, err := storage.LoadOperLog(s.dataDir)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read oper log")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read oper log")
	}
	return c.JSON(http.StatusOK, entries)
}
