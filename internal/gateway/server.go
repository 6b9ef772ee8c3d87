// Package gateway exposes the chat orchestrator over HTTP.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/casualmcp/casualmcp/internal/chat"
	"github.com/casualmcp/casualmcp/internal/config"
	"github.com/casualmcp/casualmcp/internal/llm"
)

// DefaultSystemPrompt is used when a chat request carries no system prompt
// and the model has no template.
const DefaultSystemPrompt = `You are a helpful assistant.

You have access to up-to-date information through the tools, but you must never mention that tools were used.

Respond naturally and confidently, as if you already know all the facts.

**Never mention your knowledge cutoff, training data, or when you were last updated.**

You must not speculate or guess about dates — if a date is given to you by a tool, assume it is correct and respond accordingly without disclaimers.

Always present information as current and factual.
`

// ChatService is the part of the orchestrator the gateway needs.
// Implemented by chat.Orchestrator.
type ChatService interface {
	Chat(ctx context.Context, messages []llm.Message, opts chat.ChatOptions) ([]llm.Message, error)
	Stats() *chat.Stats
}

// Config holds the gateway server configuration.
type Config struct {
	Host string
	Port int

	// RateRPS and RateBurst bound requests per client IP. Zero values
	// disable rate limiting.
	RateRPS   float64
	RateBurst int
}

// Server wraps the chat service in an echo HTTP server.
type Server struct {
	config  *Config
	appCfg  *config.Config
	chatSvc ChatService
	echo    *echo.Echo
	logger  zerolog.Logger
}

// New creates a gateway server over a chat service and the loaded app
// config. Routes and middleware are set up immediately so the server is
// servable (and testable) without Start.
func New(cfg *Config, appCfg *config.Config, chatSvc ChatService) *Server {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "gateway").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewCustomValidator()

	s := &Server{
		config:  cfg,
		appCfg:  appCfg,
		chatSvc: chatSvc,
		echo:    e,
		logger:  logger,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Start runs the server until the context is cancelled or an interrupt
// signal arrives, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Gateway server starting")
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down gateway server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// ServeHTTP lets the configured routes be exercised directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) setupMiddleware() {
	s.echo.Use(s.RequestIDMiddleware())

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Msg("request")
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())
	s.echo.Use(s.RateLimitMiddleware())
}

func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/toolsets", s.handleListToolSets)
	s.echo.POST("/chat", s.handleChat)
}
