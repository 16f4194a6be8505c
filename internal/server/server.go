// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mia-platform/amux/internal/dispatcher"
	"github.com/mia-platform/amux/internal/logger"
)

const (
	serviceName = "amux"
	loggerName  = "amux:server"
)

var (
	ErrServerListen   = errors.New("server listen error")
	ErrServerShutdown = errors.New("server shutdown error")
)

// Server is the HTTP surface over a running dispatcher.
type Server struct {
	config Config

	app *fiber.App
}

// NewServer builds the fiber application routing tracking and management
// calls to d. A nil gatherer falls back to the default Prometheus registry.
func NewServer(ctx context.Context, d *dispatcher.Dispatcher, gatherer prometheus.Gatherer) (*Server, error) {
	cfg, err := LoadServerConfig()
	if err != nil {
		return nil, err
	}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: cfg.DisableStartupMessage,
		Immutable:             true, // request data may outlive the handler when a backend call is asynchronous
	})
	log := logger.FromContext(ctx)
	app.Use(logger.RequestMiddlewareLogger(log, []string{"/-/"}))

	statusRoutes(app, d, gatherer, serviceName)
	apiRoutes(app, d, log.WithName(loggerName))

	return &Server{
		app:    app,
		config: *cfg,
	}, nil
}

func (s *Server) Start() error {
	if err := s.app.Listen(fmt.Sprintf("%s:%s", s.config.HTTPHost, s.config.HTTPPort)); err != nil {
		return fmt.Errorf("%w: %w", ErrServerListen, err)
	}
	return nil
}

func (s *Server) Stop() error {
	if err := s.app.Shutdown(); err != nil {
		return fmt.Errorf("%w: %w", ErrServerShutdown, err)
	}
	return nil
}

func (s *Server) StartAsync(ctx context.Context) {
	log := logger.FromContext(ctx).WithName(loggerName)
	go func() {
		if err := s.Start(); err != nil {
			log.Error(err.Error())
		}
	}()
}
