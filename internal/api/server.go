// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api is the HTTP management API of the simulator.
//
// Every request maps to one registry operation; the API keeps no state of its
// own. Lifecycle:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rodopg1989/bacnet-simulator/bacnet"
	"github.com/rodopg1989/bacnet-simulator/internal/config"
	"github.com/rodopg1989/bacnet-simulator/internal/registry"
)

const gracefulShutdownTimeout = 10 * time.Second

// DeviceStatus is the BACnet side shown by /device and /metrics.
type DeviceStatus interface {
	DeviceConfig() bacnet.DeviceConfig
	Metrics() *bacnet.Metrics
}

// HealthCheck reports whether an optional component is working.
type HealthCheck func(ctx context.Context) error

// Deps holds what the API server needs.
type Deps struct {
	Config   config.APIConfig
	Logger   *slog.Logger
	Registry *registry.Registry
	BACnet   DeviceStatus // optional
	// Checks are run by /health, keyed by component name.
	Checks  map[string]HealthCheck
	Version string
}

// Server is the management HTTP server.
type Server struct {
	cfg      config.APIConfig
	logger   *slog.Logger
	registry *registry.Registry
	bacnet   DeviceStatus
	checks   map[string]HealthCheck
	version  string
	hub      *Hub
	handler  http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates the server and subscribes its WebSocket hub to registry
// events. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}

	s := &Server{
		cfg:      deps.Config,
		logger:   deps.Logger,
		registry: deps.Registry,
		bacnet:   deps.BACnet,
		checks:   deps.Checks,
		version:  deps.Version,
		hub:      NewHub(deps.Logger),
	}
	s.handler = s.buildRouter()
	s.registry.OnChange(s.hub.PublishEvent)
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("api server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	var hubCtx context.Context
	hubCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(hubCtx)

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	s.logger.Info("API server starting", slog.String("address", ln.Addr().String()))
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", slog.String("error", err.Error()))
		}
	}(s.server)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close waits up to ten seconds for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
