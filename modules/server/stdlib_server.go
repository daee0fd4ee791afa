// Copyright 2025 Nhat-Nguyen Nguyen
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

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

const MAX_TCP_PORT = 1<<16 - 1 // A TCP header uses a 16-bit field for port numbers

type (
	// RegistrableService mounts its routes on the server mux and may ask for
	// middlewares wrapping the whole mux.
	RegistrableService interface {
		Register(mux *http.ServeMux)
		Middlewares() []func(http.Handler) http.Handler
	}

	Config struct {
		Host            string        `env:"HOST" envDefault:"0.0.0.0"`
		Port            int           `env:"PORT"`
		ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
		WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	}

	Server struct {
		name   string
		server *http.Server
		mux    *http.ServeMux
		host   string
		port   uint16

		shutdownTimeout time.Duration

		// global middleware chain applied around the mux
		middlewares []func(http.Handler) http.Handler

		// registrable services that mount routes and provide their own middlewares
		services []RegistrableService
	}

	ServerOptions func(*Server)
)

func WithWriteTimeout(t time.Duration) ServerOptions {
	return func(s *Server) {
		if t != 0 {
			s.server.WriteTimeout = t
		} else {
			s.server.WriteTimeout = 10 * time.Second
		}
	}
}

func WithReadTimeout(t time.Duration) ServerOptions {
	return func(s *Server) {
		if t != 0 {
			s.server.ReadTimeout = t
		} else {
			s.server.ReadTimeout = 10 * time.Second
		}
	}
}

func WithIdleTimeout(t time.Duration) ServerOptions {
	return func(s *Server) {
		s.server.IdleTimeout = t
	}
}

func WithShutdownTimeout(t time.Duration) ServerOptions {
	return func(s *Server) {
		if t > 0 {
			s.shutdownTimeout = t
		}
	}
}

// WithName labels log lines, for processes running several servers.
func WithName(name string) ServerOptions {
	return func(s *Server) {
		s.name = name
	}
}

// WithConfig applies every timeout of cfg.
func WithConfig(cfg Config) ServerOptions {
	return func(s *Server) {
		WithReadTimeout(cfg.ReadTimeout)(s)
		WithWriteTimeout(cfg.WriteTimeout)(s)
		WithIdleTimeout(cfg.IdleTimeout)(s)
		WithShutdownTimeout(cfg.ShutdownTimeout)(s)
	}
}

// WithServices registers a collection of self-contained, registrable services.
func WithServices(svcs ...RegistrableService) ServerOptions {
	return func(s *Server) {
		if len(svcs) > 0 {
			s.services = append(s.services, svcs...)
		}
	}
}

// WithGlobalMiddlewares registers global middlewares wrapping the entire server mux.
// The middlewares are applied in the order provided.
func WithGlobalMiddlewares(mw ...func(http.Handler) http.Handler) ServerOptions {
	return func(s *Server) {
		if len(mw) == 0 {
			return
		}
		s.middlewares = append(s.middlewares, mw...)
	}
}

// Example usage:
//
//	server, _ := New("0.0.0.0", 8080, WithWriteTimeout(10*time.Second))
func New(host string, port int, opts ...ServerOptions) (*Server, error) {
	if len(host) == 0 {
		// binding to 0.0.0.0 listens on every interface of the host
		slog.Warn("empty host, binding to all interfaces")
		host = "0.0.0.0"
	}
	if port <= 0 || port > MAX_TCP_PORT {
		return nil, fmt.Errorf("bad port %d", port)
	}
	s := &Server{
		name:            "http",
		host:            host,
		port:            uint16(port),
		shutdownTimeout: 10 * time.Second,
	}

	s.server = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Allocate a base mux before applying options so options can register routes.
	s.mux = http.NewServeMux()

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	// Register all services and collect their required global middlewares.
	for _, svc := range s.services {
		svc.Register(s.mux)
		s.middlewares = append(s.middlewares, svc.Middlewares()...)
		slog.Info("registered service",
			slog.String("server", s.name),
			slog.String("type", fmt.Sprintf("%T", svc)),
		)
	}

	s.server.Handler = Chain(s.mux, s.middlewares...)
	return s, nil
}

// Chain wraps h so that mw[0] is the outermost middleware.
func Chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Handler returns the composed handler chain.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Addr() string {
	return s.server.Addr
}

// Run serves until ctx is cancelled or the listener fails, then shuts down
// gracefully within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "started server",
			slog.String("server", s.name),
			slog.String("host", s.host),
			slog.Int("port", int(s.port)),
		)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.ErrorContext(ctx, "server error", slog.String("server", s.name), slog.Any("error", err))
		return err
	case <-ctx.Done():
	}

	slog.InfoContext(ctx, "shutting down...", slog.String("server", s.name))
	// ctx is already cancelled here
	dCtx, dCancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer dCancel()
	return s.server.Shutdown(dCtx)
}
