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

// Package admin exposes the operator API: rate limit policies, the IP block
// list and circuit breakers. It listens apart from the gateway traffic.
package admin

import (
	"errors"
	"net/http"

	"gateway/modules/blocklist"
	"gateway/modules/breaker"
	"gateway/modules/middleware"
	rl "gateway/modules/ratelimit"
	"gateway/modules/server"

	"github.com/getkin/kin-openapi/openapi3"
)

const TokenHeader = "X-Admin-Token"

var _ server.RegistrableService = (*Service)(nil)

type (
	Dependencies struct {
		Policies *rl.PolicyTable
		Blocks   blocklist.Registry
		Breakers *breaker.Registry
	}

	// Service implements the admin API described by oapi.AdminSpec.
	Service struct {
		Dependencies

		token string
		spec  *openapi3.T

		// applied per route, after the mux has set r.Pattern
		routeMiddlewares []func(http.Handler) http.Handler
	}

	Option func(*Service)
)

// WithValidation validates every request against spec before it reaches a handler.
func WithValidation(spec *openapi3.T) Option {
	return func(s *Service) {
		s.spec = spec
	}
}

// WithRouteMiddlewares wraps each registered route. Middlewares that look at
// the matched pattern, like the rate limiter, belong here.
func WithRouteMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Service) {
		s.routeMiddlewares = append(s.routeMiddlewares, mw...)
	}
}

// NewService requires a non-empty token; an admin API without one would be
// open to anyone who can reach the port.
func NewService(deps Dependencies, token string, opts ...Option) (*Service, error) {
	switch {
	case deps.Policies == nil:
		return nil, errors.New("admin: policy table is required")
	case deps.Blocks == nil:
		return nil, errors.New("admin: block registry is required")
	case deps.Breakers == nil:
		return nil, errors.New("admin: breaker registry is required")
	case token == "":
		return nil, errors.New("admin: token is required")
	}

	s := &Service{Dependencies: deps, token: token}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Register(mux *http.ServeMux) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"GET /healthz", s.healthz},
		{"GET /admin/policies", s.listPolicies},
		{"PUT /admin/policies/default", s.setDefaultPolicy},
		{"PUT /admin/policies/{key}", s.setPolicy},
		{"DELETE /admin/policies/{key}", s.deletePolicy},
		{"GET /admin/blocks", s.listBlocks},
		{"POST /admin/blocks", s.block},
		{"DELETE /admin/blocks/{address}", s.unblock},
		{"GET /admin/breakers", s.listBreakers},
		{"POST /admin/breakers/{name}/reset", s.resetBreaker},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, server.Chain(rt.handler, s.routeMiddlewares...))
	}
}

// Middlewares authenticates before validating, so unauthenticated callers
// learn nothing about the request schema.
func (s *Service) Middlewares() []func(http.Handler) http.Handler {
	mw := []func(http.Handler) http.Handler{
		middleware.StaticToken(TokenHeader, s.token, "/healthz"),
	}
	if s.spec != nil {
		mw = append(mw, middleware.OpenAPIValidation(s.spec))
	}
	return mw
}
