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

package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"gateway/modules/api/serde"
	"gateway/modules/blocklist"
	"gateway/modules/middleware"
	"gateway/modules/middleware/problem"
	rl "gateway/modules/ratelimit"
)

type (
	policyTable struct {
		Default rl.Policy            `json:"default"`
		Custom  map[rl.Key]rl.Policy `json:"custom"`
	}

	blockRequest struct {
		Address         string `json:"address"`
		DurationSeconds int64  `json:"duration_seconds"`
	}
)

func (s *Service) healthz(w http.ResponseWriter, _ *http.Request) {
	serde.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) listPolicies(w http.ResponseWriter, _ *http.Request) {
	serde.WriteJSON(w, http.StatusOK, policyTable{
		Default: s.Policies.Default(),
		Custom:  s.Policies.Snapshot(),
	})
}

func (s *Service) setDefaultPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := decode[rl.Policy](w, r)
	if !ok {
		return
	}
	if err := s.Policies.SetDefault(p); err != nil {
		s.fail(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "default rate limit policy replaced",
		slog.String("algorithm", string(p.Algorithm.Normalize())),
	)
	serde.WriteJSON(w, http.StatusOK, p)
}

func (s *Service) setPolicy(w http.ResponseWriter, r *http.Request) {
	key := rl.Key(r.PathValue("key"))
	p, ok := decode[rl.Policy](w, r)
	if !ok {
		return
	}
	if err := s.Policies.Set(r.Context(), key, p); err != nil {
		s.fail(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "rate limit policy set",
		slog.String("key", string(key)),
		slog.String("algorithm", string(p.Algorithm.Normalize())),
	)
	serde.WriteJSON(w, http.StatusOK, p)
}

func (s *Service) deletePolicy(w http.ResponseWriter, r *http.Request) {
	key := rl.Key(r.PathValue("key"))
	removed, err := s.Policies.Delete(r.Context(), key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !removed {
		notFound(w, r, "no custom policy for "+string(key))
		return
	}
	slog.InfoContext(r.Context(), "rate limit policy removed", slog.String("key", string(key)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) listBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.Blocks.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	serde.WriteJSON(w, http.StatusOK, blocks)
}

func (s *Service) block(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[blockRequest](w, r)
	if !ok {
		return
	}
	b, err := s.Blocks.Block(r.Context(), req.Address, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "address blocked",
		slog.String("address", b.Address),
		slog.Time("blocked_until", b.BlockedUntil),
		slog.String("reason", "admin"),
	)
	serde.WriteJSON(w, http.StatusCreated, b)
}

func (s *Service) unblock(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	removed, err := s.Blocks.Unblock(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !removed {
		notFound(w, r, "address is not blocked")
		return
	}
	slog.InfoContext(r.Context(), "address unblocked", slog.String("address", addr))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) listBreakers(w http.ResponseWriter, _ *http.Request) {
	serde.WriteJSON(w, http.StatusOK, s.Breakers.Snapshot())
}

func (s *Service) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	b, ok := s.Breakers.Lookup(name)
	if !ok {
		notFound(w, r, "no breaker named "+name)
		return
	}
	b.Reset()
	slog.InfoContext(r.Context(), "circuit breaker reset", slog.String("target", name))
	serde.WriteJSON(w, http.StatusOK, b.Stats())
}

func decode[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	v, err := serde.ParseJSONRequest[T](w, r)
	if err != nil {
		problem.Write(w, problem.BadRequest("malformed JSON body",
			problem.WithTraceID(middleware.RequestIDFrom(r.Context())),
		))
		return v, false
	}
	return v, true
}

// fail maps domain validation errors to 422; anything else is a store
// failure and stays opaque.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	traceID := middleware.RequestIDFrom(r.Context())
	switch {
	case errors.Is(err, rl.ErrInvalidPolicy), errors.Is(err, blocklist.ErrInvalidBlock):
		problem.Write(w, problem.UnprocessableEntity(err.Error(), problem.WithTraceID(traceID)))
	default:
		slog.ErrorContext(r.Context(), "admin operation failed",
			slog.Any("error", err),
			slog.String("path", r.URL.Path),
		)
		problem.Write(w, problem.Internal("internal error", problem.WithTraceID(traceID)))
	}
}

func notFound(w http.ResponseWriter, r *http.Request, detail string) {
	problem.Write(w, problem.NotFound(detail,
		problem.WithTraceID(middleware.RequestIDFrom(r.Context())),
	))
}
