package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"gateway/modules/middleware/problem"
)

// StaticToken rejects requests whose header does not carry token. Paths in
// open bypass the check (health probes). An empty token refuses everything.
func StaticToken(header, token string, open ...string) func(http.Handler) http.Handler {
	bypass := make(map[string]struct{}, len(open))
	for _, p := range open {
		bypass[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := bypass[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get(header)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.WarnContext(r.Context(), "rejected unauthenticated request",
					slog.String("path", r.URL.Path),
					slog.Bool("header_present", got != ""),
				)
				problem.Write(w, problem.Unauthorized("missing or invalid "+header,
					problem.WithTraceID(RequestIDFrom(r.Context())),
				))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
