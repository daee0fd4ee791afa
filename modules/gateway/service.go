package gateway

import (
	"net/http"

	"gateway/modules/server"
)

var _ server.RegistrableService = (*Service)(nil)

// Service mounts the dispatcher as the catch-all handler of a server.
type Service struct {
	dispatcher  *Dispatcher
	middlewares []func(http.Handler) http.Handler
}

func NewService(d *Dispatcher, mw ...func(http.Handler) http.Handler) *Service {
	return &Service{dispatcher: d, middlewares: mw}
}

func (s *Service) Register(mux *http.ServeMux) {
	mux.Handle("/", s.dispatcher)
}

func (s *Service) Middlewares() []func(http.Handler) http.Handler {
	return s.middlewares
}
