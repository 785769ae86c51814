// Package server exposes the session core over net/http: the login endpoints,
// bearer authentication and the public key set.
package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-session-server/internal/config"
	"github.com/jrsteele09/go-session-server/session"
	"github.com/jrsteele09/go-session-server/token"
	"github.com/rs/zerolog/log"
)

type Server struct {
	env    string
	mux    *http.ServeMux
	routes []string
	config config.Config
	core   *session.Core
	signer *token.Signer
}

func New(config config.Config, core *session.Core, signer *token.Signer) (*Server, error) {
	if core == nil {
		return nil, fmt.Errorf("[Server New] session core is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("[Server New] signer is required")
	}

	s := &Server{
		env:    config.GetEnv(),
		mux:    http.NewServeMux(),
		config: config,
		core:   core,
		signer: signer,
	}
	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	paddedMethod := fmt.Sprintf(" %-7s", method)
	color, ok := methodColors[method]
	if !ok {
		color = Gray
	}
	log.Info().Msgf("[%-19s] %s", color+paddedMethod+ResetColor, path)
}
