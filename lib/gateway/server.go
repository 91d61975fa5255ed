/*
Copyright 2025 Herald Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gateway

import (
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/heraldhq/herald/lib/auth"
	"github.com/heraldhq/herald/lib/httplib"
)

// IdempotencyHeader carries the caller-supplied dedupe key.
const IdempotencyHeader = "X-Idempotency-Key"

// ServerConfig holds the gateway HTTP handler's collaborators.
type ServerConfig struct {
	Gateway *Gateway
}

// CheckAndSetDefaults checks and sets default values.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Gateway == nil {
		return trace.BadParameter("missing parameter Gateway")
	}
	return nil
}

// Server implements the gateway HTTP API.
type Server struct {
	ServerConfig
	httprouter.Router
}

// NewServer returns the gateway HTTP handler.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	srv := &Server{ServerConfig: cfg}
	srv.Router = *httprouter.New()

	srv.POST("/notifications/send", srv.withAuth(srv.send))
	srv.GET("/notifications/status/:id", srv.withAuth(srv.getStatus))

	return srv, nil
}

// authHandler is a handler that requires a validated identity.
type authHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (interface{}, error)

func (s *Server) withAuth(fn authHandler) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		token, err := auth.BearerToken(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		identity, err := s.Gateway.Auth.Validate(r.Context(), token)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, identity)
	})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (interface{}, error) {
	var req SendRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := s.Gateway.Dispatch(r.Context(), identity, r.Header.Get(IdempotencyHeader), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp, nil
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params, identity *auth.Identity) (interface{}, error) {
	record, err := s.Gateway.GetStatus(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}
