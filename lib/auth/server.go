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

package auth

import (
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/heraldhq/herald/lib/httplib"
)

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", trace.AccessDenied("missing authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", trace.AccessDenied("invalid authorization header")
	}
	return token, nil
}

// ServerConfig holds the auth HTTP handler's collaborators.
type ServerConfig struct {
	Auth *Auth
}

// CheckAndSetDefaults checks and sets default values.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Auth == nil {
		return trace.BadParameter("missing parameter Auth")
	}
	return nil
}

// Server implements the auth HTTP API.
type Server struct {
	ServerConfig
	httprouter.Router
}

// NewServer returns the auth HTTP handler.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	srv := &Server{ServerConfig: cfg}
	srv.Router = *httprouter.New()

	srv.POST("/auth/register", httplib.MakeHandler(srv.register))
	srv.POST("/auth/login", httplib.MakeHandler(srv.login))
	srv.POST("/auth/refresh", httplib.MakeHandler(srv.refresh))
	srv.POST("/auth/logout", httplib.MakeHandler(srv.logout))
	srv.POST("/auth/validate", httplib.MakeHandler(srv.validate))
	srv.GET("/users/me", httplib.MakeHandler(srv.me))

	return srv, nil
}

func (s *Server) register(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req RegisterRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := s.Auth.Register(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return user, nil
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	pair, err := s.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pair, nil
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	pair, err := s.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pair, nil
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	identity, err := s.authenticate(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.Auth.Logout(r.Context(), identity); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]bool{"success": true}, nil
}

// validate reports token status in the body rather than via the HTTP code
// so callers can distinguish "invalid token" from transport failures.
func (s *Server) validate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req struct {
		Token string `json:"token"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	identity, err := s.Auth.Validate(r.Context(), req.Token)
	if err != nil {
		if trace.IsAccessDenied(err) {
			return map[string]interface{}{
				"valid":  false,
				"reason": err.Error(),
			}, nil
		}
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"valid":      true,
		"user_id":    identity.UserID,
		"email":      identity.Email,
		"expires_at": identity.ExpiresAt,
	}, nil
}

func (s *Server) me(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	identity, err := s.authenticate(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := s.Auth.Users.GetUserByID(r.Context(), identity.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user.PasswordHash = nil
	return user, nil
}

func (s *Server) authenticate(r *http.Request) (*Identity, error) {
	token, err := BearerToken(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	identity, err := s.Auth.Validate(r.Context(), token)
	return identity, trace.Wrap(err)
}
