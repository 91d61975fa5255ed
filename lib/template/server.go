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

package template

import (
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/heraldhq/herald/lib/httplib"
)

// ServerConfig holds the template service HTTP handler's collaborators.
type ServerConfig struct {
	Resolver *Resolver
	Writer   *Writer
}

// CheckAndSetDefaults checks and sets default values.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Writer == nil {
		return trace.BadParameter("missing parameter Writer")
	}
	return nil
}

// Server implements the template service HTTP API.
type Server struct {
	ServerConfig
	httprouter.Router
}

// NewServer returns the template service HTTP handler.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	srv := &Server{ServerConfig: cfg}
	srv.Router = *httprouter.New()

	srv.GET("/templates", httplib.MakeHandler(srv.listTemplates))
	srv.GET("/templates/:code", httplib.MakeHandler(srv.getTemplate))
	srv.POST("/templates", httplib.MakeHandler(srv.createTemplate))
	srv.PUT("/templates/:code", httplib.MakeHandler(srv.updateTemplate))
	srv.DELETE("/templates/:code", httplib.MakeHandler(srv.deleteTemplate))

	return srv, nil
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	code := p.ByName("code")
	language := r.URL.Query().Get("lang")
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return nil, trace.BadParameter("invalid version %q", v)
		}
		version = parsed
	}
	tpl, err := s.Resolver.Resolve(r.Context(), code, language, version)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tpl, nil
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	limit, _ := strconv.Atoi(query.Get("limit"))
	templates, total, err := s.Writer.List(r.Context(), page, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"templates": templates,
		"total":     total,
	}, nil
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req CreateRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	tpl, err := s.Writer.Create(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tpl, nil
}

func (s *Server) updateTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req UpdateRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	tpl, err := s.Writer.Update(r.Context(), p.ByName("code"), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tpl, nil
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	err := s.Writer.Delete(r.Context(), p.ByName("code"), r.URL.Query().Get("lang"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]bool{"deleted": true}, nil
}
