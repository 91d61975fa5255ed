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

package health

import (
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/heraldhq/herald/lib/httplib"
)

// ServerConfig holds the health HTTP handler's collaborators.
type ServerConfig struct {
	Aggregator *Aggregator
}

// CheckAndSetDefaults checks and sets default values.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Aggregator == nil {
		return trace.BadParameter("missing parameter Aggregator")
	}
	return nil
}

// Server implements the health HTTP API. A down roll-up answers 503 so
// load balancers stop routing to the instance; degraded still answers 200.
type Server struct {
	ServerConfig
	httprouter.Router
}

// NewServer returns the health HTTP handler.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	srv := &Server{ServerConfig: cfg}
	srv.Router = *httprouter.New()

	srv.GET("/health", srv.health)
	srv.GET("/health/services", srv.services)

	return srv, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	report := s.Aggregator.Report(r.Context())
	httplib.ReplyJSON(w, statusCode(report.Status), httplib.Response{
		Success: report.Status != StatusDown,
		Data:    map[string]interface{}{"status": report.Status},
	})
}

func (s *Server) services(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	report := s.Aggregator.Report(r.Context())
	httplib.ReplyJSON(w, statusCode(report.Status), httplib.Response{
		Success: report.Status != StatusDown,
		Data:    report,
	})
}

func statusCode(s Status) int {
	if s == StatusDown {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
