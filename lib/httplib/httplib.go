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

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

// Response is the envelope every endpoint replies with.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

// HandlerFunc specifies an HTTP handler function that returns the response
// payload or an error. The error's trace kind selects the status code.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
// Panics are converted to internal errors so a single bad request cannot
// take the process down.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithField("panic", rec).Error("Handler panicked.")
				ReplyJSON(w, http.StatusInternalServerError, Response{
					Success: false,
					Error:   http.StatusText(http.StatusInternalServerError),
					Message: "internal server error",
				})
			}
		}()
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		ReplyJSON(w, http.StatusOK, Response{Success: true, Data: out})
	}
}

// ReadJSON reads the HTTP request body and unmarshals it into val.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

// ReplyJSON encodes the payload and writes it with the given status code.
func ReplyJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.WithError(err).Warn("Failed to encode response.")
	}
}

// ReplyError writes the error response envelope with the status code
// derived from the error kind.
func ReplyError(w http.ResponseWriter, err error) {
	ReplyJSON(w, ErrorToCode(err), Response{
		Success: false,
		Error:   http.StatusText(ErrorToCode(err)),
		Message: trace.UserMessage(err),
	})
}

// ErrorToCode maps an error kind to its HTTP status code. Access denied
// maps to 401: the only access errors this platform produces are
// authentication failures.
func ErrorToCode(err error) int {
	switch {
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusUnauthorized
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case trace.IsConnectionProblem(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
