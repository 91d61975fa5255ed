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

package breaker

import (
	"net/http"

	"github.com/gravitational/trace"
)

// RoundTripper wraps an http.RoundTripper with a named circuit. Transport
// errors and 5xx responses count as failures; any response below 500 means
// the collaborator is up and counts as a success.
type RoundTripper struct {
	resource string
	tripper  http.RoundTripper
	cb       *CircuitBreaker
}

// NewRoundTripper returns a RoundTripper gated on the resource's circuit.
func NewRoundTripper(cb *CircuitBreaker, resource string, tripper http.RoundTripper) *RoundTripper {
	if tripper == nil {
		tripper = http.DefaultTransport
	}
	return &RoundTripper{
		resource: resource,
		tripper:  tripper,
		cb:       cb,
	}
}

// RoundTrip forwards the request on to the wrapped http.RoundTripper if the
// circuit allows it.
func (t *RoundTripper) RoundTrip(request *http.Request) (*http.Response, error) {
	ctx := request.Context()
	if !t.cb.Allow(ctx, t.resource) {
		return nil, trace.ConnectionProblem(nil, "circuit breaker is open for %v", t.resource)
	}
	resp, err := t.tripper.RoundTrip(request)
	if err != nil {
		t.cb.RecordFailure(ctx, t.resource)
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		t.cb.RecordFailure(ctx, t.resource)
	} else {
		t.cb.RecordSuccess(ctx, t.resource)
	}
	return resp, nil
}
