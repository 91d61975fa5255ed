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

// Package herald holds process-wide constants shared by all services.
package herald

const (
	// Component is the logging field used to tag log entries with the
	// subsystem that produced them.
	Component = "component"

	// ComponentGateway is the HTTP entry point that authenticates requests
	// and fans notifications out to the broker.
	ComponentGateway = "gateway"

	// ComponentAuth is the token issuance and validation service.
	ComponentAuth = "auth"

	// ComponentTemplates is the template catalog service.
	ComponentTemplates = "templates"

	// ComponentWorker is a broker consumer delivering notifications.
	ComponentWorker = "worker"

	// ComponentBreaker is the shared circuit breaker fabric.
	ComponentBreaker = "breaker"

	// ComponentBroker is the message broker client.
	ComponentBroker = "broker"

	// ComponentHealth is the dependency health aggregator.
	ComponentHealth = "health"

	// MetricNamespace is the prefix for all prometheus metrics.
	MetricNamespace = "herald"

	// Version is the herald release version.
	Version = "1.0.0"
)
