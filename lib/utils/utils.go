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

// Package utils holds shared helpers with no dependencies on other herald
// packages.
package utils

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// DebugOutputEnvVar tells tests to emit verbose log output.
const DebugOutputEnvVar = "HERALD_DEBUG_TESTS"

// InitLoggerForTests silences log output during tests unless the debug
// environment variable is set.
func InitLoggerForTests() {
	if os.Getenv(DebugOutputEnvVar) != "" {
		log.SetLevel(log.DebugLevel)
		log.SetOutput(os.Stderr)
		return
	}
	log.SetLevel(log.WarnLevel)
	log.SetOutput(io.Discard)
}

// InitLogger configures the process-wide logger for service use.
func InitLogger(level log.Level) {
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stderr)
}
