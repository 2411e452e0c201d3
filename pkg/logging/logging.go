/*
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

// Package logging configures the process-wide logger and carries it through
// context. Components must not hold loggers in package globals.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a structured logger writing JSON to stderr. Debug enables
// verbosity level 1 and development-friendly encoding of durations.
func NewLogger(debug bool) logr.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	// zap errors only on invalid sink paths, which are hardcoded above
	logger := zap.Must(cfg.Build())
	return zapr.NewLogger(logger)
}

// WithLogger injects the logger into the context.
func WithLogger(ctx context.Context, logger logr.Logger) context.Context {
	return logr.NewContext(ctx, logger)
}

// FromContext retrieves the logger from the context, falling back to a
// discarding logger so callers never need a nil check.
func FromContext(ctx context.Context) logr.Logger {
	return logr.FromContextOrDiscard(ctx)
}

// WithValues returns a context whose logger carries the key/value pairs.
func WithValues(ctx context.Context, keysAndValues ...any) context.Context {
	return logr.NewContext(ctx, FromContext(ctx).WithValues(keysAndValues...))
}
