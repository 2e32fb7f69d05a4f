/*
Copyright 2025 Jordi Gil.

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

// Package log provides the shared logger constructor used by every KME
// binary. All packages consume logr.Logger; zap is an implementation
// detail confined to this package.
package log

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Development enables console encoding and debug-friendly defaults.
	// Production uses JSON encoding with ISO-8601 timestamps.
	Development bool

	// Level is the minimum enabled level expressed as logr verbosity:
	// 0 = info, 1+ = increasingly verbose debug output.
	Level int

	// ServiceName is attached to every record as the "service" field.
	ServiceName string
}

// NewLogger builds a logr.Logger backed by zap.
func NewLogger(opts Options) logr.Logger {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	// logr verbosity maps onto negative zap levels.
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-opts.Level))

	zl, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Config is built from constants above; Build only fails on
		// invalid output paths. Fall back to a no-op logger rather
		// than panicking before main has a logger to report with.
		return logr.Discard()
	}

	logger := zapr.NewLogger(zl)
	if opts.ServiceName != "" {
		logger = logger.WithValues("service", opts.ServiceName)
	}
	return logger
}

// Sync flushes buffered records. Call via defer in main.
func Sync(logger logr.Logger) {
	if underlier, ok := logger.GetSink().(zapr.Underlier); ok {
		_ = underlier.GetUnderlying().Sync()
	}
}
