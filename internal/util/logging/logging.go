// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging sets up log/slog for the installsuite binaries and bridges
// it to logr for the packages that take a logr.Logger.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
)

var ErrInvalidLevel = errors.New("invalid log level")

// Options configures the logger behavior.
type Options struct {
	// Development switches to the human readable text handler.
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       slog.LevelInfo,
		Output:      os.Stderr,
	}
}

// NewHandler returns the slog handler described by opts.
func NewHandler(opts Options) slog.Handler {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	if opts.Development {
		return slog.NewTextHandler(out, handlerOpts)
	}
	return slog.NewJSONHandler(out, handlerOpts)
}

// Setup installs the handler described by opts as the slog default and
// returns a logr.Logger writing to the same handler.
func Setup(opts Options) logr.Logger {
	handler := NewHandler(opts)
	slog.SetDefault(slog.New(handler))
	return logr.FromSlogHandler(handler)
}

// SetupDefault sets up logging with default options.
func SetupDefault() logr.Logger {
	return Setup(DefaultOptions())
}

// SetupDevelopment sets up text logging at debug level.
func SetupDevelopment() logr.Logger {
	opts := DefaultOptions()
	opts.Development = true
	opts.Level = slog.LevelDebug
	return Setup(opts)
}

// ParseLevel parses "debug", "info", "warn" or "error", case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, errors.Join(fmt.Errorf("level=%q", s), ErrInvalidLevel)
	}
	return level, nil
}
