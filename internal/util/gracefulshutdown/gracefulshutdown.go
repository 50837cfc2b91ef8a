/*
Copyright 2024 Alexandre Mahdhaoui

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

// Package gracefulshutdown cancels a run on SIGINT or SIGTERM and releases
// what the run acquired before the process exits.
package gracefulshutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultCleanupTimeout bounds the time given to cleanup hooks.
const DefaultCleanupTimeout = 2 * time.Minute

// Hook releases a resource on shutdown.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// GracefulShutdown holds the run context, the goroutines working under it and
// the hooks to run once they are done.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once        sync.Once
	cleanupOnce sync.Once
	cleanupErr  error
	wg          sync.WaitGroup

	mu    sync.Mutex
	hooks []Hook

	cleanupTimeout time.Duration

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// Option configures a GracefulShutdown.
type Option func(*GracefulShutdown)

// WithExit replaces os.Exit.
func WithExit(exitFunc func(int)) Option {
	return func(s *GracefulShutdown) { s.exitFunc = exitFunc }
}

// WithCleanupTimeout bounds the time given to cleanup hooks.
func WithCleanupTimeout(d time.Duration) Option {
	return func(s *GracefulShutdown) { s.cleanupTimeout = d }
}

// WithParent derives the run context from ctx instead of context.Background.
func WithParent(ctx context.Context) Option {
	return func(s *GracefulShutdown) { s.ctx = ctx }
}

// New returns a GracefulShutdown whose context is cancelled by SIGTERM or
// SIGINT. A signal shuts down with exit code 1.
func New(name string, opts ...Option) *GracefulShutdown {
	s := &GracefulShutdown{
		ctx:            context.Background(),
		name:           name,
		cleanupTimeout: DefaultCleanupTimeout,
		exitFunc:       os.Exit,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ctx, s.cancel = signal.NotifyContext(s.ctx, syscall.SIGTERM, os.Interrupt)

	go func() {
		<-s.ctx.Done()
		s.Shutdown(1)
	}()

	return s
}

// Context returns the run context.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// Go runs fn in a goroutine that Shutdown waits for.
func (s *GracefulShutdown) Go(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// OnShutdown registers a cleanup hook. Hooks run in reverse registration
// order, after every goroutine started with Go has returned.
func (s *GracefulShutdown) OnShutdown(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, Hook{Name: name, Fn: fn})
}

// Cleanup cancels the run context, waits for the goroutines started with Go
// and runs the hooks. Hooks run once; every call returns their joined errors.
func (s *GracefulShutdown) Cleanup() error {
	s.cleanupOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		s.mu.Lock()
		hooks := s.hooks
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cleanupTimeout)
		defer cancel()

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			if err := h.Fn(ctx); err != nil {
				slog.Error("cleanup hook failed", "hook", h.Name, "error", err.Error())
				errs = append(errs, errors.Join(fmt.Errorf("hook=%s", h.Name), err))
			}
		}
		s.cleanupErr = errors.Join(errs...)
	})
	return s.cleanupErr
}

// Shutdown cleans up and exits with exitCode. Only the first call has any
// effect; concurrent callers block until it returns.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.Info(fmt.Sprintf("⌛ gracefully shutting down %s", s.name))

		if err := s.Cleanup(); err != nil && exitCode == 0 {
			exitCode = 1
		}
		s.exitFunc(exitCode)
	})
}
