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

// Package httputil runs HTTP servers under a graceful shutdown.
package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alexandremahdhaoui/installsuite/internal/util/gracefulshutdown"
)

// ShutdownTimeout bounds how long a server may take to drain on shutdown.
const ShutdownTimeout = 30 * time.Second

// Serve runs server until gs shuts down, then drains it. A server that stops
// with an error initiates a shutdown with exit code 1.
func Serve(name string, server *http.Server, gs *gracefulshutdown.GracefulShutdown) {
	log := slog.With("server", name)

	// requests inherit the shutdown context.
	server.BaseContext = func(_ net.Listener) context.Context {
		return gs.Context()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	gs.Go(func(ctx context.Context) {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("❌ server stopped", "error", err)
				// Shutdown waits for this goroutine.
				go gs.Shutdown(1)
			}
			return
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("❌ received error while shutting down server", "error", err)
			return
		}
		log.Info("✅ gracefully shut down server")
	})
}
