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

// Package server is the HTTP adaptor: the mTLS listener, the ETSI route
// table, the authn boundary, and the translation of error kinds into
// status codes. No business rules live here.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordigilh/kme/pkg/kme/config"
	"github.com/jordigilh/kme/pkg/kme/dlq"
	"github.com/jordigilh/kme/pkg/kme/metrics"
	"github.com/jordigilh/kme/pkg/kme/pipeline"
	"github.com/jordigilh/kme/pkg/kme/storage"
)

// Server owns the two listeners (API over mTLS, metrics over plain HTTP)
// and the graceful shutdown sequence.
type Server struct {
	cfg      config.ServerConfig
	logger   logr.Logger
	api      *http.Server
	metrics  *http.Server
	reloader *certReloader
	dlq      *dlq.Client
	dlqDrain dlq.Handler

	// ready gates /readyz; flipped off first during shutdown so load
	// balancers stop routing before in-flight requests drain.
	ready atomic.Bool
}

// Options carries the server's collaborators.
type Options struct {
	Config   config.ServerConfig
	Service  *pipeline.Service
	SAEs     *storage.SAEStore
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	DLQ      *dlq.Client
	DLQDrain dlq.Handler
	Logger   logr.Logger
}

// New assembles the router, TLS configuration, and listeners.
func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("pipeline service is required")
	}
	if opts.SAEs == nil {
		return nil, fmt.Errorf("SAE store is required")
	}
	log := opts.Logger.WithName("server")

	reloader, err := newCertReloader(opts.Config.TLS.CertFile, opts.Config.TLS.KeyFile, log)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := buildTLSConfig(reloader, opts.Config.TLS.ClientCAFile)
	if err != nil {
		return nil, err
	}
	apiRouter, err := newOpenAPIRouter()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      opts.Config,
		logger:   log,
		reloader: reloader,
		dlq:      opts.DLQ,
		dlqDrain: opts.DLQDrain,
	}

	h := &handlers{svc: opts.Service}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(requestLogger(log))
	r.Use(recoverer(log))
	if opts.Config.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.Config.RequestTimeout))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/livez", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/api/v1/keys", func(r chi.Router) {
		r.Use(authenticate(opts.SAEs, log))
		r.Use(validateRequests(apiRouter))

		r.With(instrument(opts.Metrics, "status")).
			Get("/{slave_SAE_ID}/status", h.getStatus)
		r.With(instrument(opts.Metrics, "enc_keys")).
			Post("/{slave_SAE_ID}/enc_keys", h.getKeys)
		r.With(instrument(opts.Metrics, "enc_keys")).
			Get("/{slave_SAE_ID}/enc_keys", h.getKeysQuery)
		r.With(instrument(opts.Metrics, "dec_keys")).
			Post("/{master_SAE_ID}/dec_keys", h.getKeysByIDs)
		r.With(instrument(opts.Metrics, "dec_keys")).
			Get("/{master_SAE_ID}/dec_keys", h.getKeyByIDQuery)
	})

	s.api = &http.Server{
		Addr:              opts.Config.ListenAddr,
		Handler:           r,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if opts.Config.MetricsAddr != "" && opts.Registry != nil {
		mr := chi.NewRouter()
		mr.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
		s.metrics = &http.Server{
			Addr:              opts.Config.MetricsAddr,
			Handler:           mr,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Run serves until ctx is cancelled, then shuts down gracefully. The
// certificate watcher runs alongside the listeners.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 3)

	go func() {
		s.logger.Info("API listener starting", "addr", s.api.Addr)
		// Certificate material comes from GetCertificate; the file
		// arguments stay empty.
		if err := s.api.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("API listener failed: %w", err)
		}
	}()
	if s.metrics != nil {
		go func() {
			s.logger.Info("metrics listener starting", "addr", s.metrics.Addr)
			if err := s.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics listener failed: %w", err)
			}
		}()
	}
	go func() {
		if err := s.reloader.watch(ctx); err != nil && err != context.Canceled {
			s.logger.Error(err, "certificate watcher stopped")
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server ready")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

// shutdown runs the ordered sequence: stop advertising readiness, drain
// in-flight requests, then flush the audit DLQ while the database is
// still reachable.
func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("shutting down", "timeout", s.cfg.ShutdownTimeout.String())

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.api.Shutdown(ctx); err != nil {
		s.logger.Error(err, "API listener shutdown incomplete")
	}
	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			s.logger.Error(err, "metrics listener shutdown incomplete")
		}
	}

	if s.dlq != nil && s.dlqDrain != nil {
		stats, err := s.dlq.Drain(ctx, s.dlqDrain)
		if err != nil {
			s.logger.Error(err, "audit DLQ drain failed")
		} else {
			s.logger.Info("audit DLQ drained",
				"processed", stats.Processed,
				"failed", stats.Failed,
				"timed_out", stats.TimedOut,
			)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
