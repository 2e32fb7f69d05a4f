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

package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jordigilh/kme/pkg/kme/authz"
	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
	"github.com/jordigilh/kme/pkg/kme/metrics"
	"github.com/jordigilh/kme/pkg/kme/storage"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	identityKey
)

// requestIDFrom returns the request correlation id, or uuid.Nil outside
// the middleware chain.
func requestIDFrom(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(requestIDKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// identityFrom returns the authenticated SAE identity. Handlers behind
// the authn middleware may assume it is present.
func identityFrom(ctx context.Context) (authz.Identity, bool) {
	id, ok := ctx.Value(identityKey).(authz.Identity)
	return id, ok
}

// requestID assigns every request a UUID correlation id, honouring a
// well-formed inbound X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get("X-Request-ID"))
		if err != nil {
			id = uuid.New()
		}
		w.Header().Set("X-Request-ID", id.String())
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// requestLogger logs one line per request with latency and status.
func requestLogger(logger logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"request_id", requestIDFrom(r.Context()).String(),
			)
		})
	}
}

// recoverer converts a handler panic into a 503 envelope instead of a
// dropped connection. The panic value is logged, never returned.
func recoverer(logger logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error(fmt.Errorf("panic: %v", rec), "handler panicked",
						"path", r.URL.Path,
						"request_id", requestIDFrom(r.Context()).String(),
					)
					writeError(w, r, kmeerrors.New(kmeerrors.KindServiceUnavailable, "internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// instrument records request counters and latency per operation.
func instrument(m *metrics.Metrics, operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			outcome := "success"
			if ww.Status() >= 400 {
				outcome = "error"
			}
			m.RequestsTotal.WithLabelValues(operation, outcome).Inc()
			m.RequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		})
	}
}

// authenticate is the authn boundary: the TLS layer has already verified
// the chain against the client CA; this middleware binds the certificate
// to a registered, active SAE and pins its fingerprint.
func authenticate(saes *storage.SAEStore, logger logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				writeError(w, r, kmeerrors.New(kmeerrors.KindAuthenticationFailed, "client certificate required"))
				return
			}

			identity, err := authz.IdentityFromCertificate(r.TLS.PeerCertificates[0])
			if err != nil {
				writeError(w, r, err)
				return
			}

			rec, err := saes.GetByID(r.Context(), identity.SAEID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if subtle.ConstantTimeCompare([]byte(rec.CertificateFingerprint), []byte(identity.Fingerprint)) != 1 {
				logger.Info("certificate fingerprint mismatch", "sae_id", identity.SAEID)
				writeError(w, r, kmeerrors.New(kmeerrors.KindAuthenticationFailed, "certificate not accepted"))
				return
			}
			if rec.Status != authz.SAEActive {
				writeError(w, r, kmeerrors.New(kmeerrors.KindUnauthorized,
					fmt.Sprintf("SAE %s is %s", identity.SAEID, rec.Status)))
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
