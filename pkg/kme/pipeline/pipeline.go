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

// Package pipeline composes validation, availability checks, storage, and
// audit into the three ETSI operations. Handlers in the server package
// call into this package and never touch storage directly.
package pipeline

import (
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordigilh/kme/pkg/kme/audit"
	"github.com/jordigilh/kme/pkg/kme/etsi"
	"github.com/jordigilh/kme/pkg/kme/generator"
	"github.com/jordigilh/kme/pkg/kme/metrics"
	"github.com/jordigilh/kme/pkg/kme/pool"
	"github.com/jordigilh/kme/pkg/kme/storage"
)

// Config identifies this KME and sets the lifetime of keys it issues.
type Config struct {
	// SourceKMEID is this KME's identifier, reported in Get Status.
	SourceKMEID string

	// TargetKMEID identifies the peer KME serving the slave SAEs.
	TargetKMEID string

	// KeyExpiry is the lifetime stamped on keys bound to an SAE pair.
	KeyExpiry time.Duration
}

// Service implements the ETSI operations.
type Service struct {
	cfg        Config
	store      *storage.KeyStore
	pool       *pool.Manager
	gen        generator.KeyGenerator
	validator  *etsi.Validator
	extensions *ExtensionRegistry
	audit      *audit.Recorder
	metrics    *metrics.Metrics
	logger     logr.Logger
	tracer     trace.Tracer
}

// NewService wires the pipeline. audit and metrics are optional.
func NewService(
	cfg Config,
	store *storage.KeyStore,
	poolMgr *pool.Manager,
	gen generator.KeyGenerator,
	validator *etsi.Validator,
	recorder *audit.Recorder,
	m *metrics.Metrics,
	logger logr.Logger,
) *Service {
	return &Service{
		cfg:        cfg,
		store:      store,
		pool:       poolMgr,
		gen:        gen,
		validator:  validator,
		extensions: NewExtensionRegistry(),
		audit:      recorder,
		metrics:    m,
		logger:     logger.WithName("pipeline"),
		tracer:     otel.Tracer("github.com/jordigilh/kme/pkg/kme/pipeline"),
	}
}

// Extensions exposes the registry so deployments can install vendor
// extension handlers before serving.
func (s *Service) Extensions() *ExtensionRegistry { return s.extensions }

func (s *Service) countKeysServed(op string, n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.KeysServed.WithLabelValues(op).Add(float64(n))
	}
}
