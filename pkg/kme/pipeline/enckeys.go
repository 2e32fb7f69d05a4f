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

package pipeline

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jordigilh/kme/pkg/kme/audit"
	"github.com/jordigilh/kme/pkg/kme/etsi"
	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
	"github.com/jordigilh/kme/pkg/kme/storage"
)

// GetKeys implements ETSI §5.2 (enc_keys): the master SAE requests new
// keys bound to (master, slave). The sequence is validate, negotiate
// extensions, check availability, then materialize; nothing is consumed
// from the pool until every gate has passed, and the final store is
// all-or-nothing.
func (s *Service) GetKeys(ctx context.Context, masterSAEID, slaveSAEID string, req *etsi.KeyRequest, requestID uuid.UUID) (*etsi.KeyContainer, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "GetKeys")
	defer span.End()
	span.SetAttributes(
		attribute.String("kme.master_sae_id", masterSAEID),
		attribute.String("kme.slave_sae_id", slaveSAEID),
	)

	if req == nil {
		req = &etsi.KeyRequest{}
	}

	if err := s.validator.ValidateSAEID(slaveSAEID, "slave_SAE_ID"); err != nil {
		s.recordAccess(ctx, nil, masterSAEID, audit.AccessEncKeys, audit.OutcomeError, requestID)
		return nil, err
	}
	if slaveSAEID == masterSAEID {
		s.recordAccess(ctx, nil, masterSAEID, audit.AccessEncKeys, audit.OutcomeError, requestID)
		return nil, kmeerrors.New(kmeerrors.KindInvalidRequest, "slave SAE must differ from the calling SAE").
			WithDetail("slave_SAE_ID", "must not equal the calling SAE")
	}
	if err := s.validator.NormalizeKeyRequest(req, slaveSAEID); err != nil {
		s.countValidationFailures(err)
		s.recordAccess(ctx, nil, masterSAEID, audit.AccessEncKeys, audit.OutcomeError, requestID)
		return nil, err
	}

	// Extension negotiation precedes availability so an unsupported
	// mandatory extension never dents the pool.
	if err := s.extensions.Negotiate(req.ExtensionMandatory, req.ExtensionOptional); err != nil {
		s.recordAccess(ctx, nil, masterSAEID, audit.AccessEncKeys, audit.OutcomeError, requestID)
		return nil, err
	}

	if err := s.pool.CheckAvailability(ctx, req.Number, req.Size); err != nil {
		s.recordAccess(ctx, nil, masterSAEID, audit.AccessEncKeys, audit.OutcomeError, requestID)
		return nil, err
	}

	material, reserved, err := s.collectMaterial(ctx, req.Number, req.Size)
	if err != nil {
		s.recordAccess(ctx, nil, masterSAEID, audit.AccessEncKeys, audit.OutcomeError, requestID)
		return nil, err
	}

	expiresAt := time.Now().Add(s.cfg.KeyExpiry)
	batch := make([]storage.StoreParams, 0, len(material))
	keys := make([]etsi.Key, 0, len(material))
	ids := make([]string, 0, len(material))
	for _, plaintext := range material {
		id := uuid.New()
		batch = append(batch, storage.StoreParams{
			KeyID:                 id,
			Plaintext:             plaintext,
			MasterSAEID:           masterSAEID,
			SlaveSAEID:            slaveSAEID,
			AdditionalSlaveSAEIDs: req.AdditionalSlaveSAEIDs,
			KeySizeBits:           req.Size,
			ExpiresAt:             expiresAt,
			Metadata:              map[string]any{"origin": "enc_keys"},
		})
		keys = append(keys, etsi.Key{
			KeyID: id.String(),
			Key:   base64.StdEncoding.EncodeToString(plaintext),
		})
		ids = append(ids, id.String())
	}

	if err := s.store.StoreKeys(ctx, batch); err != nil {
		s.releaseReserved(ctx, reserved)
		s.recordAccess(ctx, nil, masterSAEID, audit.AccessEncKeys, audit.OutcomeError, requestID)
		return nil, err
	}

	for i := range batch {
		id := batch[i].KeyID
		s.recordAccess(ctx, &id, masterSAEID, audit.AccessEncKeys, audit.OutcomeSuccess, requestID)
	}
	s.recordDistribution(ctx, masterSAEID, slaveSAEID, audit.AccessEncKeys, ids, time.Since(start))
	s.countKeysServed(audit.AccessEncKeys, len(keys))

	s.logger.Info("issued keys",
		"master_sae_id", masterSAEID,
		"slave_sae_id", slaveSAEID,
		"count", len(keys),
		"size_bits", req.Size,
	)
	return &etsi.KeyContainer{Keys: keys}, nil
}

// collectMaterial assembles n keys of sizeBits: pool reservations first,
// generator top-up for the shortfall. The returned ids identify the
// claimed pool rows; a caller whose later steps fail must release them.
func (s *Service) collectMaterial(ctx context.Context, n, sizeBits int) ([][]byte, []uuid.UUID, error) {
	reserved, err := s.store.ReservePoolKeys(ctx, n, sizeBits)
	if err != nil {
		return nil, nil, err
	}
	material := make([][]byte, 0, n)
	reservedIDs := make([]uuid.UUID, 0, len(reserved))
	for i := range reserved {
		material = append(material, reserved[i].Plaintext)
		reservedIDs = append(reservedIDs, reserved[i].KeyID)
	}

	if shortfall := n - len(material); shortfall > 0 {
		raws, err := s.gen.Generate(ctx, shortfall, sizeBits)
		if err != nil {
			s.releaseReserved(ctx, reservedIDs)
			return nil, nil, err
		}
		for i := range raws {
			material = append(material, raws[i].Bytes)
		}
	}
	return material, reservedIDs, nil
}

// releaseReserved compensates a failed materialization: claimed pool rows
// go back into circulation so the failure does not shrink the pool. Runs
// detached from the request context so a cancelled handler still
// releases.
func (s *Service) releaseReserved(ctx context.Context, ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.ReleasePoolKeys(releaseCtx, ids); err != nil {
		s.logger.Error(err, "failed to release reserved pool keys", "count", len(ids))
	}
}

func (s *Service) recordDistribution(ctx context.Context, master, slave, op string, keyIDs []string, took time.Duration) {
	if s.audit == nil {
		return
	}
	s.audit.RecordDistribution(ctx, audit.DistributionEvent{
		MasterSAEID:    master,
		SlaveSAEID:     slave,
		Operation:      op,
		KeyIDs:         keyIDs,
		ProcessingTime: took,
	})
}

func (s *Service) countValidationFailures(err error) {
	if s.metrics == nil {
		return
	}
	kerr := kmeerrors.AsError(err)
	for _, d := range kerr.Details {
		s.metrics.ValidationFailures.WithLabelValues(d.Parameter).Inc()
	}
}
