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
	"github.com/jordigilh/kme/pkg/kme/authz"
	"github.com/jordigilh/kme/pkg/kme/etsi"
	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
)

// GetKeysByIDs implements ETSI §5.3 (dec_keys): the slave SAE retrieves
// keys previously issued to masterSAEID. The batch is all-or-nothing: any
// unknown, expired, consumed, or unauthorized id fails the whole request
// and leaves every key untouched.
func (s *Service) GetKeysByIDs(ctx context.Context, slaveSAEID, masterSAEID string, req *etsi.KeyIDs, requestID uuid.UUID) (*etsi.KeyContainer, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "GetKeysByIDs")
	defer span.End()
	span.SetAttributes(
		attribute.String("kme.master_sae_id", masterSAEID),
		attribute.String("kme.slave_sae_id", slaveSAEID),
	)

	if req == nil {
		req = &etsi.KeyIDs{}
	}

	if err := s.validator.ValidateSAEID(masterSAEID, "master_SAE_ID"); err != nil {
		s.recordAccess(ctx, nil, slaveSAEID, audit.AccessDecKeys, audit.OutcomeError, requestID)
		return nil, err
	}
	if err := s.validator.ValidateKeyIDs(req); err != nil {
		s.countValidationFailures(err)
		s.recordAccess(ctx, nil, slaveSAEID, audit.AccessDecKeys, audit.OutcomeError, requestID)
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(req.KeyIDs))
	for _, entry := range req.KeyIDs {
		id, err := uuid.Parse(entry.KeyID)
		if err != nil {
			// ValidateKeyIDs already screened these; a parse failure here
			// means the validator and this loop disagree.
			return nil, kmeerrors.Wrap(kmeerrors.KindInvalidRequest, "malformed key_ID", err)
		}
		ids = append(ids, id)
	}

	retrieved, err := s.store.RetrieveByIDs(ctx, ids, slaveSAEID, authz.AccessDecKeys, masterSAEID)
	if err != nil {
		outcome := audit.OutcomeError
		if kmeerrors.IsKind(err, kmeerrors.KindUnauthorized) {
			outcome = audit.OutcomeDenied
		}
		if kmeerrors.IsKind(err, kmeerrors.KindIntegrityError) && s.metrics != nil {
			s.metrics.IntegrityFailures.Inc()
		}
		s.recordAccess(ctx, nil, slaveSAEID, audit.AccessDecKeys, outcome, requestID)
		return nil, err
	}

	keys := make([]etsi.Key, 0, len(retrieved))
	served := make([]string, 0, len(retrieved))
	for i := range retrieved {
		keys = append(keys, etsi.Key{
			KeyID: retrieved[i].KeyID.String(),
			Key:   base64.StdEncoding.EncodeToString(retrieved[i].Plaintext),
		})
		served = append(served, retrieved[i].KeyID.String())
		id := retrieved[i].KeyID
		s.recordAccess(ctx, &id, slaveSAEID, audit.AccessDecKeys, audit.OutcomeSuccess, requestID)
	}
	s.recordDistribution(ctx, masterSAEID, slaveSAEID, audit.AccessDecKeys, served, time.Since(start))
	s.countKeysServed(audit.AccessDecKeys, len(keys))

	s.logger.Info("delivered keys",
		"master_sae_id", masterSAEID,
		"slave_sae_id", slaveSAEID,
		"count", len(keys),
	)
	return &etsi.KeyContainer{Keys: keys}, nil
}
