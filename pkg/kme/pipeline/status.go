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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jordigilh/kme/pkg/kme/audit"
	"github.com/jordigilh/kme/pkg/kme/etsi"
	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
)

// GetStatus implements ETSI §5.1: the calling master SAE asks about key
// availability toward slaveSAEID. Pure read; it never triggers
// replenishment.
func (s *Service) GetStatus(ctx context.Context, masterSAEID, slaveSAEID string, requestID uuid.UUID) (*etsi.Status, error) {
	ctx, span := s.tracer.Start(ctx, "GetStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("kme.master_sae_id", masterSAEID),
		attribute.String("kme.slave_sae_id", slaveSAEID),
	)

	if err := s.validator.ValidateSAEID(slaveSAEID, "slave_SAE_ID"); err != nil {
		s.recordAccess(ctx, nil, masterSAEID, audit.AccessStatus, audit.OutcomeError, requestID)
		return nil, err
	}
	if slaveSAEID == masterSAEID {
		s.recordAccess(ctx, nil, masterSAEID, audit.AccessStatus, audit.OutcomeError, requestID)
		return nil, kmeerrors.New(kmeerrors.KindInvalidRequest, "slave SAE must differ from the calling SAE").
			WithDetail("slave_SAE_ID", "must not equal the calling SAE")
	}

	snap, err := s.pool.Status(ctx)
	if err != nil {
		s.recordAccess(ctx, nil, masterSAEID, audit.AccessStatus, audit.OutcomeError, requestID)
		return nil, err
	}

	limits := s.validator.Limits()
	status := &etsi.Status{
		SourceKMEID:      s.cfg.SourceKMEID,
		TargetKMEID:      s.cfg.TargetKMEID,
		MasterSAEID:      masterSAEID,
		SlaveSAEID:       slaveSAEID,
		KeySize:          limits.DefaultKeySize,
		StoredKeyCount:   snap.ActiveKeys,
		MaxKeyCount:      snap.MaxKeyCount,
		MaxKeyPerRequest: limits.MaxKeysPerRequest,
		MaxKeySize:       limits.MaxKeySize,
		MinKeySize:       limits.MinKeySize,
		MaxSAEIDCount:    limits.MaxSAEIDCount,
	}

	s.recordAccess(ctx, nil, masterSAEID, audit.AccessStatus, audit.OutcomeSuccess, requestID)
	return status, nil
}

func (s *Service) recordAccess(ctx context.Context, keyID *uuid.UUID, saeID, accessType, outcome string, requestID uuid.UUID) {
	if s.audit == nil {
		return
	}
	s.audit.RecordAccess(ctx, audit.AccessLog{
		KeyID:           keyID,
		RequestingSAEID: saeID,
		AccessType:      accessType,
		Outcome:         outcome,
		RequestID:       requestID,
	})
}
