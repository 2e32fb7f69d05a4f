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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jordigilh/kme/pkg/kme/authz"
	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
)

// SAEStore persists SAE registrations. Registration itself is
// administrative tooling; the request path only reads and the lifecycle
// transitions are exposed for that tooling.
type SAEStore struct {
	db *sqlx.DB
}

// NewSAEStore wires the store to its database.
func NewSAEStore(db *sqlx.DB) *SAEStore {
	return &SAEStore{db: db}
}

// GetByID loads one SAE registration. Unknown SAEs surface as an
// authentication failure: the caller cannot distinguish "never
// registered" from "certificate not accepted".
func (s *SAEStore) GetByID(ctx context.Context, saeID string) (*SAERecord, error) {
	var rec SAERecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM saes WHERE sae_id = $1`, saeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kmeerrors.New(kmeerrors.KindAuthenticationFailed,
			fmt.Sprintf("SAE %s is not registered", saeID))
	}
	if err != nil {
		return nil, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to load SAE record", err)
	}
	return &rec, nil
}

// Register creates or replaces an SAE registration.
func (s *SAEStore) Register(ctx context.Context, rec *SAERecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saes (sae_id, kme_id, certificate_fingerprint, status,
			max_keys_per_request, max_key_size, min_key_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sae_id) DO UPDATE SET
			kme_id = EXCLUDED.kme_id,
			certificate_fingerprint = EXCLUDED.certificate_fingerprint,
			status = EXCLUDED.status,
			max_keys_per_request = EXCLUDED.max_keys_per_request,
			max_key_size = EXCLUDED.max_key_size,
			min_key_size = EXCLUDED.min_key_size,
			updated_at = now()`,
		rec.SAEID, rec.KMEID, rec.CertificateFingerprint, rec.Status,
		rec.MaxKeysPerRequest, rec.MaxKeySize, rec.MinKeySize,
	)
	if err != nil {
		return kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to register SAE", err)
	}
	return nil
}

// UpdateStatus applies one lifecycle transition, enforcing the SAE state
// machine (revoked is terminal).
func (s *SAEStore) UpdateStatus(ctx context.Context, saeID string, to authz.SAEStatus) error {
	rec, err := s.GetByID(ctx, saeID)
	if err != nil {
		return err
	}
	if !authz.CanTransition(rec.Status, to) {
		return kmeerrors.New(kmeerrors.KindInvalidRequest,
			fmt.Sprintf("SAE status transition %s -> %s is not permitted", rec.Status, to))
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE saes SET status = $1, updated_at = now() WHERE sae_id = $2`, to, saeID)
	if err != nil {
		return kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to update SAE status", err)
	}
	return nil
}
