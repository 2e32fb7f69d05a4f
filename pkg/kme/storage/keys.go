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
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/jordigilh/kme/pkg/kme/authz"
	"github.com/jordigilh/kme/pkg/kme/crypto"
	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
)

// pgUniqueViolation is the PostgreSQL error code for a unique constraint
// violation, used to detect duplicate key_id inserts.
const pgUniqueViolation = "23505"

// KeyStore persists key records with encryption at rest. All methods are
// safe for concurrent use; per-record writes are transactional.
type KeyStore struct {
	db        *sqlx.DB
	sealer    *crypto.Sealer
	logger    logr.Logger
	kmeID     string
	singleUse bool

	// version increments on every successful write path so the pool
	// manager can invalidate its cached snapshot.
	version atomic.Uint64
}

// KeyStoreConfig carries the policy knobs the store needs.
type KeyStoreConfig struct {
	// KMEID is this KME's identifier; replenishment rows are bound to it
	// until reserved.
	KMEID string

	// SingleUse makes dec_keys consumption terminal: a second retrieval
	// of the same key by a slave returns not-found.
	SingleUse bool
}

// NewKeyStore wires the store to its database and sealer.
func NewKeyStore(db *sqlx.DB, sealer *crypto.Sealer, cfg KeyStoreConfig, logger logr.Logger) *KeyStore {
	return &KeyStore{
		db:        db,
		sealer:    sealer,
		logger:    logger.WithName("keystore"),
		kmeID:     cfg.KMEID,
		singleUse: cfg.SingleUse,
	}
}

// Version returns the monotonic write counter.
func (s *KeyStore) Version() uint64 { return s.version.Load() }

func (s *KeyStore) bumpVersion() { s.version.Add(1) }

// StoreKey durably persists one key record. The plaintext is sealed under
// the master key with the key_id as associated data, and its SHA-256 is
// stored for the read-path integrity check.
func (s *KeyStore) StoreKey(ctx context.Context, p StoreParams) error {
	return s.StoreKeys(ctx, []StoreParams{p})
}

// StoreKeys persists a batch atomically: either every record lands or
// none do. Used by enc_keys materialization so a cancelled handler never
// leaves a partial batch behind.
func (s *KeyStore) StoreKeys(ctx context.Context, batch []StoreParams) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range batch {
		if err := s.insertKey(ctx, tx, &batch[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to commit key batch", err)
	}
	s.bumpVersion()
	return nil
}

func (s *KeyStore) insertKey(ctx context.Context, tx *sqlx.Tx, p *StoreParams) error {
	if err := validateStoreParams(p); err != nil {
		return err
	}

	aad := []byte(p.KeyID.String())
	ciphertext, err := s.sealer.Seal(p.Plaintext, aad)
	if err != nil {
		return kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to encrypt key material", err)
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to generate salt", err)
	}

	additional, err := json.Marshal(sliceOrEmpty(p.AdditionalSlaveSAEIDs))
	if err != nil {
		return kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to encode additional slave SAE IDs", err)
	}
	metadata, err := json.Marshal(mapOrEmpty(p.Metadata))
	if err != nil {
		return kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to encode metadata", err)
	}

	const q = `
		INSERT INTO keys (
			key_id, ciphertext, integrity_hash, salt,
			master_sae_id, slave_sae_id, additional_slave_sae_ids,
			key_size_bits, created_at, expires_at, is_active, is_consumed, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, FALSE, $11)`

	_, err = tx.ExecContext(ctx, q,
		p.KeyID, ciphertext, crypto.IntegrityHash(p.Plaintext), salt,
		p.MasterSAEID, p.SlaveSAEID, additional,
		p.KeySizeBits, time.Now().UTC(), p.ExpiresAt.UTC(), metadata,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return kmeerrors.Wrap(kmeerrors.KindDuplicateKeyID,
				fmt.Sprintf("key %s already exists", p.KeyID), err)
		}
		return kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to insert key record", err)
	}
	return nil
}

func validateStoreParams(p *StoreParams) error {
	switch {
	case p.KeyID == uuid.Nil:
		return kmeerrors.New(kmeerrors.KindInvalidRequest, "key_id is required")
	case len(p.Plaintext) == 0:
		return kmeerrors.New(kmeerrors.KindInvalidRequest, "key material is empty")
	case p.KeySizeBits <= 0 || p.KeySizeBits%8 != 0:
		return kmeerrors.New(kmeerrors.KindInvalidRequest, "key_size_bits must be a positive multiple of 8")
	case len(p.Plaintext)*8 != p.KeySizeBits:
		return kmeerrors.New(kmeerrors.KindInvalidRequest, "key material length does not match key_size_bits")
	case p.MasterSAEID == p.SlaveSAEID:
		return kmeerrors.New(kmeerrors.KindInvalidRequest, "master and slave SAE must differ")
	case len(p.MasterSAEID) != 16 || len(p.SlaveSAEID) != 16:
		return kmeerrors.New(kmeerrors.KindInvalidRequest, "SAE identifiers must be 16 characters")
	case !p.ExpiresAt.After(time.Now()):
		return kmeerrors.New(kmeerrors.KindInvalidRequest, "expires_at must be in the future")
	}
	return nil
}

// RetrieveKey fetches a single key on behalf of requester. For dec_keys
// the alleged master from the URL path must match the record, and the
// record is marked consumed on success (single-use policy permitting).
func (s *KeyStore) RetrieveKey(ctx context.Context, keyID uuid.UUID, requester string, op authz.AccessType, allegedMaster string) (*RetrievedKey, error) {
	keys, err := s.RetrieveByIDs(ctx, []uuid.UUID{keyID}, requester, op, allegedMaster)
	if err != nil {
		return nil, err
	}
	return &keys[0], nil
}

// RetrieveByIDs fetches a dec_keys batch all-or-nothing inside one
// transaction: if any id is unknown, expired, consumed, or unauthorized,
// no record is delivered and no record is marked consumed.
//
// Unknown, expired, and inactive ids are indistinguishable in the result
// so callers cannot probe for existence.
func (s *KeyStore) RetrieveByIDs(ctx context.Context, ids []uuid.UUID, requester string, op authz.AccessType, allegedMaster string) ([]RetrievedKey, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	out := make([]RetrievedKey, 0, len(ids))
	var missing []string

	for _, id := range ids {
		var rec KeyRecord
		err := tx.GetContext(ctx, &rec, `SELECT * FROM keys WHERE key_id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, id.String())
			continue
		}
		if err != nil {
			return nil, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to load key record", err)
		}

		// Expired, inactive, and (under single-use) consumed records are
		// reported exactly like unknown ones.
		if !rec.IsActive || !rec.ExpiresAt.After(now) {
			missing = append(missing, id.String())
			continue
		}
		if op == authz.AccessDecKeys && s.singleUse && rec.IsConsumed {
			missing = append(missing, id.String())
			continue
		}

		additional, err := decodeStringSlice(rec.AdditionalSlaveSAEIDs)
		if err != nil {
			return nil, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "corrupt additional_slave_sae_ids", err)
		}
		view := authz.KeyView{
			MasterSAEID:           rec.MasterSAEID,
			SlaveSAEID:            rec.SlaveSAEID,
			AdditionalSlaveSAEIDs: additional,
		}
		if authz.Authorize(view, requester, op, allegedMaster) != authz.Allow {
			return nil, kmeerrors.New(kmeerrors.KindUnauthorized,
				fmt.Sprintf("SAE %s is not authorized for key %s", requester, id))
		}

		plaintext, err := s.openAndVerify(&rec)
		if err != nil {
			// Release the row locks before quarantining; quarantine runs
			// on the base connection and would wait on our own transaction
			// otherwise.
			_ = tx.Rollback()
			s.quarantine(ctx, rec.KeyID, err)
			return nil, kmeerrors.Wrap(kmeerrors.KindIntegrityError,
				fmt.Sprintf("key %s failed integrity verification", rec.KeyID), err)
		}

		out = append(out, RetrievedKey{
			KeyID:       rec.KeyID,
			Plaintext:   plaintext,
			KeySizeBits: rec.KeySizeBits,
			MasterSAEID: rec.MasterSAEID,
			SlaveSAEID:  rec.SlaveSAEID,
		})
	}

	if len(missing) > 0 {
		verr := kmeerrors.New(kmeerrors.KindNotFound, "one or more keys not found")
		for _, id := range missing {
			verr.WithDetail("key_IDs", fmt.Sprintf("key %s not found", id))
		}
		return nil, verr
	}

	// Consume the whole batch atomically with the reads.
	if op == authz.AccessDecKeys {
		for i := range out {
			if _, err := tx.ExecContext(ctx, `UPDATE keys SET is_consumed = TRUE, consumed_at = now() WHERE key_id = $1`, out[i].KeyID); err != nil {
				return nil, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to mark key consumed", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to commit retrieval", err)
	}
	if op == authz.AccessDecKeys {
		s.bumpVersion()
	}
	return out, nil
}

// openAndVerify decrypts a record and enforces the integrity invariant.
// Quarantine is the caller's responsibility, and must happen after the
// caller's transaction has released its row locks.
func (s *KeyStore) openAndVerify(rec *KeyRecord) ([]byte, error) {
	plaintext, err := s.sealer.Open(rec.Ciphertext, []byte(rec.KeyID.String()))
	if err == nil {
		err = crypto.VerifyIntegrity(plaintext, rec.IntegrityHash)
	}
	if err != nil {
		s.logger.Error(err, "stored key failed integrity verification",
			"key_id", rec.KeyID.String(),
		)
		return nil, err
	}
	return plaintext, nil
}

// quarantine deactivates a corrupt record and writes a security event.
// Runs on the base connection so it survives the caller's rollback.
func (s *KeyStore) quarantine(ctx context.Context, keyID uuid.UUID, cause error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE keys SET is_active = FALSE WHERE key_id = $1`, keyID); err != nil {
		s.logger.Error(err, "failed to quarantine corrupt key record", "key_id", keyID.String())
	}
	details, _ := json.Marshal(map[string]string{"cause": cause.Error()})
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (event_id, event_type, severity, key_id, details)
		VALUES ($1, 'key_integrity_failure', 'critical', $2, $3)`,
		uuid.New(), keyID, details,
	); err != nil {
		s.logger.Error(err, "failed to record security event", "key_id", keyID.String())
	}
	s.bumpVersion()
}

// ReservedKey is a pool key claimed for binding to a real SAE pair. The
// KeyID identifies the claimed pool row so a failed materialization can
// release it.
type ReservedKey struct {
	KeyID       uuid.UUID
	Plaintext   []byte
	KeySizeBits int
}

// ReservePoolKeys claims up to n pre-generated pool keys of the given
// size. Claimed rows are marked consumed; the caller re-stores the
// material under fresh key_ids bound to the requesting SAE pair. Returns
// fewer than n when the pool is thin; the caller tops up from the
// generator.
func (s *KeyStore) ReservePoolKeys(ctx context.Context, n, sizeBits int) ([]ReservedKey, error) {
	if n <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var recs []KeyRecord
	err = tx.SelectContext(ctx, &recs, `
		SELECT * FROM keys
		WHERE master_sae_id = $1 AND slave_sae_id = $2
		  AND is_active AND NOT is_consumed AND expires_at > now()
		  AND key_size_bits = $3
		ORDER BY created_at
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		s.kmeID, PoolSlaveID, sizeBits, n,
	)
	if err != nil {
		return nil, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to select pool keys", err)
	}

	type corruptRow struct {
		id    uuid.UUID
		cause error
	}
	reserved := make([]ReservedKey, 0, len(recs))
	var corrupt []corruptRow
	for i := range recs {
		plaintext, err := s.openAndVerify(&recs[i])
		if err != nil {
			// Skip the corrupt row rather than failing the whole
			// reservation; quarantine after the locks are released.
			corrupt = append(corrupt, corruptRow{id: recs[i].KeyID, cause: err})
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE keys SET is_consumed = TRUE, is_active = FALSE, consumed_at = now() WHERE key_id = $1`, recs[i].KeyID); err != nil {
			return nil, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to claim pool key", err)
		}
		reserved = append(reserved, ReservedKey{
			KeyID:       recs[i].KeyID,
			Plaintext:   plaintext,
			KeySizeBits: recs[i].KeySizeBits,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to commit pool reservation", err)
	}
	for _, c := range corrupt {
		s.quarantine(ctx, c.id, c.cause)
	}
	if len(reserved) > 0 {
		s.bumpVersion()
	}
	return reserved, nil
}

// ReleasePoolKeys returns claimed pool rows to circulation after a failed
// materialization, undoing the consumed marking so the material is not
// lost. Idempotent: releasing an already-released row is a no-op.
func (s *KeyStore) ReleasePoolKeys(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE keys SET is_consumed = FALSE, is_active = TRUE, consumed_at = NULL
			WHERE key_id = $1 AND master_sae_id = $2 AND slave_sae_id = $3`,
			id, s.kmeID, PoolSlaveID,
		); err != nil {
			return kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to release pool key", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to commit pool release", err)
	}
	s.bumpVersion()
	return nil
}

// KeysBySAE lists currently deliverable keys owned by (master role) or
// addressed to (slave role) the given SAE. limit <= 0 means no limit.
func (s *KeyStore) KeysBySAE(ctx context.Context, saeID string, role Role, limit int) ([]KeyRecord, error) {
	col := "master_sae_id"
	if role == RoleSlave {
		col = "slave_sae_id"
	}
	q := fmt.Sprintf(`
		SELECT * FROM keys
		WHERE %s = $1 AND is_active AND NOT is_consumed AND expires_at > now()
		ORDER BY created_at`, col)
	args := []any{saeID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	var recs []KeyRecord
	if err := s.db.SelectContext(ctx, &recs, q, args...); err != nil {
		return nil, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to list keys by SAE", err)
	}
	return recs, nil
}

// CleanupExpired flips is_active off for every record past its expiry and
// returns the number of records swept. Idempotent.
func (s *KeyStore) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE keys SET is_active = FALSE
		WHERE expires_at <= now() AND is_active`)
	if err != nil {
		return 0, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to sweep expired keys", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.bumpVersion()
	}
	return n, nil
}

// PoolCounters reads the raw accounting the pool manager derives its
// snapshot from.
func (s *KeyStore) PoolCounters(ctx context.Context) (Counters, error) {
	var c Counters
	err := s.db.GetContext(ctx, &c, `
		SELECT
			count(*) AS total,
			count(*) FILTER (WHERE is_active AND NOT is_consumed AND expires_at > now()) AS active,
			count(*) FILTER (WHERE expires_at <= now()) AS expired,
			count(*) FILTER (WHERE is_consumed) AS consumed
		FROM keys`)
	if err != nil {
		return Counters{}, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to read pool counters", err)
	}
	return c, nil
}

// CountAvailable counts unclaimed pool keys of the given size.
func (s *KeyStore) CountAvailable(ctx context.Context, sizeBits int) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM keys
		WHERE master_sae_id = $1 AND slave_sae_id = $2
		  AND is_active AND NOT is_consumed AND expires_at > now()
		  AND key_size_bits = $3`,
		s.kmeID, PoolSlaveID, sizeBits,
	)
	if err != nil {
		return 0, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to count available pool keys", err)
	}
	return n, nil
}

// ConsumedSince counts records consumed in the trailing window; used for
// the pool manager's consumption-rate estimate.
func (s *KeyStore) ConsumedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM keys WHERE is_consumed AND consumed_at >= $1`, since.UTC())
	if err != nil {
		return 0, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to count consumed keys", err)
	}
	return n, nil
}

// GeneratedSince counts records created in the trailing window.
func (s *KeyStore) GeneratedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM keys WHERE created_at >= $1`, since.UTC())
	if err != nil {
		return 0, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to count generated keys", err)
	}
	return n, nil
}

// TouchLastGeneration records a successful replenishment in the
// key_pool_status row.
func (s *KeyStore) TouchLastGeneration(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE key_pool_status SET last_generation_at = $1, updated_at = now() WHERE id = 1`, at.UTC())
	if err != nil {
		return kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to update pool status", err)
	}
	return nil
}

// LastGeneration reads the last replenishment timestamp; zero time when
// replenishment has never run.
func (s *KeyStore) LastGeneration(ctx context.Context) (time.Time, error) {
	var at sql.NullTime
	err := s.db.GetContext(ctx, &at, `SELECT last_generation_at FROM key_pool_status WHERE id = 1`)
	if err != nil {
		return time.Time{}, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable, "failed to read pool status", err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return at.Time, nil
}

func decodeStringSlice(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sliceOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
