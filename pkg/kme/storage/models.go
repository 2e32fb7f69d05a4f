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

// Package storage owns persistence of key records: encryption at rest,
// integrity verification on read, authorization-gated retrieval, and the
// cleanup sweep. It knows nothing of the pool manager or HTTP.
package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/kme/pkg/kme/authz"
)

// PoolSlaveID is the placeholder slave identifier carried by
// replenishment-generated keys before they are bound to a real SAE pair.
// Sixteen characters so pool rows satisfy the same format invariants as
// delivered keys; asterisks are outside the SAE identifier alphabet, so
// the placeholder can never collide with a registered SAE.
const PoolSlaveID = "****POOL-KEY****"

// KeyRecord mirrors one row of the keys table. Ciphertext is opaque here;
// decryption happens inside the store where the integrity check is
// enforced. AdditionalSlaveSAEIDs and Metadata carry raw JSONB.
type KeyRecord struct {
	KeyID                 uuid.UUID  `db:"key_id"`
	Ciphertext            []byte     `db:"ciphertext"`
	IntegrityHash         []byte     `db:"integrity_hash"`
	Salt                  []byte     `db:"salt"`
	MasterSAEID           string     `db:"master_sae_id"`
	SlaveSAEID            string     `db:"slave_sae_id"`
	AdditionalSlaveSAEIDs []byte     `db:"additional_slave_sae_ids"`
	KeySizeBits           int        `db:"key_size_bits"`
	CreatedAt             time.Time  `db:"created_at"`
	ExpiresAt             time.Time  `db:"expires_at"`
	IsActive              bool       `db:"is_active"`
	IsConsumed            bool       `db:"is_consumed"`
	ConsumedAt            *time.Time `db:"consumed_at"`
	Metadata              []byte     `db:"metadata"`
}

// StoreParams are the validated inputs to StoreKey.
type StoreParams struct {
	KeyID                 uuid.UUID
	Plaintext             []byte
	MasterSAEID           string
	SlaveSAEID            string
	AdditionalSlaveSAEIDs []string
	KeySizeBits           int
	ExpiresAt             time.Time
	Metadata              map[string]any
}

// RetrievedKey is a decrypted, integrity-checked key returned to the
// pipeline.
type RetrievedKey struct {
	KeyID       uuid.UUID
	Plaintext   []byte
	KeySizeBits int
	MasterSAEID string
	SlaveSAEID  string
}

// Counters is the raw pool accounting read from the keys table.
// Active counts records that are is_active, not consumed, and unexpired.
type Counters struct {
	Total    int `db:"total"`
	Active   int `db:"active"`
	Expired  int `db:"expired"`
	Consumed int `db:"consumed"`
}

// Role selects which side of the SAE pair an index query addresses.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

// SAERecord mirrors one row of the saes table. The per-SAE limit columns
// are nullable; nil means "use the KME-wide limit".
type SAERecord struct {
	SAEID                  string          `db:"sae_id"`
	KMEID                  string          `db:"kme_id"`
	CertificateFingerprint string          `db:"certificate_fingerprint"`
	Status                 authz.SAEStatus `db:"status"`
	MaxKeysPerRequest      *int            `db:"max_keys_per_request"`
	MaxKeySize             *int            `db:"max_key_size"`
	MinKeySize             *int            `db:"min_key_size"`
	CreatedAt              time.Time       `db:"created_at"`
	UpdatedAt              time.Time       `db:"updated_at"`
}
