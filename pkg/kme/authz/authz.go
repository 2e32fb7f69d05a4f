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

// Package authz holds the record-level authorization rule and the TLS
// identity extraction for the authn/authz boundary. The record rule is a
// pure function over (record, requester, operation); all side effects
// (lookups, logging) belong to callers.
package authz

import (
	"crypto/x509"

	"github.com/jordigilh/kme/pkg/kme/crypto"
	"github.com/jordigilh/kme/pkg/kme/etsi"
	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
)

// AccessType identifies which ETSI operation is requesting a key.
type AccessType string

const (
	// AccessEncKeys is master-side creation / re-fetch (Get Key).
	AccessEncKeys AccessType = "enc_keys"

	// AccessDecKeys is slave-side retrieval (Get Key with Key IDs).
	AccessDecKeys AccessType = "dec_keys"
)

// KeyView is the slice of a key record the authorization rule needs.
type KeyView struct {
	MasterSAEID           string
	SlaveSAEID            string
	AdditionalSlaveSAEIDs []string
}

// Decision is the outcome of the record rule.
type Decision int

const (
	Deny Decision = iota
	Allow
)

// Authorize applies the record-level rule:
//
//   - the master SAE may always access its own keys;
//   - the slave SAE, or any additional slave, may access via dec_keys only;
//   - for dec_keys the alleged master from the URL path must match the
//     record's stored master.
//
// Pure over its inputs.
func Authorize(rec KeyView, requester string, op AccessType, allegedMaster string) Decision {
	if op == AccessDecKeys && allegedMaster != "" && allegedMaster != rec.MasterSAEID {
		return Deny
	}
	if requester == rec.MasterSAEID {
		return Allow
	}
	if op != AccessDecKeys {
		return Deny
	}
	if requester == rec.SlaveSAEID {
		return Allow
	}
	for _, id := range rec.AdditionalSlaveSAEIDs {
		if requester == id {
			return Allow
		}
	}
	return Deny
}

// SAEStatus is the registration state of an SAE. Only active SAEs may
// perform operations; suspended permits administrative transitions only;
// revoked is terminal.
type SAEStatus string

const (
	SAEActive    SAEStatus = "active"
	SAEInactive  SAEStatus = "inactive"
	SAESuspended SAEStatus = "suspended"
	SAERevoked   SAEStatus = "revoked"
)

// validTransitions encodes the SAE lifecycle state machine.
var validTransitions = map[SAEStatus][]SAEStatus{
	SAEActive:    {SAEInactive, SAESuspended, SAERevoked},
	SAEInactive:  {SAEActive, SAESuspended, SAERevoked},
	SAESuspended: {SAEActive, SAEInactive, SAERevoked},
	SAERevoked:   {},
}

// CanTransition reports whether an SAE may move from one status to
// another.
func CanTransition(from, to SAEStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Identity is the SAE identity extracted from a validated TLS peer
// certificate.
type Identity struct {
	// SAEID is the certificate Common Name.
	SAEID string

	// Fingerprint is the lowercase hex SHA-256 of the DER certificate.
	Fingerprint string
}

// IdentityFromCertificate extracts the SAE identity from the peer
// certificate the TLS layer validated. Only the Common Name is accepted
// as the identity source.
func IdentityFromCertificate(cert *x509.Certificate) (Identity, error) {
	if cert == nil {
		return Identity{}, kmeerrors.New(kmeerrors.KindAuthenticationFailed, "client certificate required")
	}
	cn := cert.Subject.CommonName
	if !etsi.IsValidID(cn) {
		return Identity{}, kmeerrors.New(kmeerrors.KindAuthenticationFailed, "certificate common name is not a valid SAE identifier")
	}
	return Identity{
		SAEID:       cn,
		Fingerprint: crypto.FingerprintSHA256(cert.Raw),
	}, nil
}
