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

// Package etsi defines the wire data model of ETSI GS QKD 014 V1.1.1 §6.
// JSON field names preserve the casing of the standard exactly
// (source_KME_ID, key_ID, additional_slave_SAE_IDs, ...); do not
// "normalize" them.
package etsi

import (
	"time"
)

// IDLength is the fixed length of SAE and KME identifiers.
const IDLength = 16

// Status is the response body of Get Status (ETSI §5.1 / §6.1).
type Status struct {
	SourceKMEID      string `json:"source_KME_ID"`
	TargetKMEID      string `json:"target_KME_ID"`
	MasterSAEID      string `json:"master_SAE_ID"`
	SlaveSAEID       string `json:"slave_SAE_ID"`
	KeySize          int    `json:"key_size"`
	StoredKeyCount   int    `json:"stored_key_count"`
	MaxKeyCount      int    `json:"max_key_count"`
	MaxKeyPerRequest int    `json:"max_key_per_request"`
	MaxKeySize       int    `json:"max_key_size"`
	MinKeySize       int    `json:"min_key_size"`
	MaxSAEIDCount    int    `json:"max_SAE_ID_count"`
	StatusExtension  any    `json:"status_extension,omitempty"`
}

// Extension is a single-entry name/value map as used by
// extension_mandatory and extension_optional (ETSI §6.2).
type Extension map[string]any

// KeyRequest is the request body of Get Key (ETSI §5.2 / §6.2). Zero
// values of Number and Size mean "use the configured default"; defaults
// are applied by Normalize, not by the decoder.
type KeyRequest struct {
	Number                int         `json:"number,omitempty"`
	Size                  int         `json:"size,omitempty"`
	AdditionalSlaveSAEIDs []string    `json:"additional_slave_SAE_IDs,omitempty"`
	ExtensionMandatory    []Extension `json:"extension_mandatory,omitempty"`
	ExtensionOptional     []Extension `json:"extension_optional,omitempty"`
}

// Key is one delivered key (ETSI §6.3). KeyID is a UUID string and Key
// carries the base64 encoding of the raw bytes.
type Key struct {
	KeyID          string `json:"key_ID"`
	Key            string `json:"key"`
	KeyIDExtension any    `json:"key_ID_extension,omitempty"`
	KeyExtension   any    `json:"key_extension,omitempty"`
}

// KeyContainer is the success body of enc_keys and dec_keys (ETSI §6.3).
type KeyContainer struct {
	Keys                  []Key `json:"keys"`
	KeyContainerExtension any   `json:"key_container_extension,omitempty"`
}

// KeyIDEntry is one requested key identifier (ETSI §6.4).
type KeyIDEntry struct {
	KeyID          string `json:"key_ID"`
	KeyIDExtension any    `json:"key_ID_extension,omitempty"`
}

// KeyIDs is the request body of Get Key with Key IDs (ETSI §5.3 / §6.4).
type KeyIDs struct {
	KeyIDs          []KeyIDEntry `json:"key_IDs"`
	KeyIDsExtension any          `json:"key_IDs_extension,omitempty"`
}

// ErrorResponse is the envelope carried by every non-2xx response. The
// message/details pair follows ETSI §6.5; error_code, request_id and
// timestamp are KME additions surfaced for correlation.
type ErrorResponse struct {
	Message   string              `json:"message"`
	Details   []map[string]string `json:"details,omitempty"`
	ErrorCode string              `json:"error_code"`
	RequestID string              `json:"request_id"`
	Timestamp time.Time           `json:"timestamp"`
}
