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

package etsi

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
)

// Limits carries the configured operational bounds the validators enforce.
type Limits struct {
	DefaultKeySize    int
	MinKeySize        int
	MaxKeySize        int
	MaxKeysPerRequest int
	MaxSAEIDCount     int
}

// Validator validates inbound ETSI values against configured limits.
// Safe for concurrent use.
type Validator struct {
	limits   Limits
	validate *validator.Validate
}

// NewValidator builds a Validator. The underlying go-playground validator
// carries the sae_id format rule shared with config validation.
func NewValidator(limits Limits) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	registerSAEIDValidation(v)
	return &Validator{limits: limits, validate: v}
}

// registerSAEIDValidation installs the "sae_id" tag: exactly 16 visible
// ASCII characters. Registration only fails for a nil function.
func registerSAEIDValidation(v *validator.Validate) {
	_ = v.RegisterValidation("sae_id", func(fl validator.FieldLevel) bool {
		return IsValidID(fl.Field().String())
	})
}

// IsValidID reports whether s is a well-formed SAE or KME identifier:
// exactly IDLength printable ASCII characters.
func IsValidID(s string) bool {
	if len(s) != IDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] <= 0x20 || s[i] >= 0x7f {
			return false
		}
	}
	return true
}

// IsValidKeyID reports whether s parses as a UUID.
func IsValidKeyID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// ValidateSAEID checks a path identifier; parameter names the URL
// parameter for the error detail.
func (v *Validator) ValidateSAEID(id, parameter string) error {
	if err := v.validate.Var(id, "required,sae_id"); err != nil {
		return kmeerrors.New(kmeerrors.KindInvalidRequest, "invalid SAE identifier").
			WithDetail(parameter, fmt.Sprintf("must be exactly %d characters", IDLength))
	}
	return nil
}

// NormalizeKeyRequest applies the configured defaults to absent fields and
// validates the result. On failure the returned error names every
// offending parameter; the request is not partially applied.
func (v *Validator) NormalizeKeyRequest(req *KeyRequest, slaveSAEID string) error {
	if req.Number == 0 {
		req.Number = 1
	}
	if req.Size == 0 {
		req.Size = v.limits.DefaultKeySize
	}

	verr := kmeerrors.New(kmeerrors.KindInvalidRequest, "key request validation failed")

	if req.Number < 1 {
		verr.WithDetail("number", "must be at least 1")
	} else if req.Number > v.limits.MaxKeysPerRequest {
		verr.WithDetail("number", fmt.Sprintf("must not exceed max_key_per_request (%d)", v.limits.MaxKeysPerRequest))
	}

	switch {
	case req.Size <= 0:
		verr.WithDetail("size", "must be positive")
	case req.Size%8 != 0:
		verr.WithDetail("size", "must be a multiple of 8")
	case req.Size < v.limits.MinKeySize:
		verr.WithDetail("size", fmt.Sprintf("must be at least min_key_size (%d)", v.limits.MinKeySize))
	case req.Size > v.limits.MaxKeySize:
		verr.WithDetail("size", fmt.Sprintf("must not exceed max_key_size (%d)", v.limits.MaxKeySize))
	}

	if len(req.AdditionalSlaveSAEIDs) > v.limits.MaxSAEIDCount {
		verr.WithDetail("additional_slave_SAE_IDs", fmt.Sprintf("must not exceed max_SAE_ID_count (%d)", v.limits.MaxSAEIDCount))
	}
	seen := make(map[string]struct{}, len(req.AdditionalSlaveSAEIDs))
	for _, id := range req.AdditionalSlaveSAEIDs {
		if v.validate.Var(id, "required,sae_id") != nil {
			verr.WithDetail("additional_slave_SAE_IDs", fmt.Sprintf("%q is not a valid SAE identifier", id))
			continue
		}
		if id == slaveSAEID {
			verr.WithDetail("additional_slave_SAE_IDs", "must not contain the primary slave SAE")
		}
		if _, dup := seen[id]; dup {
			verr.WithDetail("additional_slave_SAE_IDs", fmt.Sprintf("duplicate entry %q", id))
		}
		seen[id] = struct{}{}
	}

	for i, ext := range req.ExtensionMandatory {
		if len(ext) != 1 {
			verr.WithDetail("extension_mandatory", fmt.Sprintf("entry %d must be a single-entry name/value map", i))
		}
	}

	if len(verr.Details) > 0 {
		return verr
	}
	return nil
}

// ValidateKeyIDs checks a dec_keys request body: non-empty, bounded, every
// entry a UUID.
func (v *Validator) ValidateKeyIDs(ids *KeyIDs) error {
	verr := kmeerrors.New(kmeerrors.KindInvalidRequest, "key IDs validation failed")

	if len(ids.KeyIDs) == 0 {
		verr.WithDetail("key_IDs", "must not be empty")
	}
	if len(ids.KeyIDs) > v.limits.MaxKeysPerRequest {
		verr.WithDetail("key_IDs", fmt.Sprintf("must not exceed max_key_per_request (%d)", v.limits.MaxKeysPerRequest))
	}
	for i, entry := range ids.KeyIDs {
		if !IsValidKeyID(entry.KeyID) {
			verr.WithDetail("key_IDs", fmt.Sprintf("entry %d is not a valid UUID", i))
		}
	}

	if len(verr.Details) > 0 {
		return verr
	}
	return nil
}

// Limits returns the configured bounds, used by Get Status to populate
// the operational fields.
func (v *Validator) Limits() Limits { return v.limits }
