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

// Package kmeerrors defines the closed set of error kinds that cross the
// boundary between the KME core and the HTTP adaptor. Core packages return
// *Error values; only the server package maps kinds to status codes and
// ETSI error envelopes.
package kmeerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The set is closed: the HTTP adaptor switches
// exhaustively over these values.
type Kind string

const (
	// KindInvalidRequest covers format, bounds, and business-rule
	// violations in inbound parameters.
	KindInvalidRequest Kind = "INVALID_REQUEST"

	// KindAuthenticationFailed covers a missing or unregistered client
	// certificate, or a fingerprint mismatch.
	KindAuthenticationFailed Kind = "AUTHENTICATION_FAILED"

	// KindUnauthorized covers an authenticated SAE that lacks rights for
	// the resource or role.
	KindUnauthorized Kind = "UNAUTHORIZED"

	// KindNotFound covers an unknown key_ID, or one that is expired or
	// inactive. Expired and unknown are deliberately indistinguishable
	// so existence is not leaked.
	KindNotFound Kind = "KEY_NOT_FOUND"

	// KindExtensionUnsupported covers a mandatory extension the KME
	// cannot satisfy.
	KindExtensionUnsupported Kind = "EXTENSION_UNSUPPORTED"

	// KindExhausted means the pool holds zero active keys.
	KindExhausted Kind = "KEY_EXHAUSTION"

	// KindInsufficient means the pool holds fewer keys than requested.
	KindInsufficient Kind = "KEY_INSUFFICIENT"

	// KindIntegrityError means a stored key failed its hash check.
	KindIntegrityError Kind = "INTEGRITY_ERROR"

	// KindStorageUnavailable covers persistence-layer failures.
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"

	// KindServiceUnavailable covers unexpected internal failures,
	// timeouts, and backpressure rejections.
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"

	// KindDuplicateKeyID means a store attempt reused an existing key_ID.
	KindDuplicateKeyID Kind = "DUPLICATE_KEY_ID"
)

// Detail names one offending parameter and the reason it was rejected.
// Serialized into the ETSI error envelope's details list.
type Detail struct {
	Parameter string
	Reason    string
}

// Error is the single error type the core returns across package
// boundaries. Message is safe for clients; Err (optional) carries the
// internal cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Details []Detail
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with the given kind and client-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error that carries an internal cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetail appends a parameter/reason pair and returns the error for
// chaining during validation.
func (e *Error) WithDetail(parameter, reason string) *Error {
	e.Details = append(e.Details, Detail{Parameter: parameter, Reason: reason})
	return e
}

// KindOf extracts the kind from any error in the chain, defaulting to
// KindServiceUnavailable for errors that did not originate in the core.
func KindOf(err error) Kind {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return KindServiceUnavailable
}

// AsError returns the *Error in the chain, or wraps err as an internal
// service failure so the adaptor always has an envelope to render.
func AsError(err error) *Error {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr
	}
	return Wrap(KindServiceUnavailable, "internal error", err)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
