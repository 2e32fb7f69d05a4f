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

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jordigilh/kme/pkg/kme/etsi"
	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
)

// statusFor is the single place error kinds become HTTP status codes.
// ETSI reports not-found key IDs as 400, not 404. Every server-side
// failure, including pool shortage and integrity faults, is 503: the
// client's request was well-formed and may succeed on retry or with a
// smaller batch.
func statusFor(kind kmeerrors.Kind) int {
	switch kind {
	case kmeerrors.KindInvalidRequest,
		kmeerrors.KindNotFound,
		kmeerrors.KindExtensionUnsupported:
		return http.StatusBadRequest
	case kmeerrors.KindAuthenticationFailed,
		kmeerrors.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders the ETSI error envelope. The internal cause never
// leaves the process; only the kind's client-safe message and details do.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kerr := kmeerrors.AsError(err)

	var details []map[string]string
	for _, d := range kerr.Details {
		details = append(details, map[string]string{d.Parameter: d.Reason})
	}

	writeJSON(w, statusFor(kerr.Kind), etsi.ErrorResponse{
		Message:   kerr.Message,
		Details:   details,
		ErrorCode: string(kerr.Kind),
		RequestID: requestIDFrom(r.Context()).String(),
		Timestamp: time.Now().UTC(),
	})
}
