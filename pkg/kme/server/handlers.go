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
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jordigilh/kme/pkg/kme/etsi"
	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
	"github.com/jordigilh/kme/pkg/kme/pipeline"
)

type handlers struct {
	svc *pipeline.Service
}

// getStatus serves GET /api/v1/keys/{slave_SAE_ID}/status.
func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, r, kmeerrors.New(kmeerrors.KindAuthenticationFailed, "client certificate required"))
		return
	}
	status, err := h.svc.GetStatus(r.Context(),
		identity.SAEID, chi.URLParam(r, "slave_SAE_ID"), requestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// getKeys serves POST /api/v1/keys/{slave_SAE_ID}/enc_keys.
func (h *handlers) getKeys(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, r, kmeerrors.New(kmeerrors.KindAuthenticationFailed, "client certificate required"))
		return
	}

	var req etsi.KeyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, kmeerrors.Wrap(kmeerrors.KindInvalidRequest, "malformed request body", err).
				WithDetail("body", "must be a valid key request object"))
			return
		}
	}

	container, err := h.svc.GetKeys(r.Context(),
		identity.SAEID, chi.URLParam(r, "slave_SAE_ID"), &req, requestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, container)
}

// getKeysQuery serves the GET form of enc_keys, where number and size
// arrive as query parameters.
func (h *handlers) getKeysQuery(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, r, kmeerrors.New(kmeerrors.KindAuthenticationFailed, "client certificate required"))
		return
	}

	var req etsi.KeyRequest
	if err := parseIntParam(r, "number", &req.Number); err != nil {
		writeError(w, r, err)
		return
	}
	if err := parseIntParam(r, "size", &req.Size); err != nil {
		writeError(w, r, err)
		return
	}

	container, err := h.svc.GetKeys(r.Context(),
		identity.SAEID, chi.URLParam(r, "slave_SAE_ID"), &req, requestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, container)
}

// getKeysByIDs serves POST /api/v1/keys/{master_SAE_ID}/dec_keys.
func (h *handlers) getKeysByIDs(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, r, kmeerrors.New(kmeerrors.KindAuthenticationFailed, "client certificate required"))
		return
	}

	var req etsi.KeyIDs
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, kmeerrors.Wrap(kmeerrors.KindInvalidRequest, "malformed request body", err).
			WithDetail("body", "must be a valid key IDs object"))
		return
	}

	container, err := h.svc.GetKeysByIDs(r.Context(),
		identity.SAEID, chi.URLParam(r, "master_SAE_ID"), &req, requestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, container)
}

// getKeyByIDQuery serves the GET form of dec_keys with a single key_ID
// query parameter.
func (h *handlers) getKeyByIDQuery(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, r, kmeerrors.New(kmeerrors.KindAuthenticationFailed, "client certificate required"))
		return
	}

	keyID := r.URL.Query().Get("key_ID")
	if keyID == "" {
		writeError(w, r, kmeerrors.New(kmeerrors.KindInvalidRequest, "key_ID query parameter is required").
			WithDetail("key_ID", "must be present"))
		return
	}
	req := etsi.KeyIDs{KeyIDs: []etsi.KeyIDEntry{{KeyID: keyID}}}

	container, err := h.svc.GetKeysByIDs(r.Context(),
		identity.SAEID, chi.URLParam(r, "master_SAE_ID"), &req, requestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, container)
}

func parseIntParam(r *http.Request, name string, dst *int) error {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return kmeerrors.New(kmeerrors.KindInvalidRequest, "invalid query parameter").
			WithDetail(name, "must be an integer")
	}
	*dst = v
	return nil
}
