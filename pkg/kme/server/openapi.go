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
	_ "embed"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
)

//go:embed openapi.yaml
var openapiDoc []byte

// newOpenAPIRouter loads the embedded interface document. Load failures
// are programmer errors surfaced at startup, not at request time.
func newOpenAPIRouter() (routers.Router, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiDoc)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}
	return gorillamux.NewRouter(doc)
}

// validateRequests rejects structurally invalid requests against the
// interface document before they reach a handler. Semantic rules (limits,
// duplicates, business constraints) stay in the pipeline's validator.
func validateRequests(router routers.Router) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := router.FindRoute(r)
			if err != nil {
				// Unknown paths fall through to the mux's own 404.
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				writeError(w, r, toValidationError(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func toValidationError(err error) error {
	switch e := err.(type) {
	case *openapi3filter.RequestError:
		kerr := kmeerrors.New(kmeerrors.KindInvalidRequest, "request does not conform to the interface")
		if e.Parameter != nil {
			return kerr.WithDetail(e.Parameter.Name, e.Reason)
		}
		if e.Reason != "" {
			return kerr.WithDetail("body", e.Reason)
		}
		return kerr
	case *openapi3filter.SecurityRequirementsError:
		return kmeerrors.New(kmeerrors.KindAuthenticationFailed, "request failed security requirements")
	default:
		return kmeerrors.Wrap(kmeerrors.KindInvalidRequest, "request does not conform to the interface", err)
	}
}
