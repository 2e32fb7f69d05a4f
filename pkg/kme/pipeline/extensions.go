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

package pipeline

import (
	"fmt"
	"sync"

	"github.com/jordigilh/kme/pkg/kme/etsi"
	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
)

// ExtensionHandler interprets one named extension value. Returning an
// error rejects the request when the extension was mandatory.
type ExtensionHandler func(name string, value any) error

// ExtensionRegistry holds the vendor extensions this KME understands.
// Negotiation happens before any key is reserved, so an unsupported
// mandatory extension never consumes pool capacity.
type ExtensionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ExtensionHandler
}

// NewExtensionRegistry returns an empty registry.
func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{handlers: make(map[string]ExtensionHandler)}
}

// Register installs a handler for the named extension, replacing any
// previous handler.
func (r *ExtensionRegistry) Register(name string, h ExtensionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Supported reports whether the named extension has a handler.
func (r *ExtensionRegistry) Supported(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Negotiate applies the request's extensions. Every unsupported mandatory
// extension is named in the returned error's details; unknown optional
// extensions are ignored per the standard.
func (r *ExtensionRegistry) Negotiate(mandatory, optional []etsi.Extension) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	verr := kmeerrors.New(kmeerrors.KindExtensionUnsupported, "unsupported mandatory extension")
	for _, ext := range mandatory {
		for name, value := range ext {
			h, ok := r.handlers[name]
			if !ok {
				verr.WithDetail("extension_mandatory", fmt.Sprintf("extension %q is not supported", name))
				continue
			}
			if err := h(name, value); err != nil {
				verr.WithDetail("extension_mandatory", fmt.Sprintf("extension %q rejected: %v", name, err))
			}
		}
	}
	if len(verr.Details) > 0 {
		return verr
	}

	for _, ext := range optional {
		for name, value := range ext {
			if h, ok := r.handlers[name]; ok {
				// Optional extension failures are ignorable by contract.
				_ = h(name, value)
			}
		}
	}
	return nil
}
