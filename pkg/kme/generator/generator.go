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

// Package generator defines the narrow interface through which the KME
// consumes raw key material from the QKD substrate, plus a CSPRNG-backed
// source for deployments without QKD hardware attached.
package generator

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/bits"
	"time"
)

// RawKey is one unit of generated material plus its provenance, recorded
// in the key record's metadata.
type RawKey struct {
	Bytes    []byte
	SizeBits int
	Source   string
	Quality  map[string]any
}

// KeyGenerator produces n keys of sizeBits each. Implementations must
// honour ctx cancellation and validate the quality of produced material;
// a partial batch is never returned.
type KeyGenerator interface {
	Generate(ctx context.Context, n, sizeBits int) ([]RawKey, error)
}

// CSPRNGSource generates key material from crypto/rand. It stands in for
// the QKD substrate in development and in deployments where the quantum
// channel terminates elsewhere.
type CSPRNGSource struct{}

// NewCSPRNGSource returns the default software source.
func NewCSPRNGSource() *CSPRNGSource { return &CSPRNGSource{} }

// Generate produces n keys of sizeBits. Each key passes a basic quality
// gate before it is accepted.
func (g *CSPRNGSource) Generate(ctx context.Context, n, sizeBits int) ([]RawKey, error) {
	if n <= 0 {
		return nil, fmt.Errorf("key count must be positive, got %d", n)
	}
	if sizeBits <= 0 || sizeBits%8 != 0 {
		return nil, fmt.Errorf("key size must be a positive multiple of 8, got %d", sizeBits)
	}

	out := make([]RawKey, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf := make([]byte, sizeBits/8)
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return nil, fmt.Errorf("failed to read entropy: %w", err)
		}
		bias, err := CheckQuality(buf)
		if err != nil {
			return nil, fmt.Errorf("generated material failed quality check: %w", err)
		}
		out = append(out, RawKey{
			Bytes:    buf,
			SizeBits: sizeBits,
			Source:   "csprng",
			Quality: map[string]any{
				"monobit_bias": bias,
				"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
			},
		})
	}
	return out, nil
}

// maxMonobitBias is the accepted deviation of the ones-density from 0.5.
// Keys of 128 bits and up from a healthy source sit well inside this;
// degenerate output (stuck bits, zeroed buffers) falls far outside.
const maxMonobitBias = 0.35

// CheckQuality runs a monobit density test over the material and returns
// the observed bias. Short keys (< 8 bytes) are exempt from the density
// test but still rejected when constant.
func CheckQuality(key []byte) (float64, error) {
	if len(key) == 0 {
		return 0, fmt.Errorf("empty key material")
	}
	ones := 0
	constant := true
	for i, b := range key {
		ones += bits.OnesCount8(b)
		if i > 0 && b != key[0] {
			constant = false
		}
	}
	if constant && len(key) > 1 {
		return 0, fmt.Errorf("constant key material")
	}
	bias := float64(ones)/float64(len(key)*8) - 0.5
	if bias < 0 {
		bias = -bias
	}
	if len(key) >= 8 && bias > maxMonobitBias {
		return bias, fmt.Errorf("monobit bias %.3f exceeds %.2f", bias, maxMonobitBias)
	}
	return bias, nil
}
