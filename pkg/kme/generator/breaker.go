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

package generator

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"

	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
)

// BreakerSource wraps a KeyGenerator with a circuit breaker and a
// per-invocation timeout. A tripped breaker fails fast so request
// handlers and the replenishment loop stop hammering a failing substrate.
type BreakerSource struct {
	inner   KeyGenerator
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewBreakerSource wraps inner. The breaker opens after five consecutive
// failures and probes again after 30 seconds.
func NewBreakerSource(inner KeyGenerator, timeout time.Duration, logger logr.Logger) *BreakerSource {
	log := logger.WithName("generator-breaker")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "key-generator",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("generator circuit breaker state change",
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &BreakerSource{inner: inner, breaker: cb, timeout: timeout}
}

// Generate invokes the wrapped generator under the breaker and timeout.
func (b *BreakerSource) Generate(ctx context.Context, n, sizeBits int) ([]RawKey, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		genCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			genCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		return b.inner.Generate(genCtx, n, sizeBits)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, kmeerrors.Wrap(kmeerrors.KindServiceUnavailable, "key generator unavailable", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, kmeerrors.Wrap(kmeerrors.KindServiceUnavailable, "key generator timed out", err)
		}
		return nil, kmeerrors.Wrap(kmeerrors.KindServiceUnavailable, "key generation failed", err)
	}
	return result.([]RawKey), nil
}
