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

// Package metrics defines the KME's Prometheus collectors. NewMetrics
// always returns a usable value; a nil registry falls back to the default
// registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates every collector the KME emits.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ValidationFailures *prometheus.CounterVec
	KeysServed         *prometheus.CounterVec
	PoolActiveKeys     prometheus.Gauge
	PoolHealth         *prometheus.GaugeVec
	ReplenishmentRuns  *prometheus.CounterVec
	KeysGenerated      prometheus.Counter
	IntegrityFailures  prometheus.Counter
	AuditDLQDepth      prometheus.Gauge
}

// NewMetrics builds and registers the collectors. Pass nil to register on
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWithPrefix("kme_", reg)

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "ETSI API requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "ETSI API request latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "validation_failures_total",
			Help: "Request validation failures by parameter.",
		}, []string{"parameter"}),
		KeysServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keys_served_total",
			Help: "Keys delivered by operation (enc_keys, dec_keys).",
		}, []string{"operation"}),
		PoolActiveKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_active_keys",
			Help: "Active, unexpired, unconsumed keys in the pool.",
		}),
		PoolHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_health",
			Help: "Pool health state (1 for the current state, 0 otherwise).",
		}, []string{"state"}),
		ReplenishmentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replenishment_runs_total",
			Help: "Replenishment iterations by mode and outcome.",
		}, []string{"mode", "outcome"}),
		KeysGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keys_generated_total",
			Help: "Keys produced by the generator and stored in the pool.",
		}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "integrity_failures_total",
			Help: "Stored keys that failed their integrity hash check.",
		}),
		AuditDLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_dlq_depth",
			Help: "Audit events waiting in the Redis dead letter queue.",
		}),
	}

	factory.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.ValidationFailures, m.KeysServed,
		m.PoolActiveKeys, m.PoolHealth, m.ReplenishmentRuns, m.KeysGenerated,
		m.IntegrityFailures, m.AuditDLQDepth,
	)
	return m
}
