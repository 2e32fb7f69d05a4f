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

// Package pool implements key pool accounting and the replenishment
// control loop. The pool holds no durable state of its own: everything
// authoritative lives in storage, and a cached snapshot is invalidated by
// the store's write version counter.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jordigilh/kme/pkg/kme/generator"
	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
	"github.com/jordigilh/kme/pkg/kme/metrics"
	"github.com/jordigilh/kme/pkg/kme/storage"
)

// Health classifies pool state for status reporting and backpressure.
type Health string

const (
	Healthy   Health = "healthy"
	Warning   Health = "warning"
	Critical  Health = "critical"
	Exhausted Health = "exhausted"
)

// Snapshot is the derived pool view, recomputed on demand and cached
// until the next storage write.
type Snapshot struct {
	TotalKeys              int
	ActiveKeys             int
	ExpiredKeys            int
	ConsumedKeys           int
	MaxKeyCount            int
	MinKeyThreshold        int
	AvailabilityPercentage float64
	Health                 Health
	LastGenerationAt       time.Time
	ConsumptionRate24h     int
	GenerationRate24h      int
}

// Alert is a value describing one active alert condition. Delivery is the
// concern of an external collaborator (see pkg/kme/notify).
type Alert struct {
	Name      string
	Severity  string
	Message   string
	Value     float64
	Threshold float64
}

// Config carries the pool limits and loop cadence.
type Config struct {
	// KMEID owns unreserved pool rows (paired with storage.PoolSlaveID).
	KMEID              string
	MaxKeyCount        int
	MinKeyThreshold    int
	DefaultKeySizeBits int
	KeyExpiry          time.Duration
	ReplenishPeriod    time.Duration
	CleanupPeriod      time.Duration
	EmergencyBatchSize int
}

// Manager owns pool accounting, the replenishment loop, and the cleanup
// sweep. Safe for concurrent use.
type Manager struct {
	store   *storage.KeyStore
	gen     generator.KeyGenerator
	cfg     Config
	logger  logr.Logger
	metrics *metrics.Metrics

	// replenishRequests carries at most one pending emergency trigger
	// from the request path to the loop.
	replenishRequests chan struct{}

	// mu guards the snapshot cache and health-transition tracking.
	// Readers may observe a snapshot at most one write behind.
	mu         sync.Mutex
	cache      cachedSnapshot
	lastHealth Health
}

type cachedSnapshot struct {
	snap    *Snapshot
	version uint64
}

// NewManager builds a pool manager. Defaults: 5 minute replenishment
// period, 1 minute cleanup period, emergency batches of 100 keys.
func NewManager(store *storage.KeyStore, gen generator.KeyGenerator, cfg Config, m *metrics.Metrics, logger logr.Logger) *Manager {
	if cfg.ReplenishPeriod <= 0 {
		cfg.ReplenishPeriod = 5 * time.Minute
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Minute
	}
	if cfg.EmergencyBatchSize <= 0 {
		cfg.EmergencyBatchSize = 100
	}
	return &Manager{
		store:             store,
		gen:               gen,
		cfg:               cfg,
		logger:            logger.WithName("pool"),
		metrics:           m,
		replenishRequests: make(chan struct{}, 1),
		lastHealth:        Healthy,
	}
}

// healthFor derives the health classification from the active count.
func (p *Manager) healthFor(active int) Health {
	switch {
	case active == 0:
		return Exhausted
	case active < p.cfg.MinKeyThreshold:
		return Critical
	case active < 2*p.cfg.MinKeyThreshold:
		return Warning
	default:
		return Healthy
	}
}

// Status recomputes (or returns the cached) pool snapshot. Pure read: it
// never triggers replenishment.
func (p *Manager) Status(ctx context.Context) (*Snapshot, error) {
	version := p.store.Version()
	p.mu.Lock()
	if p.cache.snap != nil && p.cache.version == version {
		snap := *p.cache.snap
		p.mu.Unlock()
		return &snap, nil
	}
	p.mu.Unlock()

	counters, err := p.store.PoolCounters(ctx)
	if err != nil {
		return nil, err
	}
	lastGen, err := p.store.LastGeneration(ctx)
	if err != nil {
		return nil, err
	}
	since := time.Now().Add(-24 * time.Hour)
	consumed, err := p.store.ConsumedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	generated, err := p.store.GeneratedSince(ctx, since)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		TotalKeys:          counters.Total,
		ActiveKeys:         counters.Active,
		ExpiredKeys:        counters.Expired,
		ConsumedKeys:       counters.Consumed,
		MaxKeyCount:        p.cfg.MaxKeyCount,
		MinKeyThreshold:    p.cfg.MinKeyThreshold,
		Health:             p.healthFor(counters.Active),
		LastGenerationAt:   lastGen,
		ConsumptionRate24h: consumed,
		GenerationRate24h:  generated,
	}
	if p.cfg.MaxKeyCount > 0 {
		snap.AvailabilityPercentage = float64(counters.Active) / float64(p.cfg.MaxKeyCount) * 100
	}

	p.mu.Lock()
	p.cache = cachedSnapshot{snap: snap, version: version}
	p.mu.Unlock()
	p.observe(snap)

	out := *snap
	return &out, nil
}

func (p *Manager) observe(snap *Snapshot) {
	if p.metrics == nil {
		return
	}
	p.metrics.PoolActiveKeys.Set(float64(snap.ActiveKeys))
	for _, h := range []Health{Healthy, Warning, Critical, Exhausted} {
		v := 0.0
		if h == snap.Health {
			v = 1.0
		}
		p.metrics.PoolHealth.WithLabelValues(string(h)).Set(v)
	}
}

// CheckAvailability decides whether an enc_keys request for n keys of the
// given size may proceed. Sufficiency is counted per size: only unclaimed
// pool keys matching sizeBits can satisfy the request. On refusal the
// returned error carries the exhaustion taxonomy, and replenishment is
// triggered so the pool recovers without waiting for the next period.
func (p *Manager) CheckAvailability(ctx context.Context, n, sizeBits int) error {
	snap, err := p.Status(ctx)
	if err != nil {
		return err
	}
	available, err := p.store.CountAvailable(ctx, sizeBits)
	if err != nil {
		return err
	}

	switch {
	case available == 0:
		p.TriggerReplenishment()
		return kmeerrors.New(kmeerrors.KindExhausted,
			fmt.Sprintf("key pool exhausted; replenishment triggered, retry after ~%s", p.cfg.ReplenishPeriod)).
			WithDetail("number", fmt.Sprintf("0 of %d requested keys available", n))
	case available < n:
		if snap.ActiveKeys < p.cfg.MinKeyThreshold {
			p.TriggerReplenishment()
		}
		return kmeerrors.New(kmeerrors.KindInsufficient,
			"insufficient keys in pool; reduce the requested number or retry later").
			WithDetail("number", fmt.Sprintf("%d of %d requested keys available", available, n))
	case snap.Health == Critical:
		// Backpressure: a critical pool fails new creation fast rather
		// than queueing handlers behind the replenishment loop.
		p.TriggerReplenishment()
		return kmeerrors.New(kmeerrors.KindServiceUnavailable,
			"key pool below replenishment threshold; retry later")
	}
	return nil
}

// TriggerReplenishment nudges the loop outside its period. Non-blocking;
// coalesces with a pending trigger.
func (p *Manager) TriggerReplenishment() {
	select {
	case p.replenishRequests <- struct{}{}:
	default:
	}
}

// Replenish runs one replenishment iteration. Emergency mode uses the
// smaller batch and ignores the threshold gate. Partial batches are
// committed key-by-key, so cancellation mid-batch loses nothing already
// stored.
func (p *Manager) Replenish(ctx context.Context, emergency bool) error {
	mode := "periodic"
	if emergency {
		mode = "emergency"
	}

	snap, err := p.Status(ctx)
	if err != nil {
		p.countRun(mode, "error")
		return err
	}
	need := p.cfg.MaxKeyCount - snap.ActiveKeys
	if !emergency && snap.ActiveKeys >= p.cfg.MinKeyThreshold {
		return nil
	}
	if emergency && need > p.cfg.EmergencyBatchSize {
		need = p.cfg.EmergencyBatchSize
	}
	if need <= 0 {
		return nil
	}

	p.logger.Info("replenishing key pool",
		"mode", mode,
		"active", snap.ActiveKeys,
		"target", p.cfg.MaxKeyCount,
		"batch", need,
	)

	raws, err := p.gen.Generate(ctx, need, p.cfg.DefaultKeySizeBits)
	if err != nil {
		p.countRun(mode, "error")
		return fmt.Errorf("generator failed: %w", err)
	}

	stored := 0
	for i := range raws {
		if err := ctx.Err(); err != nil {
			// Cancellation between elements: everything stored so far
			// stays committed.
			break
		}
		err := p.store.StoreKey(ctx, storage.StoreParams{
			KeyID:       uuid.New(),
			Plaintext:   raws[i].Bytes,
			MasterSAEID: p.cfg.KMEID,
			SlaveSAEID:  storage.PoolSlaveID,
			KeySizeBits: raws[i].SizeBits,
			ExpiresAt:   time.Now().Add(p.cfg.KeyExpiry),
			Metadata: map[string]any{
				"source":  raws[i].Source,
				"quality": raws[i].Quality,
				"origin":  "replenishment",
			},
		})
		if err != nil {
			p.logger.Error(err, "failed to store generated key")
			continue
		}
		stored++
	}

	if stored > 0 {
		if err := p.store.TouchLastGeneration(ctx, time.Now()); err != nil {
			p.logger.Error(err, "failed to record last generation timestamp")
		}
		if p.metrics != nil {
			p.metrics.KeysGenerated.Add(float64(stored))
		}
	}
	p.countRun(mode, "success")
	p.logger.Info("replenishment complete", "mode", mode, "stored", stored, "requested", need)
	return nil
}

// countRun records a loop iteration outcome.
func (p *Manager) countRun(mode, outcome string) {
	if p.metrics != nil {
		p.metrics.ReplenishmentRuns.WithLabelValues(mode, outcome).Inc()
	}
}

// Run is the replenishment loop: one long-lived cooperative task. It
// honours cancellation at iteration boundaries.
func (p *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ReplenishPeriod)
	defer ticker.Stop()

	// Prime the pool before the first tick so a freshly started KME can
	// serve immediately.
	if err := p.Replenish(ctx, false); err != nil {
		p.logger.Error(err, "initial replenishment failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Replenish(ctx, false); err != nil {
				p.logger.Error(err, "periodic replenishment failed")
			}
		case <-p.replenishRequests:
			if err := p.Replenish(ctx, true); err != nil {
				p.logger.Error(err, "emergency replenishment failed")
			}
		}
	}
}

// RunCleanup is the expiry sweep: a second long-lived task, deliberately
// separate from replenishment.
func (p *Manager) RunCleanup(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := p.store.CleanupExpired(ctx)
			if err != nil {
				p.logger.Error(err, "expiry sweep failed")
				continue
			}
			if n > 0 {
				p.logger.Info("swept expired keys", "count", n)
			}
		}
	}
}

// CheckAlertConditions evaluates the configured thresholds and returns
// the active alerts as values. No side effects beyond health-transition
// tracking.
func (p *Manager) CheckAlertConditions(ctx context.Context) ([]Alert, error) {
	snap, err := p.Status(ctx)
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	if snap.ActiveKeys < p.cfg.MinKeyThreshold {
		alerts = append(alerts, Alert{
			Name:      "pool_below_threshold",
			Severity:  "critical",
			Message:   fmt.Sprintf("active key count %d below threshold %d", snap.ActiveKeys, p.cfg.MinKeyThreshold),
			Value:     float64(snap.ActiveKeys),
			Threshold: float64(p.cfg.MinKeyThreshold),
		})
	}
	if snap.GenerationRate24h > 0 && float64(snap.ConsumptionRate24h) > 1.5*float64(snap.GenerationRate24h) {
		alerts = append(alerts, Alert{
			Name:      "consumption_exceeds_generation",
			Severity:  "warning",
			Message:   fmt.Sprintf("24h consumption %d exceeds 1.5x generation %d", snap.ConsumptionRate24h, snap.GenerationRate24h),
			Value:     float64(snap.ConsumptionRate24h),
			Threshold: 1.5 * float64(snap.GenerationRate24h),
		})
	}
	p.mu.Lock()
	if snap.Health != p.lastHealth {
		alerts = append(alerts, Alert{
			Name:     "pool_health_transition",
			Severity: severityFor(snap.Health),
			Message:  fmt.Sprintf("pool health changed from %s to %s", p.lastHealth, snap.Health),
		})
		p.lastHealth = snap.Health
	}
	p.mu.Unlock()
	return alerts, nil
}

func severityFor(h Health) string {
	switch h {
	case Exhausted, Critical:
		return "critical"
	case Warning:
		return "warning"
	default:
		return "info"
	}
}
