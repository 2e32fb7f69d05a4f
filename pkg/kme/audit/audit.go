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

// Package audit records per-key access logs and per-request distribution
// events. Records are buffered in memory and flushed to the database in
// batches; a batch that cannot be written is parked in the Redis DLQ so
// an audit trail survives a database outage.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jordigilh/kme/pkg/kme/dlq"
	"github.com/jordigilh/kme/pkg/kme/metrics"
)

// AccessType values for access log rows.
const (
	AccessEncKeys = "enc_keys"
	AccessDecKeys = "dec_keys"
	AccessStatus  = "status"
)

// Outcome values for access log rows.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// AccessLog is one SAE's touch of one key (or of the status endpoint,
// where KeyID is nil).
type AccessLog struct {
	KeyID           *uuid.UUID `json:"key_id,omitempty"`
	RequestingSAEID string     `json:"requesting_sae_id"`
	AccessType      string     `json:"access_type"`
	Outcome         string     `json:"outcome"`
	RequestID       uuid.UUID  `json:"request_id"`
	At              time.Time  `json:"at"`
}

// DistributionEvent summarizes one completed key delivery.
type DistributionEvent struct {
	EventID        uuid.UUID     `json:"event_id"`
	MasterSAEID    string        `json:"master_sae_id"`
	SlaveSAEID     string        `json:"slave_sae_id"`
	Operation      string        `json:"operation"`
	KeyIDs         []string      `json:"key_ids"`
	ProcessingTime time.Duration `json:"processing_time"`
	At             time.Time     `json:"at"`
}

type record struct {
	access *AccessLog
	dist   *DistributionEvent
}

// Recorder buffers audit records and flushes them on a timer or when the
// batch fills. Record methods never block request handlers: when the
// buffer is full the record goes straight to the DLQ.
type Recorder struct {
	db      *sqlx.DB
	queue   chan record
	dlq     *dlq.Client
	logger  logr.Logger
	metrics *metrics.Metrics

	flushEvery time.Duration
	batchSize  int
}

// RecorderConfig tunes buffering. Zero values get defaults.
type RecorderConfig struct {
	BufferSize int
	BatchSize  int
	FlushEvery time.Duration
}

// NewRecorder builds a Recorder. The DLQ client is optional; without it,
// records that cannot be buffered or written are dropped with a log line.
func NewRecorder(db *sqlx.DB, dlqClient *dlq.Client, cfg RecorderConfig, logger logr.Logger, m *metrics.Metrics) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 2 * time.Second
	}
	return &Recorder{
		db:         db,
		queue:      make(chan record, cfg.BufferSize),
		dlq:        dlqClient,
		logger:     logger.WithName("audit"),
		metrics:    m,
		flushEvery: cfg.FlushEvery,
		batchSize:  cfg.BatchSize,
	}, nil
}

// RecordAccess enqueues one access log row.
func (r *Recorder) RecordAccess(ctx context.Context, l AccessLog) {
	if l.At.IsZero() {
		l.At = time.Now().UTC()
	}
	r.enqueue(ctx, record{access: &l})
}

// RecordDistribution enqueues one distribution event.
func (r *Recorder) RecordDistribution(ctx context.Context, e DistributionEvent) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	r.enqueue(ctx, record{dist: &e})
}

func (r *Recorder) enqueue(ctx context.Context, rec record) {
	select {
	case r.queue <- rec:
	default:
		// Buffer full; park the record instead of blocking the handler.
		r.park(ctx, rec)
	}
}

// Run drains the buffer until ctx is cancelled, then flushes what remains.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	batch := make([]record, 0, r.batchSize)
	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		r.writeBatch(flushCtx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Final drain with a fresh context; ctx is already dead.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case rec := <-r.queue:
					batch = append(batch, rec)
					if len(batch) >= r.batchSize {
						flush(drainCtx)
					}
				default:
					flush(drainCtx)
					return nil
				}
			}
		case rec := <-r.queue:
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
			r.observeDLQDepth(ctx)
		}
	}
}

func (r *Recorder) writeBatch(ctx context.Context, batch []record) {
	for _, rec := range batch {
		if err := r.insert(ctx, rec); err != nil {
			r.logger.Error(err, "failed to persist audit record")
			r.park(ctx, rec)
		}
	}
}

func (r *Recorder) insert(ctx context.Context, rec record) error {
	switch {
	case rec.access != nil:
		return r.insertAccess(ctx, *rec.access)
	case rec.dist != nil:
		return r.insertDistribution(ctx, *rec.dist)
	}
	return nil
}

func (r *Recorder) insertAccess(ctx context.Context, l AccessLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO key_access_logs (key_id, requesting_sae_id, access_type, outcome, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.KeyID, l.RequestingSAEID, l.AccessType, l.Outcome, l.RequestID, l.At,
	)
	if err != nil {
		return fmt.Errorf("failed to insert access log: %w", err)
	}
	return nil
}

func (r *Recorder) insertDistribution(ctx context.Context, e DistributionEvent) error {
	ids, err := json.Marshal(e.KeyIDs)
	if err != nil {
		return fmt.Errorf("failed to encode key ids: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO key_distribution_events (event_id, master_sae_id, slave_sae_id, operation, key_ids, processing_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EventID, e.MasterSAEID, e.SlaveSAEID, e.Operation, ids, e.ProcessingTime.Milliseconds(), e.At,
	)
	if err != nil {
		return fmt.Errorf("failed to insert distribution event: %w", err)
	}
	return nil
}

func (r *Recorder) park(ctx context.Context, rec record) {
	if r.dlq == nil {
		r.logger.Info("dropping audit record, no DLQ configured")
		return
	}
	entry, err := encodeEntry(rec)
	if err != nil {
		r.logger.Error(err, "failed to encode audit record for DLQ")
		return
	}
	if err := r.dlq.Push(ctx, entry); err != nil {
		r.logger.Error(err, "failed to park audit record in DLQ")
	}
}

func encodeEntry(rec record) (dlq.Entry, error) {
	switch {
	case rec.access != nil:
		payload, err := json.Marshal(rec.access)
		if err != nil {
			return dlq.Entry{}, err
		}
		return dlq.Entry{Kind: "access", Payload: payload}, nil
	case rec.dist != nil:
		payload, err := json.Marshal(rec.dist)
		if err != nil {
			return dlq.Entry{}, err
		}
		return dlq.Entry{Kind: "distribution", Payload: payload}, nil
	}
	return dlq.Entry{}, fmt.Errorf("empty audit record")
}

// ReplayHandler returns a dlq.Handler that re-inserts parked records into
// the database. Wire it to dlq.Drain at shutdown and on recovery.
func (r *Recorder) ReplayHandler() dlq.Handler {
	return func(ctx context.Context, e dlq.Entry) error {
		switch e.Kind {
		case "access":
			var l AccessLog
			if err := json.Unmarshal(e.Payload, &l); err != nil {
				// Malformed entries would wedge the drain loop forever;
				// log and let them be deleted.
				r.logger.Error(err, "discarding malformed DLQ access entry")
				return nil
			}
			return r.insertAccess(ctx, l)
		case "distribution":
			var ev DistributionEvent
			if err := json.Unmarshal(e.Payload, &ev); err != nil {
				r.logger.Error(err, "discarding malformed DLQ distribution entry")
				return nil
			}
			return r.insertDistribution(ctx, ev)
		default:
			r.logger.Info("discarding DLQ entry of unknown kind", "kind", e.Kind)
			return nil
		}
	}
}

func (r *Recorder) observeDLQDepth(ctx context.Context) {
	if r.dlq == nil || r.metrics == nil {
		return
	}
	n, err := r.dlq.Len(ctx)
	if err != nil {
		return
	}
	r.metrics.AuditDLQDepth.Set(float64(n))
}
