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

// Package dlq is a Redis Streams dead letter queue for audit records that
// failed their database write. Entries are drained back into the
// database during graceful shutdown and opportunistically by the audit
// flush loop.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

const streamKey = "kme:audit:dlq"

// Entry is one parked audit record.
type Entry struct {
	// Kind discriminates the payload: "access" or "distribution".
	Kind string

	// Payload is the JSON-encoded record.
	Payload []byte
}

// Handler re-applies one parked entry; returning an error leaves the
// entry in the stream.
type Handler func(ctx context.Context, e Entry) error

// Client wraps the Redis stream.
type Client struct {
	rdb    *redis.Client
	logger logr.Logger
	maxLen int64
}

// NewClient builds a DLQ client. maxLen caps the stream (approximate
// trimming); oldest entries are dropped past the cap, which is preferable
// to unbounded Redis growth when the database stays down.
func NewClient(rdb *redis.Client, maxLen int64, logger logr.Logger) (*Client, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Client{rdb: rdb, logger: logger.WithName("dlq"), maxLen: maxLen}, nil
}

// Push parks one entry.
func (c *Client) Push(ctx context.Context, e Entry) error {
	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: c.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":    e.Kind,
			"payload": string(e.Payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push to DLQ: %w", err)
	}
	return nil
}

// Len returns the current stream depth.
func (c *Client) Len(ctx context.Context) (int64, error) {
	n, err := c.rdb.XLen(ctx, streamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read DLQ length: %w", err)
	}
	return n, nil
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Processed int
	Failed    int
	Duration  time.Duration
	TimedOut  bool
}

// Drain replays parked entries through handler until the stream is empty,
// an entry fails, or ctx expires. Successfully handled entries are
// deleted from the stream.
func (c *Client) Drain(ctx context.Context, handler Handler) (DrainStats, error) {
	start := time.Now()
	stats := DrainStats{}

	for {
		if err := ctx.Err(); err != nil {
			stats.TimedOut = true
			stats.Duration = time.Since(start)
			return stats, nil
		}

		msgs, err := c.rdb.XRangeN(ctx, streamKey, "-", "+", 100).Result()
		if err != nil {
			stats.Duration = time.Since(start)
			return stats, fmt.Errorf("failed to read DLQ entries: %w", err)
		}
		if len(msgs) == 0 {
			stats.Duration = time.Since(start)
			return stats, nil
		}

		for _, msg := range msgs {
			kind, _ := msg.Values["kind"].(string)
			payload, _ := msg.Values["payload"].(string)
			if err := handler(ctx, Entry{Kind: kind, Payload: []byte(payload)}); err != nil {
				// Leave the entry parked; the database is likely still
				// unhappy, so stop the pass instead of spinning.
				stats.Failed++
				stats.Duration = time.Since(start)
				c.logger.Error(err, "failed to replay DLQ entry", "entry_id", msg.ID)
				return stats, nil
			}
			if err := c.rdb.XDel(ctx, streamKey, msg.ID).Err(); err != nil {
				c.logger.Error(err, "failed to delete replayed DLQ entry", "entry_id", msg.ID)
			}
			stats.Processed++
		}
	}
}
