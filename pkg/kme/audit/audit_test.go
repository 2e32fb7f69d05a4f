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

package audit_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/jordigilh/kme/pkg/kme/audit"
	"github.com/jordigilh/kme/pkg/kme/dlq"
)

func TestAudit(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Audit Suite")
}

var _ = Describe("Recorder", func() {
	var (
		db   *sqlx.DB
		mock sqlmock.Sqlmock
		ctx  context.Context
	)

	BeforeEach(func() {
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		db = sqlx.NewDb(raw, "pgx")
		mock = m
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		_ = db.Close()
	})

	newRecorder := func(d *dlq.Client) *audit.Recorder {
		r, err := audit.NewRecorder(db, d, audit.RecorderConfig{
			BufferSize: 8,
			BatchSize:  2,
			FlushEvery: 10 * time.Millisecond,
		}, logr.Discard(), nil)
		Expect(err).ToNot(HaveOccurred())
		return r
	}

	It("flushes buffered access logs to the database", func() {
		mock.ExpectExec(`INSERT INTO key_access_logs`).
			WillReturnResult(sqlmock.NewResult(1, 1))

		r := newRecorder(nil)
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- r.Run(runCtx) }()

		keyID := uuid.New()
		r.RecordAccess(ctx, audit.AccessLog{
			KeyID:           &keyID,
			RequestingSAEID: "SAE-MASTER-00001",
			AccessType:      audit.AccessEncKeys,
			Outcome:         audit.OutcomeSuccess,
			RequestID:       uuid.New(),
		})

		Eventually(mock.ExpectationsWereMet, time.Second, 10*time.Millisecond).Should(Succeed())
		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})

	It("flushes distribution events with encoded key ids", func() {
		mock.ExpectExec(`INSERT INTO key_distribution_events`).
			WillReturnResult(sqlmock.NewResult(1, 1))

		r := newRecorder(nil)
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- r.Run(runCtx) }()

		r.RecordDistribution(ctx, audit.DistributionEvent{
			MasterSAEID:    "SAE-MASTER-00001",
			SlaveSAEID:     "SAE-SLAVE-000001",
			Operation:      audit.AccessEncKeys,
			KeyIDs:         []string{uuid.NewString()},
			ProcessingTime: 12 * time.Millisecond,
		})

		Eventually(mock.ExpectationsWereMet, time.Second, 10*time.Millisecond).Should(Succeed())
		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})

	Context("with a DLQ", func() {
		var (
			mr        *miniredis.Miniredis
			rdb       *redis.Client
			dlqClient *dlq.Client
		)

		BeforeEach(func() {
			var err error
			mr, err = miniredis.Run()
			Expect(err).ToNot(HaveOccurred())
			rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
			dlqClient, err = dlq.NewClient(rdb, 100, logr.Discard())
			Expect(err).ToNot(HaveOccurred())
		})

		AfterEach(func() {
			_ = rdb.Close()
			mr.Close()
		})

		It("parks records the database rejects", func() {
			mock.ExpectExec(`INSERT INTO key_access_logs`).
				WillReturnError(context.DeadlineExceeded)

			r := newRecorder(dlqClient)
			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- r.Run(runCtx) }()

			r.RecordAccess(ctx, audit.AccessLog{
				RequestingSAEID: "SAE-MASTER-00001",
				AccessType:      audit.AccessStatus,
				Outcome:         audit.OutcomeError,
				RequestID:       uuid.New(),
			})

			Eventually(func() (int64, error) { return dlqClient.Len(ctx) },
				time.Second, 10*time.Millisecond).Should(Equal(int64(1)))
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})

		It("replays parked records through ReplayHandler", func() {
			r := newRecorder(dlqClient)

			log := audit.AccessLog{
				RequestingSAEID: "SAE-MASTER-00001",
				AccessType:      audit.AccessDecKeys,
				Outcome:         audit.OutcomeSuccess,
				RequestID:       uuid.New(),
				At:              time.Now().UTC(),
			}
			payload, err := json.Marshal(log)
			Expect(err).ToNot(HaveOccurred())
			Expect(dlqClient.Push(ctx, dlq.Entry{Kind: "access", Payload: payload})).To(Succeed())

			mock.ExpectExec(`INSERT INTO key_access_logs`).
				WillReturnResult(sqlmock.NewResult(1, 1))

			stats, err := dlqClient.Drain(ctx, r.ReplayHandler())
			Expect(err).ToNot(HaveOccurred())
			Expect(stats.Processed).To(Equal(1))
		})

		It("discards malformed parked entries instead of wedging the drain", func() {
			r := newRecorder(dlqClient)
			Expect(dlqClient.Push(ctx, dlq.Entry{Kind: "access", Payload: []byte("not json")})).To(Succeed())

			stats, err := dlqClient.Drain(ctx, r.ReplayHandler())
			Expect(err).ToNot(HaveOccurred())
			Expect(stats.Processed).To(Equal(1))

			n, err := dlqClient.Len(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(BeZero())
		})
	})
})
