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

package pool_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/kme/pkg/kme/crypto"
	"github.com/jordigilh/kme/pkg/kme/generator"
	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
	"github.com/jordigilh/kme/pkg/kme/pool"
	"github.com/jordigilh/kme/pkg/kme/storage"
)

func TestPool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pool Suite")
}

// staticSource returns fixed pseudo-random material without quality gates,
// keeping replenishment tests deterministic.
type staticSource struct {
	generated int
}

func (s *staticSource) Generate(_ context.Context, n, sizeBits int) ([]generator.RawKey, error) {
	out := make([]generator.RawKey, n)
	for i := range out {
		buf := make([]byte, sizeBits/8)
		_, _ = rand.Read(buf)
		out[i] = generator.RawKey{Bytes: buf, SizeBits: sizeBits, Source: "test"}
	}
	s.generated += n
	return out, nil
}

var _ = Describe("Manager", func() {
	var (
		db   *sqlx.DB
		mock sqlmock.Sqlmock
		mgr  *pool.Manager
		gen  *staticSource
		ctx  context.Context
	)

	newManager := func(maxCount, threshold int) {
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		db = sqlx.NewDb(raw, "pgx")
		mock = m

		masterKey := make([]byte, crypto.MasterKeySize)
		_, err = rand.Read(masterKey)
		Expect(err).ToNot(HaveOccurred())
		sealer, err := crypto.NewSealerFromBytes(masterKey)
		Expect(err).ToNot(HaveOccurred())

		store := storage.NewKeyStore(db, sealer, storage.KeyStoreConfig{
			KMEID:     "KME-EAST-0000001",
			SingleUse: true,
		}, logr.Discard())

		gen = &staticSource{}
		mgr = pool.NewManager(store, gen, pool.Config{
			KMEID:              "KME-EAST-0000001",
			MaxKeyCount:        maxCount,
			MinKeyThreshold:    threshold,
			DefaultKeySizeBits: 256,
			KeyExpiry:          time.Hour,
		}, nil, logr.Discard())
		ctx = context.Background()
	}

	// expectSnapshot primes the four reads behind one Status computation.
	expectSnapshot := func(total, active, expired, consumed int) {
		mock.ExpectQuery(`SELECT\s+count\(\*\) AS total`).
			WillReturnRows(sqlmock.NewRows([]string{"total", "active", "expired", "consumed"}).
				AddRow(total, active, expired, consumed))
		mock.ExpectQuery(`SELECT last_generation_at FROM key_pool_status`).
			WillReturnRows(sqlmock.NewRows([]string{"last_generation_at"}).AddRow(nil))
		mock.ExpectQuery(`SELECT count\(\*\) FROM keys WHERE is_consumed AND consumed_at`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(consumed))
		mock.ExpectQuery(`SELECT count\(\*\) FROM keys WHERE created_at`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(total))
	}

	// expectAvailable primes the per-size pool count behind one
	// CheckAvailability call.
	expectAvailable := func(count int) {
		mock.ExpectQuery(`SELECT count\(\*\) FROM keys\s+WHERE master_sae_id`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(count))
	}

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		_ = db.Close()
	})

	Describe("Status", func() {
		It("classifies health from the active count", func() {
			newManager(10000, 100)
			expectSnapshot(6000, 5000, 500, 500)

			snap, err := mgr.Status(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Health).To(Equal(pool.Healthy))
			Expect(snap.ActiveKeys).To(Equal(5000))
			Expect(snap.AvailabilityPercentage).To(BeNumerically("==", 50))
		})

		It("serves the cached snapshot while the store is unchanged", func() {
			newManager(10000, 100)
			expectSnapshot(6000, 5000, 500, 500)

			first, err := mgr.Status(ctx)
			Expect(err).ToNot(HaveOccurred())
			second, err := mgr.Status(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(second).To(Equal(first))
		})

		It("reports warning below twice the threshold", func() {
			newManager(10000, 100)
			expectSnapshot(300, 150, 0, 150)

			snap, err := mgr.Status(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Health).To(Equal(pool.Warning))
		})

		It("reports exhausted at zero active keys", func() {
			newManager(10000, 100)
			expectSnapshot(100, 0, 50, 50)

			snap, err := mgr.Status(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Health).To(Equal(pool.Exhausted))
		})
	})

	Describe("CheckAvailability", func() {
		It("admits a request the pool can satisfy", func() {
			newManager(10000, 100)
			expectSnapshot(6000, 5000, 500, 500)
			expectAvailable(5000)
			Expect(mgr.CheckAvailability(ctx, 10, 256)).To(Succeed())
		})

		It("refuses with exhaustion when nothing is active", func() {
			newManager(10000, 100)
			expectSnapshot(100, 0, 50, 50)
			expectAvailable(0)

			err := mgr.CheckAvailability(ctx, 1, 256)
			Expect(kmeerrors.KindOf(err)).To(Equal(kmeerrors.KindExhausted))
		})

		It("counts sufficiency per key size", func() {
			// Pool healthy overall, but nothing stocked at the requested
			// size.
			newManager(10000, 100)
			expectSnapshot(6000, 5000, 500, 500)
			expectAvailable(0)

			err := mgr.CheckAvailability(ctx, 1, 1024)
			Expect(kmeerrors.KindOf(err)).To(Equal(kmeerrors.KindExhausted))
		})

		It("refuses with insufficiency when fewer keys than requested remain", func() {
			newManager(10000, 2)
			expectSnapshot(10, 5, 0, 5)
			expectAvailable(5)

			err := mgr.CheckAvailability(ctx, 10, 256)
			kerr := kmeerrors.AsError(err)
			Expect(kerr.Kind).To(Equal(kmeerrors.KindInsufficient))
			Expect(kerr.Details[0].Reason).To(ContainSubstring("5 of 10"))
		})

		It("applies backpressure while the pool is critical", func() {
			newManager(10000, 100)
			expectSnapshot(100, 50, 0, 50)
			expectAvailable(50)

			err := mgr.CheckAvailability(ctx, 10, 256)
			Expect(kmeerrors.KindOf(err)).To(Equal(kmeerrors.KindServiceUnavailable))
		})
	})

	Describe("Replenish", func() {
		It("tops the pool up to the configured maximum", func() {
			newManager(3, 2)
			expectSnapshot(1, 1, 0, 0)
			// Two generated keys, each committed individually.
			for i := 0; i < 2; i++ {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO keys`).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			}
			mock.ExpectExec(`UPDATE key_pool_status SET last_generation_at`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(mgr.Replenish(ctx, false)).To(Succeed())
			Expect(gen.generated).To(Equal(2))
		})

		It("skips a periodic run while the pool is above threshold", func() {
			newManager(10000, 100)
			expectSnapshot(6000, 5000, 500, 500)

			Expect(mgr.Replenish(ctx, false)).To(Succeed())
			Expect(gen.generated).To(BeZero())
		})

		It("caps an emergency run at the batch size", func() {
			newManager(10000, 100)
			expectSnapshot(100, 0, 50, 50)
			// Emergency batch default is 100 keys.
			for i := 0; i < 100; i++ {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO keys`).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			}
			mock.ExpectExec(`UPDATE key_pool_status SET last_generation_at`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(mgr.Replenish(ctx, true)).To(Succeed())
			Expect(gen.generated).To(Equal(100))
		})
	})

	Describe("CheckAlertConditions", func() {
		It("raises threshold and transition alerts for a critical pool", func() {
			newManager(10000, 100)
			expectSnapshot(100, 50, 0, 50)

			alerts, err := mgr.CheckAlertConditions(ctx)
			Expect(err).ToNot(HaveOccurred())

			names := make([]string, 0, len(alerts))
			for _, a := range alerts {
				names = append(names, a.Name)
			}
			Expect(names).To(ContainElements("pool_below_threshold", "pool_health_transition"))
		})

		It("flags consumption outpacing generation", func() {
			newManager(10000, 100)
			mock.ExpectQuery(`SELECT\s+count\(\*\) AS total`).
				WillReturnRows(sqlmock.NewRows([]string{"total", "active", "expired", "consumed"}).
					AddRow(10000, 5000, 0, 5000))
			mock.ExpectQuery(`SELECT last_generation_at FROM key_pool_status`).
				WillReturnRows(sqlmock.NewRows([]string{"last_generation_at"}).AddRow(nil))
			mock.ExpectQuery(`SELECT count\(\*\) FROM keys WHERE is_consumed AND consumed_at`).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(900))
			mock.ExpectQuery(`SELECT count\(\*\) FROM keys WHERE created_at`).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(500))

			alerts, err := mgr.CheckAlertConditions(ctx)
			Expect(err).ToNot(HaveOccurred())

			var found bool
			for _, a := range alerts {
				if a.Name == "consumption_exceeds_generation" {
					found = true
					Expect(a.Severity).To(Equal("warning"))
				}
			}
			Expect(found).To(BeTrue())
		})
	})
})
