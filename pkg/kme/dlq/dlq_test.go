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

package dlq_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/jordigilh/kme/pkg/kme/dlq"
)

func TestDLQ(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "DLQ Suite")
}

var _ = Describe("Client", func() {
	var (
		mr     *miniredis.Miniredis
		rdb    *redis.Client
		client *dlq.Client
		ctx    context.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		client, err = dlq.NewClient(rdb, 100, logr.Discard())
		Expect(err).ToNot(HaveOccurred())
		ctx = context.Background()
	})

	AfterEach(func() {
		_ = rdb.Close()
		mr.Close()
	})

	It("parks and counts entries", func() {
		Expect(client.Push(ctx, dlq.Entry{Kind: "access", Payload: []byte(`{"a":1}`)})).To(Succeed())
		Expect(client.Push(ctx, dlq.Entry{Kind: "distribution", Payload: []byte(`{"b":2}`)})).To(Succeed())

		n, err := client.Len(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(int64(2)))
	})

	It("drains entries in order and deletes them", func() {
		for i := 0; i < 3; i++ {
			Expect(client.Push(ctx, dlq.Entry{Kind: "access", Payload: []byte(fmt.Sprintf(`{"i":%d}`, i))})).To(Succeed())
		}

		var seen []string
		stats, err := client.Drain(ctx, func(_ context.Context, e dlq.Entry) error {
			seen = append(seen, string(e.Payload))
			return nil
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Processed).To(Equal(3))
		Expect(stats.Failed).To(BeZero())
		Expect(seen).To(Equal([]string{`{"i":0}`, `{"i":1}`, `{"i":2}`}))

		n, err := client.Len(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeZero())
	})

	It("leaves the failing entry and the tail parked", func() {
		Expect(client.Push(ctx, dlq.Entry{Kind: "access", Payload: []byte(`{"ok":true}`)})).To(Succeed())
		Expect(client.Push(ctx, dlq.Entry{Kind: "access", Payload: []byte(`{"bad":true}`)})).To(Succeed())
		Expect(client.Push(ctx, dlq.Entry{Kind: "access", Payload: []byte(`{"tail":true}`)})).To(Succeed())

		stats, err := client.Drain(ctx, func(_ context.Context, e dlq.Entry) error {
			if string(e.Payload) == `{"bad":true}` {
				return fmt.Errorf("database still down")
			}
			return nil
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Processed).To(Equal(1))
		Expect(stats.Failed).To(Equal(1))

		n, err := client.Len(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(int64(2)))
	})

	It("stops on an expired context without error", func() {
		Expect(client.Push(ctx, dlq.Entry{Kind: "access", Payload: []byte(`{}`)})).To(Succeed())

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		stats, err := client.Drain(cancelled, func(context.Context, dlq.Entry) error { return nil })
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.TimedOut).To(BeTrue())
		Expect(stats.Processed).To(BeZero())
	})

	It("requires a redis client", func() {
		_, err := dlq.NewClient(nil, 0, logr.Discard())
		Expect(err).To(HaveOccurred())
	})
})
