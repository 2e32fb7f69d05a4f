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

package config_test

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/kme/pkg/kme/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

const validYAML = `
kme:
  id: KME-EAST-0000001
  target_id: KME-WEST-0000001
keys:
  default_size_bits: 256
  min_size_bits: 64
  max_size_bits: 1024
  max_keys_per_request: 64
  expiry: 12h
pool:
  max_key_count: 5000
  min_key_threshold: 100
database:
  host: localhost
  port: 5432
  name: kme
  user: kme
server:
  listen_addr: ":8443"
  tls:
    cert_file: /etc/kme/tls/server.crt
    key_file: /etc/kme/tls/server.key
    client_ca_file: /etc/kme/tls/clients.pem
`

var _ = Describe("LoadFromFile", func() {
	var dir string

	writeConfig := func(content string) string {
		path := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
		return path
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		GinkgoT().Setenv("KME_MASTER_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))
		GinkgoT().Setenv("KME_DB_PASSWORD", "secret")
	})

	It("loads a valid file and applies defaults", func() {
		cfg, err := config.LoadFromFile(writeConfig(validYAML))
		Expect(err).ToNot(HaveOccurred())

		Expect(cfg.KME.ID).To(Equal("KME-EAST-0000001"))
		Expect(cfg.Keys.DefaultSizeBits).To(Equal(256))
		Expect(cfg.Keys.Expiry).To(Equal(12 * time.Hour))
		Expect(cfg.Keys.SingleUseEnabled()).To(BeTrue())
		Expect(cfg.Pool.ReplenishPeriod).To(Equal(5 * time.Minute))
		Expect(cfg.Server.ShutdownTimeout).To(Equal(30 * time.Second))
		Expect(cfg.Database.Password).To(Equal("secret"))
		Expect(cfg.Database.DSN()).To(ContainSubstring("sslmode=require"))
	})

	It("honours an explicit single_use: false", func() {
		multiUse := `
kme:
  id: KME-EAST-0000001
  target_id: KME-WEST-0000001
keys:
  default_size_bits: 256
  min_size_bits: 64
  max_size_bits: 1024
  max_keys_per_request: 64
  expiry: 12h
  single_use: false
pool:
  max_key_count: 5000
  min_key_threshold: 100
database:
  host: localhost
  port: 5432
  name: kme
  user: kme
server:
  listen_addr: ":8443"
  tls:
    cert_file: /a
    key_file: /b
    client_ca_file: /c
`
		cfg, err := config.LoadFromFile(writeConfig(multiUse))
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Keys.SingleUseEnabled()).To(BeFalse())
	})

	It("fails without the master key secret", func() {
		GinkgoT().Setenv("KME_MASTER_KEY", "")
		_, err := config.LoadFromFile(writeConfig(validYAML))
		Expect(err).To(MatchError(ContainSubstring("KME_MASTER_KEY")))
	})

	It("fails without the database password", func() {
		GinkgoT().Setenv("KME_DB_PASSWORD", "")
		_, err := config.LoadFromFile(writeConfig(validYAML))
		Expect(err).To(MatchError(ContainSubstring("KME_DB_PASSWORD")))
	})

	It("rejects key sizes that are not multiples of 8", func() {
		bad := `
kme:
  id: KME-EAST-0000001
  target_id: KME-WEST-0000001
keys:
  default_size_bits: 250
  min_size_bits: 64
  max_size_bits: 1024
  max_keys_per_request: 64
  expiry: 12h
pool:
  max_key_count: 5000
  min_key_threshold: 100
database:
  host: localhost
  port: 5432
  name: kme
  user: kme
server:
  listen_addr: ":8443"
  tls:
    cert_file: /a
    key_file: /b
    client_ca_file: /c
`
		_, err := config.LoadFromFile(writeConfig(bad))
		Expect(err).To(MatchError(ContainSubstring("multiples of 8")))
	})

	It("rejects a KME paired with itself", func() {
		bad := `
kme:
  id: KME-EAST-0000001
  target_id: KME-EAST-0000001
keys:
  default_size_bits: 256
  min_size_bits: 64
  max_size_bits: 1024
  max_keys_per_request: 64
  expiry: 12h
pool:
  max_key_count: 5000
  min_key_threshold: 100
database:
  host: localhost
  port: 5432
  name: kme
  user: kme
server:
  listen_addr: ":8443"
  tls:
    cert_file: /a
    key_file: /b
    client_ca_file: /c
`
		_, err := config.LoadFromFile(writeConfig(bad))
		Expect(err).To(MatchError(ContainSubstring("must differ")))
	})

	It("rejects a threshold at or above the pool maximum", func() {
		bad := `
kme:
  id: KME-EAST-0000001
  target_id: KME-WEST-0000001
keys:
  default_size_bits: 256
  min_size_bits: 64
  max_size_bits: 1024
  max_keys_per_request: 64
  expiry: 12h
pool:
  max_key_count: 100
  min_key_threshold: 100
database:
  host: localhost
  port: 5432
  name: kme
  user: kme
server:
  listen_addr: ":8443"
  tls:
    cert_file: /a
    key_file: /b
    client_ca_file: /c
`
		_, err := config.LoadFromFile(writeConfig(bad))
		Expect(err).To(HaveOccurred())
	})

	It("fails cleanly on a missing file", func() {
		_, err := config.LoadFromFile(filepath.Join(dir, "absent.yaml"))
		Expect(err).To(HaveOccurred())
	})
})
