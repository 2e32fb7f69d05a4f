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

package crypto_test

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/kme/pkg/kme/crypto"
)

func TestCrypto(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Crypto Suite")
}

func newSealer() *crypto.Sealer {
	key := make([]byte, crypto.MasterKeySize)
	_, err := rand.Read(key)
	Expect(err).ToNot(HaveOccurred())
	s, err := crypto.NewSealerFromBytes(key)
	Expect(err).ToNot(HaveOccurred())
	return s
}

var _ = Describe("Sealer", func() {
	var (
		sealer    *crypto.Sealer
		plaintext []byte
		aad       []byte
	)

	BeforeEach(func() {
		sealer = newSealer()
		plaintext = []byte("0123456789abcdef0123456789abcdef0123456789ab")
		aad = []byte("85a1dbbc-2a52-44fe-a0a2-b393e1a523cc")
	})

	It("round-trips plaintext under the same associated data", func() {
		ciphertext, err := sealer.Seal(plaintext, aad)
		Expect(err).ToNot(HaveOccurred())
		Expect(ciphertext).ToNot(Equal(plaintext))

		out, err := sealer.Open(ciphertext, aad)
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal(plaintext))
	})

	It("produces distinct ciphertexts for identical plaintexts", func() {
		a, err := sealer.Seal(plaintext, aad)
		Expect(err).ToNot(HaveOccurred())
		b, err := sealer.Seal(plaintext, aad)
		Expect(err).ToNot(HaveOccurred())
		Expect(bytes.Equal(a, b)).To(BeFalse())
	})

	It("refuses to open under different associated data", func() {
		ciphertext, err := sealer.Seal(plaintext, aad)
		Expect(err).ToNot(HaveOccurred())

		_, err = sealer.Open(ciphertext, []byte("another-key-id"))
		Expect(err).To(MatchError(crypto.ErrDecryptFailed))
	})

	It("refuses tampered ciphertext", func() {
		ciphertext, err := sealer.Seal(plaintext, aad)
		Expect(err).ToNot(HaveOccurred())

		ciphertext[len(ciphertext)-1] ^= 0x01
		_, err = sealer.Open(ciphertext, aad)
		Expect(err).To(MatchError(crypto.ErrDecryptFailed))
	})

	It("rejects master keys of the wrong length", func() {
		_, err := crypto.NewSealerFromBytes(make([]byte, 16))
		Expect(err).To(HaveOccurred())

		short := base64.StdEncoding.EncodeToString(make([]byte, 8))
		_, err = crypto.NewSealer(short)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Integrity", func() {
	It("verifies an untouched hash", func() {
		material := []byte("key material")
		Expect(crypto.VerifyIntegrity(material, crypto.IntegrityHash(material))).To(Succeed())
	})

	It("detects a flipped bit", func() {
		material := []byte("key material")
		hash := crypto.IntegrityHash(material)
		material[0] ^= 0x01
		Expect(crypto.VerifyIntegrity(material, hash)).To(MatchError(crypto.ErrIntegrityMismatch))
	})

	It("detects a truncated hash", func() {
		material := []byte("key material")
		hash := crypto.IntegrityHash(material)
		Expect(crypto.VerifyIntegrity(material, hash[:16])).To(MatchError(crypto.ErrIntegrityMismatch))
	})
})
