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

package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	kmecrypto "github.com/jordigilh/kme/pkg/kme/crypto"
	"github.com/jordigilh/kme/pkg/kme/etsi"
	"github.com/jordigilh/kme/pkg/kme/kmeerrors"
	"github.com/jordigilh/kme/pkg/kme/storage"
)

func TestServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Server Suite")
}

var _ = Describe("statusFor", func() {
	It("maps every kind to its documented status code", func() {
		for kind, want := range map[kmeerrors.Kind]int{
			kmeerrors.KindInvalidRequest:       http.StatusBadRequest,
			kmeerrors.KindNotFound:             http.StatusBadRequest,
			kmeerrors.KindExtensionUnsupported: http.StatusBadRequest,
			kmeerrors.KindAuthenticationFailed: http.StatusUnauthorized,
			kmeerrors.KindUnauthorized:         http.StatusUnauthorized,
			kmeerrors.KindExhausted:            http.StatusServiceUnavailable,
			kmeerrors.KindInsufficient:         http.StatusServiceUnavailable,
			kmeerrors.KindIntegrityError:       http.StatusServiceUnavailable,
			kmeerrors.KindDuplicateKeyID:       http.StatusServiceUnavailable,
			kmeerrors.KindStorageUnavailable:   http.StatusServiceUnavailable,
			kmeerrors.KindServiceUnavailable:   http.StatusServiceUnavailable,
		} {
			Expect(statusFor(kind)).To(Equal(want), string(kind))
		}
	})
})

var _ = Describe("writeError", func() {
	It("renders the envelope with kind, details, and correlation id", func() {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/x/status", nil)

		var captured *http.Request
		handler := requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = r
			writeError(w, r, kmeerrors.New(kmeerrors.KindInvalidRequest, "key request validation failed").
				WithDetail("number", "must be at least 1"))
		}))
		handler.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))

		var body etsi.ErrorResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body.Message).To(Equal("key request validation failed"))
		Expect(body.ErrorCode).To(Equal("INVALID_REQUEST"))
		Expect(body.Details).To(HaveLen(1))
		Expect(body.Details[0]).To(HaveKeyWithValue("number", "must be at least 1"))
		Expect(body.RequestID).To(Equal(requestIDFrom(captured.Context()).String()))
	})

	It("never leaks the internal cause", func() {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		writeError(rec, req, kmeerrors.Wrap(kmeerrors.KindStorageUnavailable,
			"failed to load key record", errDSN{}))

		Expect(rec.Body.String()).ToNot(ContainSubstring("password"))
		Expect(rec.Body.String()).To(ContainSubstring("failed to load key record"))
	})
})

type errDSN struct{}

func (errDSN) Error() string { return "dial postgres://kme:password@db failed" }

var _ = Describe("requestID", func() {
	It("honours a well-formed inbound X-Request-ID", func() {
		id := uuid.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", id.String())

		rec := httptest.NewRecorder()
		requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(requestIDFrom(r.Context())).To(Equal(id))
		})).ServeHTTP(rec, req)

		Expect(rec.Header().Get("X-Request-ID")).To(Equal(id.String()))
	})

	It("replaces a malformed inbound id", func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "../../etc/passwd")

		rec := httptest.NewRecorder()
		requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(requestIDFrom(r.Context())).ToNot(Equal(uuid.Nil))
		})).ServeHTTP(rec, req)

		Expect(rec.Header().Get("X-Request-ID")).ToNot(Equal("../../etc/passwd"))
	})
})

func makeClientCert(cn string) *x509.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	Expect(err).ToNot(HaveOccurred())
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	Expect(err).ToNot(HaveOccurred())
	cert, err := x509.ParseCertificate(der)
	Expect(err).ToNot(HaveOccurred())
	return cert
}

var _ = Describe("authenticate", func() {
	var (
		db   *sqlx.DB
		mock sqlmock.Sqlmock
		next http.Handler
	)

	const saeID = "SAE-MASTER-00001"

	saeRow := func(fingerprint, status string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"sae_id", "kme_id", "certificate_fingerprint", "status",
			"max_keys_per_request", "max_key_size", "min_key_size",
			"created_at", "updated_at",
		}).AddRow(saeID, "KME-EAST-0000001", fingerprint, status, nil, nil, nil, time.Now(), time.Now())
	}

	BeforeEach(func() {
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		db = sqlx.NewDb(raw, "pgx")
		mock = m
		next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identityFrom(r.Context())
			Expect(ok).To(BeTrue())
			Expect(id.SAEID).To(Equal(saeID))
			w.WriteHeader(http.StatusOK)
		})
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		_ = db.Close()
	})

	serve := func(cert *x509.Certificate) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/x/status", nil)
		if cert != nil {
			req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
		}
		rec := httptest.NewRecorder()
		mw := authenticate(storage.NewSAEStore(db), logr.Discard())
		requestID(mw(next)).ServeHTTP(rec, req)
		return rec
	}

	It("rejects a request without a client certificate", func() {
		rec := serve(nil)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("admits a registered, active SAE with a pinned certificate", func() {
		cert := makeClientCert(saeID)
		mock.ExpectQuery(`SELECT \* FROM saes WHERE sae_id = \$1`).
			WithArgs(saeID).
			WillReturnRows(saeRow(kmecrypto.FingerprintSHA256(cert.Raw), "active"))

		Expect(serve(cert).Code).To(Equal(http.StatusOK))
	})

	It("rejects a fingerprint mismatch", func() {
		cert := makeClientCert(saeID)
		mock.ExpectQuery(`SELECT \* FROM saes WHERE sae_id = \$1`).
			WithArgs(saeID).
			WillReturnRows(saeRow("0000000000000000", "active"))

		rec := serve(cert)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(rec.Body.String()).To(ContainSubstring("AUTHENTICATION_FAILED"))
	})

	It("rejects a suspended SAE", func() {
		cert := makeClientCert(saeID)
		mock.ExpectQuery(`SELECT \* FROM saes WHERE sae_id = \$1`).
			WithArgs(saeID).
			WillReturnRows(saeRow(kmecrypto.FingerprintSHA256(cert.Raw), "suspended"))

		rec := serve(cert)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(rec.Body.String()).To(ContainSubstring("UNAUTHORIZED"))
	})

	It("rejects an unregistered SAE", func() {
		cert := makeClientCert(saeID)
		mock.ExpectQuery(`SELECT \* FROM saes WHERE sae_id = \$1`).
			WithArgs(saeID).
			WillReturnRows(sqlmock.NewRows([]string{"sae_id"}))

		rec := serve(cert)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})
})

var _ = Describe("openapi document", func() {
	It("loads and validates at startup", func() {
		router, err := newOpenAPIRouter()
		Expect(err).ToNot(HaveOccurred())
		Expect(router).ToNot(BeNil())
	})
})
