// Copyright 2024 The Floe Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"
)

// FakeCA is an in-memory certificate authority for tests and local
// development. It mirrors Fulcio's shape: short-lived leaves carrying
// the OIDC issuer extension and the subject as a SAN.
type FakeCA struct {
	mu        sync.Mutex
	rootCert  *x509.Certificate
	rootKey   *ecdsa.PrivateKey
	issuances int

	// LeafTTL bounds issued certificates; ten minutes when zero.
	LeafTTL time.Duration
	// Clock fixes issuance time for expiry tests.
	Clock func() time.Time
	// Err, when set, fails every issuance.
	Err error
}

// NewFakeCA generates a self-signed root.
func NewFakeCA() (*FakeCA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	// A wide validity window so clock-skewed tests still chain up.
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "floe-test-root"},
		NotBefore:             time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:              time.Date(2050, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &FakeCA{rootCert: cert, rootKey: key}, nil
}

// IssueCertificate implements CertificateAuthority.
func (c *FakeCA) IssueCertificate(_ context.Context, req CertificateRequest) ([]*x509.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	c.issuances++

	now := time.Now()
	if c.Clock != nil {
		now = c.Clock()
	}
	ttl := c.LeafTTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(int64(c.issuances) + 1),
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(ttl),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		ExtraExtensions: []pkix.Extension{{
			Id:    oidcIssuerOID,
			Value: []byte(req.Token.Issuer),
		}},
	}
	subject := req.Token.Subject
	if strings.Contains(subject, "@") {
		tmpl.EmailAddresses = []string{subject}
	} else if u, err := url.Parse(subject); err == nil && u.Scheme != "" {
		tmpl.URIs = []*url.URL{u}
	} else {
		return nil, fmt.Errorf("token subject %q is neither an email nor a URI", subject)
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.rootCert, req.PublicKey, c.rootKey)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return []*x509.Certificate{leaf, c.rootCert}, nil
}

// Roots implements CertificateAuthority.
func (c *FakeCA) Roots(context.Context) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	pool.AddCert(c.rootCert)
	return pool, nil
}

// Issuances reports how many certificates were issued.
func (c *FakeCA) Issuances() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.issuances
}

// FakeLog is a slice-backed transparency log.
type FakeLog struct {
	mu      sync.Mutex
	entries []LogEntry

	// UploadErr, when set, fails every upload.
	UploadErr error
	// InclusionErr, when set, fails every inclusion check.
	InclusionErr error
}

// Upload implements TransparencyLog.
func (l *FakeLog) Upload(_ context.Context, entry LogEntry) (*LogEntryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.UploadErr != nil {
		return nil, l.UploadErr
	}
	// Indices are 1-based; a zero index means "no entry" downstream.
	l.entries = append(l.entries, entry)
	return &LogEntryRecord{
		LogIndex:       int64(len(l.entries)),
		LogID:          "fake-log",
		IntegratedTime: time.Now().Unix(),
		Entry:          entry,
	}, nil
}

// VerifyInclusion implements TransparencyLog.
func (l *FakeLog) VerifyInclusion(_ context.Context, record LogEntryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.InclusionErr != nil {
		return l.InclusionErr
	}
	if record.LogIndex < 1 || record.LogIndex > int64(len(l.entries)) {
		return fmt.Errorf("log index %d not found", record.LogIndex)
	}
	return nil
}

// Size reports the number of uploaded entries.
func (l *FakeLog) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// FakeIdentityProvider mints fixed tokens.
type FakeIdentityProvider struct {
	Issuer  string
	Subject string
	// Err, when set, fails every token request.
	Err error
}

// Token implements IdentityProvider.
func (p *FakeIdentityProvider) Token(context.Context) (IdentityToken, error) {
	if p.Err != nil {
		return IdentityToken{}, p.Err
	}
	return IdentityToken{Raw: "fake-token", Issuer: p.Issuer, Subject: p.Subject}, nil
}

// FakeAttestations answers SBOM checks from a fixed set of digests.
type FakeAttestations struct {
	SBOMs map[string]bool
	// Err, when set, fails every lookup.
	Err error
}

// HasSBOM implements AttestationChecker.
func (a *FakeAttestations) HasSBOM(_ context.Context, target Target) (bool, error) {
	if a.Err != nil {
		return false, a.Err
	}
	return a.SBOMs[target.Digest], nil
}
