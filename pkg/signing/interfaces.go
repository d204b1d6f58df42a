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
	"crypto"
	"crypto/x509"
)

// CertificateAuthority issues short-lived signing certificates bound to
// an OIDC identity. The production implementation talks to Fulcio; tests
// use an in-memory CA.
type CertificateAuthority interface {
	// IssueCertificate returns the certificate chain, leaf first.
	IssueCertificate(ctx context.Context, req CertificateRequest) ([]*x509.Certificate, error)

	// Roots returns the CA root pool verification trusts.
	Roots(ctx context.Context) (*x509.CertPool, error)
}

// CertificateRequest carries what the CA needs: a public key and the
// identity token proving control of the subject.
type CertificateRequest struct {
	PublicKey crypto.PublicKey
	Token     IdentityToken
	// ProofOfPossession is the token subject signed with the private
	// key, proving the requester holds it.
	ProofOfPossession []byte
}

// TransparencyLog appends and checks signing events. The production
// implementation is a Rekor client; tests use a slice-backed log.
type TransparencyLog interface {
	// Upload appends a hashedrekord-shaped entry and returns its
	// coordinates in the log.
	Upload(ctx context.Context, entry LogEntry) (*LogEntryRecord, error)

	// VerifyInclusion confirms the entry at the given index matches the
	// supplied entry content.
	VerifyInclusion(ctx context.Context, record LogEntryRecord) error
}

// LogEntry is the content appended to the transparency log.
type LogEntry struct {
	// DigestHex is the hex sha256 of the signed payload.
	DigestHex string
	Signature []byte
	// PublicKeyPEM is the verification material: the signing certificate
	// or the raw public key.
	PublicKeyPEM []byte
}

// LogEntryRecord locates an entry in the log.
type LogEntryRecord struct {
	LogIndex       int64
	LogID          string
	IntegratedTime int64
	Entry          LogEntry
}

// IdentityProvider acquires the OIDC token for keyless signing.
type IdentityProvider interface {
	Token(ctx context.Context) (IdentityToken, error)
}

// IdentityToken is the parsed carrier of an OIDC identity. Raw is opaque
// to the core; issuer and subject are the only inspected claims, and they
// are confirmed by the CA, not trusted locally.
type IdentityToken struct {
	Raw     string
	Issuer  string
	Subject string
}

// AttestationChecker reports whether an SBOM attestation is attached to
// an artifact. The production implementation reads cosign attestations
// from the registry.
type AttestationChecker interface {
	HasSBOM(ctx context.Context, target Target) (bool, error)
}
