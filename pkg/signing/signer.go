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
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"
	"knative.dev/pkg/logging"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

// Signer produces signatures over artifact digests. Signing of the same
// (registry, repository, digest) is serialized to prevent double-sign
// races; distinct targets sign freely in parallel.
type Signer struct {
	ca  CertificateAuthority
	log TransparencyLog
	idp IdentityProvider

	clock func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSigner wires a signer. log may be nil for key-based signing without
// a transparency log.
func NewSigner(ca CertificateAuthority, log TransparencyLog, idp IdentityProvider) *Signer {
	return &Signer{ca: ca, log: log, idp: idp, clock: time.Now, locks: map[string]*sync.Mutex{}}
}

// withClock fixes time for tests.
func (s *Signer) withClock(clock func() time.Time) *Signer {
	s.clock = clock
	return s
}

// targetLock returns the per-target mutex, creating it on first use.
func (s *Signer) targetLock(t Target) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := t.String()
	if _, ok := s.locks[key]; !ok {
		s.locks[key] = &sync.Mutex{}
	}
	return s.locks[key]
}

// SignKeyless signs a target digest with an ephemeral certificate bound
// to the provider's OIDC identity, uploads a transparency-log entry and
// returns the signature metadata to annotate the artifact with.
//
// The flow retries the network stages once on failure before giving up.
func (s *Signer) SignKeyless(ctx context.Context, target Target) (*SignatureMetadata, error) {
	lock := s.targetLock(target)
	lock.Lock()
	defer lock.Unlock()
	logger := logging.FromContext(ctx)

	token, err := onceRetry(ctx, func() (IdentityToken, error) { return s.idp.Token(ctx) })
	if err != nil {
		return nil, &SigningError{Ref: target.String(), Stage: "oidc", Reason: err.Error(), Err: err}
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &SigningError{Ref: target.String(), Stage: "keygen", Reason: err.Error(), Err: err}
	}
	sv, err := signature.LoadECDSASignerVerifier(priv, crypto.SHA256)
	if err != nil {
		return nil, &SigningError{Ref: target.String(), Stage: "keygen", Reason: err.Error(), Err: err}
	}

	// Prove key possession to the CA by signing the token subject.
	pop, err := sv.SignMessage(strings.NewReader(token.Subject))
	if err != nil {
		return nil, &SigningError{Ref: target.String(), Stage: "proof-of-possession", Reason: err.Error(), Err: err}
	}
	chain, err := onceRetry(ctx, func() ([]*x509.Certificate, error) {
		return s.ca.IssueCertificate(ctx, CertificateRequest{
			PublicKey:         priv.Public(),
			Token:             token,
			ProofOfPossession: pop,
		})
	})
	if err != nil {
		return nil, &SigningError{Ref: target.String(), Stage: "fulcio", Reason: err.Error(), Err: err}
	}
	if len(chain) == 0 {
		return nil, &SigningError{Ref: target.String(), Stage: "fulcio", Reason: "certificate authority returned an empty chain"}
	}

	return s.finish(ctx, target, sv, chain, "", token.Issuer, token.Subject, ModeKeyless, true, logger)
}

// SignWithKey signs a target digest with a private key loaded from a
// secret reference. The transparency-log upload is optional.
func (s *Signer) SignWithKey(ctx context.Context, target Target, keyRef *v1alpha1.SecretReference, uploadTlog bool) (*SignatureMetadata, error) {
	lock := s.targetLock(target)
	lock.Lock()
	defer lock.Unlock()
	logger := logging.FromContext(ctx)

	pemBytes, err := loadKeyMaterial(keyRef)
	if err != nil {
		return nil, &SigningError{Ref: target.String(), Stage: "key-load", Reason: err.Error(), Err: err}
	}
	priv, err := cryptoutils.UnmarshalPEMToPrivateKey(pemBytes, cryptoutils.SkipPassword)
	if err != nil {
		return nil, &SigningError{Ref: target.String(), Stage: "key-load", Reason: err.Error(), Err: err}
	}
	sv, err := signature.LoadSignerVerifier(priv, crypto.SHA256)
	if err != nil {
		return nil, &SigningError{Ref: target.String(), Stage: "key-load", Reason: err.Error(), Err: err}
	}

	pub, err := sv.PublicKey()
	if err != nil {
		return nil, &SigningError{Ref: target.String(), Stage: "key-load", Reason: err.Error(), Err: err}
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, &SigningError{Ref: target.String(), Stage: "key-load", Reason: err.Error(), Err: err}
	}
	hint := certFingerprint(der)

	return s.finish(ctx, target, sv, nil, hint, "", "key:"+hint, ModeKeyBased, uploadTlog, logger)
}

// finish is the shared tail of both signing modes: sign the digest,
// upload the log entry, build the bundle and assemble metadata.
func (s *Signer) finish(ctx context.Context, target Target, sv signature.SignerVerifier,
	chain []*x509.Certificate, keyHint, issuer, subject, mode string, uploadTlog bool,
	logger interface{ Infow(string, ...interface{}) }) (*SignatureMetadata, error) {

	payload := []byte(target.Digest)
	sig, err := sv.SignMessage(bytes.NewReader(payload))
	if err != nil {
		return nil, &SigningError{Ref: target.String(), Stage: "sign", Reason: err.Error(), Err: err}
	}
	digest := sha256.Sum256(payload)
	digestHex := fmt.Sprintf("%x", digest)

	var record *LogEntryRecord
	if uploadTlog && s.log != nil {
		var material []byte
		if len(chain) > 0 {
			material, err = cryptoutils.MarshalCertificateToPEM(chain[0])
		} else {
			var pub crypto.PublicKey
			pub, err = sv.PublicKey()
			if err == nil {
				material, err = cryptoutils.MarshalPublicKeyToPEM(pub)
			}
		}
		if err != nil {
			return nil, &SigningError{Ref: target.String(), Stage: "rekor", Reason: err.Error(), Err: err}
		}
		record, err = onceRetry(ctx, func() (*LogEntryRecord, error) {
			return s.log.Upload(ctx, LogEntry{DigestHex: digestHex, Signature: sig, PublicKeyPEM: material})
		})
		if err != nil {
			return nil, &SigningError{Ref: target.String(), Stage: "rekor", Reason: err.Error(), Err: err}
		}
	}

	bundle, err := buildBundle(digestHex, sig, chain, keyHint, record)
	if err != nil {
		return nil, &SigningError{Ref: target.String(), Stage: "bundle", Reason: err.Error(), Err: err}
	}
	encoded, err := encodeBundle(bundle)
	if err != nil {
		return nil, &SigningError{Ref: target.String(), Stage: "bundle", Reason: err.Error(), Err: err}
	}

	fingerprint := keyHint
	if len(chain) > 0 {
		fingerprint = certFingerprint(chain[0].Raw)
	}
	md := &SignatureMetadata{
		Bundle:                 encoded,
		Mode:                   mode,
		Issuer:                 issuer,
		Subject:                subject,
		SignedAt:               s.clock().UTC().Format(time.RFC3339),
		CertificateFingerprint: fingerprint,
	}
	if record != nil {
		md.RekorLogIndex = record.LogIndex
	}
	logger.Infow("artifact signed", "target", target.String(), "mode", mode, "subject", subject)
	return md, nil
}

// loadKeyMaterial resolves a key secret reference. Only local sources
// are supported at signing time; vault-class backends must be synced
// into one of these first.
func loadKeyMaterial(ref *v1alpha1.SecretReference) ([]byte, error) {
	if ref == nil {
		return nil, fmt.Errorf("no key reference supplied")
	}
	switch ref.Source {
	case v1alpha1.SecretSourceEnv:
		v := os.Getenv(strings.ToUpper(strings.ReplaceAll(ref.Name, "-", "_")))
		if v == "" {
			return nil, fmt.Errorf("environment variable for secret %q is empty", ref.Name)
		}
		return []byte(v), nil
	case v1alpha1.SecretSourceKubernetes:
		key := ref.Key
		if key == "" {
			key = "key.pem"
		}
		return os.ReadFile(filepath.Join("/var/run/secrets/floe", ref.Name, key))
	default:
		return nil, fmt.Errorf("secret source %q cannot be read at signing time", ref.Source)
	}
}

// onceRetry runs fn and retries exactly once on failure. Signing-path
// network calls get a single second chance, per the error policy.
func onceRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	out, err := fn()
	if err == nil || ctx.Err() != nil {
		return out, err
	}
	return fn()
}
