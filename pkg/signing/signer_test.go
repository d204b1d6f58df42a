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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sigstore/sigstore/pkg/cryptoutils"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

var testTarget = Target{
	Registry:   "registry.example.com",
	Repository: "floe/sales/orders",
	Digest:     "sha256:a3f5b15e8acf766f3d7c887e7fd0f0c9ad4e9a5fdfdf139cbb06cf43a8f89d2e",
}

func testSigner(t *testing.T) (*Signer, *FakeCA, *FakeLog) {
	t.Helper()
	ca, err := NewFakeCA()
	if err != nil {
		t.Fatalf("NewFakeCA() = %v", err)
	}
	log := &FakeLog{}
	idp := &FakeIdentityProvider{Issuer: "https://oidc.example.com", Subject: "ci@example.com"}
	return NewSigner(ca, log, idp), ca, log
}

func TestSignKeyless(t *testing.T) {
	s, _, log := testSigner(t)

	md, err := s.SignKeyless(context.Background(), testTarget)
	if err != nil {
		t.Fatalf("SignKeyless() = %v", err)
	}
	if md.Mode != ModeKeyless {
		t.Errorf("Mode = %q, wanted %q", md.Mode, ModeKeyless)
	}
	if md.Issuer != "https://oidc.example.com" || md.Subject != "ci@example.com" {
		t.Errorf("identity = (%q, %q), wanted the provider's", md.Issuer, md.Subject)
	}
	if log.Size() != 1 {
		t.Errorf("log size = %d, wanted 1", log.Size())
	}
	if md.RekorLogIndex != 1 {
		t.Errorf("RekorLogIndex = %d, wanted the first entry", md.RekorLogIndex)
	}
	if _, err := time.Parse(time.RFC3339, md.SignedAt); err != nil {
		t.Errorf("SignedAt %q is not RFC 3339: %v", md.SignedAt, err)
	}

	bundle, err := decodeBundle(md.Bundle)
	if err != nil {
		t.Fatalf("decodeBundle() = %v", err)
	}
	chain, err := bundleChain(bundle)
	if err != nil {
		t.Fatalf("bundleChain() = %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, wanted leaf and root", len(chain))
	}
	issuer, subject := certIdentity(chain[0])
	if issuer != md.Issuer || subject != md.Subject {
		t.Errorf("certificate identity = (%q, %q), wanted (%q, %q)", issuer, subject, md.Issuer, md.Subject)
	}
	if got := certFingerprint(chain[0].Raw); got != md.CertificateFingerprint {
		t.Errorf("CertificateFingerprint = %q, wanted %q", md.CertificateFingerprint, got)
	}
}

func TestSignKeylessAnnotationsRoundTrip(t *testing.T) {
	s, _, _ := testSigner(t)

	md, err := s.SignKeyless(context.Background(), testTarget)
	if err != nil {
		t.Fatalf("SignKeyless() = %v", err)
	}
	got := MetadataFromAnnotations(md.ToAnnotations())
	if diff := cmp.Diff(md, got); diff != "" {
		t.Errorf("annotation round trip (-want, +got):\n%s", diff)
	}
}

func TestSignKeylessIdentityFailure(t *testing.T) {
	ca, err := NewFakeCA()
	if err != nil {
		t.Fatalf("NewFakeCA() = %v", err)
	}
	s := NewSigner(ca, &FakeLog{}, &FakeIdentityProvider{Err: errors.New("token endpoint down")})

	_, err = s.SignKeyless(context.Background(), testTarget)
	var se *SigningError
	if !errors.As(err, &se) {
		t.Fatalf("SignKeyless() = %v, wanted a SigningError", err)
	}
	if se.Stage != "oidc" {
		t.Errorf("Stage = %q, wanted %q", se.Stage, "oidc")
	}
	if se.Hint() == "" {
		t.Error("Hint() is empty")
	}
}

func TestSignKeylessCAFailure(t *testing.T) {
	s, ca, _ := testSigner(t)
	ca.Err = errors.New("fulcio unavailable")

	_, err := s.SignKeyless(context.Background(), testTarget)
	var se *SigningError
	if !errors.As(err, &se) {
		t.Fatalf("SignKeyless() = %v, wanted a SigningError", err)
	}
	if se.Stage != "fulcio" {
		t.Errorf("Stage = %q, wanted %q", se.Stage, "fulcio")
	}
}

func TestSignKeylessConcurrentSameTarget(t *testing.T) {
	s, ca, log := testSigner(t)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.SignKeyless(context.Background(), testTarget)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("SignKeyless() [%d] = %v", i, err)
		}
	}
	if ca.Issuances() != n {
		t.Errorf("issuances = %d, wanted %d", ca.Issuances(), n)
	}
	if log.Size() != n {
		t.Errorf("log size = %d, wanted %d", log.Size(), n)
	}
}

func TestSignWithKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() = %v", err)
	}
	pemKey, err := cryptoutils.MarshalPrivateKeyToPEM(priv)
	if err != nil {
		t.Fatalf("MarshalPrivateKeyToPEM() = %v", err)
	}
	t.Setenv("FLOE_SIGNING_KEY", string(pemKey))

	s := NewSigner(nil, &FakeLog{}, nil)
	md, err := s.SignWithKey(context.Background(), testTarget,
		&v1alpha1.SecretReference{Source: v1alpha1.SecretSourceEnv, Name: "floe-signing-key"}, false)
	if err != nil {
		t.Fatalf("SignWithKey() = %v", err)
	}
	if md.Mode != ModeKeyBased {
		t.Errorf("Mode = %q, wanted %q", md.Mode, ModeKeyBased)
	}
	if md.RekorLogIndex != 0 {
		t.Errorf("RekorLogIndex = %d, wanted no log entry", md.RekorLogIndex)
	}

	bundle, err := decodeBundle(md.Bundle)
	if err != nil {
		t.Fatalf("decodeBundle() = %v", err)
	}
	chain, err := bundleChain(bundle)
	if err != nil {
		t.Fatalf("bundleChain() = %v", err)
	}
	if len(chain) != 0 {
		t.Errorf("chain length = %d, wanted none for key-based signatures", len(chain))
	}
	if hint := bundle.GetVerificationMaterial().GetPublicKey().GetHint(); hint != md.CertificateFingerprint {
		t.Errorf("public key hint = %q, wanted %q", hint, md.CertificateFingerprint)
	}
}

func TestSignWithKeyVaultSourceRejected(t *testing.T) {
	s := NewSigner(nil, nil, nil)
	_, err := s.SignWithKey(context.Background(), testTarget,
		&v1alpha1.SecretReference{Source: v1alpha1.SecretSourceVault, Name: "signing-key"}, false)
	var se *SigningError
	if !errors.As(err, &se) {
		t.Fatalf("SignWithKey() = %v, wanted a SigningError", err)
	}
	if se.Stage != "key-load" {
		t.Errorf("Stage = %q, wanted %q", se.Stage, "key-load")
	}
}

func TestOnceRetry(t *testing.T) {
	calls := 0
	got, err := onceRetry(context.Background(), func() (string, error) {
		calls++
		if calls == 1 {
			return "", fmt.Errorf("transient")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("onceRetry() = (%q, %v), wanted recovery on the second call", got, err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, wanted 2", calls)
	}

	calls = 0
	if _, err := onceRetry(context.Background(), func() (string, error) {
		calls++
		return "", fmt.Errorf("persistent")
	}); err == nil {
		t.Fatal("onceRetry() = nil, wanted the persistent error")
	}
	if calls != 2 {
		t.Errorf("calls = %d, wanted exactly one retry", calls)
	}
}
