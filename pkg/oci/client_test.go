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

package oci

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-containerregistry/pkg/registry"

	"github.com/Obsidian-Owl/floe-sub008/pkg/apis/compiled"
	"github.com/Obsidian-Owl/floe-sub008/pkg/config"
	"github.com/Obsidian-Owl/floe-sub008/pkg/policy"
	"github.com/Obsidian-Owl/floe-sub008/pkg/signing"
)

// testRegistry starts an in-memory registry and returns its host.
func testRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func testClient(opts ...Option) *Client {
	base := []Option{WithEnv(&config.Env{RegistryInsecure: true})}
	return NewClient(append(base, opts...)...)
}

func testArtifact() *compiled.CompiledArtifacts {
	return &compiled.CompiledArtifacts{
		Version: compiled.SchemaVersion,
		Metadata: compiled.Metadata{
			CompiledAt:     "2024-03-01T12:00:00Z",
			ToolVersion:    "1.2.3",
			SourceHash:     "sha256:9b2a4a1a3e5d2c1f0e9d8c7b6a5f4e3d2c1b0a998877665544332211ffeeddcc",
			ProductName:    "orders",
			ProductVersion: "1.0.0",
		},
		Identity: compiled.Identity{ProductID: "sales.orders"},
		Mode:     compiled.ModeCentralized,
	}
}

func TestPushPullRoundTrip(t *testing.T) {
	host := testRegistry(t)
	c := testClient()
	art := testArtifact()
	ref := host + "/floe/sales/orders:1.0.0"

	desc, err := c.Push(context.Background(), ref, art, nil)
	if err != nil {
		t.Fatalf("Push() = %v", err)
	}
	wantDigest, err := art.Digest()
	if err != nil {
		t.Fatalf("Digest() = %v", err)
	}
	if desc.Digest != wantDigest {
		t.Errorf("descriptor digest = %q, wanted %q", desc.Digest, wantDigest)
	}
	if desc.Tag != "1.0.0" || desc.SourceHash != art.Metadata.SourceHash {
		t.Errorf("descriptor = %+v, wanted tag and source hash preserved", desc)
	}

	got, result, err := c.Pull(context.Background(), ref, nil, "")
	if err != nil {
		t.Fatalf("Pull() = %v", err)
	}
	if result != nil {
		t.Errorf("result = %+v, wanted nil without a policy", result)
	}
	if diff := cmp.Diff(art, got); diff != "" {
		t.Errorf("artifact round trip (-want, +got):\n%s", diff)
	}

	md, err := c.GetSignatureMetadata(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetSignatureMetadata() = %v", err)
	}
	if md != nil {
		t.Errorf("metadata = %+v, wanted nil for an unsigned artifact", md)
	}
}

func TestPushAcceptsOCIScheme(t *testing.T) {
	host := testRegistry(t)
	c := testClient()
	if _, err := c.Push(context.Background(), "oci://"+host+"/floe/sales/orders:1.0.0", testArtifact(), nil); err != nil {
		t.Fatalf("Push(oci://) = %v", err)
	}
}

func TestPullMissingArtifact(t *testing.T) {
	host := testRegistry(t)
	c := testClient()

	_, _, err := c.Pull(context.Background(), host+"/floe/missing:1.0.0", nil, "")
	var re *RegistryError
	if !errors.As(err, &re) {
		t.Fatalf("Pull() = %v, wanted a RegistryError", err)
	}
	if re.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, wanted 404", re.StatusCode)
	}
	if re.Hint() == "" {
		t.Error("Hint() is empty")
	}
}

func enforcingPolicy() *policy.Verification {
	return &policy.Verification{
		Enabled:     true,
		Enforcement: policy.EnforcementEnforce,
		TrustedIssuers: []policy.TrustedIssuer{{
			Issuer:  "https://oidc.example.com",
			Subject: "ci@example.com",
		}},
		GracePeriodDays: 7,
	}
}

func TestPullEnforceUnsignedReturnsNoArtifact(t *testing.T) {
	host := testRegistry(t)
	ca, err := signing.NewFakeCA()
	if err != nil {
		t.Fatalf("NewFakeCA() = %v", err)
	}
	c := testClient(WithTrustRoots(ca, &signing.FakeLog{}))
	ref := host + "/floe/sales/orders:1.0.0"
	if _, err := c.Push(context.Background(), ref, testArtifact(), nil); err != nil {
		t.Fatalf("Push() = %v", err)
	}

	art, result, err := c.Pull(context.Background(), ref, enforcingPolicy(), "prod")
	var ve *signing.VerificationError
	if !errors.As(err, &ve) {
		t.Fatalf("Pull() = %v, wanted a VerificationError", err)
	}
	if art != nil {
		t.Fatal("Pull() returned artifact bytes despite enforced verification failure")
	}
	if result == nil || result.Status != signing.StatusUnsigned {
		t.Errorf("result = %+v, wanted UNSIGNED", result)
	}
}

func TestPullWarnUnsignedReturnsArtifact(t *testing.T) {
	host := testRegistry(t)
	ca, err := signing.NewFakeCA()
	if err != nil {
		t.Fatalf("NewFakeCA() = %v", err)
	}
	c := testClient(WithTrustRoots(ca, &signing.FakeLog{}))
	ref := host + "/floe/sales/orders:1.0.0"
	if _, err := c.Push(context.Background(), ref, testArtifact(), nil); err != nil {
		t.Fatalf("Push() = %v", err)
	}

	p := enforcingPolicy()
	p.Enforcement = policy.EnforcementWarn
	art, result, err := c.Pull(context.Background(), ref, p, "prod")
	if err != nil {
		t.Fatalf("Pull() = %v, wanted warn-mode pass-through", err)
	}
	if art == nil {
		t.Fatal("Pull() returned no artifact under warn")
	}
	if result.Status != signing.StatusUnsigned {
		t.Errorf("Status = %q, wanted %q", result.Status, signing.StatusUnsigned)
	}
}

func TestPullCancelledContext(t *testing.T) {
	host := testRegistry(t)
	ca, err := signing.NewFakeCA()
	if err != nil {
		t.Fatalf("NewFakeCA() = %v", err)
	}
	sink := &signing.MemoryAuditSink{}
	c := testClient(
		WithTrustRoots(ca, &signing.FakeLog{}),
		WithVerifierOptions(signing.WithAuditEmitter(sink)),
	)
	ref := host + "/floe/sales/orders:1.0.0"
	if _, err := c.Push(context.Background(), ref, testArtifact(), nil); err != nil {
		t.Fatalf("Push() = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	art, _, err := c.Pull(ctx, ref, enforcingPolicy(), "prod")
	if err == nil {
		t.Fatal("Pull() succeeded with a cancelled context")
	}
	if art != nil {
		t.Error("Pull() returned an artifact after cancellation")
	}
	if events := sink.Events(); len(events) != 0 {
		t.Errorf("audit events after cancelled pull = %d, wanted none", len(events))
	}
}

func TestSignThenVerifiedPull(t *testing.T) {
	host := testRegistry(t)
	ca, err := signing.NewFakeCA()
	if err != nil {
		t.Fatalf("NewFakeCA() = %v", err)
	}
	log := &signing.FakeLog{}
	c := testClient(WithTrustRoots(ca, log))
	ref := host + "/floe/sales/orders:1.0.0"
	if _, err := c.Push(context.Background(), ref, testArtifact(), nil); err != nil {
		t.Fatalf("Push() = %v", err)
	}

	target, err := c.ArtifactTarget(context.Background(), ref)
	if err != nil {
		t.Fatalf("ArtifactTarget() = %v", err)
	}
	idp := &signing.FakeIdentityProvider{Issuer: "https://oidc.example.com", Subject: "ci@example.com"}
	md, err := signing.NewSigner(ca, log, idp).SignKeyless(context.Background(), target)
	if err != nil {
		t.Fatalf("SignKeyless() = %v", err)
	}
	if err := c.AttachSignature(context.Background(), ref, md); err != nil {
		t.Fatalf("AttachSignature() = %v", err)
	}

	art, result, err := c.Pull(context.Background(), ref, enforcingPolicy(), "prod")
	if err != nil {
		t.Fatalf("Pull() = %v", err)
	}
	if result.Status != signing.StatusValid {
		t.Fatalf("Status = %q (%s), wanted %q", result.Status, result.Reason, signing.StatusValid)
	}
	if art == nil {
		t.Fatal("Pull() returned no artifact for a valid signature")
	}

	got, err := c.GetSignatureMetadata(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetSignatureMetadata() = %v", err)
	}
	if diff := cmp.Diff(md, got); diff != "" {
		t.Errorf("signature metadata round trip (-want, +got):\n%s", diff)
	}
}

func TestList(t *testing.T) {
	host := testRegistry(t)
	c := testClient()
	repo := host + "/floe/sales/orders"
	for _, tag := range []string{"1.0.0", "1.1.0", "2.0.0-rc.1"} {
		if _, err := c.Push(context.Background(), repo+":"+tag, testArtifact(), nil); err != nil {
			t.Fatalf("Push(%s) = %v", tag, err)
		}
	}

	all, err := c.List(context.Background(), repo, ListOptions{})
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	gotTags := make([]string, len(all))
	for i, d := range all {
		gotTags[i] = d.Tag
		if d.Digest == "" || d.SourceHash == "" {
			t.Errorf("descriptor %q is missing digest or source hash: %+v", d.Tag, d)
		}
		if d.Signed {
			t.Errorf("descriptor %q reports signed, wanted unsigned", d.Tag)
		}
	}
	wantTags := []string{"1.0.0", "1.1.0", "2.0.0-rc.1"}
	if diff := cmp.Diff(wantTags, gotTags); diff != "" {
		t.Errorf("tags (-want, +got):\n%s", diff)
	}

	filtered, err := c.List(context.Background(), repo, ListOptions{Pattern: "1.*"})
	if err != nil {
		t.Fatalf("List(1.*) = %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("filtered = %d descriptors, wanted 2", len(filtered))
	}

	limited, err := c.List(context.Background(), repo, ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("List(limit 1) = %v", err)
	}
	if len(limited) != 1 || limited[0].Tag != "1.0.0" {
		t.Errorf("limited = %+v, wanted just the first tag", limited)
	}
}

func TestDelete(t *testing.T) {
	host := testRegistry(t)
	c := testClient()
	ref := host + "/floe/sales/orders:1.0.0"
	if _, err := c.Push(context.Background(), ref, testArtifact(), nil); err != nil {
		t.Fatalf("Push() = %v", err)
	}
	if err := c.Delete(context.Background(), ref); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if _, _, err := c.Pull(context.Background(), ref, nil, ""); err == nil {
		t.Fatal("Pull() = nil after delete, wanted an error")
	}
}

func TestFetchDocument(t *testing.T) {
	host := testRegistry(t)
	c := testClient()
	ref := "oci://" + host + "/floe/platform/enterprise:2.0.0"
	doc := []byte("apiVersion: floe.dev/v1alpha1\nkind: Manifest\n")

	if err := c.PushManifest(context.Background(), ref, doc); err != nil {
		t.Fatalf("PushManifest() = %v", err)
	}
	got, err := c.FetchDocument(context.Background(), ref)
	if err != nil {
		t.Fatalf("FetchDocument() = %v", err)
	}
	if diff := cmp.Diff(string(doc), string(got)); diff != "" {
		t.Errorf("document round trip (-want, +got):\n%s", diff)
	}
}

func TestNoRetryOn404(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		requests++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	c := testClient()
	_, _, err := c.Pull(context.Background(), host+"/floe/missing:1.0.0", nil, "")
	if err == nil {
		t.Fatal("Pull() = nil, wanted 404")
	}
	if requests != 1 {
		t.Errorf("manifest requests = %d, wanted 1 (no retry on 4xx)", requests)
	}
}

func TestRetryOn500(t *testing.T) {
	// A flaky front over a real in-memory registry: exactly one manifest
	// GET fails, the retry goes through.
	backend := registry.New()
	var failed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/manifests/") && !failed {
			failed = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		backend.ServeHTTP(w, r)
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	c := testClient()
	ref := host + "/floe/sales/orders:1.0.0"
	if _, err := c.Push(context.Background(), ref, testArtifact(), nil); err != nil {
		t.Fatalf("Push() = %v", err)
	}
	if _, _, err := c.Pull(context.Background(), ref, nil, ""); err != nil {
		t.Fatalf("Pull() = %v, wanted recovery after one 500", err)
	}
	if !failed {
		t.Error("flaky front never exercised the failure path")
	}
}

func TestListParallelSpeedup(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-sensitive")
	}
	const latency = 5 * time.Millisecond
	backend := registry.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(latency)
		backend.ServeHTTP(w, r)
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")
	repo := host + "/floe/sales/orders"

	seed := testClient(WithConcurrency(16))
	for i := 0; i < 100; i++ {
		if _, err := seed.Push(context.Background(), fmt.Sprintf("%s:1.0.%d", repo, i), testArtifact(), nil); err != nil {
			t.Fatalf("Push(%d) = %v", i, err)
		}
	}

	serial := testClient(WithConcurrency(1))
	start := time.Now()
	if _, err := serial.List(context.Background(), repo, ListOptions{}); err != nil {
		t.Fatalf("serial List() = %v", err)
	}
	serialElapsed := time.Since(start)

	parallel := testClient(WithConcurrency(8))
	start = time.Now()
	if _, err := parallel.List(context.Background(), repo, ListOptions{}); err != nil {
		t.Fatalf("parallel List() = %v", err)
	}
	parallelElapsed := time.Since(start)

	if parallelElapsed > serialElapsed/5 {
		t.Errorf("parallel list took %v, wanted at most 20%% of serial %v", parallelElapsed, serialElapsed)
	}
}
