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
	"crypto/x509"
	"encoding/json"
	"fmt"

	"github.com/sigstore/sigstore/pkg/cryptoutils"

	"github.com/Obsidian-Owl/floe-sub008/pkg/policy"
)

// OfflineBundle is a self-contained verification capsule: everything
// needed to re-check a signature without registry, Fulcio or Rekor
// connectivity. Inclusion proofs are not re-checked offline; the bundle
// records the log coordinates as observed at export time.
type OfflineBundle struct {
	Target    Target             `json:"target"`
	Signature *SignatureMetadata `json:"signature"`
	// RootsPEM is the trusted root pool serialized at export time.
	RootsPEM string `json:"roots_pem"`
}

// ExportOfflineBundle captures a target's signature and the current
// trust roots into a portable JSON document.
func ExportOfflineBundle(ctx context.Context, target Target, md *SignatureMetadata, ca CertificateAuthority) ([]byte, error) {
	if md == nil {
		return nil, fmt.Errorf("artifact %s carries no signature to export", target.String())
	}
	bundle, err := decodeBundle(md.Bundle)
	if err != nil {
		return nil, fmt.Errorf("exporting %s: %w", target.String(), err)
	}
	chain, err := bundleChain(bundle)
	if err != nil {
		return nil, fmt.Errorf("exporting %s: %w", target.String(), err)
	}

	var rootsPEM []byte
	// Prefer the chain's own root so the capsule verifies even after the
	// CA rotates; fall back to live roots for chains shipped without one.
	if len(chain) > 1 {
		for _, c := range chain[1:] {
			p, err := cryptoutils.MarshalCertificateToPEM(c)
			if err != nil {
				return nil, err
			}
			rootsPEM = append(rootsPEM, p...)
		}
	} else if ca != nil {
		return nil, fmt.Errorf("exporting %s: chain carries no root certificate", target.String())
	}

	return json.MarshalIndent(OfflineBundle{Target: target, Signature: md, RootsPEM: string(rootsPEM)}, "", "  ")
}

// offlinePool is a roots-only CertificateAuthority over a fixed PEM pool.
type offlinePool struct {
	pool *x509.CertPool
}

func (p offlinePool) IssueCertificate(context.Context, CertificateRequest) ([]*x509.Certificate, error) {
	return nil, fmt.Errorf("offline verification cannot issue certificates")
}

func (p offlinePool) Roots(context.Context) (*x509.CertPool, error) { return p.pool, nil }

// VerifyOffline replays verification from an exported capsule against a
// policy. No network is touched: inclusion checks are skipped and the
// capsule's embedded roots are the trust anchor.
func VerifyOffline(ctx context.Context, data []byte, p *policy.Verification, env string, opts ...VerifierOption) (*VerificationResult, error) {
	var ob OfflineBundle
	if err := json.Unmarshal(data, &ob); err != nil {
		return nil, fmt.Errorf("decoding offline bundle: %w", err)
	}
	certs, err := cryptoutils.UnmarshalCertificatesFromPEM([]byte(ob.RootsPEM))
	if err != nil {
		return nil, fmt.Errorf("parsing offline bundle roots: %w", err)
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}

	v := NewVerifier(p, offlinePool{pool: pool}, nil, opts...)
	return v.Verify(ctx, ob.Target, ob.Signature, env)
}
