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
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
)

// FulcioCA is a CertificateAuthority backed by a Fulcio instance.
type FulcioCA struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewFulcioCA points at a Fulcio base URL, e.g.
// https://fulcio.sigstore.dev.
func NewFulcioCA(baseURL string) *FulcioCA {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.Logger = nil
	return &FulcioCA{baseURL: strings.TrimSuffix(baseURL, "/"), client: rc}
}

// fulcioRequest is the v2 CreateSigningCertificate body.
type fulcioRequest struct {
	Credentials struct {
		OIDCIdentityToken string `json:"oidcIdentityToken"`
	} `json:"credentials"`
	PublicKeyRequest struct {
		PublicKey struct {
			Algorithm string `json:"algorithm"`
			Content   string `json:"content"`
		} `json:"publicKey"`
		ProofOfPossession string `json:"proofOfPossession"`
	} `json:"publicKeyRequest"`
}

// fulcioResponse covers both embedded-SCT and detached-SCT replies; the
// chain shape is identical.
type fulcioResponse struct {
	SignedCertificateEmbeddedSct *fulcioChain `json:"signedCertificateEmbeddedSct"`
	SignedCertificateDetachedSct *fulcioChain `json:"signedCertificateDetachedSct"`
}

type fulcioChain struct {
	Chain struct {
		Certificates []string `json:"certificates"`
	} `json:"chain"`
}

// IssueCertificate implements CertificateAuthority against
// POST /api/v2/signingCert.
func (f *FulcioCA) IssueCertificate(ctx context.Context, req CertificateRequest) ([]*x509.Certificate, error) {
	pem, err := cryptoutils.MarshalPublicKeyToPEM(req.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}

	var body fulcioRequest
	body.Credentials.OIDCIdentityToken = req.Token.Raw
	body.PublicKeyRequest.PublicKey.Algorithm = "ECDSA"
	body.PublicKeyRequest.PublicKey.Content = string(pem)
	body.PublicKeyRequest.ProofOfPossession = base64.StdEncoding.EncodeToString(req.ProofOfPossession)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/api/v2/signingCert", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("requesting signing certificate: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("certificate authority returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out fulcioResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding certificate response: %w", err)
	}
	chain := out.SignedCertificateEmbeddedSct
	if chain == nil {
		chain = out.SignedCertificateDetachedSct
	}
	if chain == nil || len(chain.Chain.Certificates) == 0 {
		return nil, fmt.Errorf("certificate response carries no chain")
	}

	certs := make([]*x509.Certificate, 0, len(chain.Chain.Certificates))
	for i, p := range chain.Chain.Certificates {
		parsed, err := cryptoutils.UnmarshalCertificatesFromPEM([]byte(p))
		if err != nil {
			return nil, fmt.Errorf("parsing chain certificate %d: %w", i, err)
		}
		certs = append(certs, parsed...)
	}
	return certs, nil
}

// Roots implements CertificateAuthority against GET /api/v1/rootCert.
func (f *FulcioCA) Roots(ctx context.Context) (*x509.CertPool, error) {
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/api/v1/rootCert", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetching root certificates: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("root certificate endpoint returned %d", resp.StatusCode)
	}
	certs, err := cryptoutils.UnmarshalCertificatesFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing root certificates: %w", err)
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}
