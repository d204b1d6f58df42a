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
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	protobundle "github.com/sigstore/protobuf-specs/gen/pb-go/bundle/v1"
	protocommon "github.com/sigstore/protobuf-specs/gen/pb-go/common/v1"
	protorekor "github.com/sigstore/protobuf-specs/gen/pb-go/rekor/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// bundleMediaType is the Sigstore bundle format emitted and accepted by
// this tool.
const bundleMediaType = "application/vnd.dev.sigstore.bundle.v0.3+json"

// buildBundle assembles a protobuf Sigstore bundle from the signature,
// its verification material and the optional transparency-log record.
func buildBundle(digestHex string, sig []byte, chain []*x509.Certificate, keyHint string, record *LogEntryRecord) (*protobundle.Bundle, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("decoding payload digest: %w", err)
	}

	material := &protobundle.VerificationMaterial{}
	switch {
	case len(chain) > 0:
		certs := make([]*protocommon.X509Certificate, len(chain))
		for i, c := range chain {
			certs[i] = &protocommon.X509Certificate{RawBytes: c.Raw}
		}
		material.Content = &protobundle.VerificationMaterial_X509CertificateChain{
			X509CertificateChain: &protocommon.X509CertificateChain{Certificates: certs},
		}
	default:
		material.Content = &protobundle.VerificationMaterial_PublicKey{
			PublicKey: &protocommon.PublicKeyIdentifier{Hint: keyHint},
		}
	}

	if record != nil {
		material.TlogEntries = []*protorekor.TransparencyLogEntry{{
			LogIndex:       record.LogIndex,
			LogId:          &protocommon.LogId{KeyId: []byte(record.LogID)},
			IntegratedTime: record.IntegratedTime,
			KindVersion:    &protorekor.KindVersion{Kind: "hashedrekord", Version: "0.0.1"},
		}}
	}

	return &protobundle.Bundle{
		MediaType:            bundleMediaType,
		VerificationMaterial: material,
		Content: &protobundle.Bundle_MessageSignature{
			MessageSignature: &protocommon.MessageSignature{
				MessageDigest: &protocommon.HashOutput{
					Algorithm: protocommon.HashAlgorithm_SHA2_256,
					Digest:    digest,
				},
				Signature: sig,
			},
		},
	}, nil
}

// encodeBundle serializes a bundle to the base64 JSON carried in OCI
// annotations.
func encodeBundle(b *protobundle.Bundle) (string, error) {
	j, err := protojson.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshaling bundle: %w", err)
	}
	return base64.StdEncoding.EncodeToString(j), nil
}

// decodeBundle reverses encodeBundle.
func decodeBundle(encoded string) (*protobundle.Bundle, error) {
	j, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding bundle base64: %w", err)
	}
	var b protobundle.Bundle
	if err := protojson.Unmarshal(j, &b); err != nil {
		return nil, fmt.Errorf("unmarshaling bundle: %w", err)
	}
	return &b, nil
}

// bundleChain extracts the certificate chain, leaf first. Key-based
// bundles have none.
func bundleChain(b *protobundle.Bundle) ([]*x509.Certificate, error) {
	cc := b.GetVerificationMaterial().GetX509CertificateChain()
	if cc == nil {
		return nil, nil
	}
	chain := make([]*x509.Certificate, 0, len(cc.Certificates))
	for i, raw := range cc.Certificates {
		cert, err := x509.ParseCertificate(raw.RawBytes)
		if err != nil {
			return nil, fmt.Errorf("parsing bundle certificate %d: %w", i, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

// bundleSignature extracts the raw signature and the hex digest it
// covers.
func bundleSignature(b *protobundle.Bundle) (sig []byte, digestHex string, err error) {
	ms := b.GetMessageSignature()
	if ms == nil {
		return nil, "", fmt.Errorf("bundle carries no message signature")
	}
	return ms.Signature, hex.EncodeToString(ms.GetMessageDigest().GetDigest()), nil
}

// bundleLogRecord extracts the transparency-log coordinates, if any.
func bundleLogRecord(b *protobundle.Bundle) *LogEntryRecord {
	entries := b.GetVerificationMaterial().GetTlogEntries()
	if len(entries) == 0 {
		return nil
	}
	e := entries[0]
	return &LogEntryRecord{
		LogIndex:       e.LogIndex,
		LogID:          string(e.GetLogId().GetKeyId()),
		IntegratedTime: e.IntegratedTime,
	}
}

// certFingerprint is sha256:<hex> over DER bytes.
func certFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// oidcIssuerOID is the Fulcio certificate extension carrying the OIDC
// issuer URL.
var oidcIssuerOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 1, 1}

// certIdentity pulls the OIDC issuer and subject out of a Fulcio-shaped
// leaf certificate: issuer from the 57264.1.1 extension, subject from the
// first SAN email or URI.
func certIdentity(leaf *x509.Certificate) (issuer, subject string) {
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(oidcIssuerOID) {
			issuer = string(ext.Value)
			break
		}
	}
	switch {
	case len(leaf.EmailAddresses) > 0:
		subject = leaf.EmailAddresses[0]
	case len(leaf.URIs) > 0:
		subject = leaf.URIs[0].String()
	}
	return issuer, subject
}
