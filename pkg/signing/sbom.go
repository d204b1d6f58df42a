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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/in-toto/in-toto-golang/in_toto"
	"github.com/in-toto/in-toto-golang/in_toto/slsa_provenance/common"
	"github.com/sigstore/cosign/v2/pkg/oci/mutate"
	ociremote "github.com/sigstore/cosign/v2/pkg/oci/remote"
	"github.com/sigstore/cosign/v2/pkg/oci/static"
	"github.com/sigstore/cosign/v2/pkg/types"
	"knative.dev/pkg/logging"
)

// SBOM predicate types accepted by require_sbom.
const (
	PredicateSPDX      = "https://spdx.dev/Document"
	PredicateCycloneDX = "https://cyclonedx.org/bom"
)

// sbomPredicates maps the CLI's short names to predicate type URIs.
var sbomPredicates = map[string]string{
	"spdx":      PredicateSPDX,
	"cyclonedx": PredicateCycloneDX,
}

// SBOMPredicateType resolves a short predicate name (spdx, cyclonedx) or
// passes a full URI through.
func SBOMPredicateType(kind string) (string, error) {
	if uri, ok := sbomPredicates[strings.ToLower(kind)]; ok {
		return uri, nil
	}
	if strings.HasPrefix(kind, "https://") {
		return kind, nil
	}
	return "", fmt.Errorf("unknown SBOM predicate type %q, expected spdx or cyclonedx", kind)
}

// targetDigest converts a Target into a go-containerregistry digest ref.
func targetDigest(t Target) (name.Digest, error) {
	return name.NewDigest(fmt.Sprintf("%s/%s@%s", t.Registry, t.Repository, t.Digest))
}

// AttachSBOM wraps an SBOM in an in-toto statement and attaches it to
// the artifact as a cosign attestation.
func AttachSBOM(ctx context.Context, target Target, sbom []byte, predicateType string, opts ...ociremote.Option) error {
	digest, err := targetDigest(target)
	if err != nil {
		return &SigningError{Ref: target.String(), Stage: "attest", Reason: err.Error(), Err: err}
	}

	statement := in_toto.Statement{
		StatementHeader: in_toto.StatementHeader{
			Type:          in_toto.StatementInTotoV01,
			PredicateType: predicateType,
			Subject: []in_toto.Subject{{
				Name:   target.Repository,
				Digest: common.DigestSet{"sha256": strings.TrimPrefix(target.Digest, "sha256:")},
			}},
		},
		Predicate: json.RawMessage(sbom),
	}
	payload, err := json.Marshal(statement)
	if err != nil {
		return &SigningError{Ref: target.String(), Stage: "attest", Reason: err.Error(), Err: err}
	}

	att, err := static.NewAttestation(payload)
	if err != nil {
		return &SigningError{Ref: target.String(), Stage: "attest", Reason: err.Error(), Err: err}
	}
	se, err := ociremote.SignedEntity(digest, opts...)
	if err != nil {
		return &SigningError{Ref: target.String(), Stage: "attest", Reason: err.Error(), Err: err}
	}
	newSE, err := mutate.AttachAttestationToEntity(se, att)
	if err != nil {
		return &SigningError{Ref: target.String(), Stage: "attest", Reason: err.Error(), Err: err}
	}
	if err := ociremote.WriteAttestations(digest.Repository, newSE, opts...); err != nil {
		return &SigningError{Ref: target.String(), Stage: "attest", Reason: err.Error(), Err: err}
	}
	logging.FromContext(ctx).Infow("SBOM attestation attached",
		"target", target.String(), "predicate_type", predicateType)
	return nil
}

// RegistryAttestations answers SBOM checks by reading cosign
// attestations from the registry.
type RegistryAttestations struct {
	Opts []ociremote.Option
}

// HasSBOM implements AttestationChecker: true when any attached
// attestation carries an SPDX or CycloneDX predicate.
func (r *RegistryAttestations) HasSBOM(ctx context.Context, target Target) (bool, error) {
	digest, err := targetDigest(target)
	if err != nil {
		return false, err
	}
	se, err := ociremote.SignedEntity(digest, r.Opts...)
	if err != nil {
		return false, fmt.Errorf("resolving attestations of %s: %w", target.String(), err)
	}
	atts, err := se.Attestations()
	if err != nil {
		return false, fmt.Errorf("reading attestations of %s: %w", target.String(), err)
	}
	sigs, err := atts.Get()
	if err != nil {
		return false, fmt.Errorf("listing attestations of %s: %w", target.String(), err)
	}

	for _, sig := range sigs {
		payload, err := sig.Payload()
		if err != nil {
			continue
		}
		// Attestation payloads are DSSE envelopes wrapping the in-toto
		// statement.
		var envelope struct {
			PayloadType string `json:"payloadType"`
			Payload     string `json:"payload"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			continue
		}
		if envelope.PayloadType != types.IntotoPayloadType {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(envelope.Payload)
		if err != nil {
			continue
		}
		var header in_toto.StatementHeader
		if err := json.Unmarshal(decoded, &header); err != nil {
			continue
		}
		if header.PredicateType == PredicateSPDX || header.PredicateType == PredicateCycloneDX {
			return true, nil
		}
	}
	return false, nil
}
