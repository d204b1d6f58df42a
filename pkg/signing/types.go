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

// Package signing produces and validates Sigstore-compatible signatures
// over CompiledArtifacts digests: keyless through OIDC, Fulcio and Rekor,
// or key-based from a secret reference. Verification walks the policy
// document and always emits an audit event.
package signing

import (
	"fmt"
)

// Annotation keys carrying signature metadata on OCI manifests. The
// dev.floe.signature.* prefix is reserved.
const (
	AnnotationBundle      = "dev.floe.signature.bundle"
	AnnotationMode        = "dev.floe.signature.mode"
	AnnotationIssuer      = "dev.floe.signature.issuer"
	AnnotationSubject     = "dev.floe.signature.subject"
	AnnotationSignedAt    = "dev.floe.signature.signed-at"
	AnnotationLogIndex    = "dev.floe.signature.rekor-log-index"
	AnnotationFingerprint = "dev.floe.signature.certificate-fingerprint"
)

// Signing modes.
const (
	ModeKeyless  = "keyless"
	ModeKeyBased = "key-based"
)

// Status is the verification outcome attached to every pulled artifact.
type Status string

const (
	StatusValid    Status = "VALID"
	StatusInvalid  Status = "INVALID"
	StatusUnsigned Status = "UNSIGNED"
	// StatusUnknown marks transient verification failures: the signature
	// could be neither confirmed nor refuted.
	StatusUnknown Status = "UNKNOWN"
)

// Target identifies the artifact being signed or verified.
type Target struct {
	Registry   string
	Repository string
	// Digest is the immutable sha256:<hex> of the artifact manifest.
	Digest string
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s@%s", t.Registry, t.Repository, t.Digest)
}

// SignatureMetadata is the signature carrier stored in OCI annotations.
type SignatureMetadata struct {
	// Bundle is the base64 of the protobuf Sigstore bundle JSON.
	Bundle string `json:"bundle"`
	Mode   string `json:"mode"`
	// +optional
	Issuer  string `json:"issuer,omitempty"`
	Subject string `json:"subject"`
	// SignedAt is RFC 3339 UTC.
	SignedAt string `json:"signed_at"`
	// +optional
	RekorLogIndex int64 `json:"rekor_log_index,omitempty"`
	// CertificateFingerprint is sha256:<hex> over the leaf DER, or the
	// public key DER for key-based signatures.
	CertificateFingerprint string `json:"certificate_fingerprint"`
}

// ToAnnotations renders the metadata as OCI manifest annotations.
func (m *SignatureMetadata) ToAnnotations() map[string]string {
	out := map[string]string{
		AnnotationBundle:      m.Bundle,
		AnnotationMode:        m.Mode,
		AnnotationSubject:     m.Subject,
		AnnotationSignedAt:    m.SignedAt,
		AnnotationFingerprint: m.CertificateFingerprint,
	}
	if m.Issuer != "" {
		out[AnnotationIssuer] = m.Issuer
	}
	if m.RekorLogIndex > 0 {
		out[AnnotationLogIndex] = fmt.Sprintf("%d", m.RekorLogIndex)
	}
	return out
}

// MetadataFromAnnotations reads signature metadata back out of OCI
// annotations. A missing bundle annotation means the artifact is
// unsigned and nil is returned.
func MetadataFromAnnotations(annotations map[string]string) *SignatureMetadata {
	bundle, ok := annotations[AnnotationBundle]
	if !ok || bundle == "" {
		return nil
	}
	m := &SignatureMetadata{
		Bundle:                 bundle,
		Mode:                   annotations[AnnotationMode],
		Issuer:                 annotations[AnnotationIssuer],
		Subject:                annotations[AnnotationSubject],
		SignedAt:               annotations[AnnotationSignedAt],
		CertificateFingerprint: annotations[AnnotationFingerprint],
	}
	if idx := annotations[AnnotationLogIndex]; idx != "" {
		fmt.Sscanf(idx, "%d", &m.RekorLogIndex) //nolint:errcheck
	}
	return m
}

// VerificationResult is what callers get back from every verification,
// regardless of outcome.
type VerificationResult struct {
	Status      Status `json:"status"`
	Enforcement string `json:"enforcement"`
	// Reason explains non-VALID outcomes.
	// +optional
	Reason string `json:"reason,omitempty"`
	// +optional
	Issuer string `json:"issuer,omitempty"`
	// +optional
	Subject string `json:"subject,omitempty"`
	// +optional
	LogIndex int64 `json:"log_index,omitempty"`
}

// SigningError reports a failure to produce a signature (exit 7).
type SigningError struct {
	Ref    string
	Stage  string
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing %s failed during %s: %s", e.Ref, e.Stage, e.Reason)
}

func (e *SigningError) Unwrap() error { return e.Err }

func (e *SigningError) Hint() string {
	return "check OIDC, Fulcio and Rekor connectivity, or fall back to --key signing"
}

// VerificationError reports a verification failure under enforce (exit
// 6). The artifact body is never returned alongside it.
type VerificationError struct {
	Ref    string
	Status Status
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("signature verification of %s failed: %s (%s)", e.Ref, e.Reason, e.Status)
}

func (e *VerificationError) Hint() string {
	return "sign the artifact with a trusted issuer, or relax the environment's enforcement to warn"
}
