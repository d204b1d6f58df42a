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
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sigstore/sigstore/pkg/signature"
	"knative.dev/pkg/logging"

	"github.com/Obsidian-Owl/floe-sub008/pkg/policy"
)

// Verifier checks artifact signatures against a verification policy.
// Every check under an enabled policy emits exactly one audit event,
// whatever the outcome.
type Verifier struct {
	policy *policy.Verification
	roots  CertificateAuthority
	log    TransparencyLog
	sboms  AttestationChecker
	audit  AuditEmitter
	clock  func() time.Time
}

// VerifierOption tunes a Verifier.
type VerifierOption func(*Verifier)

// WithAuditEmitter replaces the default log-backed audit sink.
func WithAuditEmitter(e AuditEmitter) VerifierOption {
	return func(v *Verifier) { v.audit = e }
}

// WithVerifyClock fixes time for tests.
func WithVerifyClock(clock func() time.Time) VerifierOption {
	return func(v *Verifier) { v.clock = clock }
}

// WithAttestationChecker enables require_sbom checks.
func WithAttestationChecker(c AttestationChecker) VerifierOption {
	return func(v *Verifier) { v.sboms = c }
}

// NewVerifier wires a verifier. roots and log may be nil when the policy
// never reaches certificate or inclusion checks.
func NewVerifier(p *policy.Verification, roots CertificateAuthority, log TransparencyLog, opts ...VerifierOption) *Verifier {
	v := &Verifier{policy: p, roots: roots, log: log, audit: LogAuditEmitter{}, clock: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify evaluates the signature metadata of a target for the given
// environment. It returns an error only when the effective enforcement
// is enforce and the artifact must be rejected; warn-mode and off-mode
// failures come back as a non-VALID result with a nil error.
//
// Transient infrastructure failures (log lookups, attestation reads)
// yield UNKNOWN rather than INVALID: the signature was neither confirmed
// nor refuted.
func (v *Verifier) Verify(ctx context.Context, target Target, md *SignatureMetadata, env string) (*VerificationResult, error) {
	logger := logging.FromContext(ctx)

	if v.policy == nil || !v.policy.Enabled {
		return &VerificationResult{Status: StatusUnsigned, Enforcement: policy.EnforcementOff, Reason: "verification policy disabled"}, nil
	}

	enforcement := v.policy.EffectiveEnforcement(env)
	result := v.evaluate(ctx, target, md, enforcement)

	v.audit.Emit(ctx, newAuditEvent(target, result, true, v.clock()))

	switch {
	case result.Status == StatusValid:
		return result, nil
	case enforcement == policy.EnforcementEnforce:
		return result, &VerificationError{Ref: target.String(), Status: result.Status, Reason: result.Reason}
	case enforcement == policy.EnforcementWarn:
		logger.Warnw("signature verification failed, continuing under warn",
			"target", target.String(), "signature_status", result.Status, "reason", result.Reason)
		return result, nil
	default:
		return result, nil
	}
}

// evaluate runs the policy walk and never errors; failures are encoded
// in the result status and reason.
func (v *Verifier) evaluate(ctx context.Context, target Target, md *SignatureMetadata, enforcement string) *VerificationResult {
	result := &VerificationResult{Enforcement: enforcement}

	if md == nil {
		result.Status = StatusUnsigned
		result.Reason = "artifact carries no signature"
		return result
	}

	bundle, err := decodeBundle(md.Bundle)
	if err != nil {
		result.Status = StatusInvalid
		result.Reason = fmt.Sprintf("malformed signature bundle: %v", err)
		return result
	}
	sig, digestHex, err := bundleSignature(bundle)
	if err != nil {
		result.Status = StatusInvalid
		result.Reason = err.Error()
		return result
	}
	chain, err := bundleChain(bundle)
	if err != nil {
		result.Status = StatusInvalid
		result.Reason = err.Error()
		return result
	}

	switch {
	case len(chain) > 0:
		if st, reason := v.verifyKeyless(ctx, target, sig, digestHex, chain, result); st != StatusValid {
			result.Status = st
			result.Reason = reason
			return result
		}
	default:
		result.Status = StatusInvalid
		result.Reason = "key-based signatures require out-of-band key trust; no trusted key configured"
		return result
	}

	record := bundleLogRecord(bundle)
	if record == nil {
		if v.policy.RequireRekor {
			result.Status = StatusInvalid
			result.Reason = "policy requires a transparency log entry and the bundle has none"
			return result
		}
	} else {
		result.LogIndex = record.LogIndex
		if v.log != nil {
			if err := v.log.VerifyInclusion(ctx, *record); err != nil {
				if ctx.Err() != nil {
					result.Status = StatusUnknown
					result.Reason = fmt.Sprintf("transparency log unreachable: %v", err)
				} else {
					result.Status = StatusInvalid
					result.Reason = fmt.Sprintf("transparency log inclusion check failed: %v", err)
				}
				return result
			}
		}
	}

	if v.policy.RequireSBOM {
		if v.sboms == nil {
			result.Status = StatusUnknown
			result.Reason = "policy requires an SBOM attestation but no attestation source is configured"
			return result
		}
		has, err := v.sboms.HasSBOM(ctx, target)
		if err != nil {
			result.Status = StatusUnknown
			result.Reason = fmt.Sprintf("SBOM attestation lookup failed: %v", err)
			return result
		}
		if !has {
			result.Status = StatusInvalid
			result.Reason = "policy requires an SBOM attestation and none is attached"
			return result
		}
	}

	result.Status = StatusValid
	return result
}

// verifyKeyless validates the certificate chain, the signature and the
// issuer identity. The leaf may be expired by up to the policy grace
// period; the boundary instant itself is still accepted.
func (v *Verifier) verifyKeyless(ctx context.Context, target Target, sig []byte, digestHex string, chain []*x509.Certificate, result *VerificationResult) (Status, string) {
	leaf := chain[0]
	issuer, subject := certIdentity(leaf)
	result.Issuer = issuer
	result.Subject = subject

	roots, err := v.roots.Roots(ctx)
	if err != nil {
		return StatusUnknown, fmt.Sprintf("certificate roots unavailable: %v", err)
	}
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}

	now := v.clock()
	verifyAt := now
	if grace := time.Duration(v.policy.GracePeriodDays) * 24 * time.Hour; now.After(leaf.NotAfter) {
		if now.Sub(leaf.NotAfter) > grace {
			return StatusInvalid, fmt.Sprintf("signing certificate expired %s, beyond the %dd grace period",
				leaf.NotAfter.UTC().Format(time.RFC3339), v.policy.GracePeriodDays)
		}
		// Within grace: validate the chain as of expiry so only the
		// leaf's age is forgiven, not a revoked or mis-rooted chain.
		verifyAt = leaf.NotAfter
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   verifyAt,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return StatusInvalid, fmt.Sprintf("certificate chain validation failed: %v", err)
	}

	verifier, err := signature.LoadVerifier(leaf.PublicKey, crypto.SHA256)
	if err != nil {
		return StatusInvalid, fmt.Sprintf("unsupported signing key: %v", err)
	}
	payload := []byte(target.Digest)
	if sum := sha256.Sum256(payload); hex.EncodeToString(sum[:]) != digestHex {
		return StatusInvalid, "bundle message digest does not cover this artifact"
	}
	if err := verifier.VerifySignature(bytes.NewReader(sig), bytes.NewReader(payload)); err != nil {
		return StatusInvalid, fmt.Sprintf("signature does not match artifact digest: %v", err)
	}

	if len(v.policy.TrustedIssuers) > 0 {
		if ok, _ := v.policy.MatchesIssuer(issuer, subject); !ok {
			return StatusInvalid, fmt.Sprintf("identity %q from issuer %q matches no trusted issuer", subject, issuer)
		}
	}
	return StatusValid, ""
}
