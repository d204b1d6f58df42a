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

// Package policy defines the VerificationPolicy document: what the
// signature verifier enforces, per environment, against which trusted
// issuers. The document is authored in YAML, defaulted and validated like
// every other floe configuration surface.
package policy

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"k8s.io/apimachinery/pkg/util/sets"
	"knative.dev/pkg/apis"
	"sigs.k8s.io/yaml"
)

const (
	// EnforcementEnforce fails pulls on verification failure and returns
	// no artifact bytes.
	EnforcementEnforce = "enforce"
	// EnforcementWarn logs and audits failures but returns the artifact.
	EnforcementWarn = "warn"
	// EnforcementOff skips verification entirely.
	EnforcementOff = "off"
)

// ValidEnforcements is the closed enforcement set.
var ValidEnforcements = sets.NewString(EnforcementEnforce, EnforcementWarn, EnforcementOff)

// Verification is the verification policy document.
type Verification struct {
	// Enabled gates verification as a whole. Disabled policies report
	// UNSIGNED without ever fetching a bundle.
	Enabled bool `json:"enabled"`

	// Enforcement is the top-level mode; per-environment entries
	// override it.
	// +optional
	Enforcement string `json:"enforcement,omitempty"`

	// Environments maps environment names (dev, staging, prod) to
	// overrides.
	// +optional
	Environments map[string]EnvironmentPolicy `json:"environments,omitempty"`

	// TrustedIssuers are the identities allowed to sign artifacts.
	// +optional
	TrustedIssuers []TrustedIssuer `json:"trusted_issuers,omitempty"`

	// GracePeriodDays extends certificate validity past expiry to cover
	// rotation windows. The boundary is closed: a certificate expired by
	// exactly the grace period still verifies.
	// +optional
	GracePeriodDays int `json:"grace_period_days,omitempty"`

	// +optional
	RequireRekor bool `json:"require_rekor,omitempty"`

	// +optional
	RequireSBOM bool `json:"require_sbom,omitempty"`
}

// EnvironmentPolicy overrides enforcement for one environment.
type EnvironmentPolicy struct {
	Enforcement string `json:"enforcement"`
}

// TrustedIssuer permits one OIDC issuer with either an exact subject or a
// subject regular expression, never both.
type TrustedIssuer struct {
	Issuer string `json:"issuer"`
	// +optional
	Subject string `json:"subject,omitempty"`
	// +optional
	SubjectRegex string `json:"subject_regex,omitempty"`
}

// SetDefaults implements apis.Defaultable. A policy with no explicit mode
// enforces.
func (v *Verification) SetDefaults(ctx context.Context) {
	if v.Enforcement == "" {
		v.Enforcement = EnforcementEnforce
	}
}

// Validate implements apis.Validatable.
func (v *Verification) Validate(ctx context.Context) *apis.FieldError {
	var errs *apis.FieldError
	if !ValidEnforcements.Has(v.Enforcement) {
		errs = errs.Also(apis.ErrInvalidValue(v.Enforcement, "enforcement",
			fmt.Sprintf("must be one of %v", ValidEnforcements.List())))
	}
	for env, ep := range v.Environments {
		if env == "" {
			errs = errs.Also(apis.ErrInvalidKeyName(env, "environments", "must not be empty"))
			continue
		}
		if !ValidEnforcements.Has(ep.Enforcement) {
			errs = errs.Also(apis.ErrInvalidValue(ep.Enforcement, "enforcement",
				fmt.Sprintf("must be one of %v", ValidEnforcements.List())).
				ViaKey(env).ViaField("environments"))
		}
	}
	for i := range v.TrustedIssuers {
		errs = errs.Also(v.TrustedIssuers[i].Validate(ctx).ViaFieldIndex("trusted_issuers", i))
	}
	if v.GracePeriodDays < 0 {
		errs = errs.Also(apis.ErrInvalidValue(v.GracePeriodDays, "grace_period_days",
			"must not be negative"))
	}
	if v.Enabled && v.Enforcement != EnforcementOff && len(v.TrustedIssuers) == 0 {
		errs = errs.Also(apis.ErrMissingField("trusted_issuers"))
	}
	return errs
}

// Validate implements apis.Validatable.
func (t *TrustedIssuer) Validate(ctx context.Context) *apis.FieldError {
	var errs *apis.FieldError
	switch {
	case t.Issuer == "":
		errs = errs.Also(apis.ErrMissingField("issuer"))
	default:
		if u, err := url.Parse(t.Issuer); err != nil || u.Scheme != "https" || u.Host == "" {
			errs = errs.Also(apis.ErrInvalidValue(t.Issuer, "issuer", "must be an https URL"))
		}
	}
	if t.Subject == "" && t.SubjectRegex == "" {
		errs = errs.Also(apis.ErrMissingOneOf("subject", "subject_regex"))
	}
	if t.Subject != "" && t.SubjectRegex != "" {
		errs = errs.Also(apis.ErrMultipleOneOf("subject", "subject_regex"))
	}
	if t.SubjectRegex != "" {
		if _, err := regexp.Compile(t.SubjectRegex); err != nil {
			errs = errs.Also(apis.ErrInvalidValue(t.SubjectRegex, "subject_regex", err.Error()))
		}
	}
	return errs
}

// ParseVerification decodes, defaults and validates a policy document.
func ParseVerification(ctx context.Context, data []byte) (*Verification, error) {
	var v Verification
	if err := yaml.UnmarshalStrict(data, &v); err != nil {
		return nil, fmt.Errorf("decoding verification policy: %w", err)
	}
	v.SetDefaults(ctx)
	if fe := v.Validate(ctx); fe != nil {
		return nil, fe
	}
	return &v, nil
}

// EffectiveEnforcement resolves the mode for one environment: the
// per-environment override when present, the top level otherwise.
func (v *Verification) EffectiveEnforcement(env string) string {
	if env != "" {
		if ep, ok := v.Environments[env]; ok {
			return ep.Enforcement
		}
	}
	return v.Enforcement
}

// MatchesIssuer reports whether a signer identity is trusted by the
// policy, and which issuer entry matched.
func (v *Verification) MatchesIssuer(issuer, subject string) (bool, *TrustedIssuer) {
	for i := range v.TrustedIssuers {
		ti := &v.TrustedIssuers[i]
		if ti.Issuer != issuer {
			continue
		}
		if ti.Subject != "" && ti.Subject == subject {
			return true, ti
		}
		if ti.SubjectRegex != "" {
			// Validated at parse time; a failure to compile here means
			// the policy skipped validation, so fail closed.
			re, err := regexp.Compile(ti.SubjectRegex)
			if err == nil && re.MatchString(subject) {
				return true, ti
			}
		}
	}
	return false, nil
}
