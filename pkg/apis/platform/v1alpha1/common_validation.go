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

package v1alpha1

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/google/go-containerregistry/pkg/name"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation"
	"knative.dev/pkg/apis"
)

var (
	// ValidCategories is the closed set of plugin slots.
	ValidCategories = sets.NewString()

	// ValidSecretSources are the secret backends a SecretReference may name.
	ValidSecretSources = sets.NewString(
		SecretSourceEnv, SecretSourceKubernetes, SecretSourceVault, SecretSourceExternalSecrets)

	// ValidProtocols for egress allow rules.
	ValidProtocols = sets.NewString(ProtocolTCP, ProtocolUDP)

	// ValidPIIEncryption, ValidAuditLogging and ValidEnforcementLevels are the
	// admissible governance values, weakest first.
	ValidPIIEncryption     = sets.NewString(PIIEncryptionOptional, PIIEncryptionRequired)
	ValidAuditLogging      = sets.NewString(AuditLoggingDisabled, AuditLoggingEnabled)
	ValidEnforcementLevels = sets.NewString(PolicyEnforcementOff, PolicyEnforcementWarn, PolicyEnforcementStrict)

	// ValidIsolationModes for security.namespace_isolation.
	ValidIsolationModes = sets.NewString(NamespaceIsolationStrict, NamespaceIsolationPermissive)

	// ValidPodSecurityLevels are the Pod Security Standards levels.
	ValidPodSecurityLevels = sets.NewString(PodSecurityPrivileged, PodSecurityBaseline, PodSecurityRestricted)

	secretNameRE = regexp.MustCompile(`^[a-z0-9-]+$`)
)

func init() {
	for _, c := range Categories() {
		ValidCategories.Insert(string(c))
	}
}

// validateName enforces the identifier pattern shared by document, plugin,
// transform and port names: a DNS-1123 label of at least three characters.
func validateName(n string) *apis.FieldError {
	if n == "" {
		return apis.ErrMissingField(apis.CurrentField)
	}
	if msgs := validation.IsDNS1123Label(n); len(msgs) > 0 {
		return apis.ErrInvalidValue(n, apis.CurrentField, strings.Join(msgs, ", "))
	}
	if len(n) < 3 {
		return apis.ErrInvalidValue(n, apis.CurrentField, "must be at least 3 characters")
	}
	return nil
}

// validateSemver checks a metadata version field.
func validateSemver(v string) *apis.FieldError {
	if v == "" {
		return apis.ErrMissingField(apis.CurrentField)
	}
	if _, err := semver.Parse(v); err != nil {
		return apis.ErrInvalidValue(v, apis.CurrentField, fmt.Sprintf("not a semantic version: %v", err))
	}
	return nil
}

// validateOCIRef checks a parent reference. An oci:// prefix is accepted and
// stripped; the remainder must be a fully qualified reference with an
// explicit tag or digest.
func validateOCIRef(ref string) *apis.FieldError {
	trimmed := strings.TrimPrefix(ref, "oci://")
	if trimmed == "" {
		return apis.ErrMissingField(apis.CurrentField)
	}
	if _, err := name.ParseReference(trimmed, name.StrictValidation); err != nil {
		return apis.ErrInvalidValue(ref, apis.CurrentField, err.Error())
	}
	return nil
}

// Validate implements apis.Validatable.
func (m Metadata) Validate(ctx context.Context) *apis.FieldError {
	errs := validateName(m.Name).ViaField("name")
	errs = errs.Also(validateSemver(m.Version).ViaField("version"))
	if m.Owner == "" {
		errs = errs.Also(apis.ErrMissingField("owner"))
	}
	return errs
}

// Validate implements apis.Validatable.
func (p PluginMap) Validate(ctx context.Context) *apis.FieldError {
	var errs *apis.FieldError
	for category, sel := range p {
		if !ValidCategories.Has(string(category)) {
			errs = errs.Also(apis.ErrInvalidKeyName(string(category), apis.CurrentField,
				fmt.Sprintf("must be one of %v", ValidCategories.List())))
			continue
		}
		errs = errs.Also(sel.Validate(ctx).ViaKey(string(category)))
	}
	return errs
}

// Validate implements apis.Validatable.
func (p PluginSelection) Validate(ctx context.Context) *apis.FieldError {
	errs := validateName(p.Type).ViaField("type")
	if p.ConnectionSecretRef != nil {
		errs = errs.Also(p.ConnectionSecretRef.Validate(ctx).ViaField("connection_secret_ref"))
	}
	return errs
}

// Validate implements apis.Validatable.
func (s *SecretReference) Validate(ctx context.Context) *apis.FieldError {
	var errs *apis.FieldError
	if s.Source == "" {
		errs = errs.Also(apis.ErrMissingField("source"))
	} else if !ValidSecretSources.Has(s.Source) {
		errs = errs.Also(apis.ErrInvalidValue(s.Source, "source",
			fmt.Sprintf("must be one of %v", ValidSecretSources.List())))
	}
	switch {
	case s.Name == "":
		errs = errs.Also(apis.ErrMissingField("name"))
	case !secretNameRE.MatchString(s.Name):
		errs = errs.Also(apis.ErrInvalidValue(s.Name, "name", "must match ^[a-z0-9-]+$"))
	}
	return errs
}

// Validate implements apis.Validatable.
func (g *GovernanceConfig) Validate(ctx context.Context) *apis.FieldError {
	var errs *apis.FieldError
	if g.PIIEncryption != "" && !ValidPIIEncryption.Has(g.PIIEncryption) {
		errs = errs.Also(apis.ErrInvalidValue(g.PIIEncryption, "pii_encryption",
			fmt.Sprintf("must be one of %v", ValidPIIEncryption.List())))
	}
	if g.AuditLogging != "" && !ValidAuditLogging.Has(g.AuditLogging) {
		errs = errs.Also(apis.ErrInvalidValue(g.AuditLogging, "audit_logging",
			fmt.Sprintf("must be one of %v", ValidAuditLogging.List())))
	}
	if g.PolicyEnforcementLevel != "" && !ValidEnforcementLevels.Has(g.PolicyEnforcementLevel) {
		errs = errs.Also(apis.ErrInvalidValue(g.PolicyEnforcementLevel, "policy_enforcement_level",
			fmt.Sprintf("must be one of %v", ValidEnforcementLevels.List())))
	}
	if g.DataRetentionDays < 0 {
		errs = errs.Also(apis.ErrInvalidValue(g.DataRetentionDays, "data_retention_days",
			"must not be negative"))
	}
	return errs
}

// Validate implements apis.Validatable.
func (s *SecurityConfig) Validate(ctx context.Context) *apis.FieldError {
	var errs *apis.FieldError
	if s.NamespaceIsolation != "" && !ValidIsolationModes.Has(s.NamespaceIsolation) {
		errs = errs.Also(apis.ErrInvalidValue(s.NamespaceIsolation, "namespace_isolation",
			fmt.Sprintf("must be one of %v", ValidIsolationModes.List())))
	}
	if s.RBAC != nil {
		errs = errs.Also(s.RBAC.Validate(ctx).ViaField("rbac"))
	}
	if s.PodSecurity != nil {
		errs = errs.Also(s.PodSecurity.Validate(ctx).ViaField("pod_security"))
	}
	if s.NetworkPolicies != nil {
		errs = errs.Also(s.NetworkPolicies.Validate(ctx).ViaField("network_policies"))
	}
	return errs
}

// Validate implements apis.Validatable.
func (p *PodSecurityConfig) Validate(ctx context.Context) *apis.FieldError {
	var errs *apis.FieldError
	if p.Enforce != "" && !ValidPodSecurityLevels.Has(p.Enforce) {
		errs = errs.Also(apis.ErrInvalidValue(p.Enforce, "enforce",
			fmt.Sprintf("must be one of %v", ValidPodSecurityLevels.List())))
	}
	for i, path := range p.WritablePaths {
		if !strings.HasPrefix(path, "/") {
			errs = errs.Also(apis.ErrInvalidValue(path, apis.CurrentField,
				"must be an absolute path").ViaFieldIndex("writable_paths", i))
		}
	}
	return errs
}

// Validate implements apis.Validatable.
func (r *RBACConfig) Validate(ctx context.Context) *apis.FieldError {
	var errs *apis.FieldError
	roleNames := sets.NewString()
	for i, role := range r.Roles {
		errs = errs.Also(validateName(role.Name).ViaField("name").ViaFieldIndex("roles", i))
		if roleNames.Has(role.Name) {
			errs = errs.Also(apis.ErrInvalidValue(role.Name, "name",
				"duplicate role name").ViaFieldIndex("roles", i))
		}
		roleNames.Insert(role.Name)
		if len(role.Rules) == 0 {
			errs = errs.Also(apis.ErrMissingField("rules").ViaFieldIndex("roles", i))
		}
		for j, rule := range role.Rules {
			if len(rule.Resources) == 0 {
				errs = errs.Also(apis.ErrMissingField("resources").
					ViaFieldIndex("rules", j).ViaFieldIndex("roles", i))
			}
			if len(rule.Verbs) == 0 {
				errs = errs.Also(apis.ErrMissingField("verbs").
					ViaFieldIndex("rules", j).ViaFieldIndex("roles", i))
			}
		}
	}
	for i, sa := range r.ServiceAccounts {
		errs = errs.Also(validateName(sa.Name).ViaField("name").ViaFieldIndex("service_accounts", i))
		for j, role := range sa.Roles {
			if !roleNames.Has(role) {
				errs = errs.Also(apis.ErrInvalidValue(role, apis.CurrentField,
					"references an undeclared role").ViaFieldIndex("roles", j).
					ViaFieldIndex("service_accounts", i))
			}
		}
	}
	return errs
}

// Validate implements apis.Validatable.
func (n *NetworkPoliciesConfig) Validate(ctx context.Context) *apis.FieldError {
	var errs *apis.FieldError
	if n.IngressControllerNamespace != "" {
		if msgs := validation.IsDNS1123Label(n.IngressControllerNamespace); len(msgs) > 0 {
			errs = errs.Also(apis.ErrInvalidValue(n.IngressControllerNamespace,
				"ingress_controller_namespace", strings.Join(msgs, ", ")))
		}
	}
	for i, rule := range n.JobsEgressAllow {
		errs = errs.Also(rule.Validate(ctx).ViaFieldIndex("jobs_egress_allow", i))
	}
	for i, rule := range n.PlatformEgressAllow {
		errs = errs.Also(rule.Validate(ctx).ViaFieldIndex("platform_egress_allow", i))
	}
	return errs
}

// Validate implements apis.Validatable.
func (r EgressAllowRule) Validate(ctx context.Context) *apis.FieldError {
	errs := validateName(r.Name).ViaField("name")

	if r.ToNamespace == "" && r.ToCIDR == "" {
		errs = errs.Also(apis.ErrMissingOneOf("to_namespace", "to_cidr"))
	}
	if r.ToNamespace != "" && r.ToCIDR != "" {
		errs = errs.Also(apis.ErrMultipleOneOf("to_namespace", "to_cidr"))
	}
	if r.ToNamespace != "" {
		if msgs := validation.IsDNS1123Label(r.ToNamespace); len(msgs) > 0 {
			errs = errs.Also(apis.ErrInvalidValue(r.ToNamespace, "to_namespace", strings.Join(msgs, ", ")))
		}
	}
	if r.ToCIDR != "" {
		if _, err := netip.ParsePrefix(r.ToCIDR); err != nil {
			errs = errs.Also(apis.ErrInvalidValue(r.ToCIDR, "to_cidr", err.Error()))
		}
	}
	if r.Port < 1 || r.Port > 65535 {
		errs = errs.Also(apis.ErrOutOfBoundsValue(r.Port, 1, 65535, "port"))
	}
	if r.Protocol != "" && !ValidProtocols.Has(r.Protocol) {
		errs = errs.Also(apis.ErrInvalidValue(r.Protocol, "protocol",
			fmt.Sprintf("must be one of %v", ValidProtocols.List())))
	}
	return errs
}

// validateTypeMeta checks the fixed apiVersion/kind head of a document.
func validateTypeMeta(apiVersion, kind, wantKind string) *apis.FieldError {
	var errs *apis.FieldError
	switch apiVersion {
	case "":
		errs = errs.Also(apis.ErrMissingField("apiVersion"))
	case APIVersion:
	default:
		errs = errs.Also(apis.ErrInvalidValue(apiVersion, "apiVersion",
			fmt.Sprintf("must be %q", APIVersion)))
	}
	switch kind {
	case "":
		errs = errs.Also(apis.ErrMissingField("kind"))
	case wantKind:
	default:
		errs = errs.Also(apis.ErrInvalidValue(kind, "kind", fmt.Sprintf("must be %q", wantKind)))
	}
	return errs
}
