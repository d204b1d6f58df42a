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

// Metadata identifies a configuration document. Name, version and owner
// are required; together with the document kind they key the inheritance
// chain and cycle detection.
type Metadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Owner   string `json:"owner"`
	// +optional
	Description string `json:"description,omitempty"`
}

// Scope distinguishes the two platform manifest tiers. An empty scope is
// the 2-tier mode where a single parentless manifest configures everything.
type Scope string

const (
	ScopeEnterprise Scope = "enterprise"
	ScopeDomain     Scope = "domain"
	ScopeNone       Scope = ""
)

// Category is a plugin slot. Each category admits at most one selection
// per document.
type Category string

const (
	CategoryCompute       Category = "compute"
	CategoryOrchestrator  Category = "orchestrator"
	CategoryCatalog       Category = "catalog"
	CategoryStorage       Category = "storage"
	CategorySemanticLayer Category = "semantic_layer"
	CategoryIngestion     Category = "ingestion"
	CategorySecrets       Category = "secrets"
	CategoryObservability Category = "observability"
	CategoryIdentity      Category = "identity"
	CategoryDbt           Category = "dbt"
	CategoryQuality       Category = "quality"
)

// Categories returns every known plugin category in stable order.
func Categories() []Category {
	return []Category{
		CategoryCompute,
		CategoryOrchestrator,
		CategoryCatalog,
		CategoryStorage,
		CategorySemanticLayer,
		CategoryIngestion,
		CategorySecrets,
		CategoryObservability,
		CategoryIdentity,
		CategoryDbt,
		CategoryQuality,
	}
}

// PluginMap holds per-category plugin selections.
type PluginMap map[Category]PluginSelection

// PluginSelection picks one plugin implementation for a category. Config is
// carried opaquely to the compiled output; the compiler never interprets it
// beyond the compute-registry keys.
type PluginSelection struct {
	Type string `json:"type"`
	// +optional
	Config map[string]interface{} `json:"config,omitempty"`
	// +optional
	ConnectionSecretRef *SecretReference `json:"connection_secret_ref,omitempty"`
}

// SecretReference names a secret in an external backend. It is never
// dereferenced at compile time; only its coordinates travel into the
// compiled output.
type SecretReference struct {
	Source string `json:"source"`
	Name   string `json:"name"`
	// +optional
	Key string `json:"key,omitempty"`
}

const (
	SecretSourceEnv             = "env"
	SecretSourceKubernetes      = "kubernetes"
	SecretSourceVault           = "vault"
	SecretSourceExternalSecrets = "external-secrets"
)

// GovernanceConfig carries the monotone governance posture. Children may
// strengthen but never weaken any of these relative to their parent.
type GovernanceConfig struct {
	// +optional
	PIIEncryption string `json:"pii_encryption,omitempty"`
	// +optional
	AuditLogging string `json:"audit_logging,omitempty"`
	// +optional
	PolicyEnforcementLevel string `json:"policy_enforcement_level,omitempty"`
	// +optional
	DataRetentionDays int `json:"data_retention_days,omitempty"`
}

const (
	PIIEncryptionRequired = "required"
	PIIEncryptionOptional = "optional"

	AuditLoggingEnabled  = "enabled"
	AuditLoggingDisabled = "disabled"

	PolicyEnforcementOff    = "off"
	PolicyEnforcementWarn   = "warn"
	PolicyEnforcementStrict = "strict"
)

// SecurityConfig groups the security posture consumed by the manifest
// generators.
type SecurityConfig struct {
	// +optional
	RBAC *RBACConfig `json:"rbac,omitempty"`
	// +optional
	PodSecurity *PodSecurityConfig `json:"pod_security,omitempty"`
	// +optional
	NamespaceIsolation string `json:"namespace_isolation,omitempty"`
	// +optional
	NetworkPolicies *NetworkPoliciesConfig `json:"network_policies,omitempty"`
}

const (
	NamespaceIsolationStrict     = "strict"
	NamespaceIsolationPermissive = "permissive"
)

// PodSecurityConfig tunes the Pod Security Admission level and the writable
// mounts granted to job pods.
type PodSecurityConfig struct {
	// Enforce overrides the per-namespace PSA enforce level. Audit and warn
	// stay at restricted regardless.
	// +optional
	Enforce string `json:"enforce,omitempty"`
	// +optional
	WritablePaths []string `json:"writable_paths,omitempty"`
}

const (
	PodSecurityPrivileged = "privileged"
	PodSecurityBaseline   = "baseline"
	PodSecurityRestricted = "restricted"
)

// RBACConfig is the contract consumed by the RBAC generator.
type RBACConfig struct {
	// +optional
	Enabled bool `json:"enabled,omitempty"`
	// +optional
	ServiceAccounts []ServiceAccountSpec `json:"service_accounts,omitempty"`
	// +optional
	Roles []RoleSpec `json:"roles,omitempty"`
}

// ServiceAccountSpec binds a ServiceAccount to one or more named roles.
type ServiceAccountSpec struct {
	Name string `json:"name"`
	// +optional
	Namespace string `json:"namespace,omitempty"`
	// +optional
	Roles []string `json:"roles,omitempty"`
}

// RoleSpec declares a namespaced Role by name and rules.
type RoleSpec struct {
	Name  string           `json:"name"`
	Rules []PolicyRuleSpec `json:"rules"`
}

// PolicyRuleSpec mirrors the fields of an rbac/v1 PolicyRule that manifests
// may set.
type PolicyRuleSpec struct {
	// +optional
	APIGroups []string `json:"api_groups,omitempty"`
	Resources []string `json:"resources"`
	Verbs     []string `json:"verbs"`
	// +optional
	ResourceNames []string `json:"resource_names,omitempty"`
}

// NetworkPoliciesConfig drives the NetworkPolicy generator.
type NetworkPoliciesConfig struct {
	// +optional
	Enabled bool `json:"enabled,omitempty"`
	// DefaultDeny defaults to true; disabling it is an explicit opt-out.
	// +optional
	DefaultDeny *bool `json:"default_deny,omitempty"`
	// +optional
	AllowExternalHTTPS bool `json:"allow_external_https,omitempty"`
	// +optional
	IngressControllerNamespace string `json:"ingress_controller_namespace,omitempty"`
	// +optional
	JobsEgressAllow []EgressAllowRule `json:"jobs_egress_allow,omitempty"`
	// +optional
	PlatformEgressAllow []EgressAllowRule `json:"platform_egress_allow,omitempty"`
}

// EgressAllowRule opens a single egress path. Exactly one of ToNamespace or
// ToCIDR must be set.
type EgressAllowRule struct {
	Name string `json:"name"`
	// +optional
	ToNamespace string `json:"to_namespace,omitempty"`
	// +optional
	ToCIDR string `json:"to_cidr,omitempty"`
	Port   int32  `json:"port"`
	// +optional
	Protocol string `json:"protocol,omitempty"`
}

const (
	ProtocolTCP = "TCP"
	ProtocolUDP = "UDP"
)

// DeepCopy helpers. Documents are read-only once parsed; the resolver copies
// before merging so chain inputs stay untouched.

func (m Metadata) DeepCopy() Metadata {
	return m
}

func (p PluginMap) DeepCopy() PluginMap {
	if p == nil {
		return nil
	}
	out := make(PluginMap, len(p))
	for k, v := range p {
		out[k] = v.DeepCopy()
	}
	return out
}

func (p PluginSelection) DeepCopy() PluginSelection {
	out := p
	out.Config = deepCopyValue(p.Config).(map[string]interface{})
	if p.ConnectionSecretRef != nil {
		ref := *p.ConnectionSecretRef
		out.ConnectionSecretRef = &ref
	}
	return out
}

func (g *GovernanceConfig) DeepCopy() *GovernanceConfig {
	if g == nil {
		return nil
	}
	out := *g
	return &out
}

func (s *SecurityConfig) DeepCopy() *SecurityConfig {
	if s == nil {
		return nil
	}
	out := *s
	out.RBAC = s.RBAC.DeepCopy()
	out.PodSecurity = s.PodSecurity.DeepCopy()
	out.NetworkPolicies = s.NetworkPolicies.DeepCopy()
	return &out
}

func (r *RBACConfig) DeepCopy() *RBACConfig {
	if r == nil {
		return nil
	}
	out := *r
	out.ServiceAccounts = make([]ServiceAccountSpec, len(r.ServiceAccounts))
	for i, sa := range r.ServiceAccounts {
		out.ServiceAccounts[i] = sa
		out.ServiceAccounts[i].Roles = append([]string(nil), sa.Roles...)
	}
	out.Roles = make([]RoleSpec, len(r.Roles))
	for i, role := range r.Roles {
		out.Roles[i] = RoleSpec{Name: role.Name, Rules: make([]PolicyRuleSpec, len(role.Rules))}
		for j, rule := range role.Rules {
			out.Roles[i].Rules[j] = PolicyRuleSpec{
				APIGroups:     append([]string(nil), rule.APIGroups...),
				Resources:     append([]string(nil), rule.Resources...),
				Verbs:         append([]string(nil), rule.Verbs...),
				ResourceNames: append([]string(nil), rule.ResourceNames...),
			}
		}
	}
	return &out
}

func (p *PodSecurityConfig) DeepCopy() *PodSecurityConfig {
	if p == nil {
		return nil
	}
	out := *p
	out.WritablePaths = append([]string(nil), p.WritablePaths...)
	return &out
}

func (n *NetworkPoliciesConfig) DeepCopy() *NetworkPoliciesConfig {
	if n == nil {
		return nil
	}
	out := *n
	if n.DefaultDeny != nil {
		v := *n.DefaultDeny
		out.DefaultDeny = &v
	}
	out.JobsEgressAllow = append([]EgressAllowRule(nil), n.JobsEgressAllow...)
	out.PlatformEgressAllow = append([]EgressAllowRule(nil), n.PlatformEgressAllow...)
	return &out
}

// deepCopyValue copies the JSON-shaped values plugin configs are made of.
func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if t == nil {
			return (map[string]interface{})(nil)
		}
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopyValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopyValue(val)
		}
		return out
	default:
		return v
	}
}
