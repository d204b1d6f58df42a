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

package resolve

import (
	"sort"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

// MergedConfig is the fully-merged configuration of a resolved chain.
type MergedConfig struct {
	Plugins    v1alpha1.PluginMap
	Governance v1alpha1.GovernanceConfig
	Security   *v1alpha1.SecurityConfig

	// ApprovedPlugins comes from the enterprise tier, ApprovedProducts
	// from the domain tier; neither merges.
	ApprovedPlugins  map[v1alpha1.Category][]string
	ApprovedProducts []string
}

// strength orders the monotone governance values, weakest first. A child
// may move right along each list, never left.
var strength = map[string][]string{
	"governance.pii_encryption":           {v1alpha1.PIIEncryptionOptional, v1alpha1.PIIEncryptionRequired},
	"governance.audit_logging":            {v1alpha1.AuditLoggingDisabled, v1alpha1.AuditLoggingEnabled},
	"governance.policy_enforcement_level": {v1alpha1.PolicyEnforcementOff, v1alpha1.PolicyEnforcementWarn, v1alpha1.PolicyEnforcementStrict},
}

func rank(field, value string) int {
	for i, v := range strength[field] {
		if v == value {
			return i
		}
	}
	return 0
}

// merger accumulates a MergedConfig while recording, per field path, the
// chain level that contributed the final value.
type merger struct {
	out     MergedConfig
	sources map[string]string
}

func newMerger() *merger {
	return &merger{
		out: MergedConfig{
			Governance: v1alpha1.GovernanceConfig{
				PIIEncryption:          v1alpha1.PIIEncryptionOptional,
				AuditLogging:           v1alpha1.AuditLoggingDisabled,
				PolicyEnforcementLevel: v1alpha1.PolicyEnforcementOff,
			},
		},
		sources: map[string]string{
			"governance.pii_encryption":           sourceDefault,
			"governance.audit_logging":            sourceDefault,
			"governance.policy_enforcement_level": sourceDefault,
			"governance.data_retention_days":      sourceDefault,
		},
	}
}

// sourceDefault marks values no chain level ever set.
const sourceDefault = "(default)"

// apply merges one chain level into the accumulator. Levels are applied
// root-first, so "parent" is the state accumulated so far and doc is the
// child overriding it. from names the level for field_sources.
func (m *merger) apply(doc v1alpha1.Document, from string) error {
	if err := m.applyGovernance(doc.GetGovernance(), from); err != nil {
		return err
	}
	m.applyPlugins(doc.GetPlugins(), from)
	m.applySecurity(doc.GetSecurity(), from)

	if man, ok := doc.(*v1alpha1.Manifest); ok {
		// FORBID strategy: these never merge, they only travel from the
		// one tier allowed to set them.
		if len(man.ApprovedPlugins) > 0 {
			m.out.ApprovedPlugins = man.DeepCopy().ApprovedPlugins
			m.sources["approved_plugins"] = from
		}
		if len(man.ApprovedProducts) > 0 {
			m.out.ApprovedProducts = append([]string(nil), man.ApprovedProducts...)
			m.sources["approved_products"] = from
		}
	}
	return nil
}

// applyGovernance enforces the monotone strategy: a child at the weakest
// value inherits, a stronger child wins, a strictly-weaker child is a
// policy violation. data_retention_days takes MAX(parent, child).
func (m *merger) applyGovernance(g *v1alpha1.GovernanceConfig, from string) error {
	if g == nil {
		return nil
	}
	monotone := []struct {
		field  string
		parent *string
		child  string
	}{
		{"governance.pii_encryption", &m.out.Governance.PIIEncryption, g.PIIEncryption},
		{"governance.audit_logging", &m.out.Governance.AuditLogging, g.AuditLogging},
		{"governance.policy_enforcement_level", &m.out.Governance.PolicyEnforcementLevel, g.PolicyEnforcementLevel},
	}
	for _, f := range monotone {
		if f.child == "" || f.child == strength[f.field][0] {
			// Unset or weakest: the level expressed no preference.
			continue
		}
		switch {
		case rank(f.field, f.child) < rank(f.field, *f.parent):
			return &SecurityPolicyViolationError{Field: f.field, Parent: *f.parent, Child: f.child}
		default:
			*f.parent = f.child
			m.sources[f.field] = from
		}
	}
	if g.DataRetentionDays > m.out.Governance.DataRetentionDays {
		m.out.Governance.DataRetentionDays = g.DataRetentionDays
		m.sources["governance.data_retention_days"] = from
	}
	return nil
}

// applyPlugins is the OVERRIDE strategy per category: the child selection
// replaces the parent's whole.
func (m *merger) applyPlugins(p v1alpha1.PluginMap, from string) {
	if len(p) == 0 {
		return
	}
	if m.out.Plugins == nil {
		m.out.Plugins = v1alpha1.PluginMap{}
	}
	categories := make([]string, 0, len(p))
	for c := range p {
		categories = append(categories, string(c))
	}
	sort.Strings(categories)
	for _, c := range categories {
		category := v1alpha1.Category(c)
		m.out.Plugins[category] = p[category].DeepCopy()
		m.sources["plugins."+c] = from
	}
}

// applySecurity overrides sub-sections wholesale when the child sets them,
// except the extend-marked lists (egress allows, writable paths) which
// concatenate parent-first and dedupe by their logical key.
func (m *merger) applySecurity(s *v1alpha1.SecurityConfig, from string) {
	if s == nil {
		return
	}
	if m.out.Security == nil {
		m.out.Security = &v1alpha1.SecurityConfig{}
	}
	out := m.out.Security

	if s.NamespaceIsolation != "" {
		out.NamespaceIsolation = s.NamespaceIsolation
		m.sources["security.namespace_isolation"] = from
	}
	if s.RBAC != nil {
		out.RBAC = s.RBAC.DeepCopy()
		m.sources["security.rbac"] = from
	}
	if s.PodSecurity != nil {
		prev := out.PodSecurity
		out.PodSecurity = s.PodSecurity.DeepCopy()
		if prev != nil {
			out.PodSecurity.WritablePaths = extendStrings(prev.WritablePaths, s.PodSecurity.WritablePaths)
			if out.PodSecurity.Enforce == "" {
				out.PodSecurity.Enforce = prev.Enforce
			}
		}
		m.sources["security.pod_security"] = from
	}
	if s.NetworkPolicies != nil {
		prev := out.NetworkPolicies
		out.NetworkPolicies = s.NetworkPolicies.DeepCopy()
		if prev != nil {
			out.NetworkPolicies.JobsEgressAllow = extendRules(prev.JobsEgressAllow, s.NetworkPolicies.JobsEgressAllow)
			out.NetworkPolicies.PlatformEgressAllow = extendRules(prev.PlatformEgressAllow, s.NetworkPolicies.PlatformEgressAllow)
		}
		m.sources["security.network_policies"] = from
	}
}

// extendStrings concatenates parent then child, keeping the first
// occurrence of each value. Order is insertion-stable.
func extendStrings(parent, child []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range append(append([]string(nil), parent...), child...) {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// extendRules concatenates egress rules parent-first, deduping by rule
// name; a child rule with a parent's name replaces it in place.
func extendRules(parent, child []v1alpha1.EgressAllowRule) []v1alpha1.EgressAllowRule {
	index := map[string]int{}
	var out []v1alpha1.EgressAllowRule
	for _, r := range parent {
		index[r.Name] = len(out)
		out = append(out, r)
	}
	for _, r := range child {
		if i, ok := index[r.Name]; ok {
			out[i] = r
			continue
		}
		index[r.Name] = len(out)
		out = append(out, r)
	}
	return out
}
