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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Manifest is a platform-level configuration document. With
// scope=enterprise it is the root of a 3-tier chain and owns the plugin
// whitelist; with scope=domain it selects plugins for one domain under an
// enterprise parent; with no scope it is the single platform tier of
// 2-tier mode.
type Manifest struct {
	metav1.TypeMeta `json:",inline"`

	Metadata Metadata `json:"metadata"`

	// +optional
	Scope Scope `json:"scope,omitempty"`

	// Parent is the OCI reference of the next manifest up the chain.
	// Required for domain scope, forbidden otherwise.
	// +optional
	Parent string `json:"parent,omitempty"`

	// +optional
	Plugins PluginMap `json:"plugins,omitempty"`

	// +optional
	Governance *GovernanceConfig `json:"governance,omitempty"`

	// +optional
	Security *SecurityConfig `json:"security,omitempty"`

	// ApprovedPlugins whitelists plugin types per category for descendant
	// manifests. Enterprise scope only.
	// +optional
	ApprovedPlugins map[Category][]string `json:"approved_plugins,omitempty"`

	// ApprovedProducts whitelists product names under this domain. Domain
	// scope only.
	// +optional
	ApprovedProducts []string `json:"approved_products,omitempty"`
}

var _ Document = (*Manifest)(nil)

// GetMetadata implements Document.
func (m *Manifest) GetMetadata() Metadata { return m.Metadata }

// GetParent implements Document.
func (m *Manifest) GetParent() string { return m.Parent }

// GetPlugins implements Document.
func (m *Manifest) GetPlugins() PluginMap { return m.Plugins }

// GetGovernance implements Document.
func (m *Manifest) GetGovernance() *GovernanceConfig { return m.Governance }

// GetSecurity implements Document.
func (m *Manifest) GetSecurity() *SecurityConfig { return m.Security }

// GetScope implements Document.
func (m *Manifest) GetScope() Scope { return m.Scope }

// DeepCopy returns a copy the caller may mutate freely.
func (m *Manifest) DeepCopy() *Manifest {
	if m == nil {
		return nil
	}
	out := &Manifest{
		TypeMeta:         m.TypeMeta,
		Metadata:         m.Metadata,
		Scope:            m.Scope,
		Parent:           m.Parent,
		Plugins:          m.Plugins.DeepCopy(),
		Governance:       m.Governance.DeepCopy(),
		Security:         m.Security.DeepCopy(),
		ApprovedProducts: append([]string(nil), m.ApprovedProducts...),
	}
	if m.ApprovedPlugins != nil {
		out.ApprovedPlugins = make(map[Category][]string, len(m.ApprovedPlugins))
		for c, types := range m.ApprovedPlugins {
			out.ApprovedPlugins[c] = append([]string(nil), types...)
		}
	}
	return out
}
