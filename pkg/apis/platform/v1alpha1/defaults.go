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

	"knative.dev/pkg/ptr"
)

const (
	// DefaultVersion is assumed for documents that omit metadata.version.
	DefaultVersion = "0.1.0"

	// DefaultIngressControllerNamespace is where the ingress controller is
	// expected unless the manifest says otherwise.
	DefaultIngressControllerNamespace = "ingress-nginx"
)

// SetDefaults implements apis.Defaultable.
func (m *Manifest) SetDefaults(ctx context.Context) {
	m.Metadata.SetDefaults(ctx)
	m.Governance.SetDefaults(ctx)
	m.Security.SetDefaults(ctx)
	m.Plugins.SetDefaults(ctx)
}

// SetDefaults implements apis.Defaultable.
func (d *DataProduct) SetDefaults(ctx context.Context) {
	d.Metadata.SetDefaults(ctx)
	d.Governance.SetDefaults(ctx)
	d.Security.SetDefaults(ctx)
	d.Plugins.SetDefaults(ctx)
}

func (m *Metadata) SetDefaults(ctx context.Context) {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
}

// SetDefaults pins the weakest admissible value for every monotone field so
// merge and strength comparisons never see the empty string.
func (g *GovernanceConfig) SetDefaults(ctx context.Context) {
	if g == nil {
		return
	}
	if g.PIIEncryption == "" {
		g.PIIEncryption = PIIEncryptionOptional
	}
	if g.AuditLogging == "" {
		g.AuditLogging = AuditLoggingDisabled
	}
	if g.PolicyEnforcementLevel == "" {
		g.PolicyEnforcementLevel = PolicyEnforcementOff
	}
}

func (s *SecurityConfig) SetDefaults(ctx context.Context) {
	if s == nil {
		return
	}
	if s.NetworkPolicies != nil {
		s.NetworkPolicies.SetDefaults(ctx)
	}
}

func (n *NetworkPoliciesConfig) SetDefaults(ctx context.Context) {
	if n.DefaultDeny == nil {
		n.DefaultDeny = ptr.Bool(true)
	}
	if n.IngressControllerNamespace == "" {
		n.IngressControllerNamespace = DefaultIngressControllerNamespace
	}
	for i := range n.JobsEgressAllow {
		n.JobsEgressAllow[i].SetDefaults(ctx)
	}
	for i := range n.PlatformEgressAllow {
		n.PlatformEgressAllow[i].SetDefaults(ctx)
	}
}

func (r *EgressAllowRule) SetDefaults(ctx context.Context) {
	if r.Protocol == "" {
		r.Protocol = ProtocolTCP
	}
}

func (p PluginMap) SetDefaults(ctx context.Context) {
	for category, sel := range p {
		if sel.ConnectionSecretRef != nil && sel.ConnectionSecretRef.Source == "" {
			sel.ConnectionSecretRef.Source = SecretSourceEnv
			p[category] = sel
		}
	}
}
