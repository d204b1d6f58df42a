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

package network

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	corev1 "k8s.io/api/core/v1"
	netv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/runtime"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

const testHash = "sha256:9b2a4a1a3e5d2c1f0e9d8c7b6a5f4e3d2c1b0a998877665544332211ffeeddcc"

func findPolicy(t *testing.T, objs []runtime.Object, name string) *netv1.NetworkPolicy {
	t.Helper()
	for _, obj := range objs {
		if p, ok := obj.(*netv1.NetworkPolicy); ok && p.Name == name {
			return p
		}
	}
	t.Fatalf("no NetworkPolicy named %q", name)
	return nil
}

func findNamespace(t *testing.T, objs []runtime.Object) *corev1.Namespace {
	t.Helper()
	for _, obj := range objs {
		if ns, ok := obj.(*corev1.Namespace); ok {
			return ns
		}
	}
	t.Fatal("no Namespace object")
	return nil
}

func TestGenerateDefaults(t *testing.T) {
	result, err := Generate(nil, Inputs{SourceHash: testHash})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}

	for _, ns := range []string{DefaultPlatformNamespace, DefaultJobsNamespace} {
		if _, ok := result.Objects[ns]; !ok {
			t.Fatalf("no objects for namespace %q", ns)
		}
	}

	deny := findPolicy(t, result.Objects[DefaultJobsNamespace], "default-deny")
	if len(deny.Spec.PolicyTypes) != 2 {
		t.Errorf("default-deny policy types = %v, wanted ingress and egress", deny.Spec.PolicyTypes)
	}
	if !hasDNSEgress(deny) {
		t.Error("default-deny is missing the DNS egress to kube-system")
	}
	if deny.Labels[LabelManagedBy] != ManagedByValue {
		t.Errorf("labels = %v, wanted %s=%s", deny.Labels, LabelManagedBy, ManagedByValue)
	}
	if deny.Labels[LabelSourceHash] != "9b2a4a1a3e5d" {
		t.Errorf("source hash label = %q, wanted the short hash", deny.Labels[LabelSourceHash])
	}

	// Built-in jobs egress: platform services on 4317/4318/8181/9000,
	// no external HTTPS unless opted in.
	egress := findPolicy(t, result.Objects[DefaultJobsNamespace], "egress-allow")
	var ports []int
	for _, rule := range egress.Spec.Egress {
		for _, p := range rule.Ports {
			ports = append(ports, p.Port.IntValue())
		}
		for _, peer := range rule.To {
			if peer.IPBlock != nil {
				t.Errorf("unexpected ipBlock egress %q without allow_external_https", peer.IPBlock.CIDR)
			}
		}
	}
	if diff := cmp.Diff([]int{4317, 4318, 8181, 9000}, ports); diff != "" {
		t.Errorf("builtin egress ports (-want, +got):\n%s", diff)
	}
}

func TestGeneratePSALabels(t *testing.T) {
	sec := &v1alpha1.SecurityConfig{
		PodSecurity: &v1alpha1.PodSecurityConfig{Enforce: v1alpha1.PodSecurityBaseline},
	}
	result, err := Generate(sec, Inputs{SourceHash: testHash, Domains: []string{"sales"}})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}

	tests := []struct {
		ns          string
		wantEnforce string
	}{
		{ns: DefaultJobsNamespace, wantEnforce: v1alpha1.PodSecurityBaseline},
		{ns: DefaultPlatformNamespace, wantEnforce: v1alpha1.PodSecurityBaseline},
		{ns: "floe-sales", wantEnforce: v1alpha1.PodSecurityRestricted},
	}
	for _, test := range tests {
		ns := findNamespace(t, result.Objects[test.ns])
		if got := ns.Labels["pod-security.kubernetes.io/enforce"]; got != test.wantEnforce {
			t.Errorf("%s enforce = %q, wanted %q", test.ns, got, test.wantEnforce)
		}
		for _, key := range []string{"pod-security.kubernetes.io/audit", "pod-security.kubernetes.io/warn"} {
			if got := ns.Labels[key]; got != v1alpha1.PodSecurityRestricted {
				t.Errorf("%s %s = %q, wanted restricted", test.ns, key, got)
			}
		}
	}

	domainNS := findNamespace(t, result.Objects["floe-sales"])
	if domainNS.Labels[LabelDomain] != "sales" {
		t.Errorf("domain label = %q, wanted %q", domainNS.Labels[LabelDomain], "sales")
	}
}

func TestGenerateExternalHTTPS(t *testing.T) {
	sec := &v1alpha1.SecurityConfig{
		NetworkPolicies: &v1alpha1.NetworkPoliciesConfig{AllowExternalHTTPS: true},
	}
	result, err := Generate(sec, Inputs{SourceHash: testHash})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	egress := findPolicy(t, result.Objects[DefaultJobsNamespace], "egress-allow")

	var found bool
	for _, rule := range egress.Spec.Egress {
		for _, peer := range rule.To {
			if peer.IPBlock != nil && peer.IPBlock.CIDR == "0.0.0.0/0" {
				found = true
				if len(rule.Ports) != 1 || rule.Ports[0].Port.IntValue() != 443 {
					t.Errorf("external rule ports = %v, wanted just 443", rule.Ports)
				}
			}
		}
	}
	if !found {
		t.Error("no 0.0.0.0/0 egress despite allow_external_https")
	}
}

func TestGenerateCoalescing(t *testing.T) {
	sec := &v1alpha1.SecurityConfig{
		NetworkPolicies: &v1alpha1.NetworkPoliciesConfig{
			JobsEgressAllow: []v1alpha1.EgressAllowRule{
				{Name: "warehouse-a", ToNamespace: "warehouse", Port: 8443, Protocol: "TCP"},
				{Name: "warehouse-b", ToNamespace: "warehouse", Port: 5432, Protocol: "TCP"},
				// Duplicate (target, protocol, port) folds away entirely.
				{Name: "warehouse-dup", ToNamespace: "warehouse", Port: 5432, Protocol: "TCP"},
			},
		},
	}
	result, err := Generate(sec, Inputs{SourceHash: testHash})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	egress := findPolicy(t, result.Objects[DefaultJobsNamespace], "egress-allow")

	for _, rule := range egress.Spec.Egress {
		for _, peer := range rule.To {
			if peer.NamespaceSelector == nil ||
				peer.NamespaceSelector.MatchLabels["kubernetes.io/metadata.name"] != "warehouse" {
				continue
			}
			var ports []int
			for _, p := range rule.Ports {
				ports = append(ports, p.Port.IntValue())
			}
			if diff := cmp.Diff([]int{5432, 8443}, ports); diff != "" {
				t.Errorf("coalesced ports (-want, +got):\n%s", diff)
			}
			return
		}
	}
	t.Fatal("no coalesced rule for the warehouse namespace")
}

func TestGenerateDeterministic(t *testing.T) {
	sec := &v1alpha1.SecurityConfig{
		NetworkPolicies: &v1alpha1.NetworkPoliciesConfig{AllowExternalHTTPS: true},
		PodSecurity:     &v1alpha1.PodSecurityConfig{WritablePaths: []string{"/tmp", "/scratch"}},
	}
	in := Inputs{SourceHash: testHash, Domains: []string{"sales", "ads"}}

	a, err := Generate(sec, in)
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	b, err := Generate(sec, in)
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("two runs differ (-first, +second):\n%s", diff)
	}
}

func TestGenerateWritablePaths(t *testing.T) {
	sec := &v1alpha1.SecurityConfig{
		PodSecurity: &v1alpha1.PodSecurityConfig{WritablePaths: []string{"/tmp", "/scratch"}},
	}
	result, err := Generate(sec, Inputs{SourceHash: testHash})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}

	var tmpl *corev1.PodTemplate
	for _, obj := range result.Objects[DefaultJobsNamespace] {
		if pt, ok := obj.(*corev1.PodTemplate); ok {
			tmpl = pt
		}
	}
	if tmpl == nil {
		t.Fatal("no PodTemplate in the jobs namespace")
	}

	spec := tmpl.Template.Spec
	if spec.SecurityContext == nil || spec.SecurityContext.RunAsNonRoot == nil || !*spec.SecurityContext.RunAsNonRoot {
		t.Error("pod security context does not enforce runAsNonRoot")
	}
	csc := spec.Containers[0].SecurityContext
	if csc.ReadOnlyRootFilesystem == nil || !*csc.ReadOnlyRootFilesystem {
		t.Error("container does not enforce a read-only root filesystem")
	}
	if len(csc.Capabilities.Drop) != 1 || csc.Capabilities.Drop[0] != "ALL" {
		t.Errorf("capabilities drop = %v, wanted [ALL]", csc.Capabilities.Drop)
	}
	if len(spec.Volumes) != 2 || len(spec.Containers[0].VolumeMounts) != 2 {
		t.Errorf("volumes = %d, mounts = %d, wanted 2 and 2",
			len(spec.Volumes), len(spec.Containers[0].VolumeMounts))
	}
	for _, v := range spec.Volumes {
		if v.EmptyDir == nil {
			t.Errorf("volume %q is not an emptyDir", v.Name)
		}
	}
}

func TestGenerateDefaultDenyOptOut(t *testing.T) {
	off := false
	sec := &v1alpha1.SecurityConfig{
		NetworkPolicies: &v1alpha1.NetworkPoliciesConfig{DefaultDeny: &off},
	}
	result, err := Generate(sec, Inputs{SourceHash: testHash})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	for ns, objs := range result.Objects {
		for _, obj := range objs {
			if p, ok := obj.(*netv1.NetworkPolicy); ok && p.Name == "default-deny" {
				t.Errorf("namespace %s still has a default-deny policy", ns)
			}
		}
	}
	if !strings.Contains(result.Summary, "DISABLED") {
		t.Error("summary does not call out the disabled default-deny")
	}
}

func TestSummary(t *testing.T) {
	result, err := Generate(nil, Inputs{SourceHash: testHash, Domains: []string{"sales"}})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	for _, want := range []string{"floe-platform", "floe-jobs", "floe-sales", "default-deny", "kube-system"} {
		if !strings.Contains(result.Summary, want) {
			t.Errorf("summary is missing %q", want)
		}
	}
}
