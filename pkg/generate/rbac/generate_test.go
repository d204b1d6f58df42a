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

package rbac

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
	"github.com/Obsidian-Owl/floe-sub008/pkg/generate/network"
)

const testHash = "sha256:ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"

func explicitConfig() *v1alpha1.RBACConfig {
	return &v1alpha1.RBACConfig{
		Enabled: true,
		ServiceAccounts: []v1alpha1.ServiceAccountSpec{
			{Name: "reader", Roles: []string{"read-data"}},
			{Name: "writer", Namespace: "floe-sales", Roles: []string{"read-data", "write-data"}},
		},
		Roles: []v1alpha1.RoleSpec{
			{Name: "write-data", Rules: []v1alpha1.PolicyRuleSpec{
				{Resources: []string{"configmaps"}, Verbs: []string{"create", "update"}},
			}},
			{Name: "read-data", Rules: []v1alpha1.PolicyRuleSpec{
				{Resources: []string{"configmaps"}, Verbs: []string{"get", "list"}},
			}},
		},
	}
}

func TestGenerateDisabled(t *testing.T) {
	g := NewGenerator()
	for _, rb := range []*v1alpha1.RBACConfig{nil, {Enabled: false}} {
		result, err := g.Generate(rb, Inputs{SourceHash: testHash})
		require.NoError(t, err)
		if len(result.Objects) != 0 {
			t.Errorf("Generate(%+v) produced objects for a disabled config", rb)
		}
	}
}

func TestGenerateExplicit(t *testing.T) {
	result, err := NewGenerator().Generate(explicitConfig(), Inputs{SourceHash: testHash})
	require.NoError(t, err)

	jobs := result.Objects[network.DefaultJobsNamespace]
	var roles, bindings []string
	var sas []string
	for _, obj := range jobs {
		switch o := obj.(type) {
		case *rbacv1.Role:
			roles = append(roles, o.Name)
		case *rbacv1.RoleBinding:
			bindings = append(bindings, o.Name)
			if o.RoleRef.Kind != "Role" || o.RoleRef.APIGroup != rbacv1.GroupName {
				t.Errorf("binding %s roleRef = %+v", o.Name, o.RoleRef)
			}
		case *corev1.ServiceAccount:
			sas = append(sas, o.Name)
		}
	}
	if diff := cmp.Diff([]string{"read-data", "write-data"}, roles); diff != "" {
		t.Errorf("roles (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"reader-read-data", "writer-read-data", "writer-write-data"}, bindings); diff != "" {
		t.Errorf("bindings (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"reader"}, sas); diff != "" {
		t.Errorf("jobs namespace accounts (-want, +got):\n%s", diff)
	}

	// The writer account lands in its declared namespace, but its
	// bindings stay with the roles.
	sales := result.Objects["floe-sales"]
	if len(sales) != 1 {
		t.Fatalf("floe-sales objects = %d, wanted just the account", len(sales))
	}
	sa, ok := sales[0].(*corev1.ServiceAccount)
	if !ok || sa.Name != "writer" {
		t.Fatalf("floe-sales[0] = %T %v, wanted the writer ServiceAccount", sales[0], sales[0])
	}
	if sa.Labels[network.LabelManagedBy] != network.ManagedByValue {
		t.Errorf("labels = %v, wanted managed-by floe", sa.Labels)
	}
	if sa.Labels[network.LabelSourceHash] != "ab12cd34ef56" {
		t.Errorf("source hash label = %q", sa.Labels[network.LabelSourceHash])
	}
}

func TestGenerateDefaultJobRunner(t *testing.T) {
	result, err := NewGenerator().Generate(&v1alpha1.RBACConfig{Enabled: true}, Inputs{SourceHash: testHash})
	require.NoError(t, err)
	jobs := result.Objects[network.DefaultJobsNamespace]
	if len(jobs) != 3 {
		t.Fatalf("objects = %d, wanted role + account + binding", len(jobs))
	}
	role, ok := jobs[0].(*rbacv1.Role)
	if !ok || role.Name != DefaultJobRunner {
		t.Fatalf("jobs[0] = %T %v, wanted the %s Role", jobs[0], jobs[0], DefaultJobRunner)
	}
	wantRules := []rbacv1.PolicyRule{{
		APIGroups: []string{""},
		Resources: []string{"configmaps", "secrets"},
		Verbs:     []string{"get", "list", "watch"},
	}}
	if diff := cmp.Diff(wantRules, role.Rules); diff != "" {
		t.Errorf("default rules (-want, +got):\n%s", diff)
	}
}

func TestGenerateUndeclaredRole(t *testing.T) {
	rb := &v1alpha1.RBACConfig{
		Enabled:         true,
		ServiceAccounts: []v1alpha1.ServiceAccountSpec{{Name: "reader", Roles: []string{"ghost"}}},
		Roles:           []v1alpha1.RoleSpec{{Name: "real", Rules: []v1alpha1.PolicyRuleSpec{{Resources: []string{"pods"}, Verbs: []string{"get"}}}}},
	}
	if _, err := NewGenerator().Generate(rb, Inputs{}); err == nil {
		t.Fatal("Generate() accepted a binding to an undeclared role")
	}
}

func TestGenerateIdempotentAndCached(t *testing.T) {
	g := NewGenerator()
	in := Inputs{SourceHash: testHash}

	a, err := g.Generate(explicitConfig(), in)
	require.NoError(t, err)
	b, err := g.Generate(explicitConfig(), in)
	require.NoError(t, err)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("two runs differ (-first, +second):\n%s", diff)
	}
	if got := g.CacheHits(); got != 1 {
		t.Errorf("CacheHits() = %d, wanted 1", got)
	}

	// A different resolved-config hash misses the cache.
	_, err = g.Generate(explicitConfig(), Inputs{SourceHash: "sha256:ffff"})
	require.NoError(t, err)
	if got := g.CacheHits(); got != 1 {
		t.Errorf("CacheHits() after new hash = %d, wanted still 1", got)
	}
}

func TestClosureDeduplicates(t *testing.T) {
	rb := &v1alpha1.RBACConfig{
		Enabled: true,
		Roles: []v1alpha1.RoleSpec{
			{Name: "a", Rules: []v1alpha1.PolicyRuleSpec{{Resources: []string{"configmaps"}, Verbs: []string{"get"}}}},
			{Name: "b", Rules: []v1alpha1.PolicyRuleSpec{
				{Resources: []string{"configmaps"}, Verbs: []string{"get"}},
				{Resources: []string{"secrets"}, Verbs: []string{"get"}},
			}},
		},
	}
	result, err := NewGenerator().Generate(rb, Inputs{SourceHash: testHash})
	require.NoError(t, err)
	want := []rbacv1.PolicyRule{
		{APIGroups: []string{""}, Resources: []string{"configmaps"}, Verbs: []string{"get"}},
		{APIGroups: []string{""}, Resources: []string{"secrets"}, Verbs: []string{"get"}},
	}
	if diff := cmp.Diff(want, result.Closure); diff != "" {
		t.Errorf("closure (-want, +got):\n%s", diff)
	}
}
