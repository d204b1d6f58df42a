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

// Package rbac derives ServiceAccounts, Roles and RoleBindings from a
// resolved RBACConfig. Generation is idempotent and side-effect-free.
package rbac

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
	"github.com/Obsidian-Owl/floe-sub008/pkg/generate/network"
)

// DefaultJobRunner is the ServiceAccount generated when RBAC is enabled
// but the manifest declares no accounts of its own.
const DefaultJobRunner = "floe-job-runner"

const closureCacheSize = 64

// Inputs parameterizes one generation run.
type Inputs struct {
	// Namespace is where unqualified accounts land; defaults to floe-jobs.
	Namespace string
	// SourceHash identifies the resolved configuration this run derives
	// from. It labels every object and keys the closure cache.
	SourceHash string
}

// Result is the generated object set.
type Result struct {
	// Objects maps namespace name to its manifests, in emission order.
	Objects map[string][]runtime.Object
	// Closure is the deduplicated union of every role's rules, the
	// effective permission surface of the configuration.
	Closure []rbacv1.PolicyRule
}

// Generator turns RBACConfig into Kubernetes objects. The permission
// closure is cached per resolved-config hash so repeated runs over the
// same configuration skip the dedup pass.
type Generator struct {
	mu       sync.Mutex
	closures *lru.Cache[string, []rbacv1.PolicyRule]
	hits     int
}

func NewGenerator() *Generator {
	cache, _ := lru.New[string, []rbacv1.PolicyRule](closureCacheSize)
	return &Generator{closures: cache}
}

// CacheHits reports how many closure lookups were served from cache.
func (g *Generator) CacheHits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hits
}

// Generate emits one ServiceAccount per service_accounts entry, one Role
// per roles entry and a RoleBinding per (account, role) pair. A disabled
// or nil config generates nothing; an enabled config with no explicit
// accounts gets the default job runner.
func (g *Generator) Generate(rb *v1alpha1.RBACConfig, in Inputs) (*Result, error) {
	result := &Result{Objects: map[string][]runtime.Object{}}
	if rb == nil || !rb.Enabled {
		return result, nil
	}
	if in.Namespace == "" {
		in.Namespace = network.DefaultJobsNamespace
	}

	accounts := rb.ServiceAccounts
	roles := rb.Roles
	if len(accounts) == 0 && len(roles) == 0 {
		accounts, roles = defaultSpec()
	}

	roleRules := make(map[string][]rbacv1.PolicyRule, len(roles))
	for _, role := range roles {
		if _, dup := roleRules[role.Name]; dup {
			return nil, fmt.Errorf("role %q declared twice", role.Name)
		}
		roleRules[role.Name] = typedRules(role.Rules)
	}

	for _, role := range sortedRoles(roles) {
		result.Objects[in.Namespace] = append(result.Objects[in.Namespace], &rbacv1.Role{
			TypeMeta:   metav1.TypeMeta{APIVersion: rbacv1.SchemeGroupVersion.String(), Kind: "Role"},
			ObjectMeta: objectMeta(role.Name, in.Namespace, in.SourceHash),
			Rules:      roleRules[role.Name],
		})
	}

	for _, sa := range sortedAccounts(accounts) {
		ns := sa.Namespace
		if ns == "" {
			ns = in.Namespace
		}
		result.Objects[ns] = append(result.Objects[ns], &corev1.ServiceAccount{
			TypeMeta:   metav1.TypeMeta{APIVersion: corev1.SchemeGroupVersion.String(), Kind: "ServiceAccount"},
			ObjectMeta: objectMeta(sa.Name, ns, in.SourceHash),
		})
		for _, roleName := range sa.Roles {
			if _, ok := roleRules[roleName]; !ok {
				return nil, fmt.Errorf("service account %q references undeclared role %q", sa.Name, roleName)
			}
			result.Objects[in.Namespace] = append(result.Objects[in.Namespace], &rbacv1.RoleBinding{
				TypeMeta:   metav1.TypeMeta{APIVersion: rbacv1.SchemeGroupVersion.String(), Kind: "RoleBinding"},
				ObjectMeta: objectMeta(sa.Name+"-"+roleName, in.Namespace, in.SourceHash),
				Subjects: []rbacv1.Subject{{
					Kind:      rbacv1.ServiceAccountKind,
					Name:      sa.Name,
					Namespace: ns,
				}},
				RoleRef: rbacv1.RoleRef{
					APIGroup: rbacv1.GroupName,
					Kind:     "Role",
					Name:     roleName,
				},
			})
		}
	}

	result.Closure = g.closure(in.SourceHash, roles)
	return result, nil
}

// closure folds every role's rules into one deduplicated, sorted set.
func (g *Generator) closure(key string, roles []v1alpha1.RoleSpec) []rbacv1.PolicyRule {
	g.mu.Lock()
	defer g.mu.Unlock()
	if key != "" {
		if cached, ok := g.closures.Get(key); ok {
			g.hits++
			return cached
		}
	}

	seen := map[string]rbacv1.PolicyRule{}
	for _, role := range roles {
		for _, rule := range typedRules(role.Rules) {
			seen[ruleKey(rule)] = rule
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	closure := make([]rbacv1.PolicyRule, 0, len(keys))
	for _, k := range keys {
		closure = append(closure, seen[k])
	}

	if key != "" {
		g.closures.Add(key, closure)
	}
	return closure
}

func ruleKey(r rbacv1.PolicyRule) string {
	return strings.Join([]string{
		strings.Join(r.APIGroups, ","),
		strings.Join(r.Resources, ","),
		strings.Join(r.Verbs, ","),
		strings.Join(r.ResourceNames, ","),
	}, "|")
}

func typedRules(rules []v1alpha1.PolicyRuleSpec) []rbacv1.PolicyRule {
	out := make([]rbacv1.PolicyRule, 0, len(rules))
	for _, r := range rules {
		groups := r.APIGroups
		if len(groups) == 0 {
			groups = []string{""}
		}
		out = append(out, rbacv1.PolicyRule{
			APIGroups:     groups,
			Resources:     r.Resources,
			Verbs:         r.Verbs,
			ResourceNames: r.ResourceNames,
		})
	}
	return out
}

// defaultSpec is the job runner account used when RBAC is enabled with
// no explicit accounts. RBAC cannot express name prefixes, so the
// floe-* scoping of ConfigMaps and Secrets rides on admission policy,
// not on these rules.
func defaultSpec() ([]v1alpha1.ServiceAccountSpec, []v1alpha1.RoleSpec) {
	return []v1alpha1.ServiceAccountSpec{{
			Name:  DefaultJobRunner,
			Roles: []string{DefaultJobRunner},
		}}, []v1alpha1.RoleSpec{{
			Name: DefaultJobRunner,
			Rules: []v1alpha1.PolicyRuleSpec{{
				Resources: []string{"configmaps", "secrets"},
				Verbs:     []string{"get", "list", "watch"},
			}},
		}}
}

func sortedRoles(roles []v1alpha1.RoleSpec) []v1alpha1.RoleSpec {
	out := append([]v1alpha1.RoleSpec(nil), roles...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedAccounts(accounts []v1alpha1.ServiceAccountSpec) []v1alpha1.ServiceAccountSpec {
	out := append([]v1alpha1.ServiceAccountSpec(nil), accounts...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func objectMeta(name, namespace, sourceHash string) metav1.ObjectMeta {
	l := map[string]string{network.LabelManagedBy: network.ManagedByValue}
	if sourceHash != "" {
		h := strings.TrimPrefix(sourceHash, "sha256:")
		if len(h) > 12 {
			h = h[:12]
		}
		l[network.LabelSourceHash] = h
	}
	return metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: l}
}
