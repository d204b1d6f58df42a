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

// Package plugins holds the process-wide plugin registry: the set of
// plugin implementations discoverable per category. The registry is
// populated at startup and read-only once the first lookup happens; the
// compiler only validates selected names against it, downstream layers
// use the handles.
package plugins

import (
	"fmt"
	"sort"
	"sync"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

// Handle is an opaque plugin implementation reference. The compiler never
// looks inside; deploy layers assert it to their own plugin interface.
type Handle interface{}

// UnknownPluginError reports a selection naming a plugin the registry has
// never heard of for that category.
type UnknownPluginError struct {
	Category  v1alpha1.Category
	Name      string
	Available []string
}

func (e *UnknownPluginError) Error() string {
	return fmt.Sprintf("unknown %s plugin %q (available: %v)", e.Category, e.Name, e.Available)
}

// Hint implements the remediation-hint convention of engine errors.
func (e *UnknownPluginError) Hint() string {
	return fmt.Sprintf("pick one of the available %s plugins %v or register the plugin before compiling", e.Category, e.Available)
}

// builtinHandle is the registration record for plugins shipped with the
// tool itself; external plugins register real handles.
type builtinHandle struct {
	category v1alpha1.Category
	name     string
}

type registry struct {
	mu      sync.RWMutex
	frozen  bool
	entries map[v1alpha1.Category]map[string]Handle
}

// global is the single process-wide registry. It mirrors a discovery-time
// entry-point index: built-ins land at package init, Register admits
// extensions until the first lookup freezes the set.
var global = newRegistry()

func newRegistry() *registry {
	r := &registry{entries: map[v1alpha1.Category]map[string]Handle{}}
	for category, names := range builtinIndex {
		for _, n := range names {
			r.entries[category] = ensure(r.entries[category])
			r.entries[category][n] = builtinHandle{category: category, name: n}
		}
	}
	return r
}

// builtinIndex is the discovery-time plugin set.
var builtinIndex = map[v1alpha1.Category][]string{
	v1alpha1.CategoryCompute:       {"duckdb", "spark", "snowflake", "clickhouse"},
	v1alpha1.CategoryOrchestrator:  {"dagster", "airflow"},
	v1alpha1.CategoryCatalog:       {"polaris", "unity", "glue"},
	v1alpha1.CategoryStorage:       {"s3", "minio", "gcs", "azure-blob"},
	v1alpha1.CategorySemanticLayer: {"cube"},
	v1alpha1.CategoryIngestion:     {"airbyte", "dlt"},
	v1alpha1.CategorySecrets:       {"env", "kubernetes", "vault", "external-secrets"},
	v1alpha1.CategoryObservability: {"otel"},
	v1alpha1.CategoryIdentity:      {"keycloak", "oidc"},
	v1alpha1.CategoryDbt:           {"dbt-core"},
	v1alpha1.CategoryQuality:       {"great-expectations", "soda"},
}

func ensure(m map[string]Handle) map[string]Handle {
	if m == nil {
		return map[string]Handle{}
	}
	return m
}

// Register adds a plugin to the process registry. It fails once the
// registry has served a lookup (the set is read-only from then on) and on
// duplicate names within a category.
func Register(category v1alpha1.Category, name string, handle Handle) error {
	return global.register(category, name, handle)
}

func (r *registry) register(category v1alpha1.Category, name string, handle Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("plugin registry is frozen; register %s/%s before the first lookup", category, name)
	}
	r.entries[category] = ensure(r.entries[category])
	if _, ok := r.entries[category][name]; ok {
		return fmt.Errorf("plugin %s/%s already registered", category, name)
	}
	r.entries[category][name] = handle
	return nil
}

// ListAvailable returns the plugin names registered for a category, sorted.
func ListAvailable(category v1alpha1.Category) []string {
	return global.listAvailable(category)
}

func (r *registry) listAvailable(category v1alpha1.Category) []string {
	r.mu.Lock()
	r.frozen = true
	names := make([]string, 0, len(r.entries[category]))
	for n := range r.entries[category] {
		names = append(names, n)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// Validate checks that a selected plugin name exists for its category.
func Validate(category v1alpha1.Category, name string) error {
	return global.validate(category, name)
}

func (r *registry) validate(category v1alpha1.Category, name string) error {
	r.mu.Lock()
	r.frozen = true
	_, ok := r.entries[category][name]
	r.mu.Unlock()
	if !ok {
		return &UnknownPluginError{Category: category, Name: name, Available: r.listAvailable(category)}
	}
	return nil
}

// Get returns the handle for a registered plugin.
func Get(category v1alpha1.Category, name string) (Handle, error) {
	return global.get(category, name)
}

func (r *registry) get(category v1alpha1.Category, name string) (Handle, error) {
	r.mu.Lock()
	r.frozen = true
	h, ok := r.entries[category][name]
	r.mu.Unlock()
	if !ok {
		return nil, &UnknownPluginError{Category: category, Name: name, Available: r.listAvailable(category)}
	}
	return h, nil
}
