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

// Package compile assembles CompiledArtifacts from a resolved inheritance
// chain and a DataProduct. Compilation is single-threaded and
// deterministic: identical inputs produce identical bytes and an
// identical source hash.
package compile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"knative.dev/pkg/logging"
	"sigs.k8s.io/release-utils/version"

	"github.com/Obsidian-Owl/floe-sub008/pkg/apis/compiled"
	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
	"github.com/Obsidian-Owl/floe-sub008/pkg/plugins"
	"github.com/Obsidian-Owl/floe-sub008/pkg/resolve"
)

// CompilationError reports an invariant broken after resolution. Path
// points into the compiled document shape.
type CompilationError struct {
	Path   string
	Reason string
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compilation failed at %s: %s", e.Path, e.Reason)
}

func (e *CompilationError) Hint() string {
	return fmt.Sprintf("fix %s in the source manifests and recompile; no partial artifact was produced", e.Path)
}

// Identity names the product being compiled. Domain may be empty outside
// mesh mode; when empty it is taken from the resolved domain tier.
type Identity struct {
	Domain  string
	Product string
}

// Option tunes a compilation. The defaults are production behavior; tests
// pin the clock and tool version for byte-exact output.
type Option func(*settings)

type settings struct {
	now         func() time.Time
	toolVersion string
}

// WithClock fixes the compiled_at timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithToolVersion overrides the tool version stamped into metadata.
func WithToolVersion(v string) Option {
	return func(s *settings) { s.toolVersion = v }
}

// Compile assembles the frozen artifact. All errors are fatal; there is
// no partial output.
func Compile(ctx context.Context, resolved *resolve.Resolved, product *v1alpha1.DataProduct, id Identity, opts ...Option) (*compiled.CompiledArtifacts, error) {
	s := &settings{
		now:         time.Now,
		toolVersion: version.GetVersionInfo().GitVersion,
	}
	for _, o := range opts {
		o(s)
	}
	logger := logging.FromContext(ctx)

	sourceHash, err := sourceHash(resolved.Documents)
	if err != nil {
		return nil, &CompilationError{Path: "metadata.source_hash", Reason: err.Error()}
	}

	if err := validateSelections(resolved.Merged.Plugins); err != nil {
		return nil, err
	}

	registry, err := buildComputeRegistry(resolved.Merged.Plugins)
	if err != nil {
		return nil, err
	}

	transforms, err := bindTransforms(product.Transforms, registry)
	if err != nil {
		return nil, err
	}

	if id.Product == "" {
		id.Product = product.Metadata.Name
	}
	if id.Domain == "" && resolved.Domain != nil {
		id.Domain = resolved.Domain.Metadata.Name
	}

	productID := id.Product
	namespace := id.Product
	if resolved.Mode == compiled.ModeMesh {
		if id.Domain == "" {
			return nil, &CompilationError{Path: "identity.product_id", Reason: "mesh mode requires a domain"}
		}
		productID = id.Domain + "." + id.Product
		namespace = productID
	}

	art := &compiled.CompiledArtifacts{
		Version: compiled.SchemaVersion,
		Metadata: compiled.Metadata{
			CompiledAt:     s.now().UTC().Format(time.RFC3339),
			ToolVersion:    s.toolVersion,
			SourceHash:     sourceHash,
			ProductName:    product.Metadata.Name,
			ProductVersion: product.Metadata.Version,
		},
		Identity:         compiled.Identity{ProductID: productID},
		Mode:             resolved.Mode,
		InheritanceChain: append([]compiled.ManifestRef{}, resolved.Chain...),
		Plugins: compiled.PluginRegistry{
			ComputeRegistry: registry,
			Selections:      otherSelections(resolved.Merged.Plugins),
		},
		Transforms:    transforms,
		Schedule:      product.Schedule,
		Dbt:           product.Dbt,
		Governance:    resolved.Merged.Governance,
		Observability: compiled.Observability{Namespace: namespace},
	}

	if resolved.Mode == compiled.ModeMesh {
		art.OutputPorts = append([]v1alpha1.OutputPort{}, product.OutputPorts...)
		art.InputPorts = append([]v1alpha1.InputPort{}, product.InputPorts...)
		art.DataContracts = append([]v1alpha1.DataContract{}, product.DataContracts...)
	}

	logger.Infow("compiled artifacts assembled",
		"product", productID, "mode", art.Mode, "source_hash", sourceHash)
	return art, nil
}

// sourceHash is SHA-256 over the canonical forms of every chain document,
// root-first, joined by newlines. It depends only on document content.
func sourceHash(documents []v1alpha1.Document) (string, error) {
	h := sha256.New()
	for i, doc := range documents {
		canon, _, err := v1alpha1.CanonicalizeDocument(doc)
		if err != nil {
			return "", fmt.Errorf("canonicalizing chain document %d: %w", i, err)
		}
		if i > 0 {
			h.Write([]byte("\n"))
		}
		h.Write(canon)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// validateSelections checks every merged selection against the plugin
// registry, in stable category order.
func validateSelections(merged v1alpha1.PluginMap) error {
	for _, category := range v1alpha1.Categories() {
		sel, ok := merged[category]
		if !ok {
			continue
		}
		if err := plugins.Validate(category, sel.Type); err != nil {
			return err
		}
	}
	return nil
}

// buildComputeRegistry expands the compute selection into named configs
// plus a default. The selection type is always a profile; extra profiles
// come from config.configs and config.default may repoint the default.
func buildComputeRegistry(merged v1alpha1.PluginMap) (compiled.ComputeRegistry, error) {
	sel, ok := merged[v1alpha1.CategoryCompute]
	if !ok {
		return compiled.ComputeRegistry{Configs: map[string]compiled.ComputeConfig{}}, nil
	}

	configs := map[string]compiled.ComputeConfig{}
	base := compiled.ComputeConfig{
		Type:                sel.Type,
		ConnectionSecretRef: sel.ConnectionSecretRef,
	}
	defaultName := sel.Type

	for k, v := range sel.Config {
		switch k {
		case "configs":
			extra, ok := v.(map[string]interface{})
			if !ok {
				return compiled.ComputeRegistry{}, &CompilationError{
					Path:   "plugins.compute_registry.configs",
					Reason: "config.configs must be a map of named compute profiles",
				}
			}
			names := make([]string, 0, len(extra))
			for name := range extra {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				profile, ok := extra[name].(map[string]interface{})
				if !ok {
					return compiled.ComputeRegistry{}, &CompilationError{
						Path:   "plugins.compute_registry.configs." + name,
						Reason: "compute profile must be a map",
					}
				}
				cc := compiled.ComputeConfig{Type: sel.Type, Config: profile}
				if t, ok := profile["type"].(string); ok {
					cc.Type = t
				}
				configs[name] = cc
			}
		case "default":
			name, ok := v.(string)
			if !ok {
				return compiled.ComputeRegistry{}, &CompilationError{
					Path:   "plugins.compute_registry.default",
					Reason: "config.default must be a profile name",
				}
			}
			defaultName = name
		default:
			if base.Config == nil {
				base.Config = map[string]interface{}{}
			}
			base.Config[k] = v
		}
	}
	if _, taken := configs[sel.Type]; !taken {
		configs[sel.Type] = base
	}

	if _, ok := configs[defaultName]; !ok {
		return compiled.ComputeRegistry{}, &CompilationError{
			Path:   "plugins.compute_registry.default",
			Reason: fmt.Sprintf("default profile %q is not in configs %v", defaultName, profileNames(configs)),
		}
	}
	return compiled.ComputeRegistry{Configs: configs, Default: defaultName}, nil
}

// bindTransforms resolves every transform's compute binding. An empty
// binding means the registry default.
func bindTransforms(transforms []v1alpha1.Transform, registry compiled.ComputeRegistry) ([]v1alpha1.Transform, error) {
	if len(transforms) == 0 {
		return nil, nil
	}
	out := make([]v1alpha1.Transform, len(transforms))
	for i, t := range transforms {
		if t.Compute == "" {
			if registry.Default == "" {
				return nil, &CompilationError{
					Path:   fmt.Sprintf("transforms[%d].compute", i),
					Reason: "transform has no compute binding and the compute registry has no default",
				}
			}
			t.Compute = registry.Default
		} else if _, ok := registry.Configs[t.Compute]; !ok {
			return nil, &CompilationError{
				Path:   fmt.Sprintf("transforms[%d].compute", i),
				Reason: fmt.Sprintf("compute profile %q is not in configs %v", t.Compute, profileNames(registry.Configs)),
			}
		}
		t.DependsOn = append([]string(nil), t.DependsOn...)
		out[i] = t
	}
	return out, nil
}

// otherSelections carries the non-compute selections into the artifact.
func otherSelections(merged v1alpha1.PluginMap) map[v1alpha1.Category]v1alpha1.PluginSelection {
	out := map[v1alpha1.Category]v1alpha1.PluginSelection{}
	for category, sel := range merged {
		if category == v1alpha1.CategoryCompute {
			continue
		}
		out[category] = sel.DeepCopy()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func profileNames(configs map[string]compiled.ComputeConfig) []string {
	names := make([]string, 0, len(configs))
	for n := range configs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
