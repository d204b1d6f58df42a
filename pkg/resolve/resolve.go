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

// Package resolve walks manifest inheritance chains and merges them into
// a single configuration: parent fetch by OCI reference, cycle and depth
// guards, per-field merge strategies, security monotonicity and the
// enterprise plugin whitelist.
package resolve

import (
	"context"
	"fmt"

	"knative.dev/pkg/logging"

	"github.com/Obsidian-Owl/floe-sub008/pkg/apis/compiled"
	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

// ParentLoader fetches a parent Manifest by its OCI reference. The
// production loader is OCI-backed with a memoizing cache; tests inject
// map-backed fakes.
type ParentLoader func(ctx context.Context, ref string) (*v1alpha1.Manifest, error)

// Resolved is the output of a successful chain resolution.
type Resolved struct {
	// Merged is the fully-merged configuration the compiler consumes.
	Merged *MergedConfig

	// Chain lists the resolved parents root-first (enterprise before
	// domain). The input document is not a chain member.
	Chain []compiled.ManifestRef

	// Documents holds every chain document root-first, input last. The
	// compiler hashes their canonical forms in this order.
	Documents []v1alpha1.Document

	// FieldSources maps merged field paths to the metadata.name of the
	// chain level that contributed the final value, or "(default)".
	FieldSources map[string]string

	// Mode is derived from the chain shape and never user-set.
	Mode compiled.Mode

	// Enterprise and Domain point at the respective tiers when present.
	Enterprise *v1alpha1.Manifest
	Domain     *v1alpha1.Manifest
}

// Resolve loads the parent chain of doc, merges every level per the
// strategy table and returns the resolved configuration. The input
// document participates in cycle detection, so A -> B -> A is rejected
// even when A is the input.
func Resolve(ctx context.Context, doc v1alpha1.Document, loader ParentLoader) (*Resolved, error) {
	logger := logging.FromContext(ctx)

	key := func(m v1alpha1.Metadata) string {
		return m.Name + "@" + m.Version
	}

	// Walk child-to-root. parents[0] is the immediate parent.
	visited := map[string]bool{key(doc.GetMetadata()): true}
	walked := []string{key(doc.GetMetadata())}

	type link struct {
		manifest *v1alpha1.Manifest
		ref      string
	}
	var parents []link

	ref := doc.GetParent()
	for ref != "" {
		if len(parents) == MaxDepth {
			return nil, &DepthExceededError{Chain: walked}
		}
		parent, err := loader(ctx, ref)
		if err != nil {
			return nil, &MissingParentError{Ref: ref, Err: err}
		}
		k := key(parent.Metadata)
		if visited[k] {
			return nil, &CircularInheritanceError{Repeated: k, Chain: walked}
		}
		visited[k] = true
		walked = append(walked, k)
		parents = append(parents, link{manifest: parent, ref: ref})
		ref = parent.Parent
	}

	var enterprise, domain *v1alpha1.Manifest
	for _, p := range parents {
		switch p.manifest.Scope {
		case v1alpha1.ScopeEnterprise:
			if enterprise != nil {
				return nil, &InvalidChainError{Reason: "more than one enterprise manifest on the chain"}
			}
			enterprise = p.manifest
		case v1alpha1.ScopeDomain:
			if domain != nil {
				return nil, &InvalidChainError{Reason: "more than one domain manifest on the chain"}
			}
			if enterprise != nil {
				return nil, &InvalidChainError{Reason: "domain manifest above the enterprise root"}
			}
			domain = p.manifest
		}
	}

	// Merge root-first so children override parents.
	m := newMerger()
	chain := make([]compiled.ManifestRef, 0, len(parents))
	documents := make([]v1alpha1.Document, 0, len(parents)+1)
	for i := len(parents) - 1; i >= 0; i-- {
		p := parents[i]
		if err := m.apply(p.manifest, p.manifest.Metadata.Name); err != nil {
			return nil, err
		}
		chain = append(chain, compiled.ManifestRef{
			Name:    p.manifest.Metadata.Name,
			Version: p.manifest.Metadata.Version,
			Scope:   p.manifest.Scope,
			Ref:     p.ref,
		})
		documents = append(documents, p.manifest)
	}
	if err := m.apply(doc, doc.GetMetadata().Name); err != nil {
		return nil, err
	}
	documents = append(documents, doc)

	if enterprise != nil {
		if err := enforceWhitelist(enterprise, domain, doc); err != nil {
			return nil, err
		}
	}

	mode := deriveMode(len(parents), enterprise, domain)
	logger.Debugw("resolved inheritance chain",
		"document", key(doc.GetMetadata()), "depth", len(parents), "mode", mode)

	return &Resolved{
		Merged:       &m.out,
		Chain:        chain,
		Documents:    documents,
		FieldSources: m.sources,
		Mode:         mode,
		Enterprise:   enterprise,
		Domain:       domain,
	}, nil
}

// enforceWhitelist checks every selection below the enterprise root
// against approved_plugins. Categories absent from the whitelist are
// unconstrained.
func enforceWhitelist(enterprise, domain *v1alpha1.Manifest, doc v1alpha1.Document) error {
	check := func(plugins v1alpha1.PluginMap) error {
		for category, sel := range plugins {
			approved, constrained := enterprise.ApprovedPlugins[category]
			if !constrained {
				continue
			}
			ok := false
			for _, t := range approved {
				if t == sel.Type {
					ok = true
					break
				}
			}
			if !ok {
				return &PluginNotApprovedError{Category: category, Plugin: sel.Type, Approved: approved}
			}
		}
		return nil
	}
	if domain != nil {
		if err := check(domain.Plugins); err != nil {
			return err
		}
	}
	return check(doc.GetPlugins())
}

// deriveMode maps chain shape to deployment mode: no parents is simple, a
// full enterprise+domain chain is mesh, anything else with parents is
// centralized.
func deriveMode(depth int, enterprise, domain *v1alpha1.Manifest) compiled.Mode {
	switch {
	case depth == 0:
		return compiled.ModeSimple
	case enterprise != nil && domain != nil:
		return compiled.ModeMesh
	default:
		return compiled.ModeCentralized
	}
}

// ChainString renders a resolved chain for logs and error hints.
func ChainString(chain []compiled.ManifestRef) string {
	s := ""
	for i, ref := range chain {
		if i > 0 {
			s += " -> "
		}
		s += fmt.Sprintf("%s@%s", ref.Name, ref.Version)
	}
	return s
}
