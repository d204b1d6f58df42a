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

package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"knative.dev/pkg/apis"
	"knative.dev/pkg/logging"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
	"github.com/Obsidian-Owl/floe-sub008/pkg/resolve"
)

// manifestSet is the parsed content of a manifest directory: platform
// manifests indexed for parent resolution plus the data products found
// alongside them.
type manifestSet struct {
	manifests map[string]*v1alpha1.Manifest
	products  []*v1alpha1.DataProduct
}

// loadManifestDir parses every YAML document in dir. When env is set and
// <dir>/<env> exists, its documents are layered on top: an env file with
// the same metadata.name replaces the base one.
func loadManifestDir(ctx context.Context, dir, env string) (*manifestSet, error) {
	set := &manifestSet{manifests: map[string]*v1alpha1.Manifest{}}
	if err := set.loadDir(ctx, dir); err != nil {
		return nil, err
	}
	if env != "" {
		envDir := filepath.Join(dir, env)
		if info, err := os.Stat(envDir); err == nil && info.IsDir() {
			if err := set.loadDir(ctx, envDir); err != nil {
				return nil, err
			}
		}
	}
	return set, nil
}

func (s *manifestSet) loadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading manifest directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		doc, ferr := v1alpha1.Parse(ctx, data)
		if err := ferr.Filter(apis.ErrorLevel); err != nil {
			return fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if warn := ferr.Filter(apis.WarningLevel); warn != nil {
			logging.FromContext(ctx).Warnw("manifest warnings", "file", entry.Name(), "warnings", warn.Error())
		}
		switch d := doc.(type) {
		case *v1alpha1.Manifest:
			s.index(d)
		case *v1alpha1.DataProduct:
			s.replaceProduct(d)
		}
	}
	return nil
}

func (s *manifestSet) index(m *v1alpha1.Manifest) {
	s.manifests[m.Metadata.Name] = m
	s.manifests[m.Metadata.Name+":"+m.Metadata.Version] = m
}

func (s *manifestSet) replaceProduct(p *v1alpha1.DataProduct) {
	for i, existing := range s.products {
		if existing.Metadata.Name == p.Metadata.Name {
			s.products[i] = p
			return
		}
	}
	s.products = append(s.products, p)
}

// product selects the data product to compile: the named one, or the
// only one present.
func (s *manifestSet) product(name string) (*v1alpha1.DataProduct, error) {
	if name != "" {
		for _, p := range s.products {
			if p.Metadata.Name == name {
				return p, nil
			}
		}
		return nil, fmt.Errorf("no data product named %q in the manifest directory", name)
	}
	switch len(s.products) {
	case 0:
		return nil, fmt.Errorf("no data product in the manifest directory")
	case 1:
		return s.products[0], nil
	default:
		return nil, fmt.Errorf("%d data products in the manifest directory, select one with --product", len(s.products))
	}
}

// leaf picks the most-derived document of the directory: a data product
// when one is present, otherwise the lowest manifest tier.
func (s *manifestSet) leaf(product string) (v1alpha1.Document, error) {
	if product != "" || len(s.products) > 0 {
		return s.product(product)
	}
	for _, scope := range []v1alpha1.Scope{v1alpha1.ScopeDomain, v1alpha1.ScopeNone, v1alpha1.ScopeEnterprise} {
		var match *v1alpha1.Manifest
		for name, m := range s.manifests {
			if strings.Contains(name, ":") || m.Scope != scope {
				continue
			}
			if match != nil && match != m {
				return nil, fmt.Errorf("several %q-scope manifests in the directory, select a product with --product", scope)
			}
			match = m
		}
		if match != nil {
			return match, nil
		}
	}
	return nil, fmt.Errorf("no documents in the manifest directory")
}

// loader resolves parent references locally first, matching the trailing
// <name>:<tag> (or bare <name>) of the OCI reference against the indexed
// manifests, and falls back to remote when a fallback is given.
func (s *manifestSet) loader(fallback resolve.ParentLoader) resolve.ParentLoader {
	return func(ctx context.Context, ref string) (*v1alpha1.Manifest, error) {
		trimmed := strings.TrimPrefix(ref, "oci://")
		base := path.Base(trimmed)
		if m, ok := s.manifests[base]; ok {
			return m, nil
		}
		if m, ok := s.manifests[strings.SplitN(base, ":", 2)[0]]; ok {
			return m, nil
		}
		if fallback != nil {
			return fallback(ctx, ref)
		}
		return nil, fmt.Errorf("parent %q not found in the manifest directory", ref)
	}
}
