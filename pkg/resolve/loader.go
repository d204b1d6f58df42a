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
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"knative.dev/pkg/apis"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

// DocumentFetcher retrieves the raw bytes of a Manifest artifact by OCI
// reference. The production implementation lives in pkg/oci.
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, ref string) ([]byte, error)
}

// defaultCacheSize bounds the parent-manifest cache. Chains are at most
// MaxDepth deep, but one process may resolve many products against the
// same platform manifests.
const defaultCacheSize = 128

// OCILoader loads parent manifests from a registry, memoizing parsed
// documents so repeated resolutions of the same platform tier hit the
// network once. Concurrent loads of the same reference collapse into a
// single fetch.
type OCILoader struct {
	fetcher DocumentFetcher
	cache   *lru.Cache[string, *v1alpha1.Manifest]
	group   singleflight.Group
}

// NewOCILoader builds a loader over fetcher with a bounded cache.
func NewOCILoader(fetcher DocumentFetcher) (*OCILoader, error) {
	cache, err := lru.New[string, *v1alpha1.Manifest](defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &OCILoader{fetcher: fetcher, cache: cache}, nil
}

// Load implements ParentLoader.
func (l *OCILoader) Load(ctx context.Context, ref string) (*v1alpha1.Manifest, error) {
	if m, ok := l.cache.Get(ref); ok {
		return m, nil
	}
	v, err, _ := l.group.Do(ref, func() (interface{}, error) {
		if m, ok := l.cache.Get(ref); ok {
			return m, nil
		}
		data, err := l.fetcher.FetchDocument(ctx, ref)
		if err != nil {
			return nil, err
		}
		m, fe := v1alpha1.ParseManifest(ctx, data)
		if err := fe.Filter(apis.ErrorLevel); err != nil {
			return nil, fmt.Errorf("parent manifest %s is invalid: %w", ref, err)
		}
		l.cache.Add(ref, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*v1alpha1.Manifest), nil
}
