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
	"sync"
	"testing"
)

// countingFetcher serves fixed document bytes and counts fetches per ref.
type countingFetcher struct {
	mu      sync.Mutex
	docs    map[string][]byte
	fetches map[string]int
}

func (f *countingFetcher) FetchDocument(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.docs[ref]
	if !ok {
		return nil, fmt.Errorf("manifest %s not found", ref)
	}
	if f.fetches == nil {
		f.fetches = map[string]int{}
	}
	f.fetches[ref]++
	return data, nil
}

const validManifestYAML = `apiVersion: floe.dev/v1alpha1
kind: Manifest
metadata:
  name: platform
  version: 1.0.0
  owner: platform-team
plugins:
  compute:
    type: duckdb
`

func TestOCILoaderCachesParsedManifests(t *testing.T) {
	ref := "registry.example.com/platform/manifest:1.0.0"
	fetcher := &countingFetcher{docs: map[string][]byte{ref: []byte(validManifestYAML)}}
	loader, err := NewOCILoader(fetcher)
	if err != nil {
		t.Fatalf("NewOCILoader() = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m, err := loader.Load(ctx, ref)
		if err != nil {
			t.Fatalf("Load() = %v", err)
		}
		if m.Metadata.Name != "platform" {
			t.Errorf("Load().Metadata.Name = %q, wanted platform", m.Metadata.Name)
		}
	}
	if got := fetcher.fetches[ref]; got != 1 {
		t.Errorf("fetch count = %d, wanted 1 (cache must absorb repeats)", got)
	}
}

func TestOCILoaderCollapsesConcurrentLoads(t *testing.T) {
	ref := "registry.example.com/platform/manifest:1.0.0"
	fetcher := &countingFetcher{docs: map[string][]byte{ref: []byte(validManifestYAML)}}
	loader, err := NewOCILoader(fetcher)
	if err != nil {
		t.Fatalf("NewOCILoader() = %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := loader.Load(ctx, ref); err != nil {
				t.Errorf("Load() = %v", err)
			}
		}()
	}
	wg.Wait()

	// Singleflight plus the cache may let a couple of racers through
	// before the first population, but nowhere near one fetch per caller.
	if got := fetcher.fetches[ref]; got > 2 {
		t.Errorf("fetch count = %d, wanted concurrent loads collapsed", got)
	}
}

func TestOCILoaderRejectsInvalidParent(t *testing.T) {
	ref := "registry.example.com/platform/manifest:1.0.0"
	fetcher := &countingFetcher{docs: map[string][]byte{ref: []byte("kind: Manifest\nmetadata: {}\n")}}
	loader, err := NewOCILoader(fetcher)
	if err != nil {
		t.Fatalf("NewOCILoader() = %v", err)
	}
	if _, err := loader.Load(context.Background(), ref); err == nil {
		t.Error("Load() of an invalid manifest = nil, wanted error")
	}
}
