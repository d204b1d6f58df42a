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

package compiled

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

func testArtifacts() *CompiledArtifacts {
	return &CompiledArtifacts{
		Version: SchemaVersion,
		Metadata: Metadata{
			CompiledAt:     "2024-06-01T12:00:00Z",
			ToolVersion:    "devel",
			SourceHash:     "sha256:4355a46b19d348dc2f57c046f8ef63d4538ebb936000f3c9ee954a27460dd865",
			ProductName:    "orders",
			ProductVersion: "1.0.0",
		},
		Identity:         Identity{ProductID: "sales.orders"},
		Mode:             ModeMesh,
		InheritanceChain: []ManifestRef{{Name: "acme", Version: "1.0.0", Scope: v1alpha1.ScopeEnterprise}},
		Plugins: PluginRegistry{
			ComputeRegistry: ComputeRegistry{
				Configs: map[string]ComputeConfig{"duckdb": {Type: "duckdb"}},
				Default: "duckdb",
			},
		},
		Transforms:    []v1alpha1.Transform{{Name: "stg-orders", SQL: "select 1"}},
		Governance:    v1alpha1.GovernanceConfig{PIIEncryption: "required"},
		Observability: Observability{Namespace: "sales.orders"},
		OutputPorts:   []v1alpha1.OutputPort{{Name: "orders-out", Type: "table"}},
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	art := testArtifacts()

	canon, err := art.Canonical()
	if err != nil {
		t.Fatalf("Canonical() = %v", err)
	}

	parsed, err := Parse(canon)
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	if diff := cmp.Diff(art, parsed); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}

	// Canonical form is bit-exact across serialize→parse→serialize.
	canon2, err := parsed.Canonical()
	if err != nil {
		t.Fatalf("Canonical() after Parse = %v", err)
	}
	if !bytes.Equal(canon, canon2) {
		t.Errorf("canonical bytes differ after round-trip:\n%s\n%s", canon, canon2)
	}
}

func TestDigestDeterminism(t *testing.T) {
	d1, err := testArtifacts().Digest()
	if err != nil {
		t.Fatalf("Digest() = %v", err)
	}
	d2, err := testArtifacts().Digest()
	if err != nil {
		t.Fatalf("Digest() = %v", err)
	}
	if d1 != d2 {
		t.Errorf("Digest() = %q and %q, wanted identical", d1, d2)
	}
	if !strings.HasPrefix(d1, "sha256:") {
		t.Errorf("Digest() = %q, wanted sha256: prefix", d1)
	}
}

func TestParseSchemaVersionGate(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr string
	}{{
		name:    "same major accepted",
		version: "1.9.3",
	}, {
		name:    "newer major rejected",
		version: "2.0.0",
		wantErr: "unsupported compiled artifacts schema major version 2",
	}, {
		name:    "missing version rejected",
		version: "",
		wantErr: "missing schema version",
	}, {
		name:    "garbage version rejected",
		version: "not-semver",
		wantErr: "schema version",
	}}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			art := testArtifacts()
			art.Version = tc.version
			canon, err := art.Canonical()
			if err != nil {
				t.Fatalf("Canonical() = %v", err)
			}
			_, err = Parse(canon)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Parse() = %v, wanted no error", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Parse() = %v, wanted to contain %q", err, tc.wantErr)
			}
		})
	}
}
