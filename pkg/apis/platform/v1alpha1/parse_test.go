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

package v1alpha1

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"knative.dev/pkg/apis"
)

const validProductYAML = `
apiVersion: floe.dev/v1alpha1
kind: DataProduct
metadata:
  name: customer-360
  version: 1.0.0
  owner: analytics-team
plugins:
  compute:
    type: duckdb
transforms:
  - name: staging
    sql: SELECT * FROM raw.orders
schedule:
  cron: "0 2 * * *"
`

const validManifestYAML = `
apiVersion: floe.dev/v1alpha1
kind: Manifest
metadata:
  name: acme-enterprise
  version: 1.0.0
  owner: platform-team
scope: enterprise
approved_plugins:
  compute:
    - duckdb
    - spark
governance:
  pii_encryption: required
  audit_logging: enabled
  policy_enforcement_level: strict
  data_retention_days: 365
security:
  network_policies:
    enabled: true
    allow_external_https: true
    jobs_egress_allow:
      - name: warehouse
        to_cidr: 10.20.0.0/16
        port: 5439
`

func TestParseDispatch(t *testing.T) {
	ctx := context.Background()

	doc, fe := Parse(ctx, []byte(validProductYAML))
	if err := fe.Filter(apis.ErrorLevel); err != nil {
		t.Fatalf("Parse() = %v, wanted no error", err)
	}
	product, ok := doc.(*DataProduct)
	if !ok {
		t.Fatalf("Parse() = %T, wanted *DataProduct", doc)
	}
	if product.Metadata.Name != "customer-360" {
		t.Errorf("Metadata.Name = %q, wanted %q", product.Metadata.Name, "customer-360")
	}
	if got := product.Plugins[CategoryCompute].Type; got != "duckdb" {
		t.Errorf("Plugins[compute].Type = %q, wanted %q", got, "duckdb")
	}

	doc, fe = Parse(ctx, []byte(validManifestYAML))
	if err := fe.Filter(apis.ErrorLevel); err != nil {
		t.Fatalf("Parse() = %v, wanted no error", err)
	}
	manifest, ok := doc.(*Manifest)
	if !ok {
		t.Fatalf("Parse() = %T, wanted *Manifest", doc)
	}
	if manifest.Scope != ScopeEnterprise {
		t.Errorf("Scope = %q, wanted %q", manifest.Scope, ScopeEnterprise)
	}
	if diff := cmp.Diff([]string{"duckdb", "spark"}, manifest.ApprovedPlugins[CategoryCompute]); diff != "" {
		t.Errorf("ApprovedPlugins[compute] (-want, +got): %s", diff)
	}
}

func TestParseRejectsUnknownKind(t *testing.T) {
	tests := []struct {
		name        string
		doc         string
		errorString string
	}{{
		name:        "missing kind",
		doc:         "apiVersion: floe.dev/v1alpha1\nmetadata:\n  name: foo\n",
		errorString: "missing field(s): kind",
	}, {
		name:        "unknown kind",
		doc:         "apiVersion: floe.dev/v1alpha1\nkind: Pipeline\n",
		errorString: "invalid value: Pipeline: kind",
	}, {
		name:        "not yaml",
		doc:         "\t{{{",
		errorString: "failed to decode document",
	}}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			doc, fe := Parse(context.Background(), []byte(test.doc))
			if doc != nil {
				t.Fatalf("Parse() = %v, wanted nil document", doc)
			}
			expectError(t, fe, test.errorString)
		})
	}
}

func TestParseUnknownFieldPolicy(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		wantError string
		wantWarn  string
	}{{
		name: "unknown field under security errors",
		doc: `
apiVersion: floe.dev/v1alpha1
kind: Manifest
metadata:
  name: acme-platform
  version: 1.0.0
  owner: platform-team
security:
  firewall: true
`,
		wantError: "must not set the field(s): security.firewall",
	}, {
		name: "unknown field under governance errors",
		doc: `
apiVersion: floe.dev/v1alpha1
kind: Manifest
metadata:
  name: acme-platform
  version: 1.0.0
  owner: platform-team
governance:
  pii_encryption: required
  gdpr: strict
`,
		wantError: "must not set the field(s): governance.gdpr",
	}, {
		name: "unknown field nested in network_policies errors",
		doc: `
apiVersion: floe.dev/v1alpha1
kind: Manifest
metadata:
  name: acme-platform
  version: 1.0.0
  owner: platform-team
security:
  network_policies:
    enabled: true
    drop_all: true
`,
		wantError: "must not set the field(s): security.network_policies.drop_all",
	}, {
		name: "unknown field under metadata warns",
		doc: `
apiVersion: floe.dev/v1alpha1
kind: Manifest
metadata:
  name: acme-platform
  version: 1.0.0
  owner: platform-team
  team_channel: "#data-platform"
`,
		wantWarn: "unknown field ignored: metadata.team_channel",
	}, {
		name: "unknown top-level field warns",
		doc: `
apiVersion: floe.dev/v1alpha1
kind: DataProduct
metadata:
  name: customer-360
  version: 1.0.0
  owner: analytics-team
lineage: enabled
`,
		wantWarn: "unknown field ignored: lineage",
	}, {
		name: "plugin config keys are opaque",
		doc: `
apiVersion: floe.dev/v1alpha1
kind: DataProduct
metadata:
  name: customer-360
  version: 1.0.0
  owner: analytics-team
plugins:
  compute:
    type: duckdb
    config:
      memory_limit: 4GiB
      threads: 8
`,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, fe := Parse(context.Background(), []byte(test.doc))
			err := fe.Filter(apis.ErrorLevel)
			warn := fe.Filter(apis.WarningLevel)

			if test.wantError == "" && err != nil {
				t.Fatalf("Parse() error = %v, wanted none", err)
			}
			if test.wantError != "" {
				if err == nil {
					t.Fatalf("Parse() error = nil, wanted %q", test.wantError)
				}
				if !strings.Contains(err.Error(), test.wantError) {
					t.Errorf("Parse() error = %q, wanted to contain %q", err.Error(), test.wantError)
				}
			}
			if test.wantWarn == "" && warn != nil {
				t.Fatalf("Parse() warning = %v, wanted none", warn)
			}
			if test.wantWarn != "" {
				if warn == nil {
					t.Fatalf("Parse() warning = nil, wanted %q", test.wantWarn)
				}
				if !strings.Contains(warn.Error(), test.wantWarn) {
					t.Errorf("Parse() warning = %q, wanted to contain %q", warn.Error(), test.wantWarn)
				}
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	ctx := context.Background()
	original, fe := Parse(ctx, []byte(validManifestYAML))
	if err := fe.Filter(apis.ErrorLevel); err != nil {
		t.Fatalf("Parse() = %v, wanted no error", err)
	}

	canon, _, err := CanonicalizeDocument(original)
	if err != nil {
		t.Fatalf("CanonicalizeDocument() = %v", err)
	}

	reparsed, fe := Parse(ctx, canon)
	if err := fe.Filter(apis.ErrorLevel); err != nil {
		t.Fatalf("Parse(canonical) = %v, wanted no error", err)
	}
	if diff := cmp.Diff(original, reparsed); diff != "" {
		t.Errorf("round trip (-want, +got): %s", diff)
	}
}
