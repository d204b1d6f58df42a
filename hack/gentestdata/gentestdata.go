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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
	"github.com/Obsidian-Owl/floe-sub008/pkg/compile"
	"github.com/Obsidian-Owl/floe-sub008/pkg/policy"
	"github.com/Obsidian-Owl/floe-sub008/pkg/resolve"
)

// This program generates the on-disk fixtures used by examples and
// manual testing: a three-tier manifest set, the compiled document they
// produce, a verification policy and a key-based signing key.
//
// To regenerate:
// $ go run hack/gentestdata/gentestdata.go
//
// Do not rely on the output of this program to produce valid results.
// Always verify the output manually before committing.

var dir = flag.String("output-dir", "hack/testdata", "Output directory")

func main() {
	flag.Parse()
	ctx := context.Background()

	enterprise := &v1alpha1.Manifest{
		TypeMeta: metav1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindManifest},
		Metadata: v1alpha1.Metadata{Name: "acme-enterprise", Version: "1.0.0", Owner: "platform-team"},
		Scope:    v1alpha1.ScopeEnterprise,
		ApprovedPlugins: map[v1alpha1.Category][]string{
			v1alpha1.CategoryCompute: {"duckdb", "spark"},
		},
		Governance: &v1alpha1.GovernanceConfig{
			PIIEncryption:          v1alpha1.PIIEncryptionRequired,
			AuditLogging:           v1alpha1.AuditLoggingEnabled,
			PolicyEnforcementLevel: v1alpha1.PolicyEnforcementStrict,
		},
		Security: &v1alpha1.SecurityConfig{
			NetworkPolicies: &v1alpha1.NetworkPoliciesConfig{
				Enabled:            true,
				AllowExternalHTTPS: true,
			},
			RBAC: &v1alpha1.RBACConfig{Enabled: true},
		},
	}
	domain := &v1alpha1.Manifest{
		TypeMeta: metav1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindManifest},
		Metadata: v1alpha1.Metadata{Name: "sales", Version: "1.0.0", Owner: "sales-platform"},
		Scope:    v1alpha1.ScopeDomain,
		Parent:   "oci://registry.example.com/floe/acme-enterprise:1.0.0",
		Plugins:  v1alpha1.PluginMap{v1alpha1.CategoryCompute: {Type: "duckdb"}},
	}
	product := &v1alpha1.DataProduct{
		TypeMeta: metav1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindDataProduct},
		Metadata: v1alpha1.Metadata{Name: "orders", Version: "1.0.0", Owner: "sales-analytics"},
		Parent:   "oci://registry.example.com/floe/sales:1.0.0",
		Transforms: []v1alpha1.Transform{
			{Name: "stg-orders", SQL: "select * from raw.orders"},
			{Name: "fct-orders", SQL: "select * from stg_orders", DependsOn: []string{"stg-orders"}},
		},
		Schedule: &v1alpha1.Schedule{Cron: "0 2 * * *"},
	}

	must(os.MkdirAll(*dir, 0o755))
	writeYAML("enterprise.yaml", enterprise)
	writeYAML("sales.yaml", domain)
	writeYAML("orders.yaml", product)

	parents := map[string]*v1alpha1.Manifest{
		domain.Parent:  enterprise,
		product.Parent: domain,
	}
	loader := func(_ context.Context, ref string) (*v1alpha1.Manifest, error) {
		return parents[ref], nil
	}
	resolved, err := resolve.Resolve(ctx, product, loader)
	must(err)
	art, err := compile.Compile(ctx, resolved, product, compile.Identity{},
		compile.WithToolVersion("v0.0.0-testdata"))
	must(err)
	data, err := art.Canonical()
	must(err)
	must(os.WriteFile(filepath.Join(*dir, "compiled-artifacts.json"), data, 0o644))

	writeYAML("verification-policy.yaml", &policy.Verification{
		Enabled:     true,
		Enforcement: policy.EnforcementEnforce,
		TrustedIssuers: []policy.TrustedIssuer{{
			Issuer:  "https://token.actions.githubusercontent.com",
			Subject: "ci@example.com",
		}},
		GracePeriodDays: 7,
		Environments: map[string]policy.EnvironmentPolicy{
			"dev": {Enforcement: policy.EnforcementWarn},
		},
	})

	// A key for --key env:FLOE_SIGNING_KEY signing runs.
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	must(err)
	keyPEM, err := cryptoutils.MarshalPrivateKeyToPEM(priv)
	must(err)
	must(os.WriteFile(filepath.Join(*dir, "signing-key.pem"), keyPEM, 0o600))
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	must(err)
	pubPEM := cryptoutils.PEMEncode(cryptoutils.PublicKeyPEMType, pubDER)
	must(os.WriteFile(filepath.Join(*dir, "signing-key.pub"), pubPEM, 0o644))

	log.Printf("wrote fixtures to %s", *dir)
}

func writeYAML(name string, v interface{}) {
	data, err := yaml.Marshal(v)
	must(err)
	must(os.WriteFile(filepath.Join(*dir, name), data, 0o644))
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
