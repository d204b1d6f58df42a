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

package network

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

func generated(t *testing.T) *Result {
	t.Helper()
	sec := &v1alpha1.SecurityConfig{
		NetworkPolicies: &v1alpha1.NetworkPoliciesConfig{AllowExternalHTTPS: true},
		PodSecurity:     &v1alpha1.PodSecurityConfig{WritablePaths: []string{"/tmp"}},
	}
	result, err := Generate(sec, Inputs{SourceHash: testHash, Domains: []string{"sales"}})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	return result
}

func TestWriteValidateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := WriteFiles(generated(t), dir); err != nil {
		t.Fatalf("WriteFiles() = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() = %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	for _, want := range []string{
		"floe-jobs-namespace.yaml",
		"floe-jobs-networkpolicy.yaml",
		"floe-jobs-podtemplate.yaml",
		"floe-platform-namespace.yaml",
		"floe-sales-networkpolicy.yaml",
		SummaryFile,
	} {
		found := false
		for _, name := range names {
			if name == want {
				found = true
			}
		}
		if !found {
			t.Errorf("WriteFiles() did not produce %s (got %v)", want, names)
		}
	}

	if err := ValidateFiles(dir); err != nil {
		t.Errorf("ValidateFiles() on fresh output = %v", err)
	}
}

func TestValidateDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	if err := WriteFiles(generated(t), dir); err != nil {
		t.Fatalf("WriteFiles() = %v", err)
	}

	// Strip the DNS egress out of the jobs default-deny.
	file := filepath.Join(dir, "floe-jobs-networkpolicy.yaml")
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("ReadFile() = %v", err)
	}
	tampered := strings.ReplaceAll(string(data), "kube-system", "kube-other")
	if err := os.WriteFile(file, []byte(tampered), 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}

	err = ValidateFiles(dir)
	if err == nil {
		t.Fatal("ValidateFiles() accepted a tampered default-deny")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ValidateFiles() = %T, wanted a *ValidationError in the chain", err)
	}
	if verr.Hint() == "" {
		t.Error("ValidationError carries no hint")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "junk.yaml"), []byte("not: [valid"), 0o644); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	if err := ValidateFiles(dir); err == nil {
		t.Fatal("ValidateFiles() accepted an undecodable manifest")
	}
}
