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

package plugins

import (
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

func TestListAvailableSorted(t *testing.T) {
	got := ListAvailable(v1alpha1.CategoryCompute)
	want := []string{"clickhouse", "duckdb", "snowflake", "spark"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListAvailable(compute) (-want +got):\n%s", diff)
	}
	if !sort.StringsAreSorted(got) {
		t.Errorf("ListAvailable(compute) = %v, wanted sorted order", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(v1alpha1.CategoryCompute, "duckdb"); err != nil {
		t.Fatalf("Validate(compute, duckdb) = %v, wanted no error", err)
	}

	err := Validate(v1alpha1.CategoryCompute, "trino")
	if err == nil {
		t.Fatal("Validate(compute, trino) = nil, wanted UnknownPluginError")
	}
	var upe *UnknownPluginError
	if !errors.As(err, &upe) {
		t.Fatalf("Validate(compute, trino) = %T, wanted *UnknownPluginError", err)
	}
	if upe.Category != v1alpha1.CategoryCompute || upe.Name != "trino" {
		t.Errorf("UnknownPluginError = %+v, wanted category=compute name=trino", upe)
	}
	if len(upe.Available) == 0 {
		t.Error("UnknownPluginError.Available is empty, wanted the compute plugins")
	}
	if upe.Hint() == "" {
		t.Error("Hint() is empty, wanted a remediation hint")
	}
}

func TestGet(t *testing.T) {
	h, err := Get(v1alpha1.CategoryOrchestrator, "dagster")
	if err != nil {
		t.Fatalf("Get(orchestrator, dagster) = %v", err)
	}
	if h == nil {
		t.Error("Get(orchestrator, dagster) returned a nil handle")
	}
	if _, err := Get(v1alpha1.CategoryOrchestrator, "cron"); err == nil {
		t.Error("Get(orchestrator, cron) = nil error, wanted UnknownPluginError")
	}
}

func TestRegisterAfterFreeze(t *testing.T) {
	r := newRegistry()
	if err := r.register(v1alpha1.CategoryCompute, "trino", builtinHandle{}); err != nil {
		t.Fatalf("register(compute, trino) = %v, wanted no error before freeze", err)
	}
	if err := r.register(v1alpha1.CategoryCompute, "trino", builtinHandle{}); err == nil {
		t.Error("register duplicate = nil, wanted error")
	}

	// The first lookup freezes the set.
	r.listAvailable(v1alpha1.CategoryCompute)
	err := r.register(v1alpha1.CategoryCompute, "flink", builtinHandle{})
	if err == nil || !strings.Contains(err.Error(), "frozen") {
		t.Errorf("register after freeze = %v, wanted frozen error", err)
	}
}

func TestEveryCategoryHasBuiltins(t *testing.T) {
	for _, c := range v1alpha1.Categories() {
		if got := ListAvailable(c); len(got) == 0 {
			t.Errorf("ListAvailable(%s) is empty, wanted at least one built-in", c)
		}
	}
}
