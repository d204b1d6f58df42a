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

// Package v1alpha1 holds the typed document model for platform Manifests
// and DataProducts, the YAML surface authored by platform operators and
// data teams. Documents are parsed once, defaulted, validated, and treated
// as read-only from then on.
package v1alpha1

const (
	// GroupName is the API group for floe configuration documents.
	GroupName = "floe.dev"

	// APIVersion is the only apiVersion accepted by this schema version.
	APIVersion = GroupName + "/v1alpha1"

	// KindManifest identifies platform-level configuration documents
	// (enterprise or domain scope).
	KindManifest = "Manifest"

	// KindDataProduct identifies deployable data-product documents.
	KindDataProduct = "DataProduct"
)
