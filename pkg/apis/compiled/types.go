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

// Package compiled defines the CompiledArtifacts contract: the immutable,
// hash-addressed document the compiler produces and everything downstream
// (generators, registry client, verifiers) consumes read-only.
package compiled

import (
	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

// SchemaVersion is the version of the CompiledArtifacts schema itself,
// emitted in every document. Consumers reject unknown MAJOR versions.
const SchemaVersion = "1.0.0"

// Mode is the deployment kind derived from the shape of the inheritance
// chain. It is never a user input.
type Mode string

const (
	// ModeSimple is a parentless DataProduct: one team, one config.
	ModeSimple Mode = "simple"
	// ModeCentralized is a product under a single platform manifest
	// (scopeless 2-tier, or an enterprise root with no domain tier).
	ModeCentralized Mode = "centralized"
	// ModeMesh is the full enterprise→domain→product chain. Only mesh
	// artifacts carry ports and data contracts.
	ModeMesh Mode = "mesh"
)

// CompiledArtifacts is the frozen output of a compilation. Construct it
// only through the compiler; it serializes to canonical JSON and its
// source_hash is a pure function of the normalized inputs.
type CompiledArtifacts struct {
	Version  string   `json:"version"`
	Metadata Metadata `json:"metadata"`
	Identity Identity `json:"identity"`
	Mode     Mode     `json:"mode"`

	// InheritanceChain lists the resolved parents root-first. Empty in
	// simple mode.
	InheritanceChain []ManifestRef `json:"inheritance_chain"`

	Plugins PluginRegistry `json:"plugins"`

	// +optional
	Transforms []v1alpha1.Transform `json:"transforms,omitempty"`
	// +optional
	Schedule *v1alpha1.Schedule `json:"schedule,omitempty"`
	// +optional
	Dbt *v1alpha1.DbtConfig `json:"dbt,omitempty"`

	Governance    v1alpha1.GovernanceConfig `json:"governance"`
	Observability Observability             `json:"observability"`

	// Ports and contracts are only emitted in mesh mode.
	// +optional
	OutputPorts []v1alpha1.OutputPort `json:"output_ports,omitempty"`
	// +optional
	InputPorts []v1alpha1.InputPort `json:"input_ports,omitempty"`
	// +optional
	DataContracts []v1alpha1.DataContract `json:"data_contracts,omitempty"`
}

// Metadata records provenance: when, by which tool version, and from which
// normalized input bytes the artifact was compiled.
type Metadata struct {
	CompiledAt     string `json:"compiled_at"`
	ToolVersion    string `json:"tool_version"`
	SourceHash     string `json:"source_hash"`
	ProductName    string `json:"product_name"`
	ProductVersion string `json:"product_version"`
}

// Identity names the product across the platform. In mesh mode ProductID
// is "domain.product"; otherwise it is the bare product name.
type Identity struct {
	ProductID string `json:"product_id"`
}

// ManifestRef is one resolved link of the inheritance chain.
type ManifestRef struct {
	Name    string         `json:"name"`
	Version string         `json:"version"`
	Scope   v1alpha1.Scope `json:"scope"`
	// Ref is the OCI reference the manifest was loaded from. Empty for
	// the input document itself.
	// +optional
	Ref string `json:"ref,omitempty"`
}

// PluginRegistry is the resolved plugin surface of the artifact.
type PluginRegistry struct {
	ComputeRegistry ComputeRegistry `json:"compute_registry"`

	// Selections carries every non-compute category selection that
	// survived the merge.
	// +optional
	Selections map[v1alpha1.Category]v1alpha1.PluginSelection `json:"selections,omitempty"`
}

// ComputeRegistry maps named compute profiles to their configs and names
// the default profile transforms bind to when they carry no compute of
// their own. Default must be a key of Configs.
type ComputeRegistry struct {
	Configs map[string]ComputeConfig `json:"configs"`
	Default string                   `json:"default"`
}

// ComputeConfig is one named compute profile. Type is the selected plugin;
// Config is the opaque payload handed to the plugin at deploy time.
type ComputeConfig struct {
	Type string `json:"type"`
	// +optional
	Config map[string]interface{} `json:"config,omitempty"`
	// +optional
	ConnectionSecretRef *v1alpha1.SecretReference `json:"connection_secret_ref,omitempty"`
}

// Observability pins the namespace all telemetry for this product lands in.
type Observability struct {
	Namespace string `json:"namespace"`
}
