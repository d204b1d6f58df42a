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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DataProduct is a deployable unit: the transforms, schedule and ports a
// data team ships. It shares the platform manifest head (metadata, parent,
// plugins, governance, security) and never carries a scope of its own.
type DataProduct struct {
	metav1.TypeMeta `json:",inline"`

	Metadata Metadata `json:"metadata"`

	// +optional
	Parent string `json:"parent,omitempty"`

	// +optional
	Plugins PluginMap `json:"plugins,omitempty"`

	// +optional
	Governance *GovernanceConfig `json:"governance,omitempty"`

	// +optional
	Security *SecurityConfig `json:"security,omitempty"`

	// +optional
	Transforms []Transform `json:"transforms,omitempty"`

	// +optional
	Schedule *Schedule `json:"schedule,omitempty"`

	// +optional
	OutputPorts []OutputPort `json:"output_ports,omitempty"`

	// +optional
	InputPorts []InputPort `json:"input_ports,omitempty"`

	// DataContracts are only surfaced in mesh mode.
	// +optional
	DataContracts []DataContract `json:"data_contracts,omitempty"`

	// +optional
	Dbt *DbtConfig `json:"dbt,omitempty"`
}

var _ Document = (*DataProduct)(nil)

// Transform is one step of the product pipeline. An empty Compute binds the
// transform to the compute registry default.
type Transform struct {
	Name string `json:"name"`
	// +optional
	SQL string `json:"sql,omitempty"`
	// +optional
	Compute string `json:"compute,omitempty"`
	// +optional
	DependsOn []string `json:"depends_on,omitempty"`
	// +optional
	Description string `json:"description,omitempty"`
}

// Schedule is a cron trigger for the product pipeline.
type Schedule struct {
	Cron string `json:"cron"`
	// +optional
	Timezone string `json:"timezone,omitempty"`
}

// OutputPort publishes a consumable surface of this product.
type OutputPort struct {
	Name string `json:"name"`
	Type string `json:"type"`
	// +optional
	Description string `json:"description,omitempty"`
	// Contract names an entry of data_contracts.
	// +optional
	Contract string `json:"contract,omitempty"`
}

// InputPort consumes another product's output port.
type InputPort struct {
	Name    string `json:"name"`
	Product string `json:"product"`
	// +optional
	Port string `json:"port,omitempty"`
}

// DataContract pins the shape guaranteed on an output port.
type DataContract struct {
	Name string `json:"name"`
	// +optional
	Description string `json:"description,omitempty"`
	// Schema maps column names to type names. Opaque to the compiler.
	// +optional
	Schema map[string]string `json:"schema,omitempty"`
}

// DbtConfig points at the dbt project compiled alongside the product.
type DbtConfig struct {
	ProjectDir string `json:"project_dir"`
	// +optional
	Profile string `json:"profile,omitempty"`
	// +optional
	Target string `json:"target,omitempty"`
}

// GetMetadata implements Document.
func (d *DataProduct) GetMetadata() Metadata { return d.Metadata }

// GetParent implements Document.
func (d *DataProduct) GetParent() string { return d.Parent }

// GetPlugins implements Document.
func (d *DataProduct) GetPlugins() PluginMap { return d.Plugins }

// GetGovernance implements Document.
func (d *DataProduct) GetGovernance() *GovernanceConfig { return d.Governance }

// GetSecurity implements Document.
func (d *DataProduct) GetSecurity() *SecurityConfig { return d.Security }

// GetScope implements Document. Products have no scope of their own.
func (d *DataProduct) GetScope() Scope { return ScopeNone }

// DeepCopy returns a copy the caller may mutate freely.
func (d *DataProduct) DeepCopy() *DataProduct {
	if d == nil {
		return nil
	}
	out := &DataProduct{
		TypeMeta:   d.TypeMeta,
		Metadata:   d.Metadata,
		Parent:     d.Parent,
		Plugins:    d.Plugins.DeepCopy(),
		Governance: d.Governance.DeepCopy(),
		Security:   d.Security.DeepCopy(),
	}
	for _, t := range d.Transforms {
		t.DependsOn = append([]string(nil), t.DependsOn...)
		out.Transforms = append(out.Transforms, t)
	}
	if d.Schedule != nil {
		s := *d.Schedule
		out.Schedule = &s
	}
	out.OutputPorts = append([]OutputPort(nil), d.OutputPorts...)
	out.InputPorts = append([]InputPort(nil), d.InputPorts...)
	for _, c := range d.DataContracts {
		if c.Schema != nil {
			schema := make(map[string]string, len(c.Schema))
			for k, v := range c.Schema {
				schema[k] = v
			}
			c.Schema = schema
		}
		out.DataContracts = append(out.DataContracts, c)
	}
	if d.Dbt != nil {
		dbt := *d.Dbt
		out.Dbt = &dbt
	}
	return out
}
