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

	"k8s.io/apimachinery/pkg/util/sets"
	"knative.dev/pkg/apis"
)

// Validate implements apis.Validatable.
func (d *DataProduct) Validate(ctx context.Context) *apis.FieldError {
	errs := validateTypeMeta(d.APIVersion, d.Kind, KindDataProduct)
	errs = errs.Also(d.Metadata.Validate(ctx).ViaField("metadata"))

	if d.Parent != "" {
		errs = errs.Also(validateOCIRef(d.Parent).ViaField("parent"))
	}

	errs = errs.Also(d.Plugins.Validate(ctx).ViaField("plugins"))
	if d.Governance != nil {
		errs = errs.Also(d.Governance.Validate(ctx).ViaField("governance"))
	}
	if d.Security != nil {
		errs = errs.Also(d.Security.Validate(ctx).ViaField("security"))
	}

	errs = errs.Also(d.validateTransforms(ctx))
	if d.Schedule != nil {
		errs = errs.Also(d.Schedule.Validate(ctx).ViaField("schedule"))
	}
	errs = errs.Also(d.validatePorts(ctx))
	if d.Dbt != nil {
		errs = errs.Also(d.Dbt.Validate(ctx).ViaField("dbt"))
	}
	return errs
}

// validateTransforms checks transform names are unique and depends_on edges
// refer to declared transforms. The dependency graph itself (cycles among
// transforms) is the orchestrator plugin's concern, not the schema's.
func (d *DataProduct) validateTransforms(ctx context.Context) *apis.FieldError {
	var errs *apis.FieldError
	names := sets.NewString()
	for i, t := range d.Transforms {
		errs = errs.Also(validateName(t.Name).ViaField("name").ViaFieldIndex("transforms", i))
		if names.Has(t.Name) {
			errs = errs.Also(apis.ErrInvalidValue(t.Name, "name",
				"duplicate transform name").ViaFieldIndex("transforms", i))
		}
		names.Insert(t.Name)
	}
	for i, t := range d.Transforms {
		for j, dep := range t.DependsOn {
			if dep == t.Name {
				errs = errs.Also(apis.ErrInvalidValue(dep, apis.CurrentField,
					"transform depends on itself").ViaFieldIndex("depends_on", j).
					ViaFieldIndex("transforms", i))
				continue
			}
			if !names.Has(dep) {
				errs = errs.Also(apis.ErrInvalidValue(dep, apis.CurrentField,
					"references an undeclared transform").ViaFieldIndex("depends_on", j).
					ViaFieldIndex("transforms", i))
			}
		}
	}
	return errs
}

func (d *DataProduct) validatePorts(ctx context.Context) *apis.FieldError {
	var errs *apis.FieldError
	contracts := sets.NewString()
	for i, c := range d.DataContracts {
		errs = errs.Also(validateName(c.Name).ViaField("name").ViaFieldIndex("data_contracts", i))
		if contracts.Has(c.Name) {
			errs = errs.Also(apis.ErrInvalidValue(c.Name, "name",
				"duplicate contract name").ViaFieldIndex("data_contracts", i))
		}
		contracts.Insert(c.Name)
	}

	outNames := sets.NewString()
	for i, p := range d.OutputPorts {
		errs = errs.Also(validateName(p.Name).ViaField("name").ViaFieldIndex("output_ports", i))
		if outNames.Has(p.Name) {
			errs = errs.Also(apis.ErrInvalidValue(p.Name, "name",
				"duplicate port name").ViaFieldIndex("output_ports", i))
		}
		outNames.Insert(p.Name)
		if p.Type == "" {
			errs = errs.Also(apis.ErrMissingField("type").ViaFieldIndex("output_ports", i))
		}
		if p.Contract != "" && !contracts.Has(p.Contract) {
			errs = errs.Also(apis.ErrInvalidValue(p.Contract, "contract",
				"references an undeclared data contract").ViaFieldIndex("output_ports", i))
		}
	}

	inNames := sets.NewString()
	for i, p := range d.InputPorts {
		errs = errs.Also(validateName(p.Name).ViaField("name").ViaFieldIndex("input_ports", i))
		if inNames.Has(p.Name) {
			errs = errs.Also(apis.ErrInvalidValue(p.Name, "name",
				"duplicate port name").ViaFieldIndex("input_ports", i))
		}
		inNames.Insert(p.Name)
		errs = errs.Also(validateName(p.Product).ViaField("product").ViaFieldIndex("input_ports", i))
	}
	return errs
}

// Validate implements apis.Validatable. Only the field count is checked;
// cron semantics belong to the orchestrator plugin.
func (s *Schedule) Validate(ctx context.Context) *apis.FieldError {
	var errs *apis.FieldError
	if s.Cron == "" {
		return apis.ErrMissingField("cron")
	}
	if fields := strings.Fields(s.Cron); len(fields) != 5 {
		errs = errs.Also(apis.ErrInvalidValue(s.Cron, "cron",
			"must have exactly 5 whitespace-separated fields"))
	}
	return errs
}

// Validate implements apis.Validatable.
func (c *DbtConfig) Validate(ctx context.Context) *apis.FieldError {
	if c.ProjectDir == "" {
		return apis.ErrMissingField("project_dir")
	}
	return nil
}
