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
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
	"knative.dev/pkg/apis"
)

// Validate implements apis.Validatable.
func (m *Manifest) Validate(ctx context.Context) *apis.FieldError {
	errs := validateTypeMeta(m.APIVersion, m.Kind, KindManifest)
	errs = errs.Also(m.Metadata.Validate(ctx).ViaField("metadata"))

	switch m.Scope {
	case ScopeEnterprise:
		if m.Parent != "" {
			errs = errs.Also((&apis.FieldError{
				Message: "parent must not be set when scope is enterprise",
				Paths:   []string{"parent"},
			}))
		}
	case ScopeDomain:
		if m.Parent == "" {
			errs = errs.Also(apis.ErrMissingField("parent"))
		}
	case ScopeNone:
		if m.Parent != "" {
			errs = errs.Also((&apis.FieldError{
				Message: "parent requires scope=domain",
				Paths:   []string{"parent"},
			}))
		}
	default:
		errs = errs.Also(apis.ErrInvalidValue(string(m.Scope), "scope",
			fmt.Sprintf("must be one of [%s %s] or unset", ScopeEnterprise, ScopeDomain)))
	}

	if m.Parent != "" {
		errs = errs.Also(validateOCIRef(m.Parent).ViaField("parent"))
	}

	if len(m.ApprovedPlugins) > 0 && m.Scope != ScopeEnterprise {
		errs = errs.Also((&apis.FieldError{
			Message: "approved_plugins requires scope=enterprise",
			Paths:   []string{"approved_plugins"},
		}))
	}
	if len(m.ApprovedProducts) > 0 && m.Scope != ScopeDomain {
		errs = errs.Also((&apis.FieldError{
			Message: "approved_products requires scope=domain",
			Paths:   []string{"approved_products"},
		}))
	}

	for category, types := range m.ApprovedPlugins {
		if !ValidCategories.Has(string(category)) {
			errs = errs.Also(apis.ErrInvalidKeyName(string(category), "approved_plugins",
				fmt.Sprintf("must be one of %v", ValidCategories.List())))
			continue
		}
		seen := sets.NewString()
		for i, t := range types {
			errs = errs.Also(validateName(t).ViaFieldIndex(string(category), i).ViaField("approved_plugins"))
			if seen.Has(t) {
				errs = errs.Also(apis.ErrInvalidValue(t, apis.CurrentField, "duplicate entry").
					ViaFieldIndex(string(category), i).ViaField("approved_plugins"))
			}
			seen.Insert(t)
		}
	}
	for i, p := range m.ApprovedProducts {
		errs = errs.Also(validateName(p).ViaFieldIndex("approved_products", i))
	}

	errs = errs.Also(m.Plugins.Validate(ctx).ViaField("plugins"))
	if m.Governance != nil {
		errs = errs.Also(m.Governance.Validate(ctx).ViaField("governance"))
	}
	if m.Security != nil {
		errs = errs.Also(m.Security.Validate(ctx).ViaField("security"))
	}
	return errs
}
