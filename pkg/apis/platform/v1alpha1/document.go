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
	"knative.dev/pkg/apis"
)

// Document is the surface shared by Manifest and DataProduct. The resolver
// and compiler work against it so the inheritance machinery never switches
// on concrete kinds.
type Document interface {
	apis.Validatable
	apis.Defaultable

	GetMetadata() Metadata
	GetScope() Scope
	GetParent() string
	GetPlugins() PluginMap
	GetGovernance() *GovernanceConfig
	GetSecurity() *SecurityConfig
}
