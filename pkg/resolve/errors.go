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

package resolve

import (
	"fmt"
	"strings"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

// MaxDepth bounds the number of parent manifests a document may inherit
// from. A chain of five parents resolves; six is rejected.
const MaxDepth = 5

// DepthExceededError reports an inheritance chain deeper than MaxDepth.
type DepthExceededError struct {
	// Chain holds the (name, version) pairs walked before giving up,
	// input-first.
	Chain []string
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("inheritance chain exceeds maximum depth %d: %s",
		MaxDepth, strings.Join(e.Chain, " -> "))
}

func (e *DepthExceededError) Hint() string {
	return fmt.Sprintf("flatten the manifest hierarchy to at most %d parents", MaxDepth)
}

// CircularInheritanceError reports a parent reference that loops back onto
// a manifest already on the chain.
type CircularInheritanceError struct {
	// Repeated is the "name@version" that appeared twice.
	Repeated string
	Chain    []string
}

func (e *CircularInheritanceError) Error() string {
	return fmt.Sprintf("circular inheritance: %s already appears on chain %s",
		e.Repeated, strings.Join(e.Chain, " -> "))
}

func (e *CircularInheritanceError) Hint() string {
	return "remove the parent reference that closes the cycle"
}

// MissingParentError reports a parent reference that could not be loaded.
type MissingParentError struct {
	Ref string
	Err error
}

func (e *MissingParentError) Error() string {
	return fmt.Sprintf("loading parent manifest %q: %v", e.Ref, e.Err)
}

func (e *MissingParentError) Unwrap() error { return e.Err }

func (e *MissingParentError) Hint() string {
	return "check that the parent reference is reachable and names a pushed Manifest artifact"
}

// SecurityPolicyViolationError reports a child weakening a monotone
// governance field relative to its parent.
type SecurityPolicyViolationError struct {
	// Field is the full path of the weakened field, e.g.
	// "governance.policy_enforcement_level".
	Field  string
	Parent string
	Child  string
}

func (e *SecurityPolicyViolationError) Error() string {
	return fmt.Sprintf("security policy violation: %s may not weaken from %q to %q",
		e.Field, e.Parent, e.Child)
}

func (e *SecurityPolicyViolationError) Hint() string {
	return fmt.Sprintf("set %s to %q or stronger, or drop the field to inherit it", e.Field, e.Parent)
}

// PluginNotApprovedError reports a plugin selection outside the enterprise
// whitelist.
type PluginNotApprovedError struct {
	Category v1alpha1.Category
	Plugin   string
	Approved []string
}

func (e *PluginNotApprovedError) Error() string {
	return fmt.Sprintf("plugin %s/%s is not in the enterprise approved_plugins whitelist %v",
		e.Category, e.Plugin, e.Approved)
}

func (e *PluginNotApprovedError) Hint() string {
	return fmt.Sprintf("select one of the approved %s plugins %v or extend approved_plugins in the enterprise manifest",
		e.Category, e.Approved)
}

// InvalidChainError reports a structurally broken chain, such as a domain
// manifest whose parent is another domain.
type InvalidChainError struct {
	Reason string
}

func (e *InvalidChainError) Error() string {
	return "invalid inheritance chain: " + e.Reason
}

func (e *InvalidChainError) Hint() string {
	return "chains run product -> domain -> enterprise; each tier may appear once"
}
