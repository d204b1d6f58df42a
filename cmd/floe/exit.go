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
	"errors"

	"knative.dev/pkg/apis"

	"github.com/Obsidian-Owl/floe-sub008/pkg/compile"
	"github.com/Obsidian-Owl/floe-sub008/pkg/generate/network"
	"github.com/Obsidian-Owl/floe-sub008/pkg/oci"
	"github.com/Obsidian-Owl/floe-sub008/pkg/resolve"
	"github.com/Obsidian-Owl/floe-sub008/pkg/signing"
)

// Exit codes, one per error kind. Unclassified errors exit 1.
const (
	exitSchema       = 1
	exitInheritance  = 2
	exitCompile      = 3
	exitRegistry     = 4
	exitNetwork      = 5
	exitVerification = 6
	exitSigning      = 7
)

// exitCode classifies err into the documented exit codes. Order matters:
// the most specific kinds are checked first so a wrapped chain lands on
// the inner cause.
func exitCode(err error) int {
	var (
		fieldErr    *apis.FieldError
		depthErr    *resolve.DepthExceededError
		circularErr *resolve.CircularInheritanceError
		missingErr  *resolve.MissingParentError
		securityErr *resolve.SecurityPolicyViolationError
		pluginErr   *resolve.PluginNotApprovedError
		chainErr    *resolve.InvalidChainError
		compileErr  *compile.CompilationError
		registryErr *oci.RegistryError
		networkErr  *network.ValidationError
		verifyErr   *signing.VerificationError
		signErr     *signing.SigningError
	)
	switch {
	case errors.As(err, &verifyErr):
		return exitVerification
	case errors.As(err, &signErr):
		return exitSigning
	case errors.As(err, &networkErr):
		return exitNetwork
	case errors.As(err, &registryErr):
		return exitRegistry
	case errors.As(err, &compileErr):
		return exitCompile
	case errors.As(err, &depthErr),
		errors.As(err, &circularErr),
		errors.As(err, &missingErr),
		errors.As(err, &securityErr),
		errors.As(err, &pluginErr),
		errors.As(err, &chainErr):
		return exitInheritance
	case errors.As(err, &fieldErr):
		return exitSchema
	default:
		return 1
	}
}

// hinted is implemented by every error kind that carries remediation
// advice.
type hinted interface {
	Hint() string
}

func hintOf(err error) string {
	var h hinted
	if errors.As(err, &h) {
		return h.Hint()
	}
	return ""
}
