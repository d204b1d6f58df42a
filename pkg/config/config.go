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

// Package config reads the process environment the CLI and registry
// client honor. Compilation itself never consults the environment; only
// the runtime surfaces (pull, verify) pick up FLOE_ENV.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Env is the process environment surface.
type Env struct {
	// Environment selects the verification-policy environment at
	// runtime (artifact pull/verify). It never affects compilation.
	Environment string `envconfig:"FLOE_ENV"`

	// Registry credentials. Username/password and token are alternative
	// schemes; both empty means the ambient keychain decides.
	RegistryUsername string `envconfig:"OCI_REGISTRY_USERNAME"`
	RegistryPassword string `envconfig:"OCI_REGISTRY_PASSWORD"`
	RegistryToken    string `envconfig:"OCI_REGISTRY_TOKEN"`

	// RegistryInsecure permits plain-HTTP registries, for local
	// development registries only.
	RegistryInsecure bool `envconfig:"OCI_REGISTRY_INSECURE" default:"false"`
}

// Load reads the environment.
func Load() (*Env, error) {
	var e Env
	if err := envconfig.Process("", &e); err != nil {
		return nil, fmt.Errorf("reading process environment: %w", err)
	}
	return &e, nil
}

// HasStaticCredentials reports whether explicit registry credentials were
// supplied, as opposed to relying on the ambient keychain.
func (e *Env) HasStaticCredentials() bool {
	return e.RegistryToken != "" || (e.RegistryUsername != "" && e.RegistryPassword != "")
}
