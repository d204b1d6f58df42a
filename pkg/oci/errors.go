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

package oci

import (
	"errors"
	"fmt"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// RegistryError wraps a failed registry interaction (exit 4).
type RegistryError struct {
	Ref string
	Op  string
	// StatusCode is the HTTP status when the registry answered, zero for
	// transport-level failures.
	StatusCode int
	Err        error
}

func (e *RegistryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("registry %s of %s failed with status %d: %v", e.Op, e.Ref, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("registry %s of %s failed: %v", e.Op, e.Ref, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

func (e *RegistryError) Hint() string {
	switch e.StatusCode {
	case 401, 403:
		return "check OCI_REGISTRY_USERNAME/OCI_REGISTRY_PASSWORD or OCI_REGISTRY_TOKEN"
	case 404:
		return "check the artifact reference; the repository or tag may not exist"
	default:
		return "check registry connectivity and the artifact reference"
	}
}

// wrapRegistryErr builds a RegistryError, lifting the HTTP status out of
// go-containerregistry transport errors.
func wrapRegistryErr(op, ref string, err error) error {
	if err == nil {
		return nil
	}
	re := &RegistryError{Ref: ref, Op: op, Err: err}
	var te *transport.Error
	if errors.As(err, &te) {
		re.StatusCode = te.StatusCode
	}
	return re
}

// retryable reports whether a registry error is worth retrying: 4xx
// responses are definitive, everything else is assumed transient.
func retryable(err error) bool {
	var te *transport.Error
	if errors.As(err, &te) {
		if te.StatusCode >= 400 && te.StatusCode < 500 && te.StatusCode != 429 {
			return false
		}
	}
	return true
}
