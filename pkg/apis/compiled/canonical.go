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

package compiled

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/blang/semver/v4"
	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// Canonical serializes the artifact to RFC 8785 canonical JSON: sorted
// keys, minimal whitespace, normalized numbers. Two artifacts with equal
// content produce bit-identical bytes.
func (c *CompiledArtifacts) Canonical() ([]byte, error) {
	j, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling compiled artifacts: %w", err)
	}
	canon, err := jsoncanonicalizer.Transform(j)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing compiled artifacts: %w", err)
	}
	return canon, nil
}

// Digest returns the sha256:<hex> digest of the canonical form.
func (c *CompiledArtifacts) Digest() (string, error) {
	canon, err := c.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// DigestBytes returns the sha256:<hex> digest of already-serialized
// artifact bytes, e.g. a layer fetched from a registry.
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Parse deserializes a CompiledArtifacts document and gates on the schema
// MAJOR version: artifacts written by a newer major schema are rejected
// rather than silently misread.
func Parse(data []byte) (*CompiledArtifacts, error) {
	var c CompiledArtifacts
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding compiled artifacts: %w", err)
	}
	if c.Version == "" {
		return nil, fmt.Errorf("compiled artifacts missing schema version")
	}
	got, err := semver.Parse(c.Version)
	if err != nil {
		return nil, fmt.Errorf("compiled artifacts schema version %q: %w", c.Version, err)
	}
	want := semver.MustParse(SchemaVersion)
	if got.Major != want.Major {
		return nil, fmt.Errorf("unsupported compiled artifacts schema major version %d (supported: %d)",
			got.Major, want.Major)
	}
	return &c, nil
}
