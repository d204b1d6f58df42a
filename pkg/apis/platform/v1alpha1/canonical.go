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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"sigs.k8s.io/yaml"
)

// Normalize converts a raw YAML document to its canonical JSON form
// (RFC 8785): sorted keys, minimal whitespace, normalized number encoding.
// Identical logical documents normalize to identical bytes regardless of
// key order, comments or indentation in the source.
func Normalize(raw []byte) ([]byte, error) {
	j, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("converting document to JSON: %w", err)
	}
	c, err := jsoncanonicalizer.Transform(j)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing document: %w", err)
	}
	return c, nil
}

// NormalizeAndHash returns the canonical bytes together with their
// sha256:<hex> digest. The digest is the building block of the compiled
// source_hash and is a pure function of the document content.
func NormalizeAndHash(raw []byte) ([]byte, string, error) {
	c, err := Normalize(raw)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(c)
	return c, "sha256:" + hex.EncodeToString(sum[:]), nil
}

// CanonicalizeDocument serializes a parsed document back to canonical form.
// Round-trip law: Parse(CanonicalizeDocument(doc)) is equivalent to doc.
func CanonicalizeDocument(doc Document) ([]byte, string, error) {
	j, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling document: %w", err)
	}
	return NormalizeAndHash(j)
}
