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

	yamlv3 "gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"knative.dev/pkg/apis"
	"sigs.k8s.io/yaml"
)

// Parse decodes a single YAML document into a Manifest or DataProduct,
// applies defaults and validates. The returned FieldError carries
// error-level findings (structural validation plus unknown fields in the
// security-sensitive sections) alongside warning-level findings (unknown
// fields anywhere else); callers split them with Filter:
//
//	doc, fe := v1alpha1.Parse(ctx, data)
//	if err := fe.Filter(apis.ErrorLevel); err != nil { ... }
//	if warn := fe.Filter(apis.WarningLevel); warn != nil { ... }
func Parse(ctx context.Context, data []byte) (Document, *apis.FieldError) {
	var tm metav1.TypeMeta
	if err := yaml.Unmarshal(data, &tm); err != nil {
		return nil, &apis.FieldError{
			Message: "failed to decode document",
			Details: err.Error(),
		}
	}

	var doc Document
	var schema *nodeSchema
	switch tm.Kind {
	case KindManifest:
		m := &Manifest{}
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, &apis.FieldError{
				Message: "failed to decode Manifest",
				Details: err.Error(),
			}
		}
		doc, schema = m, manifestSchema
	case KindDataProduct:
		d := &DataProduct{}
		if err := yaml.Unmarshal(data, d); err != nil {
			return nil, &apis.FieldError{
				Message: "failed to decode DataProduct",
				Details: err.Error(),
			}
		}
		doc, schema = d, dataProductSchema
	case "":
		return nil, apis.ErrMissingField("kind")
	default:
		return nil, apis.ErrInvalidValue(tm.Kind, "kind",
			fmt.Sprintf("must be %q or %q", KindManifest, KindDataProduct))
	}

	errs := scanUnknownFields(data, schema)

	doc.SetDefaults(ctx)
	errs = errs.Also(doc.Validate(ctx))
	return doc, errs
}

// ParseManifest is Parse restricted to Manifest documents.
func ParseManifest(ctx context.Context, data []byte) (*Manifest, *apis.FieldError) {
	doc, errs := Parse(ctx, data)
	if doc == nil {
		return nil, errs
	}
	m, ok := doc.(*Manifest)
	if !ok {
		return nil, errs.Also(apis.ErrInvalidValue(doc.(*DataProduct).Kind, "kind",
			fmt.Sprintf("must be %q", KindManifest)))
	}
	return m, errs
}

// ParseDataProduct is Parse restricted to DataProduct documents.
func ParseDataProduct(ctx context.Context, data []byte) (*DataProduct, *apis.FieldError) {
	doc, errs := Parse(ctx, data)
	if doc == nil {
		return nil, errs
	}
	d, ok := doc.(*DataProduct)
	if !ok {
		return nil, errs.Also(apis.ErrInvalidValue(doc.(*Manifest).Kind, "kind",
			fmt.Sprintf("must be %q", KindDataProduct)))
	}
	return d, errs
}

// nodeSchema describes the keys a document subtree may carry, for the
// unknown-field scan. Unknown keys inside strict subtrees are rejected;
// anywhere else they degrade to warnings so documents written against a
// newer minor schema still load.
type nodeSchema struct {
	// keys maps allowed mapping keys to their child schema. A nil child is
	// a leaf; the scan does not descend.
	keys map[string]*nodeSchema
	// anyKey admits arbitrary mapping keys (category maps), each checked
	// against the same child schema.
	anyKey *nodeSchema
	// elem is the schema for sequence items.
	elem *nodeSchema
	// opaque subtrees are never descended into (plugin config payloads).
	opaque bool
	// strict marks the subtree where unknown keys are errors.
	strict bool
}

var (
	secretRefSchema = &nodeSchema{keys: map[string]*nodeSchema{
		"source": nil, "name": nil, "key": nil,
	}}

	pluginSelectionSchema = &nodeSchema{keys: map[string]*nodeSchema{
		"type":                  nil,
		"config":                {opaque: true},
		"connection_secret_ref": secretRefSchema,
	}}

	pluginsSchema = &nodeSchema{anyKey: pluginSelectionSchema}

	governanceSchema = &nodeSchema{strict: true, keys: map[string]*nodeSchema{
		"pii_encryption":           nil,
		"audit_logging":            nil,
		"policy_enforcement_level": nil,
		"data_retention_days":      nil,
	}}

	egressRuleSchema = &nodeSchema{keys: map[string]*nodeSchema{
		"name": nil, "to_namespace": nil, "to_cidr": nil, "port": nil, "protocol": nil,
	}}

	securitySchema = &nodeSchema{strict: true, keys: map[string]*nodeSchema{
		"rbac": {keys: map[string]*nodeSchema{
			"enabled": nil,
			"service_accounts": {elem: &nodeSchema{keys: map[string]*nodeSchema{
				"name": nil, "namespace": nil, "roles": nil,
			}}},
			"roles": {elem: &nodeSchema{keys: map[string]*nodeSchema{
				"name": nil,
				"rules": {elem: &nodeSchema{keys: map[string]*nodeSchema{
					"api_groups": nil, "resources": nil, "verbs": nil, "resource_names": nil,
				}}},
			}}},
		}},
		"pod_security": {keys: map[string]*nodeSchema{
			"enforce": nil, "writable_paths": nil,
		}},
		"namespace_isolation": nil,
		"network_policies": {keys: map[string]*nodeSchema{
			"enabled":                      nil,
			"default_deny":                 nil,
			"allow_external_https":         nil,
			"ingress_controller_namespace": nil,
			"jobs_egress_allow":            {elem: egressRuleSchema},
			"platform_egress_allow":        {elem: egressRuleSchema},
		}},
	}}

	approvedPluginsSchema = &nodeSchema{strict: true, anyKey: &nodeSchema{}}

	metadataSchema = &nodeSchema{keys: map[string]*nodeSchema{
		"name": nil, "version": nil, "owner": nil, "description": nil,
	}}

	manifestSchema = &nodeSchema{keys: map[string]*nodeSchema{
		"apiVersion":        nil,
		"kind":              nil,
		"metadata":          metadataSchema,
		"scope":             nil,
		"parent":            nil,
		"plugins":           pluginsSchema,
		"governance":        governanceSchema,
		"security":          securitySchema,
		"approved_plugins":  approvedPluginsSchema,
		"approved_products": nil,
	}}

	dataProductSchema = &nodeSchema{keys: map[string]*nodeSchema{
		"apiVersion": nil,
		"kind":       nil,
		"metadata":   metadataSchema,
		"parent":     nil,
		"plugins":    pluginsSchema,
		"governance": governanceSchema,
		"security":   securitySchema,
		"transforms": {elem: &nodeSchema{keys: map[string]*nodeSchema{
			"name": nil, "sql": nil, "compute": nil, "depends_on": nil, "description": nil,
		}}},
		"schedule": {keys: map[string]*nodeSchema{
			"cron": nil, "timezone": nil,
		}},
		"output_ports": {elem: &nodeSchema{keys: map[string]*nodeSchema{
			"name": nil, "type": nil, "description": nil, "contract": nil,
		}}},
		"input_ports": {elem: &nodeSchema{keys: map[string]*nodeSchema{
			"name": nil, "product": nil, "port": nil,
		}}},
		"data_contracts": {elem: &nodeSchema{keys: map[string]*nodeSchema{
			"name": nil, "description": nil, "schema": {opaque: true},
		}}},
		"dbt": {keys: map[string]*nodeSchema{
			"project_dir": nil, "profile": nil, "target": nil,
		}},
	}}
)

// scanUnknownFields walks the raw YAML node tree against the allowed-key
// schema. Scalar typing is left to the typed unmarshal; this pass only
// reports keys the schema does not know about.
func scanUnknownFields(data []byte, schema *nodeSchema) *apis.FieldError {
	var root yamlv3.Node
	if err := yamlv3.Unmarshal(data, &root); err != nil {
		// The typed unmarshal already reported the syntax problem.
		return nil
	}
	if root.Kind != yamlv3.DocumentNode || len(root.Content) == 0 {
		return nil
	}
	return scanNode(root.Content[0], schema, false)
}

func scanNode(node *yamlv3.Node, schema *nodeSchema, strict bool) *apis.FieldError {
	if schema == nil || schema.opaque || node == nil {
		return nil
	}
	if node.Kind == yamlv3.AliasNode {
		return scanNode(node.Alias, schema, strict)
	}
	strict = strict || schema.strict

	var errs *apis.FieldError
	switch node.Kind {
	case yamlv3.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			child, known := schema.keys[key.Value]
			switch {
			case known:
				errs = errs.Also(scanNode(value, child, strict).ViaField(key.Value))
			case schema.anyKey != nil:
				errs = errs.Also(scanNode(value, schema.anyKey, strict).ViaKey(key.Value))
			case strict:
				errs = errs.Also(apis.ErrDisallowedFields(key.Value))
			default:
				errs = errs.Also((&apis.FieldError{
					Message: "unknown field ignored",
					Paths:   []string{key.Value},
				}).At(apis.WarningLevel))
			}
		}
	case yamlv3.SequenceNode:
		if schema.elem == nil {
			return nil
		}
		for i, item := range node.Content {
			errs = errs.Also(scanNode(item, schema.elem, strict).ViaIndex(i))
		}
	}
	return errs
}
