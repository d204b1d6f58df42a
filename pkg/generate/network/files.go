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

package network

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	corev1 "k8s.io/api/core/v1"
	netv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/yaml"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

// SummaryFile is the report written next to the manifests.
const SummaryFile = "SUMMARY.md"

// WriteFiles lays a Result out on disk: one YAML file per (namespace,
// kind) with multi-document separators, plus SUMMARY.md.
func WriteFiles(result *Result, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	namespaces := make([]string, 0, len(result.Objects))
	for ns := range result.Objects {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	for _, ns := range namespaces {
		// Group by kind, preserving emission order inside each group.
		groups := map[string][]runtime.Object{}
		var kinds []string
		for _, obj := range result.Objects[ns] {
			kind := obj.GetObjectKind().GroupVersionKind().Kind
			if _, seen := groups[kind]; !seen {
				kinds = append(kinds, kind)
			}
			groups[kind] = append(groups[kind], obj)
		}
		sort.Strings(kinds)

		for _, kind := range kinds {
			docs := make([]string, 0, len(groups[kind]))
			for _, obj := range groups[kind] {
				data, err := yaml.Marshal(obj)
				if err != nil {
					return fmt.Errorf("serializing %s/%s: %w", ns, kind, err)
				}
				docs = append(docs, string(data))
			}
			file := filepath.Join(dir, fmt.Sprintf("%s-%s.yaml", ns, strings.ToLower(kind)))
			if err := os.WriteFile(file, []byte(strings.Join(docs, "---\n")), 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", file, err)
			}
		}
	}

	return os.WriteFile(filepath.Join(dir, SummaryFile), []byte(result.Summary), 0o644)
}

// ValidationError reports one problem found in a generated manifest
// (exit 5).
type ValidationError struct {
	File   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.File, e.Reason)
}

func (e *ValidationError) Hint() string {
	return "regenerate the manifests with `floe network generate`; do not edit them by hand"
}

// ValidateFiles decodes every manifest in dir back through the client-go
// scheme and re-asserts the structural invariants: objects are labeled,
// namespaces carry coherent PSA labels, default-deny policies keep both
// policy types and the DNS egress open.
func ValidateFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading manifest directory: %w", err)
	}

	var errs *multierror.Error
	decoder := scheme.Codecs.UniversalDeserializer()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = multierror.Append(errs, &ValidationError{File: entry.Name(), Reason: err.Error()})
			continue
		}
		for _, doc := range strings.Split(string(data), "\n---\n") {
			if strings.TrimSpace(doc) == "" {
				continue
			}
			obj, _, err := decoder.Decode([]byte(doc), nil, nil)
			if err != nil {
				errs = multierror.Append(errs, &ValidationError{File: entry.Name(), Reason: fmt.Sprintf("undecodable document: %v", err)})
				continue
			}
			if err := validateObject(entry.Name(), obj); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

func validateObject(file string, obj runtime.Object) error {
	switch o := obj.(type) {
	case *corev1.Namespace:
		return validateNamespace(file, o)
	case *netv1.NetworkPolicy:
		return validatePolicy(file, o)
	case *corev1.PodTemplate:
		return requireManagedLabel(file, o.Name, o.Labels)
	default:
		return &ValidationError{File: file, Reason: fmt.Sprintf("unexpected object kind %T", obj)}
	}
}

func requireManagedLabel(file, name string, labels map[string]string) error {
	if labels[LabelManagedBy] != ManagedByValue {
		return &ValidationError{File: file,
			Reason: fmt.Sprintf("%s is missing the %s=%s label", name, LabelManagedBy, ManagedByValue)}
	}
	return nil
}

func validateNamespace(file string, ns *corev1.Namespace) error {
	var errs *multierror.Error
	if err := requireManagedLabel(file, ns.Name, ns.Labels); err != nil {
		errs = multierror.Append(errs, err)
	}
	if ns.Labels[psaEnforce] == "" {
		errs = multierror.Append(errs, &ValidationError{File: file,
			Reason: fmt.Sprintf("namespace %s has no PSA enforce label", ns.Name)})
	}
	for _, key := range []string{psaAudit, psaWarn} {
		if ns.Labels[key] != v1alpha1.PodSecurityRestricted {
			errs = multierror.Append(errs, &ValidationError{File: file,
				Reason: fmt.Sprintf("namespace %s label %s must be %s", ns.Name, key, v1alpha1.PodSecurityRestricted)})
		}
	}
	return errs.ErrorOrNil()
}

func validatePolicy(file string, p *netv1.NetworkPolicy) error {
	var errs *multierror.Error
	if err := requireManagedLabel(file, p.Name, p.Labels); err != nil {
		errs = multierror.Append(errs, err)
	}
	if p.Name == "default-deny" {
		if len(p.Spec.PolicyTypes) != 2 {
			errs = multierror.Append(errs, &ValidationError{File: file,
				Reason: fmt.Sprintf("default-deny in %s must carry both policy types", p.Namespace)})
		}
		if !hasDNSEgress(p) {
			errs = multierror.Append(errs, &ValidationError{File: file,
				Reason: fmt.Sprintf("default-deny in %s lost the DNS egress to kube-system", p.Namespace)})
		}
	}
	return errs.ErrorOrNil()
}

// hasDNSEgress checks for the UDP/53 → kube-system rule.
func hasDNSEgress(p *netv1.NetworkPolicy) bool {
	for _, rule := range p.Spec.Egress {
		var toKubeSystem bool
		for _, peer := range rule.To {
			if peer.NamespaceSelector != nil &&
				peer.NamespaceSelector.MatchLabels["kubernetes.io/metadata.name"] == "kube-system" {
				toKubeSystem = true
			}
		}
		if !toKubeSystem {
			continue
		}
		for _, port := range rule.Ports {
			if port.Protocol != nil && *port.Protocol == corev1.ProtocolUDP &&
				port.Port != nil && port.Port.IntValue() == 53 {
				return true
			}
		}
	}
	return false
}
