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

// Package network turns a resolved SecurityConfig into Kubernetes
// NetworkPolicy, Namespace and pod-template manifests. Generation is
// deterministic: equal inputs produce byte-equal output.
package network

import (
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	netv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"

	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
)

// Default managed namespaces.
const (
	DefaultPlatformNamespace = "floe-platform"
	DefaultJobsNamespace     = "floe-jobs"
)

// Labels stamped on every generated object.
const (
	LabelManagedBy  = "app.kubernetes.io/managed-by"
	ManagedByValue  = "floe"
	LabelSourceHash = "floe.dev/source-hash"
	LabelDomain     = "floe.dev/domain"
)

// Pod Security Admission label keys.
const (
	psaEnforce = "pod-security.kubernetes.io/enforce"
	psaAudit   = "pod-security.kubernetes.io/audit"
	psaWarn    = "pod-security.kubernetes.io/warn"
)

// Inputs parameterizes one generation run.
type Inputs struct {
	// PlatformNamespace defaults to floe-platform.
	PlatformNamespace string
	// JobsNamespace defaults to floe-jobs.
	JobsNamespace string
	// Domains adds one managed namespace per domain (floe-<domain>).
	Domains []string
	// SourceHash ties the output back to the compiled inputs.
	SourceHash string
}

// Result is the generated object set plus a human-readable summary.
type Result struct {
	// Objects maps namespace name to its manifests, in emission order.
	Objects map[string][]runtime.Object
	// Summary is markdown describing what was generated and why.
	Summary string
}

// Generate produces the manifests for every managed namespace. A nil
// SecurityConfig generates the hardened defaults.
func Generate(sec *v1alpha1.SecurityConfig, in Inputs) (*Result, error) {
	if in.PlatformNamespace == "" {
		in.PlatformNamespace = DefaultPlatformNamespace
	}
	if in.JobsNamespace == "" {
		in.JobsNamespace = DefaultJobsNamespace
	}
	if sec == nil {
		sec = &v1alpha1.SecurityConfig{}
	}
	np := sec.NetworkPolicies
	if np == nil {
		np = &v1alpha1.NetworkPoliciesConfig{}
	}
	ingressNS := np.IngressControllerNamespace
	if ingressNS == "" {
		ingressNS = "ingress-nginx"
	}
	defaultDeny := np.DefaultDeny == nil || *np.DefaultDeny

	result := &Result{Objects: map[string][]runtime.Object{}}

	jobsEnforce := v1alpha1.PodSecurityRestricted
	if sec.PodSecurity != nil && sec.PodSecurity.Enforce != "" {
		jobsEnforce = sec.PodSecurity.Enforce
	}

	// Platform namespace: baseline PSA, ingress from the controller and
	// from inside the namespace, user platform egress.
	platformLabels := labels(in.SourceHash, "")
	platform := []runtime.Object{
		namespaceObject(in.PlatformNamespace, v1alpha1.PodSecurityBaseline, platformLabels),
	}
	if defaultDeny {
		platform = append(platform, defaultDenyPolicy(in.PlatformNamespace, platformLabels))
	}
	if rules := coalesce(np.PlatformEgressAllow); len(rules) > 0 {
		platform = append(platform, egressAllowPolicy(in.PlatformNamespace, rules, platformLabels))
	}
	platform = append(platform, ingressAllowPolicy(in.PlatformNamespace, ingressNS, platformLabels))
	result.Objects[in.PlatformNamespace] = platform

	// Jobs namespace: restricted PSA (overridable), built-in egress to
	// the platform services plus user rules, hardened pod template.
	jobsLabels := labels(in.SourceHash, "")
	jobs := []runtime.Object{
		namespaceObject(in.JobsNamespace, jobsEnforce, jobsLabels),
	}
	if defaultDeny {
		jobs = append(jobs, defaultDenyPolicy(in.JobsNamespace, jobsLabels))
	}
	jobsRules := append(builtinJobsEgress(in.PlatformNamespace, np.AllowExternalHTTPS), np.JobsEgressAllow...)
	jobs = append(jobs,
		egressAllowPolicy(in.JobsNamespace, coalesce(jobsRules), jobsLabels),
		jobPodTemplate(in.JobsNamespace, sec.PodSecurity, jobsLabels),
	)
	result.Objects[in.JobsNamespace] = jobs

	// One restricted namespace per domain.
	domains := append([]string(nil), in.Domains...)
	sort.Strings(domains)
	for _, domain := range domains {
		ns := "floe-" + domain
		dl := labels(in.SourceHash, domain)
		objs := []runtime.Object{
			namespaceObject(ns, v1alpha1.PodSecurityRestricted, dl),
		}
		if defaultDeny {
			objs = append(objs, defaultDenyPolicy(ns, dl))
		}
		result.Objects[ns] = objs
	}

	result.Summary = summarize(result, in, defaultDeny)
	return result, nil
}

// labels builds the common label set, with the domain label when the
// namespace belongs to a domain.
func labels(sourceHash, domain string) map[string]string {
	l := map[string]string{LabelManagedBy: ManagedByValue}
	if sourceHash != "" {
		l[LabelSourceHash] = shortHash(sourceHash)
	}
	if domain != "" {
		l[LabelDomain] = domain
	}
	return l
}

// shortHash trims a sha256:<hex> digest to a label-sized prefix.
func shortHash(h string) string {
	h = strings.TrimPrefix(h, "sha256:")
	if len(h) > 12 {
		h = h[:12]
	}
	return h
}

func namespaceObject(name, enforce string, base map[string]string) *corev1.Namespace {
	l := map[string]string{
		psaEnforce: enforce,
		psaAudit:   v1alpha1.PodSecurityRestricted,
		psaWarn:    v1alpha1.PodSecurityRestricted,
	}
	for k, v := range base {
		l[k] = v
	}
	return &corev1.Namespace{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Namespace"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: l},
	}
}

// defaultDenyPolicy blocks all traffic except DNS resolution. The DNS
// egress to kube-system is not configurable; without it every pod in a
// denied namespace goes deaf.
func defaultDenyPolicy(ns string, base map[string]string) *netv1.NetworkPolicy {
	udp := corev1.ProtocolUDP
	dns := intstr.FromInt32(53)
	return &netv1.NetworkPolicy{
		TypeMeta:   metav1.TypeMeta{APIVersion: "networking.k8s.io/v1", Kind: "NetworkPolicy"},
		ObjectMeta: metav1.ObjectMeta{Name: "default-deny", Namespace: ns, Labels: copyLabels(base)},
		Spec: netv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []netv1.PolicyType{netv1.PolicyTypeIngress, netv1.PolicyTypeEgress},
			Egress: []netv1.NetworkPolicyEgressRule{{
				To: []netv1.NetworkPolicyPeer{{
					NamespaceSelector: &metav1.LabelSelector{
						MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"},
					},
				}},
				Ports: []netv1.NetworkPolicyPort{{Protocol: &udp, Port: &dns}},
			}},
		},
	}
}

// builtinJobsEgress opens the platform services job pods always need.
func builtinJobsEgress(platformNS string, allowExternalHTTPS bool) []v1alpha1.EgressAllowRule {
	rules := []v1alpha1.EgressAllowRule{
		{Name: "polaris-catalog", ToNamespace: platformNS, Port: 8181, Protocol: v1alpha1.ProtocolTCP},
		{Name: "otel-grpc", ToNamespace: platformNS, Port: 4317, Protocol: v1alpha1.ProtocolTCP},
		{Name: "otel-http", ToNamespace: platformNS, Port: 4318, Protocol: v1alpha1.ProtocolTCP},
		{Name: "object-store", ToNamespace: platformNS, Port: 9000, Protocol: v1alpha1.ProtocolTCP},
	}
	if allowExternalHTTPS {
		rules = append(rules, v1alpha1.EgressAllowRule{
			Name: "external-https", ToCIDR: "0.0.0.0/0", Port: 443, Protocol: v1alpha1.ProtocolTCP,
		})
	}
	return rules
}

// coalescedRule is one egress target with its merged port set.
type coalescedRule struct {
	toNamespace string
	toCIDR      string
	protocol    string
	ports       []int32
}

// coalesce merges rules sharing a (target, protocol) into one rule with
// a sorted port list, ordered deterministically by target.
func coalesce(rules []v1alpha1.EgressAllowRule) []coalescedRule {
	type key struct {
		ns, cidr, proto string
	}
	merged := map[key]map[int32]struct{}{}
	for _, r := range rules {
		proto := r.Protocol
		if proto == "" {
			proto = v1alpha1.ProtocolTCP
		}
		k := key{ns: r.ToNamespace, cidr: r.ToCIDR, proto: proto}
		if merged[k] == nil {
			merged[k] = map[int32]struct{}{}
		}
		merged[k][r.Port] = struct{}{}
	}

	keys := make([]key, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ns != keys[j].ns {
			return keys[i].ns < keys[j].ns
		}
		if keys[i].cidr != keys[j].cidr {
			return keys[i].cidr < keys[j].cidr
		}
		return keys[i].proto < keys[j].proto
	})

	out := make([]coalescedRule, 0, len(keys))
	for _, k := range keys {
		ports := make([]int32, 0, len(merged[k]))
		for p := range merged[k] {
			ports = append(ports, p)
		}
		sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
		out = append(out, coalescedRule{toNamespace: k.ns, toCIDR: k.cidr, protocol: k.proto, ports: ports})
	}
	return out
}

func egressAllowPolicy(ns string, rules []coalescedRule, base map[string]string) *netv1.NetworkPolicy {
	egress := make([]netv1.NetworkPolicyEgressRule, 0, len(rules))
	for _, r := range rules {
		var peer netv1.NetworkPolicyPeer
		if r.toCIDR != "" {
			peer.IPBlock = &netv1.IPBlock{CIDR: r.toCIDR}
		} else {
			peer.NamespaceSelector = &metav1.LabelSelector{
				MatchLabels: map[string]string{"kubernetes.io/metadata.name": r.toNamespace},
			}
		}
		proto := corev1.Protocol(r.protocol)
		ports := make([]netv1.NetworkPolicyPort, 0, len(r.ports))
		for _, p := range r.ports {
			port := intstr.FromInt32(p)
			ports = append(ports, netv1.NetworkPolicyPort{Protocol: &proto, Port: &port})
		}
		egress = append(egress, netv1.NetworkPolicyEgressRule{To: []netv1.NetworkPolicyPeer{peer}, Ports: ports})
	}
	return &netv1.NetworkPolicy{
		TypeMeta:   metav1.TypeMeta{APIVersion: "networking.k8s.io/v1", Kind: "NetworkPolicy"},
		ObjectMeta: metav1.ObjectMeta{Name: "egress-allow", Namespace: ns, Labels: copyLabels(base)},
		Spec: netv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []netv1.PolicyType{netv1.PolicyTypeEgress},
			Egress:      egress,
		},
	}
}

// ingressAllowPolicy admits traffic from the ingress controller and from
// pods inside the namespace itself.
func ingressAllowPolicy(ns, ingressNS string, base map[string]string) *netv1.NetworkPolicy {
	return &netv1.NetworkPolicy{
		TypeMeta:   metav1.TypeMeta{APIVersion: "networking.k8s.io/v1", Kind: "NetworkPolicy"},
		ObjectMeta: metav1.ObjectMeta{Name: "ingress-allow", Namespace: ns, Labels: copyLabels(base)},
		Spec: netv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []netv1.PolicyType{netv1.PolicyTypeIngress},
			Ingress: []netv1.NetworkPolicyIngressRule{{
				From: []netv1.NetworkPolicyPeer{
					{
						NamespaceSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{"kubernetes.io/metadata.name": ingressNS},
						},
					},
					{PodSelector: &metav1.LabelSelector{}},
				},
			}},
		},
	}
}

// jobPodTemplate carries the hardened security context orchestrators
// base job pods on. The image is injected at deploy time.
func jobPodTemplate(ns string, ps *v1alpha1.PodSecurityConfig, base map[string]string) *corev1.PodTemplate {
	runAsNonRoot := true
	runAsUser := int64(1000)
	noEscalation := false
	readOnlyRoot := true

	var mounts []corev1.VolumeMount
	var volumes []corev1.Volume
	if ps != nil {
		for i, path := range ps.WritablePaths {
			name := fmt.Sprintf("writable-%d", i)
			mounts = append(mounts, corev1.VolumeMount{Name: name, MountPath: path})
			volumes = append(volumes, corev1.Volume{
				Name:         name,
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			})
		}
	}

	return &corev1.PodTemplate{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "PodTemplate"},
		ObjectMeta: metav1.ObjectMeta{Name: "floe-job-template", Namespace: ns, Labels: copyLabels(base)},
		Template: corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{Labels: copyLabels(base)},
			Spec: corev1.PodSpec{
				SecurityContext: &corev1.PodSecurityContext{
					RunAsNonRoot: &runAsNonRoot,
					RunAsUser:    &runAsUser,
					SeccompProfile: &corev1.SeccompProfile{
						Type: corev1.SeccompProfileTypeRuntimeDefault,
					},
				},
				Containers: []corev1.Container{{
					Name: "job",
					SecurityContext: &corev1.SecurityContext{
						AllowPrivilegeEscalation: &noEscalation,
						ReadOnlyRootFilesystem:   &readOnlyRoot,
						Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
					},
					VolumeMounts: mounts,
				}},
				Volumes:       volumes,
				RestartPolicy: corev1.RestartPolicyNever,
			},
		},
	}
}

func copyLabels(l map[string]string) map[string]string {
	out := make(map[string]string, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// summarize renders the generation report.
func summarize(result *Result, in Inputs, defaultDeny bool) string {
	var b strings.Builder
	b.WriteString("# Network manifests\n\n")
	fmt.Fprintf(&b, "Source hash: `%s`\n\n", in.SourceHash)
	if !defaultDeny {
		b.WriteString("Default-deny is DISABLED by configuration.\n\n")
	}
	b.WriteString("| Namespace | Objects |\n|---|---|\n")

	namespaces := make([]string, 0, len(result.Objects))
	for ns := range result.Objects {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	for _, ns := range namespaces {
		names := make([]string, 0, len(result.Objects[ns]))
		for _, obj := range result.Objects[ns] {
			acc, err := objectMeta(obj)
			if err != nil {
				continue
			}
			names = append(names, fmt.Sprintf("%s/%s", obj.GetObjectKind().GroupVersionKind().Kind, acc))
		}
		fmt.Fprintf(&b, "| %s | %s |\n", ns, strings.Join(names, ", "))
	}
	b.WriteString("\nDNS egress (UDP/53 to kube-system) is always open; everything else is explicit.\n")
	return b.String()
}

// objectMeta extracts the name of a generated object.
func objectMeta(obj runtime.Object) (string, error) {
	switch o := obj.(type) {
	case *corev1.Namespace:
		return o.Name, nil
	case *corev1.PodTemplate:
		return o.Name, nil
	case *netv1.NetworkPolicy:
		return o.Name, nil
	default:
		return "", fmt.Errorf("unexpected object type %T", obj)
	}
}
