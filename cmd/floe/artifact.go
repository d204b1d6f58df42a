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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"knative.dev/pkg/logging"

	"github.com/Obsidian-Owl/floe-sub008/pkg/apis/compiled"
	v1alpha1 "github.com/Obsidian-Owl/floe-sub008/pkg/apis/platform/v1alpha1"
	"github.com/Obsidian-Owl/floe-sub008/pkg/config"
	"github.com/Obsidian-Owl/floe-sub008/pkg/oci"
	"github.com/Obsidian-Owl/floe-sub008/pkg/policy"
	"github.com/Obsidian-Owl/floe-sub008/pkg/signing"
)

// Public Sigstore infrastructure, overridable per command.
const (
	defaultFulcioURL = "https://fulcio.sigstore.dev"
	defaultRekorURL  = "https://rekor.sigstore.dev"
)

func newArtifactCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Push, pull, list, sign, verify and attest compiled artifacts",
	}
	cmd.AddCommand(
		newPushCommand(),
		newPullCommand(),
		newListCommand(),
		newSignCommand(),
		newVerifyCommand(),
		newAttestCommand(),
	)
	return cmd
}

func newPushCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "push <ref>",
		Short: "Publish a compiled artifact to an OCI registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			art, err := compiled.Parse(data)
			if err != nil {
				return err
			}

			// A detached signature from compile --sign rides along as
			// annotations.
			annotations := map[string]string{}
			if sig, err := os.ReadFile(file + signatureSuffix); err == nil {
				var md signing.SignatureMetadata
				if err := json.Unmarshal(sig, &md); err != nil {
					return fmt.Errorf("decoding %s: %w", file+signatureSuffix, err)
				}
				annotations = md.ToAnnotations()
			}

			client, _, err := newRegistryClient(nil, "", "")
			if err != nil {
				return err
			}
			desc, err := client.Push(ctx, args[0], art, annotations)
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Infow("pushed",
				"ref", args[0], "digest", desc.Digest, "manifest", desc.ManifestDigest)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], desc.Digest)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", defaultArtifactPath, "compiled document to push")
	return cmd
}

func newPullCommand() *cobra.Command {
	var (
		environment string
		policyFile  string
		out         string
		fulcioURL   string
		rekorURL    string
	)
	cmd := &cobra.Command{
		Use:   "pull <ref>",
		Short: "Fetch a compiled artifact, verifying its signature per policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pol, err := loadPolicy(ctx, policyFile)
			if err != nil {
				return err
			}
			client, env, err := newRegistryClient(pol, fulcioURL, rekorURL)
			if err != nil {
				return err
			}
			if environment == "" {
				environment = env.Environment
			}

			art, result, err := client.Pull(ctx, args[0], pol, environment)
			if result != nil {
				logging.FromContext(ctx).Infow("verification",
					"ref", args[0], "status", result.Status, "enforcement", result.Enforcement)
			}
			if err != nil {
				return err
			}

			data, err := art.Canonical()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", out, result.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&environment, "environment", "", "verification environment (falls back to FLOE_ENV)")
	cmd.Flags().StringVar(&policyFile, "policy", "", "verification policy file")
	cmd.Flags().StringVar(&out, "out", defaultArtifactPath, "where to write the pulled document")
	cmd.Flags().StringVar(&fulcioURL, "fulcio-url", defaultFulcioURL, "certificate authority supplying trust roots")
	cmd.Flags().StringVar(&rekorURL, "rekor-url", defaultRekorURL, "transparency log for inclusion proofs")
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		pattern string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list <repo>",
		Short: "List the compiled artifacts in a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newRegistryClient(nil, "", "")
			if err != nil {
				return err
			}
			descriptors, err := client.List(cmd.Context(), args[0], oci.ListOptions{
				Pattern: pattern,
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TAG\tDIGEST\tSIGNED\tTOOL VERSION")
			for _, d := range descriptors {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", d.Tag, d.Digest, d.Signed, d.ToolVersion)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "glob filter over tag names")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of results, 0 for all")
	return cmd
}

func newSignCommand() *cobra.Command {
	var (
		keyless    bool
		keyRef     string
		fulcioURL  string
		rekorURL   string
		tokenFile  string
		tlogUpload bool
	)
	cmd := &cobra.Command{
		Use:   "sign <ref>",
		Short: "Sign a published artifact and attach the signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if keyless == (keyRef != "") {
				return fmt.Errorf("exactly one of --keyless and --key is required")
			}

			client, _, err := newRegistryClient(nil, "", "")
			if err != nil {
				return err
			}
			target, err := client.ArtifactTarget(ctx, args[0])
			if err != nil {
				return err
			}

			tlog, err := signing.NewRekorLog(rekorURL)
			if err != nil {
				return err
			}
			var idp signing.IdentityProvider = signing.EnvTokenProvider{}
			if tokenFile != "" {
				idp = signing.FileTokenProvider{Path: tokenFile}
			}
			signer := signing.NewSigner(signing.NewFulcioCA(fulcioURL), tlog, idp)

			var md *signing.SignatureMetadata
			if keyless {
				md, err = signer.SignKeyless(ctx, target)
			} else {
				var ref *v1alpha1.SecretReference
				ref, err = parseKeyRef(keyRef)
				if err != nil {
					return err
				}
				md, err = signer.SignWithKey(ctx, target, ref, tlogUpload)
			}
			if err != nil {
				return err
			}

			if err := client.AttachSignature(ctx, args[0], md); err != nil {
				return err
			}
			logging.FromContext(ctx).Infow("signed",
				"ref", args[0], "mode", md.Mode, "subject", md.Subject, "log-index", md.RekorLogIndex)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], md.CertificateFingerprint)
			return nil
		},
	}
	cmd.Flags().BoolVar(&keyless, "keyless", false, "sign with a short-lived certificate bound to an OIDC identity")
	cmd.Flags().StringVar(&keyRef, "key", "", "signing key reference, <source>:<name>[/<key>] with source env or kubernetes")
	cmd.Flags().StringVar(&fulcioURL, "fulcio-url", defaultFulcioURL, "certificate authority issuing keyless signing certificates")
	cmd.Flags().StringVar(&rekorURL, "rekor-url", defaultRekorURL, "transparency log receiving signature entries")
	cmd.Flags().StringVar(&tokenFile, "identity-token", "", "file holding the OIDC identity token, defaults to FLOE_IDENTITY_TOKEN")
	cmd.Flags().BoolVar(&tlogUpload, "tlog-upload", true, "record key-based signatures in the transparency log")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var (
		environment  string
		policyFile   string
		bundleFile   string
		exportBundle string
		output       string
		fulcioURL    string
		rekorURL     string
	)
	cmd := &cobra.Command{
		Use:   "verify <ref>",
		Short: "Verify an artifact signature against the policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pol, err := loadPolicy(ctx, policyFile)
			if err != nil {
				return err
			}
			if environment == "" {
				if env, err := config.Load(); err == nil {
					environment = env.Environment
				}
			}

			var result *signing.VerificationResult
			if bundleFile != "" {
				data, err := os.ReadFile(bundleFile)
				if err != nil {
					return err
				}
				result, err = signing.VerifyOffline(ctx, data, pol, environment)
				if err != nil {
					return err
				}
			} else {
				client, _, err := newRegistryClient(pol, fulcioURL, rekorURL)
				if err != nil {
					return err
				}
				target, err := client.ArtifactTarget(ctx, args[0])
				if err != nil {
					return err
				}
				md, err := client.GetSignatureMetadata(ctx, args[0])
				if err != nil {
					return err
				}
				tlog, err := signing.NewRekorLog(rekorURL)
				if err != nil {
					return err
				}
				ca := signing.NewFulcioCA(fulcioURL)
				verifier := signing.NewVerifier(pol, ca, tlog)
				if result, err = verifier.Verify(ctx, target, md, environment); err != nil {
					return err
				}
				if exportBundle != "" && md != nil {
					data, err := signing.ExportOfflineBundle(ctx, target, md, ca)
					if err != nil {
						return err
					}
					if err := os.WriteFile(exportBundle, data, 0o644); err != nil {
						return err
					}
				}
			}

			if err := printResult(cmd, output, result); err != nil {
				return err
			}
			// The explicit verify command answers "is it valid" even
			// when the policy would only warn.
			if result.Status != signing.StatusValid {
				return &signing.VerificationError{
					Ref:    args[0],
					Status: result.Status,
					Reason: result.Reason,
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&environment, "environment", "", "verification environment (falls back to FLOE_ENV)")
	cmd.Flags().StringVar(&policyFile, "policy", "", "verification policy file")
	cmd.Flags().StringVar(&bundleFile, "bundle", "", "verify an exported offline bundle instead of a registry artifact")
	cmd.Flags().StringVar(&exportBundle, "export-bundle", "", "write an offline verification bundle to this path")
	cmd.Flags().StringVar(&output, "output", "text", "output format, text or json")
	cmd.Flags().StringVar(&fulcioURL, "fulcio-url", defaultFulcioURL, "certificate authority supplying trust roots")
	cmd.Flags().StringVar(&rekorURL, "rekor-url", defaultRekorURL, "transparency log for inclusion proofs")
	return cmd
}

func newAttestCommand() *cobra.Command {
	var (
		sbomFile string
		sbomType string
	)
	cmd := &cobra.Command{
		Use:   "attest <ref>",
		Short: "Attach an SBOM attestation to a published artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			predicate, err := signing.SBOMPredicateType(sbomType)
			if err != nil {
				return err
			}
			sbom, err := os.ReadFile(sbomFile)
			if err != nil {
				return err
			}
			client, _, err := newRegistryClient(nil, "", "")
			if err != nil {
				return err
			}
			target, err := client.ArtifactTarget(ctx, args[0])
			if err != nil {
				return err
			}
			if err := signing.AttachSBOM(ctx, target, sbom, predicate); err != nil {
				return err
			}
			logging.FromContext(ctx).Infow("attested", "ref", args[0], "predicate", predicate)
			return nil
		},
	}
	cmd.Flags().StringVar(&sbomFile, "sbom", "", "SBOM document to attach")
	cmd.Flags().StringVar(&sbomType, "type", "spdx", "SBOM kind, spdx or cyclonedx")
	_ = cmd.MarkFlagRequired("sbom")
	return cmd
}

// newRegistryClient builds the registry client from the process
// environment, wiring verification trust roots when a policy is given.
func newRegistryClient(pol *policy.Verification, fulcioURL, rekorURL string) (*oci.Client, *config.Env, error) {
	env, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	opts := []oci.Option{oci.WithEnv(env)}
	if pol != nil {
		if fulcioURL == "" {
			fulcioURL = defaultFulcioURL
		}
		if rekorURL == "" {
			rekorURL = defaultRekorURL
		}
		tlog, err := signing.NewRekorLog(rekorURL)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, oci.WithTrustRoots(signing.NewFulcioCA(fulcioURL), tlog))
	}
	return oci.NewClient(opts...), env, nil
}

func loadPolicy(ctx context.Context, path string) (*policy.Verification, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return policy.ParseVerification(ctx, data)
}

// parseKeyRef splits <source>:<name>[/<key>] into a SecretReference.
func parseKeyRef(ref string) (*v1alpha1.SecretReference, error) {
	source, rest, ok := strings.Cut(ref, ":")
	if !ok || rest == "" {
		return nil, fmt.Errorf("invalid key reference %q, expected <source>:<name>[/<key>]", ref)
	}
	name, key, _ := strings.Cut(rest, "/")
	return &v1alpha1.SecretReference{Source: source, Name: name, Key: key}, nil
}

func printResult(cmd *cobra.Command, format string, result *signing.VerificationResult) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	case "text", "":
		fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", result.Status)
		if result.Reason != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "reason: %s\n", result.Reason)
		}
		if result.Subject != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "identity: %s (%s)\n", result.Subject, result.Issuer)
		}
		if result.LogIndex > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "log index: %d\n", result.LogIndex)
		}
	default:
		return fmt.Errorf("unknown output format %q, expected text or json", format)
	}
	return nil
}
