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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"knative.dev/pkg/logging"

	"github.com/Obsidian-Owl/floe-sub008/pkg/compile"
	"github.com/Obsidian-Owl/floe-sub008/pkg/config"
	"github.com/Obsidian-Owl/floe-sub008/pkg/oci"
	"github.com/Obsidian-Owl/floe-sub008/pkg/resolve"
	"github.com/Obsidian-Owl/floe-sub008/pkg/signing"
)

const defaultArtifactPath = "target/compiled-artifacts.json"

// signatureSuffix names the detached signature written by compile --sign;
// artifact push picks it up and attaches it as annotations.
const signatureSuffix = ".sig.json"

func newCompileCommand() *cobra.Command {
	var (
		manifestDir string
		product     string
		env         string
		out         string
		sign        bool
		fulcioURL   string
		rekorURL    string
	)
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Resolve manifests and freeze them into CompiledArtifacts",
		Long: `Compile resolves the inheritance chain of a data product, validates
every constraint and writes the canonical CompiledArtifacts document.
The environment flag selects a manifest overlay directory; the FLOE_ENV
variable is deliberately ignored here so builds stay reproducible.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := logging.FromContext(ctx)

			set, err := loadManifestDir(ctx, manifestDir, env)
			if err != nil {
				return err
			}
			prod, err := set.product(product)
			if err != nil {
				return err
			}

			procEnv, err := config.Load()
			if err != nil {
				return err
			}
			remote, err := resolve.NewOCILoader(oci.NewClient(oci.WithEnv(procEnv)))
			if err != nil {
				return err
			}

			resolved, err := resolve.Resolve(ctx, prod, set.loader(remote.Load))
			if err != nil {
				return err
			}
			art, err := compile.Compile(ctx, resolved, prod, compile.Identity{Product: prod.Metadata.Name})
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
			digest, err := art.Digest()
			if err != nil {
				return err
			}
			logger.Infow("compiled", "product", art.Identity.ProductID, "mode", art.Mode, "digest", digest)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", out, digest)

			if !sign {
				return nil
			}
			md, err := signArtifact(cmd, digest, art.Identity.ProductID, fulcioURL, rekorURL)
			if err != nil {
				return err
			}
			sig, err := json.Marshal(md)
			if err != nil {
				return err
			}
			return os.WriteFile(out+signatureSuffix, sig, 0o644)
		},
	}
	cmd.Flags().StringVar(&manifestDir, "manifest-dir", ".", "directory holding the platform and product manifests")
	cmd.Flags().StringVar(&product, "product", "", "data product to compile when the directory holds several")
	cmd.Flags().StringVar(&env, "env", "", "manifest overlay subdirectory to layer on top")
	cmd.Flags().StringVar(&out, "out", defaultArtifactPath, "output path of the compiled document")
	cmd.Flags().BoolVar(&sign, "sign", false, "sign the compiled artifact keylessly and write a detached signature")
	cmd.Flags().StringVar(&fulcioURL, "fulcio-url", defaultFulcioURL, "certificate authority issuing keyless signing certificates")
	cmd.Flags().StringVar(&rekorURL, "rekor-url", defaultRekorURL, "transparency log receiving signature entries")
	return cmd
}

// signArtifact signs a freshly-compiled document that has no registry
// home yet; the target repository is the product identity.
func signArtifact(cmd *cobra.Command, digest, productID, fulcioURL, rekorURL string) (*signing.SignatureMetadata, error) {
	tlog, err := signing.NewRekorLog(rekorURL)
	if err != nil {
		return nil, err
	}
	signer := signing.NewSigner(signing.NewFulcioCA(fulcioURL), tlog, signing.EnvTokenProvider{})
	return signer.SignKeyless(cmd.Context(), signing.Target{
		Registry:   "local",
		Repository: productID,
		Digest:     digest,
	})
}
