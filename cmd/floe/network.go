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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"knative.dev/pkg/logging"

	"github.com/Obsidian-Owl/floe-sub008/pkg/apis/compiled"
	"github.com/Obsidian-Owl/floe-sub008/pkg/generate/network"
	"github.com/Obsidian-Owl/floe-sub008/pkg/resolve"
)

const defaultNetworkDir = "target/network"

func newNetworkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Generate and validate NetworkPolicy manifests",
	}
	cmd.AddCommand(newNetworkGenerateCommand(), newNetworkValidateCommand())
	return cmd
}

func newNetworkGenerateCommand() *cobra.Command {
	var (
		manifestDir string
		product     string
		env         string
		artifact    string
		out         string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Derive hardened network manifests from the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			set, err := loadManifestDir(ctx, manifestDir, env)
			if err != nil {
				return err
			}
			doc, err := set.leaf(product)
			if err != nil {
				return err
			}
			resolved, err := resolve.Resolve(ctx, doc, set.loader(nil))
			if err != nil {
				return err
			}

			in := network.Inputs{SourceHash: sourceHashOf(artifact)}
			if resolved.Domain != nil {
				in.Domains = []string{resolved.Domain.Metadata.Name}
			}
			result, err := network.Generate(resolved.Merged.Security, in)
			if err != nil {
				return err
			}
			if err := network.WriteFiles(result, out); err != nil {
				return err
			}
			logging.FromContext(ctx).Infow("generated network manifests",
				"dir", out, "namespaces", len(result.Objects))
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestDir, "manifest-dir", ".", "directory holding the platform and product manifests")
	cmd.Flags().StringVar(&product, "product", "", "data product to resolve when the directory holds several")
	cmd.Flags().StringVar(&env, "env", "", "manifest overlay subdirectory to layer on top")
	cmd.Flags().StringVar(&artifact, "artifact", defaultArtifactPath, "compiled document supplying the source hash label")
	cmd.Flags().StringVar(&out, "out", defaultNetworkDir, "output directory for the manifests")
	return cmd
}

func newNetworkValidateCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Re-check generated network manifests for drift",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := network.ValidateFiles(dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", defaultNetworkDir, "directory of generated manifests")
	return cmd
}

// sourceHashOf reads the source hash out of a compiled document when one
// exists; generation before compilation just goes unlabeled.
func sourceHashOf(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	art, err := compiled.Parse(data)
	if err != nil {
		return ""
	}
	return art.Metadata.SourceHash
}
