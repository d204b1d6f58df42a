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
	"context"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"golang.org/x/sync/errgroup"
	"knative.dev/pkg/logging"

	"github.com/Obsidian-Owl/floe-sub008/pkg/apis/compiled"
	"github.com/Obsidian-Owl/floe-sub008/pkg/policy"
	"github.com/Obsidian-Owl/floe-sub008/pkg/signing"
)

// Descriptor locates a pushed artifact.
type Descriptor struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag,omitempty"`
	// Digest is the artifact content digest: sha256 over the canonical
	// CompiledArtifacts bytes. Signatures cover this digest, so it is
	// stable under annotation changes.
	Digest string `json:"digest"`
	// ManifestDigest is the OCI manifest digest, which changes when
	// signature annotations are attached.
	ManifestDigest string `json:"manifest_digest"`
	ToolVersion    string `json:"tool_version,omitempty"`
	SourceHash     string `json:"source_hash,omitempty"`
	Signed         bool   `json:"signed"`
}

// Push writes a CompiledArtifacts document to the registry as an OCI
// artifact: config + one canonical-JSON layer, compiler annotations on
// the manifest. Extra annotations (signature metadata at push --sign
// time) are merged in.
func (c *Client) Push(ctx context.Context, ref string, art *compiled.CompiledArtifacts, annotations map[string]string) (*Descriptor, error) {
	parsed, err := c.parseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := art.Canonical()
	if err != nil {
		return nil, fmt.Errorf("serializing artifact for %s: %w", ref, err)
	}
	digest, err := art.Digest()
	if err != nil {
		return nil, fmt.Errorf("hashing artifact for %s: %w", ref, err)
	}

	anns := map[string]string{
		AnnotationToolVersion: art.Metadata.ToolVersion,
		AnnotationSourceHash:  art.Metadata.SourceHash,
	}
	for k, v := range annotations {
		anns[k] = v
	}

	img, err := buildArtifactImage(data, anns)
	if err != nil {
		return nil, fmt.Errorf("assembling artifact image for %s: %w", ref, err)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.pushTimeout)
	defer cancel()
	if err := c.withRetry(opCtx, "push", ref, func(ctx context.Context) error {
		return remote.Write(parsed, img, c.remoteOpts(ctx)...)
	}); err != nil {
		return nil, err
	}

	manifestDigest, err := img.Digest()
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Infow("artifact pushed",
		"ref", parsed.String(), "digest", digest, "source_hash", art.Metadata.SourceHash)
	return &Descriptor{
		Repository:     parsed.Context().Name(),
		Tag:            refTag(parsed),
		Digest:         digest,
		ManifestDigest: manifestDigest.String(),
		ToolVersion:    art.Metadata.ToolVersion,
		SourceHash:     art.Metadata.SourceHash,
		Signed:         anns[signing.AnnotationBundle] != "",
	}, nil
}

// buildArtifactImage assembles the OCI image for one artifact.
func buildArtifactImage(data []byte, annotations map[string]string) (v1.Image, error) {
	base := mutate.MediaType(empty.Image, types.OCIManifestSchema1)
	base = mutate.ConfigMediaType(base, ConfigMediaType)
	img, err := mutate.Append(base, mutate.Addendum{
		Layer: static.NewLayer(data, ArtifactMediaType),
	})
	if err != nil {
		return nil, err
	}
	return mutate.Annotations(img, annotations).(v1.Image), nil
}

// Pull fetches, verifies and deserializes an artifact. When the policy's
// effective enforcement is enforce and verification fails, the error is
// the verification failure and no artifact is returned; under warn the
// artifact comes back alongside the failed result.
func (c *Client) Pull(ctx context.Context, ref string, pol *policy.Verification, env string) (*compiled.CompiledArtifacts, *signing.VerificationResult, error) {
	parsed, err := c.parseRef(ref)
	if err != nil {
		return nil, nil, err
	}

	var img v1.Image
	if err := c.withRetry(ctx, "pull", ref, func(ctx context.Context) error {
		desc, err := remote.Get(parsed, c.remoteOpts(ctx)...)
		if err != nil {
			return err
		}
		img, err = desc.Image()
		return err
	}); err != nil {
		return nil, nil, err
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, nil, wrapRegistryErr("pull", ref, err)
	}
	if len(manifest.Layers) == 0 {
		return nil, nil, &RegistryError{Ref: ref, Op: "pull",
			Err: fmt.Errorf("manifest carries no layers")}
	}

	// Layers are fetched in parallel and joined before any bytes are
	// interpreted.
	contents := make([][]byte, len(manifest.Layers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	layers, err := img.Layers()
	if err != nil {
		return nil, nil, wrapRegistryErr("pull", ref, err)
	}
	for i, layer := range layers {
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return err
			}
			rc, err := layer.Uncompressed()
			if err != nil {
				return err
			}
			defer rc.Close()
			contents[i], err = io.ReadAll(rc)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, wrapRegistryErr("pull", ref, err)
	}

	var artifactBytes []byte
	for i, layer := range manifest.Layers {
		if layer.MediaType == ArtifactMediaType {
			artifactBytes = contents[i]
			break
		}
	}
	if artifactBytes == nil {
		return nil, nil, &RegistryError{Ref: ref, Op: "pull",
			Err: fmt.Errorf("no %s layer in manifest", ArtifactMediaType)}
	}

	result, err := c.verifyPulled(ctx, parsed, manifest.Annotations, artifactBytes, pol, env)
	if err != nil {
		// Enforced verification failure: the artifact bytes stay inside
		// this function.
		return nil, result, err
	}

	art, err := compiled.Parse(artifactBytes)
	if err != nil {
		return nil, result, err
	}
	return art, result, nil
}

// verifyPulled runs policy verification over a pulled artifact's content
// digest.
func (c *Client) verifyPulled(ctx context.Context, ref name.Reference, annotations map[string]string, artifactBytes []byte, pol *policy.Verification, env string) (*signing.VerificationResult, error) {
	if pol == nil {
		return nil, nil
	}
	target := signing.Target{
		Registry:   ref.Context().RegistryStr(),
		Repository: ref.Context().RepositoryStr(),
		Digest:     compiled.DigestBytes(artifactBytes),
	}
	md := signing.MetadataFromAnnotations(annotations)
	verifier := signing.NewVerifier(pol, c.ca, c.tlog, c.verifier(c)...)
	return verifier.Verify(ctx, target, md, env)
}

// GetSignatureMetadata reads the signature annotations of an artifact,
// nil when it is unsigned.
func (c *Client) GetSignatureMetadata(ctx context.Context, ref string) (*signing.SignatureMetadata, error) {
	_, manifest, err := c.getManifest(ctx, ref)
	if err != nil {
		return nil, err
	}
	return signing.MetadataFromAnnotations(manifest.Annotations), nil
}

// ArtifactTarget resolves the signing target of a pushed artifact: its
// registry coordinates plus the content digest signatures cover.
func (c *Client) ArtifactTarget(ctx context.Context, ref string) (signing.Target, error) {
	parsed, manifest, err := c.getManifest(ctx, ref)
	if err != nil {
		return signing.Target{}, err
	}
	for _, layer := range manifest.Layers {
		if layer.MediaType == ArtifactMediaType {
			return signing.Target{
				Registry:   parsed.Context().RegistryStr(),
				Repository: parsed.Context().RepositoryStr(),
				Digest:     layer.Digest.String(),
			}, nil
		}
	}
	return signing.Target{}, &RegistryError{Ref: ref, Op: "resolve",
		Err: fmt.Errorf("no %s layer in manifest", ArtifactMediaType)}
}

// AttachSignature re-writes an artifact tag with signature metadata
// merged into its manifest annotations.
func (c *Client) AttachSignature(ctx context.Context, ref string, md *signing.SignatureMetadata) error {
	parsed, err := c.parseRef(ref)
	if err != nil {
		return err
	}
	var img v1.Image
	if err := c.withRetry(ctx, "sign", ref, func(ctx context.Context) error {
		desc, err := remote.Get(parsed, c.remoteOpts(ctx)...)
		if err != nil {
			return err
		}
		img, err = desc.Image()
		return err
	}); err != nil {
		return err
	}
	signed := mutate.Annotations(img, md.ToAnnotations()).(v1.Image)
	return c.withRetry(ctx, "sign", ref, func(ctx context.Context) error {
		return remote.Write(parsed, signed, c.remoteOpts(ctx)...)
	})
}

// getManifest fetches one manifest under the retry budget.
func (c *Client) getManifest(ctx context.Context, ref string) (name.Reference, *v1.Manifest, error) {
	parsed, err := c.parseRef(ref)
	if err != nil {
		return nil, nil, err
	}
	var manifest *v1.Manifest
	if err := c.withRetry(ctx, "get", ref, func(ctx context.Context) error {
		desc, err := remote.Get(parsed, c.remoteOpts(ctx)...)
		if err != nil {
			return err
		}
		img, err := desc.Image()
		if err != nil {
			return err
		}
		manifest, err = img.Manifest()
		return err
	}); err != nil {
		return nil, nil, err
	}
	return parsed, manifest, nil
}

// PushManifest publishes a platform or domain manifest document so
// products can inherit from it by OCI reference.
func (c *Client) PushManifest(ctx context.Context, ref string, doc []byte) error {
	parsed, err := c.parseRef(ref)
	if err != nil {
		return err
	}
	base := mutate.MediaType(empty.Image, types.OCIManifestSchema1)
	base = mutate.ConfigMediaType(base, ConfigMediaType)
	img, err := mutate.Append(base, mutate.Addendum{
		Layer: static.NewLayer(doc, ManifestMediaType),
	})
	if err != nil {
		return fmt.Errorf("assembling manifest image for %s: %w", ref, err)
	}
	return c.withRetry(ctx, "push", ref, func(ctx context.Context) error {
		return remote.Write(parsed, img, c.remoteOpts(ctx)...)
	})
}

// FetchDocument returns the raw bytes of the first layer of the
// referenced artifact. It is the loader the inheritance resolver pulls
// parent manifests through.
func (c *Client) FetchDocument(ctx context.Context, ref string) ([]byte, error) {
	parsed, err := c.parseRef(ref)
	if err != nil {
		return nil, err
	}
	var doc []byte
	if err := c.withRetry(ctx, "fetch", ref, func(ctx context.Context) error {
		desc, err := remote.Get(parsed, c.remoteOpts(ctx)...)
		if err != nil {
			return err
		}
		img, err := desc.Image()
		if err != nil {
			return err
		}
		layers, err := img.Layers()
		if err != nil {
			return err
		}
		if len(layers) == 0 {
			return fmt.Errorf("manifest carries no layers")
		}
		rc, err := layers[0].Uncompressed()
		if err != nil {
			return err
		}
		defer rc.Close()
		doc, err = io.ReadAll(rc)
		return err
	}); err != nil {
		return nil, err
	}
	return doc, nil
}

// refTag extracts the tag from a reference, empty for digest refs.
func refTag(ref name.Reference) string {
	if tag, ok := ref.(name.Tag); ok {
		return tag.TagStr()
	}
	return ""
}
