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
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/ryanuber/go-glob"
	"golang.org/x/sync/errgroup"

	"github.com/Obsidian-Owl/floe-sub008/pkg/signing"
)

// ListOptions filter a repository listing.
type ListOptions struct {
	// Pattern is a glob over tag names, empty for all.
	Pattern string
	// Limit caps the number of descriptors returned, zero for all.
	Limit int
}

// List enumerates the artifacts in a repository: one tag page, then a
// bounded parallel manifest fetch per tag. Results are sorted by
// (repository, tag).
func (c *Client) List(ctx context.Context, repo string, opts ListOptions) ([]Descriptor, error) {
	trimmed := strings.TrimPrefix(repo, "oci://")
	var nameOpts []name.Option
	if c.insecure {
		nameOpts = append(nameOpts, name.Insecure)
	}
	repository, err := name.NewRepository(trimmed, nameOpts...)
	if err != nil {
		return nil, fmt.Errorf("parsing repository %q: %w", repo, err)
	}

	var tags []string
	if err := c.withRetry(ctx, "list", repo, func(ctx context.Context) error {
		tags, err = remote.List(repository, c.remoteOpts(ctx)...)
		return err
	}); err != nil {
		return nil, err
	}

	if opts.Pattern != "" {
		filtered := tags[:0]
		for _, tag := range tags {
			if glob.Glob(opts.Pattern, tag) {
				filtered = append(filtered, tag)
			}
		}
		tags = filtered
	}
	sort.Strings(tags)
	if opts.Limit > 0 && len(tags) > opts.Limit {
		tags = tags[:opts.Limit]
	}

	descriptors := make([]Descriptor, len(tags))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, tag := range tags {
		g.Go(func() error {
			d, err := c.describeTag(gctx, repository, tag)
			if err != nil {
				return err
			}
			descriptors[i] = *d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(descriptors, func(i, j int) bool {
		if descriptors[i].Repository != descriptors[j].Repository {
			return descriptors[i].Repository < descriptors[j].Repository
		}
		return descriptors[i].Tag < descriptors[j].Tag
	})
	return descriptors, nil
}

// describeTag fetches one tag's manifest and folds it into a Descriptor.
func (c *Client) describeTag(ctx context.Context, repository name.Repository, tag string) (*Descriptor, error) {
	ref := repository.Tag(tag)
	d := &Descriptor{Repository: repository.Name(), Tag: tag}
	err := c.withRetry(ctx, "list", ref.String(), func(ctx context.Context) error {
		desc, err := remote.Get(ref, c.remoteOpts(ctx)...)
		if err != nil {
			return err
		}
		img, err := desc.Image()
		if err != nil {
			return err
		}
		manifest, err := img.Manifest()
		if err != nil {
			return err
		}
		d.ManifestDigest = desc.Digest.String()
		d.ToolVersion = manifest.Annotations[AnnotationToolVersion]
		d.SourceHash = manifest.Annotations[AnnotationSourceHash]
		d.Signed = manifest.Annotations[signing.AnnotationBundle] != ""
		for _, layer := range manifest.Layers {
			if layer.MediaType == ArtifactMediaType {
				d.Digest = layer.Digest.String()
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Delete removes a tag or digest from the registry. Registries without
// delete support surface a RegistryError with the response status.
func (c *Client) Delete(ctx context.Context, ref string) error {
	parsed, err := c.parseRef(ref)
	if err != nil {
		return err
	}
	return c.withRetry(ctx, "delete", ref, func(ctx context.Context) error {
		return remote.Delete(parsed, c.remoteOpts(ctx)...)
	})
}
