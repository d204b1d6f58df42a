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

// Package oci moves CompiledArtifacts and platform manifests through OCI
// registries: push, verified pull, list, delete, plus the document
// fetcher the inheritance resolver loads parents through.
package oci

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"golang.org/x/time/rate"

	"github.com/Obsidian-Owl/floe-sub008/pkg/config"
	"github.com/Obsidian-Owl/floe-sub008/pkg/signing"
)

// Media types of the floe artifact layout: an OCI image manifest whose
// single layer is the canonical CompiledArtifacts JSON.
const (
	ConfigMediaType   types.MediaType = "application/vnd.floe.compiledartifacts.config.v1+json"
	ArtifactMediaType types.MediaType = "application/vnd.floe.compiledartifacts.v1+json"
	// ManifestMediaType carries platform/domain manifest YAML for
	// inheritance parents.
	ManifestMediaType types.MediaType = "application/vnd.floe.manifest.v1+yaml"
)

// Compiler-stamped annotations. Signature annotations live in
// pkg/signing.
const (
	AnnotationToolVersion = "dev.floe.compiler.tool-version"
	AnnotationSourceHash  = "dev.floe.compiler.source-hash"
)

const (
	defaultConcurrency    = 8
	defaultRequestTimeout = 30 * time.Second
	defaultPushTimeout    = 5 * time.Minute
	// retryAttempts counts total tries, not re-tries.
	retryAttempts = 3
)

// Client talks to OCI registries with bounded concurrency, retry and
// rate limiting.
type Client struct {
	keychain       authn.Keychain
	limiter        *rate.Limiter
	concurrency    int
	requestTimeout time.Duration
	pushTimeout    time.Duration
	insecure       bool

	ca       signing.CertificateAuthority
	tlog     signing.TransparencyLog
	verifier func(*Client) []signing.VerifierOption

	extraRemote []remote.Option
}

// Option tunes a Client.
type Option func(*Client)

// WithConcurrency bounds parallel registry requests.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRateLimit caps registry requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithKeychain replaces the default keychain.
func WithKeychain(k authn.Keychain) Option {
	return func(c *Client) { c.keychain = k }
}

// WithEnv overlays static credentials and the insecure flag from the
// process environment.
func WithEnv(env *config.Env) Option {
	return func(c *Client) {
		c.insecure = env.RegistryInsecure
		if env.HasStaticCredentials() {
			c.keychain = authn.NewMultiKeychain(staticKeychain{env: env}, c.keychain)
		}
	}
}

// WithTrustRoots wires the verification collaborators used by Pull.
func WithTrustRoots(ca signing.CertificateAuthority, tlog signing.TransparencyLog) Option {
	return func(c *Client) {
		c.ca = ca
		c.tlog = tlog
	}
}

// WithVerifierOptions forwards options (audit sinks, clocks) to the
// verifiers Pull constructs.
func WithVerifierOptions(opts ...signing.VerifierOption) Option {
	return func(c *Client) {
		c.verifier = func(*Client) []signing.VerifierOption { return opts }
	}
}

// WithRemoteOptions appends raw go-containerregistry options, e.g. a
// test transport.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(c *Client) { c.extraRemote = append(c.extraRemote, opts...) }
}

// WithTimeouts overrides the per-request and push deadlines.
func WithTimeouts(request, push time.Duration) Option {
	return func(c *Client) {
		if request > 0 {
			c.requestTimeout = request
		}
		if push > 0 {
			c.pushTimeout = push
		}
	}
}

// NewClient builds a registry client with the default keychain and
// limits.
func NewClient(opts ...Option) *Client {
	c := &Client{
		keychain:       authn.DefaultKeychain,
		limiter:        rate.NewLimiter(rate.Inf, 1),
		concurrency:    defaultConcurrency,
		requestTimeout: defaultRequestTimeout,
		pushTimeout:    defaultPushTimeout,
		verifier:       func(*Client) []signing.VerifierOption { return nil },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// parseRef resolves an artifact reference, accepting the oci:// scheme
// manifests use for parents.
func (c *Client) parseRef(ref string) (name.Reference, error) {
	trimmed := strings.TrimPrefix(ref, "oci://")
	var opts []name.Option
	if c.insecure {
		opts = append(opts, name.Insecure)
	}
	parsed, err := name.ParseReference(trimmed, opts...)
	if err != nil {
		return nil, fmt.Errorf("parsing artifact reference %q: %w", ref, err)
	}
	return parsed, nil
}

// remoteOpts assembles per-call go-containerregistry options.
func (c *Client) remoteOpts(ctx context.Context) []remote.Option {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(c.keychain),
	}
	return append(opts, c.extraRemote...)
}

// withRetry runs one registry operation under the request timeout and
// the retry budget. Definitive registry answers (4xx) are not retried.
func (c *Client) withRetry(ctx context.Context, op, ref string, fn func(ctx context.Context) error) error {
	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
		if err := fn(reqCtx); err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retryAttempts-1), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		return wrapRegistryErr(op, ref, err)
	}
	return nil
}

// staticKeychain serves credentials from the process environment for
// every registry.
type staticKeychain struct {
	env *config.Env
}

// Resolve implements authn.Keychain.
func (k staticKeychain) Resolve(authn.Resource) (authn.Authenticator, error) {
	if k.env.RegistryToken != "" {
		return authn.FromConfig(authn.AuthConfig{RegistryToken: k.env.RegistryToken}), nil
	}
	if k.env.RegistryUsername != "" {
		return &authn.Basic{Username: k.env.RegistryUsername, Password: k.env.RegistryPassword}, nil
	}
	return authn.Anonymous, nil
}
