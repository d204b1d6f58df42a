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

package signing

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// tokenSignatureAlgorithms are the JWS algorithms accepted when parsing
// identity tokens. The claims are read without local verification; the
// certificate authority is the party that verifies the token.
var tokenSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// ParseIdentityToken extracts issuer and subject claims from a raw OIDC
// token. CI tokens commonly carry the signer identity in the email claim
// rather than sub; email wins when present.
func ParseIdentityToken(raw string) (IdentityToken, error) {
	tok, err := jwt.ParseSigned(raw, tokenSignatureAlgorithms)
	if err != nil {
		return IdentityToken{}, fmt.Errorf("parsing identity token: %w", err)
	}
	var claims struct {
		Issuer  string `json:"iss"`
		Subject string `json:"sub"`
		Email   string `json:"email"`
	}
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return IdentityToken{}, fmt.Errorf("reading identity token claims: %w", err)
	}
	subject := claims.Subject
	if claims.Email != "" {
		subject = claims.Email
	}
	if claims.Issuer == "" || subject == "" {
		return IdentityToken{}, fmt.Errorf("identity token is missing issuer or subject claims")
	}
	return IdentityToken{Raw: raw, Issuer: claims.Issuer, Subject: subject}, nil
}

// EnvTokenProvider reads a pre-fetched OIDC token from the environment,
// the shape CI systems hand tokens over in.
type EnvTokenProvider struct {
	// Variable defaults to FLOE_IDENTITY_TOKEN.
	Variable string
}

// Token implements IdentityProvider.
func (p EnvTokenProvider) Token(context.Context) (IdentityToken, error) {
	name := p.Variable
	if name == "" {
		name = "FLOE_IDENTITY_TOKEN"
	}
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return IdentityToken{}, fmt.Errorf("environment variable %s carries no identity token", name)
	}
	return ParseIdentityToken(raw)
}

// FileTokenProvider reads an OIDC token from a file, the shape Kubernetes
// projected service account tokens arrive in.
type FileTokenProvider struct {
	Path string
}

// Token implements IdentityProvider.
func (p FileTokenProvider) Token(context.Context) (IdentityToken, error) {
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return IdentityToken{}, fmt.Errorf("reading identity token file: %w", err)
	}
	return ParseIdentityToken(strings.TrimSpace(string(raw)))
}
