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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

func mintToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() = %v", err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, nil)
	if err != nil {
		t.Fatalf("NewSigner() = %v", err)
	}
	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("Serialize() = %v", err)
	}
	return raw
}

func TestParseIdentityToken(t *testing.T) {
	tests := []struct {
		name        string
		claims      map[string]interface{}
		wantIssuer  string
		wantSubject string
		wantErr     bool
	}{
		{
			name:        "subject claim",
			claims:      map[string]interface{}{"iss": "https://oidc.example.com", "sub": "repo:org/floe:ref:refs/heads/main"},
			wantIssuer:  "https://oidc.example.com",
			wantSubject: "repo:org/floe:ref:refs/heads/main",
		},
		{
			name:        "email claim wins over sub",
			claims:      map[string]interface{}{"iss": "https://oidc.example.com", "sub": "opaque-id", "email": "ci@example.com"},
			wantIssuer:  "https://oidc.example.com",
			wantSubject: "ci@example.com",
		},
		{
			name:    "missing issuer",
			claims:  map[string]interface{}{"sub": "ci@example.com"},
			wantErr: true,
		},
		{
			name:    "missing subject",
			claims:  map[string]interface{}{"iss": "https://oidc.example.com"},
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tok, err := ParseIdentityToken(mintToken(t, test.claims))
			if (err != nil) != test.wantErr {
				t.Fatalf("ParseIdentityToken() = %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr {
				return
			}
			if tok.Issuer != test.wantIssuer || tok.Subject != test.wantSubject {
				t.Errorf("token = (%q, %q), wanted (%q, %q)", tok.Issuer, tok.Subject, test.wantIssuer, test.wantSubject)
			}
		})
	}
}

func TestParseIdentityTokenGarbage(t *testing.T) {
	if _, err := ParseIdentityToken("not.a.jwt"); err == nil {
		t.Fatal("ParseIdentityToken() = nil, wanted an error")
	}
}

func TestEnvTokenProvider(t *testing.T) {
	raw := mintToken(t, map[string]interface{}{"iss": "https://oidc.example.com", "sub": "ci@example.com"})
	t.Setenv("FLOE_IDENTITY_TOKEN", raw)

	tok, err := EnvTokenProvider{}.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() = %v", err)
	}
	if tok.Raw != raw {
		t.Error("Token() did not preserve the raw token")
	}

	t.Setenv("FLOE_IDENTITY_TOKEN", "")
	if _, err := (EnvTokenProvider{}).Token(context.Background()); err == nil {
		t.Fatal("Token() = nil, wanted an error for an empty variable")
	}
}
