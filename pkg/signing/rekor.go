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

	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	rekor "github.com/sigstore/rekor/pkg/client"
	"github.com/sigstore/rekor/pkg/generated/client"
	"github.com/sigstore/rekor/pkg/generated/client/entries"
	"github.com/sigstore/rekor/pkg/generated/models"
)

// RekorLog is a TransparencyLog backed by a Rekor instance, speaking the
// hashedrekord 0.0.1 entry kind.
type RekorLog struct {
	client *client.Rekor
}

// NewRekorLog dials a Rekor base URL, e.g. https://rekor.sigstore.dev.
func NewRekorLog(baseURL string) (*RekorLog, error) {
	c, err := rekor.GetRekorClient(baseURL)
	if err != nil {
		return nil, fmt.Errorf("creating rekor client: %w", err)
	}
	return &RekorLog{client: c}, nil
}

// Upload implements TransparencyLog.
func (r *RekorLog) Upload(ctx context.Context, entry LogEntry) (*LogEntryRecord, error) {
	proposed := &models.Hashedrekord{
		APIVersion: swag.String("0.0.1"),
		Spec: models.HashedrekordV001Schema{
			Data: &models.HashedrekordV001SchemaData{
				Hash: &models.HashedrekordV001SchemaDataHash{
					Algorithm: swag.String(models.HashedrekordV001SchemaDataHashAlgorithmSha256),
					Value:     swag.String(entry.DigestHex),
				},
			},
			Signature: &models.HashedrekordV001SchemaSignature{
				Content: strfmt.Base64(entry.Signature),
				PublicKey: &models.HashedrekordV001SchemaSignaturePublicKey{
					Content: strfmt.Base64(entry.PublicKeyPEM),
				},
			},
		},
	}

	params := entries.NewCreateLogEntryParamsWithContext(ctx)
	params.SetProposedEntry(proposed)
	resp, err := r.client.Entries.CreateLogEntry(params)
	if err != nil {
		return nil, fmt.Errorf("uploading log entry: %w", err)
	}
	for _, e := range resp.Payload {
		return &LogEntryRecord{
			LogIndex:       swag.Int64Value(e.LogIndex),
			LogID:          swag.StringValue(e.LogID),
			IntegratedTime: swag.Int64Value(e.IntegratedTime),
			Entry:          entry,
		}, nil
	}
	return nil, fmt.Errorf("log returned an empty entry map")
}

// VerifyInclusion implements TransparencyLog by fetching the entry at
// the recorded index and confirming its log coordinates.
func (r *RekorLog) VerifyInclusion(ctx context.Context, record LogEntryRecord) error {
	params := entries.NewGetLogEntryByIndexParamsWithContext(ctx)
	params.SetLogIndex(record.LogIndex)
	resp, err := r.client.Entries.GetLogEntryByIndex(params)
	if err != nil {
		return fmt.Errorf("fetching log entry %d: %w", record.LogIndex, err)
	}
	for _, e := range resp.Payload {
		if record.LogID != "" && swag.StringValue(e.LogID) != record.LogID {
			return fmt.Errorf("log entry %d belongs to a different log", record.LogIndex)
		}
		if record.IntegratedTime != 0 && swag.Int64Value(e.IntegratedTime) != record.IntegratedTime {
			return fmt.Errorf("log entry %d integration time does not match the bundle", record.LogIndex)
		}
		return nil
	}
	return fmt.Errorf("log entry %d not found", record.LogIndex)
}
