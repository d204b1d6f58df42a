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
	"sync"
	"time"

	"github.com/google/uuid"
	"knative.dev/pkg/logging"
)

// VerificationAuditEvent records one verification, successful or not.
// Events are emitted for every verification under an enabled policy;
// warn-mode failures surface here rather than as errors.
type VerificationAuditEvent struct {
	ID            string `json:"id"`
	Time          string `json:"time"`
	Target        string `json:"target"`
	Status        Status `json:"signature_status"`
	Enforcement   string `json:"enforcement"`
	PolicyEnabled bool   `json:"policy_enabled"`
	// +optional
	Reason string `json:"reason,omitempty"`
	// +optional
	Issuer string `json:"issuer,omitempty"`
	// +optional
	Subject string `json:"subject,omitempty"`
}

// AuditEmitter is a thread-safe, append-only audit sink. Ordering within
// one operation's events is preserved.
type AuditEmitter interface {
	Emit(ctx context.Context, event VerificationAuditEvent)
}

// newAuditEvent stamps identity and time onto an event.
func newAuditEvent(target Target, result *VerificationResult, enabled bool, now time.Time) VerificationAuditEvent {
	return VerificationAuditEvent{
		ID:            uuid.NewString(),
		Time:          now.UTC().Format(time.RFC3339),
		Target:        target.String(),
		Status:        result.Status,
		Enforcement:   result.Enforcement,
		PolicyEnabled: enabled,
		Reason:        result.Reason,
		Issuer:        result.Issuer,
		Subject:       result.Subject,
	}
}

// LogAuditEmitter writes audit events to the context logger.
type LogAuditEmitter struct{}

// Emit implements AuditEmitter.
func (LogAuditEmitter) Emit(ctx context.Context, ev VerificationAuditEvent) {
	logging.FromContext(ctx).Infow("signature verification audit",
		"id", ev.ID,
		"target", ev.Target,
		"signature_status", ev.Status,
		"enforcement", ev.Enforcement,
		"policy_enabled", ev.PolicyEnabled,
		"reason", ev.Reason,
		"issuer", ev.Issuer,
		"subject", ev.Subject,
	)
}

// MemoryAuditSink collects events for tests and offline inspection.
type MemoryAuditSink struct {
	mu     sync.Mutex
	events []VerificationAuditEvent
}

// Emit implements AuditEmitter.
func (s *MemoryAuditSink) Emit(_ context.Context, ev VerificationAuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a snapshot in emission order.
func (s *MemoryAuditSink) Events() []VerificationAuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]VerificationAuditEvent(nil), s.events...)
}
