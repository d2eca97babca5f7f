// Package audit records administrative actions (promotions, batch
// control, destructive operations) to an append-only trail.
package audit

import (
	"context"
	"log/slog"

	"govguide/store"
)

// Entry is one audited action.
type Entry struct {
	Event   string         `json:"event"`
	Actor   string         `json:"actor"`
	Subject string         `json:"subject,omitempty"`
	Outcome string         `json:"outcome"`
	Context map[string]any `json:"context,omitempty"`
}

// Outcome values.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
)

// Sink accepts audit entries. Record must never fail the calling
// operation; implementations log their own write errors.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

type storeSink struct {
	store *store.Store
}

// NewStoreSink writes audit entries to the audit_log table.
func NewStoreSink(s *store.Store) Sink {
	return &storeSink{store: s}
}

func (s *storeSink) Record(ctx context.Context, e Entry) {
	err := s.store.AppendAudit(ctx, store.AuditEntry{
		Event:   e.Event,
		Actor:   e.Actor,
		Subject: e.Subject,
		Outcome: e.Outcome,
		Context: e.Context,
	})
	if err != nil {
		slog.Error("audit: write failed",
			"event", e.Event, "subject", e.Subject, "error", err)
	}
}

// Discard drops all entries. For tests and tooling.
type Discard struct{}

func (Discard) Record(context.Context, Entry) {}
