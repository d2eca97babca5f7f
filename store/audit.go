package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor"`
	Subject   string         `json:"subject,omitempty"`
	Outcome   string         `json:"outcome"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// AppendAudit writes one audit record.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	var contextJSON any
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return err
		}
		contextJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (event, actor, subject, outcome, context)
		VALUES (?, ?, ?, ?, ?)`,
		e.Event, e.Actor, nullable(e.Subject), e.Outcome, contextJSON)
	return err
}

// ListAudit returns the most recent audit records, newest first.
func (s *Store) ListAudit(ctx context.Context, event string, limit int) ([]AuditEntry, error) {
	q := `SELECT id, event, actor, subject, outcome, context, created_at FROM audit_log`
	args := []any{}
	if event != "" {
		q += " WHERE event = ?"
		args = append(args, event)
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var subject, contextJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.Event, &e.Actor, &subject, &e.Outcome,
			&contextJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Subject = subject.String
		if contextJSON.Valid && contextJSON.String != "" {
			json.Unmarshal([]byte(contextJSON.String), &e.Context)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
