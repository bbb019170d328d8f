package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"actuaria.org/internal/audit"
)

// AuditSink appends audit events to the audit_logs table.
type AuditSink struct{ db *sql.DB }

var _ audit.Sink = (*AuditSink)(nil)

// AuditSink returns the relational audit sink backed by this store's pool.
func (s *Store) AuditSink() *AuditSink { return &AuditSink{db: s.db} }

// Append implements audit.Sink.
func (s *AuditSink) Append(ctx context.Context, ev *audit.Event) error {
	detail, _ := json.Marshal(ev.Detail)
	_, err := s.db.ExecContext(ctx, `
		insert into audit_logs(id, occurred_at, user_id, event_type, outcome, ip_address, detail)
		values($1,$2,nullif($3,''),$4,$5,nullif($6,''),$7)
	`, ev.ID, ev.OccurredAt, ev.UserID, ev.Type, ev.Outcome, ev.IP, detail)
	return err
}
