// Package audit provides best-effort, append-only recording of every
// authentication and authorization decision. Recording never fails the
// triggering request: writes happen on a background consumer, a failed
// write is retried once and then dropped to a local fallback log.
package audit

import (
	"time"
)

// EventType enumerates the auditable decisions.
type EventType string

const (
	EventLoginSuccess       EventType = "login.success"
	EventLoginFailure       EventType = "login.failure"
	EventTokenRefresh       EventType = "token.refresh"
	EventLogout             EventType = "logout"
	EventAccessGranted      EventType = "access.granted"
	EventAccessDenied       EventType = "access.denied"
	EventPermissionDenied   EventType = "permission.denied"
	EventMFAEnabled         EventType = "mfa.enabled"
	EventMFADisabled        EventType = "mfa.disabled"
	EventMigrationStarted   EventType = "migration.started"
	EventMigrationCompleted EventType = "migration.completed"
	EventMigrationFailed    EventType = "migration.failed"
)

// Outcome is the decision result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one append-only audit record. UserID is empty for events raised
// before the caller could be identified.
type Event struct {
	ID         string         `json:"id"`
	OccurredAt time.Time      `json:"occurred_at"`
	UserID     string         `json:"user_id,omitempty"`
	Type       EventType      `json:"type"`
	Outcome    Outcome        `json:"outcome"`
	IP         string         `json:"ip,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}
